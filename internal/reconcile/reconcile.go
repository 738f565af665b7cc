// Package reconcile compares the store's open positions against the broker's
// actual holdings at startup and nightly, and repairs the store side of any
// divergence. Broker-side surprises are reported, never auto-adopted.
package reconcile

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/tvasek/condorbot/internal/broker"
	"github.com/tvasek/condorbot/internal/models"
	"github.com/tvasek/condorbot/internal/notify"
	"github.com/tvasek/condorbot/internal/storage"
)

// Report is the outcome of one reconciliation pass.
type Report struct {
	ClosedExternally []string               // position ids marked CLOSED_EXTERNALLY
	PartialAtBroker  []string               // position ids with only some legs held
	NewInBroker      []models.PortfolioItem // holdings with no store counterpart
}

// Clean reports whether the pass found the two sides consistent.
func (r Report) Clean() bool {
	return len(r.ClosedExternally) == 0 && len(r.PartialAtBroker) == 0 && len(r.NewInBroker) == 0
}

// Reconciler diffs store positions against broker holdings.
type Reconciler struct {
	broker   broker.Broker
	store    storage.Interface
	notifier notify.Notifier
	log      zerolog.Logger
	now      func() time.Time
}

func NewReconciler(b broker.Broker, store storage.Interface, notifier notify.Notifier, log zerolog.Logger) *Reconciler {
	return &Reconciler{
		broker:   b,
		store:    store,
		notifier: notifier,
		log:      log.With().Str("component", "reconcile").Logger(),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Reconcile runs one pass. Store positions with no broker counterpart are
// marked CLOSED_EXTERNALLY; broker holdings with no store counterpart go
// into the report for human inspection, and no Position is created for
// them. On consistent state the pass changes nothing, so it is safe to run
// repeatedly.
func (r *Reconciler) Reconcile(ctx context.Context) (Report, error) {
	var report Report

	open, err := r.store.OpenPositions(ctx)
	if err != nil {
		return report, fmt.Errorf("reconcile: open positions: %w", err)
	}
	items, err := r.broker.Portfolio(ctx)
	if err != nil {
		return report, fmt.Errorf("reconcile: broker portfolio: %w", err)
	}
	held := make(map[int64]bool, len(items))
	for _, item := range items {
		if item.Quantity != 0 {
			held[item.ConID] = true
		}
	}

	// Leg conIds covered by any open position, for the reverse diff.
	known := make(map[int64]bool)

	for i := range open {
		p := &open[i]
		legsHeld := 0
		for _, leg := range p.Legs {
			known[leg.ConID] = true
			if held[leg.ConID] {
				legsHeld++
			}
		}
		if legsHeld == len(p.Legs) {
			continue
		}
		if legsHeld > 0 {
			// Some legs vanished at the broker: the spread is broken, the
			// position's risk is no longer defined. Reported for a human,
			// never auto-repaired.
			report.PartialAtBroker = append(report.PartialAtBroker, p.ID)
			r.log.Warn().Str("position", p.ID).Str("symbol", p.Symbol).
				Int("legs_held", legsHeld).Int("legs_expected", len(p.Legs)).
				Msg("position partially missing at broker")
			continue
		}
		// Every leg is gone at the broker: closed outside this engine.
		if err := r.store.MarkPositionClosed(ctx, p.ID, models.StatusClosedExternally,
			0, models.ExitReconciliation, 0, r.now()); err != nil {
			return report, fmt.Errorf("reconcile: mark %s closed externally: %w", p.ID, err)
		}
		report.ClosedExternally = append(report.ClosedExternally, p.ID)
		r.log.Warn().Str("position", p.ID).Str("symbol", p.Symbol).
			Msg("position missing at broker, marked CLOSED_EXTERNALLY")
	}

	for _, item := range items {
		if item.Quantity != 0 && !known[item.ConID] {
			report.NewInBroker = append(report.NewInBroker, item)
			r.log.Warn().Int64("con_id", item.ConID).Str("underlying", item.Underlying).
				Float64("quantity", item.Quantity).Msg("broker holding with no store counterpart")
		}
	}

	if !report.Clean() {
		r.notifier.ReconciliationDiff(r.format(report))
	}
	r.log.Info().Int("closed_externally", len(report.ClosedExternally)).
		Int("partial_at_broker", len(report.PartialAtBroker)).
		Int("new_in_broker", len(report.NewInBroker)).Msg("reconciliation pass complete")
	return report, nil
}

func (r *Reconciler) format(report Report) string {
	var b strings.Builder
	if len(report.ClosedExternally) > 0 {
		fmt.Fprintf(&b, "Closed externally (%d):\n", len(report.ClosedExternally))
		for _, id := range report.ClosedExternally {
			fmt.Fprintf(&b, "  %s\n", id)
		}
	}
	if len(report.PartialAtBroker) > 0 {
		fmt.Fprintf(&b, "Partially missing at broker, needs inspection (%d):\n", len(report.PartialAtBroker))
		for _, id := range report.PartialAtBroker {
			fmt.Fprintf(&b, "  %s\n", id)
		}
	}
	if len(report.NewInBroker) > 0 {
		fmt.Fprintf(&b, "New in broker, needs inspection (%d):\n", len(report.NewInBroker))
		for _, item := range report.NewInBroker {
			fmt.Fprintf(&b, "  %s %s %.2f%s x%.0f\n",
				item.Underlying, item.Expiration.Format("2006-01-02"), item.Strike, item.Right, item.Quantity)
		}
	}
	return b.String()
}
