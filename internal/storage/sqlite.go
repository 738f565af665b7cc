package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite" // pure Go sqlite driver

	"github.com/tvasek/condorbot/internal/models"
)

// ErrNotFound is returned by update-by-id operations when no row matched.
var ErrNotFound = errors.New("storage: not found")

// lockStripes bounds the per-entity write mutex pool.
const lockStripes = 64

// SQLiteStore implements Interface on an embedded sqlite database.
type SQLiteStore struct {
	db    *sql.DB
	log   zerolog.Logger
	locks [lockStripes]sync.Mutex
}

// Ensure SQLiteStore implements Interface at compile time.
var _ Interface = (*SQLiteStore)(nil)

// Open opens (creating if necessary) the database at path and applies the
// schema. Use "file::memory:?cache=shared" for tests.
func Open(path string, log zerolog.Logger) (*SQLiteStore, error) {
	if !strings.HasPrefix(path, "file:") {
		abs, err := filepath.Abs(path)
		if err != nil {
			return nil, fmt.Errorf("resolving database path: %w", err)
		}
		if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
		path = abs
	}

	db, err := sql.Open("sqlite", path+pragmaSuffix(path))
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// sqlite serializes writers; a single connection avoids SQLITE_BUSY churn.
	db.SetMaxOpenConns(1)
	db.SetConnMaxIdleTime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return nil, fmt.Errorf("applying schema: %w", err)
	}

	return &SQLiteStore{
		db:  db,
		log: log.With().Str("component", "storage").Logger(),
	}, nil
}

func pragmaSuffix(path string) string {
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return sep + "_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error { return s.db.Close() }

// lockFor returns the stripe mutex serializing writes for an entity id.
func (s *SQLiteStore) lockFor(id string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	return &s.locks[h.Sum32()%lockStripes]
}

// --- append operations ---

// LogTrade appends one trade audit row and returns its id.
func (s *SQLiteStore) LogTrade(ctx context.Context, t *models.Trade) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO trades (position_id, symbol, strategy, action, status, submitted_at,
			limit_price, quantity, filled_qty, vix_at_entry, regime_at_entry, notes)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		nullStr(t.PositionID), t.Symbol, string(t.Strategy), t.Action, string(t.Status),
		t.SubmittedAt.UTC(), t.LimitPrice, t.Quantity, t.FilledQty,
		t.VIXAtEntry, string(t.RegimeAtEntry), nullStr(t.Notes))
	if err != nil {
		return 0, fmt.Errorf("inserting trade: %w", err)
	}
	return res.LastInsertId()
}

// LogAIDecision appends one advisor decision row.
func (s *SQLiteStore) LogAIDecision(ctx context.Context, d *models.AIDecision) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO ai_decisions (model, decision_type, recommendation, confidence, vix, regime, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		d.Model, d.DecisionType, d.Recommendation, d.Confidence, d.VIX, string(d.Regime), d.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("inserting ai decision: %w", err)
	}
	return nil
}

// LogShadowTrade appends a rejection record with outcome PENDING.
func (s *SQLiteStore) LogShadowTrade(ctx context.Context, sh *models.ShadowTrade) (int64, error) {
	outcome := sh.Outcome
	if outcome == "" {
		outcome = models.ShadowPending
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO shadow_trades (symbol, strategy, rejected_at, reject_reason, expiration,
			short_strike, long_strike, credit, spot_at_reject, vix, regime, features_json, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sh.Symbol, string(sh.Strategy), sh.RejectedAt.UTC(), sh.RejectReason, sh.Expiration.UTC(),
		sh.ShortStrike, sh.LongStrike, sh.Credit, sh.SpotAtReject, sh.VIX, string(sh.Regime),
		nullStr(sh.FeaturesJSON), string(outcome))
	if err != nil {
		return 0, fmt.Errorf("inserting shadow trade: %w", err)
	}
	return res.LastInsertId()
}

// LogCircuitBreakerEvent appends an active (unreset) breaker event.
func (s *SQLiteStore) LogCircuitBreakerEvent(ctx context.Context, e *models.CircuitBreakerEvent) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO circuit_breaker_events (triggered_ts, reason, threshold_value)
		VALUES (?, ?, ?)`,
		e.TriggeredAt.UTC(), string(e.Reason), e.ThresholdValue)
	if err != nil {
		return 0, fmt.Errorf("inserting circuit breaker event: %w", err)
	}
	return res.LastInsertId()
}

// LogExitAdjustment appends one trailing-level audit row.
func (s *SQLiteStore) LogExitAdjustment(ctx context.Context, a *models.ExitAdjustment) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO exit_adjustments (position_id, adjusted_at, old_stop, new_stop,
			old_profit, new_profit, stop_multiplier, ml_confidence, source)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.PositionID, a.AdjustedAt.UTC(), a.OldStop, a.NewStop,
		a.OldProfit, a.NewProfit, a.StopMultiplier, a.MLConfidence, a.Source)
	if err != nil {
		return fmt.Errorf("inserting exit adjustment: %w", err)
	}
	return nil
}

// LogSnapshot appends a market snapshot row.
func (s *SQLiteStore) LogSnapshot(ctx context.Context, m *models.MarketSnapshot) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO market_snapshots (ts, vix, vix3m, ratio, term_structure, regime, regime_mode)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		m.Time.UTC(), m.VIX, nullFloat(m.VIX3M), nullFloat(m.Ratio),
		string(m.TermStructure), string(m.Regime), string(m.RegimeMode))
	if err != nil {
		return fmt.Errorf("inserting market snapshot: %w", err)
	}
	return nil
}

// LogDailyPnL upserts the realized P/L for a UTC day.
func (s *SQLiteStore) LogDailyPnL(ctx context.Context, day time.Time, realized float64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO pnl_history (day, realized) VALUES (?, ?)
		ON CONFLICT(day) DO UPDATE SET realized = excluded.realized`,
		day.UTC().Format("2006-01-02"), realized)
	if err != nil {
		return fmt.Errorf("upserting daily pnl: %w", err)
	}
	return nil
}

// --- position lifecycle ---

// AddPosition persists a position and its legs in one transaction.
func (s *SQLiteStore) AddPosition(ctx context.Context, p *models.Position) error {
	if err := p.Validate(); err != nil {
		return err
	}
	mu := s.lockFor(p.ID)
	mu.Lock()
	defer mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO positions (id, symbol, strategy, entry_ts, expiration, contracts,
			entry_credit, max_risk, status, vix_entry, regime_entry,
			trailing_stop, trailing_profit, highest_profit_seen, stop_multiplier,
			profit_target_pct, ml_confidence, ml_last_update)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.Symbol, string(p.Strategy), p.EntryTime.UTC(), p.Expiration.UTC(), p.Contracts,
		p.EntryCredit, p.MaxRisk, string(p.Status), p.VIXEntry, string(p.RegimeEntry),
		p.Exit.TrailingStop, p.Exit.TrailingProfit, p.Exit.HighestProfitSeen,
		p.Exit.StopMultiplier, p.Exit.ProfitTargetPct, p.Exit.MLConfidence, nullTime(p.Exit.MLLastUpdate))
	if err != nil {
		return fmt.Errorf("inserting position %s: %w", p.ID, err)
	}

	for _, leg := range p.Legs {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO position_legs (position_id, contract_symbol, action, strike, opt_right,
				quantity, entry_price, con_id)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			p.ID, leg.ContractSymbol, string(leg.Action), leg.Strike, string(leg.Right),
			leg.Quantity, leg.EntryPrice, leg.ConID)
		if err != nil {
			return fmt.Errorf("inserting leg for position %s: %w", p.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing position %s: %w", p.ID, err)
	}
	return nil
}

// UpdatePositionTrailing persists new trailing levels for an open position.
func (s *SQLiteStore) UpdatePositionTrailing(ctx context.Context, positionID string, exit models.ExitState) error {
	mu := s.lockFor(positionID)
	mu.Lock()
	defer mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		UPDATE positions SET trailing_stop = ?, trailing_profit = ?, highest_profit_seen = ?,
			stop_multiplier = ?, profit_target_pct = ?, ml_confidence = ?, ml_last_update = ?
		WHERE id = ?`,
		exit.TrailingStop, exit.TrailingProfit, exit.HighestProfitSeen,
		exit.StopMultiplier, exit.ProfitTargetPct, exit.MLConfidence, nullTime(exit.MLLastUpdate),
		positionID)
	if err != nil {
		return fmt.Errorf("updating trailing for position %s: %w", positionID, err)
	}
	return requireRow(res, positionID)
}

// MarkPositionClosed finalizes a position row.
func (s *SQLiteStore) MarkPositionClosed(ctx context.Context, positionID string, status models.PositionStatus,
	exitPrice float64, reason models.ExitReason, realizedPnL float64, closedAt time.Time) error {
	if !status.Terminal() {
		return fmt.Errorf("MarkPositionClosed: %q is not a terminal status", status)
	}
	mu := s.lockFor(positionID)
	mu.Lock()
	defer mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		UPDATE positions SET status = ?, exit_ts = ?, exit_price = ?, exit_reason = ?, realized_pnl = ?
		WHERE id = ? AND status = ?`,
		string(status), closedAt.UTC(), exitPrice, string(reason), realizedPnL,
		positionID, string(models.StatusOpen))
	if err != nil {
		return fmt.Errorf("closing position %s: %w", positionID, err)
	}
	return requireRow(res, positionID)
}

// --- update-by-id ---

// CloseTrade finalizes a trade audit row with the terminal order state.
func (s *SQLiteStore) CloseTrade(ctx context.Context, tradeID int64, status models.OrderState,
	fillPrice float64, filledQty int, realizedPnL float64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE trades SET status = ?, fill_price = ?, filled_qty = ?, filled_at = ?,
			realized_pnl = CASE WHEN action = 'OPEN' THEN realized_pnl ELSE ? END
		WHERE id = ?`,
		string(status), fillPrice, filledQty, time.Now().UTC(), realizedPnL, tradeID)
	if err != nil {
		return fmt.Errorf("closing trade %d: %w", tradeID, err)
	}
	return requireRow(res, fmt.Sprintf("trade %d", tradeID))
}

// ResetCircuitBreaker clears an active breaker event.
func (s *SQLiteStore) ResetCircuitBreaker(ctx context.Context, eventID int64, resetBy string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE circuit_breaker_events SET reset_ts = ?, reset_by = ? WHERE id = ? AND reset_ts IS NULL`,
		at.UTC(), resetBy, eventID)
	if err != nil {
		return fmt.Errorf("resetting circuit breaker %d: %w", eventID, err)
	}
	return requireRow(res, fmt.Sprintf("circuit breaker event %d", eventID))
}

// UpdateShadowOutcome labels a settled shadow trade.
func (s *SQLiteStore) UpdateShadowOutcome(ctx context.Context, shadowID int64, outcome models.ShadowOutcome) error {
	res, err := s.db.ExecContext(ctx, `UPDATE shadow_trades SET status = ? WHERE id = ?`,
		string(outcome), shadowID)
	if err != nil {
		return fmt.Errorf("updating shadow trade %d: %w", shadowID, err)
	}
	return requireRow(res, fmt.Sprintf("shadow trade %d", shadowID))
}

// --- queries ---

const positionColumns = `id, symbol, strategy, entry_ts, expiration, contracts, entry_credit,
	max_risk, status, exit_ts, exit_price, exit_reason, realized_pnl, vix_entry, regime_entry,
	trailing_stop, trailing_profit, highest_profit_seen, stop_multiplier, profit_target_pct,
	ml_confidence, ml_last_update`

// OpenPositions returns every position with status OPEN, legs included.
func (s *SQLiteStore) OpenPositions(ctx context.Context) ([]models.Position, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+positionColumns+` FROM positions WHERE status = ? ORDER BY entry_ts`,
		string(models.StatusOpen))
	if err != nil {
		return nil, fmt.Errorf("querying open positions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var positions []models.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		positions = append(positions, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating open positions: %w", err)
	}
	for i := range positions {
		legs, err := s.legsFor(ctx, positions[i].ID)
		if err != nil {
			return nil, err
		}
		positions[i].Legs = legs
	}
	return positions, nil
}

// GetPosition returns one position by id, or ErrNotFound.
func (s *SQLiteStore) GetPosition(ctx context.Context, positionID string) (*models.Position, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+positionColumns+` FROM positions WHERE id = ?`, positionID)
	p, err := scanPosition(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	legs, err := s.legsFor(ctx, p.ID)
	if err != nil {
		return nil, err
	}
	p.Legs = legs
	return p, nil
}

func (s *SQLiteStore) legsFor(ctx context.Context, positionID string) ([]models.Leg, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT position_id, contract_symbol, action, strike, opt_right, quantity, entry_price, con_id
		FROM position_legs WHERE position_id = ? ORDER BY id`, positionID)
	if err != nil {
		return nil, fmt.Errorf("querying legs for %s: %w", positionID, err)
	}
	defer func() { _ = rows.Close() }()

	var legs []models.Leg
	for rows.Next() {
		var leg models.Leg
		var action, right string
		if err := rows.Scan(&leg.PositionID, &leg.ContractSymbol, &action, &leg.Strike,
			&right, &leg.Quantity, &leg.EntryPrice, &leg.ConID); err != nil {
			return nil, fmt.Errorf("scanning leg: %w", err)
		}
		leg.Action = models.LegAction(action)
		leg.Right = models.OptionRight(right)
		legs = append(legs, leg)
	}
	return legs, rows.Err()
}

const tradeColumns = `id, position_id, symbol, strategy, action, status, submitted_at, filled_at,
	limit_price, fill_price, quantity, filled_qty, realized_pnl, vix_at_entry, regime_at_entry, notes`

// TradeHistory returns the most recent trades, newest first.
func (s *SQLiteStore) TradeHistory(ctx context.Context, limit int) ([]models.Trade, error) {
	return s.queryTrades(ctx,
		`SELECT `+tradeColumns+` FROM trades ORDER BY submitted_at DESC LIMIT ?`, limit)
}

// LosingTrades returns filled trades with negative realized P/L in the window.
func (s *SQLiteStore) LosingTrades(ctx context.Context, days, limit int) ([]models.Trade, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -days)
	return s.queryTrades(ctx, `
		SELECT `+tradeColumns+` FROM trades
		WHERE status = ? AND realized_pnl < 0 AND filled_at >= ?
		ORDER BY filled_at DESC LIMIT ?`,
		string(models.OrderFilled), cutoff, limit)
}

// RecentClosedTrades returns the latest filled closing trades, newest first,
// feeding the consecutive-loss circuit-breaker check.
func (s *SQLiteStore) RecentClosedTrades(ctx context.Context, limit int) ([]models.Trade, error) {
	return s.queryTrades(ctx, `
		SELECT `+tradeColumns+` FROM trades
		WHERE status = ? AND action = 'CLOSE' AND realized_pnl IS NOT NULL
		ORDER BY filled_at DESC, id DESC LIMIT ?`,
		string(models.OrderFilled), limit)
}

func (s *SQLiteStore) queryTrades(ctx context.Context, query string, args ...any) ([]models.Trade, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying trades: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var trades []models.Trade
	for rows.Next() {
		var t models.Trade
		var positionID, notes, regime sql.NullString
		var filledAt sql.NullTime
		var fillPrice, realized sql.NullFloat64
		var strategy, status string
		if err := rows.Scan(&t.ID, &positionID, &t.Symbol, &strategy, &t.Action, &status,
			&t.SubmittedAt, &filledAt, &t.LimitPrice, &fillPrice, &t.Quantity, &t.FilledQty,
			&realized, &t.VIXAtEntry, &regime, &notes); err != nil {
			return nil, fmt.Errorf("scanning trade: %w", err)
		}
		t.PositionID = positionID.String
		t.Strategy = models.StrategyKind(strategy)
		t.Status = models.OrderState(status)
		t.FilledAt = filledAt.Time
		t.FillPrice = fillPrice.Float64
		t.RealizedPnL = realized.Float64
		t.RegimeAtEntry = models.Regime(regime.String)
		t.Notes = notes.String
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

// PendingShadowTrades returns unlabelled shadow trades whose expiration has passed.
func (s *SQLiteStore) PendingShadowTrades(ctx context.Context, asOf time.Time) ([]models.ShadowTrade, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, symbol, strategy, rejected_at, reject_reason, expiration, short_strike,
			long_strike, credit, spot_at_reject, vix, regime, features_json, status
		FROM shadow_trades WHERE status = ? AND expiration <= ? ORDER BY expiration`,
		string(models.ShadowPending), asOf.UTC())
	if err != nil {
		return nil, fmt.Errorf("querying pending shadow trades: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var shadows []models.ShadowTrade
	for rows.Next() {
		var sh models.ShadowTrade
		var strategy, regime, status string
		var features sql.NullString
		if err := rows.Scan(&sh.ID, &sh.Symbol, &strategy, &sh.RejectedAt, &sh.RejectReason,
			&sh.Expiration, &sh.ShortStrike, &sh.LongStrike, &sh.Credit, &sh.SpotAtReject,
			&sh.VIX, &regime, &features, &status); err != nil {
			return nil, fmt.Errorf("scanning shadow trade: %w", err)
		}
		sh.Strategy = models.StrategyKind(strategy)
		sh.Regime = models.Regime(regime)
		sh.FeaturesJSON = features.String
		sh.Outcome = models.ShadowOutcome(status)
		shadows = append(shadows, sh)
	}
	return shadows, rows.Err()
}

// ActiveCircuitBreakerEvent returns the active event, or nil when trading is allowed.
func (s *SQLiteStore) ActiveCircuitBreakerEvent(ctx context.Context) (*models.CircuitBreakerEvent, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, triggered_ts, reason, threshold_value
		FROM circuit_breaker_events WHERE reset_ts IS NULL
		ORDER BY triggered_ts DESC LIMIT 1`)

	var e models.CircuitBreakerEvent
	var reason string
	if err := row.Scan(&e.ID, &e.TriggeredAt, &reason, &e.ThresholdValue); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("querying active circuit breaker: %w", err)
	}
	e.Reason = models.BreakerReason(reason)
	return &e, nil
}

// DailyRealizedPnL sums realized P/L of trades filled on the given UTC day.
func (s *SQLiteStore) DailyRealizedPnL(ctx context.Context, day time.Time) (float64, error) {
	dayStart := day.UTC().Truncate(24 * time.Hour)
	dayEnd := dayStart.Add(24 * time.Hour)
	row := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(realized_pnl), 0) FROM trades
		WHERE status = ? AND realized_pnl IS NOT NULL AND filled_at >= ? AND filled_at < ?`,
		string(models.OrderFilled), dayStart, dayEnd)
	var total float64
	if err := row.Scan(&total); err != nil {
		return 0, fmt.Errorf("querying daily realized pnl: %w", err)
	}
	return total, nil
}

// --- scan helpers ---

type rowScanner interface{ Scan(dest ...any) error }

func scanPosition(row rowScanner) (*models.Position, error) {
	var p models.Position
	var strategy, status string
	var exitTS, mlLastUpdate sql.NullTime
	var exitPrice, realized sql.NullFloat64
	var exitReason, regime sql.NullString
	err := row.Scan(&p.ID, &p.Symbol, &strategy, &p.EntryTime, &p.Expiration, &p.Contracts,
		&p.EntryCredit, &p.MaxRisk, &status, &exitTS, &exitPrice, &exitReason, &realized,
		&p.VIXEntry, &regime, &p.Exit.TrailingStop, &p.Exit.TrailingProfit,
		&p.Exit.HighestProfitSeen, &p.Exit.StopMultiplier, &p.Exit.ProfitTargetPct,
		&p.Exit.MLConfidence, &mlLastUpdate)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scanning position: %w", err)
	}
	p.Strategy = models.StrategyKind(strategy)
	p.Status = models.PositionStatus(status)
	p.ExitTime = exitTS.Time
	p.ExitPrice = exitPrice.Float64
	p.ExitReason = models.ExitReason(exitReason.String)
	p.RealizedPnL = realized.Float64
	p.RegimeEntry = models.Regime(regime.String)
	p.Exit.MLLastUpdate = mlLastUpdate.Time
	return &p, nil
}

func requireRow(res sql.Result, what string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, what)
	}
	return nil
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullFloat(f float64) any {
	if f == 0 {
		return nil
	}
	return f
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}
