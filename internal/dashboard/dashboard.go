// Package dashboard serves the read-only status endpoints the watchdog and
// operators poll. It exposes state, never controls: there is no route that
// places, cancels, or closes anything.
package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/tvasek/condorbot/internal/storage"
)

// Status is the /api/status payload.
type Status struct {
	StartedAt     time.Time `json:"started_at"`
	UptimeSeconds int64     `json:"uptime_seconds"`
	OpenPositions int       `json:"open_positions"`
	TrackedOrders int       `json:"tracked_orders"`
	QueuedOpens   int       `json:"queued_opens"`
	BreakerActive bool      `json:"breaker_active"`
	BreakerReason string    `json:"breaker_reason,omitempty"`
	DayPnL        float64   `json:"day_pnl"`
}

// OrderBook is the slice of the order manager the dashboard reads.
type OrderBook interface {
	TrackedCount() int
	Queued() int
}

// Server is the HTTP status server.
type Server struct {
	store     storage.Interface
	orders    OrderBook
	startedAt time.Time
	log       zerolog.Logger
	http      *http.Server
}

func NewServer(addr string, store storage.Interface, orders OrderBook, log zerolog.Logger) *Server {
	s := &Server{
		store:     store,
		orders:    orders,
		startedAt: time.Now().UTC(),
		log:       log.With().Str("component", "dashboard").Logger(),
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/healthz", s.handleHealthz)
	r.Get("/api/status", s.handleStatus)
	r.Get("/api/positions", s.handlePositions)

	s.http = &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return s
}

// Run serves until the context is cancelled, then drains with a short grace
// period.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	s.log.Info().Str("addr", s.http.Addr).Msg("dashboard listening")

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.http.Shutdown(shutdownCtx)
	}
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.http.Handler }

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	now := time.Now().UTC()

	status := Status{
		StartedAt:     s.startedAt,
		UptimeSeconds: int64(now.Sub(s.startedAt).Seconds()),
	}
	if open, err := s.store.OpenPositions(ctx); err == nil {
		status.OpenPositions = len(open)
	}
	if s.orders != nil {
		status.TrackedOrders = s.orders.TrackedCount()
		status.QueuedOpens = s.orders.Queued()
	}
	if event, err := s.store.ActiveCircuitBreakerEvent(ctx); err == nil && event != nil {
		status.BreakerActive = true
		status.BreakerReason = string(event.Reason)
	}
	if pnl, err := s.store.DailyRealizedPnL(ctx, now); err == nil {
		status.DayPnL = pnl
	}
	s.writeJSON(w, status)
}

func (s *Server) handlePositions(w http.ResponseWriter, r *http.Request) {
	open, err := s.store.OpenPositions(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, open)
}

func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Warn().Err(err).Msg("response encode failed")
	}
}
