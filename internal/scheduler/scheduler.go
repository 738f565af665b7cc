// Package scheduler owns every clock in the engine: the cron entries, the
// dynamic market-hours scan cadence, the exit monitor, and the order-TTL
// sweeper. Jobs run isolated; one failing iteration never takes down a loop.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/tvasek/condorbot/internal/clock"
	"github.com/tvasek/condorbot/internal/config"
)

// Job is one schedulable unit of work.
type Job func(ctx context.Context) error

// Jobs wires the engine's work into the scheduler. Nil entries are skipped.
type Jobs struct {
	PremarketScan    Job // 08:45 ET, once per trading day
	Scan             Job // market hours, dynamic cadence
	ExitMonitor      Job // every 60 s during market hours
	SweepOrders      Job // per cleanup_interval_minutes during market hours
	EvaluateShadows  Job // 16:15 ET
	NightlyReconcile Job // 20:00 ET
	WeeklyLossReview Job // Monday 17:00 ET
	RetrainSignal    Job // first of month 00:00 UTC
}

// exitMonitorEvery is the fixed exit-monitor cadence.
const exitMonitorEvery = time.Minute

// jobTimeout bounds one iteration of any job.
const jobTimeout = 2 * time.Minute

// Scheduler drives the Jobs against the offset-corrected clock.
type Scheduler struct {
	clock *clock.Clock
	jobs  Jobs
	sweep time.Duration
	log   zerolog.Logger
}

func New(c *clock.Clock, jobs Jobs, cfg config.OrdersConfig, log zerolog.Logger) *Scheduler {
	return &Scheduler{
		clock: c,
		jobs:  jobs,
		sweep: time.Duration(cfg.CleanupIntervalMinutes) * time.Minute,
		log:   log.With().Str("component", "scheduler").Logger(),
	}
}

// Run blocks until the context is cancelled. All loops share the context;
// cancellation drains them within the job timeout.
func (s *Scheduler) Run(ctx context.Context) error {
	c := cron.New(cron.WithLocation(s.clock.Eastern()))

	entries := []struct {
		spec string
		name string
		job  Job
	}{
		{"45 8 * * 1-5", "premarket_scan", s.jobs.PremarketScan},
		{"15 16 * * 1-5", "shadow_eval", s.jobs.EvaluateShadows},
		{"0 20 * * 1-5", "nightly_reconcile", s.jobs.NightlyReconcile},
		{"0 17 * * 1", "weekly_loss_review", s.jobs.WeeklyLossReview},
		{"CRON_TZ=UTC 0 0 1 * *", "retrain_signal", s.jobs.RetrainSignal},
	}
	for _, e := range entries {
		if e.job == nil {
			continue
		}
		name, job := e.name, e.job
		if _, err := c.AddFunc(e.spec, func() { s.runIsolated(ctx, name, job) }); err != nil {
			return fmt.Errorf("scheduler: cron entry %s: %w", name, err)
		}
	}
	c.Start()
	defer c.Stop()

	g, ctx := errgroup.WithContext(ctx)
	if s.jobs.Scan != nil {
		g.Go(func() error { return s.scanLoop(ctx) })
	}
	if s.jobs.ExitMonitor != nil {
		g.Go(func() error { return s.fixedLoop(ctx, "exit_monitor", exitMonitorEvery, s.jobs.ExitMonitor) })
	}
	if s.jobs.SweepOrders != nil && s.sweep > 0 {
		g.Go(func() error { return s.fixedLoop(ctx, "order_ttl_sweep", s.sweep, s.jobs.SweepOrders) })
	}
	g.Go(func() error {
		<-ctx.Done()
		return ctx.Err()
	})
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// scanLoop runs the pipeline scan on the dynamic intraday cadence, sleeping
// to the next band boundary while the market is closed.
func (s *Scheduler) scanLoop(ctx context.Context) error {
	for {
		wait := s.untilNextScan(s.clock.NowEastern())
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
		if !s.clock.IsMarketOpen() {
			continue
		}
		s.runIsolated(ctx, "scan", s.jobs.Scan)
	}
}

func (s *Scheduler) fixedLoop(ctx context.Context, name string, every time.Duration, job Job) error {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		if !s.clock.IsMarketOpen() {
			continue
		}
		s.runIsolated(ctx, name, job)
	}
}

// runIsolated executes one iteration with its own deadline and panic
// barrier. Errors are logged; the loop carries on.
func (s *Scheduler) runIsolated(ctx context.Context, name string, job Job) {
	jobCtx, cancel := context.WithTimeout(ctx, jobTimeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			s.log.Error().Str("job", name).Interface("panic", r).Msg("job panicked, loop continues")
		}
	}()
	start := time.Now()
	if err := job(jobCtx); err != nil {
		s.log.Error().Err(err).Str("job", name).Dur("took", time.Since(start)).Msg("job failed")
		return
	}
	s.log.Debug().Str("job", name).Dur("took", time.Since(start)).Msg("job complete")
}

// ScanInterval maps an Eastern wall-clock time onto the intraday cadence:
// the open hour scans every 15 minutes, lunch hours hourly, and the bands
// around them every 30 minutes. Zero means no scanning.
func ScanInterval(et time.Time) time.Duration {
	mins := et.Hour()*60 + et.Minute()
	switch {
	case mins >= 9*60+30 && mins < 10*60+30:
		return 15 * time.Minute
	case mins >= 10*60+30 && mins < 11*60:
		return 30 * time.Minute
	case mins >= 11*60 && mins < 14*60+30:
		return 60 * time.Minute
	case mins >= 14*60+30 && mins < 16*60:
		return 30 * time.Minute
	default:
		return 0
	}
}

// untilNextScan returns how long to sleep before the next scan attempt.
// Outside market hours it re-checks every minute rather than computing the
// next session open, keeping the loop robust to clock resyncs.
func (s *Scheduler) untilNextScan(et time.Time) time.Duration {
	if interval := ScanInterval(et); interval > 0 {
		return interval
	}
	return time.Minute
}
