// Command engine runs the trading engine: broker session, entry pipeline,
// exit monitoring, order lifecycle, reconciliation, and the status
// dashboard, all driven by the scheduler.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/tvasek/condorbot/internal/broker"
	"github.com/tvasek/condorbot/internal/clients"
	"github.com/tvasek/condorbot/internal/clock"
	"github.com/tvasek/condorbot/internal/config"
	"github.com/tvasek/condorbot/internal/dashboard"
	"github.com/tvasek/condorbot/internal/history"
	"github.com/tvasek/condorbot/internal/notify"
	"github.com/tvasek/condorbot/internal/orders"
	"github.com/tvasek/condorbot/internal/pipeline"
	"github.com/tvasek/condorbot/internal/positions"
	"github.com/tvasek/condorbot/internal/pricing"
	"github.com/tvasek/condorbot/internal/reconcile"
	"github.com/tvasek/condorbot/internal/regime"
	"github.com/tvasek/condorbot/internal/risk"
	"github.com/tvasek/condorbot/internal/roll"
	"github.com/tvasek/condorbot/internal/scheduler"
	"github.com/tvasek/condorbot/internal/screener"
	"github.com/tvasek/condorbot/internal/storage"
	"github.com/tvasek/condorbot/internal/strategy"
)

// version is stamped by the build; "dev" identifies local runs.
var version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "engine: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	log, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	log.Info().Str("version", version).Bool("paper_trading", cfg.Safety.PaperTrading).
		Bool("auto_execute", cfg.Safety.AutoExecute).Msg("engine starting")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := storage.Open(cfg.Store.DBPath, log)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() { _ = store.Close() }()

	clk, err := clock.New(cfg.Clock.TimeSourceURL, log)
	if err != nil {
		return fmt.Errorf("clock: %w", err)
	}

	notifier, err := notify.NewTelegram(cfg.Notify, log)
	if err != nil {
		return fmt.Errorf("notifier: %w", err)
	}

	ibkr := broker.NewIBKRClient(cfg.IBKR.Host, cfg.IBKR.Port, cfg.IBKR.ClientID,
		cfg.Safety.AllowDelayedData, log)
	bkr := broker.NewResilientBroker(ibkr, broker.DefaultBreakerSettings(), log)
	if err := bkr.Connect(ctx); err != nil {
		return fmt.Errorf("broker connect: %w", err)
	}
	defer func() { _ = bkr.Disconnect() }()

	// Budgeted external clients. The advisor is optional; without a URL the
	// pipeline and exit manager run on rules alone.
	budget := clients.NewTokenBudget("advisor", cfg.AI.DailyLimitUSD, 2.5e-6, 10e-6, log)
	var advisor *clients.Advisor
	if cfg.AI.AdvisorURL != "" {
		advisor = clients.NewAdvisor(cfg.AI.AdvisorURL, cfg.AI.AdvisorModel, cfg.AI.AdvisorKey, budget, log)
	}
	var dividends risk.DividendSource
	if cfg.AI.DividendURL != "" {
		dividends = clients.NewDividends(cfg.AI.DividendURL,
			clients.NewRequestBudget("dividends", cfg.AI.DailyLimitUSD, 0.001, log), log)
	}
	var news screener.NewsSource
	if cfg.AI.NewsURL != "" {
		news = clients.NewNews(cfg.AI.NewsURL, cfg.AI.NewsKey,
			clients.NewRequestBudget("news", cfg.AI.DailyLimitUSD, 0.001, log), log)
	}
	var odds pipeline.OddsSource
	if cfg.AI.PredictionURL != "" {
		odds = clients.NewPrediction(cfg.AI.PredictionURL,
			clients.NewRequestBudget("prediction", cfg.AI.DailyLimitUSD, 0.001, log), log)
	}

	cache, err := history.NewCache(cfg.Store.HistoryDir, bkr, log)
	if err != nil {
		return fmt.Errorf("history cache: %w", err)
	}

	rf := pricing.NewRiskFree(bkr, log)
	calc := pricing.NewCalculator(rf, log)
	beta := risk.NewBetaProvider(bkr, cache, log)
	breaker := risk.NewTradingBreaker(store, cfg.Trading, log)
	earnings := risk.NewEarningsCalendar(bkr, log)
	validator := risk.NewValidator(store, breaker, calc, beta, earnings, dividends, cfg, log)

	orderMgr := orders.NewManager(bkr, store, notifier, cfg.Orders, log)
	tracker := positions.NewTracker(bkr, log)
	roller := roll.NewManager(bkr, orderMgr, log)

	var opinions positions.Opinions
	if advisor != nil {
		opinions = advisor
	}
	exitMgr := positions.NewExitManager(tracker, store, orderMgr, roller, opinions,
		cfg.Exit, cfg.AI.ExitTriggerRatio, log)

	var advice pipeline.AdviceSource
	if advisor != nil {
		advice = advisor
	}
	pipe := pipeline.New(pipeline.Deps{
		Broker:     bkr,
		Store:      store,
		Screener:   screener.New(bkr, cache, news, cfg.Screener, log),
		Classifier: regime.NewClassifier(cfg.Regime.ModelPath, log),
		History:    cache,
		Builder:    strategy.NewBuilder(cfg.Trading, cfg.Greeks, log),
		Validator:  validator,
		Tracker:    tracker,
		Beta:       beta,
		Advisor:    advice,
		Odds:       odds,
		Orders:     orderMgr,
		Notifier:   notifier,
	}, cfg, log)

	reconciler := reconcile.NewReconciler(bkr, store, notifier, log)
	evaluator := history.NewShadowEvaluator(cache, store, log)
	dash := dashboard.NewServer(cfg.Dashboard.Addr, store, orderMgr, log)

	// Startup reconciliation before any scheduling: the store must agree
	// with the broker before the first entry or exit decision.
	if _, err := reconciler.Reconcile(ctx); err != nil {
		return fmt.Errorf("startup reconciliation: %w", err)
	}

	sched := scheduler.New(clk, scheduler.Jobs{
		PremarketScan: pipe.Premarket,
		Scan:          pipe.Scan,
		ExitMonitor: func(ctx context.Context) error {
			return monitorExits(ctx, bkr, store, orderMgr, exitMgr)
		},
		SweepOrders: func(ctx context.Context) error {
			return orderMgr.CancelStaleOrders(ctx, cfg.OrderTTL())
		},
		EvaluateShadows: func(ctx context.Context) error {
			n, err := evaluator.Evaluate(ctx, clk.Now())
			if err == nil && n > 0 {
				log.Info().Int("labelled", n).Msg("shadow trades evaluated")
			}
			return err
		},
		NightlyReconcile: func(ctx context.Context) error {
			_, err := reconciler.Reconcile(ctx)
			return err
		},
		WeeklyLossReview: func(ctx context.Context) error {
			return lossReview(ctx, store, notifier)
		},
		RetrainSignal: func(ctx context.Context) error {
			return signalRetrain(cfg.Store.DBPath, clk.Now())
		},
	}, cfg.Orders, log)

	notifier.Startup(version, cfg.Safety.PaperTrading)
	defer notifier.Shutdown("signal")

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { clk.Run(ctx); return nil })
	g.Go(func() error { return dash.Run(ctx) })
	g.Go(func() error { return sched.Run(ctx) })

	if err := g.Wait(); err != nil && ctx.Err() == nil {
		return err
	}
	log.Info().Msg("engine stopped")
	return nil
}

// monitorExits advances tracked orders, then walks every open position
// through the exit decision function.
func monitorExits(ctx context.Context, bkr broker.Broker, store storage.Interface,
	orderMgr *orders.Manager, exitMgr *positions.ExitManager) error {

	orderMgr.Poll(ctx)

	open, err := store.OpenPositions(ctx)
	if err != nil {
		return fmt.Errorf("open positions: %w", err)
	}
	if len(open) == 0 {
		return nil
	}
	vix := 0.0
	if q, err := bkr.SnapshotStock(ctx, "VIX"); err == nil {
		vix = q.Last
	}
	for i := range open {
		if err := exitMgr.CheckPosition(ctx, &open[i], vix); err != nil {
			// One position's failure must not starve the rest.
			continue
		}
	}
	return nil
}

// lossReview summarises the last week's losers through the notifier.
func lossReview(ctx context.Context, store storage.Interface, notifier notify.Notifier) error {
	losers, err := store.LosingTrades(ctx, 7, 20)
	if err != nil {
		return fmt.Errorf("losing trades: %w", err)
	}
	var total float64
	for _, t := range losers {
		total += t.RealizedPnL
	}
	open, err := store.OpenPositions(ctx)
	if err != nil {
		return fmt.Errorf("open positions: %w", err)
	}
	notifier.DailySummary(len(open), total, 0)
	return nil
}

// signalRetrain drops a marker file next to the database for the external
// retraining job to pick up.
func signalRetrain(dbPath string, now time.Time) error {
	path := filepath.Join(filepath.Dir(dbPath), "retrain.signal")
	return os.WriteFile(path, []byte(now.UTC().Format(time.RFC3339)+"\n"), 0o644)
}

func newLogger(level string) (zerolog.Logger, error) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return zerolog.Logger{}, fmt.Errorf("log level %q: %w", level, err)
	}
	return zerolog.New(os.Stdout).Level(lvl).With().Timestamp().Logger(), nil
}
