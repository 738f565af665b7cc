// Command watchdog monitors the engine from outside its process. Liveness
// means three things at once: the service manager reports the unit active,
// the engine log was written recently, and the log tail shows real activity
// patterns. When any of them fails the watchdog restarts the service, rate
// limited to three restarts per hour.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/tvasek/condorbot/internal/config"
	"github.com/tvasek/condorbot/internal/notify"
)

const (
	maxRestartsPerHour = 3
	logTailBytes       = 64 * 1024
)

// activityPatterns are log fragments a healthy engine emits continuously
// during market hours.
var activityPatterns = []string{
	"job complete",
	"entry pass complete",
	"dashboard listening",
	"clock synced",
}

type settings struct {
	service      string
	logPath      string
	maxLogAge    time.Duration
	checkEvery   time.Duration
	healthURL    string
	processMatch string
}

func loadSettings() settings {
	_ = godotenv.Load()
	return settings{
		service:      envStr("WATCHDOG_SERVICE", "condorbot.service"),
		logPath:      envStr("WATCHDOG_LOG_PATH", "/var/log/condorbot/engine.log"),
		maxLogAge:    time.Duration(envInt("WATCHDOG_MAX_LOG_AGE_SECONDS", 900)) * time.Second,
		checkEvery:   time.Duration(envInt("WATCHDOG_CHECK_SECONDS", 60)) * time.Second,
		healthURL:    envStr("WATCHDOG_HEALTH_URL", "http://127.0.0.1:8787/healthz"),
		processMatch: envStr("WATCHDOG_PROCESS_MATCH", "condorbot"),
	}
}

type watchdog struct {
	s        settings
	notifier notify.Notifier
	log      zerolog.Logger
	client   *http.Client

	restarts []time.Time
	alerted  bool
}

func main() {
	log := zerolog.New(os.Stdout).With().Timestamp().Str("component", "watchdog").Logger()
	s := loadSettings()

	notifier, err := notify.NewTelegram(config.NotifyConfig{
		Token:  envStr("TELEGRAM_TOKEN", ""),
		ChatID: int64(envInt("TELEGRAM_CHAT_ID", 0)),
	}, log)
	if err != nil {
		log.Fatal().Err(err).Msg("notifier init failed")
	}

	w := &watchdog{
		s:        s,
		notifier: notifier,
		log:      log,
		client:   &http.Client{Timeout: 5 * time.Second},
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info().Str("service", s.service).Str("log", s.logPath).
		Dur("max_log_age", s.maxLogAge).Msg("watchdog running")
	w.run(ctx)
	log.Info().Msg("watchdog stopped")
}

func (w *watchdog) run(ctx context.Context) {
	ticker := time.NewTicker(w.s.checkEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		w.check(ctx)
	}
}

func (w *watchdog) check(ctx context.Context) {
	reason, alive := w.liveness(ctx)
	if alive {
		w.alerted = false
		return
	}
	w.log.Warn().Str("reason", reason).Msg("engine not live")

	w.pruneRestarts(time.Now())
	if len(w.restarts) >= maxRestartsPerHour {
		if !w.alerted {
			w.alerted = true
			w.log.Error().Int("restarts", len(w.restarts)).
				Msg("restart budget exhausted, manual intervention required")
			w.notifier.WatchdogRestart(len(w.restarts),
				fmt.Sprintf("budget exhausted, not restarting: %s", reason))
		}
		return
	}

	if err := w.restart(ctx); err != nil {
		w.log.Error().Err(err).Msg("restart failed")
		return
	}
	w.restarts = append(w.restarts, time.Now())
	w.notifier.WatchdogRestart(len(w.restarts), reason)
}

// liveness returns the first failing check, or alive=true when all pass.
func (w *watchdog) liveness(ctx context.Context) (string, bool) {
	if !w.serviceActive(ctx) {
		return "service inactive", false
	}
	if age, ok := w.logAge(); !ok {
		return "log file missing", false
	} else if age > w.s.maxLogAge {
		return fmt.Sprintf("log stale for %s", age.Round(time.Second)), false
	}
	if !w.logShowsActivity() {
		return "no activity patterns in log tail", false
	}
	if w.s.healthURL != "" && !w.healthy(ctx) {
		return "health endpoint unreachable", false
	}
	return "", true
}

func (w *watchdog) serviceActive(ctx context.Context) bool {
	cmd := exec.CommandContext(ctx, "systemctl", "is-active", "--quiet", w.s.service)
	return cmd.Run() == nil
}

func (w *watchdog) logAge() (time.Duration, bool) {
	info, err := os.Stat(w.s.logPath)
	if err != nil {
		return 0, false
	}
	return time.Since(info.ModTime()), true
}

func (w *watchdog) logShowsActivity() bool {
	f, err := os.Open(w.s.logPath)
	if err != nil {
		return false
	}
	defer func() { _ = f.Close() }()

	info, err := f.Stat()
	if err != nil {
		return false
	}
	offset := info.Size() - logTailBytes
	if offset < 0 {
		offset = 0
	}
	buf := make([]byte, info.Size()-offset)
	if _, err := f.ReadAt(buf, offset); err != nil && len(buf) > 0 {
		return false
	}
	tail := string(buf)
	for _, pattern := range activityPatterns {
		if strings.Contains(tail, pattern) {
			return true
		}
	}
	return false
}

func (w *watchdog) healthy(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, w.s.healthURL, nil)
	if err != nil {
		return false
	}
	resp, err := w.client.Do(req)
	if err != nil {
		return false
	}
	defer func() { _ = resp.Body.Close() }()
	return resp.StatusCode == http.StatusOK
}

// restart stops the unit, kills any straggler processes still holding the
// client id, and starts the unit again.
func (w *watchdog) restart(ctx context.Context) error {
	w.log.Info().Str("service", w.s.service).Msg("restarting engine")

	if err := exec.CommandContext(ctx, "systemctl", "stop", w.s.service).Run(); err != nil {
		w.log.Warn().Err(err).Msg("service stop reported an error, continuing")
	}
	w.killStragglers()

	if err := exec.CommandContext(ctx, "systemctl", "start", w.s.service).Run(); err != nil {
		return fmt.Errorf("service start: %w", err)
	}
	return nil
}

func (w *watchdog) killStragglers() {
	procs, err := process.Processes()
	if err != nil {
		w.log.Warn().Err(err).Msg("process listing failed, skipping straggler sweep")
		return
	}
	self := int32(os.Getpid())
	for _, p := range procs {
		if p.Pid == self {
			continue
		}
		name, err := p.Name()
		if err != nil || !strings.Contains(name, w.s.processMatch) {
			continue
		}
		w.log.Warn().Int32("pid", p.Pid).Str("name", name).Msg("killing straggler process")
		if err := p.Kill(); err != nil {
			w.log.Warn().Err(err).Int32("pid", p.Pid).Msg("straggler kill failed")
		}
	}
}

func (w *watchdog) pruneRestarts(now time.Time) {
	cutoff := now.Add(-time.Hour)
	kept := w.restarts[:0]
	for _, t := range w.restarts {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	w.restarts = kept
}

func envStr(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v)
	}
	return def
}

func envInt(key string, def int) int {
	if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			return n
		}
	}
	return def
}
