// secprofd -- per-device network security profile enforcement daemon.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/Start9Labs/startwrt/internal/config"
	"github.com/Start9Labs/startwrt/internal/firewall"
	secmetrics "github.com/Start9Labs/startwrt/internal/metrics"
	"github.com/Start9Labs/startwrt/internal/monitor"
	"github.com/Start9Labs/startwrt/internal/state"
	appversion "github.com/Start9Labs/startwrt/internal/version"
)

// shutdownTimeout is the maximum time to wait for the metrics server to
// drain active connections during graceful shutdown.
const shutdownTimeout = 10 * time.Second

// defaultConfigPath is where the gateway image installs the operator
// config.
const defaultConfigPath = "/etc/secprofd.yaml"

func main() {
	os.Exit(run())
}

func run() int {
	// 1. Parse flags.
	configPath := flag.String("config", defaultConfigPath, "path to configuration file (YAML)")
	dryRun := flag.Bool("dry-run", false, "print filter commands instead of executing them")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(appversion.Info())
		return 0
	}

	// 2. Load config. A startup load failure is fatal.
	cfg, err := config.Load(*configPath)
	if err != nil {
		// Logger is not set up yet; use a temporary stderr logger.
		slog.New(slog.NewTextHandler(os.Stderr, nil)).Error("failed to load configuration",
			slog.String("error", err.Error()),
		)
		return 1
	}

	// 3. Set up logger with dynamic level support for SIGHUP reload.
	logLevel := new(slog.LevelVar)
	logLevel.Set(config.ParseLogLevel(cfg.Log.Level))
	logger := newLoggerWithLevel(cfg.Log, logLevel)

	logger.Info("secprofd starting",
		slog.String("version", appversion.Version),
		slog.Any("interfaces", cfg.Wifi.Interfaces),
		slog.String("metrics_addr", cfg.Metrics.Addr),
		slog.Bool("dry_run", *dryRun),
	)

	// 4. Create Prometheus metrics collector.
	reg := prometheus.NewRegistry()
	collector := secmetrics.NewCollector(reg)

	// 5. Run all daemon tasks.
	if err := runTasks(cfg, *configPath, *dryRun, reg, collector, logLevel, logger); err != nil {
		logger.Error("secprofd exited with error",
			slog.String("error", err.Error()),
		)
		return 1
	}

	logger.Info("secprofd stopped")
	return 0
}

// runTasks wires the state store, monitors, reconciler, reload handler,
// and metrics server into one errgroup with a signal-aware context.
func runTasks(
	cfg *config.Config,
	configPath string,
	dryRun bool,
	reg *prometheus.Registry,
	collector *secmetrics.Collector,
	logLevel *slog.LevelVar,
	logger *slog.Logger,
) error {
	ctx, stop := signal.NotifyContext(
		context.Background(),
		syscall.SIGINT,
		syscall.SIGTERM,
	)
	defer stop()

	// The shared state, seeded with the startup config. No reader is
	// subscribed yet, so no notification is needed.
	store := state.NewStore()
	store.SendNoModify(func(s *state.State) {
		s.SetConfig(cfg.ToState())
	})

	sink, err := newSink(ctx, cfg.Firewall, dryRun, logger)
	if err != nil {
		return err
	}

	g, gCtx := errgroup.WithContext(ctx)

	// Reconciler: drives the filter table from state snapshots.
	reconciler := &firewall.Reconciler{
		Store:   store,
		Sink:    sink,
		Metrics: collector,
		Logger:  logger,
	}
	g.Go(func() error {
		return reconciler.Run(gCtx)
	})

	// One Wi-Fi monitor per AP interface.
	for _, iface := range cfg.Wifi.Interfaces {
		wifi := &monitor.WiFi{
			Interface: iface,
			CtrlDir:   cfg.Wifi.CtrlDir,
			Store:     store,
			Metrics:   collector,
			Logger:    logger,
		}
		g.Go(func() error {
			return wifi.Run(gCtx)
		})
	}

	// Address observer child process.
	addrwatch := &monitor.Addrwatch{
		Command: cfg.Addrwatch.Command,
		Args:    cfg.Addrwatch.Args,
		Store:   store,
		Metrics: collector,
		Logger:  logger,
	}
	g.Go(func() error {
		return addrwatch.Run(gCtx)
	})

	// SIGHUP config reload.
	sigHUP := make(chan os.Signal, 1)
	signal.Notify(sigHUP, syscall.SIGHUP)
	g.Go(func() error {
		defer signal.Stop(sigHUP)
		return handleSIGHUP(gCtx, sigHUP, configPath, store, collector, logLevel, logger)
	})

	// Metrics endpoint + systemd watchdog.
	startMetricsServer(gCtx, g, cfg.Metrics, reg, logger)
	g.Go(func() error {
		return runWatchdog(gCtx, logger)
	})

	notifyReady(logger)

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("run tasks: %w", err)
	}
	return nil
}

// newSink builds the reconciler's output: the real filter CLI, or
// stdout under -dry-run. The zone chains are bootstrapped up front so
// the first rule install cannot fail on a missing chain.
func newSink(ctx context.Context, cfg config.FirewallConfig, dryRun bool, logger *slog.Logger) (firewall.Sink, error) {
	if dryRun {
		return &firewall.WriterSink{W: os.Stdout, MatchSourceMAC: cfg.MatchSourceMAC}, nil
	}

	if err := firewall.EnsureZones(ctx, cfg.IptablesPath, cfg.Ip6tablesPath, logger); err != nil {
		return nil, fmt.Errorf("bootstrap zone chains: %w", err)
	}

	return &firewall.CommandSink{
		IptablesPath:   cfg.IptablesPath,
		Ip6tablesPath:  cfg.Ip6tablesPath,
		MatchSourceMAC: cfg.MatchSourceMAC,
		Logger:         logger,
	}, nil
}

// -------------------------------------------------------------------------
// SIGHUP Reload
// -------------------------------------------------------------------------

// handleSIGHUP reloads the configuration on each SIGHUP delivery: the
// log level is updated via the shared LevelVar and the new config is
// installed in the store, which re-derives every connection's profile
// and wakes the reconciler.
//
// A failed reload is fatal: the task returns the error, the group
// cancels, and the daemon exits. The replacement config is never
// installed, so the rules derived from the last good config stay in
// place until the exit completes.
func handleSIGHUP(
	ctx context.Context,
	sigHUP <-chan os.Signal,
	configPath string,
	store *state.Store,
	collector *secmetrics.Collector,
	logLevel *slog.LevelVar,
	logger *slog.Logger,
) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-sigHUP:
			logger.Info("received SIGHUP, reloading configuration")

			newCfg, err := config.Load(configPath)
			if err != nil {
				collector.ConfigReloads.WithLabelValues("error").Inc()
				return fmt.Errorf("reload configuration: %w", err)
			}

			oldLevel := logLevel.Level()
			newLevel := config.ParseLogLevel(newCfg.Log.Level)
			logLevel.Set(newLevel)

			store.SendModify(func(s *state.State) {
				s.SetConfig(newCfg.ToState())
			})

			collector.ConfigReloads.WithLabelValues("ok").Inc()
			logger.Info("configuration reloaded",
				slog.String("old_log_level", oldLevel.String()),
				slog.String("new_log_level", newLevel.String()),
				slog.Int("profiles", len(newCfg.Profiles)),
				slog.Int("keyids", len(newCfg.KeyIDs)),
			)
		}
	}
}

// -------------------------------------------------------------------------
// Metrics Server
// -------------------------------------------------------------------------

// startMetricsServer registers the Prometheus HTTP server goroutine and
// its shutdown companion.
func startMetricsServer(
	ctx context.Context,
	g *errgroup.Group,
	cfg config.MetricsConfig,
	reg *prometheus.Registry,
	logger *slog.Logger,
) {
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	lc := net.ListenConfig{}
	g.Go(func() error {
		logger.Info("metrics server listening",
			slog.String("addr", cfg.Addr),
			slog.String("path", cfg.Path),
		)
		ln, err := lc.Listen(ctx, "tcp", cfg.Addr)
		if err != nil {
			return fmt.Errorf("listen on %s: %w", cfg.Addr, err)
		}
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve on %s: %w", cfg.Addr, err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		notifyStopping(logger)

		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown metrics server: %w", err)
		}
		return nil
	})
}

// -------------------------------------------------------------------------
// Systemd Integration — sd_notify + watchdog
// -------------------------------------------------------------------------

// notifyReady sends READY=1 to systemd, indicating the daemon has
// completed initialization.
func notifyReady(logger *slog.Logger) {
	sent, err := daemon.SdNotify(false, daemon.SdNotifyReady)
	if err != nil {
		logger.Warn("failed to notify systemd readiness",
			slog.String("error", err.Error()),
		)
		return
	}
	if sent {
		logger.Info("notified systemd: READY")
	}
}

// notifyStopping sends STOPPING=1 to systemd, indicating the daemon is
// beginning graceful shutdown.
func notifyStopping(logger *slog.Logger) {
	sent, err := daemon.SdNotify(false, daemon.SdNotifyStopping)
	if err != nil {
		logger.Warn("failed to notify systemd stopping",
			slog.String("error", err.Error()),
		)
		return
	}
	if sent {
		logger.Info("notified systemd: STOPPING")
	}
}

// runWatchdog sends periodic watchdog keepalives to systemd at half the
// configured interval. If the watchdog is not configured, the goroutine
// exits immediately.
func runWatchdog(ctx context.Context, logger *slog.Logger) error {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		logger.Warn("failed to check systemd watchdog",
			slog.String("error", err.Error()),
		)
		return nil
	}
	if interval == 0 {
		logger.Debug("systemd watchdog not configured, skipping keepalive")
		return nil
	}

	tickInterval := interval / 2
	logger.Info("systemd watchdog enabled",
		slog.Duration("watchdog_sec", interval),
		slog.Duration("keepalive_interval", tickInterval),
	)

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, wdErr := daemon.SdNotify(false, daemon.SdNotifyWatchdog); wdErr != nil {
				logger.Warn("failed to send watchdog keepalive",
					slog.String("error", wdErr.Error()),
				)
			}
		}
	}
}

// newLoggerWithLevel creates a structured logger using a shared
// LevelVar for dynamic log level changes via SIGHUP reload.
func newLoggerWithLevel(cfg config.LogConfig, level *slog.LevelVar) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	switch cfg.Format {
	case "text":
		handler = slog.NewTextHandler(os.Stdout, opts)
	default:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
