package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/michaeljabbour/amplifier-web/internal/auth"
	"github.com/michaeljabbour/amplifier-web/internal/bundle"
	"github.com/michaeljabbour/amplifier-web/internal/config"
	"github.com/michaeljabbour/amplifier-web/internal/cron"
	"github.com/michaeljabbour/amplifier-web/internal/engine"
	"github.com/michaeljabbour/amplifier-web/internal/gateway"
	otelPkg "github.com/michaeljabbour/amplifier-web/internal/otel"
	"github.com/michaeljabbour/amplifier-web/internal/persistence"
	"github.com/michaeljabbour/amplifier-web/internal/session"
	"github.com/michaeljabbour/amplifier-web/internal/telemetry"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

func main() {
	addrFlag := flag.String("addr", "", "listen address (overrides config bind_addr)")
	homeFlag := flag.String("home", "", "data directory (overrides AMPLIFIER_WEB_HOME)")
	quietFlag := flag.Bool("quiet", false, "log to file only")
	versionFlag := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *versionFlag {
		fmt.Println(Version)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	homeDir := *homeFlag
	if homeDir == "" {
		var err error
		homeDir, err = config.HomeDir()
		if err != nil {
			fatalStartup("E_HOME_DIR", err)
		}
	}
	if err := os.MkdirAll(homeDir, 0o755); err != nil {
		fatalStartup("E_HOME_DIR", err)
	}

	cfg, err := config.Load(homeDir)
	if err != nil {
		fatalStartup("E_CONFIG_LOAD", err)
	}
	if *addrFlag != "" {
		cfg.BindAddr = *addrFlag
	}

	logger, levelVar, closer, err := telemetry.NewLogger(homeDir, cfg.LogLevel, *quietFlag || cfg.Quiet)
	if err != nil {
		fatalStartup("E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "home", homeDir)

	provider, err := otelPkg.Init(ctx, cfg.Telemetry)
	if err != nil {
		fatalStartup("E_OTEL_INIT", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = provider.Shutdown(shutdownCtx)
	}()
	metrics, err := otelPkg.NewMetrics(provider.Meter)
	if err != nil {
		fatalStartup("E_OTEL_INIT", err)
	}

	token, err := auth.GetOrCreateToken(homeDir)
	if err != nil {
		fatalStartup("E_AUTH_TOKEN", err)
	}

	store, err := persistence.Open(persistence.DefaultDBPath(homeDir))
	if err != nil {
		fatalStartup("E_STORE_OPEN", err)
	}
	defer store.Close()
	logger.Info("startup phase", "phase", "store_opened")

	factory, err := buildEngineFactory(cfg.Engine)
	if err != nil {
		fatalStartup("E_ENGINE_INIT", err)
	}

	bundles := bundle.NewManager(config.BundlesDir(homeDir), factory, logger)
	if err := bundles.LoadAll(); err != nil {
		fatalStartup("E_BUNDLE_LOAD", err)
	}
	if err := bundles.Watch(ctx); err != nil {
		logger.Warn("bundle watcher unavailable", "error", err)
	}

	cfgWatcher := config.NewWatcher(homeDir, logger)
	if err := cfgWatcher.Start(ctx); err != nil {
		logger.Warn("config watcher unavailable", "error", err)
	} else {
		go func() {
			for range cfgWatcher.Events() {
				reloaded, err := config.Load(homeDir)
				if err != nil {
					logger.Error("config reload failed", "error", err)
					continue
				}
				levelVar.Set(telemetry.ParseLevel(reloaded.LogLevel))
				logger.Info("config reloaded", "log_level", reloaded.LogLevel)
			}
		}()
	}

	sessions := session.NewManager(session.ManagerOptions{
		Bundles:         bundles,
		Store:           store,
		Logger:          logger,
		Metrics:         metrics,
		ApprovalTimeout: time.Duration(cfg.Approval.TimeoutSeconds) * time.Second,
		ShowThinking:    cfg.ShowThinking,
	})

	if cfg.Retention.Enabled {
		sweeper, err := cron.NewSweeper(cron.Config{
			Store:    store,
			Logger:   logger,
			Schedule: cfg.Retention.SweepSchedule,
			MaxAge:   time.Duration(cfg.Retention.MaxAgeDays) * 24 * time.Hour,
		})
		if err != nil {
			fatalStartup("E_RETENTION_INIT", err)
		}
		sweeper.Start(ctx)
		defer sweeper.Stop()
	}

	gw := gateway.New(gateway.Config{
		Token:          token,
		Sessions:       sessions,
		Store:          store,
		Logger:         logger,
		AllowedOrigins: cfg.AllowedOrigins,
	})

	srv := &http.Server{
		Addr:              cfg.BindAddr,
		Handler:           gw.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", cfg.BindAddr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown requested")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			fatalStartup("E_LISTEN", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown failed", "error", err)
	}
}

func buildEngineFactory(name string) (engine.Factory, error) {
	switch name {
	case "echo", "":
		return engine.EchoFactory{}, nil
	default:
		return nil, fmt.Errorf("unknown engine %q (supported: echo)", name)
	}
}

func fatalStartup(code string, err error) {
	fmt.Fprintf(os.Stderr, "%s: %v\n", code, err)
	os.Exit(1)
}
