// Command collector launches the depthcast market-data collector.
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/depthcast/collector/config"
	"github.com/depthcast/collector/internal/collector"
	"github.com/depthcast/collector/internal/observability"
	"github.com/depthcast/collector/internal/persistence/migrations"
	httpserver "github.com/depthcast/collector/internal/server/http"
	"github.com/depthcast/collector/internal/telemetry"
)

const (
	collectorLoggerPrefix    = "collector "
	shutdownTimeout          = 30 * time.Second
	monitorShutdownTimeout   = 5 * time.Second
	lifecycleShutdownTimeout = 20 * time.Second
	telemetryShutdownTimeout = 5 * time.Second
	migrateTimeout           = 60 * time.Second

	forcedExitCode = 130
)

func main() {
	os.Exit(run())
}

func run() int {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger := log.New(os.Stdout, collectorLoggerPrefix, log.LstdFlags|log.Lmicroseconds)

	cfg, err := config.Load()
	if err != nil {
		logger.Printf("load configuration: %v", err)
		return 1
	}
	observability.SetLogger(observability.NewStdLogger(logger, cfg.Debug))

	if err := cfg.Validate(); err != nil {
		logger.Printf("invalid configuration: %v", err)
		return 1
	}
	logger.Printf("configuration initialised: symbols=%d, channels=%d, shards=%d, dry_run=%t",
		len(cfg.Symbols), len(cfg.Channels), cfg.Shards, cfg.DryRun)

	telemetryProvider, err := initTelemetry(ctx, logger, cfg)
	if err != nil {
		logger.Printf("initialize telemetry: %v", err)
		return 1
	}

	if !cfg.DryRun {
		migrateCtx, migrateCancel := context.WithTimeout(ctx, migrateTimeout)
		err := migrations.Apply(migrateCtx, cfg.DatabaseURL)
		migrateCancel()
		if err != nil {
			logger.Printf("apply migrations: %v", err)
			return 1
		}
	}

	supervisor, err := collector.New(ctx, cfg)
	if err != nil {
		logger.Printf("initialise collector: %v", err)
		return 1
	}

	var pinger httpserver.Pinger
	if store := supervisor.Store(); store != nil {
		pinger = store
	}
	monitor := httpserver.NewServer(cfg.MonitorAddr, supervisor.Status, pinger)

	var lifecycle conc.WaitGroup
	lifecycle.Go(func() {
		if err := monitor.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Printf("monitoring server: %v", err)
		}
	})

	runErr := make(chan error, 1)
	lifecycle.Go(func() {
		runErr <- supervisor.Run(ctx)
	})
	logger.Printf("collector started; monitoring on %s", cfg.MonitorAddr)

	exitCode := 0
	select {
	case err := <-runErr:
		if err != nil {
			logger.Printf("collector failed: %v", err)
			exitCode = 1
		}
		cancel()
	case <-ctx.Done():
		logger.Print("shutdown signal received, initiating graceful shutdown")
	}

	watchForcedExit(logger)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	shutdownStart := time.Now()
	performGracefulShutdown(shutdownCtx, logger, gracefulShutdownConfig{
		monitor:    monitor,
		mainCancel: cancel,
		lifecycle:  &lifecycle,
		telemetry:  telemetryProvider,
	})
	logger.Printf("shutdown completed in %v", time.Since(shutdownStart))
	return exitCode
}

func initTelemetry(ctx context.Context, logger *log.Logger, cfg config.Settings) (*telemetry.Provider, error) {
	telemetryCfg := telemetry.DefaultConfig()
	if cfg.OTLPEndpoint != "" {
		telemetryCfg.OTLPEndpoint = cfg.OTLPEndpoint
	}

	provider, err := telemetry.NewProvider(ctx, telemetryCfg)
	if err != nil {
		return nil, fmt.Errorf("initialize telemetry provider: %w", err)
	}

	if telemetryCfg.Enabled {
		logger.Printf("telemetry initialized: endpoint=%s, service=%s",
			telemetryCfg.OTLPEndpoint, telemetryCfg.ServiceName)
	} else {
		logger.Print("telemetry disabled")
	}
	return provider, nil
}

// watchForcedExit aborts the shutdown on a second signal or when the grace
// period expires, exiting with the interrupted status code.
func watchForcedExit(logger *log.Logger) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-sigCh:
			logger.Printf("received %s during shutdown, aborting", sig)
		case <-time.After(shutdownTimeout + time.Second):
			logger.Print("shutdown grace period exceeded, aborting")
		}
		os.Exit(forcedExitCode)
	}()
}

type gracefulShutdownConfig struct {
	monitor    *http.Server
	mainCancel context.CancelFunc
	lifecycle  *conc.WaitGroup
	telemetry  *telemetry.Provider
}

func performGracefulShutdown(ctx context.Context, logger *log.Logger, cfg gracefulShutdownConfig) {
	shutdownStep := func(name string, timeout time.Duration, fn func(context.Context) error) {
		stepCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		logger.Printf("shutdown: %s...", name)
		if err := fn(stepCtx); err != nil {
			logger.Printf("shutdown: %s failed: %v", name, err)
		} else {
			logger.Printf("shutdown: %s completed", name)
		}
	}

	if cfg.monitor != nil {
		shutdownStep("stopping monitoring server", monitorShutdownTimeout, func(stepCtx context.Context) error {
			return cfg.monitor.Shutdown(stepCtx)
		})
	}

	logger.Print("shutdown: cancelling main context")
	if cfg.mainCancel != nil {
		cfg.mainCancel()
	}

	if cfg.lifecycle != nil {
		shutdownStep("waiting for collector goroutines", lifecycleShutdownTimeout, func(stepCtx context.Context) error {
			done := make(chan struct{})
			go func() {
				cfg.lifecycle.Wait()
				close(done)
			}()
			select {
			case <-done:
				return nil
			case <-stepCtx.Done():
				return fmt.Errorf("timeout waiting for goroutines: %w", stepCtx.Err())
			}
		})
	}

	if cfg.telemetry != nil {
		shutdownStep("shutting down telemetry", telemetryShutdownTimeout, func(stepCtx context.Context) error {
			return cfg.telemetry.Shutdown(stepCtx)
		})
	}
}
