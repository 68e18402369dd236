package main

import (
	"context"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/restockwatch/core/config"
	"github.com/restockwatch/core/internal/blocking"
	"github.com/restockwatch/core/internal/dispatch"
	"github.com/restockwatch/core/internal/notify"
	"github.com/restockwatch/core/internal/ops"
	"github.com/restockwatch/core/internal/proxypool"
	"github.com/restockwatch/core/internal/retailers"
	"github.com/restockwatch/core/internal/runner"
	"github.com/restockwatch/core/internal/scanner"
	"github.com/restockwatch/core/internal/store"
	"github.com/restockwatch/core/internal/telemetry"
	"github.com/restockwatch/core/internal/transition"
)

func main() {
	cfg, err := config.Load("")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger := initLogger(cfg.Logging)
	logger.Info().Msg("Starting restockwatch...")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.Init(ctx, telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		Endpoint:       cfg.Telemetry.Endpoint,
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: cfg.Telemetry.ServiceVersion,
		Environment:    cfg.Telemetry.Environment,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to initialize telemetry")
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("Failed to shut down telemetry")
		}
	}()

	st, err := store.Open(ctx, store.Config{
		Path:            cfg.Database.Path,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		BusyTimeout:     cfg.Database.BusyTimeout,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to open store")
	}
	defer st.Close()
	logger.Info().Str("path", cfg.Database.Path).Msg("Store opened")

	registry := scanner.NewRegistry()
	retailers.RegisterIllustrative(registry)

	var proxies *proxypool.Pool
	if len(cfg.Proxies) > 0 {
		proxies = proxypool.New(cfg.Proxies, proxypool.DefaultConfig(), logger)
	}

	detector := blocking.New(blocking.Config{
		SuspiciousMinBytes:  cfg.Blocking.SuspiciousMinBytes,
		ForbiddenQuarantine: cfg.Blocking.ForbiddenQuarantine,
		ChallengeQuarantine: cfg.Blocking.ChallengeQuarantine,
		RateLimitDefault:    cfg.Blocking.RateLimitDefault,
		TransientQuarantine: cfg.Blocking.TransientQuarantine,
		TransientWindow:     cfg.Blocking.TransientWindow,
		TransientThreshold:  cfg.Blocking.TransientThreshold,
	}, logger, proxies)

	dispatchCfg := dispatch.DefaultConfig()
	dispatchCfg.MinDelay = cfg.Dispatch.MinDelay
	dispatchCfg.MaxDelay = cfg.Dispatch.MaxDelay
	dispatchCfg.RequestTimeout = cfg.Dispatch.RequestTimeout
	dispatchCfg.RetryPolicy.MaxAttempts = cfg.Dispatch.MaxAttempts
	dispatchCfg.BlockingCfg = blocking.Config{
		SuspiciousMinBytes:  cfg.Blocking.SuspiciousMinBytes,
		ForbiddenQuarantine: cfg.Blocking.ForbiddenQuarantine,
		ChallengeQuarantine: cfg.Blocking.ChallengeQuarantine,
		RateLimitDefault:    cfg.Blocking.RateLimitDefault,
		TransientQuarantine: cfg.Blocking.TransientQuarantine,
		TransientWindow:     cfg.Blocking.TransientWindow,
		TransientThreshold:  cfg.Blocking.TransientThreshold,
	}
	dispatcher := dispatch.New(dispatchCfg, registry, proxies, detector, logger)
	dispatcher.SetBlockRecorder(st)

	channels := []notify.Channel{notify.NewLogChannel(logger)}
	if cfg.Notify.WebhookURL != "" {
		channels = append(channels, notify.NewWebhookChannel(cfg.Notify.WebhookURL, nil))
	}
	notifier, err := notify.New(notify.Config{
		DedupWindow:   cfg.Notify.DedupWindow,
		DedupCapacity: cfg.Notify.DedupCapacity,
	}, st, logger, channels...)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to build notification dispatcher")
	}

	sv := runner.New(runner.Config{
		MaxWorkers:      cfg.Runner.MaxWorkers,
		LoopSleep:       cfg.Runner.LoopSleep,
		MaxTaskDeadline: cfg.Runner.MaxTaskDeadline,
		ShutdownTimeout: cfg.Runner.ShutdownTimeout,
		TransitionCfg:   transition.Config{PriceChangeThreshold: cfg.Transition.PriceChangeThreshold},
	}, st, dispatcher, notifier, proxies, logger)

	if err := sv.Start(ctx); err != nil {
		logger.Fatal().Err(err).Msg("Failed to start task runner")
	}

	opsServer := ops.New(ops.Config{
		Host:         cfg.Server.Host,
		Port:         cfg.Server.Port,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}, st, proxies, logger)

	opsErrCh := make(chan error, 1)
	opsServer.Start(opsErrCh)

	select {
	case <-ctx.Done():
		logger.Info().Msg("Shutdown signal received")
	case err := <-opsErrCh:
		logger.Error().Err(err).Msg("Ops server failed")
	}

	sv.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := opsServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Ops server forced to shutdown")
	}

	logger.Info().Msg("Shutdown complete")
}

func initLogger(cfg config.LoggingConfig) zerolog.Logger {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}

	var output io.Writer
	if cfg.Format == "json" {
		output = os.Stdout
	} else {
		output = zerolog.ConsoleWriter{Out: os.Stdout, NoColor: cfg.NoColor}
	}

	return zerolog.New(output).Level(level).With().Timestamp().Logger()
}
