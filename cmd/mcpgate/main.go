package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/mcpgate/mcpgate/internal/breaker"
	"github.com/mcpgate/mcpgate/internal/bridge"
	"github.com/mcpgate/mcpgate/internal/cache"
	"github.com/mcpgate/mcpgate/internal/check"
	"github.com/mcpgate/mcpgate/internal/config"
	"github.com/mcpgate/mcpgate/internal/dispatch"
	"github.com/mcpgate/mcpgate/internal/health"
	"github.com/mcpgate/mcpgate/internal/logx"
	"github.com/mcpgate/mcpgate/internal/metrics"
	"github.com/mcpgate/mcpgate/internal/status"
)

var (
	version   = "dev"
	buildSHA  = "unknown"
	buildDate = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	var cfg config.Config
	cfg.BindFlags()
	flag.Parse()
	if *showVersion {
		fmt.Printf("mcpgate version=%s sha=%s date=%s\n", version, buildSHA, buildDate)
		return
	}
	if cfg.ConfigFile != "" {
		if err := cfg.LoadFile(cfg.ConfigFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			logx.Log.Fatal().Err(err).Str("path", cfg.ConfigFile).Msg("load config")
		}
	}
	logx.Configure(cfg.LogLevel, cfg.LogFormat)
	if err := cfg.Finalize(flag.Args()); err != nil {
		logx.Log.Fatal().Err(err).Msg("invalid configuration")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if cfg.Check {
		rep := check.Run(ctx, cfg.ProbeURL(), cfg.MCPURL(), dispatch.NewClient(), check.DefaultTimeout)
		rep.Print(os.Stderr)
		if !rep.OK() {
			os.Exit(1)
		}
		return
	}

	if err := run(ctx, &cfg); err != nil {
		logx.Log.Fatal().Err(err).Msg("bridge stopped")
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	instanceID := uuid.NewString()
	logx.Log.Info().
		Str("instance", instanceID).
		Str("backend", cfg.Redacted()).
		Str("profile", cfg.Profile).
		Str("version", version).
		Str("sha", buildSHA).
		Msg("mcpgate starting")

	reg := prometheus.NewRegistry()
	metrics.Register(reg)
	metrics.SetBuildInfo(version, buildSHA, buildDate)

	client := dispatch.NewClient()

	mon := health.NewMonitor(health.Options{
		ProbeURL:           cfg.ProbeURL(),
		Client:             client,
		ColdStart:          cfg.ColdStart,
		FailureThreshold:   cfg.FailureThreshold,
		MaxTotalTime:       cfg.ReconnectBudget,
		ProbeTimeout:       cfg.ProbeTimeout,
		WarmupInterval:     cfg.WarmupInterval,
		AggressiveInterval: cfg.AggressiveInterval,
		TrustWindow:        cfg.TrustWindow,
	})
	mon.Start(ctx)

	dsp := dispatch.New(dispatch.Options{
		Endpoint:          cfg.MCPURL(),
		Client:            client,
		MaxAttempts:       cfg.MaxAttempts,
		FastMethods:       cfg.FastMethods,
		FastTimeout:       cfg.FastTimeout,
		GeneralTimeout:    cfg.GeneralTimeout,
		ColdStart:         cfg.ColdStart,
		RequestsPerSecond: cfg.RequestsPerSecond,
		Burst:             cfg.Burst,
	})

	store := cache.New(cfg.Backend, cfg.CacheMethods, cfg.CacheTTL, cfg.CacheCapacity)
	circuit := breaker.New(cfg.FailureThreshold, cfg.RecoveryTimeout)

	br := bridge.New(bridge.Options{
		In:                os.Stdin,
		Out:               os.Stdout,
		Cache:             store,
		Breaker:           circuit,
		Health:            mon,
		Dispatcher:        dsp,
		SkipHealthMethods: cfg.SkipHealthMethods,
	})

	if cfg.StatusAddr != "" {
		h := status.Handler(status.Info{
			ID:        instanceID,
			Backend:   cfg.Redacted(),
			Profile:   cfg.Profile,
			Version:   version,
			BuildSHA:  buildSHA,
			BuildDate: buildDate,
		}, status.Sources{
			Health:       mon.Snapshot,
			BreakerState: circuit.State,
			CacheLen:     store.Len,
			QueueDepth:   br.QueueDepth,
		}, reg)
		addr, err := status.ServeUntilContext(ctx, cfg.StatusAddr, h)
		if err != nil {
			return fmt.Errorf("status server: %w", err)
		}
		logx.Log.Info().Str("addr", addr).Msg("status server listening")
	}

	if cfg.ConfigFile != "" {
		rel := config.NewReloader(cfg.ConfigFile, cfg)
		rel.OnReload(func(next *config.Config) {
			logx.Configure(next.LogLevel, next.LogFormat)
			store.SetPolicy(next.CacheMethods, next.CacheTTL)
			dsp.SetRate(next.RequestsPerSecond, next.Burst)
		})
		rel.Start()
		defer rel.Stop()
	}

	// A read blocked on stdin survives ctx cancellation, so a signal wins
	// the race below instead of waiting for the pipe to close.
	errCh := make(chan error, 1)
	go func() { errCh <- br.Run(ctx) }()
	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		logx.Log.Info().Msg("input stream closed, exiting")
		return nil
	case <-ctx.Done():
		logx.Log.Info().Msg("signal received, exiting")
		return nil
	}
}
