// SPDX-License-Identifier: MIT

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/eventra/checkind/internal/api"
	"github.com/eventra/checkind/internal/cache"
	"github.com/eventra/checkind/internal/capacity"
	"github.com/eventra/checkind/internal/checkin"
	"github.com/eventra/checkind/internal/config"
	"github.com/eventra/checkind/internal/lifecycle"
	xlog "github.com/eventra/checkind/internal/log"
	"github.com/eventra/checkind/internal/reconcile"
	"github.com/eventra/checkind/internal/store"
)

var (
	version   = "v1.2.0"
	commit    = "none"
	buildDate = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("checkind %s (commit: %s, built: %s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	xlog.Configure(xlog.Config{
		Level:   cfg.LogLevel,
		Service: "checkind",
	})
	logger := xlog.WithComponent("daemon")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(cfg.DataDir)
	if err != nil {
		logger.Fatal().
			Err(err).
			Str("event", "store.open_failed").
			Str("data_dir", cfg.DataDir).
			Msg("failed to open durable store")
	}
	defer func() {
		if err := st.Close(); err != nil {
			logger.Error().Err(err).Msg("store close failed")
		}
	}()

	ca := selectCache(cfg)
	defer func() {
		if err := ca.Close(); err != nil {
			logger.Error().Err(err).Msg("cache close failed")
		}
	}()

	keys := capacity.NewKeyspace("checkind:")
	capSvc := capacity.New(st, ca, keys, capacity.TTLConfig{
		Session:        cfg.SessionTTL,
		Counter:        cfg.CounterTTL,
		CapacityStatus: cfg.CapacityStatusTTL,
		Stats:          cfg.StatsTTL,
	}, xlog.WithComponent("capacity"))

	orch := checkin.New(st, capSvc, cfg.LateThresholdMinutes, xlog.WithComponent("checkin"))

	sched := lifecycle.NewScheduler(st, lifecycle.Defaults{
		AutoOpenMinutes:     cfg.AutoOpenMinutes,
		AutoEndGraceMinutes: cfg.AutoEndGraceMinutes,
	}, cfg.JobInterval, xlog.WithComponent("scheduler"))
	go sched.Run(ctx)

	rec := reconcile.New(st, ca, keys, cfg.ReconcileInterval, xlog.WithComponent("reconcile"))
	go rec.Run(ctx)

	server := api.New(st, capSvc, orch, sched, xlog.WithComponent("api"))
	httpServer := &http.Server{
		Addr:              cfg.Listen,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info().
			Str("event", "server.listening").
			Str("addr", cfg.Listen).
			Str("version", version).
			Msg("checkind started")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("http server failed")
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info().Str("event", "server.shutdown").Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("http shutdown failed")
	}
}

// selectCache picks the cache backend once at startup. A configured but
// unreachable Redis degrades to the no-op cache: every capacity operation
// then runs against the durable store alone.
func selectCache(cfg *config.Config) cache.Cache {
	logger := xlog.WithComponent("cache")
	if cfg.RedisAddr == "" {
		logger.Info().Msg("no Redis configured, using in-process cache")
		return cache.NewMemoryCache(time.Minute)
	}
	rc, err := cache.NewRedisCache(cache.RedisConfig{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}, logger)
	if err != nil {
		logger.Warn().
			Err(err).
			Str("addr", cfg.RedisAddr).
			Msg("Redis unreachable, capacity operations degrade to store-only")
		return cache.NewNoOpCache()
	}
	return rc
}
