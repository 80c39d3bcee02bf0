// SPDX-License-Identifier: MIT

// Package reconcile heals capacity-counter drift between the cache and the
// durable store left behind by partial failures.
package reconcile

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/eventra/checkind/internal/cache"
	"github.com/eventra/checkind/internal/capacity"
	"github.com/eventra/checkind/internal/metrics"
	"github.com/eventra/checkind/internal/store"
)

// Reconciler periodically sweeps cached capacity counters back into the
// durable store. A cached counter, when present, reflects the most recent
// write-through; the store may have been perturbed by a crash mid-reservation.
type Reconciler struct {
	store    store.Store
	cache    cache.Cache
	keys     capacity.Keyspace
	interval time.Duration
	logger   zerolog.Logger
}

// New creates the reconciler.
func New(st store.Store, ca cache.Cache, keys capacity.Keyspace, interval time.Duration, logger zerolog.Logger) *Reconciler {
	return &Reconciler{
		store:    st,
		cache:    ca,
		keys:     keys,
		interval: interval,
		logger:   logger,
	}
}

// Run starts the reconciliation loop and blocks until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) {
	if r.interval <= 0 {
		return
	}
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.Info().Dur("interval", r.interval).Msg("capacity reconciler started")

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.ReconcileOnce(ctx)
		}
	}
}

// ReconcileOnce performs one sweep. It skips entirely when the cache is
// unavailable, tolerates per-key failures, and never returns an error out of
// its own cycle; the next tick retries.
func (r *Reconciler) ReconcileOnce(ctx context.Context) {
	if !r.cache.Available() {
		r.logger.Debug().Msg("cache unavailable, reconciliation skipped")
		return
	}

	synced, failed := 0, 0
	err := r.cache.ScanCounters(ctx, r.keys.CounterPrefix(), func(key string, value int64) {
		sessionID, ok := r.keys.SessionIDFromCounterKey(key)
		if !ok {
			return
		}
		if err := r.store.SetCheckInsCount(ctx, sessionID, int(value)); err != nil {
			failed++
			metrics.ReconcileKey("error")
			// A counter can outlive its session; that is expected drift.
			if !errors.Is(err, store.ErrSessionNotFound) {
				r.logger.Warn().
					Err(err).
					Str("session_id", sessionID).
					Msg("counter reconciliation failed")
			}
			return
		}
		synced++
		metrics.ReconcileKey("synced")
	})
	if err != nil {
		r.logger.Warn().Err(err).Msg("counter scan failed, pass abandoned")
		return
	}

	if synced > 0 || failed > 0 {
		r.logger.Info().
			Str("event", "reconcile.pass").
			Int("synced", synced).
			Int("failed", failed).
			Msg("capacity counters reconciled")
	}
}
