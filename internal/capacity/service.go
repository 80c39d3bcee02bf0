// SPDX-License-Identifier: MIT

// Package capacity implements the session capacity reservation protocol: the
// durable store is authoritative and totally orders admissions through its
// atomic conditional increment; the cache is a write-through mirror that is
// only ever stale-behind-truth.
package capacity

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/eventra/checkind/internal/cache"
	"github.com/eventra/checkind/internal/metrics"
	"github.com/eventra/checkind/internal/model"
	"github.com/eventra/checkind/internal/store"
)

// ErrCapacityExceeded is returned by Reserve when the session is full.
// Callers surface "session full" to the user; the attempt is not retried.
var ErrCapacityExceeded = store.ErrCapacityExceeded

// nearCapacityPercent is the threshold above which a session is flagged as
// nearly full on dashboards.
const nearCapacityPercent = 80.0

// Reservation is the result of one reserve attempt.
type Reservation struct {
	Success        bool    `json:"success"`
	Capacity       int     `json:"capacity"`
	CheckInsCount  int     `json:"checkInsCount"`
	Remaining      int     `json:"remaining"` // -1 for unlimited sessions
	PercentFull    float64 `json:"percentFull"`
	IsNearCapacity bool    `json:"isNearCapacity"`
}

// CapacityStatus is the advisory read served on every QR scan. It never
// decides admission; the store transaction in Reserve does.
type CapacityStatus struct {
	Capacity       int     `json:"capacity"`
	CheckInsCount  int     `json:"checkInsCount"`
	Remaining      int     `json:"remaining"`
	PercentFull    float64 `json:"percentFull"`
	IsAtCapacity   bool    `json:"isAtCapacity"`
	IsNearCapacity bool    `json:"isNearCapacity"`
}

// Stats aggregates capacity usage across all sessions.
type Stats struct {
	Sessions           int `json:"sessions"`
	OpenSessions       int `json:"openSessions"`
	TotalCapacity      int `json:"totalCapacity"`
	TotalCheckIns      int `json:"totalCheckIns"`
	SessionsAtCapacity int `json:"sessionsAtCapacity"`
}

// TTLConfig carries the per-data-class cache lifetimes.
type TTLConfig struct {
	Session        time.Duration // session-by-id lookup
	Counter        time.Duration // write-through counter mirror
	CapacityStatus time.Duration // hot-path status read
	Stats          time.Duration // dashboard aggregate
}

// Service orchestrates the reserve-before-write protocol between the durable
// store and the cache.
type Service struct {
	store  store.Store
	cache  cache.Cache
	keys   Keyspace
	ttl    TTLConfig
	logger zerolog.Logger

	// flight coalesces concurrent stats computations per cache key. It is
	// process-local; each instance coalesces its own callers and shares the
	// result through the cache afterwards.
	flight singleflight.Group
}

// New creates the capacity service.
func New(st store.Store, ca cache.Cache, keys Keyspace, ttl TTLConfig, logger zerolog.Logger) *Service {
	return &Service{
		store:  st,
		cache:  ca,
		keys:   keys,
		ttl:    ttl,
		logger: logger,
	}
}

// Reserve claims one slot of the session's capacity.
//
// Unlimited sessions (capacity 0) succeed without touching any counter.
// Bounded sessions go through the store's atomic conditional increment; on
// success the new count is written through to the cache and the stale
// session/status entries are invalidated. The store write always precedes
// the cache write, so a crash in between leaves the cache stale-behind,
// never ahead.
func (s *Service) Reserve(ctx context.Context, sessionID string) (Reservation, error) {
	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		metrics.ReservationOutcome("error")
		return Reservation{}, err
	}

	if sess.Unlimited() {
		metrics.ReservationOutcome("success")
		return Reservation{
			Success:       true,
			Capacity:      0,
			CheckInsCount: sess.CheckInsCount,
			Remaining:     -1,
		}, nil
	}

	updated, err := s.store.ReserveSlot(ctx, sessionID)
	if errors.Is(err, store.ErrCapacityExceeded) {
		metrics.ReservationOutcome("capacity_exceeded")
		s.logger.Info().
			Str("event", "reserve.capacity_exceeded").
			Str("session_id", sessionID).
			Int("capacity", sess.Capacity).
			Msg("reservation rejected, session full")
		return Reservation{
			Success:       false,
			Capacity:      sess.Capacity,
			CheckInsCount: sess.Capacity,
			Remaining:     0,
			PercentFull:   100,
		}, ErrCapacityExceeded
	}
	if err != nil {
		metrics.ReservationOutcome("error")
		return Reservation{}, err
	}

	// Write-through after the store committed. Failures here are logged and
	// swallowed; the reconciliation job heals any drift.
	s.cache.SetCounter(ctx, s.keys.Counter(sessionID), int64(updated.CheckInsCount), s.ttl.Counter)
	s.cache.Delete(ctx, s.keys.Session(sessionID))
	s.cache.Delete(ctx, s.keys.CapacityStatus(sessionID))

	metrics.ReservationOutcome("success")
	res := reservationFor(updated)
	s.logger.Debug().
		Str("event", "reserve.granted").
		Str("session_id", sessionID).
		Int("count", updated.CheckInsCount).
		Int("capacity", updated.Capacity).
		Msg("capacity slot reserved")
	return res, nil
}

// Release gives a slot back after a reservation's dependent write failed.
// The store decrement is clamped at zero; the cache is then corrected
// best-effort with the authoritative count.
func (s *Service) Release(ctx context.Context, sessionID string) error {
	updated, err := s.store.ReleaseSlot(ctx, sessionID)
	if err != nil {
		return err
	}

	s.cache.SetCounter(ctx, s.keys.Counter(sessionID), int64(updated.CheckInsCount), s.ttl.Counter)
	s.cache.Delete(ctx, s.keys.Session(sessionID))
	s.cache.Delete(ctx, s.keys.CapacityStatus(sessionID))

	metrics.Release()
	s.logger.Info().
		Str("event", "reserve.released").
		Str("session_id", sessionID).
		Int("count", updated.CheckInsCount).
		Msg("capacity slot released")
	return nil
}

// GetSession serves session-by-id reads through the cache. Reserve and
// Release invalidate the entry, so a cached session never reports a count
// newer writes have moved past its TTL.
func (s *Service) GetSession(ctx context.Context, sessionID string) (*model.Session, error) {
	key := s.keys.Session(sessionID)
	if raw, ok := s.cache.Get(ctx, key); ok {
		var sess model.Session
		if err := json.Unmarshal(raw, &sess); err == nil {
			return &sess, nil
		}
		s.cache.Delete(ctx, key)
	}

	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if buf, err := json.Marshal(sess); err == nil {
		s.cache.Set(ctx, key, buf, s.ttl.Session)
	}
	return sess, nil
}

// GetCapacityStatus serves the hot-path advisory read: cache first with a
// short TTL, durable store on miss, write-back after.
func (s *Service) GetCapacityStatus(ctx context.Context, sessionID string) (CapacityStatus, error) {
	key := s.keys.CapacityStatus(sessionID)
	if raw, ok := s.cache.Get(ctx, key); ok {
		var status CapacityStatus
		if err := json.Unmarshal(raw, &status); err == nil {
			metrics.CapacityRead("cache")
			return status, nil
		}
		// Corrupt entry: drop it and fall through to the store.
		s.cache.Delete(ctx, key)
	}

	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return CapacityStatus{}, err
	}
	metrics.CapacityRead("store")

	status := statusFor(sess)
	if buf, err := json.Marshal(status); err == nil {
		s.cache.Set(ctx, key, buf, s.ttl.CapacityStatus)
	}
	return status, nil
}

// GetStats aggregates capacity usage across sessions. Concurrent callers on
// a cold cache are coalesced so only one store scan runs per cache key.
func (s *Service) GetStats(ctx context.Context) (Stats, error) {
	key := s.keys.Stats()
	if raw, ok := s.cache.Get(ctx, key); ok {
		var stats Stats
		if err := json.Unmarshal(raw, &stats); err == nil {
			return stats, nil
		}
		s.cache.Delete(ctx, key)
	}

	v, err, _ := s.flight.Do(key, func() (any, error) {
		// Re-check inside the flight: a just-finished caller may have
		// populated the cache while we queued.
		if raw, ok := s.cache.Get(ctx, key); ok {
			var stats Stats
			if err := json.Unmarshal(raw, &stats); err == nil {
				return stats, nil
			}
		}

		var stats Stats
		err := s.store.ScanSessions(ctx, func(sess *model.Session) error {
			stats.Sessions++
			if sess.Lifecycle == model.LifecycleOpen {
				stats.OpenSessions++
			}
			stats.TotalCapacity += sess.Capacity
			stats.TotalCheckIns += sess.CheckInsCount
			if sess.Capacity > 0 && sess.CheckInsCount >= sess.Capacity {
				stats.SessionsAtCapacity++
			}
			return nil
		})
		if err != nil {
			return Stats{}, err
		}

		if buf, err := json.Marshal(stats); err == nil {
			s.cache.Set(ctx, key, buf, s.ttl.Stats)
		}
		return stats, nil
	})
	if err != nil {
		return Stats{}, err
	}
	return v.(Stats), nil
}

// Keys exposes the shared keyspace for collaborators (reconciliation job).
func (s *Service) Keys() Keyspace {
	return s.keys
}

func reservationFor(sess *model.Session) Reservation {
	percent := percentFull(sess)
	return Reservation{
		Success:        true,
		Capacity:       sess.Capacity,
		CheckInsCount:  sess.CheckInsCount,
		Remaining:      sess.Capacity - sess.CheckInsCount,
		PercentFull:    percent,
		IsNearCapacity: percent >= nearCapacityPercent,
	}
}

func statusFor(sess *model.Session) CapacityStatus {
	if sess.Unlimited() {
		return CapacityStatus{
			Capacity:      0,
			CheckInsCount: sess.CheckInsCount,
			Remaining:     -1,
		}
	}
	percent := percentFull(sess)
	return CapacityStatus{
		Capacity:       sess.Capacity,
		CheckInsCount:  sess.CheckInsCount,
		Remaining:      sess.Capacity - sess.CheckInsCount,
		PercentFull:    percent,
		IsAtCapacity:   sess.CheckInsCount >= sess.Capacity,
		IsNearCapacity: percent >= nearCapacityPercent,
	}
}

func percentFull(sess *model.Session) float64 {
	if sess.Capacity <= 0 {
		return 0
	}
	return float64(sess.CheckInsCount) / float64(sess.Capacity) * 100
}
