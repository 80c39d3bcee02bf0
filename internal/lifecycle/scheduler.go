// SPDX-License-Identifier: MIT

package lifecycle

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/eventra/checkind/internal/metrics"
	"github.com/eventra/checkind/internal/model"
	"github.com/eventra/checkind/internal/store"
)

// Job names, also used as distributed lease keys.
const (
	JobAutoOpen = "auto-open-sessions"
	JobAutoEnd  = "auto-end-sessions"
)

const (
	maxAttempts    = 3
	initialBackoff = 5 * time.Second
)

// errSkip signals inside an update closure that the session no longer needs
// the transition; the write is abandoned without error.
var errSkip = errors.New("transition no longer applicable")

// JobStatus is the operational state of one recurring job.
type JobStatus struct {
	Name        string        `json:"name"`
	Interval    time.Duration `json:"interval"`
	LastRun     time.Time     `json:"lastRun"`
	LastOutcome string        `json:"lastOutcome"` // ok|skipped|error
	LastError   string        `json:"lastError,omitempty"`
	Transitions int           `json:"transitions"` // transitions in the last run
}

// QueueStatus reports the scheduler's current state.
type QueueStatus struct {
	Owner  string      `json:"owner"`
	Paused bool        `json:"paused"`
	Jobs   []JobStatus `json:"jobs"`
}

// Scheduler runs the recurring lifecycle jobs. Each tick's work executes
// under a store lease keyed by job name, so with multiple server instances
// exactly one performs a given transition. Every job run is idempotent:
// re-running with no matching sessions is a no-op.
type Scheduler struct {
	store    store.Store
	defaults Defaults
	interval time.Duration
	owner    string
	logger   zerolog.Logger
	now      func() time.Time

	mu       sync.Mutex
	listener Listener
	paused   bool
	jobs     map[string]*JobStatus
}

// NewScheduler creates the scheduler. Each instance gets a unique owner id
// for its leases.
func NewScheduler(st store.Store, defaults Defaults, interval time.Duration, logger zerolog.Logger) *Scheduler {
	s := &Scheduler{
		store:    st,
		defaults: defaults,
		interval: interval,
		owner:    uuid.NewString(),
		logger:   logger,
		now:      time.Now,
		jobs:     make(map[string]*JobStatus),
	}
	for _, name := range []string{JobAutoOpen, JobAutoEnd} {
		s.jobs[name] = &JobStatus{Name: name, Interval: interval}
	}
	return s
}

// RegisterCallback sets the transition listener. Only one listener is held;
// registering replaces any previous one.
func (s *Scheduler) RegisterCallback(l Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listener = l
}

// UnregisterCallback removes the listener. Transitions still commit; only
// the notification is skipped.
func (s *Scheduler) UnregisterCallback() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listener = nil
}

// Pause suspends job execution until Resume. Ticks while paused are no-ops.
func (s *Scheduler) Pause() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.paused = true
}

// Resume re-enables job execution.
func (s *Scheduler) Resume() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.paused = false
}

// QueueStatus returns a snapshot of job state.
func (s *Scheduler) QueueStatus() QueueStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := QueueStatus{Owner: s.owner, Paused: s.paused}
	for _, name := range []string{JobAutoOpen, JobAutoEnd} {
		out.Jobs = append(out.Jobs, *s.jobs[name])
	}
	return out
}

// Run starts the scheduler loop and blocks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	if s.interval <= 0 {
		return
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info().
		Dur("interval", s.interval).
		Str("owner", s.owner).
		Msg("lifecycle scheduler started")

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	s.mu.Lock()
	paused := s.paused
	s.mu.Unlock()
	if paused {
		return
	}
	s.runJob(ctx, JobAutoOpen, s.autoOpen, true)
	s.runJob(ctx, JobAutoEnd, s.autoEnd, true)
}

// ForceCycle triggers both jobs once, bypassing the distributed lease. Meant
// for admin and test use; transitions stay idempotent, so a concurrent
// scheduled run cannot double-apply.
func (s *Scheduler) ForceCycle(ctx context.Context) {
	s.runJob(ctx, JobAutoOpen, s.autoOpen, false)
	s.runJob(ctx, JobAutoEnd, s.autoEnd, false)
}

func (s *Scheduler) runJob(ctx context.Context, name string, fn func(context.Context) (int, error), withLease bool) {
	if withLease {
		acquired, err := s.store.TryAcquireLease(ctx, "job:"+name, s.owner, s.interval)
		if err != nil {
			s.recordRun(name, 0, "error", err)
			metrics.SchedulerRun(name, "error")
			s.logger.Warn().Err(err).Str("job", name).Msg("lease acquisition failed")
			return
		}
		if !acquired {
			// Another instance owns this tick.
			s.recordRun(name, 0, "skipped", nil)
			metrics.SchedulerRun(name, "skipped")
			return
		}
		defer func() {
			if err := s.store.ReleaseLease(ctx, "job:"+name, s.owner); err != nil {
				s.logger.Warn().Err(err).Str("job", name).Msg("lease release failed")
			}
		}()
	}

	var (
		transitions int
		err         error
	)
	backoff := initialBackoff
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		transitions, err = fn(ctx)
		if err == nil {
			break
		}
		s.logger.Warn().
			Err(err).
			Str("job", name).
			Int("attempt", attempt).
			Msg("job run failed")
		if attempt == maxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			s.recordRun(name, transitions, "error", ctx.Err())
			metrics.SchedulerRun(name, "error")
			return
		case <-time.After(backoff):
		}
		backoff *= 2
	}

	if err != nil {
		// Persistent failure: leave it for the next scheduled tick.
		s.recordRun(name, transitions, "error", err)
		metrics.SchedulerRun(name, "error")
		return
	}
	s.recordRun(name, transitions, "ok", nil)
	metrics.SchedulerRun(name, "ok")
}

func (s *Scheduler) recordRun(name string, transitions int, outcome string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	js := s.jobs[name]
	js.LastRun = s.now()
	js.LastOutcome = outcome
	js.Transitions = transitions
	js.LastError = ""
	if err != nil {
		js.LastError = err.Error()
	}
}

// autoOpen transitions due SCHEDULED sessions to OPEN.
func (s *Scheduler) autoOpen(ctx context.Context) (int, error) {
	now := s.now()
	var due []string
	err := s.store.ScanSessions(ctx, func(sess *model.Session) error {
		if shouldAutoOpen(sess, now, s.defaults) {
			due = append(due, sess.ID)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	count := 0
	for _, id := range due {
		ev, err := s.transition(ctx, id, model.LifecycleOpen, ReasonAutoOpen, func(sess *model.Session) bool {
			return shouldAutoOpen(sess, now, s.defaults)
		})
		if err != nil {
			s.logger.Warn().Err(err).Str("session_id", id).Msg("auto-open transition failed")
			continue
		}
		if ev != nil {
			count++
		}
	}
	return count, nil
}

// autoEnd transitions elapsed OPEN and SCHEDULED sessions to ENDED.
func (s *Scheduler) autoEnd(ctx context.Context) (int, error) {
	now := s.now()
	var due []string
	err := s.store.ScanSessions(ctx, func(sess *model.Session) error {
		if shouldAutoEnd(sess, now, s.defaults) {
			due = append(due, sess.ID)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	count := 0
	for _, id := range due {
		ev, err := s.transition(ctx, id, model.LifecycleEnded, ReasonAutoEnd, func(sess *model.Session) bool {
			return shouldAutoEnd(sess, now, s.defaults)
		})
		if err != nil {
			s.logger.Warn().Err(err).Str("session_id", id).Msg("auto-end transition failed")
			continue
		}
		if ev != nil {
			count++
		}
	}
	return count, nil
}

// transition applies one lifecycle change inside a store transaction. The
// stillDue guard re-checks the condition against current state, which is
// what makes re-running a job a no-op.
func (s *Scheduler) transition(ctx context.Context, sessionID string, target model.Lifecycle, reason Reason, stillDue func(*model.Session) bool) (*Event, error) {
	var ev *Event
	_, err := s.store.UpdateSession(ctx, sessionID, func(sess *model.Session) error {
		if sess.Lifecycle == target && sess.IsOpen == (target == model.LifecycleOpen) {
			return errSkip
		}
		if stillDue != nil && !stillDue(sess) {
			return errSkip
		}
		ev = &Event{
			SessionID:         sess.ID,
			SessionName:       sess.Name,
			PreviousLifecycle: sess.Lifecycle,
			PreviousIsOpen:    sess.IsOpen,
			NewLifecycle:      target,
			NewIsOpen:         target == model.LifecycleOpen,
			Reason:            reason,
			At:                s.now(),
		}
		sess.Lifecycle = target
		sess.IsOpen = target == model.LifecycleOpen
		return nil
	})
	if errors.Is(err, errSkip) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	trigger := "auto"
	if reason == ReasonManual {
		trigger = "manual"
	}
	metrics.LifecycleTransition(string(target), trigger)
	s.logger.Info().
		Str("event", "lifecycle.transition").
		Str("session_id", ev.SessionID).
		Str("from", string(ev.PreviousLifecycle)).
		Str("to", string(ev.NewLifecycle)).
		Str("reason", string(reason)).
		Msg("session lifecycle changed")

	s.notify(*ev)
	return ev, nil
}

// SetOpen applies a manual admin isOpen update. Opening always moves to
// OPEN; closing moves back to SCHEDULED while the end time is still ahead
// (allowing a later auto-reopen), otherwise to CLOSED.
func (s *Scheduler) SetOpen(ctx context.Context, sessionID string, open bool) (*model.Session, error) {
	now := s.now()
	var updated *model.Session
	var ev *Event
	out, err := s.store.UpdateSession(ctx, sessionID, func(sess *model.Session) error {
		target := manualTarget(sess, open, now)
		if sess.Lifecycle == target && sess.IsOpen == open {
			return errSkip
		}
		ev = &Event{
			SessionID:         sess.ID,
			SessionName:       sess.Name,
			PreviousLifecycle: sess.Lifecycle,
			PreviousIsOpen:    sess.IsOpen,
			NewLifecycle:      target,
			NewIsOpen:         open,
			Reason:            ReasonManual,
			At:                now,
		}
		sess.Lifecycle = target
		sess.IsOpen = open
		return nil
	})
	if errors.Is(err, errSkip) {
		return s.store.GetSession(ctx, sessionID)
	}
	if err != nil {
		return nil, err
	}
	updated = out

	metrics.LifecycleTransition(string(ev.NewLifecycle), "manual")
	s.logger.Info().
		Str("event", "lifecycle.manual_update").
		Str("session_id", sessionID).
		Str("from", string(ev.PreviousLifecycle)).
		Str("to", string(ev.NewLifecycle)).
		Msg("session lifecycle changed by admin")
	s.notify(*ev)
	return updated, nil
}

func (s *Scheduler) notify(ev Event) {
	s.mu.Lock()
	listener := s.listener
	s.mu.Unlock()
	if listener == nil {
		s.logger.Warn().
			Str("event", "lifecycle.notify_skipped").
			Str("session_id", ev.SessionID).
			Msg("no lifecycle listener registered, notification skipped")
		return
	}
	listener.OnLifecycleChange(ev)
}
