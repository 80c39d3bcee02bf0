// SPDX-License-Identifier: MIT

// Package lifecycle moves sessions through SCHEDULED -> OPEN -> ENDED based
// on their time windows, with CLOSED reachable through manual admin action.
package lifecycle

import (
	"time"

	"github.com/eventra/checkind/internal/model"
)

// Defaults are the global lifecycle timings; sessions may override each.
type Defaults struct {
	AutoOpenMinutes     int
	AutoEndGraceMinutes int
}

// Reason explains what triggered a transition.
type Reason string

const (
	ReasonAutoOpen Reason = "auto-open"
	ReasonAutoEnd  Reason = "auto-end"
	ReasonManual   Reason = "manual"
)

// Event describes one committed lifecycle transition.
type Event struct {
	SessionID         string          `json:"sessionId"`
	SessionName       string          `json:"sessionName"`
	PreviousLifecycle model.Lifecycle `json:"previousLifecycle"`
	NewLifecycle      model.Lifecycle `json:"newLifecycle"`
	PreviousIsOpen    bool            `json:"previousIsOpen"`
	NewIsOpen         bool            `json:"newIsOpen"`
	Reason            Reason          `json:"reason"`
	At                time.Time       `json:"at"`
}

// Listener receives committed transitions, typically to broadcast them to
// connected clients. Transitions commit whether or not a listener is set.
type Listener interface {
	OnLifecycleChange(ev Event)
}

// shouldAutoOpen reports whether a session is due to open: still SCHEDULED,
// inside its auto-open lead window, and not already past its end.
func shouldAutoOpen(sess *model.Session, now time.Time, d Defaults) bool {
	if sess.Lifecycle != model.LifecycleScheduled {
		return false
	}
	lead := time.Duration(sess.EffectiveAutoOpenMinutes(d.AutoOpenMinutes)) * time.Minute
	if now.Before(sess.StartTime.Add(-lead)) {
		return false
	}
	return now.Before(sess.EndTime)
}

// shouldAutoEnd reports whether a session is due to end. SCHEDULED sessions
// are included so a window that fully elapsed without ever opening does not
// linger forever.
func shouldAutoEnd(sess *model.Session, now time.Time, d Defaults) bool {
	switch sess.Lifecycle {
	case model.LifecycleOpen, model.LifecycleScheduled:
	default:
		return false
	}
	grace := time.Duration(sess.EffectiveAutoEndGraceMinutes(d.AutoEndGraceMinutes)) * time.Minute
	return !now.Before(sess.EndTime.Add(grace))
}

// manualTarget resolves the lifecycle for an admin-driven isOpen update.
// Closing a session whose end time is still ahead returns it to SCHEDULED so
// the auto-open job may reopen it later; otherwise it is CLOSED for good.
func manualTarget(sess *model.Session, open bool, now time.Time) model.Lifecycle {
	if open {
		return model.LifecycleOpen
	}
	if sess.EndTime.After(now) {
		return model.LifecycleScheduled
	}
	return model.LifecycleClosed
}
