// SPDX-License-Identifier: MIT

// Package model holds the persisted domain records and their enumerations.
package model

import "time"

// Lifecycle is the client-visible state of a session's check-in window.
// Keep these stable: stored records and metrics depend on them.
type Lifecycle string

const (
	LifecycleScheduled Lifecycle = "SCHEDULED"
	LifecycleOpen      Lifecycle = "OPEN"
	LifecycleEnded     Lifecycle = "ENDED"
	LifecycleClosed    Lifecycle = "CLOSED"
)

// IsTerminal returns true if the lifecycle admits no further automatic
// transitions.
func (l Lifecycle) IsTerminal() bool {
	switch l {
	case LifecycleEnded, LifecycleClosed:
		return true
	}
	return false
}

// Session is the durable-store source of truth for one event session.
//
// CheckInsCount is mutated only through the store's atomic conditional
// increment; application code never performs a read-then-write on it.
type Session struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	StartTime time.Time `json:"startTime"`
	EndTime   time.Time `json:"endTime"`

	// Capacity 0 means unlimited; CheckInsCount is then informational only.
	Capacity      int `json:"capacity"`
	CheckInsCount int `json:"checkInsCount"`

	Lifecycle Lifecycle `json:"lifecycle"`
	IsOpen    bool      `json:"isOpen"`

	RequiresRegistration bool `json:"requiresRegistration,omitempty"`

	// Per-session overrides; nil means the global default applies.
	AutoOpenMinutes      *int `json:"autoOpenMinutes,omitempty"`
	AutoEndGraceMinutes  *int `json:"autoEndGraceMinutes,omitempty"`
	LateThresholdMinutes *int `json:"lateThresholdMinutes,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// EffectiveAutoOpenMinutes resolves the auto-open lead time for this session.
func (s *Session) EffectiveAutoOpenMinutes(globalDefault int) int {
	if s.AutoOpenMinutes != nil {
		return *s.AutoOpenMinutes
	}
	return globalDefault
}

// EffectiveAutoEndGraceMinutes resolves the auto-end grace period.
func (s *Session) EffectiveAutoEndGraceMinutes(globalDefault int) int {
	if s.AutoEndGraceMinutes != nil {
		return *s.AutoEndGraceMinutes
	}
	return globalDefault
}

// EffectiveLateThresholdMinutes resolves the lateness threshold.
func (s *Session) EffectiveLateThresholdMinutes(globalDefault int) int {
	if s.LateThresholdMinutes != nil {
		return *s.LateThresholdMinutes
	}
	return globalDefault
}

// Unlimited reports whether this session has no capacity bound.
func (s *Session) Unlimited() bool {
	return s.Capacity == 0
}
