// SPDX-License-Identifier: MIT

package model

import "time"

// CheckInMethod identifies how a participant was checked in.
type CheckInMethod string

const (
	MethodQR     CheckInMethod = "qr"
	MethodManual CheckInMethod = "manual"
)

// Badge classifies the check-in outcome shown to the scanning staff.
type Badge string

const (
	BadgeRegistered       Badge = "REGISTERED"
	BadgeNotRegistered    Badge = "NOT_REGISTERED"
	BadgeAlreadyCheckedIn Badge = "ALREADY_CHECKED_IN"
)

// CheckInRecord is one accepted check-in. At most one active record exists
// per (participant, session) pair; the store enforces this inside the insert
// transaction.
type CheckInRecord struct {
	ID            string        `json:"id"`
	ParticipantID string        `json:"participantId"`
	SessionID     string        `json:"sessionId"`
	CheckedInAt   time.Time     `json:"checkedInAt"`
	Method        CheckInMethod `json:"method"`
	IsLate        bool          `json:"isLate"`
	Badge         Badge         `json:"badge"`
}

// DeclinedCheckIn is an audit entry for a declined scan. Declines never touch
// capacity counters.
type DeclinedCheckIn struct {
	ID            string    `json:"id"`
	ParticipantID string    `json:"participantId"`
	SessionID     string    `json:"sessionId"`
	Reason        string    `json:"reason"`
	DeclinedAt    time.Time `json:"declinedAt"`
}

// Participant is the minimal participant projection the check-in path needs.
type Participant struct {
	ID         string   `json:"id"`
	Name       string   `json:"name"`
	QRCode     string   `json:"qrCode"`
	SessionIDs []string `json:"sessionIds,omitempty"` // registered sessions
}

// RegisteredFor reports whether the participant is registered for a session.
func (p *Participant) RegisteredFor(sessionID string) bool {
	for _, id := range p.SessionIDs {
		if id == sessionID {
			return true
		}
	}
	return false
}
