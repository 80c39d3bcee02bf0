// SPDX-License-Identifier: MIT

// Package store provides the durable, authoritative state for sessions,
// check-in records and participants, plus the lease primitive the lifecycle
// scheduler uses for cross-instance mutual exclusion.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/eventra/checkind/internal/model"
)

var (
	// ErrSessionNotFound signals a lookup for a session id that does not exist.
	ErrSessionNotFound = errors.New("session not found")
	// ErrParticipantNotFound signals an unknown participant id or QR code.
	ErrParticipantNotFound = errors.New("participant not found")
	// ErrCapacityExceeded is returned by ReserveSlot when the conditional
	// increment finds the session full. Callers surface "session full".
	ErrCapacityExceeded = errors.New("session at capacity")
	// ErrDuplicateCheckIn is returned by InsertCheckIn when an active record
	// already exists for the (participant, session) pair.
	ErrDuplicateCheckIn = errors.New("participant already checked in")
)

// Store is the durable source of truth. All methods are safe for concurrent
// use; ReserveSlot and ReleaseSlot mutate the check-in counter atomically.
type Store interface {
	// Sessions
	PutSession(ctx context.Context, s *model.Session) error
	// GetSession returns ErrSessionNotFound when the id is unknown.
	GetSession(ctx context.Context, id string) (*model.Session, error)
	// UpdateSession applies fn to the current record inside one transaction.
	UpdateSession(ctx context.Context, id string, fn func(*model.Session) error) (*model.Session, error)
	DeleteSession(ctx context.Context, id string) error
	// ScanSessions streams all sessions; fn returning an error aborts the scan.
	ScanSessions(ctx context.Context, fn func(*model.Session) error) error

	// ReserveSlot increments CheckInsCount only while it is strictly below
	// Capacity, in a single transaction. It returns the post-increment
	// session, or ErrCapacityExceeded. Sessions with Capacity == 0 are not
	// valid arguments here; the capacity service short-circuits them.
	ReserveSlot(ctx context.Context, sessionID string) (*model.Session, error)
	// ReleaseSlot decrements CheckInsCount, clamped at zero, and returns the
	// post-decrement session.
	ReleaseSlot(ctx context.Context, sessionID string) (*model.Session, error)
	// SetCheckInsCount overwrites the counter (reconciliation only). The value
	// is clamped into [0, Capacity] for bounded sessions.
	SetCheckInsCount(ctx context.Context, sessionID string, count int) error

	// Check-in records
	// InsertCheckIn fails with ErrDuplicateCheckIn when a record for the
	// (participant, session) pair already exists; check and insert happen in
	// the same transaction.
	InsertCheckIn(ctx context.Context, rec *model.CheckInRecord) error
	GetCheckIn(ctx context.Context, sessionID, participantID string) (*model.CheckInRecord, error)
	DeleteCheckIn(ctx context.Context, sessionID, participantID string) error
	ListCheckIns(ctx context.Context, sessionID string) ([]*model.CheckInRecord, error)

	// Declines (audit only)
	PutDecline(ctx context.Context, d *model.DeclinedCheckIn) error

	// Participants
	PutParticipant(ctx context.Context, p *model.Participant) error
	GetParticipant(ctx context.Context, id string) (*model.Participant, error)
	GetParticipantByQR(ctx context.Context, qrCode string) (*model.Participant, error)

	// Leases for distributed single-instance execution.
	TryAcquireLease(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)
	RenewLease(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)
	ReleaseLease(ctx context.Context, key, owner string) error

	Close() error
}
