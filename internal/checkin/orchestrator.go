// SPDX-License-Identifier: MIT

// Package checkin decides accept/decline for scanned participants and owns
// the compensation path when a reserved slot cannot be backed by a record.
package checkin

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/eventra/checkind/internal/capacity"
	"github.com/eventra/checkind/internal/metrics"
	"github.com/eventra/checkind/internal/model"
	"github.com/eventra/checkind/internal/store"
)

var (
	// ErrAlreadyCheckedIn is surfaced instead of a generic failure when the
	// record insert hits the uniqueness constraint.
	ErrAlreadyCheckedIn = errors.New("participant already checked in")
	// ErrNotRegistered is returned by Accept for sessions that require
	// registration when the participant lacks one.
	ErrNotRegistered = errors.New("participant not registered for session")
)

// VerificationResult is what the scanning client sees before accept/decline.
type VerificationResult struct {
	Participant    *model.Participant      `json:"participant,omitempty"`
	Badge          model.Badge             `json:"badge"`
	CapacityStatus capacity.CapacityStatus `json:"capacityStatus"`
	CanAccept      bool                    `json:"canAccept"`
	CanDecline     bool                    `json:"canDecline"`
}

// Orchestrator runs the per-scan state machine. Server time is authoritative
// for lateness; client-supplied timestamps are never trusted.
type Orchestrator struct {
	store    store.Store
	capacity *capacity.Service
	logger   zerolog.Logger

	// lateThresholdMinutes is the global default; sessions may override it.
	lateThresholdMinutes int

	now func() time.Time
}

// New creates the orchestrator.
func New(st store.Store, cap *capacity.Service, lateThresholdMinutes int, logger zerolog.Logger) *Orchestrator {
	return &Orchestrator{
		store:                st,
		capacity:             cap,
		logger:               logger,
		lateThresholdMinutes: lateThresholdMinutes,
		now:                  time.Now,
	}
}

// Verify resolves a QR code against a session: participant lookup, duplicate
// check, registration check, and an advisory capacity read. It mutates
// nothing.
func (o *Orchestrator) Verify(ctx context.Context, qrCode, sessionID string) (VerificationResult, error) {
	sess, err := o.store.GetSession(ctx, sessionID)
	if err != nil {
		return VerificationResult{}, err
	}

	participant, err := o.store.GetParticipantByQR(ctx, qrCode)
	if err != nil {
		return VerificationResult{}, err
	}

	status, err := o.capacity.GetCapacityStatus(ctx, sessionID)
	if err != nil {
		return VerificationResult{}, err
	}

	existing, err := o.store.GetCheckIn(ctx, sessionID, participant.ID)
	if err != nil {
		return VerificationResult{}, err
	}
	if existing != nil {
		// Terminal: no further mutation allowed for this pair.
		return VerificationResult{
			Participant:    participant,
			Badge:          model.BadgeAlreadyCheckedIn,
			CapacityStatus: status,
			CanAccept:      false,
			CanDecline:     false,
		}, nil
	}

	badge := model.BadgeRegistered
	if sess.RequiresRegistration && !participant.RegisteredFor(sessionID) {
		badge = model.BadgeNotRegistered
	}

	return VerificationResult{
		Participant:    participant,
		Badge:          badge,
		CapacityStatus: status,
		CanAccept:      badge == model.BadgeRegistered,
		CanDecline:     true,
	}, nil
}

// Accept reserves a slot and writes the check-in record. "At capacity" is
// decided solely by the reservation's store transaction, never by the
// advisory status read. If the record insert fails after a successful
// reservation, the slot is released before the error surfaces.
func (o *Orchestrator) Accept(ctx context.Context, participantID, sessionID string) (*model.CheckInRecord, error) {
	sess, err := o.store.GetSession(ctx, sessionID)
	if err != nil {
		metrics.CheckInResult("error")
		return nil, err
	}

	participant, err := o.store.GetParticipant(ctx, participantID)
	if err != nil {
		metrics.CheckInResult("error")
		return nil, err
	}

	if sess.RequiresRegistration && !participant.RegisteredFor(sessionID) {
		metrics.CheckInResult("declined")
		return nil, ErrNotRegistered
	}

	reservation, err := o.capacity.Reserve(ctx, sessionID)
	if err != nil {
		if errors.Is(err, capacity.ErrCapacityExceeded) {
			metrics.CheckInResult("capacity")
			return nil, fmt.Errorf("%w: %d/%d checked in", err, reservation.CheckInsCount, reservation.Capacity)
		}
		metrics.CheckInResult("error")
		return nil, err
	}

	checkedInAt := o.now()
	threshold := time.Duration(sess.EffectiveLateThresholdMinutes(o.lateThresholdMinutes)) * time.Minute
	rec := &model.CheckInRecord{
		ID:            uuid.NewString(),
		ParticipantID: participantID,
		SessionID:     sessionID,
		CheckedInAt:   checkedInAt,
		Method:        model.MethodQR,
		IsLate:        checkedInAt.After(sess.StartTime.Add(threshold)),
		Badge:         model.BadgeRegistered,
	}

	if err := o.store.InsertCheckIn(ctx, rec); err != nil {
		// Compensation: give the slot back before surfacing anything.
		if relErr := o.capacity.Release(ctx, sessionID); relErr != nil {
			o.logger.Error().
				Err(relErr).
				Str("event", "checkin.release_failed").
				Str("session_id", sessionID).
				Str("participant_id", participantID).
				Msg("failed to release slot after insert failure")
		}
		if errors.Is(err, store.ErrDuplicateCheckIn) {
			metrics.CheckInResult("duplicate")
			return nil, ErrAlreadyCheckedIn
		}
		metrics.CheckInResult("error")
		return nil, fmt.Errorf("insert check-in: %w", err)
	}

	metrics.CheckInResult("accepted")
	o.logger.Info().
		Str("event", "checkin.accepted").
		Str("session_id", sessionID).
		Str("participant_id", participantID).
		Bool("late", rec.IsLate).
		Msg("participant checked in")
	return rec, nil
}

// Decline records an audit entry. It performs no capacity mutation.
func (o *Orchestrator) Decline(ctx context.Context, participantID, sessionID, reason string) error {
	d := &model.DeclinedCheckIn{
		ID:            uuid.NewString(),
		ParticipantID: participantID,
		SessionID:     sessionID,
		Reason:        reason,
		DeclinedAt:    o.now(),
	}
	if err := o.store.PutDecline(ctx, d); err != nil {
		return fmt.Errorf("record decline: %w", err)
	}

	metrics.CheckInResult("declined")
	o.logger.Info().
		Str("event", "checkin.declined").
		Str("session_id", sessionID).
		Str("participant_id", participantID).
		Str("reason", reason).
		Msg("check-in declined")
	return nil
}
