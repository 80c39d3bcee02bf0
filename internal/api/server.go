// SPDX-License-Identifier: MIT

// Package api exposes the HTTP surface over the check-in core. It is thin
// plumbing: validation, status mapping and JSON encoding only.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/eventra/checkind/internal/capacity"
	"github.com/eventra/checkind/internal/checkin"
	"github.com/eventra/checkind/internal/lifecycle"
	xlog "github.com/eventra/checkind/internal/log"
	"github.com/eventra/checkind/internal/model"
	"github.com/eventra/checkind/internal/store"
)

// Server bundles the handlers' collaborators.
type Server struct {
	store     store.Store
	capacity  *capacity.Service
	checkin   *checkin.Orchestrator
	scheduler *lifecycle.Scheduler
	logger    zerolog.Logger
}

// New creates the API server.
func New(st store.Store, cap *capacity.Service, orch *checkin.Orchestrator, sched *lifecycle.Scheduler, logger zerolog.Logger) *Server {
	return &Server{
		store:     st,
		capacity:  cap,
		checkin:   orch,
		scheduler: sched,
		logger:    logger,
	}
}

// Router builds the chi router with the full route tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(requestIDIntoLogContext)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/checkin", func(r chi.Router) {
			// The scan hot path gets a per-IP limit.
			r.Use(httprate.Limit(60, time.Minute, httprate.WithKeyFuncs(httprate.KeyByIP)))
			r.Post("/verify", s.handleVerify)
			r.Post("/accept", s.handleAccept)
			r.Post("/decline", s.handleDecline)
		})

		r.Route("/sessions", func(r chi.Router) {
			r.Post("/", s.handleCreateSession)
			r.Get("/", s.handleListSessions)
			r.Get("/{id}", s.handleGetSession)
			r.Patch("/{id}/open", s.handleSetOpen)
			r.Get("/{id}/capacity", s.handleCapacityStatus)
		})

		r.Post("/participants", s.handleCreateParticipant)
		r.Get("/stats", s.handleStats)

		r.Route("/scheduler", func(r chi.Router) {
			r.Get("/status", s.handleSchedulerStatus)
			r.Post("/force-cycle", s.handleForceCycle)
			r.Post("/pause", s.handlePause)
			r.Post("/resume", s.handleResume)
		})
	})

	return r
}

// requestIDIntoLogContext lifts chi's request id into the logging context so
// component loggers built from the request carry it.
func requestIDIntoLogContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if id := middleware.GetReqID(r.Context()); id != "" {
			r = r.WithContext(xlog.ContextWithRequestID(r.Context(), id))
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type verifyRequest struct {
	QRCode    string `json:"qrCode"`
	SessionID string `json:"sessionId"`
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	var req verifyRequest
	if !decode(w, r, &req) {
		return
	}
	if req.QRCode == "" || req.SessionID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "qrCode and sessionId are required")
		return
	}

	result, err := s.checkin.Verify(r.Context(), req.QRCode, req.SessionID)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type acceptRequest struct {
	ParticipantID string `json:"participantId"`
	SessionID     string `json:"sessionId"`
}

func (s *Server) handleAccept(w http.ResponseWriter, r *http.Request) {
	var req acceptRequest
	if !decode(w, r, &req) {
		return
	}
	if req.ParticipantID == "" || req.SessionID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "participantId and sessionId are required")
		return
	}

	rec, err := s.checkin.Accept(r.Context(), req.ParticipantID, req.SessionID)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

type declineRequest struct {
	ParticipantID string `json:"participantId"`
	SessionID     string `json:"sessionId"`
	Reason        string `json:"reason"`
}

func (s *Server) handleDecline(w http.ResponseWriter, r *http.Request) {
	var req declineRequest
	if !decode(w, r, &req) {
		return
	}
	if req.ParticipantID == "" || req.SessionID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "participantId and sessionId are required")
		return
	}

	if err := s.checkin.Decline(r.Context(), req.ParticipantID, req.SessionID, req.Reason); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusNoContent, nil)
}

type createSessionRequest struct {
	Name                 string    `json:"name"`
	StartTime            time.Time `json:"startTime"`
	EndTime              time.Time `json:"endTime"`
	Capacity             int       `json:"capacity"`
	Open                 bool      `json:"open"`
	RequiresRegistration bool      `json:"requiresRegistration"`
	AutoOpenMinutes      *int      `json:"autoOpenMinutes"`
	AutoEndGraceMinutes  *int      `json:"autoEndGraceMinutes"`
	LateThresholdMinutes *int      `json:"lateThresholdMinutes"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Name == "" || req.StartTime.IsZero() || req.EndTime.IsZero() {
		writeError(w, http.StatusBadRequest, "invalid_request", "name, startTime and endTime are required")
		return
	}
	if !req.EndTime.After(req.StartTime) {
		writeError(w, http.StatusBadRequest, "invalid_request", "endTime must be after startTime")
		return
	}
	if req.Capacity < 0 {
		writeError(w, http.StatusBadRequest, "invalid_request", "capacity must not be negative")
		return
	}

	lc := model.LifecycleScheduled
	if req.Open {
		lc = model.LifecycleOpen
	}
	now := time.Now()
	sess := &model.Session{
		ID:                   uuid.NewString(),
		Name:                 req.Name,
		StartTime:            req.StartTime,
		EndTime:              req.EndTime,
		Capacity:             req.Capacity,
		Lifecycle:            lc,
		IsOpen:               req.Open,
		RequiresRegistration: req.RequiresRegistration,
		AutoOpenMinutes:      req.AutoOpenMinutes,
		AutoEndGraceMinutes:  req.AutoEndGraceMinutes,
		LateThresholdMinutes: req.LateThresholdMinutes,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	if err := s.store.PutSession(r.Context(), sess); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	s.logger.Info().
		Str("event", "session.created").
		Str("session_id", sess.ID).
		Str("name", sess.Name).
		Int("capacity", sess.Capacity).
		Msg("session created")
	writeJSON(w, http.StatusCreated, sess)
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	var sessions []*model.Session
	err := s.store.ScanSessions(r.Context(), func(sess *model.Session) error {
		sessions = append(sessions, sess)
		return nil
	})
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sessions)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.capacity.GetSession(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

type setOpenRequest struct {
	IsOpen bool `json:"isOpen"`
}

func (s *Server) handleSetOpen(w http.ResponseWriter, r *http.Request) {
	var req setOpenRequest
	if !decode(w, r, &req) {
		return
	}
	sess, err := s.scheduler.SetOpen(r.Context(), chi.URLParam(r, "id"), req.IsOpen)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleCapacityStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.capacity.GetCapacityStatus(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

type createParticipantRequest struct {
	Name       string   `json:"name"`
	QRCode     string   `json:"qrCode"`
	SessionIDs []string `json:"sessionIds"`
}

func (s *Server) handleCreateParticipant(w http.ResponseWriter, r *http.Request) {
	var req createParticipantRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Name == "" || req.QRCode == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "name and qrCode are required")
		return
	}
	p := &model.Participant{
		ID:         uuid.NewString(),
		Name:       req.Name,
		QRCode:     req.QRCode,
		SessionIDs: req.SessionIDs,
	}
	if err := s.store.PutParticipant(r.Context(), p); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	s.logger.Info().
		Str("event", "participant.created").
		Str("participant_id", p.ID).
		Msg("participant created")
	writeJSON(w, http.StatusCreated, p)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.capacity.GetStats(r.Context())
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleSchedulerStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.scheduler.QueueStatus())
}

func (s *Server) handleForceCycle(w http.ResponseWriter, r *http.Request) {
	s.scheduler.ForceCycle(r.Context())
	writeJSON(w, http.StatusOK, s.scheduler.QueueStatus())
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	s.scheduler.Pause()
	writeJSON(w, http.StatusOK, s.scheduler.QueueStatus())
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	s.scheduler.Resume()
	writeJSON(w, http.StatusOK, s.scheduler.QueueStatus())
}

// writeDomainError maps core errors to explicit user-visible statuses; raw
// internal errors are never forwarded.
func (s *Server) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, store.ErrSessionNotFound):
		writeError(w, http.StatusNotFound, "session_not_found", "session does not exist")
	case errors.Is(err, store.ErrParticipantNotFound):
		writeError(w, http.StatusNotFound, "participant_not_found", "no participant matches this code")
	case errors.Is(err, capacity.ErrCapacityExceeded):
		writeError(w, http.StatusConflict, "at_capacity", "session is at capacity")
	case errors.Is(err, checkin.ErrAlreadyCheckedIn):
		writeError(w, http.StatusConflict, "already_checked_in", "participant is already checked in")
	case errors.Is(err, checkin.ErrNotRegistered):
		writeError(w, http.StatusForbidden, "not_registered", "participant is not registered for this session")
	default:
		logger := xlog.WithComponentFromContext(r.Context(), "api")
		logger.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
		writeError(w, http.StatusServiceUnavailable, "unavailable", "temporarily unavailable, try again")
	}
}

func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "request body is not valid JSON")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	if v == nil {
		w.WriteHeader(status)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, detail string) {
	writeJSON(w, status, map[string]string{"error": code, "detail": detail})
}
