// SPDX-License-Identifier: MIT

package api_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eventra/checkind/internal/api"
	"github.com/eventra/checkind/internal/cache"
	"github.com/eventra/checkind/internal/capacity"
	"github.com/eventra/checkind/internal/checkin"
	"github.com/eventra/checkind/internal/lifecycle"
	"github.com/eventra/checkind/internal/model"
	"github.com/eventra/checkind/internal/store"
)

func newTestServer(t *testing.T) (*httptest.Server, store.Store) {
	t.Helper()
	st, err := store.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, st.Close())
	})
	ca := cache.NewMemoryCache(0)
	t.Cleanup(func() {
		require.NoError(t, ca.Close())
	})

	capSvc := capacity.New(st, ca, capacity.NewKeyspace("test:"), capacity.TTLConfig{
		Counter:        time.Hour,
		CapacityStatus: 5 * time.Second,
		Stats:          30 * time.Second,
	}, zerolog.Nop())
	orch := checkin.New(st, capSvc, 15, zerolog.Nop())
	sched := lifecycle.NewScheduler(st, lifecycle.Defaults{AutoOpenMinutes: 10}, 30*time.Second, zerolog.Nop())

	srv := httptest.NewServer(api.New(st, capSvc, orch, sched, zerolog.Nop()).Router())
	t.Cleanup(srv.Close)
	return srv, st
}

func postJSON(t *testing.T, srv *httptest.Server, path string, body any) *http.Response {
	t.Helper()
	buf, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(srv.URL+path, "application/json", bytes.NewReader(buf))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var out T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func seedParticipant(t *testing.T, st store.Store, id, qr string, sessions ...string) {
	t.Helper()
	require.NoError(t, st.PutParticipant(t.Context(), &model.Participant{
		ID: id, Name: "Participant " + id, QRCode: qr, SessionIDs: sessions,
	}))
}

func seedSession(t *testing.T, st store.Store, id string, capacityLimit, count int) {
	t.Helper()
	now := time.Now()
	require.NoError(t, st.PutSession(t.Context(), &model.Session{
		ID: id, Name: "Session " + id,
		StartTime: now.Add(-time.Hour), EndTime: now.Add(time.Hour),
		Capacity: capacityLimit, CheckInsCount: count,
		Lifecycle: model.LifecycleOpen, IsOpen: true,
	}))
}

func TestHealthz(t *testing.T) {
	srv, _ := newTestServer(t)
	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestMetricsEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)
	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestSessionLifecycleOverHTTP(t *testing.T) {
	srv, _ := newTestServer(t)
	start := time.Now().Add(time.Hour).UTC().Truncate(time.Second)

	resp := postJSON(t, srv, "/api/v1/sessions/", map[string]any{
		"name":      "Main Hall",
		"startTime": start,
		"endTime":   start.Add(time.Hour),
		"capacity":  50,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	created := decodeBody[model.Session](t, resp)
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, model.LifecycleScheduled, created.Lifecycle)

	getResp, err := http.Get(srv.URL + "/api/v1/sessions/" + created.ID)
	require.NoError(t, err)
	defer getResp.Body.Close()
	require.Equal(t, http.StatusOK, getResp.StatusCode)

	// Manual open via PATCH.
	buf, _ := json.Marshal(map[string]bool{"isOpen": true})
	req, err := http.NewRequest(http.MethodPatch, srv.URL+"/api/v1/sessions/"+created.ID+"/open", bytes.NewReader(buf))
	require.NoError(t, err)
	patchResp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer patchResp.Body.Close()
	require.Equal(t, http.StatusOK, patchResp.StatusCode)
	opened := decodeBody[model.Session](t, patchResp)
	assert.Equal(t, model.LifecycleOpen, opened.Lifecycle)
	assert.True(t, opened.IsOpen)

	capResp, err := http.Get(srv.URL + "/api/v1/sessions/" + created.ID + "/capacity")
	require.NoError(t, err)
	defer capResp.Body.Close()
	require.Equal(t, http.StatusOK, capResp.StatusCode)
	status := decodeBody[capacity.CapacityStatus](t, capResp)
	assert.Equal(t, 50, status.Capacity)
	assert.Equal(t, 50, status.Remaining)
}

func TestCreateSession_Validation(t *testing.T) {
	srv, _ := newTestServer(t)
	start := time.Now().Add(time.Hour)

	tests := []struct {
		name string
		body map[string]any
	}{
		{"missing name", map[string]any{"startTime": start, "endTime": start.Add(time.Hour)}},
		{"end before start", map[string]any{"name": "x", "startTime": start, "endTime": start.Add(-time.Hour)}},
		{"negative capacity", map[string]any{"name": "x", "startTime": start, "endTime": start.Add(time.Hour), "capacity": -1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := postJSON(t, srv, "/api/v1/sessions/", tt.body)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		})
	}
}

func TestCheckInFlow(t *testing.T) {
	srv, st := newTestServer(t)
	seedSession(t, st, "s1", 2, 0)
	seedParticipant(t, st, "p1", "QR-1", "s1")

	// Verify.
	resp := postJSON(t, srv, "/api/v1/checkin/verify", map[string]string{"qrCode": "QR-1", "sessionId": "s1"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	vr := decodeBody[checkin.VerificationResult](t, resp)
	assert.Equal(t, model.BadgeRegistered, vr.Badge)
	assert.True(t, vr.CanAccept)

	// Accept.
	resp = postJSON(t, srv, "/api/v1/checkin/accept", map[string]string{"participantId": "p1", "sessionId": "s1"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	rec := decodeBody[model.CheckInRecord](t, resp)
	assert.Equal(t, "p1", rec.ParticipantID)
	assert.True(t, rec.IsLate, "session started an hour ago")

	// Second accept for the same pair conflicts.
	resp = postJSON(t, srv, "/api/v1/checkin/accept", map[string]string{"participantId": "p1", "sessionId": "s1"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	body := decodeBody[map[string]string](t, resp)
	assert.Equal(t, "already_checked_in", body["error"])
}

func TestDeclineFlow(t *testing.T) {
	srv, st := newTestServer(t)
	seedSession(t, st, "s1", 10, 0)
	seedParticipant(t, st, "p1", "QR-1")

	resp := postJSON(t, srv, "/api/v1/checkin/decline", map[string]string{
		"participantId": "p1", "sessionId": "s1", "reason": "wrong event",
	})
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestErrorStatusMapping(t *testing.T) {
	srv, st := newTestServer(t)
	seedSession(t, st, "full", 1, 1)
	seedSession(t, st, "gated", 10, 0)
	_, err := st.UpdateSession(t.Context(), "gated", func(s *model.Session) error {
		s.RequiresRegistration = true
		return nil
	})
	require.NoError(t, err)
	seedParticipant(t, st, "p1", "QR-1")

	tests := []struct {
		name       string
		path       string
		body       map[string]string
		wantStatus int
		wantCode   string
	}{
		{
			name:       "unknown session",
			path:       "/api/v1/checkin/verify",
			body:       map[string]string{"qrCode": "QR-1", "sessionId": "ghost"},
			wantStatus: http.StatusNotFound,
			wantCode:   "session_not_found",
		},
		{
			name:       "unknown participant",
			path:       "/api/v1/checkin/verify",
			body:       map[string]string{"qrCode": "QR-ghost", "sessionId": "full"},
			wantStatus: http.StatusNotFound,
			wantCode:   "participant_not_found",
		},
		{
			name:       "session at capacity",
			path:       "/api/v1/checkin/accept",
			body:       map[string]string{"participantId": "p1", "sessionId": "full"},
			wantStatus: http.StatusConflict,
			wantCode:   "at_capacity",
		},
		{
			name:       "not registered",
			path:       "/api/v1/checkin/accept",
			body:       map[string]string{"participantId": "p1", "sessionId": "gated"},
			wantStatus: http.StatusForbidden,
			wantCode:   "not_registered",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := postJSON(t, srv, tt.path, tt.body)
			assert.Equal(t, tt.wantStatus, resp.StatusCode)
			body := decodeBody[map[string]string](t, resp)
			assert.Equal(t, tt.wantCode, body["error"])
		})
	}
}

func TestCreateParticipantAndVerify(t *testing.T) {
	srv, st := newTestServer(t)
	seedSession(t, st, "s1", 10, 0)

	resp := postJSON(t, srv, "/api/v1/participants", map[string]any{
		"name":       "Grace",
		"qrCode":     "QR-G",
		"sessionIds": []string{"s1"},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	p := decodeBody[model.Participant](t, resp)
	assert.NotEmpty(t, p.ID)

	resp = postJSON(t, srv, "/api/v1/checkin/verify", map[string]string{"qrCode": "QR-G", "sessionId": "s1"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestStatsEndpoint(t *testing.T) {
	srv, st := newTestServer(t)
	seedSession(t, st, "s1", 10, 4)
	seedSession(t, st, "s2", 5, 5)

	resp, err := http.Get(srv.URL + "/api/v1/stats")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	stats := decodeBody[capacity.Stats](t, resp)
	assert.Equal(t, 2, stats.Sessions)
	assert.Equal(t, 9, stats.TotalCheckIns)
	assert.Equal(t, 1, stats.SessionsAtCapacity)
}

func TestSchedulerEndpoints(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := postJSON(t, srv, "/api/v1/scheduler/pause", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	status := decodeBody[lifecycle.QueueStatus](t, resp)
	assert.True(t, status.Paused)

	resp = postJSON(t, srv, "/api/v1/scheduler/resume", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	status = decodeBody[lifecycle.QueueStatus](t, resp)
	assert.False(t, status.Paused)

	resp = postJSON(t, srv, "/api/v1/scheduler/force-cycle", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	status = decodeBody[lifecycle.QueueStatus](t, resp)
	require.Len(t, status.Jobs, 2)
	for _, js := range status.Jobs {
		assert.Equal(t, "ok", js.LastOutcome)
	}

	getResp, err := http.Get(srv.URL + "/api/v1/scheduler/status")
	require.NoError(t, err)
	defer getResp.Body.Close()
	assert.Equal(t, http.StatusOK, getResp.StatusCode)
}

func TestInvalidJSON(t *testing.T) {
	srv, _ := newTestServer(t)
	resp, err := http.Post(srv.URL+"/api/v1/checkin/verify", "application/json", bytes.NewReader([]byte("{nope")))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRateLimitOnScanPath(t *testing.T) {
	srv, st := newTestServer(t)
	seedSession(t, st, "s1", 100, 0)
	seedParticipant(t, st, "p1", "QR-1", "s1")

	limited := false
	for i := 0; i < 70; i++ {
		resp := postJSON(t, srv, "/api/v1/checkin/verify", map[string]string{"qrCode": "QR-1", "sessionId": "s1"})
		if resp.StatusCode == http.StatusTooManyRequests {
			limited = true
			break
		}
	}
	assert.True(t, limited, "per-IP limit should trip within 70 requests")
}
