package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/turtacn/CareCircle/internal/application/care"
	"github.com/turtacn/CareCircle/internal/config"
	"github.com/turtacn/CareCircle/internal/domain/presence"
	"github.com/turtacn/CareCircle/internal/infrastructure/auth/token"
	"github.com/turtacn/CareCircle/internal/infrastructure/database/memory"
	"github.com/turtacn/CareCircle/internal/infrastructure/monitoring/logging"
	"github.com/turtacn/CareCircle/internal/infrastructure/monitoring/prometheus"
	"github.com/turtacn/CareCircle/internal/interfaces/http/handlers"
	"github.com/turtacn/CareCircle/internal/interfaces/http/middleware"
	"github.com/turtacn/CareCircle/pkg/clock"
	"github.com/turtacn/CareCircle/pkg/errors"
)

func init() {
	gin.SetMode(gin.TestMode)
}

var t0 = time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)

type apiFixture struct {
	router *gin.Engine
	tokens *token.Manager
	clk    *clock.Manual
}

type fixtureOption func(*RouterConfig)

func newFixture(t *testing.T, opts ...fixtureOption) *apiFixture {
	t.Helper()
	clk := clock.NewManual(t0)
	members := memory.NewMemberRepository()
	svc, err := care.NewService(care.Dependencies{
		Families:    memory.NewFamilyRepository(members),
		Children:    memory.NewChildRepository(),
		Members:     members,
		Events:      memory.NewEventRepository(),
		Conflicts:   memory.NewConflictRepository(),
		Invitations: memory.NewInvitationRepository(),
		Cursors:     memory.NewCursorRepository(),
		Presence:    presence.NewMemoryStore(clk.Now),
		Clock:       clk,
	}, config.CareConfig{
		Presence:   config.PresenceConfig{Timeout: time.Minute, SweepInterval: 10 * time.Second, Retention: time.Hour},
		Escalation: config.EscalationConfig{Timeout: 24 * time.Hour},
		Sync:       config.SyncConfig{MaxBatch: 50, MaxAttempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Shutdown(context.Background()) })

	tokens, err := token.NewManager(config.AuthConfig{JWTSecret: "router-test-secret-0123456789", TokenTTL: time.Hour})
	require.NoError(t, err)

	cfg := RouterConfig{
		Family:     handlers.NewFamilyHandler(svc),
		Activity:   handlers.NewActivityHandler(svc),
		Presence:   handlers.NewPresenceHandler(svc),
		Conflict:   handlers.NewConflictHandler(svc),
		Invitation: handlers.NewInvitationHandler(svc),
		Grant:      handlers.NewGrantHandler(svc),
		Sync:       handlers.NewSyncHandler(svc),
		Stream:     handlers.NewStreamHandler(svc, handlers.StreamConfig{PingInterval: time.Second}, logging.NewNopLogger()),
		Health:     handlers.NewHealthHandler("test"),
		Verifier:   tokens,
		Logging:    middleware.DefaultLoggingConfig(),
		Logger:     logging.NewNopLogger(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &apiFixture{router: NewRouter(cfg), tokens: tokens, clk: clk}
}

type envelope struct {
	Data  json.RawMessage        `json:"data"`
	Meta  *handlers.Meta         `json:"meta"`
	Error middleware.ErrorDetail `json:"error"`
}

func (f *apiFixture) do(t *testing.T, userID, method, path string, body interface{}) (int, envelope) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if userID != "" {
		raw, _, err := f.tokens.Issue(userID, userID, 0)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+raw)
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)

	var env envelope
	if w.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env), w.Body.String())
	}
	return w.Code, env
}

func decode(t *testing.T, env envelope, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(env.Data, v))
}

type ref struct {
	ID      string `json:"id"`
	Version int64  `json:"version"`
}

// setupFamily creates a family owned by u-owner with one child and returns
// their IDs.
func (f *apiFixture) setupFamily(t *testing.T) (familyID, childID string) {
	t.Helper()
	code, env := f.do(t, "u-owner", http.MethodPost, "/api/v1/families", map[string]string{"name": "Rivera"})
	require.Equal(t, http.StatusCreated, code, env.Error.Message)
	var view struct {
		Family ref `json:"family"`
		Member ref `json:"member"`
	}
	decode(t, env, &view)

	code, env = f.do(t, "u-owner", http.MethodPost, "/api/v1/families/"+view.Family.ID+"/children", map[string]string{"name": "Mia"})
	require.Equal(t, http.StatusCreated, code, env.Error.Message)
	var child ref
	decode(t, env, &child)
	return view.Family.ID, child.ID
}

func (f *apiFixture) join(t *testing.T, familyID, userID, role string) string {
	t.Helper()
	code, env := f.do(t, "u-owner", http.MethodPost, "/api/v1/families/"+familyID+"/invitations", map[string]interface{}{
		"contact": map[string]string{"method": "link"},
		"role":    role,
	})
	require.Equal(t, http.StatusCreated, code, env.Error.Message)
	var inv struct {
		Token string `json:"token"`
	}
	decode(t, env, &inv)
	require.NotEmpty(t, inv.Token)

	code, env = f.do(t, userID, http.MethodPost, "/api/v1/invitations/accept", map[string]string{"token": inv.Token})
	require.Equal(t, http.StatusOK, code, env.Error.Message)
	var res struct {
		Member ref `json:"member"`
	}
	decode(t, env, &res)
	return res.Member.ID
}

func (f *apiFixture) logDiaper(t *testing.T, userID, familyID, childID string, at time.Time, payload map[string]interface{}) (int, envelope) {
	t.Helper()
	return f.do(t, userID, http.MethodPost,
		fmt.Sprintf("/api/v1/families/%s/children/%s/activities", familyID, childID),
		map[string]interface{}{"type": "diaper", "payload": payload, "client_timestamp": at})
}

func TestRouter_ProbesArePublic(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	code, _ := f.do(t, "", http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, code)
	code, _ = f.do(t, "", http.MethodGet, "/readyz", nil)
	assert.Equal(t, http.StatusOK, code)

	code, env := f.do(t, "", http.MethodGet, "/api/v1/families", nil)
	assert.Equal(t, http.StatusUnauthorized, code)
	assert.Equal(t, string(errors.ErrCodeUnauthorized), env.Error.Code)

	code, env = f.do(t, "u-owner", http.MethodGet, "/api/v1/nowhere", nil)
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, string(errors.ErrCodeNotFound), env.Error.Code)
}

func TestRouter_ReadinessReportsFailingDependency(t *testing.T) {
	t.Parallel()
	f := newFixture(t, func(cfg *RouterConfig) {
		cfg.Health = handlers.NewHealthHandler("test",
			handlers.CheckFunc{Label: "postgres", Fn: func(context.Context) error { return nil }},
			handlers.CheckFunc{Label: "redis", Fn: func(context.Context) error { return fmt.Errorf("dial tcp: refused") }},
		)
	})
	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)

	require.Equal(t, http.StatusServiceUnavailable, w.Code)
	var body handlers.HealthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "down", body.Status)
	assert.Equal(t, "up", body.Components["postgres"].Status)
	assert.Contains(t, body.Components["redis"].Error, "refused")
}

func TestRouter_MetricsEndpoint(t *testing.T) {
	t.Parallel()
	collector, err := prometheus.NewMetricsCollector(prometheus.CollectorConfig{Namespace: "carecircle"}, logging.NewNopLogger())
	require.NoError(t, err)
	f := newFixture(t, func(cfg *RouterConfig) {
		cfg.MetricsCollector = collector
		cfg.Metrics = prometheus.NewCareMetrics(collector)
	})
	f.do(t, "u-owner", http.MethodGet, "/api/v1/families", nil)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "http_requests_total")
	assert.Contains(t, w.Body.String(), `path="/api/v1/families"`)
}

func TestRouter_FamilyAndInvitations(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	familyID, _ := f.setupFamily(t)
	f.join(t, familyID, "u-partner", "parent")

	code, env := f.do(t, "u-partner", http.MethodGet, "/api/v1/families", nil)
	require.Equal(t, http.StatusOK, code)
	var fams []ref
	decode(t, env, &fams)
	require.Len(t, fams, 1)
	assert.Equal(t, familyID, fams[0].ID)

	code, env = f.do(t, "u-owner", http.MethodGet, "/api/v1/families/"+familyID+"/members", nil)
	require.Equal(t, http.StatusOK, code)
	var members []ref
	decode(t, env, &members)
	assert.Len(t, members, 2)

	// Outsiders learn nothing about the family.
	code, env = f.do(t, "u-stranger", http.MethodGet, "/api/v1/families/"+familyID, nil)
	assert.Equal(t, http.StatusForbidden, code)
	assert.Equal(t, string(errors.ErrCodePermissionDenied), env.Error.Code)

	code, env = f.do(t, "u-other", http.MethodPost, "/api/v1/invitations/accept", map[string]string{"token": "not-a-token"})
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, string(errors.ErrCodeInvitationNotFound), env.Error.Code)

	code, env = f.do(t, "u-other", http.MethodPost, "/api/v1/invitations/accept", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, string(errors.ErrCodeValidation), env.Error.Code)
}

func TestRouter_DuplicateActivityOpensAndResolvesConflict(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	familyID, childID := f.setupFamily(t)
	f.join(t, familyID, "u-partner", "parent")
	f.join(t, familyID, "u-nanny", "professional")
	f.clk.Set(t0.Add(3 * time.Minute))

	code, env := f.logDiaper(t, "u-partner", familyID, childID, t0, map[string]interface{}{"kind": "wet"})
	require.Equal(t, http.StatusCreated, code, env.Error.Message)
	assert.Nil(t, env.Meta)

	code, env = f.logDiaper(t, "u-nanny", familyID, childID, t0.Add(2*time.Minute), map[string]interface{}{"kind": "wet", "cream": true})
	require.Equal(t, http.StatusCreated, code, env.Error.Message)
	require.NotNil(t, env.Meta, "second write reports the pending conflict")
	assert.Equal(t, string(errors.ErrCodeConflictPending), env.Meta.Code)
	var appended struct {
		Conflict ref `json:"conflict"`
	}
	decode(t, env, &appended)
	require.NotEmpty(t, appended.Conflict.ID)

	code, env = f.do(t, "u-owner", http.MethodGet, "/api/v1/families/"+familyID+"/conflicts?status=pending", nil)
	require.Equal(t, http.StatusOK, code)
	var pending []ref
	decode(t, env, &pending)
	require.Len(t, pending, 1)

	resolvePath := fmt.Sprintf("/api/v1/families/%s/conflicts/%s/resolve", familyID, appended.Conflict.ID)
	code, env = f.do(t, "u-owner", http.MethodPost, resolvePath, map[string]interface{}{
		"resolution":       "merge",
		"expected_version": pending[0].Version,
	})
	require.Equal(t, http.StatusOK, code, env.Error.Message)
	var outcome struct {
		Conflict struct {
			Status string `json:"status"`
		} `json:"conflict"`
		Canonical ref `json:"canonical"`
	}
	decode(t, env, &outcome)
	assert.Equal(t, "MERGED", outcome.Conflict.Status)
	assert.NotEmpty(t, outcome.Canonical.ID)

	// A second resolver working from the same version loses the race.
	code, env = f.do(t, "u-owner", http.MethodPost, resolvePath, map[string]interface{}{
		"resolution":       "KEEP_SEPARATE",
		"expected_version": pending[0].Version,
	})
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, string(errors.ErrCodeAlreadyResolved), env.Error.Code)
	assert.True(t, env.Error.Retryable)

	code, env = f.do(t, "u-owner", http.MethodGet, "/api/v1/families/"+familyID+"/activities", nil)
	require.Equal(t, http.StatusOK, code)
	var feed []ref
	decode(t, env, &feed)
	assert.Len(t, feed, 1, "merged sources are hidden from the default feed")
}

func TestRouter_AppendIdempotencyKey(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	familyID, childID := f.setupFamily(t)
	raw, _, err := f.tokens.Issue("u-owner", "", 0)
	require.NoError(t, err)

	post := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost,
			fmt.Sprintf("/api/v1/families/%s/children/%s/activities", familyID, childID),
			strings.NewReader(`{"type":"bath"}`))
		req.Header.Set("Authorization", "Bearer "+raw)
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Idempotency-Key", "5a0c9e71-3d2f-4b86-a1e4-6f7d8c9b0a12")
		w := httptest.NewRecorder()
		f.router.ServeHTTP(w, req)
		return w
	}

	first := post()
	require.Equal(t, http.StatusCreated, first.Code, first.Body.String())
	again := post()
	require.Equal(t, http.StatusOK, again.Code, again.Body.String())

	var env envelope
	require.NoError(t, json.Unmarshal(again.Body.Bytes(), &env))
	var res struct {
		Event    ref  `json:"event"`
		Replayed bool `json:"replayed"`
	}
	decode(t, env, &res)
	assert.True(t, res.Replayed)
	assert.Equal(t, "5a0c9e71-3d2f-4b86-a1e4-6f7d8c9b0a12", res.Event.ID)

	code, env := f.do(t, "u-owner", http.MethodGet, "/api/v1/families/"+familyID+"/activities", nil)
	require.Equal(t, http.StatusOK, code)
	var feed []ref
	decode(t, env, &feed)
	assert.Len(t, feed, 1)
}

func TestRouter_RequestValidation(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	familyID, childID := f.setupFamily(t)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/families", strings.NewReader("{not json"))
	raw, _, err := f.tokens.Issue("u-owner", "", 0)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+raw)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	code, env := f.do(t, "u-owner", http.MethodGet, "/api/v1/families/"+familyID+"/activities?limit=5000", nil)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, string(errors.ErrCodeValidation), env.Error.Code)

	code, _ = f.do(t, "u-owner", http.MethodGet, "/api/v1/families/"+familyID+"/activities?since=yesterday", nil)
	assert.Equal(t, http.StatusBadRequest, code)

	code, env = f.do(t, "u-owner", http.MethodPost,
		fmt.Sprintf("/api/v1/families/%s/children/%s/activities", familyID, childID),
		map[string]string{"type": "juggling"})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.NotEmpty(t, env.Error.Code)
}

func TestRouter_GrantsAndPresence(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	familyID, childID := f.setupFamily(t)
	partnerID := f.join(t, familyID, "u-partner", "family_relative")

	code, env := f.do(t, "u-owner", http.MethodPost,
		fmt.Sprintf("/api/v1/families/%s/members/%s/capabilities/CAN_EXPORT_DATA", familyID, partnerID), nil)
	require.Equal(t, http.StatusOK, code, env.Error.Message)
	var member struct {
		Capabilities map[string]bool `json:"capabilities"`
	}
	decode(t, env, &member)
	assert.True(t, member.Capabilities["can_export_data"])

	code, env = f.do(t, "u-partner", http.MethodPost,
		fmt.Sprintf("/api/v1/families/%s/members/%s/capabilities/can_invite", familyID, partnerID), nil)
	assert.Equal(t, http.StatusForbidden, code)
	assert.Equal(t, string(errors.ErrCodePermissionDenied), env.Error.Code)

	code, env = f.do(t, "u-partner", http.MethodPost, "/api/v1/families/"+familyID+"/presence/heartbeat",
		map[string]string{"status": "caring", "child_id": childID})
	require.Equal(t, http.StatusOK, code, env.Error.Message)

	code, env = f.do(t, "u-owner", http.MethodGet, "/api/v1/families/"+familyID+"/presence", nil)
	require.Equal(t, http.StatusOK, code)
	var records []struct {
		UserID string `json:"user_id"`
		Status string `json:"status"`
	}
	decode(t, env, &records)
	require.Len(t, records, 1)
	assert.Equal(t, "u-partner", records[0].UserID)
	assert.Equal(t, "CARING", records[0].Status)
}

func TestRouter_SyncBatch(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	familyID, childID := f.setupFamily(t)

	body := map[string]interface{}{
		"device_id": "phone-1",
		"actions": []map[string]interface{}{
			{"device_seq": 1, "kind": "append", "append": map[string]interface{}{"child_id": childID, "type": "bath"}},
			{"device_seq": 2, "kind": "heartbeat", "heartbeat": map[string]interface{}{"status": "online"}},
		},
	}
	code, env := f.do(t, "u-owner", http.MethodPost, "/api/v1/families/"+familyID+"/sync", body)
	require.Equal(t, http.StatusOK, code, env.Error.Message)
	var res struct {
		Results []struct {
			Outcome string `json:"outcome"`
		} `json:"results"`
		LastSeq int64 `json:"last_seq"`
	}
	decode(t, env, &res)
	require.Len(t, res.Results, 2)
	assert.Equal(t, "committed", res.Results[0].Outcome)
	assert.Equal(t, "committed", res.Results[1].Outcome)
	assert.Equal(t, int64(2), res.LastSeq)

	// Replaying the same batch is idempotent.
	code, env = f.do(t, "u-owner", http.MethodPost, "/api/v1/families/"+familyID+"/sync", body)
	require.Equal(t, http.StatusOK, code)
	decode(t, env, &res)
	assert.Equal(t, "duplicate", res.Results[0].Outcome)
}

func TestRouter_ActivityStream(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	familyID, childID := f.setupFamily(t)
	srv := httptest.NewServer(f.router)
	defer srv.Close()

	wsURL := func(userID string) string {
		raw, _, err := f.tokens.Issue(userID, "", 0)
		require.NoError(t, err)
		return "ws" + strings.TrimPrefix(srv.URL, "http") +
			"/api/v1/families/" + familyID + "/activities/stream?access_token=" + raw
	}

	_, resp, err := websocket.DefaultDialer.Dial(wsURL("u-stranger"), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	_ = resp.Body.Close()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL("u-owner"), nil)
	require.NoError(t, err)
	defer conn.Close()

	code, env := f.logDiaper(t, "u-owner", familyID, childID, t0, map[string]interface{}{"kind": "dirty"})
	require.Equal(t, http.StatusCreated, code, env.Error.Message)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	var msg struct {
		Kind     string `json:"kind"`
		FamilyID string `json:"family_id"`
		Activity struct {
			ChildID string `json:"child_id"`
			Type    string `json:"type"`
		} `json:"activity"`
	}
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "activity", msg.Kind)
	assert.Equal(t, familyID, msg.FamilyID)
	assert.Equal(t, childID, msg.Activity.ChildID)
	assert.Equal(t, "diaper", msg.Activity.Type)
}
