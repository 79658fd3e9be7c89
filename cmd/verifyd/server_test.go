package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	goVerify "github.com/MrEthical07/goVerify"
	"github.com/MrEthical07/goVerify/channels/console"
	"github.com/MrEthical07/goVerify/identity/memidentity"
	"github.com/MrEthical07/goVerify/metrics/export/prometheus"
	"github.com/MrEthical07/goVerify/middleware"
)

const fixedCode = "123456"

type harness struct {
	handler  http.Handler
	identity *memidentity.Provider
	email    *console.Adapter
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	cfg := goVerify.DefaultConfig()
	cfg.Password.Memory = 8 * 1024
	cfg.Password.Time = 1
	cfg.Password.Parallelism = 1
	cfg.Security.EnumerationDelayMin = 0
	cfg.Security.EnumerationDelayMax = 0
	cfg.Delivery.ChannelPreference = []goVerify.ChannelType{goVerify.ChannelEmail}

	identity := memidentity.New(5)
	identity.Put(goVerify.ContactInfo{
		SubjectID:   "alice",
		Email:       "alice@example.com",
		Identifiers: []string{"alice"},
	})
	email := console.New(goVerify.ChannelEmail, zap.NewNop())

	engine, err := goVerify.New().
		WithConfig(cfg).
		WithRedis(rdb).
		WithIdentityProvider(identity).
		WithChannel(goVerify.ChannelEmail, email).
		WithCodeSource(func() (string, error) { return fixedCode, nil }).
		Build()
	require.NoError(t, err)

	t.Cleanup(func() {
		engine.Close()
		_ = rdb.Close()
		mr.Close()
	})

	srv := &server{
		engine:  engine,
		logger:  zap.NewNop(),
		health:  func(ctx context.Context) error { return rdb.Ping(ctx).Err() },
		metrics: prometheus.NewPrometheusExporter(engine).Handler(),
	}
	return &harness{
		handler: srv.routes(routerOptions{
			Context:     middleware.ContextOptions{TenantHeader: "X-Tenant-ID"},
			MetricsPath: "/metrics",
		}),
		identity: identity,
		email:    email,
	}
}

func (h *harness) do(t *testing.T, method, path, bearer string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.RemoteAddr = "192.0.2.10:4000"
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)

	out := map[string]any{}
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	}
	return rec, out
}

func TestHTTPResetScenario(t *testing.T) {
	h := newHarness(t)

	rec, body := h.do(t, http.MethodPost, "/api/v1/verifications", "", requestCodeBody{SubjectID: "alice", Channel: "email"})
	require.Equal(t, http.StatusAccepted, rec.Code)
	sessionID, _ := body["session_id"].(string)
	require.NotEmpty(t, sessionID)
	assert.Equal(t, "email", body["channel"])
	assert.NotContains(t, body["masked_destination"], "alice@")

	msg, ok := h.email.Last("alice@example.com")
	require.True(t, ok)
	assert.Contains(t, msg.Body, fixedCode)

	rec, body = h.do(t, http.MethodPost, "/api/v1/verifications/"+sessionID+"/code", "", submitCodeBody{Code: "000000"})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, "rejected", body["status"])
	assert.EqualValues(t, 2, body["attempts_remaining"])
	assert.Equal(t, goVerify.PublicMessage(goVerify.ErrInvalidCode), body["message"])

	rec, body = h.do(t, http.MethodPost, "/api/v1/verifications/"+sessionID+"/code", "", submitCodeBody{Code: fixedCode})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))
	token, _ := body["reset_token"].(string)
	require.NotEmpty(t, token)

	rec, body = h.do(t, http.MethodPut, "/api/v1/credential", token, credentialBody{Credential: "short"})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, "policy_violation", body["status"])
	assert.NotEmpty(t, body["violations"])

	rec, body = h.do(t, http.MethodPut, "/api/v1/credential", token, credentialBody{Credential: "Tr1cky!Passphrase"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "accepted", body["status"])

	rec, body = h.do(t, http.MethodPost, "/api/v1/credential/confirm", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "completed", body["status"])
	assert.Equal(t, false, body["replayed"])

	rec, body = h.do(t, http.MethodPost, "/api/v1/credential/confirm", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, body["replayed"])

	_, ok = h.identity.CredentialHash("alice")
	assert.True(t, ok)

	rec, body = h.do(t, http.MethodGet, "/api/v1/verifications/"+sessionID, "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "completed", body["state"])
	assert.NotContains(t, rec.Body.String(), token)
	assert.NotContains(t, rec.Body.String(), fixedCode)
}

func TestHTTPUnknownSubjectLooksAccepted(t *testing.T) {
	h := newHarness(t)

	rec, body := h.do(t, http.MethodPost, "/api/v1/verifications", "", requestCodeBody{SubjectID: "nobody", Channel: "email"})
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.NotEmpty(t, body["session_id"])
	assert.NotEmpty(t, body["masked_destination"])
}

func TestHTTPRejectsMalformedInput(t *testing.T) {
	h := newHarness(t)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/verifications", strings.NewReader(`{"subject_id":1}`))
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	req = httptest.NewRequest(http.MethodPost, "/api/v1/verifications", strings.NewReader(`{"subject_id":"alice","extra":true}`))
	rec = httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHTTPReferenceRequired(t *testing.T) {
	h := newHarness(t)

	rec, _ := h.do(t, http.MethodPost, "/api/v1/credential/confirm", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec, body := h.do(t, http.MethodPost, "/api/v1/credential/confirm", "no-such-token", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, goVerify.PublicMessage(goVerify.ErrSessionNotFound), body["error"])
}

func TestHTTPAbort(t *testing.T) {
	h := newHarness(t)

	rec, body := h.do(t, http.MethodPost, "/api/v1/verifications", "", requestCodeBody{SubjectID: "alice", Channel: "email"})
	require.Equal(t, http.StatusAccepted, rec.Code)
	sessionID := body["session_id"].(string)

	rec, _ = h.do(t, http.MethodDelete, "/api/v1/verifications", sessionID, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec, body = h.do(t, http.MethodPost, "/api/v1/verifications/"+sessionID+"/code", "", submitCodeBody{Code: fixedCode})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, body, "error")
}

func TestHTTPPolicyHealthAndMetrics(t *testing.T) {
	h := newHarness(t)

	rec, body := h.do(t, http.MethodGet, "/api/v1/policy", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 12, body["min_length"])

	rec, body = h.do(t, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, body["alive"])

	_, _ = h.do(t, http.MethodPost, "/api/v1/verifications", "", requestCodeBody{SubjectID: "alice", Channel: "email"})
	rec, _ = h.do(t, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "goverify_code_requested_total 1")
}

func TestHealthReportsFailure(t *testing.T) {
	srv := &server{
		logger: zap.NewNop(),
		health: func(context.Context) error { return errors.New("down") },
	}
	rec := httptest.NewRecorder()
	srv.healthHandler(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{goVerify.ErrInvalidInput, http.StatusBadRequest},
		{goVerify.ErrRateLimited, http.StatusTooManyRequests},
		{goVerify.ErrInvalidCode, http.StatusUnprocessableEntity},
		{goVerify.ErrCodeExpired, http.StatusGone},
		{goVerify.ErrSessionNotFound, http.StatusNotFound},
		{goVerify.ErrSessionBusy, http.StatusConflict},
		{goVerify.ErrProviderUnavailable, http.StatusServiceUnavailable},
		{goVerify.ErrProviderPermanentFailure, http.StatusUnprocessableEntity},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			assert.Equal(t, tt.want, statusFor(tt.err))
		})
	}
}
