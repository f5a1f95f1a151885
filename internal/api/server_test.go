package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/islombek4642/tgsecret/internal/errors"
	"github.com/islombek4642/tgsecret/internal/orchestrator"
	"github.com/islombek4642/tgsecret/internal/platform/sandbox"
	"github.com/islombek4642/tgsecret/internal/supervisor"
	"github.com/islombek4642/tgsecret/internal/testutil"
	"github.com/islombek4642/tgsecret/internal/user"
)

var secret = []byte("test-secret")

const phone = "+15559870000"

type testServer struct {
	app   *fiber.App
	orch  *orchestrator.Orchestrator
	redis *miniredis.Miniredis
}

func newTestServer(t *testing.T, rateLimit int) *testServer {
	t.Helper()
	p := testutil.NewSandbox()
	p.AddAccount(sandbox.AccountSpec{Phone: phone, Username: "ada", FirstName: "Ada"})

	cfg := orchestrator.DefaultConfig()
	cfg.Instance = supervisor.Config{StopGrace: 50 * time.Millisecond, ForceStopTimeout: 50 * time.Millisecond}
	orch := orchestrator.New(p, testutil.NewFileStore(t), cfg)
	t.Cleanup(func() { _ = orch.Shutdown(context.Background()) })

	mr := miniredis.RunT(t)
	cache := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = cache.Close() })

	srv, err := New(orch, Options{JWTSecret: secret, RateLimit: rateLimit, Cache: cache})
	require.NoError(t, err)
	return &testServer{app: srv.App(), orch: orch, redis: mr}
}

func token(t *testing.T, uid user.ID, control bool) string {
	t.Helper()
	tok, err := IssueToken(secret, uid, control, time.Hour)
	require.NoError(t, err)
	return tok
}

func (s *testServer) do(t *testing.T, method, path, tok string, body any) (int, map[string]any) {
	t.Helper()
	var r io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		r = strings.NewReader(string(raw))
	}
	req := httptest.NewRequest(method, path, r)
	req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	if tok != "" {
		req.Header.Set(fiber.HeaderAuthorization, "Bearer "+tok)
	}
	resp, err := s.app.Test(req, 5000)
	require.NoError(t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	out := map[string]any{}
	if len(raw) > 0 {
		require.NoError(t, json.Unmarshal(raw, &out), "body: %s", raw)
	}
	return resp.StatusCode, out
}

func field(t *testing.T, body map[string]any, path ...string) any {
	t.Helper()
	var cur any = body
	for _, p := range path {
		m, ok := cur.(map[string]any)
		require.True(t, ok, "no object at %q in %v", p, body)
		cur = m[p]
	}
	return cur
}

func TestHealth(t *testing.T) {
	s := newTestServer(t, 0)
	status, body := s.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "ok", body["redis"])
}

func TestOnboardingFlow(t *testing.T) {
	s := newTestServer(t, 0)
	tok := token(t, 42, false)

	status, body := s.do(t, http.MethodPost, "/v1/users/42/onboarding", tok, nil)
	require.Equal(t, http.StatusOK, status, body)
	assert.Equal(t, "awaiting_phone", field(t, body, "onboarding", "state"))

	status, body = s.do(t, http.MethodPost, "/v1/users/42/onboarding/phone", tok, map[string]string{"phone": "12"})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "validation", field(t, body, "error", "kind"))
	assert.Equal(t, true, field(t, body, "error", "user_mistake"))
	assert.Equal(t, "awaiting_phone", field(t, body, "onboarding", "state"))

	status, body = s.do(t, http.MethodPost, "/v1/users/42/onboarding/phone", tok, map[string]string{"phone": phone})
	require.Equal(t, http.StatusOK, status, body)
	assert.Equal(t, "awaiting_code", field(t, body, "onboarding", "state"))

	status, body = s.do(t, http.MethodPost, "/v1/users/42/onboarding/code", tok, map[string]string{"code": "11111"})
	assert.Equal(t, http.StatusUnprocessableEntity, status)
	assert.Equal(t, "rejection", field(t, body, "error", "kind"))
	assert.EqualValues(t, 2, field(t, body, "onboarding", "attempts_left"))

	status, body = s.do(t, http.MethodPost, "/v1/users/42/onboarding/code", tok, map[string]string{"code": testutil.FixedCode})
	require.Equal(t, http.StatusOK, status, body)
	assert.Equal(t, "succeeded", field(t, body, "onboarding", "state"))
	assert.Equal(t, "ada", field(t, body, "account", "username"))

	status, body = s.do(t, http.MethodPost, "/v1/users/42/instance/start", tok, nil)
	require.Equal(t, http.StatusOK, status, body)
	assert.Equal(t, "running", field(t, body, "instance", "state"))

	status, body = s.do(t, http.MethodPost, "/v1/users/42/instance/start", tok, nil)
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "already_running", field(t, body, "error", "kind"))

	status, body = s.do(t, http.MethodGet, "/v1/users/42/status", tok, nil)
	require.Equal(t, http.StatusOK, status, body)
	assert.Equal(t, "running", field(t, body, "instance", "state"))
	assert.Equal(t, true, field(t, body, "credential", "valid"))

	status, body = s.do(t, http.MethodGet, "/v1/users/42/notifications", tok, nil)
	require.Equal(t, http.StatusOK, status)
	assert.NotEmpty(t, body["notifications"])

	status, _ = s.do(t, http.MethodPost, "/v1/users/42/logout", tok, nil)
	assert.Equal(t, http.StatusNoContent, status)

	status, body = s.do(t, http.MethodGet, "/v1/users/42/status", tok, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Nil(t, body["credential"])
}

func TestStartWithoutCredential(t *testing.T) {
	s := newTestServer(t, 0)
	status, body := s.do(t, http.MethodPost, "/v1/users/7/instance/start", token(t, 7, false), nil)
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "no_credential", field(t, body, "error", "kind"))
}

func TestSubmitWithoutOnboarding(t *testing.T) {
	s := newTestServer(t, 0)
	status, body := s.do(t, http.MethodPost, "/v1/users/7/onboarding/code", token(t, 7, false), map[string]string{"code": "1"})
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "not_found", field(t, body, "error", "kind"))
}

func TestAuthorization(t *testing.T) {
	s := newTestServer(t, 0)
	expired, err := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{RegisteredClaims: jwt.RegisteredClaims{
		Subject:   "1",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
	}}).SignedString(secret)
	require.NoError(t, err)
	forged, err := IssueToken([]byte("other"), 1, true, time.Hour)
	require.NoError(t, err)

	tests := []struct {
		name  string
		path  string
		token string
		want  int
	}{
		{"missing token", "/v1/users/1/status", "", http.StatusUnauthorized},
		{"garbage token", "/v1/users/1/status", "not-a-jwt", http.StatusUnauthorized},
		{"wrong key", "/v1/users/1/status", forged, http.StatusUnauthorized},
		{"other user", "/v1/users/2/status", token(t, 1, false), http.StatusForbidden},
		{"bad user id", "/v1/users/abc/status", token(t, 1, true), http.StatusBadRequest},
		{"own user", "/v1/users/1/status", token(t, 1, false), http.StatusOK},
		{"control role", "/v1/users/2/status", token(t, 1, true), http.StatusOK},
		{"expired", "/v1/users/1/status", expired, http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, _ := s.do(t, http.MethodGet, tt.path, tt.token, nil)
			assert.Equal(t, tt.want, status)
		})
	}
}

func TestOnboardingRateLimit(t *testing.T) {
	s := newTestServer(t, 2)
	tok := token(t, 5, false)

	for i := range 2 {
		status, body := s.do(t, http.MethodPost, "/v1/users/5/onboarding", tok, nil)
		require.Equal(t, http.StatusOK, status, "request %d: %v", i+1, body)
	}
	status, _ := s.do(t, http.MethodPost, "/v1/users/5/onboarding", tok, nil)
	assert.Equal(t, http.StatusTooManyRequests, status)

	// Other users have their own window; instance control is not limited.
	status, _ = s.do(t, http.MethodPost, "/v1/users/6/onboarding", token(t, 6, false), nil)
	assert.Equal(t, http.StatusOK, status)
	status, _ = s.do(t, http.MethodGet, "/v1/users/5/status", tok, nil)
	assert.Equal(t, http.StatusOK, status)

	assert.True(t, s.redis.Exists("tgsecret:rl:onboarding:5"))
	s.redis.FastForward(time.Minute + time.Second)
	status, _ = s.do(t, http.MethodPost, "/v1/users/5/onboarding", tok, nil)
	assert.Equal(t, http.StatusOK, status)
}

func TestRateLimitFailsOpen(t *testing.T) {
	s := newTestServer(t, 1)
	s.redis.Close()

	tok := token(t, 5, false)
	for range 3 {
		status, _ := s.do(t, http.MethodPost, "/v1/users/5/onboarding", tok, nil)
		assert.Equal(t, http.StatusOK, status)
	}
}

func TestNewRequiresSecret(t *testing.T) {
	_, err := New(nil, Options{})
	assert.Equal(t, errors.KindValidation, errors.Classify(err))
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{errors.NewValidationError("bad"), http.StatusBadRequest},
		{errors.NewRejectionError("wrong code", 2), http.StatusUnprocessableEntity},
		{errors.ErrNoCredential, http.StatusConflict},
		{errors.ErrRateLimited, http.StatusTooManyRequests},
		{errors.ErrDeauthorized, http.StatusGone},
		{errors.NewStorageError("put", io.ErrUnexpectedEOF), http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, StatusFor(tt.err), "StatusFor(%v)", tt.err)
	}
}

func TestTokenClaims(t *testing.T) {
	tok := token(t, 9, false)
	claims, err := ParseToken(tok, secret)
	require.NoError(t, err)
	uid, err := claims.UserID()
	require.NoError(t, err)
	assert.Equal(t, user.ID(9), uid)
	assert.True(t, claims.CanActFor(9))
	assert.False(t, claims.CanActFor(10))

	_, err = IssueToken(nil, 9, false, 0)
	assert.Error(t, err)
}
