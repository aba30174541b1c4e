package server

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xela07ax/fleet-orchestrator/internal/audit"
	"github.com/xela07ax/fleet-orchestrator/internal/console/handler"
	"github.com/xela07ax/fleet-orchestrator/internal/console/service"
	"github.com/xela07ax/fleet-orchestrator/internal/domain"
	"github.com/xela07ax/fleet-orchestrator/internal/engine"
	"github.com/xela07ax/fleet-orchestrator/internal/infra/auth"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

type fakeFleet struct {
	mu         sync.Mutex
	health     domain.HealthStatus
	scaleErr   error
	scaledUp   []int
	scaledDown []int
	eventsArgs []string
}

func (f *fakeFleet) Summary(context.Context) domain.Summary {
	return domain.Summary{Total: 3, Live: 2}
}

func (f *fakeFleet) Session(_ context.Context, id string) (*domain.Session, error) {
	if id != "s-1" {
		return nil, domain.ErrSessionNotFound
	}
	return &domain.Session{ID: "s-1", AccountRef: "acct-1", State: domain.StateRunning}, nil
}

func (f *fakeFleet) Endpoints() []domain.Endpoint {
	return []domain.Endpoint{{Host: "10.0.0.1", Port: 8080, Transport: domain.TransportHTTP}}
}

func (f *fakeFleet) Report() domain.Report {
	return domain.Report{Counters: map[domain.EventKind]int64{}}
}

func (f *fakeFleet) Events(limit int, subjectID string) []audit.Event {
	f.mu.Lock()
	f.eventsArgs = append(f.eventsArgs, fmt.Sprintf("%d/%s", limit, subjectID))
	f.mu.Unlock()
	return []audit.Event{{ID: "e-1", SubjectID: subjectID}}
}

func (f *fakeFleet) setHealth(s domain.HealthStatus) {
	f.mu.Lock()
	f.health = s
	f.mu.Unlock()
}

// calls возвращает копии записанных вызовов.
func (f *fakeFleet) calls() (up, down []int, events []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.scaledUp...), append([]int(nil), f.scaledDown...), append([]string(nil), f.eventsArgs...)
}

func (f *fakeFleet) Health(context.Context) domain.HealthReport {
	f.mu.Lock()
	status := f.health
	f.mu.Unlock()
	h := domain.HealthReport{Status: domain.HealthOK}
	if status != "" {
		h.Worsen("pool", status, "test")
	}
	return h
}

func (f *fakeFleet) ScaleUp(_ context.Context, n int) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.scaleErr != nil {
		return 0, f.scaleErr
	}
	f.scaledUp = append(f.scaledUp, n)
	return n, nil
}

func (f *fakeFleet) ScaleDown(_ context.Context, n int) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.scaleErr != nil {
		return 0, f.scaleErr
	}
	f.scaledDown = append(f.scaledDown, n)
	return n, nil
}

func (f *fakeFleet) Reconcile(context.Context) (engine.ReconcileResult, error) {
	return engine.ReconcileResult{Shift: "day", Allowed: 4, Started: 1}, nil
}

type consoleFixture struct {
	srv   *httptest.Server
	fleet *fakeFleet
	keys  *auth.Keys
}

func newConsoleFixture(t *testing.T) *consoleFixture {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	keys := auth.NewKeys(key)

	hash, err := bcrypt.GenerateFromPassword([]byte("pw"), bcrypt.MinCost)
	require.NoError(t, err)
	operators := []domain.Operator{
		{ID: "op-ro", Username: "viewer", PasswordHash: string(hash), Scopes: []string{domain.ScopeRead}},
		{ID: "op-admin", Username: "admin", PasswordHash: string(hash), Scopes: []string{"admin"}},
	}

	fleet := &fakeFleet{}
	logger := zap.NewNop()
	s := NewConsoleServer(logger, keys,
		handler.NewAuthHandler(service.NewAuthService(operators, keys, time.Hour)),
		handler.NewFleetHandler(fleet, logger),
	)
	srv := httptest.NewServer(s)
	t.Cleanup(srv.Close)

	return &consoleFixture{srv: srv, fleet: fleet, keys: keys}
}

func (f *consoleFixture) login(t *testing.T, username string) string {
	t.Helper()
	resp, err := http.Post(f.srv.URL+"/auth/token", "application/json",
		strings.NewReader(fmt.Sprintf(`{"username":%q,"password":"pw"}`, username)))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var tok domain.TokenResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&tok))
	return tok.AccessToken
}

func (f *consoleFixture) do(t *testing.T, method, path, token, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, f.srv.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestHealthIsPublic(t *testing.T) {
	t.Parallel()

	f := newConsoleFixture(t)
	resp := f.do(t, http.MethodGet, "/health", "", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var report domain.HealthReport
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&report))
	assert.Equal(t, domain.HealthOK, report.Status)
}

func TestHealthCriticalReturns503(t *testing.T) {
	t.Parallel()

	f := newConsoleFixture(t)
	f.fleet.setHealth(domain.HealthCritical)
	resp := f.do(t, http.MethodGet, "/health", "", "")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	f.fleet.setHealth(domain.HealthDegraded)
	resp = f.do(t, http.MethodGet, "/health", "", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestLoginRejectsWrongPassword(t *testing.T) {
	t.Parallel()

	f := newConsoleFixture(t)
	resp := f.do(t, http.MethodPost, "/auth/token", "", `{"username":"viewer","password":"nope"}`)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = f.do(t, http.MethodPost, "/auth/token", "", `not json`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	t.Parallel()

	f := newConsoleFixture(t)
	resp := f.do(t, http.MethodGet, "/v1/summary", "", "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = f.do(t, http.MethodGet, "/v1/summary", "garbage", "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestReadScopeCannotScale(t *testing.T) {
	t.Parallel()

	f := newConsoleFixture(t)
	token := f.login(t, "viewer")

	resp := f.do(t, http.MethodGet, "/v1/summary", token, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var sum domain.Summary
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&sum))
	assert.Equal(t, 3, sum.Total)

	resp = f.do(t, http.MethodPost, "/v1/sessions/scale-up", token, `{"count":2}`)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	up, _, _ := f.fleet.calls()
	assert.Empty(t, up)
}

func TestSessionLookup(t *testing.T) {
	t.Parallel()

	f := newConsoleFixture(t)
	token := f.login(t, "viewer")

	resp := f.do(t, http.MethodGet, "/v1/sessions/s-1", token, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var s domain.Session
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&s))
	assert.Equal(t, "acct-1", s.AccountRef)

	resp = f.do(t, http.MethodGet, "/v1/sessions/missing", token, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestEventsQuery(t *testing.T) {
	t.Parallel()

	f := newConsoleFixture(t)
	token := f.login(t, "viewer")

	resp := f.do(t, http.MethodGet, "/v1/events?limit=5&subject=s-1", token, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp = f.do(t, http.MethodGet, "/v1/events?limit=100000", token, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp = f.do(t, http.MethodGet, "/v1/events?limit=-1", token, "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	_, _, events := f.fleet.calls()
	assert.Equal(t, []string{"5/s-1", "500/"}, events)
}

func TestScaleCommands(t *testing.T) {
	t.Parallel()

	f := newConsoleFixture(t)
	token := f.login(t, "admin")

	resp := f.do(t, http.MethodPost, "/v1/sessions/scale-up", token, `{"count":3}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var out handler.ScaleResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, handler.ScaleResponse{Requested: 3, Affected: 3}, out)

	resp = f.do(t, http.MethodPost, "/v1/sessions/scale-down", token, `{"count":1}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = f.do(t, http.MethodPost, "/v1/sessions/scale-up", token, `{"count":0}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	up, down, _ := f.fleet.calls()
	assert.Equal(t, []int{3}, up)
	assert.Equal(t, []int{1}, down)

	resp = f.do(t, http.MethodPost, "/v1/reconcile", token, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var res engine.ReconcileResult
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&res))
	assert.Equal(t, 1, res.Started)
}

func TestScaleErrorsMapToStatus(t *testing.T) {
	t.Parallel()

	for _, tc := range []struct {
		err    error
		status int
	}{
		{domain.ErrNotLeader, http.StatusConflict},
		{domain.ErrShuttingDown, http.StatusServiceUnavailable},
		{domain.ErrNoAccountAvailable, http.StatusUnprocessableEntity},
		{fmt.Errorf("boom"), http.StatusInternalServerError},
	} {
		f := newConsoleFixture(t)
		f.fleet.scaleErr = tc.err
		token := f.login(t, "admin")
		resp := f.do(t, http.MethodPost, "/v1/sessions/scale-up", token, `{"count":1}`)
		assert.Equal(t, tc.status, resp.StatusCode, tc.err.Error())
	}
}
