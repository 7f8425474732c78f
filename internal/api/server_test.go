package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/coder/quartz"

	"github.com/nerrad567/headcount/internal/device"
	"github.com/nerrad567/headcount/internal/identity"
	"github.com/nerrad567/headcount/internal/infrastructure/config"
	"github.com/nerrad567/headcount/internal/infrastructure/logging"
	"github.com/nerrad567/headcount/internal/occupancy"
	"github.com/nerrad567/headcount/internal/reset"
	"github.com/nerrad567/headcount/internal/store"
)

// testEnv is a server over an in-memory store with every dependency wired.
type testEnv struct {
	srv      *Server
	store    store.Store
	ledger   *occupancy.Ledger
	registry *device.Registry
	clock    *quartz.Mock
}

type envOption func(*Deps)

func newTestEnv(t *testing.T, wrap func(store.Store) store.Store, opts ...envOption) *testEnv {
	t.Helper()

	mem, err := store.NewMemoryStore(store.Options{NodeID: 1, MaxRetries: 200})
	if err != nil {
		t.Fatalf("NewMemoryStore() error = %v", err)
	}
	t.Cleanup(func() { mem.Close() }) //nolint:errcheck // Test cleanup

	var s store.Store = mem
	if wrap != nil {
		s = wrap(mem)
	}

	clock := quartz.NewMock(t)
	clock.Set(time.Date(2026, 10, 16, 12, 0, 0, 0, time.UTC))

	ledger := occupancy.NewLedger(s, time.UTC)
	registry := device.NewRegistry(s)
	coord := reset.NewCoordinator(s, ledger, time.UTC)
	coord.SetClock(clock)

	log := logging.New(config.LoggingConfig{Level: "error", Format: "text", Output: "stdout"}, "test")

	deps := Deps{
		Config: config.APIConfig{
			Host: "127.0.0.1",
			Port: 0,
			Timeouts: config.APITimeoutConfig{
				Read:  5,
				Write: 5,
				Idle:  5,
			},
		},
		WS: config.WebSocketConfig{
			Path:           "/ws",
			MaxMessageSize: 8192,
			PingInterval:   30,
			PongTimeout:    10,
		},
		Logger:   log,
		Ledger:   ledger,
		Registry: registry,
		Sessions: device.NewSessions(registry, ledger),
		Reset:    coord,
		Version:  "test",
	}
	for _, opt := range opts {
		opt(&deps)
	}

	srv, err := New(deps)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return &testEnv{srv: srv, store: s, ledger: ledger, registry: registry, clock: clock}
}

// start binds a real listener on a free port.
func (e *testEnv) start(t *testing.T) string {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	if err := e.srv.Start(ctx); err != nil {
		cancel()
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() {
		cancel()
		e.srv.Close() //nolint:errcheck // Test cleanup
	})
	return e.srv.Addr()
}

// do sends a request through the router, carrying deviceID as the cookie
// when non-empty.
func do(t *testing.T, h http.Handler, method, target, body, deviceID string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, r)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if deviceID != "" {
		req.AddCookie(&http.Cookie{Name: identity.CookieName, Value: deviceID})
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("unmarshal %q: %v", w.Body.String(), err)
	}
	return v
}

func TestNew_RequiredDeps(t *testing.T) {
	env := newTestEnv(t, nil)
	full := Deps{
		Logger:   env.srv.logger,
		Ledger:   env.ledger,
		Registry: env.registry,
		Sessions: env.srv.sessions,
	}

	tests := []struct {
		name   string
		mutate func(*Deps)
	}{
		{"logger", func(d *Deps) { d.Logger = nil }},
		{"ledger", func(d *Deps) { d.Ledger = nil }},
		{"registry", func(d *Deps) { d.Registry = nil }},
		{"sessions", func(d *Deps) { d.Sessions = nil }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := full
			tt.mutate(&d)
			if _, err := New(d); err == nil {
				t.Errorf("New() without %s succeeded", tt.name)
			}
		})
	}

	if _, err := New(full); err != nil {
		t.Errorf("New() with all deps error = %v", err)
	}
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, nil)
	w := do(t, env.srv.buildRouter(), http.MethodGet, "/api/v1/health", "", "")

	if w.Code != http.StatusOK {
		t.Errorf("health status = %d, want %d", w.Code, http.StatusOK)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}
	resp := decode[map[string]any](t, w)
	if resp["status"] != "ok" || resp["version"] != "test" {
		t.Errorf("health = %v", resp)
	}
}

type unhealthyStore struct{}

func (unhealthyStore) HealthCheck(context.Context) error { return errors.New("database locked") }

func TestHealth_StoreUnhealthy(t *testing.T) {
	env := newTestEnv(t, nil, func(d *Deps) { d.Health = unhealthyStore{} })
	w := do(t, env.srv.buildRouter(), http.MethodGet, "/api/v1/health", "", "")

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("health status = %d, want 503", w.Code)
	}
	if resp := decode[map[string]any](t, w); resp["status"] != "degraded" {
		t.Errorf("status = %v, want degraded", resp["status"])
	}
}

func TestRequestID(t *testing.T) {
	router := newTestEnv(t, nil).srv.buildRouter()

	if got := do(t, router, http.MethodGet, "/api/v1/health", "", "").Header().Get("X-Request-ID"); got == "" {
		t.Error("expected X-Request-ID header to be set")
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
	req.Header.Set("X-Request-ID", "client-123")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if got := w.Header().Get("X-Request-ID"); got != "client-123" {
		t.Errorf("X-Request-ID = %q, want client-123", got)
	}
}

func TestCORS(t *testing.T) {
	tests := []struct {
		name    string
		allowed []string
		origin  string
		want    string
	}{
		{"any origin when unset", nil, "http://localhost:3000", "http://localhost:3000"},
		{"listed origin", []string{"https://cafe.example"}, "https://cafe.example", "https://cafe.example"},
		{"unlisted origin", []string{"https://cafe.example"}, "https://evil.example", ""},
		{"wildcard", []string{"*"}, "https://kiosk.example", "https://kiosk.example"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, nil, func(d *Deps) { d.Config.CORS.AllowedOrigins = tt.allowed })
			req := httptest.NewRequest(http.MethodOptions, "/api/v1/toggle", nil)
			req.Header.Set("Origin", tt.origin)
			req.Header.Set("Access-Control-Request-Method", http.MethodPost)
			w := httptest.NewRecorder()
			env.srv.buildRouter().ServeHTTP(w, req)

			if w.Code >= http.StatusMultipleChoices {
				t.Errorf("preflight status = %d, want 2xx", w.Code)
			}
			got := w.Header().Get("Access-Control-Allow-Origin")
			if got != tt.want && (tt.want == "" || got != "*") {
				t.Errorf("ACAO = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRecoveryMiddleware(t *testing.T) {
	env := newTestEnv(t, nil)
	h := env.srv.recoveryMiddleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))

	w := do(t, h, http.MethodGet, "/", "", "")
	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", w.Code)
	}
	if resp := decode[errorResponse](t, w); resp.Error.Code != ErrCodeInternal {
		t.Errorf("error code = %q, want %q", resp.Error.Code, ErrCodeInternal)
	}
}

func TestRoutes(t *testing.T) {
	router := newTestEnv(t, nil).srv.buildRouter()

	tests := []struct {
		name     string
		target   string
		want     int
		location string
		contains string
	}{
		{name: "root redirects to panel", target: "/", want: http.StatusFound, location: "/panel/"},
		{name: "panel without slash", target: "/panel", want: http.StatusMovedPermanently, location: "/panel/"},
		{name: "panel page", target: "/panel/", want: http.StatusOK, contains: "<!DOCTYPE html>"},
		{name: "prometheus", target: "/metrics", want: http.StatusOK, contains: "headcount_occupancy"},
		{name: "unknown api route", target: "/api/v1/nonexistent", want: http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, router, http.MethodGet, tt.target, "", "")
			if w.Code != tt.want {
				t.Fatalf("GET %s status = %d, want %d", tt.target, w.Code, tt.want)
			}
			if tt.location != "" && w.Header().Get("Location") != tt.location {
				t.Errorf("Location = %q, want %q", w.Header().Get("Location"), tt.location)
			}
			if tt.contains != "" && !strings.Contains(w.Body.String(), tt.contains) {
				t.Errorf("body missing %q", tt.contains)
			}
		})
	}
}

func TestSystemMetrics(t *testing.T) {
	env := newTestEnv(t, nil)
	router := env.srv.buildRouter()
	if err := env.store.Write(context.Background(), occupancy.CounterPath, 4); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	do(t, router, http.MethodPost, "/api/v1/session", "", "kiosk-1")

	got := decode[SystemMetrics](t, do(t, router, http.MethodGet, "/api/v1/metrics", "", ""))
	if got.Version != "test" || got.Runtime.Goroutines == 0 {
		t.Errorf("metrics = %+v", got)
	}
	if got.MQTT.Enabled {
		t.Error("MQTT reported enabled without a client")
	}
	// The session's reset check zeroed the stale counter.
	if got.Occupancy.Count != 0 || got.Occupancy.ActiveSessions != 1 || got.Occupancy.DailyResets != 1 {
		t.Errorf("occupancy = %+v", got.Occupancy)
	}
}

func TestServer_StartAndClose(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := env.srv.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := env.srv.HealthCheck(ctx); err != nil {
		t.Errorf("HealthCheck() error = %v", err)
	}
	addr := env.srv.Addr()

	resp, err := http.Get("http://" + addr + "/api/v1/health")
	if err != nil {
		t.Fatalf("health request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("health status = %d, want 200", resp.StatusCode)
	}

	if err := env.srv.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
	if _, err := http.Get("http://" + addr + "/api/v1/health"); err == nil {
		t.Error("server still responding after Close()")
	}
}

func TestServer_StartPortInUse(t *testing.T) {
	first := newTestEnv(t, nil)
	_, portStr, err := net.SplitHostPort(first.start(t))
	if err != nil {
		t.Fatalf("SplitHostPort() error = %v", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("Atoi() error = %v", err)
	}

	second := newTestEnv(t, nil, func(d *Deps) { d.Config.Port = port })
	if err := second.srv.Start(context.Background()); err == nil {
		second.srv.Close() //nolint:errcheck // Test cleanup
		t.Fatal("Start() on a bound port succeeded")
	}
}

func TestServer_HealthCheckBeforeStart(t *testing.T) {
	env := newTestEnv(t, nil)
	if err := env.srv.HealthCheck(context.Background()); err == nil {
		t.Error("HealthCheck() before Start = nil, want error")
	}
	if err := env.srv.Close(); err != nil {
		t.Errorf("Close() before Start error = %v", err)
	}
}
