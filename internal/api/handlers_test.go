package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/nerrad567/headcount/internal/device"
	"github.com/nerrad567/headcount/internal/identity"
	"github.com/nerrad567/headcount/internal/occupancy"
	"github.com/nerrad567/headcount/internal/store"
)

// offlineStore fails every conditional update.
type offlineStore struct {
	store.Store
}

func (offlineStore) ConditionalUpdate(context.Context, string, store.UpdateFunc) (store.Result, error) {
	return store.Result{}, errors.New("store offline")
}

type recordedToggle struct {
	direction, result string
	count             int
}

type toggleRecorder struct {
	mu      sync.Mutex
	toggles []recordedToggle
}

func (r *toggleRecorder) WriteToggle(direction, result string, count int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.toggles = append(r.toggles, recordedToggle{direction, result, count})
}

func TestSession_FirstContactIssuesCookie(t *testing.T) {
	router := newTestEnv(t, nil).srv.buildRouter()

	w := do(t, router, http.MethodPost, "/api/v1/session", "", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}

	var cookie *http.Cookie
	for _, c := range w.Result().Cookies() {
		if c.Name == identity.CookieName {
			cookie = c
		}
	}
	if cookie == nil {
		t.Fatal("no deviceId cookie issued")
	}

	got := decode[SessionResponse](t, w)
	if got.DeviceID != cookie.Value {
		t.Errorf("deviceId = %q, cookie = %q", got.DeviceID, cookie.Value)
	}
	if got.Status != device.StatusOut || got.Count != 0 {
		t.Errorf("session = %+v, want out with count 0", got)
	}
	if got.Device == nil || got.Device.Visits != 1 {
		t.Errorf("device = %+v, want first visit", got.Device)
	}
}

func TestSession_RepeatVisitKeepsStatus(t *testing.T) {
	router := newTestEnv(t, nil).srv.buildRouter()

	do(t, router, http.MethodPost, "/api/v1/session", "", "kiosk-1")
	do(t, router, http.MethodPost, "/api/v1/toggle", "", "kiosk-1")
	w := do(t, router, http.MethodPost, "/api/v1/session", "", "kiosk-1")

	got := decode[SessionResponse](t, w)
	if got.Device.Visits != 2 || got.Status != device.StatusIn || got.Count != 1 {
		t.Errorf("session = %+v visits=%d, want in, count 1, 2 visits", got, got.Device.Visits)
	}
}

func TestSession_RunsDailyReset(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	if err := env.store.Write(ctx, occupancy.CounterPath, 7); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if err := env.store.Write(ctx, occupancy.ResetMarkerPath, "2026-10-15"); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	got := decode[SessionResponse](t, do(t, env.srv.buildRouter(), http.MethodPost, "/api/v1/session", "", "kiosk-1"))
	if got.Count != 0 {
		t.Errorf("count = %d, want 0 after the new day's reset", got.Count)
	}

	raw, err := env.store.Read(ctx, occupancy.ResetMarkerPath)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if string(raw) != `"2026-10-16"` {
		t.Errorf("marker = %s, want today", raw)
	}
}

func TestToggle_EnterThenExit(t *testing.T) {
	env := newTestEnv(t, nil)
	router := env.srv.buildRouter()
	do(t, router, http.MethodPost, "/api/v1/session", "", "kiosk-1")

	steps := []device.Outcome{
		{Result: device.ResultCommitted, Status: device.StatusIn, Count: 1},
		{Result: device.ResultCommitted, Status: device.StatusOut, Count: 0},
	}
	for i, want := range steps {
		w := do(t, router, http.MethodPost, "/api/v1/toggle", "", "kiosk-1")
		if w.Code != http.StatusOK {
			t.Fatalf("toggle %d status = %d", i, w.Code)
		}
		if diff := cmp.Diff(want, decode[device.Outcome](t, w)); diff != "" {
			t.Errorf("toggle %d mismatch (-want +got):\n%s", i, diff)
		}
	}

	history := decode[HistoryPayload](t, do(t, router, http.MethodGet, "/api/v1/history", "", ""))
	if len(history.Entries) != 2 {
		t.Fatalf("history has %d entries, want 2", len(history.Entries))
	}
	if history.Entries[0].Action != occupancy.Exited || history.Entries[1].Action != occupancy.Entered {
		t.Errorf("history = %+v, want exit then enter (newest first)", history.Entries)
	}
	if history.Entries[0].DeviceID != "kiosk-1" {
		t.Errorf("deviceId = %q, want kiosk-1", history.Entries[0].DeviceID)
	}
}

func TestToggle_ExplicitDirection(t *testing.T) {
	router := newTestEnv(t, nil).srv.buildRouter()

	steps := []struct {
		action     string
		wantResult device.Result
		wantStatus device.Status
		wantNotice string
	}{
		{"enter", device.ResultCommitted, device.StatusIn, ""},
		{"enter", device.ResultRejected, device.StatusIn, device.NoticeAlreadyIn},
		{"exit", device.ResultCommitted, device.StatusOut, ""},
		{"exit", device.ResultRejected, device.StatusOut, device.NoticeAlreadyOut},
	}
	for i, step := range steps {
		w := do(t, router, http.MethodPost, "/api/v1/toggle", fmt.Sprintf(`{"action":%q}`, step.action), "kiosk-1")
		if w.Code != http.StatusOK {
			t.Fatalf("step %d status = %d", i, w.Code)
		}
		got := decode[device.Outcome](t, w)
		if got.Result != step.wantResult || got.Status != step.wantStatus || got.Notice != step.wantNotice {
			t.Errorf("step %d (%s) = %+v", i, step.action, got)
		}
	}

	count := decode[CountPayload](t, do(t, router, http.MethodGet, "/api/v1/occupancy", "", ""))
	if count.Count != 0 {
		t.Errorf("count = %d, want 0", count.Count)
	}
}

func TestToggle_DeviceAlreadyInAfterRestart(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"no action", ""},
		{"shown direction", `{"action":"exit"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// The record says in; this server's session table starts empty.
			env := newTestEnv(t, nil)
			ctx := context.Background()
			if err := env.registry.SetStatus(ctx, "kiosk-1", device.StatusIn); err != nil {
				t.Fatalf("SetStatus() error = %v", err)
			}
			if err := env.store.Write(ctx, occupancy.CounterPath, 1); err != nil {
				t.Fatalf("Write() error = %v", err)
			}

			w := do(t, env.srv.buildRouter(), http.MethodPost, "/api/v1/toggle", tt.body, "kiosk-1")
			if w.Code != http.StatusOK {
				t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
			}
			want := device.Outcome{Result: device.ResultCommitted, Status: device.StatusOut, Count: 0}
			if diff := cmp.Diff(want, decode[device.Outcome](t, w)); diff != "" {
				t.Errorf("outcome mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestToggle_WithoutCookieRefused(t *testing.T) {
	env := newTestEnv(t, nil)
	router := env.srv.buildRouter()

	for range 3 {
		w := do(t, router, http.MethodPost, "/api/v1/toggle", "", "")
		if w.Code != http.StatusConflict {
			t.Fatalf("status = %d, want 409", w.Code)
		}
		if got := decode[errorResponse](t, w); got.Error.Code != ErrCodeNoDevice {
			t.Errorf("error code = %q, want %q", got.Error.Code, ErrCodeNoDevice)
		}
	}

	count := decode[CountPayload](t, do(t, router, http.MethodGet, "/api/v1/occupancy", "", ""))
	if count.Count != 0 {
		t.Errorf("count = %d, want 0", count.Count)
	}
	if n := env.srv.sessions.Len(); n != 0 {
		t.Errorf("%d sessions created, want none", n)
	}
}

func TestToggle_BadRequests(t *testing.T) {
	router := newTestEnv(t, nil).srv.buildRouter()

	tests := []struct {
		name     string
		body     string
		wantCode string
	}{
		{"invalid json", `{"action":`, ErrCodeBadRequest},
		{"unknown action", `{"action":"sideways"}`, ErrCodeValidation},
		{"oversized body", `{"action":"` + strings.Repeat("x", maxRequestBodySize) + `"}`, ErrCodeBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, router, http.MethodPost, "/api/v1/toggle", tt.body, "kiosk-1")
			if w.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", w.Code)
			}
			if got := decode[errorResponse](t, w); got.Error.Code != tt.wantCode {
				t.Errorf("error code = %q, want %q", got.Error.Code, tt.wantCode)
			}
		})
	}
}

func TestToggle_StoreFailure(t *testing.T) {
	rec := &toggleRecorder{}
	env := newTestEnv(t, func(s store.Store) store.Store { return offlineStore{s} },
		func(d *Deps) { d.Telemetry = rec })

	w := do(t, env.srv.buildRouter(), http.MethodPost, "/api/v1/toggle", "", "kiosk-1")
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", w.Code)
	}
	got := decode[device.Outcome](t, w)
	if got.Result != device.ResultFailed || got.Notice != device.NoticeEnterFailed {
		t.Errorf("outcome = %+v, want failed with enter notice", got)
	}

	want := []recordedToggle{{direction: "toggle", result: "failed"}}
	if diff := cmp.Diff(want, rec.toggles, cmp.AllowUnexported(recordedToggle{})); diff != "" {
		t.Errorf("telemetry mismatch (-want +got):\n%s", diff)
	}
}

func TestToggle_DifferentDevicesShareCounter(t *testing.T) {
	router := newTestEnv(t, nil).srv.buildRouter()

	const devices = 6
	var wg sync.WaitGroup
	for i := range devices {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w := do(t, router, http.MethodPost, "/api/v1/toggle", "", fmt.Sprintf("kiosk-%d", i))
			var out device.Outcome
			if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil || out.Result != device.ResultCommitted {
				t.Errorf("kiosk-%d: status %d outcome %+v", i, w.Code, out)
			}
		}()
	}
	wg.Wait()

	count := decode[CountPayload](t, do(t, router, http.MethodGet, "/api/v1/occupancy", "", ""))
	if count.Count != devices {
		t.Errorf("count = %d, want %d", count.Count, devices)
	}
}

func TestToggle_Metrics(t *testing.T) {
	env := newTestEnv(t, nil)
	router := env.srv.buildRouter()

	do(t, router, http.MethodPost, "/api/v1/toggle", `{"action":"enter"}`, "kiosk-1")
	do(t, router, http.MethodPost, "/api/v1/toggle", `{"action":"enter"}`, "kiosk-1")
	do(t, router, http.MethodPost, "/api/v1/toggle", `{"action":"exit"}`, "kiosk-1")

	m := env.srv.Metrics()
	if got := testutil.ToFloat64(m.toggles.WithLabelValues(string(device.ResultCommitted))); got != 2 {
		t.Errorf("committed toggles = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.toggles.WithLabelValues(string(device.ResultRejected))); got != 1 {
		t.Errorf("rejected toggles = %v, want 1", got)
	}
}

func TestHistory_Limit(t *testing.T) {
	router := newTestEnv(t, nil).srv.buildRouter()
	for range 3 {
		do(t, router, http.MethodPost, "/api/v1/toggle", "", "kiosk-1")
	}

	got := decode[HistoryPayload](t, do(t, router, http.MethodGet, "/api/v1/history?limit=2", "", ""))
	counts := make([]int, 0, len(got.Entries))
	for _, e := range got.Entries {
		counts = append(counts, e.Count)
	}
	if diff := cmp.Diff([]int{1, 0}, counts); diff != "" {
		t.Errorf("history counts mismatch (-want +got):\n%s", diff)
	}

	for _, bad := range []string{"0", "-1", "abc", "1001"} {
		w := do(t, router, http.MethodGet, "/api/v1/history?limit="+bad, "", "")
		if w.Code != http.StatusBadRequest {
			t.Errorf("limit=%s status = %d, want 400", bad, w.Code)
		}
	}
}

func TestHistory_EmptyIsArray(t *testing.T) {
	w := do(t, newTestEnv(t, nil).srv.buildRouter(), http.MethodGet, "/api/v1/history", "", "")
	if !strings.Contains(w.Body.String(), `"entries":[]`) {
		t.Errorf("body = %s, want an empty array", w.Body.String())
	}
}

func TestDeviceStatus(t *testing.T) {
	router := newTestEnv(t, nil).srv.buildRouter()

	get := func(id string) StatusPayload {
		t.Helper()
		return decode[StatusPayload](t, do(t, router, http.MethodGet, "/api/v1/devices/"+id+"/status", "", ""))
	}

	if got := get("never-seen"); got.Status != device.StatusOut {
		t.Errorf("unknown device status = %q, want out", got.Status)
	}
	do(t, router, http.MethodPost, "/api/v1/toggle", "", "kiosk-1")
	if got := get("kiosk-1"); got.Status != device.StatusIn || got.DeviceID != "kiosk-1" {
		t.Errorf("status = %+v, want kiosk-1 in", got)
	}

	w := do(t, router, http.MethodGet, "/api/v1/devices/bad$id/status", "", "")
	if w.Code != http.StatusBadRequest {
		t.Errorf("invalid id status = %d, want 400", w.Code)
	}
}

func TestMe(t *testing.T) {
	router := newTestEnv(t, nil).srv.buildRouter()

	if w := do(t, router, http.MethodGet, "/api/v1/me", "", "kiosk-1"); w.Code != http.StatusNotFound {
		t.Errorf("before session status = %d, want 404", w.Code)
	}

	do(t, router, http.MethodPost, "/api/v1/session", "", "kiosk-1")
	w := do(t, router, http.MethodGet, "/api/v1/me", "", "kiosk-1")
	if w.Code != http.StatusOK {
		t.Fatalf("after session status = %d, want 200", w.Code)
	}
	if got := decode[device.Device](t, w); got.ID != "kiosk-1" || got.Visits != 1 {
		t.Errorf("me = %+v", got)
	}
}
