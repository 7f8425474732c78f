package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/nerrad567/headcount/internal/api"
	"github.com/nerrad567/headcount/internal/device"
	"github.com/nerrad567/headcount/internal/infrastructure/config"
	"github.com/nerrad567/headcount/internal/infrastructure/logging"
	"github.com/nerrad567/headcount/internal/occupancy"
	"github.com/nerrad567/headcount/internal/store"
)

// startServer runs a real API server over an in-memory store.
func startServer(t *testing.T) string {
	t.Helper()

	mem, err := store.NewMemoryStore(store.Options{NodeID: 1, MaxRetries: 200})
	if err != nil {
		t.Fatalf("NewMemoryStore() error = %v", err)
	}
	t.Cleanup(func() { mem.Close() }) //nolint:errcheck // Test cleanup

	ledger := occupancy.NewLedger(mem, time.UTC)
	registry := device.NewRegistry(mem)
	srv, err := api.New(api.Deps{
		Config:   config.APIConfig{Host: "127.0.0.1", Port: 0, Timeouts: config.APITimeoutConfig{Read: 5, Write: 5, Idle: 5}},
		WS:       config.WebSocketConfig{Path: "/ws", MaxMessageSize: 8192, PingInterval: 30, PongTimeout: 10},
		Logger:   logging.New(config.LoggingConfig{Level: "error", Format: "text", Output: "stdout"}, "test"),
		Ledger:   ledger,
		Registry: registry,
		Sessions: device.NewSessions(registry, ledger),
	})
	if err != nil {
		t.Fatalf("api.New() error = %v", err)
	}
	if err := srv.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() { srv.Close() }) //nolint:errcheck // Test cleanup
	return "http://" + srv.Addr()
}

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	err := run(context.Background(), args, &stdout, &stderr)
	return stdout.String() + stderr.String(), err
}

func TestParseFlags_Rejects(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"unknown action", []string{"--action", "dance"}},
		{"zero burst", []string{"--burst", "0"}},
		{"unknown flag", []string{"--nope"}},
		{"positional", []string{"extra"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var stderr bytes.Buffer
			if _, err := parseFlags(tt.args, &stderr); !errors.Is(err, errUsage) {
				t.Errorf("parseFlags(%v) error = %v, want errUsage", tt.args, err)
			}
		})
	}
}

func TestParseFlags_Defaults(t *testing.T) {
	opts, err := parseFlags(nil, &bytes.Buffer{})
	if err != nil {
		t.Fatalf("parseFlags() error = %v", err)
	}
	if opts.action != actionToggle || opts.burst != 1 || opts.server != "http://localhost:8080" {
		t.Errorf("defaults = %+v", opts)
	}
}

func TestRun_SessionToggleAndHistory(t *testing.T) {
	server := startServer(t)
	idFile := filepath.Join(t.TempDir(), "device-id")
	base := []string{"--server", server, "--id-file", idFile}

	out, err := runCLI(t, append(base, "--action", "session")...)
	if err != nil {
		t.Fatalf("session: %v (%s)", err, out)
	}
	id, err := os.ReadFile(idFile)
	if err != nil {
		t.Fatalf("id file not written: %v", err)
	}
	deviceID := strings.TrimSpace(string(id))
	if want := "device " + deviceID + " is out, 0 people here\n"; out != want {
		t.Errorf("session output = %q, want %q", out, want)
	}

	out, err = runCLI(t, base...)
	if err != nil {
		t.Fatalf("toggle: %v", err)
	}
	if out != "committed, device is in, 1 people here\n" {
		t.Errorf("toggle output = %q", out)
	}

	out, err = runCLI(t, append(base, "--action", "enter")...)
	if err != nil {
		t.Fatalf("enter: %v", err)
	}
	if !strings.HasPrefix(out, "rejected, device is in (") {
		t.Errorf("enter output = %q, want rejected with notice", out)
	}

	out, err = runCLI(t, append(base, "--action", "status")...)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if out != "device "+deviceID+" is in\n" {
		t.Errorf("status output = %q", out)
	}

	out, err = runCLI(t, append(base, "--action", "history", "--json")...)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	var entries []occupancy.HistoryEntry
	if err := json.Unmarshal([]byte(out), &entries); err != nil {
		t.Fatalf("history output is not JSON: %v\n%s", err, out)
	}
	if len(entries) != 1 || entries[0].Action != occupancy.Entered || entries[0].DeviceID != deviceID {
		t.Errorf("history = %+v", entries)
	}
}

func TestRun_Burst(t *testing.T) {
	server := startServer(t)
	idFile := filepath.Join(t.TempDir(), "device-id")

	out, err := runCLI(t, "--server", server, "--id-file", idFile, "--burst", "8", "--json")
	if err != nil {
		t.Fatalf("burst: %v", err)
	}
	var results map[device.Result]int
	if err := json.Unmarshal([]byte(out), &results); err != nil {
		t.Fatalf("burst output is not JSON: %v\n%s", err, out)
	}

	total := 0
	for _, n := range results {
		total += n
	}
	if total != 8 {
		t.Errorf("results = %v, want 8 in total", results)
	}
	if results[device.ResultFailed] != 0 {
		t.Errorf("results = %v, want no failures", results)
	}

	// Whatever interleaving happened, the counter agrees with the device.
	client, err := NewClient(server, readID(t, idFile))
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	count, err := client.Count(context.Background())
	if err != nil {
		t.Fatalf("Count() error = %v", err)
	}
	status, err := client.Status(context.Background())
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	want := 0
	if status == device.StatusIn {
		want = 1
	}
	if count != want {
		t.Errorf("count = %d with device %s, want %d", count, status, want)
	}
}

func readID(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	return strings.TrimSpace(string(data))
}

func TestClient_Errors(t *testing.T) {
	server := startServer(t)

	if _, err := NewClient("ftp://example.test", "kiosk-1"); err == nil {
		t.Error("NewClient() accepted a non-http URL")
	}
	if _, err := NewClient(server, "bad id"); err == nil {
		t.Error("NewClient() accepted an invalid device id")
	}

	client, err := NewClient(server, "kiosk-1")
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	_, err = client.Toggle(context.Background(), device.Direction("sideways"))
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("Toggle() error = %v, want *APIError", err)
	}
	if diff := cmp.Diff(&APIError{StatusCode: 400, Body: api.Error{Code: "validation_error", Message: apiErr.Body.Message}}, apiErr); diff != "" {
		t.Errorf("APIError mismatch (-want +got):\n%s", diff)
	}
}

func TestRun_MissingServer(t *testing.T) {
	idFile := filepath.Join(t.TempDir(), "device-id")
	if _, err := runCLI(t, "--server", "http://127.0.0.1:1", "--id-file", idFile, "--action", "count"); err == nil {
		t.Error("run() error = nil, want connection failure")
	}
}
