package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/nerrad567/headcount/internal/infrastructure/config"
)

// testConfig returns a valid MQTT configuration for testing.
// Only integration tests connect with it.
func testConfig() config.MQTTConfig {
	return config.MQTTConfig{
		Enabled: true,
		Broker: config.MQTTBrokerConfig{
			Host:     "127.0.0.1",
			Port:     1883,
			ClientID: "headcount-test",
			TLS:      false,
		},
		QoS: 1,
		Reconnect: config.MQTTReconnectConfig{
			InitialDelay: 1,
			MaxDelay:     5,
		},
		TopicPrefix: "headcount-test",
	}
}

// fakeMessage satisfies pahomqtt.Message for handler tests.
type fakeMessage struct {
	topic   string
	payload []byte
}

func (m fakeMessage) Duplicate() bool   { return false }
func (m fakeMessage) Qos() byte         { return 1 }
func (m fakeMessage) Retained() bool    { return false }
func (m fakeMessage) Topic() string     { return m.topic }
func (m fakeMessage) MessageID() uint16 { return 1 }
func (m fakeMessage) Payload() []byte   { return m.payload }
func (m fakeMessage) Ack()              {}

// recordingLogger captures log calls.
type recordingLogger struct {
	mu    sync.Mutex
	lines []string
}

func (l *recordingLogger) Error(msg string, _ ...any) { l.record("ERROR " + msg) }
func (l *recordingLogger) Warn(msg string, _ ...any)  { l.record("WARN " + msg) }

func (l *recordingLogger) record(line string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lines = append(l.lines, line)
}

// =============================================================================
// Topic Tests
// =============================================================================

func TestTopicBuilders(t *testing.T) {
	tests := []struct {
		name     string
		topics   Topics
		builder  func(Topics) string
		expected string
	}{
		{"StoreChanged default prefix", Topics{}, Topics.StoreChanged, "headcount/store/changed"},
		{"StoreChanged custom prefix", Topics{Prefix: "site-b"}, Topics.StoreChanged, "site-b/store/changed"},
		{"OccupancyCount", Topics{}, Topics.OccupancyCount, "headcount/occupancy/count"},
		{"SystemStatus", Topics{Prefix: "cafe"}, Topics.SystemStatus, "cafe/system/status"},
		{"All", Topics{}, Topics.All, "headcount/#"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.builder(tt.topics); got != tt.expected {
				t.Errorf("%s = %q, want %q", tt.name, got, tt.expected)
			}
		})
	}
}

// =============================================================================
// Option Tests
// =============================================================================

func TestBuildClientOptions(t *testing.T) {
	cfg := testConfig()
	cfg.Broker.TLS = true
	cfg.Auth = config.MQTTAuthConfig{Username: "counter", Password: "secret"}

	opts := clientOptions(cfg)

	if len(opts.Servers) != 1 || opts.Servers[0].String() != "ssl://127.0.0.1:1883" {
		t.Errorf("Servers = %v, want ssl://127.0.0.1:1883", opts.Servers)
	}
	if opts.ClientID != "headcount-test" {
		t.Errorf("ClientID = %q", opts.ClientID)
	}
	if opts.Username != "counter" || opts.Password != "secret" {
		t.Error("credentials not applied")
	}
	if opts.TLSConfig == nil || opts.TLSConfig.MinVersion != tlsMinVersion {
		t.Error("TLS config not applied")
	}
	if !opts.AutoReconnect || !opts.CleanSession {
		t.Error("expected auto-reconnect and clean session")
	}
}

func TestPresencePayload(t *testing.T) {
	tests := []struct {
		name   string
		status string
		reason string
		want   presence
	}{
		{"online", "online", "", presence{Status: "online", ClientID: "headcount-a"}},
		{"graceful", "offline", "graceful_shutdown", presence{Status: "offline", ClientID: "headcount-a", Reason: "graceful_shutdown"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got presence
			if err := json.Unmarshal(presencePayload("headcount-a", tt.status, tt.reason), &got); err != nil {
				t.Fatalf("Unmarshal() error = %v", err)
			}
			if _, err := time.Parse(time.RFC3339, got.Timestamp); err != nil {
				t.Errorf("Timestamp %q is not RFC3339", got.Timestamp)
			}
			got.Timestamp = ""
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("presence mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestOmitsEmptyReason(t *testing.T) {
	if p := string(presencePayload("a", "online", "")); strings.Contains(p, "reason") {
		t.Errorf("online payload = %s, want no reason", p)
	}
}

// =============================================================================
// Disconnected Client Tests
// =============================================================================

func TestCloseNil(t *testing.T) {
	client := &Client{}
	if err := client.Close(); err != nil {
		t.Errorf("Close() on nil client error = %v, want nil", err)
	}
}

func TestIsConnected_InitialState(t *testing.T) {
	client := &Client{}
	if client.IsConnected() {
		t.Error("IsConnected() should be false for uninitialised client")
	}
}

func TestHealthCheck_NotConnected(t *testing.T) {
	client := &Client{}
	if err := client.HealthCheck(context.Background()); !errors.Is(err, ErrNotConnected) {
		t.Errorf("HealthCheck() error = %v, want ErrNotConnected", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := client.HealthCheck(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("HealthCheck() error = %v, want context.Canceled", err)
	}
}

func TestValidation(t *testing.T) {
	client := &Client{routes: make(map[string]route)}
	handler := func(string, []byte) error { return nil }

	tests := []struct {
		name string
		call func() error
		want error
	}{
		{"publish empty topic", func() error { return client.Publish("", nil, 0, false) }, ErrInvalidTopic},
		{"publish bad qos", func() error { return client.Publish("t", nil, 3, false) }, ErrInvalidQoS},
		{"publish oversize", func() error { return client.Publish("t", make([]byte, maxPayloadSize+1), 0, false) }, ErrPublishFailed},
		{"publish disconnected", func() error { return client.Publish("t", []byte("1"), 0, false) }, ErrNotConnected},
		{"subscribe empty topic", func() error { return client.Subscribe("", 0, handler) }, ErrInvalidTopic},
		{"subscribe bad qos", func() error { return client.Subscribe("t", 5, handler) }, ErrInvalidQoS},
		{"subscribe nil handler", func() error { return client.Subscribe("t", 0, nil) }, ErrSubscribeFailed},
		{"subscribe disconnected", func() error { return client.Subscribe("t", 0, handler) }, ErrNotConnected},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.call(); !errors.Is(err, tt.want) {
				t.Errorf("error = %v, want %v", err, tt.want)
			}
		})
	}

	if len(client.routes) != 0 {
		t.Error("failed subscribe left a tracked subscription")
	}
}

// =============================================================================
// Handler Wrapping Tests
// =============================================================================

func TestWrapHandler_RecoversPanic(t *testing.T) {
	logger := &recordingLogger{}
	client := &Client{}
	client.SetLogger(logger)

	wrapped := client.dispatch(func(string, []byte) error {
		panic("bad envelope")
	})
	wrapped(nil, fakeMessage{topic: "headcount/store/changed"})

	if len(logger.lines) != 1 || logger.lines[0] != "ERROR MQTT handler panicked" {
		t.Errorf("log = %v, want one recovered panic", logger.lines)
	}
}

func TestWrapHandler_LogsErrors(t *testing.T) {
	logger := &recordingLogger{}
	client := &Client{}
	client.SetLogger(logger)

	var gotTopic, gotPayload string
	wrapped := client.dispatch(func(topic string, payload []byte) error {
		gotTopic, gotPayload = topic, string(payload)
		return errors.New("decode failed")
	})
	wrapped(nil, fakeMessage{topic: "headcount/store/changed", payload: []byte("x")})

	if gotTopic != "headcount/store/changed" || gotPayload != "x" {
		t.Errorf("handler saw %q %q", gotTopic, gotPayload)
	}
	if len(logger.lines) != 1 || logger.lines[0] != "WARN MQTT handler failed" {
		t.Errorf("log = %v, want one warning", logger.lines)
	}
}

func TestWrapHandler_NoLogger(t *testing.T) {
	client := &Client{}
	wrapped := client.dispatch(func(string, []byte) error { panic("x") })
	wrapped(nil, fakeMessage{topic: "t"}) // must not panic
}

func TestCallbacks(t *testing.T) {
	client := &Client{}
	var connected, disconnected bool
	client.SetOnConnect(func() { connected = true })
	client.SetOnDisconnect(func(error) { disconnected = true })

	client.lostHook(errors.New("broker gone"))
	if !disconnected {
		t.Error("OnDisconnect callback not called")
	}
	if connected {
		t.Error("OnConnect callback called on disconnect")
	}
}
