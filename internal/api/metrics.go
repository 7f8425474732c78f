package api

import (
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nerrad567/headcount/internal/device"
)

// Metrics holds the Prometheus collectors exported at /metrics.
type Metrics struct {
	registry *prometheus.Registry

	toggles     *prometheus.CounterVec
	occupancy   prometheus.Gauge
	wsClients   prometheus.Gauge
	dailyResets prometheus.Counter
}

// NewMetrics creates the collectors on a fresh registry, together with the
// Go runtime and process collectors.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	toggles := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "headcount",
			Name:      "toggles_total",
			Help:      "Toggle requests by result.",
		},
		[]string{"result"},
	)
	reg.MustRegister(toggles)

	occupancy := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "headcount", Name: "occupancy",
		Help: "Current shared occupancy counter.",
	})
	reg.MustRegister(occupancy)

	wsClients := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "headcount", Name: "ws_clients",
		Help: "Connected WebSocket clients.",
	})
	reg.MustRegister(wsClients)

	dailyResets := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "headcount", Name: "daily_resets_total",
		Help: "Daily counter resets performed by this process.",
	})
	reg.MustRegister(dailyResets)

	return &Metrics{
		registry:    reg,
		toggles:     toggles,
		occupancy:   occupancy,
		wsClients:   wsClients,
		dailyResets: dailyResets,
	}
}

// Registry returns the registry the collectors are registered on.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveToggle counts one toggle outcome.
func (m *Metrics) ObserveToggle(result device.Result) {
	m.toggles.WithLabelValues(string(result)).Inc()
}

// SetOccupancy records the latest counter value.
func (m *Metrics) SetOccupancy(count int) {
	m.occupancy.Set(float64(count))
}

// SetWSClients records the number of WebSocket clients.
func (m *Metrics) SetWSClients(n int) {
	m.wsClients.Set(float64(n))
}

// ObserveReset counts one daily reset.
func (m *Metrics) ObserveReset() {
	m.dailyResets.Inc()
}

// SystemMetrics is the JSON body of /api/v1/metrics.
type SystemMetrics struct {
	Timestamp     string           `json:"timestamp"`
	Version       string           `json:"version"`
	UptimeSeconds int64            `json:"uptime_seconds"`
	Runtime       RuntimeMetrics   `json:"runtime"`
	WebSocket     WSMetrics        `json:"websocket"`
	MQTT          MQTTMetrics      `json:"mqtt"`
	Occupancy     OccupancyMetrics `json:"occupancy"`
}

// RuntimeMetrics contains Go runtime statistics.
type RuntimeMetrics struct {
	Goroutines    int     `json:"goroutines"`
	MemoryAllocMB float64 `json:"memory_alloc_mb"`
	MemoryTotalMB float64 `json:"memory_total_mb"`
	NumGC         uint32  `json:"num_gc"`
}

// WSMetrics contains WebSocket hub statistics.
type WSMetrics struct {
	ConnectedClients int `json:"connected_clients"`
}

// MQTTMetrics reports the fan-out broker connection.
type MQTTMetrics struct {
	Enabled   bool `json:"enabled"`
	Connected bool `json:"connected"`
}

// OccupancyMetrics summarises the shared state seen by this process.
type OccupancyMetrics struct {
	Count          int   `json:"count"`
	ActiveSessions int   `json:"active_sessions"`
	DailyResets    int64 `json:"daily_resets"`
}

// handleMetrics returns runtime, hub and occupancy statistics.
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	metrics := SystemMetrics{
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
		Version:       s.version,
		UptimeSeconds: int64(time.Since(s.startTime).Seconds()),
		Runtime: RuntimeMetrics{
			Goroutines:    runtime.NumGoroutine(),
			MemoryAllocMB: float64(memStats.Alloc) / 1024 / 1024,
			MemoryTotalMB: float64(memStats.TotalAlloc) / 1024 / 1024,
			NumGC:         memStats.NumGC,
		},
		WebSocket: WSMetrics{ConnectedClients: s.hub.ClientCount()},
		MQTT: MQTTMetrics{
			Enabled:   s.mqtt != nil,
			Connected: s.mqtt != nil && s.mqtt.IsConnected(),
		},
		Occupancy: OccupancyMetrics{
			ActiveSessions: s.sessions.Len(),
		},
	}

	if count, err := s.ledger.Count(r.Context()); err == nil {
		metrics.Occupancy.Count = count
	} else {
		s.logger.Warn("reading count for metrics", "error", err)
	}
	if s.reset != nil {
		metrics.Occupancy.DailyResets = s.reset.Resets()
	}

	writeJSON(w, http.StatusOK, metrics)
}
