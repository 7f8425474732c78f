package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/nerrad567/headcount/internal/device"
	"github.com/nerrad567/headcount/internal/infrastructure/config"
	"github.com/nerrad567/headcount/internal/infrastructure/discovery"
	"github.com/nerrad567/headcount/internal/infrastructure/logging"
	"github.com/nerrad567/headcount/internal/infrastructure/mqtt"
	"github.com/nerrad567/headcount/internal/occupancy"
	"github.com/nerrad567/headcount/internal/reset"
)

// shutdownGrace bounds how long Close waits for in-flight requests.
const shutdownGrace = 10 * time.Second

// HealthChecker reports whether a backing service is usable.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// ToggleRecorder receives one record per toggle. The InfluxDB client satisfies it.
type ToggleRecorder interface {
	WriteToggle(direction, result string, count int)
}

// Deps is what New needs. Fields marked optional may be left zero.
type Deps struct {
	Config   config.APIConfig
	WS       config.WebSocketConfig
	Logger   *logging.Logger
	Ledger   *occupancy.Ledger
	Registry *device.Registry
	Sessions *device.Sessions

	Reset     *reset.Coordinator // Optional: page loads skip the reset check without it
	Health    HealthChecker      // Optional: store health for /health
	MQTT      *mqtt.Client       // Optional: reported in /api/v1/metrics
	Telemetry ToggleRecorder     // Optional
	Metrics   *Metrics           // Optional: a fresh registry is created when nil
	SiteID    string
	Version   string
}

// Server serves the occupancy page, the REST API and the live feed.
type Server struct {
	cfg       config.APIConfig
	wsCfg     config.WebSocketConfig
	logger    *logging.Logger
	ledger    *occupancy.Ledger
	registry  *device.Registry
	sessions  *device.Sessions
	reset     *reset.Coordinator
	health    HealthChecker
	mqtt      *mqtt.Client
	telemetry ToggleRecorder
	metrics   *Metrics
	siteID    string
	version   string
	startTime time.Time

	server     *http.Server
	listener   net.Listener
	hub        *Hub
	advertiser *discovery.Advertiser
	cancel     context.CancelFunc // cancels background goroutines on Close()
	stopFeeds  []func()
}

// New validates deps and builds an unstarted server.
func New(deps Deps) (*Server, error) {
	switch {
	case deps.Logger == nil:
		return nil, errors.New("logger is required")
	case deps.Ledger == nil:
		return nil, errors.New("occupancy ledger is required")
	case deps.Registry == nil:
		return nil, errors.New("device registry is required")
	case deps.Sessions == nil:
		return nil, errors.New("sessions are required")
	}

	metrics := deps.Metrics
	if metrics == nil {
		metrics = NewMetrics()
	}

	s := &Server{
		cfg:       deps.Config,
		wsCfg:     deps.WS,
		logger:    deps.Logger,
		ledger:    deps.Ledger,
		registry:  deps.Registry,
		sessions:  deps.Sessions,
		reset:     deps.Reset,
		health:    deps.Health,
		mqtt:      deps.MQTT,
		telemetry: deps.Telemetry,
		metrics:   metrics,
		siteID:    deps.SiteID,
		version:   deps.Version,
		startTime: time.Now(),
	}
	s.hub = NewHub(s.wsCfg, s.logger, s.registry)
	s.hub.OnClientsChanged(metrics.SetWSClients)

	return s, nil
}

// Metrics returns the server's Prometheus collectors.
func (s *Server) Metrics() *Metrics {
	return s.metrics
}

// Start feeds the hub from the store, binds the listener and serves in the
// background. Bind errors such as a port in use are returned.
func (s *Server) Start(ctx context.Context) error {
	hubCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	go s.hub.Run(hubCtx)

	if err := s.startFeeds(); err != nil {
		s.cancel()
		return err
	}
	if s.reset != nil {
		s.reset.OnReset(func(string) { s.metrics.ObserveReset() })
	}

	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		s.stopAllFeeds()
		s.cancel()
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	s.listener = ln

	s.server = &http.Server{
		Handler:           s.buildRouter(),
		ReadTimeout:       s.cfg.Timeouts.ReadTimeout(),
		ReadHeaderTimeout: s.cfg.Timeouts.ReadTimeout(),
		WriteTimeout:      s.cfg.Timeouts.WriteTimeout(),
		IdleTimeout:       s.cfg.Timeouts.IdleTimeout(),
	}

	serve := func() error { return s.server.Serve(ln) }
	if tls := s.cfg.TLS; tls.Enabled {
		serve = func() error { return s.server.ServeTLS(ln, tls.CertFile, tls.KeyFile) }
	}
	s.logger.Info("listening", "address", ln.Addr().String(), "tls", s.cfg.TLS.Enabled)
	go func() {
		if err := serve(); !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server stopped", "error", err)
		}
	}()

	if s.cfg.MDNS.Enabled {
		port := ln.Addr().(*net.TCPAddr).Port //nolint:forcetypeassert // tcp listener
		adv, err := discovery.Advertise(s.cfg.MDNS.Instance, port, s.siteID, s.cfg.TLS.Enabled, s.logger)
		if err != nil {
			s.logger.Warn("mDNS advertisement failed", "error", err)
		} else {
			s.advertiser = adv
		}
	}

	return nil
}

// startFeeds wires the store subscriptions into the hub.
func (s *Server) startFeeds() error {
	stopCount, err := s.ledger.SubscribeCount(s.publishCount)
	if err != nil {
		return fmt.Errorf("subscribing to counter: %w", err)
	}
	s.stopFeeds = append(s.stopFeeds, stopCount)

	stopHistory, err := s.ledger.SubscribeHistory(s.publishHistory)
	if err != nil {
		s.stopAllFeeds()
		return fmt.Errorf("subscribing to history: %w", err)
	}
	s.stopFeeds = append(s.stopFeeds, stopHistory)
	return nil
}

func (s *Server) stopAllFeeds() {
	for _, stop := range s.stopFeeds {
		stop()
	}
	s.stopFeeds = nil
}

// Addr returns the bound listener address, or "" before Start.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Close withdraws the mDNS record, detaches the feeds and drains in-flight
// requests for up to shutdownGrace.
func (s *Server) Close() error {
	if s.server == nil {
		return nil
	}

	s.advertiser.Shutdown()
	s.stopAllFeeds()
	if s.cancel != nil {
		s.cancel()
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down API server: %w", err)
	}
	return nil
}

// HealthCheck reports whether Start has run and ctx is still live.
func (s *Server) HealthCheck(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("api health check: %w", err)
	}
	if s.server == nil {
		return errors.New("api server not started")
	}
	return nil
}
