// Command headcount serves the shared cafeteria occupancy counter.
//
// It keeps the counter in SQLite, serves the occupancy page and API, and,
// when MQTT is enabled, relays store changes to other headcount processes
// on the same database file.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	_ "github.com/nerrad567/headcount/migrations"

	"github.com/nerrad567/headcount/internal/api"
	"github.com/nerrad567/headcount/internal/device"
	"github.com/nerrad567/headcount/internal/infrastructure/config"
	"github.com/nerrad567/headcount/internal/infrastructure/database"
	"github.com/nerrad567/headcount/internal/infrastructure/influxdb"
	"github.com/nerrad567/headcount/internal/infrastructure/logging"
	"github.com/nerrad567/headcount/internal/infrastructure/mqtt"
	"github.com/nerrad567/headcount/internal/occupancy"
	"github.com/nerrad567/headcount/internal/reset"
	"github.com/nerrad567/headcount/internal/store"
)

// Set with -ldflags "-X main.version=... -X main.commit=... -X main.date=...".
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

const defaultConfigPath = "configs/config.yaml"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "headcount: %v\n", err)
		os.Exit(1)
	}
}

// app owns everything opened during startup and closes it in reverse.
type app struct {
	cfg     *config.Config
	log     *logging.Logger
	closers []namedCloser
	checks  []namedCheck
}

type namedCloser struct {
	name  string
	close func() error
}

type namedCheck struct {
	name  string
	check func(context.Context) error
}

func (a *app) onShutdown(name string, fn func() error) {
	a.closers = append(a.closers, namedCloser{name, fn})
}

func (a *app) healthCheck(name string, fn func(context.Context) error) {
	a.checks = append(a.checks, namedCheck{name, fn})
}

func (a *app) shutdown() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		c := a.closers[i]
		a.log.Info("closing", "component", c.name)
		if err := c.close(); err != nil {
			a.log.Error("close failed", "component", c.name, "error", err)
		}
	}
	a.closers = nil
}

// verify runs every registered health check; the first failure aborts startup.
func (a *app) verify(ctx context.Context) error {
	for _, c := range a.checks {
		if err := c.check(ctx); err != nil {
			return fmt.Errorf("%s: %w", c.name, err)
		}
	}
	return nil
}

// run starts the server and blocks until ctx is cancelled. A clean
// shutdown returns nil.
func run(ctx context.Context) error {
	boot := logging.Default()
	boot.Info("starting headcount", "version", version, "commit", commit, "build_date", date)

	path := getConfigPath()
	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	loc, err := cfg.Location()
	if err != nil {
		return fmt.Errorf("resolving site timezone: %w", err)
	}

	log := logging.New(cfg.Logging, version)
	defer log.Close() //nolint:errcheck // Nothing left to log to
	log.Info("configuration loaded", "path", path, "site", cfg.Site.ID, "timezone", loc.String())

	a := &app{cfg: cfg, log: log}
	defer a.shutdown()

	kv, err := a.openStore(ctx)
	if err != nil {
		return err
	}

	ledger := occupancy.NewLedger(kv, loc)
	ledger.SetLogger(log.With("component", "occupancy"))
	registry := device.NewRegistry(kv)
	registry.SetLogger(log.With("component", "device"))
	sessions := device.NewSessions(registry, ledger)
	sessions.SetLogger(log.With("component", "device"))

	mqttClient, err := a.connectMQTT(kv, ledger)
	if err != nil {
		return err
	}
	influxClient, err := a.connectInflux(ledger)
	if err != nil {
		return err
	}

	if err := a.verify(ctx); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}

	coordinator := reset.NewCoordinator(kv, ledger, loc)
	coordinator.SetLogger(log.With("component", "reset"))
	coordinator.SetInterval(cfg.GetResetTickInterval())

	deps := api.Deps{
		Config:   cfg.API,
		WS:       cfg.WebSocket,
		Logger:   log.With("component", "api"),
		Ledger:   ledger,
		Registry: registry,
		Sessions: sessions,
		Health:   kv,
		MQTT:     mqttClient,
		SiteID:   cfg.Site.ID,
		Version:  version,
	}
	if cfg.Reset.Enabled {
		deps.Reset = coordinator
	}
	if influxClient != nil {
		deps.Telemetry = influxClient
	}

	server, err := api.New(deps)
	if err != nil {
		return fmt.Errorf("creating API server: %w", err)
	}
	if err := server.Start(ctx); err != nil {
		return fmt.Errorf("starting API server: %w", err)
	}
	a.onShutdown("api", server.Close)

	// Started after the server so the startup reset reaches the metrics
	// hook installed by Start.
	resetDone := make(chan struct{})
	go func() {
		defer close(resetDone)
		if !cfg.Reset.Enabled {
			log.Info("daily reset disabled")
			return
		}
		if err := coordinator.Run(ctx); err != nil {
			log.Error("daily reset stopped", "error", err)
		}
	}()

	log.Info("headcount ready", "address", server.Addr())
	<-ctx.Done()
	log.Info("shutting down")
	<-resetDone
	return nil
}

// getConfigPath honours HEADCOUNT_CONFIG.
func getConfigPath() string {
	if p := os.Getenv("HEADCOUNT_CONFIG"); p != "" {
		return p
	}
	return defaultConfigPath
}

// openStore opens and migrates the database and puts the store on top.
func (a *app) openStore(ctx context.Context) (*store.SQLiteStore, error) {
	dbCfg := a.cfg.Database
	db, err := database.Open(database.Config{
		Driver:      dbCfg.Driver,
		Path:        dbCfg.Path,
		WALMode:     dbCfg.WALMode,
		BusyTimeout: dbCfg.BusyTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	a.onShutdown("database", db.Close)
	a.healthCheck("database", db.HealthCheck)

	if err := db.Migrate(ctx); err != nil {
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	a.log.Info("database ready", "path", db.Path(), "driver", db.Driver())

	kv, err := store.NewSQLiteStore(db, store.Options{
		NodeID:     int64(a.cfg.Store.NodeID),
		MaxRetries: a.cfg.Store.MaxRetries,
		Logger:     a.log.With("component", "store"),
	})
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}
	a.onShutdown("store", kv.Close)
	return kv, nil
}

// connectMQTT relays store commits to peer processes and keeps the retained
// count topic current. It returns nil when MQTT is disabled.
func (a *app) connectMQTT(kv *store.SQLiteStore, ledger *occupancy.Ledger) (*mqtt.Client, error) {
	cfg := a.cfg.MQTT
	if !cfg.Enabled {
		a.log.Info("MQTT disabled, live updates limited to this process")
		return nil, nil
	}

	client, err := mqtt.Connect(cfg)
	if err != nil {
		return nil, fmt.Errorf("connecting to MQTT: %w", err)
	}
	a.onShutdown("mqtt", client.Close)
	a.healthCheck("mqtt", client.HealthCheck)

	log := a.log.With("component", "mqtt")
	client.SetLogger(log)
	client.SetOnConnect(func() { log.Info("MQTT reconnected") })
	client.SetOnDisconnect(func(err error) { log.Warn("MQTT connection lost", "error", err) })
	log.Info("MQTT connected", "host", cfg.Broker.Host, "port", cfg.Broker.Port, "client_id", cfg.Broker.ClientID)

	topics := client.Topics()
	fanout := store.NewFanout(client, topics.StoreChanged(), byte(cfg.QoS), kv) //nolint:gosec // QoS validated 0-2
	fanout.SetLogger(a.log.With("component", "fanout"))
	if err := fanout.Start(); err != nil {
		return nil, fmt.Errorf("starting store fan-out: %w", err)
	}

	// Lives as long as the store.
	_, err = ledger.SubscribeCount(func(n int) {
		if err := client.PublishRetained(topics.OccupancyCount(), []byte(strconv.Itoa(n))); err != nil {
			log.Warn("publishing occupancy count", "error", err)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("subscribing to counter: %w", err)
	}
	return client, nil
}

// connectInflux starts telemetry. It returns nil when InfluxDB is disabled.
func (a *app) connectInflux(ledger *occupancy.Ledger) (*influxdb.Client, error) {
	cfg := a.cfg.InfluxDB
	if !cfg.Enabled {
		a.log.Info("InfluxDB disabled")
		return nil, nil
	}

	client, err := influxdb.Connect(cfg, influxdb.WithDefaultTag("site", a.cfg.Site.ID))
	if err != nil {
		return nil, fmt.Errorf("connecting to InfluxDB: %w", err)
	}
	a.onShutdown("influxdb", client.Close)
	a.healthCheck("influxdb", client.HealthCheck)

	log := a.log.With("component", "influxdb")
	client.SetOnError(func(err error) { log.Error("InfluxDB write failed", "error", err) })
	ledger.SetPointWriter(client)
	log.Info("InfluxDB connected", "url", cfg.URL, "org", cfg.Org, "bucket", cfg.Bucket)
	return client, nil
}
