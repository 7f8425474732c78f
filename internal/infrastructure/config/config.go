package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full Headcount configuration.
// See Load for how it is assembled.
type Config struct {
	Site      SiteConfig      `yaml:"site"`
	Database  DatabaseConfig  `yaml:"database"`
	Store     StoreConfig     `yaml:"store"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	API       APIConfig       `yaml:"api"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	InfluxDB  InfluxDBConfig  `yaml:"influxdb"`
	Logging   LoggingConfig   `yaml:"logging"`
	Reset     ResetConfig     `yaml:"reset"`
}

// SiteConfig identifies the tracked space.
//
// Timezone decides what "today" means for the daily reset and how
// history timestamps are rendered.
type SiteConfig struct {
	ID       string `yaml:"id"`
	Name     string `yaml:"name"`
	Timezone string `yaml:"timezone"`
}

// DatabaseConfig locates the SQLite file backing the store.
type DatabaseConfig struct {
	// Driver selects the SQLite driver: "sqlite3" (cgo) or "sqlite" (pure Go).
	Driver      string `yaml:"driver"`
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// StoreConfig contains key-value store settings.
type StoreConfig struct {
	// NodeID distinguishes history key generators across processes (0-1023).
	NodeID int `yaml:"node_id"`

	// MaxRetries caps how often a conditional update is re-run under contention.
	MaxRetries int `yaml:"max_retries"`
}

// MQTTConfig contains MQTT broker connection settings.
//
// MQTT is optional. When enabled, every process sharing the database
// announces its store writes so the others can refresh their live feeds.
type MQTTConfig struct {
	Enabled     bool                `yaml:"enabled"`
	Broker      MQTTBrokerConfig    `yaml:"broker"`
	Auth        MQTTAuthConfig      `yaml:"auth"`
	QoS         int                 `yaml:"qos"`
	Reconnect   MQTTReconnectConfig `yaml:"reconnect"`
	TopicPrefix string              `yaml:"topic_prefix"`
}

// MQTTBrokerConfig says where the broker is. TLS switches to ssl://.
type MQTTBrokerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	TLS      bool   `yaml:"tls"`
	ClientID string `yaml:"client_id"`
}

type MQTTAuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// MQTTReconnectConfig bounds the reconnect backoff, in seconds.
type MQTTReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
}

// APIConfig configures the HTTP and WebSocket listener.
type APIConfig struct {
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	TLS      TLSConfig        `yaml:"tls"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
	CORS     CORSConfig       `yaml:"cors"`
	MDNS     MDNSConfig       `yaml:"mdns"`

	// PanelDir serves the web page from disk instead of the embedded copy.
	PanelDir string `yaml:"panel_dir"`
}

type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// APITimeoutConfig holds server timeouts in seconds.
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// CORSConfig lists origins allowed to call the API. Empty allows any origin.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// MDNSConfig controls LAN advertisement of the API so kiosk clients can find it.
type MDNSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Instance string `yaml:"instance"`
}

// WebSocketConfig tunes the live feed. Intervals are seconds.
type WebSocketConfig struct {
	Path           string `yaml:"path"`
	MaxMessageSize int    `yaml:"max_message_size"`
	PingInterval   int    `yaml:"ping_interval"`
	PongTimeout    int    `yaml:"pong_timeout"`
}

// InfluxDBConfig enables optional telemetry. FlushInterval is seconds.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
}

// LoggingConfig selects level, format (json|text) and output (stdout|stderr|file).
type LoggingConfig struct {
	Level  string            `yaml:"level"`
	Format string            `yaml:"format"`
	Output string            `yaml:"output"`
	File   FileLoggingConfig `yaml:"file"`
}

// FileLoggingConfig drives log rotation. MaxSize is megabytes, MaxAge days.
type FileLoggingConfig struct {
	Path       string `yaml:"path"`
	MaxSize    int    `yaml:"max_size"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAge     int    `yaml:"max_age"`
	Compress   bool   `yaml:"compress"`
}

// ResetConfig controls the daily counter reset.
type ResetConfig struct {
	Enabled bool `yaml:"enabled"`

	// TickInterval is how often (seconds) the clock is checked for a date change.
	TickInterval int `yaml:"tick_interval"`
}

// Load builds the configuration in three layers: built-in defaults, then
// the YAML file at path, then HEADCOUNT_* environment variables. The result
// is validated before it is returned.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := defaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	cfg.applyEnv(os.LookupEnv)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

func defaultConfig() *Config {
	return &Config{
		Site: SiteConfig{ID: "cafeteria", Name: "Cafeteria", Timezone: "Local"},
		Database: DatabaseConfig{
			Driver:      "sqlite3",
			Path:        "./data/headcount.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		Store: StoreConfig{NodeID: 1, MaxRetries: 25},
		MQTT: MQTTConfig{
			Broker:      MQTTBrokerConfig{Host: "localhost", Port: 1883, ClientID: "headcount"},
			QoS:         1,
			Reconnect:   MQTTReconnectConfig{InitialDelay: 1, MaxDelay: 60},
			TopicPrefix: "headcount",
		},
		API: APIConfig{
			Host:     "0.0.0.0",
			Port:     8080,
			Timeouts: APITimeoutConfig{Read: 30, Write: 30, Idle: 60},
			MDNS:     MDNSConfig{Instance: "Headcount"},
		},
		WebSocket: WebSocketConfig{
			Path:           "/ws",
			MaxMessageSize: 8192,
			PingInterval:   30,
			PongTimeout:    10,
		},
		InfluxDB: InfluxDBConfig{Bucket: "occupancy", BatchSize: 100, FlushInterval: 10},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
			File: FileLoggingConfig{
				Path:       "./logs/headcount.log",
				MaxSize:    50,
				MaxBackups: 5,
				MaxAge:     28,
			},
		},
		Reset: ResetConfig{Enabled: true, TickInterval: 1},
	}
}

// envPrefix starts every override variable, e.g. HEADCOUNT_API_PORT.
const envPrefix = "HEADCOUNT_"

// envBinding maps one variable (without prefix) onto a config field.
type envBinding struct {
	name string
	str  func(*Config) *string
	num  func(*Config) *int
}

var envBindings = []envBinding{
	{name: "SITE_TIMEZONE", str: func(c *Config) *string { return &c.Site.Timezone }},
	{name: "DATABASE_PATH", str: func(c *Config) *string { return &c.Database.Path }},
	{name: "DATABASE_DRIVER", str: func(c *Config) *string { return &c.Database.Driver }},
	{name: "STORE_NODE_ID", num: func(c *Config) *int { return &c.Store.NodeID }},
	{name: "MQTT_HOST", str: func(c *Config) *string { return &c.MQTT.Broker.Host }},
	{name: "MQTT_USERNAME", str: func(c *Config) *string { return &c.MQTT.Auth.Username }},
	{name: "MQTT_PASSWORD", str: func(c *Config) *string { return &c.MQTT.Auth.Password }},
	{name: "API_HOST", str: func(c *Config) *string { return &c.API.Host }},
	{name: "API_PORT", num: func(c *Config) *int { return &c.API.Port }},
	{name: "INFLUXDB_TOKEN", str: func(c *Config) *string { return &c.InfluxDB.Token }},
}

// applyEnv overlays set, non-empty variables. Numeric values that do not
// parse are ignored.
func (c *Config) applyEnv(lookup func(string) (string, bool)) {
	for _, b := range envBindings {
		v, ok := lookup(envPrefix + b.name)
		if !ok || v == "" {
			continue
		}
		switch {
		case b.str != nil:
			*b.str(c) = v
		case b.num != nil:
			if n, err := strconv.Atoi(v); err == nil {
				*b.num(c) = n
			}
		}
	}
}

// Validate reports every problem found, joined into one error.
func (c *Config) Validate() error {
	var problems []string
	check := func(bad bool, msg string) {
		if bad {
			problems = append(problems, msg)
		}
	}

	check(c.Site.ID == "", "site.id is required")
	if _, err := c.Location(); err != nil {
		problems = append(problems, fmt.Sprintf("site.timezone %q is not a known zone", c.Site.Timezone))
	}

	check(c.Database.Path == "", "database.path is required")
	switch c.Database.Driver {
	case "", "sqlite3", "sqlite":
	default:
		problems = append(problems, "database.driver must be sqlite3 or sqlite")
	}

	check(c.Store.NodeID < 0 || c.Store.NodeID > 1023, "store.node_id must be between 0 and 1023")
	check(c.Store.MaxRetries < 1, "store.max_retries must be at least 1")

	check(c.MQTT.QoS < 0 || c.MQTT.QoS > 2, "mqtt.qos must be 0, 1, or 2")
	check(c.MQTT.Enabled && c.MQTT.Broker.Host == "", "mqtt.broker.host is required when mqtt is enabled")

	check(c.API.Port < 1 || c.API.Port > 65535, "api.port must be between 1 and 65535")
	check(c.API.TLS.Enabled && (c.API.TLS.CertFile == "" || c.API.TLS.KeyFile == ""),
		"api.tls.cert_file and api.tls.key_file are required when tls is enabled")

	check(c.InfluxDB.Enabled && c.InfluxDB.URL == "", "influxdb.url is required when influxdb is enabled")
	check(strings.EqualFold(c.Logging.Output, "file") && c.Logging.File.Path == "",
		"logging.file.path is required for file output")
	check(c.Reset.Enabled && c.Reset.TickInterval < 1, "reset.tick_interval must be at least 1 second")

	if len(problems) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(problems, "; "))
	}
	return nil
}

// Location resolves the site timezone. Empty and "Local" mean the host zone.
func (c *Config) Location() (*time.Location, error) {
	if c.Site.Timezone == "" || c.Site.Timezone == "Local" {
		return time.Local, nil
	}
	return time.LoadLocation(c.Site.Timezone)
}

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }

// ReadTimeout returns the read timeout as a Duration.
func (t APITimeoutConfig) ReadTimeout() time.Duration { return seconds(t.Read) }

// WriteTimeout returns the write timeout as a Duration.
func (t APITimeoutConfig) WriteTimeout() time.Duration { return seconds(t.Write) }

// IdleTimeout returns the idle timeout as a Duration.
func (t APITimeoutConfig) IdleTimeout() time.Duration { return seconds(t.Idle) }

// GetResetTickInterval returns the daily reset tick interval as a Duration.
func (c *Config) GetResetTickInterval() time.Duration {
	return seconds(c.Reset.TickInterval)
}
