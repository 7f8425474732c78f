package database

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3" // registers "sqlite3"
	_ "modernc.org/sqlite"          // registers "sqlite"
)

// Driver names accepted in Config.Driver.
const (
	DriverCGO    = "sqlite3"
	DriverPureGo = "sqlite"
)

const (
	pingTimeout     = 5 * time.Second
	connMaxLifetime = time.Hour
	connMaxIdleTime = 30 * time.Minute
)

// DB is the open SQLite database backing the store.
type DB struct {
	*sql.DB
	path   string
	driver string
}

// Config mirrors the database section of config.yaml.
type Config struct {
	// Driver is DriverCGO (default) or DriverPureGo.
	Driver string

	// Path to the database file. Missing parent directories are created.
	Path string

	// WALMode lets readers in other processes proceed while one process writes.
	WALMode bool

	// BusyTimeout is how long, in seconds, to wait on another process's lock.
	BusyTimeout int
}

// pragmaStyle is how a driver spells connection pragmas in its DSN.
type pragmaStyle func(name, value string) string

var pragmaStyles = map[string]pragmaStyle{
	// https://github.com/mattn/go-sqlite3#connection-string
	DriverCGO: func(name, value string) string { return "_" + name + "=" + value },
	DriverPureGo: func(name, value string) string {
		return "_pragma=" + name + "(" + value + ")"
	},
}

// Open connects to the database file, creating it if needed, and pings it.
// The pool holds one connection so this process's writes are serialised.
func Open(cfg Config) (*DB, error) {
	driver := cfg.Driver
	if driver == "" {
		driver = DriverCGO
	}
	dsn, err := buildDSN(driver, cfg)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o750); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	sqlDB, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)
	sqlDB.SetConnMaxLifetime(connMaxLifetime)
	sqlDB.SetConnMaxIdleTime(connMaxIdleTime)

	ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	defer cancel()
	if err := sqlDB.PingContext(ctx); err != nil {
		sqlDB.Close() //nolint:errcheck // Already failing
		return nil, fmt.Errorf("verifying database connection: %w", err)
	}

	_ = os.Chmod(cfg.Path, 0o600) //nolint:errcheck // File may appear only after first write

	return &DB{DB: sqlDB, path: cfg.Path, driver: driver}, nil
}

func buildDSN(driver string, cfg Config) (string, error) {
	style, ok := pragmaStyles[driver]
	if !ok {
		return "", fmt.Errorf("unsupported database driver %q", driver)
	}

	pragmas := []string{
		style("busy_timeout", fmt.Sprint(cfg.BusyTimeout*1000)),
		style("foreign_keys", "1"),
	}
	if cfg.WALMode {
		pragmas = append(pragmas,
			style("journal_mode", "WAL"),
			style("synchronous", "NORMAL"),
		)
	}
	return "file:" + cfg.Path + "?" + strings.Join(pragmas, "&"), nil
}

// Close closes the pool. It is safe to call on a zero DB.
func (db *DB) Close() error {
	if db.DB == nil {
		return nil
	}
	if err := db.DB.Close(); err != nil {
		return fmt.Errorf("closing database: %w", err)
	}
	return nil
}

// Path returns the database file path.
func (db *DB) Path() string { return db.path }

// Driver returns the SQL driver name in use.
func (db *DB) Driver() string { return db.driver }

// HealthCheck runs a trivial query.
func (db *DB) HealthCheck(ctx context.Context) error {
	var one int
	if err := db.QueryRowContext(ctx, "SELECT 1").Scan(&one); err != nil {
		return fmt.Errorf("database health check failed: %w", err)
	}
	return nil
}
