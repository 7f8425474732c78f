package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nerrad567/headcount/internal/infrastructure/database"
)

// tombstone marks a deleted path. The row stays so its version keeps growing.
const tombstone = "null"

// SQLiteStore keeps the tree in the kv table. Several processes may open the
// same database file; the version column makes their conditional updates
// safe against each other.
type SQLiteStore struct {
	*tree
	db *database.DB
}

// NewSQLiteStore creates a store over an already migrated database.
func NewSQLiteStore(db *database.DB, opts Options) (*SQLiteStore, error) {
	t, err := newTree(&sqliteEngine{db: db}, opts)
	if err != nil {
		return nil, err
	}
	return &SQLiteStore{tree: t, db: db}, nil
}

// HealthCheck verifies the kv table is reachable.
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM kv WHERE path = 'counter'").Scan(&n); err != nil {
		return fmt.Errorf("store health check: %w", err)
	}
	return nil
}

type sqliteEngine struct {
	db *database.DB
}

func (e *sqliteEngine) get(ctx context.Context, path string) (json.RawMessage, int64, error) {
	var (
		raw     string
		version int64
	)
	err := e.db.QueryRowContext(ctx, "SELECT value, version FROM kv WHERE path = ?", path).Scan(&raw, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, err
	}
	if raw == tombstone {
		return nil, version, nil
	}
	return json.RawMessage(raw), version, nil
}

func (e *sqliteEngine) children(ctx context.Context, parent string) (map[string]json.RawMessage, error) {
	// '0' is the byte after '/', so this range covers exactly parent/...
	rows, err := e.db.QueryContext(ctx,
		"SELECT path, value FROM kv WHERE path >= ? AND path < ? AND value != ?",
		parent+"/", parent+"0", tombstone,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]json.RawMessage)
	for rows.Next() {
		var path, raw string
		if err := rows.Scan(&path, &raw); err != nil {
			return nil, err
		}
		if name, ok := childName(parent, path); ok {
			out[name] = json.RawMessage(raw)
		}
	}
	return out, rows.Err()
}

func (e *sqliteEngine) put(ctx context.Context, path string, value json.RawMessage, expect int64) (bool, error) {
	raw := tombstone
	if value != nil {
		raw = string(value)
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)

	var (
		res sql.Result
		err error
	)
	if expect == 0 {
		// A delete of a never-written path inserts a tombstone, so a row
		// created meanwhile by another process fails the check.
		res, err = e.db.ExecContext(ctx,
			"INSERT INTO kv (path, value, version, updated_at) VALUES (?, ?, 1, ?) ON CONFLICT(path) DO NOTHING",
			path, raw, now,
		)
	} else {
		res, err = e.db.ExecContext(ctx,
			"UPDATE kv SET value = ?, version = version + 1, updated_at = ? WHERE path = ? AND version = ?",
			raw, now, path, expect,
		)
	}
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}
