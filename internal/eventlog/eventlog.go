// Package eventlog is a diagnostic, append-only ledger of routing/AM
// events: node create/destroy, routing pass outcome, profile switch, AM
// registration/connect/disconnect, combine rate adjustment. It is never
// re-hydrated into live routing state; Discovery always rebuilds the
// node graph from host state on restart.
package eventlog

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Kind enumerates the event categories this ledger records.
type Kind string

const (
	NodeCreated    Kind = "node_created"
	NodeDestroyed  Kind = "node_destroyed"
	RoutingPass    Kind = "routing_pass"
	ProfileSwitch  Kind = "profile_switch"
	AMRegistration Kind = "am_registration"
	AMConnect      Kind = "am_connect"
	AMDisconnect   Kind = "am_disconnect"
	RateAdjustment Kind = "rate_adjustment"
)

// Event is one ledger row.
type Event struct {
	ID        int64
	Timestamp time.Time
	Kind      Kind
	Key       string
	Detail    string
}

// Log persists events in SQLite.
type Log struct {
	db  *sql.DB
	log *slog.Logger
}

// Open opens (or creates) the ledger database at path and runs
// migrations. An empty path opens a private in-memory database, useful
// for tests and for daemons run with eventlog disabled.
func Open(path string, log *slog.Logger) (*Log, error) {
	if log == nil {
		log = slog.Default()
	}
	dsn := path
	if dsn == "" {
		dsn = ":memory:"
	} else if err := os.MkdirAll(filepath.Dir(dsn), 0o755); err != nil {
		return nil, fmt.Errorf("eventlog: create directory: %w", err)
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("eventlog: open sqlite database: %w", err)
	}
	if dsn == ":memory:" {
		// Each pooled connection would otherwise get its own private
		// in-memory database.
		db.SetMaxOpenConns(1)
	}

	l := &Log{db: db, log: log}
	if err := l.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	l.log.Info("eventlog opened", "path", path)
	return l, nil
}

// Close closes the underlying database connection.
func (l *Log) Close() error {
	if l == nil || l.db == nil {
		return nil
	}
	return l.db.Close()
}

func (l *Log) migrate(ctx context.Context) error {
	const schema = `
CREATE TABLE IF NOT EXISTS events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	ts_unix_ms INTEGER NOT NULL,
	kind TEXT NOT NULL,
	key TEXT NOT NULL,
	detail TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_ts ON events(ts_unix_ms);
CREATE INDEX IF NOT EXISTS idx_events_kind ON events(kind);
`
	if _, err := l.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("eventlog: run migrations: %w", err)
	}
	return nil
}

// Append records one event, stamped at call time.
func (l *Log) Append(ctx context.Context, kind Kind, key, detail string) error {
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO events (ts_unix_ms, kind, key, detail) VALUES (?, ?, ?, ?)`,
		time.Now().UnixMilli(), string(kind), key, detail,
	)
	if err != nil {
		return fmt.Errorf("eventlog: append %s: %w", kind, err)
	}
	return nil
}

// Recent returns the most recent limit events, newest first.
func (l *Log) Recent(ctx context.Context, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := l.db.QueryContext(ctx,
		`SELECT id, ts_unix_ms, kind, key, detail FROM events ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("eventlog: query recent: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var e Event
		var tsMS int64
		var kind string
		if err := rows.Scan(&e.ID, &tsMS, &kind, &e.Key, &e.Detail); err != nil {
			return nil, fmt.Errorf("eventlog: scan row: %w", err)
		}
		e.Kind = Kind(kind)
		e.Timestamp = time.UnixMilli(tsMS)
		out = append(out, e)
	}
	return out, rows.Err()
}
