// Package sqlite persists the patch journal and event stream so a run can
// be replayed, resumed and observed out of process.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"orgrun/internal/domain"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS patches (
	seq INTEGER PRIMARY KEY,
	op TEXT NOT NULL,
	path TEXT NOT NULL,
	value TEXT NOT NULL DEFAULT '',
	reason TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	kind TEXT NOT NULL,
	payload TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_created ON events(created_at);
`

type Store struct {
	db *sql.DB
}

func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
	}
	for _, stmt := range pragmas {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("set sqlite pragma %q: %w", stmt, err)
		}
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	return nil
}

func (s *Store) AppendPatch(ctx context.Context, rec domain.PatchRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO patches(seq, op, path, value, reason, created_at) VALUES(?, ?, ?, ?, ?, ?)`,
		rec.Seq, string(rec.Op), rec.Path, string(rec.Value), rec.Reason, rec.CreatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("append patch %d: %w", rec.Seq, err)
	}
	return nil
}

// ListPatches returns every persisted patch in sequence order, ready for
// replay.
func (s *Store) ListPatches(ctx context.Context) ([]domain.PatchRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, op, path, value, reason, created_at FROM patches ORDER BY seq ASC`)
	if err != nil {
		return nil, fmt.Errorf("list patches: %w", err)
	}
	defer rows.Close()

	var out []domain.PatchRecord
	for rows.Next() {
		var (
			rec       domain.PatchRecord
			op, value string
			createdAt int64
		)
		if err := rows.Scan(&rec.Seq, &op, &rec.Path, &value, &rec.Reason, &createdAt); err != nil {
			return nil, fmt.Errorf("scan patch: %w", err)
		}
		rec.Op = domain.PatchOp(op)
		if value != "" {
			rec.Value = []byte(value)
		}
		rec.CreatedAt = time.Unix(0, createdAt).UTC()
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list patches: %w", err)
	}
	return out, nil
}

func (s *Store) AppendEvent(ctx context.Context, ev domain.Event) error {
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO events(kind, payload, created_at) VALUES(?, ?, ?)`,
		string(ev.Kind), string(ev.Payload), ev.CreatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("append event %s: %w", ev.Kind, err)
	}
	return nil
}

// ListEvents returns the most recent events, oldest first, capped at limit.
func (s *Store) ListEvents(ctx context.Context, limit int) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT kind, payload, created_at FROM (
			SELECT id, kind, payload, created_at FROM events ORDER BY id DESC LIMIT ?
		) ORDER BY id ASC`, limit)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var out []domain.Event
	for rows.Next() {
		var (
			ev            domain.Event
			kind, payload string
			createdAt     int64
		)
		if err := rows.Scan(&kind, &payload, &createdAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		ev.Kind = domain.EventKind(kind)
		if payload != "" {
			ev.Payload = []byte(payload)
		}
		ev.CreatedAt = time.Unix(0, createdAt).UTC()
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	return out, nil
}
