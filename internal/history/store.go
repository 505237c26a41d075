// Package history persists activity transitions to SQLite so the CLI
// can look back past daemon restarts. WAL mode keeps reads concurrent
// with the single writer.
package history

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // pure-Go driver, no cgo

	"github.com/vigil-daemon/vigil/internal/activity"
	"github.com/vigil-daemon/vigil/internal/wire"
)

const (
	// DefaultLimit bounds queries that do not name their own limit.
	DefaultLimit = 50
	maxLimit     = 1000
)

// Store is the transition log.
type Store struct {
	db *sql.DB
}

// Open creates or opens the database at path and runs migrations.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}

	dsn := path + "?_journal_mode=WAL&_busy_timeout=5000"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	// SQLite is single-writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS transitions (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			seq         INTEGER NOT NULL,
			state       TEXT    NOT NULL,
			at          INTEGER NOT NULL,
			recorded_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_transitions_at ON transitions(at)`,
	}
	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// Append records one transition. Timestamps are stored as epoch
// microseconds, matching the wire precision.
func (s *Store) Append(t activity.Transition) error {
	_, err := s.db.Exec(
		`INSERT INTO transitions (seq, state, at, recorded_at) VALUES (?, ?, ?, ?)`,
		t.Seq, t.State.String(), t.At.UnixMicro(), time.Now().UnixMicro(),
	)
	if err != nil {
		return fmt.Errorf("append transition %d: %w", t.Seq, err)
	}
	return nil
}

// Recent returns the newest transitions first. A non-positive limit
// falls back to DefaultLimit; requests are capped at 1000 rows.
func (s *Store) Recent(limit int) ([]wire.HistoryEntry, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}
	if limit > maxLimit {
		limit = maxLimit
	}

	rows, err := s.db.Query(
		`SELECT seq, state, at, recorded_at FROM transitions ORDER BY id DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []wire.HistoryEntry
	for rows.Next() {
		var (
			e         wire.HistoryEntry
			name      string
			at, recAt int64
		)
		if err := rows.Scan(&e.Seq, &name, &at, &recAt); err != nil {
			return nil, err
		}
		st, ok := activity.StateFromName(name)
		if !ok {
			return nil, fmt.Errorf("row %d holds unknown state %q", e.Seq, name)
		}
		e.State = st
		e.At = time.UnixMicro(at)
		e.RecordedAt = time.UnixMicro(recAt)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Count reports how many transitions are stored.
func (s *Store) Count() (int64, error) {
	var n int64
	err := s.db.QueryRow(`SELECT COUNT(*) FROM transitions`).Scan(&n)
	return n, err
}
