// Package journal keeps a SQLite history of dispatched commands.
//
// The journal is write-only from the daemon's point of view: nothing in the
// input pipeline reads it back. `irbridge history` queries it.
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// Entry is one dispatched event.
type Entry struct {
	ID          int64
	SessionID   string
	Time        time.Time
	Command     string
	Remote      string
	Kind        string
	Synthesized bool
	Chain       uint64
	Code        string
	Handled     int
}

// Session is one daemon run.
type Session struct {
	ID        string
	StartedAt time.Time
	Version   string
	Hostname  string
}

// Journal is the SQLite store.
type Journal struct {
	db *sql.DB
}

// Open opens or creates the database at path and applies migrations.
func Open(path string) (*Journal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create journal directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Journal{db: db}, nil
}

// Close closes the database.
func (j *Journal) Close() error {
	if j.db != nil {
		return j.db.Close()
	}
	return nil
}

// Ping checks the database connection.
func (j *Journal) Ping(ctx context.Context) error {
	return j.db.PingContext(ctx)
}

// StartSession records a new run and returns its id.
func (j *Journal) StartSession(ctx context.Context, version string) (Session, error) {
	host, _ := os.Hostname()
	s := Session{
		ID:        uuid.NewString(),
		StartedAt: time.Now(),
		Version:   version,
		Hostname:  host,
	}
	_, err := j.db.ExecContext(ctx,
		`INSERT INTO sessions (id, started_ns, version, hostname) VALUES (?, ?, ?, ?)`,
		s.ID, s.StartedAt.UnixNano(), s.Version, s.Hostname,
	)
	if err != nil {
		return Session{}, fmt.Errorf("insert session: %w", err)
	}
	return s, nil
}

// Append inserts entries in one transaction.
func (j *Journal) Append(ctx context.Context, entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}

	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO dispatches (session_id, ts_ns, command, remote, kind, synthesized, chain, code, handled)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, e := range entries {
		if _, err := stmt.ExecContext(ctx,
			e.SessionID, e.Time.UnixNano(), e.Command, e.Remote, e.Kind,
			e.Synthesized, int64(e.Chain), e.Code, e.Handled,
		); err != nil {
			return fmt.Errorf("insert dispatch: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Recent returns the newest n entries, newest first. Synthesized repeats
// are skipped unless withRepeats is set.
func (j *Journal) Recent(ctx context.Context, n int, withRepeats bool) ([]Entry, error) {
	query := `
		SELECT id, session_id, ts_ns, command, remote, kind, synthesized, chain, code, handled
		FROM dispatches`
	if !withRepeats {
		query += ` WHERE synthesized = 0`
	}
	query += ` ORDER BY ts_ns DESC, id DESC LIMIT ?`

	rows, err := j.db.QueryContext(ctx, query, n)
	if err != nil {
		return nil, fmt.Errorf("query dispatches: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			e     Entry
			tsNs  int64
			chain int64
		)
		if err := rows.Scan(&e.ID, &e.SessionID, &tsNs, &e.Command, &e.Remote, &e.Kind,
			&e.Synthesized, &chain, &e.Code, &e.Handled); err != nil {
			return nil, fmt.Errorf("scan dispatch: %w", err)
		}
		e.Time = time.Unix(0, tsNs)
		e.Chain = uint64(chain)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Sessions returns the newest n sessions, newest first.
func (j *Journal) Sessions(ctx context.Context, n int) ([]Session, error) {
	rows, err := j.db.QueryContext(ctx,
		`SELECT id, started_ns, version, hostname FROM sessions ORDER BY started_ns DESC LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		var (
			s    Session
			tsNs int64
		)
		if err := rows.Scan(&s.ID, &tsNs, &s.Version, &s.Hostname); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		s.StartedAt = time.Unix(0, tsNs)
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

// Prune deletes entries older than cutoff and sessions left without
// entries, and returns the number of entries removed.
func (j *Journal) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := j.db.ExecContext(ctx, `DELETE FROM dispatches WHERE ts_ns < ?`, cutoff.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("prune dispatches: %w", err)
	}
	n, _ := res.RowsAffected()

	_, err = j.db.ExecContext(ctx, `
		DELETE FROM sessions
		WHERE started_ns < ? AND id NOT IN (SELECT DISTINCT session_id FROM dispatches)`,
		cutoff.UnixNano())
	if err != nil {
		return n, fmt.Errorf("prune sessions: %w", err)
	}
	return n, nil
}

// Count returns the number of stored entries.
func (j *Journal) Count(ctx context.Context) (int64, error) {
	var n int64
	err := j.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM dispatches`).Scan(&n)
	return n, err
}
