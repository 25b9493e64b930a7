package journal

import (
	"database/sql"
	"fmt"
	"time"
)

// migration is one schema change.
type migration struct {
	Version     int
	Description string
	Up          string
}

var migrations = []migration{
	{
		Version:     1,
		Description: "Sessions and dispatches",
		Up: `
CREATE TABLE IF NOT EXISTS sessions (
    id          TEXT PRIMARY KEY,
    started_ns  INTEGER NOT NULL,
    version     TEXT NOT NULL,
    hostname    TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS dispatches (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id  TEXT NOT NULL REFERENCES sessions(id),
    ts_ns       INTEGER NOT NULL,
    command     TEXT NOT NULL,
    remote      TEXT NOT NULL,
    kind        TEXT NOT NULL,
    synthesized INTEGER NOT NULL,
    chain       INTEGER NOT NULL,
    code        TEXT NOT NULL,
    handled     INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_dispatches_ts ON dispatches(ts_ns);
`,
	},
	{
		Version:     2,
		Description: "Index dispatches by session",
		Up:          `CREATE INDEX IF NOT EXISTS idx_dispatches_session ON dispatches(session_id, ts_ns);`,
	},
}

// migrate applies pending migrations.
func migrate(db *sql.DB) error {
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version     INTEGER PRIMARY KEY,
			applied_at  INTEGER NOT NULL,
			description TEXT
		)`); err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	current, err := schemaVersion(db)
	if err != nil {
		return err
	}

	for _, m := range migrations {
		if m.Version <= current {
			continue
		}

		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", m.Version, err)
		}
		if _, err := tx.Exec(m.Up); err != nil {
			tx.Rollback()
			return fmt.Errorf("apply migration %d (%s): %w", m.Version, m.Description, err)
		}
		if _, err := tx.Exec(
			`INSERT INTO schema_migrations (version, applied_at, description) VALUES (?, ?, ?)`,
			m.Version, time.Now().UnixNano(), m.Description,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %d: %w", m.Version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.Version, err)
		}
	}
	return nil
}

func schemaVersion(db *sql.DB) (int, error) {
	var v int
	if err := db.QueryRow(`SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&v); err != nil {
		return 0, fmt.Errorf("get schema version: %w", err)
	}
	return v, nil
}
