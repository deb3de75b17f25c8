// Package storage persists an audit log of activation runs and their
// attempts to SQLite.
//
// The log answers the questions that come up when a device fails to
// activate: how many attempts the last run made, which attempt was
// rejected, and whether local mode was in play. It is written
// opportunistically by the orchestrator and read by the history CLI verb.
package storage

import (
	"log"
	"sync"

	// SQLite driver - imported for side effects (registers the driver).
	// Using modernc.org/sqlite which is a pure-Go implementation that
	// doesn't require CGO, making cross-compilation and testing easier.
	"database/sql"

	_ "modernc.org/sqlite"

	activatorErrors "github.com/a5revive/activator/internal/errors"
)

// schema creates the audit tables. Attempts reference their run so a run's
// history deletes as a unit.
const schema = `
CREATE TABLE IF NOT EXISTS runs (
	id          TEXT PRIMARY KEY,
	started_at  INTEGER NOT NULL,
	finished_at INTEGER,
	local_mode  INTEGER NOT NULL DEFAULT 0,
	outcome     TEXT NOT NULL DEFAULT '',
	message     TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS attempts (
	run_id  TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
	idx     INTEGER NOT NULL,
	outcome TEXT NOT NULL,
	detail  TEXT NOT NULL DEFAULT '',
	at      INTEGER NOT NULL,
	PRIMARY KEY (run_id, idx)
);
`

// AuditStore records activation runs in a SQLite database.
// It supports concurrent access through internal locking.
type AuditStore struct {
	db *sql.DB      // Database connection handle.
	mu sync.RWMutex // Guards all database operations for thread safety.
}

// NewAuditStore opens or creates the audit database at the given path.
// It initializes the schema if the tables don't exist.
// Use ":memory:" for an in-memory database (useful for testing).
func NewAuditStore(path string) (*AuditStore, error) {
	log.Printf("storage: opening audit database at %s", path)

	// Open with foreign keys enabled for referential integrity and a
	// busy_timeout to handle the CLI reading while a run is writing.
	db, err := sql.Open("sqlite", path+"?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, activatorErrors.Wrap(activatorErrors.CodeStorageOpenFailed, "open audit database", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, activatorErrors.Wrap(activatorErrors.CodeStorageOpenFailed, "ping audit database", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, activatorErrors.Wrap(activatorErrors.CodeStorageOpenFailed, "init audit schema", err)
	}

	return &AuditStore{db: db}, nil
}

// Close releases the database connection.
func (s *AuditStore) Close() error {
	log.Printf("storage: closing audit database")
	return s.db.Close()
}
