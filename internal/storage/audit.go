package storage

import (
	"database/sql"
	"time"

	"github.com/google/uuid"

	activatorErrors "github.com/a5revive/activator/internal/errors"
)

// Run outcome values.
const (
	RunOutcomeSucceeded = "succeeded"
	RunOutcomeFailed    = "failed"
)

// Attempt outcome values.
const (
	AttemptActivated        = "activated"
	AttemptRejected         = "rejected"
	AttemptTransportFailure = "transport_failure"
)

// Run is one recorded orchestration run.
type Run struct {
	ID         string
	StartedAt  time.Time
	FinishedAt time.Time // zero while the run is open
	LocalMode  bool
	Outcome    string // empty while the run is open
	Message    string
}

// Attempt is one recorded push attempt within a run.
type Attempt struct {
	RunID   string
	Index   int
	Outcome string
	Detail  string
	At      time.Time
}

// BeginRun records the start of an orchestration run and returns its ID.
func (s *AuditStore) BeginRun(localMode bool) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := uuid.NewString()
	_, err := s.db.Exec(
		`INSERT INTO runs (id, started_at, local_mode) VALUES (?, ?, ?)`,
		id, time.Now().Unix(), boolToInt(localMode),
	)
	if err != nil {
		return "", activatorErrors.Wrap(activatorErrors.CodeStorageSaveFailed, "record run start", err)
	}
	return id, nil
}

// RecordAttempt records the outcome of one push attempt.
func (s *AuditStore) RecordAttempt(runID string, index int, outcome, detail string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		`INSERT INTO attempts (run_id, idx, outcome, detail, at) VALUES (?, ?, ?, ?, ?)`,
		runID, index, outcome, detail, time.Now().Unix(),
	)
	if err != nil {
		return activatorErrors.Wrap(activatorErrors.CodeStorageSaveFailed, "record attempt", err)
	}
	return nil
}

// FinishRun records the terminal outcome of a run.
func (s *AuditStore) FinishRun(runID, outcome, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		`UPDATE runs SET finished_at = ?, outcome = ?, message = ? WHERE id = ?`,
		time.Now().Unix(), outcome, message, runID,
	)
	if err != nil {
		return activatorErrors.Wrap(activatorErrors.CodeStorageSaveFailed, "record run end", err)
	}
	return nil
}

// RecentRuns returns up to limit runs, newest first.
func (s *AuditStore) RecentRuns(limit int) ([]Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(
		`SELECT id, started_at, finished_at, local_mode, outcome, message
		 FROM runs ORDER BY started_at DESC, id LIMIT ?`, limit)
	if err != nil {
		return nil, activatorErrors.Wrap(activatorErrors.CodeStorageQueryFailed, "list runs", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var (
			r         Run
			started   int64
			finished  sql.NullInt64
			localMode int
		)
		if err := rows.Scan(&r.ID, &started, &finished, &localMode, &r.Outcome, &r.Message); err != nil {
			return nil, activatorErrors.Wrap(activatorErrors.CodeStorageQueryFailed, "scan run", err)
		}
		r.StartedAt = time.Unix(started, 0)
		if finished.Valid {
			r.FinishedAt = time.Unix(finished.Int64, 0)
		}
		r.LocalMode = localMode != 0
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// AttemptsForRun returns the attempts of one run in attempt order.
func (s *AuditStore) AttemptsForRun(runID string) ([]Attempt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(
		`SELECT run_id, idx, outcome, detail, at FROM attempts WHERE run_id = ? ORDER BY idx`, runID)
	if err != nil {
		return nil, activatorErrors.Wrap(activatorErrors.CodeStorageQueryFailed, "list attempts", err)
	}
	defer rows.Close()

	var attempts []Attempt
	for rows.Next() {
		var (
			a  Attempt
			at int64
		)
		if err := rows.Scan(&a.RunID, &a.Index, &a.Outcome, &a.Detail, &at); err != nil {
			return nil, activatorErrors.Wrap(activatorErrors.CodeStorageQueryFailed, "scan attempt", err)
		}
		a.At = time.Unix(at, 0)
		attempts = append(attempts, a)
	}
	return attempts, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
