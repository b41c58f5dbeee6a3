package store

import (
	"database/sql"
	"errors"
	"time"

	"github.com/cratesync/cratesync/pkg/models"
)

// CreateSession inserts a new sync session. Returns ErrConflict if the
// device already has an in-progress session (partial unique index).
func (s *Store) CreateSession(sess *models.SyncSession) error {
	_, err := s.Exec(`
		INSERT INTO sync_sessions (id, device_id, status, dry_run, started_at)
		VALUES (?, ?, ?, ?, ?)
	`, sess.ID, sess.DeviceID, sess.Status, sess.DryRun, sess.StartedAt)
	if err != nil && isConstraintErr(err) {
		return ErrConflict
	}
	return err
}

// GetSession retrieves a session by id.
func (s *Store) GetSession(id string) (*models.SyncSession, error) {
	return s.scanSession(s.QueryRow(sessionSelect+` WHERE id = ?`, id))
}

// ActiveSession returns the device's in-progress session, or ErrNotFound.
func (s *Store) ActiveSession(deviceID int64) (*models.SyncSession, error) {
	return s.scanSession(s.QueryRow(sessionSelect+`
		WHERE device_id = ? AND status = ?`, deviceID, models.SessionInProgress))
}

// FinishSession transitions an in-progress session to the given terminal
// status. Returns ErrNotFound if the session is not in progress.
func (s *Store) FinishSession(id string, status models.SessionStatus, at time.Time) error {
	res, err := s.Exec(`
		UPDATE sync_sessions SET status = ?, completed_at = ?
		WHERE id = ? AND status = ?
	`, status, at, id, models.SessionInProgress)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListSessions returns the device's most recent sessions, newest first.
func (s *Store) ListSessions(deviceID int64, limit int) ([]models.SyncSession, error) {
	rows, err := s.Query(sessionSelect+`
		WHERE device_id = ? ORDER BY started_at DESC LIMIT ?`, deviceID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return s.collectSessions(rows)
}

// StaleSessions returns in-progress sessions with no activity (session
// start or record ingestion) since the cutoff.
func (s *Store) StaleSessions(cutoff time.Time) ([]models.SyncSession, error) {
	rows, err := s.Query(`
		SELECT ss.id, ss.device_id, ss.status, ss.dry_run, ss.started_at, ss.completed_at
		FROM sync_sessions ss
		WHERE ss.status = ?
		  AND ss.started_at < ?
		  AND NOT EXISTS (
			SELECT 1 FROM sync_records r
			WHERE r.session_id = ss.id AND r.processed_at >= ?
		  )
	`, models.SessionInProgress, cutoff, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return s.collectSessions(rows)
}

const sessionSelect = `
	SELECT id, device_id, status, dry_run, started_at, completed_at
	FROM sync_sessions`

func (s *Store) scanSession(row rowScanner) (*models.SyncSession, error) {
	var sess models.SyncSession
	var completed sql.NullTime
	err := row.Scan(&sess.ID, &sess.DeviceID, &sess.Status, &sess.DryRun, &sess.StartedAt, &completed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if completed.Valid {
		t := completed.Time
		sess.CompletedAt = &t
	}
	return &sess, nil
}

func (s *Store) collectSessions(rows *sql.Rows) ([]models.SyncSession, error) {
	var sessions []models.SyncSession
	for rows.Next() {
		sess, err := s.scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, *sess)
	}
	return sessions, rows.Err()
}
