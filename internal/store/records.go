package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/cratesync/cratesync/pkg/models"
)

// InsertRecords appends a batch of sync records in one transaction,
// ignoring rows whose (session_id, file_path) already exists. Returns
// the number of rows actually inserted, which makes a wholesale chunk
// retry a cheap no-op.
func (s *Store) InsertRecords(records []models.SyncRecord) (int, error) {
	tx, err := s.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT OR IGNORE INTO sync_records
			(session_id, file_path, song_id, action, source, error, reason, processed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return 0, err
	}
	defer stmt.Close()

	inserted := 0
	for _, r := range records {
		res, err := stmt.Exec(r.SessionID, r.FilePath, r.SongID, r.Action, r.Source,
			r.ErrorMessage, r.Reason, r.ProcessedAt)
		if err != nil {
			return 0, err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, err
		}
		inserted += int(n)
	}

	return inserted, tx.Commit()
}

// CountRecords aggregates ledger rows per action for a session.
func (s *Store) CountRecords(sessionID string) (map[models.SyncAction]int64, error) {
	rows, err := s.Query(`
		SELECT action, COUNT(*) FROM sync_records
		WHERE session_id = ? GROUP BY action
	`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[models.SyncAction]int64)
	for rows.Next() {
		var action models.SyncAction
		var n int64
		if err := rows.Scan(&action, &n); err != nil {
			return nil, err
		}
		counts[action] = n
	}
	return counts, rows.Err()
}

// ListRecords returns a session's records, optionally filtered by
// actions and source, ordered by processing time.
func (s *Store) ListRecords(sessionID string, actions []models.SyncAction, source *models.RecordSource) ([]models.SyncRecord, error) {
	query := `
		SELECT session_id, file_path, song_id, action, source, error, reason, processed_at
		FROM sync_records WHERE session_id = ?`
	args := []any{sessionID}

	if len(actions) > 0 {
		query += fmt.Sprintf(" AND action IN (?%s)", strings.Repeat(",?", len(actions)-1))
		for _, a := range actions {
			args = append(args, a)
		}
	}
	if source != nil {
		query += " AND source = ?"
		args = append(args, *source)
	}
	query += " ORDER BY processed_at, file_path"

	rows, err := s.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []models.SyncRecord
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, *r)
	}
	return records, rows.Err()
}

// HasRecord reports whether the session already holds a record for the
// path with the given action and source. Used by pending-action
// derivation to avoid re-prompting work the device already reported.
func (s *Store) HasRecord(sessionID, filePath string, action models.SyncAction, source models.RecordSource) (bool, error) {
	var n int
	err := s.QueryRow(`
		SELECT COUNT(*) FROM sync_records
		WHERE session_id = ? AND file_path = ? AND action = ? AND source = ?
	`, sessionID, filePath, action, source).Scan(&n)
	return n > 0, err
}

func scanRecord(row rowScanner) (*models.SyncRecord, error) {
	var r models.SyncRecord
	var songID sql.NullInt64
	var errMsg, reason sql.NullString
	err := row.Scan(&r.SessionID, &r.FilePath, &songID, &r.Action, &r.Source,
		&errMsg, &reason, &r.ProcessedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if songID.Valid {
		v := songID.Int64
		r.SongID = &v
	}
	if errMsg.Valid {
		v := errMsg.String
		r.ErrorMessage = &v
	}
	if reason.Valid {
		v := reason.String
		r.Reason = &v
	}
	return &r, nil
}
