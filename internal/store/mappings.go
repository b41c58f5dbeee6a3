package store

import (
	"database/sql"
	"errors"
	"time"

	"github.com/cratesync/cratesync/pkg/models"
)

// UpsertMapping inserts or replaces the mapping for (song, device). The
// version column advances on every write. Returns ErrConflict if the
// device path is already claimed by a different song.
func (s *Store) UpsertMapping(m *models.SongDevice) error {
	now := time.Now().UTC()
	m.UpdatedAt = now
	if m.AddedAt.IsZero() {
		m.AddedAt = now
	}
	_, err := s.Exec(`
		INSERT INTO song_devices (song_id, device_id, device_path, pending_action, modified_at, added_at, updated_at, version)
		VALUES (?, ?, ?, ?, ?, ?, ?, 1)
		ON CONFLICT (song_id, device_id) DO UPDATE SET
			device_path = excluded.device_path,
			pending_action = excluded.pending_action,
			modified_at = excluded.modified_at,
			updated_at = excluded.updated_at,
			version = version + 1
	`, m.SongID, m.DeviceID, m.DevicePath, m.PendingAction, m.ModifiedAt, m.AddedAt, m.UpdatedAt)
	if err != nil && isConstraintErr(err) {
		return ErrConflict
	}
	return err
}

// GetMapping retrieves the mapping for (device, song).
func (s *Store) GetMapping(deviceID, songID int64) (*models.SongDevice, error) {
	return scanMapping(s.QueryRow(mappingSelect+`
		WHERE device_id = ? AND song_id = ?`, deviceID, songID))
}

// GetMappingByPath retrieves the mapping claiming a device path.
func (s *Store) GetMappingByPath(deviceID int64, devicePath string) (*models.SongDevice, error) {
	return scanMapping(s.QueryRow(mappingSelect+`
		WHERE device_id = ? AND device_path = ?`, deviceID, devicePath))
}

// ListMappings returns every mapping for a device.
func (s *Store) ListMappings(deviceID int64) ([]models.SongDevice, error) {
	rows, err := s.Query(mappingSelect+`
		WHERE device_id = ? ORDER BY device_path`, deviceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectMappings(rows)
}

// ListPendingMappings returns the device's mappings that carry a pending
// action, ordered by path.
func (s *Store) ListPendingMappings(deviceID int64) ([]models.SongDevice, error) {
	rows, err := s.Query(mappingSelect+`
		WHERE device_id = ? AND pending_action IS NOT NULL ORDER BY device_path`, deviceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectMappings(rows)
}

// SetMappingPending updates the pending action with an optimistic
// concurrency check. Returns ErrVersionConflict when the row moved on
// since it was read, ErrNotFound when it does not exist.
func (s *Store) SetMappingPending(deviceID, songID int64, action *models.PendingAction, expectedVersion int64) error {
	res, err := s.Exec(`
		UPDATE song_devices
		SET pending_action = ?, updated_at = ?, version = version + 1
		WHERE device_id = ? AND song_id = ? AND version = ?
	`, action, time.Now().UTC(), deviceID, songID, expectedVersion)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, err := s.GetMapping(deviceID, songID); errors.Is(err, ErrNotFound) {
			return ErrNotFound
		}
		return ErrVersionConflict
	}
	return nil
}

// DeleteMapping removes the mapping with an optimistic concurrency
// check, same contract as SetMappingPending.
func (s *Store) DeleteMapping(deviceID, songID, expectedVersion int64) error {
	res, err := s.Exec(`
		DELETE FROM song_devices
		WHERE device_id = ? AND song_id = ? AND version = ?
	`, deviceID, songID, expectedVersion)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, err := s.GetMapping(deviceID, songID); errors.Is(err, ErrNotFound) {
			return ErrNotFound
		}
		return ErrVersionConflict
	}
	return nil
}

const mappingSelect = `
	SELECT song_id, device_id, device_path, pending_action, modified_at, added_at, updated_at, version
	FROM song_devices`

func scanMapping(row rowScanner) (*models.SongDevice, error) {
	var m models.SongDevice
	var pending sql.NullString
	var modified sql.NullTime
	err := row.Scan(&m.SongID, &m.DeviceID, &m.DevicePath, &pending, &modified,
		&m.AddedAt, &m.UpdatedAt, &m.Version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if pending.Valid {
		a := models.PendingAction(pending.String)
		m.PendingAction = &a
	}
	if modified.Valid {
		t := modified.Time
		m.ModifiedAt = &t
	}
	return &m, nil
}

func collectMappings(rows *sql.Rows) ([]models.SongDevice, error) {
	var mappings []models.SongDevice
	for rows.Next() {
		m, err := scanMapping(rows)
		if err != nil {
			return nil, err
		}
		mappings = append(mappings, *m)
	}
	return mappings, rows.Err()
}
