package store

import (
	"database/sql"
	"errors"
	"time"

	"github.com/cratesync/cratesync/pkg/models"
)

// CreateDevice inserts a new device and fills in its ID and CreatedAt.
func (s *Store) CreateDevice(d *models.Device) error {
	d.CreatedAt = time.Now().UTC()
	res, err := s.Exec(`
		INSERT INTO devices (name, owner, icon, color, naming_template, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, d.Name, d.Owner, d.Icon, d.Color, d.NamingTemplate, d.CreatedAt)
	if err != nil {
		if isConstraintErr(err) {
			return ErrConflict
		}
		return err
	}
	d.ID, err = res.LastInsertId()
	return err
}

// GetDevice retrieves a device by id.
func (s *Store) GetDevice(id int64) (*models.Device, error) {
	return s.scanDevice(s.QueryRow(`
		SELECT id, name, owner, icon, color, naming_template, last_sync_at, created_at
		FROM devices WHERE id = ?
	`, id))
}

// ListDevices returns all devices ordered by name.
func (s *Store) ListDevices() ([]models.Device, error) {
	rows, err := s.Query(`
		SELECT id, name, owner, icon, color, naming_template, last_sync_at, created_at
		FROM devices ORDER BY name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var devices []models.Device
	for rows.Next() {
		d, err := s.scanDevice(rows)
		if err != nil {
			return nil, err
		}
		devices = append(devices, *d)
	}
	return devices, rows.Err()
}

// UpdateDevice persists mutable device attributes. Naming-template
// changes do not rename existing mappings.
func (s *Store) UpdateDevice(d *models.Device) error {
	res, err := s.Exec(`
		UPDATE devices SET owner = ?, icon = ?, color = ?, naming_template = ?
		WHERE id = ?
	`, d.Owner, d.Icon, d.Color, d.NamingTemplate, d.ID)
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

// SetDeviceLastSync stamps the device's last successful sync time.
func (s *Store) SetDeviceLastSync(id int64, at time.Time) error {
	_, err := s.Exec(`UPDATE devices SET last_sync_at = ? WHERE id = ?`, at, id)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *Store) scanDevice(row rowScanner) (*models.Device, error) {
	var d models.Device
	var template sql.NullString
	var lastSync sql.NullTime
	err := row.Scan(&d.ID, &d.Name, &d.Owner, &d.Icon, &d.Color, &template, &lastSync, &d.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if template.Valid {
		d.NamingTemplate = &template.String
	}
	if lastSync.Valid {
		t := lastSync.Time
		d.LastSyncAt = &t
	}
	return &d, nil
}
