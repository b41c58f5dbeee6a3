package models

import "time"

// Device is a physical or logical storage target with its own file tree
// and naming convention.
type Device struct {
	ID             int64      `json:"id"`
	Name           string     `json:"name"`
	Owner          string     `json:"owner,omitempty"`
	Icon           string     `json:"icon,omitempty"`
	Color          string     `json:"color,omitempty"`
	NamingTemplate *string    `json:"namingTemplate,omitempty"`
	LastSyncAt     *time.Time `json:"lastSyncAt,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
}

// SongDevice associates a song with a device at a specific
// device-relative path. Version backs optimistic concurrency on
// mapping updates.
type SongDevice struct {
	SongID        int64          `json:"songId"`
	DeviceID      int64          `json:"deviceId"`
	DevicePath    string         `json:"devicePath"`
	PendingAction *PendingAction `json:"pendingAction,omitempty"`
	ModifiedAt    *time.Time     `json:"modifiedAt,omitempty"`
	AddedAt       time.Time      `json:"addedAt"`
	UpdatedAt     time.Time      `json:"updatedAt"`
	Version       int64          `json:"-"`
}
