package models

import "time"

// SessionStatus is the lifecycle state of a sync session.
type SessionStatus string

const (
	SessionInProgress SessionStatus = "in_progress"
	SessionCompleted  SessionStatus = "completed"
	SessionCancelled  SessionStatus = "cancelled"
)

// SyncAction is the outcome recorded for one file within a session.
type SyncAction string

const (
	ActionCreated    SyncAction = "created"
	ActionUpdated    SyncAction = "updated"
	ActionSkipped    SyncAction = "skipped"
	ActionDownloaded SyncAction = "downloaded"
	ActionRemoved    SyncAction = "removed"
	ActionError      SyncAction = "error"
)

// ValidAction reports whether s is a known sync action.
func ValidAction(s SyncAction) bool {
	switch s {
	case ActionCreated, ActionUpdated, ActionSkipped, ActionDownloaded, ActionRemoved, ActionError:
		return true
	}
	return false
}

// RecordSource identifies who originated or observed a sync outcome.
type RecordSource string

const (
	SourceDevice RecordSource = "device"
	SourceServer RecordSource = "server"
)

// ValidSource reports whether s is a known record source.
func ValidSource(s RecordSource) bool {
	return s == SourceDevice || s == SourceServer
}

// PendingAction is a server-recorded desired change for a (device, song)
// pair that the device has not yet confirmed applied.
type PendingAction string

const (
	PendingDownload PendingAction = "download"
	PendingUpload   PendingAction = "upload"
	PendingRemove   PendingAction = "remove"
)

// FileFingerprint is the cheap proxy for file content identity submitted
// by a device during a sync check. The path is device-relative.
type FileFingerprint struct {
	Path       string    `json:"path"`
	ModifiedAt time.Time `json:"modifiedAt"`
	CreatedAt  time.Time `json:"createdAt"`
}

// ChangedFile is a known path classified as changed, together with the
// reason it was classified that way.
type ChangedFile struct {
	Path   string `json:"path"`
	Reason string `json:"reason"`
}

// CheckResult is the outcome of a sync check: paths the catalog has no
// record of for this device, and known paths whose fingerprint differs.
type CheckResult struct {
	ToCreate []string      `json:"toCreate"`
	ToUpdate []ChangedFile `json:"toUpdate"`
}

// PendingItem is one entry in a device's pending-action queue.
type PendingItem struct {
	SongID int64         `json:"songId"`
	Path   string        `json:"path"`
	Action PendingAction `json:"action"`
}
