package models

import "time"

// SyncSession identifies one reconciliation run for one device. At most
// one in-progress session exists per device at a time.
type SyncSession struct {
	ID          string        `json:"id"`
	DeviceID    int64         `json:"deviceId"`
	Status      SessionStatus `json:"status"`
	DryRun      bool          `json:"dryRun"`
	StartedAt   time.Time     `json:"startedAt"`
	CompletedAt *time.Time    `json:"completedAt,omitempty"`
}

// SyncRecord is one outcome for one file within one session. The pair
// (SessionID, FilePath) is unique; a retried chunk post never creates a
// duplicate.
type SyncRecord struct {
	SessionID    string       `json:"sessionId"`
	FilePath     string       `json:"filePath"`
	SongID       *int64       `json:"songId,omitempty"`
	Action       SyncAction   `json:"action"`
	Source       RecordSource `json:"source"`
	ErrorMessage *string      `json:"errorMessage,omitempty"`
	Reason       *string      `json:"reason,omitempty"`
	ProcessedAt  time.Time    `json:"processedAt"`
}

// SessionSummary is the aggregate outcome of a completed session,
// computed by counting ledger rows per action.
type SessionSummary struct {
	CreatedCount    int64 `json:"createdCount"`
	UpdatedCount    int64 `json:"updatedCount"`
	SkippedCount    int64 `json:"skippedCount"`
	DownloadedCount int64 `json:"downloadedCount"`
	RemovedCount    int64 `json:"removedCount"`
	ErrorCount      int64 `json:"errorCount"`
}
