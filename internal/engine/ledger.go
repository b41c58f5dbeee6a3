package engine

import (
	"github.com/cratesync/cratesync/internal/metrics"
	"github.com/cratesync/cratesync/internal/naming"
	"github.com/cratesync/cratesync/pkg/models"
)

// ChunkAck reports what a chunk post actually changed. A wholesale
// retry of the same chunk yields Inserted == 0.
type ChunkAck struct {
	Received   int `json:"received"`
	Inserted   int `json:"inserted"`
	Duplicates int `json:"duplicates"`
}

// RecordChunk ingests a batch of per-file outcomes for a session. Each
// record is inserted-or-ignored by (session, path), so the caller may
// retry a failed chunk wholesale without knowing which rows landed.
// Records arriving out of order is fine; the ledger assumes none.
func (e *Engine) RecordChunk(deviceID int64, sessionID string, records []models.SyncRecord) (*ChunkAck, error) {
	sess, err := e.sessionForDevice(deviceID, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.Status != models.SessionInProgress {
		return nil, errInvalidState("session %s is %s, not accepting records", sessionID, sess.Status)
	}

	if len(records) == 0 {
		return nil, errValidation("empty record chunk")
	}
	if len(records) > e.maxChunkSize {
		return nil, errValidation("chunk of %d records exceeds limit of %d", len(records), e.maxChunkSize)
	}

	now := e.now()
	for i := range records {
		r := &records[i]
		r.SessionID = sessionID
		r.FilePath = naming.Canonical(r.FilePath)
		if r.FilePath == "" {
			return nil, errValidation("record %d has an empty file path", i)
		}
		if !models.ValidAction(r.Action) {
			return nil, errValidation("record %d has unknown action %q", i, r.Action)
		}
		if !models.ValidSource(r.Source) {
			return nil, errValidation("record %d has unknown source %q", i, r.Source)
		}
		if r.ProcessedAt.IsZero() {
			r.ProcessedAt = now
		}
	}

	inserted, err := e.store.InsertRecords(records)
	if err != nil {
		return nil, err
	}

	for _, r := range records {
		metrics.RecordsIngested.WithLabelValues(string(r.Action)).Inc()
	}

	return &ChunkAck{
		Received:   len(records),
		Inserted:   inserted,
		Duplicates: len(records) - inserted,
	}, nil
}

// appendRecord writes a single server-observed outcome into the ledger,
// ignoring the duplicate case.
func (e *Engine) appendRecord(sessionID, path string, songID *int64, action models.SyncAction, source models.RecordSource, errMsg, reason *string) error {
	_, err := e.store.InsertRecords([]models.SyncRecord{{
		SessionID:    sessionID,
		FilePath:     path,
		SongID:       songID,
		Action:       action,
		Source:       source,
		ErrorMessage: errMsg,
		Reason:       reason,
		ProcessedAt:  e.now(),
	}})
	return err
}
