package engine

import (
	"errors"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/cratesync/cratesync/internal/metrics"
	"github.com/cratesync/cratesync/internal/store"
	"github.com/cratesync/cratesync/pkg/models"
)

// StartSync opens a new session for the device. Fails with a conflict
// when an in-progress session already exists; the storage layer's
// partial unique index backstops a racing double-start.
func (e *Engine) StartSync(deviceID int64, dryRun bool) (*models.SyncSession, error) {
	if _, err := e.device(deviceID); err != nil {
		return nil, err
	}

	if active, err := e.store.ActiveSession(deviceID); err == nil {
		return nil, errConflict("device %d already has in-progress session %s", deviceID, active.ID)
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	sess := &models.SyncSession{
		ID:        uuid.NewString(),
		DeviceID:  deviceID,
		Status:    models.SessionInProgress,
		DryRun:    dryRun,
		StartedAt: e.now(),
	}
	if err := e.store.CreateSession(sess); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil, errConflict("device %d already has an in-progress session", deviceID)
		}
		return nil, err
	}

	metrics.SessionsStarted.WithLabelValues(strconv.FormatBool(dryRun)).Inc()
	return sess, nil
}

// CompleteSync transitions the session to Completed and returns the
// aggregate counts, computed purely from the ledger. It performs no
// further catalog mutation and always succeeds for a valid in-progress
// session; callers inspect ErrorCount for per-file failures.
func (e *Engine) CompleteSync(deviceID int64, sessionID string) (*models.SessionSummary, error) {
	sess, err := e.sessionForDevice(deviceID, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.Status != models.SessionInProgress {
		return nil, errInvalidState("session %s is %s, not in progress", sessionID, sess.Status)
	}

	// The status flips before counting: once completed, no further chunk
	// is accepted, so the summary covers every record the session took.
	if err := e.store.FinishSession(sessionID, models.SessionCompleted, e.now()); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, errInvalidState("session %s already finished", sessionID)
		}
		return nil, err
	}

	summary, err := e.sessionSummary(sessionID)
	if err != nil {
		return nil, err
	}

	if !sess.DryRun {
		if err := e.store.SetDeviceLastSync(deviceID, e.now()); err != nil {
			return nil, err
		}
	}
	return summary, nil
}

// CancelSync aborts an in-progress session. Already-ingested records
// remain for audit; no further chunks are accepted.
func (e *Engine) CancelSync(deviceID int64, sessionID string) error {
	sess, err := e.sessionForDevice(deviceID, sessionID)
	if err != nil {
		return err
	}
	if sess.Status != models.SessionInProgress {
		return errInvalidState("session %s is %s, not in progress", sessionID, sess.Status)
	}
	if err := e.store.FinishSession(sessionID, models.SessionCancelled, e.now()); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return errInvalidState("session %s already finished", sessionID)
		}
		return err
	}
	return nil
}

// CancelStale cancels in-progress sessions with no activity within the
// window. The engine defines the transition; scheduling it is the
// operator's concern.
func (e *Engine) CancelStale(window time.Duration) (int, error) {
	cutoff := e.now().Add(-window)
	stale, err := e.store.StaleSessions(cutoff)
	if err != nil {
		return 0, err
	}
	cancelled := 0
	for _, sess := range stale {
		err := e.store.FinishSession(sess.ID, models.SessionCancelled, e.now())
		if errors.Is(err, store.ErrNotFound) {
			// Finished by someone else in the meantime.
			continue
		}
		if err != nil {
			return cancelled, err
		}
		cancelled++
	}
	return cancelled, nil
}

// ListSessions returns the device's most recent sessions.
func (e *Engine) ListSessions(deviceID int64, count int) ([]models.SyncSession, error) {
	if _, err := e.device(deviceID); err != nil {
		return nil, err
	}
	if count <= 0 {
		count = 20
	}
	return e.store.ListSessions(deviceID, count)
}

// ListSessionRecords returns a session's ledger rows, optionally
// filtered by actions and source.
func (e *Engine) ListSessionRecords(deviceID int64, sessionID string, actions []models.SyncAction, source *models.RecordSource) ([]models.SyncRecord, error) {
	if _, err := e.sessionForDevice(deviceID, sessionID); err != nil {
		return nil, err
	}
	for _, a := range actions {
		if !models.ValidAction(a) {
			return nil, errValidation("unknown action filter %q", a)
		}
	}
	if source != nil && !models.ValidSource(*source) {
		return nil, errValidation("unknown source filter %q", *source)
	}
	return e.store.ListRecords(sessionID, actions, source)
}

func (e *Engine) sessionSummary(sessionID string) (*models.SessionSummary, error) {
	counts, err := e.store.CountRecords(sessionID)
	if err != nil {
		return nil, err
	}
	return &models.SessionSummary{
		CreatedCount:    counts[models.ActionCreated],
		UpdatedCount:    counts[models.ActionUpdated],
		SkippedCount:    counts[models.ActionSkipped],
		DownloadedCount: counts[models.ActionDownloaded],
		RemovedCount:    counts[models.ActionRemoved],
		ErrorCount:      counts[models.ActionError],
	}, nil
}
