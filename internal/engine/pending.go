package engine

import (
	"errors"
	"path"

	"github.com/cratesync/cratesync/internal/logging"
	"github.com/cratesync/cratesync/internal/metrics"
	"github.com/cratesync/cratesync/internal/naming"
	"github.com/cratesync/cratesync/internal/store"
	"github.com/cratesync/cratesync/pkg/models"
)

// GetPendingActions returns the device's current desired-change set.
// Pull model: devices are not always connected.
func (e *Engine) GetPendingActions(deviceID int64) ([]models.PendingItem, error) {
	if _, err := e.device(deviceID); err != nil {
		return nil, err
	}
	mappings, err := e.store.ListPendingMappings(deviceID)
	if err != nil {
		return nil, err
	}
	items := []models.PendingItem{}
	for _, m := range mappings {
		items = append(items, models.PendingItem{
			SongID: m.SongID,
			Path:   m.DevicePath,
			Action: *m.PendingAction,
		})
	}
	return items, nil
}

// AcknowledgeAction retires the pending action for (device, song). It is
// the only operation that removes a queue entry, and it is idempotent:
// acknowledging a cleared entry is a no-op. Acknowledging a remove also
// drops the mapping, since the file no longer exists on the device.
func (e *Engine) AcknowledgeAction(deviceID, songID int64) error {
	if _, err := e.device(deviceID); err != nil {
		return err
	}

	// Two attempts: a concurrent catalog update may bump the mapping
	// version between our read and write.
	for attempt := 0; attempt < 2; attempt++ {
		m, err := e.store.GetMapping(deviceID, songID)
		if errors.Is(err, store.ErrNotFound) {
			if _, serr := e.store.GetSong(songID); errors.Is(serr, store.ErrNotFound) {
				return errNotFound("song %d not found", songID)
			}
			return nil // nothing mapped, nothing pending
		}
		if err != nil {
			return err
		}
		if m.PendingAction == nil {
			return nil
		}

		if *m.PendingAction == models.PendingRemove {
			err = e.store.DeleteMapping(deviceID, songID, m.Version)
		} else {
			err = e.store.SetMappingPending(deviceID, songID, nil, m.Version)
		}
		if errors.Is(err, store.ErrVersionConflict) {
			continue
		}
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		metrics.PendingAcknowledged.Inc()
		return nil
	}
	return errConflict("mapping for device %d song %d kept changing during acknowledge", deviceID, songID)
}

// MarkForDownload schedules a song to be placed on the device. The
// target path comes from the naming resolver. When the device's active
// session already reports the download from its side, no new prompt is
// derived.
func (e *Engine) MarkForDownload(deviceID, songID int64) (*models.PendingItem, error) {
	device, err := e.device(deviceID)
	if err != nil {
		return nil, err
	}
	song, err := e.store.GetSong(songID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, errNotFound("song %d not found", songID)
		}
		return nil, err
	}

	m, err := e.store.GetMapping(deviceID, songID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	if m != nil {
		if done, err := e.deviceAlreadyReported(deviceID, m.DevicePath, models.ActionDownloaded, songID); err != nil {
			return nil, err
		} else if done {
			return &models.PendingItem{SongID: songID, Path: m.DevicePath, Action: models.PendingDownload}, nil
		}
		action := models.PendingDownload
		if err := e.setPendingWithRetry(deviceID, songID, &action); err != nil {
			return nil, err
		}
		return &models.PendingItem{SongID: songID, Path: m.DevicePath, Action: action}, nil
	}

	target, err := e.resolver.Resolve(device.NamingTemplate, songMetadata(song))
	if err != nil {
		return nil, errValidation("resolving target path: %v", err)
	}
	if other, err := e.store.GetMappingByPath(deviceID, target); err == nil && other.SongID != songID {
		return nil, errConflict("device path %q already claimed by song %d", target, other.SongID)
	} else if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	action := models.PendingDownload
	err = e.store.UpsertMapping(&models.SongDevice{
		SongID:        songID,
		DeviceID:      deviceID,
		DevicePath:    target,
		PendingAction: &action,
	})
	if err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil, errConflict("device path %q already claimed", target)
		}
		return nil, err
	}
	return &models.PendingItem{SongID: songID, Path: target, Action: action}, nil
}

// MarkForRemoval schedules a song's file for deletion from the device.
// When the device's active session already reports the removal, the
// mapping is dropped directly instead of prompting the device again.
func (e *Engine) MarkForRemoval(deviceID, songID int64) error {
	if _, err := e.device(deviceID); err != nil {
		return err
	}
	m, err := e.store.GetMapping(deviceID, songID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return errNotFound("song %d is not mapped to device %d", songID, deviceID)
		}
		return err
	}

	if done, err := e.deviceAlreadyReported(deviceID, m.DevicePath, models.ActionRemoved, songID); err != nil {
		return err
	} else if done {
		if err := e.store.DeleteMapping(deviceID, songID, m.Version); err != nil && !errors.Is(err, store.ErrVersionConflict) && !errors.Is(err, store.ErrNotFound) {
			return err
		}
		return nil
	}

	action := models.PendingRemove
	return e.setPendingWithRetry(deviceID, songID, &action)
}

// deviceAlreadyReported checks the device's active session for a
// device-sourced record of the same outcome, so the queue does not
// re-prompt work the device just confirmed. The device's own ledger
// row documents the outcome; the collision itself is only logged, so
// no synthetic path ever reaches the ledger.
func (e *Engine) deviceAlreadyReported(deviceID int64, devicePath string, action models.SyncAction, songID int64) (bool, error) {
	sess, err := e.store.ActiveSession(deviceID)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	has, err := e.store.HasRecord(sess.ID, devicePath, action, models.SourceDevice)
	if err != nil || !has {
		return false, err
	}
	logging.Debug().
		Str("session", sess.ID).
		Str("path", devicePath).
		Str("action", string(action)).
		Int64("song", songID).
		Msg("device already reported outcome; not re-deriving pending action")
	return true, nil
}

// setPendingWithRetry applies an optimistic-concurrency update with one
// retry, re-reading the row when a concurrent writer got there first.
func (e *Engine) setPendingWithRetry(deviceID, songID int64, action *models.PendingAction) error {
	for attempt := 0; attempt < 2; attempt++ {
		m, err := e.store.GetMapping(deviceID, songID)
		if errors.Is(err, store.ErrNotFound) {
			return errNotFound("song %d is not mapped to device %d", songID, deviceID)
		}
		if err != nil {
			return err
		}
		err = e.store.SetMappingPending(deviceID, songID, action, m.Version)
		if errors.Is(err, store.ErrVersionConflict) {
			continue
		}
		return err
	}
	return errConflict("mapping for device %d song %d kept changing", deviceID, songID)
}

func songMetadata(song *models.Song) naming.Metadata {
	return naming.Metadata{
		Title:  song.Title,
		Artist: song.Artist,
		Album:  song.Album,
		Genre:  song.Genre,
		Track:  song.Track,
		Year:   song.Year,
		Ext:    path.Ext(song.ObjectKey),
	}
}
