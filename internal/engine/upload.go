package engine

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"path"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/blake2b"

	"github.com/cratesync/cratesync/internal/metrics"
	"github.com/cratesync/cratesync/internal/naming"
	"github.com/cratesync/cratesync/internal/store"
	"github.com/cratesync/cratesync/internal/tags"
	"github.com/cratesync/cratesync/pkg/models"
)

// UploadRequest carries a file pushed by a device.
type UploadRequest struct {
	// Path is the device-relative location the file currently lives at.
	Path       string
	ModifiedAt time.Time
	CreatedAt  time.Time
	Size       int64
	Content    io.ReadSeeker
	// ClaimedChecksum, when set, must match the server-computed content
	// checksum or the upload is rejected.
	ClaimedChecksum string
}

// UploadResult is the outcome of one upload ingestion. Per-file
// failures (tag parsing) yield Success=false plus an error ledger
// record; the request itself still succeeds.
type UploadResult struct {
	Success bool                 `json:"success"`
	SongID  *int64               `json:"songId,omitempty"`
	Action  models.SyncAction    `json:"action,omitempty"`
	// CanonicalPath is where the naming resolver would place this song;
	// devices may relocate ad-hoc paths to it.
	CanonicalPath string `json:"canonicalPath,omitempty"`
	Error         string `json:"error,omitempty"`
}

// UploadFile ingests a file pushed by the device during an in-progress
// session. This is the one place a content checksum is computed: the
// upload already touches every byte.
func (e *Engine) UploadFile(ctx context.Context, deviceID int64, req UploadRequest) (*UploadResult, error) {
	device, err := e.device(deviceID)
	if err != nil {
		return nil, err
	}
	sess, err := e.store.ActiveSession(deviceID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, errInvalidState("device %d has no in-progress session", deviceID)
		}
		return nil, err
	}

	filePath := naming.Canonical(req.Path)
	if filePath == "" {
		return nil, errValidation("upload path must not be empty")
	}

	checksum, err := contentChecksum(req.Content)
	if err != nil {
		return nil, fmt.Errorf("hashing upload: %w", err)
	}
	if req.ClaimedChecksum != "" && req.ClaimedChecksum != checksum {
		return nil, errIntegrity("claimed checksum %s does not match content %s", req.ClaimedChecksum, checksum)
	}

	md, tagErr := e.readTags(req.Content)
	if tagErr != nil {
		msg := tagErr.Error()
		if err := e.appendRecord(sess.ID, filePath, nil, models.ActionError, models.SourceDevice, &msg, nil); err != nil {
			return nil, err
		}
		metrics.UploadsIngested.WithLabelValues("error").Inc()
		return &UploadResult{Success: false, Error: msg}, nil
	}

	existing, err := e.store.GetMappingByPath(deviceID, filePath)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	action := models.ActionCreated
	var song *models.Song
	if existing != nil {
		action = models.ActionUpdated
		song, err = e.store.GetSong(existing.SongID)
		if err != nil {
			return nil, err
		}
		if song.Checksum == checksum {
			// Same bytes re-pushed; nothing to replace.
			reason := "content unchanged: checksum " + checksum
			if err := e.appendRecord(sess.ID, filePath, &song.ID, models.ActionSkipped, models.SourceDevice, nil, &reason); err != nil {
				return nil, err
			}
			metrics.UploadsIngested.WithLabelValues("skipped").Inc()
			return &UploadResult{Success: true, SongID: &song.ID, Action: models.ActionSkipped}, nil
		}
	}

	ext := path.Ext(filePath)

	if sess.DryRun {
		reason := "dry run: no catalog mutation"
		var songID *int64
		if song != nil {
			songID = &song.ID
		}
		if err := e.appendRecord(sess.ID, filePath, songID, action, models.SourceDevice, nil, &reason); err != nil {
			return nil, err
		}
		metrics.UploadsIngested.WithLabelValues("dry_run").Inc()
		return &UploadResult{Success: true, SongID: songID, Action: action}, nil
	}

	objectKey := "songs/" + uuid.NewString() + ext
	if _, err := req.Content.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	if err := e.blobs.Put(ctx, objectKey, req.Content, req.Size); err != nil {
		return nil, fmt.Errorf("storing audio: %w", err)
	}

	if song != nil {
		oldKey := song.ObjectKey
		applyTags(song, md)
		song.ObjectKey = objectKey
		song.Size = req.Size
		song.Checksum = checksum
		if err := e.store.UpdateSong(song); err != nil {
			return nil, err
		}
		if oldKey != "" && oldKey != objectKey {
			// Best effort; an orphaned object is not worth failing the
			// upload over.
			_ = e.blobs.Remove(ctx, oldKey)
		}
	} else {
		song = &models.Song{ObjectKey: objectKey, Size: req.Size, Checksum: checksum}
		applyTags(song, md)
		if err := e.store.CreateSong(song); err != nil {
			return nil, err
		}
	}

	// Clears any pending upload for this song: the push just happened.
	mod := req.ModifiedAt
	if err := e.store.UpsertMapping(&models.SongDevice{
		SongID:     song.ID,
		DeviceID:   deviceID,
		DevicePath: filePath,
		ModifiedAt: &mod,
	}); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil, errConflict("device path %q already claimed by another song", filePath)
		}
		return nil, err
	}

	if err := e.appendRecord(sess.ID, filePath, &song.ID, action, models.SourceDevice, nil, nil); err != nil {
		return nil, err
	}
	metrics.UploadsIngested.WithLabelValues(string(action)).Inc()

	canonical, err := e.resolver.Resolve(device.NamingTemplate, naming.Metadata{
		Title:  song.Title,
		Artist: song.Artist,
		Album:  song.Album,
		Genre:  song.Genre,
		Track:  song.Track,
		Year:   song.Year,
		Ext:    ext,
	})
	if err != nil {
		canonical = filePath
	}

	return &UploadResult{
		Success:       true,
		SongID:        &song.ID,
		Action:        action,
		CanonicalPath: canonical,
	}, nil
}

func (e *Engine) readTags(content io.ReadSeeker) (md tags.Metadata, err error) {
	if _, err := content.Seek(0, io.SeekStart); err != nil {
		return md, err
	}
	return e.tags.Read(content)
}

func contentChecksum(content io.ReadSeeker) (string, error) {
	if _, err := content.Seek(0, io.SeekStart); err != nil {
		return "", err
	}
	h, err := blake2b.New256(nil)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(h, content); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func applyTags(song *models.Song, md tags.Metadata) {
	song.Title = md.Title
	if song.Title == "" {
		song.Title = "Untitled"
	}
	song.Artist = md.Artist
	song.Album = md.Album
	song.Genre = md.Genre
	song.Track = md.Track
	song.Year = md.Year
}
