// Package engine implements the device sync core: the session state
// machine, the fingerprint diff, the chunked record ledger, the
// pending-action queue, and upload ingestion.
package engine

import (
	"context"
	"errors"
	"io"
	"strings"
	"time"

	"github.com/cratesync/cratesync/internal/blob"
	"github.com/cratesync/cratesync/internal/naming"
	"github.com/cratesync/cratesync/internal/store"
	"github.com/cratesync/cratesync/internal/tags"
	"github.com/cratesync/cratesync/pkg/models"
)

// Config holds engine tunables.
type Config struct {
	// MaxChunkSize caps the number of records accepted per chunk post.
	MaxChunkSize int
}

// Engine owns the sync protocol for all devices. All methods are safe
// for concurrent use; sessions for different devices never contend.
type Engine struct {
	store    *store.Store
	blobs    blob.Store
	tags     tags.Reader
	resolver *naming.Resolver

	maxChunkSize int
	now          func() time.Time
}

// New assembles an engine over its collaborators.
func New(st *store.Store, blobs blob.Store, tagReader tags.Reader, resolver *naming.Resolver, cfg Config) *Engine {
	if cfg.MaxChunkSize <= 0 {
		cfg.MaxChunkSize = 500
	}
	return &Engine{
		store:        st,
		blobs:        blobs,
		tags:         tagReader,
		resolver:     resolver,
		maxChunkSize: cfg.MaxChunkSize,
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// CreateDevice registers a new sync target.
func (e *Engine) CreateDevice(name, owner, icon, color string, namingTemplate *string) (*models.Device, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, errValidation("device name must not be empty")
	}
	if namingTemplate != nil && *namingTemplate != "" {
		if err := naming.ValidateTemplate(*namingTemplate); err != nil {
			return nil, errValidation("invalid naming template: %v", err)
		}
	}
	d := &models.Device{
		Name:           name,
		Owner:          owner,
		Icon:           icon,
		Color:          color,
		NamingTemplate: namingTemplate,
	}
	if err := e.store.CreateDevice(d); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil, errConflict("device name %q is already taken", name)
		}
		return nil, err
	}
	return d, nil
}

// DeviceUpdate carries the optional device mutations; nil fields are
// left unchanged.
type DeviceUpdate struct {
	Owner          *string
	Icon           *string
	Color          *string
	NamingTemplate *string
}

// UpdateDevice applies upd to the device and returns the new state.
// Naming-template changes do not retroactively rename existing mappings.
func (e *Engine) UpdateDevice(deviceID int64, upd DeviceUpdate) (*models.Device, error) {
	d, err := e.device(deviceID)
	if err != nil {
		return nil, err
	}
	if upd.Owner != nil {
		d.Owner = *upd.Owner
	}
	if upd.Icon != nil {
		d.Icon = *upd.Icon
	}
	if upd.Color != nil {
		d.Color = *upd.Color
	}
	if upd.NamingTemplate != nil {
		if *upd.NamingTemplate == "" {
			d.NamingTemplate = nil
		} else {
			if err := naming.ValidateTemplate(*upd.NamingTemplate); err != nil {
				return nil, errValidation("invalid naming template: %v", err)
			}
			d.NamingTemplate = upd.NamingTemplate
		}
	}
	if err := e.store.UpdateDevice(d); err != nil {
		return nil, err
	}
	return d, nil
}

// ListDevices returns all registered devices.
func (e *Engine) ListDevices() ([]models.Device, error) {
	return e.store.ListDevices()
}

// GetDevice returns one device.
func (e *Engine) GetDevice(deviceID int64) (*models.Device, error) {
	return e.device(deviceID)
}

// DownloadSong opens the audio bytes for a song. The caller owns the
// returned reader.
func (e *Engine) DownloadSong(ctx context.Context, songID int64) (io.ReadCloser, *models.Song, error) {
	song, err := e.store.GetSong(songID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil, errNotFound("song %d not found", songID)
		}
		return nil, nil, err
	}
	rc, _, err := e.blobs.Get(ctx, song.ObjectKey)
	if err != nil {
		if errors.Is(err, blob.ErrNotFound) {
			return nil, nil, errNotFound("audio for song %d not found", songID)
		}
		return nil, nil, err
	}
	return rc, song, nil
}

func (e *Engine) device(deviceID int64) (*models.Device, error) {
	d, err := e.store.GetDevice(deviceID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, errNotFound("device %d not found", deviceID)
		}
		return nil, err
	}
	return d, nil
}

// sessionForDevice loads a session and checks it belongs to the device.
func (e *Engine) sessionForDevice(deviceID int64, sessionID string) (*models.SyncSession, error) {
	sess, err := e.store.GetSession(sessionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, errNotFound("session %s not found", sessionID)
		}
		return nil, err
	}
	if sess.DeviceID != deviceID {
		return nil, errInvalidState("session %s does not belong to device %d", sessionID, deviceID)
	}
	return sess, nil
}
