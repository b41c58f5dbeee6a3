package engine

import (
	"fmt"
	"time"

	"github.com/cratesync/cratesync/internal/naming"
	"github.com/cratesync/cratesync/pkg/models"
)

// KnownFile is the catalog's last-known state for one device path.
type KnownFile struct {
	// ModifiedAt is the last recorded modification time, nil when the
	// path is mapped but no fingerprint was ever stored.
	ModifiedAt *time.Time
	// PendingRemove marks a path scheduled for deletion; such paths are
	// never proposed for creation or update.
	PendingRemove bool
}

// Compare classifies submitted fingerprints against the catalog's
// last-known state. Matching is by device-relative path; the modifiedAt
// timestamp is the change signal, since checksumming every file on
// every sync is prohibitively expensive on constrained devices.
// Duplicate paths within one batch are a validation error.
func Compare(files []models.FileFingerprint, known map[string]KnownFile, force bool) (models.CheckResult, error) {
	result := models.CheckResult{
		ToCreate: []string{},
		ToUpdate: []models.ChangedFile{},
	}

	seen := make(map[string]struct{}, len(files))
	for _, f := range files {
		path := naming.Canonical(f.Path)
		if path == "" {
			return models.CheckResult{}, errValidation("fingerprint with empty path")
		}
		if _, dup := seen[path]; dup {
			return models.CheckResult{}, errValidation("duplicate path %q in check batch", path)
		}
		seen[path] = struct{}{}

		k, ok := known[path]
		if !ok {
			result.ToCreate = append(result.ToCreate, path)
			continue
		}
		if k.PendingRemove {
			// Scheduled for deletion, not re-creation.
			continue
		}

		switch {
		case force:
			result.ToUpdate = append(result.ToUpdate, models.ChangedFile{
				Path:   path,
				Reason: "forced re-sync",
			})
		case k.ModifiedAt == nil:
			result.ToUpdate = append(result.ToUpdate, models.ChangedFile{
				Path:   path,
				Reason: "no modifiedAt recorded in catalog",
			})
		case !k.ModifiedAt.Equal(f.ModifiedAt):
			result.ToUpdate = append(result.ToUpdate, models.ChangedFile{
				Path: path,
				Reason: fmt.Sprintf("modifiedAt differs: local=%s, catalog=%s",
					f.ModifiedAt.UTC().Format(time.RFC3339), k.ModifiedAt.UTC().Format(time.RFC3339)),
			})
		}
	}

	return result, nil
}

// CheckSync runs the fingerprint diff for a device. Rerunning it before
// the device acts returns the same sets.
func (e *Engine) CheckSync(deviceID int64, files []models.FileFingerprint, force bool) (models.CheckResult, error) {
	if _, err := e.device(deviceID); err != nil {
		return models.CheckResult{}, err
	}

	mappings, err := e.store.ListMappings(deviceID)
	if err != nil {
		return models.CheckResult{}, err
	}

	known := make(map[string]KnownFile, len(mappings))
	for _, m := range mappings {
		known[m.DevicePath] = KnownFile{
			ModifiedAt:    m.ModifiedAt,
			PendingRemove: m.PendingAction != nil && *m.PendingAction == models.PendingRemove,
		}
	}

	return Compare(files, known, force)
}
