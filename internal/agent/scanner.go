package agent

import (
	"io/fs"
	"path/filepath"
	"strings"
	"time"

	"github.com/cratesync/cratesync/pkg/models"
)

// audioExts are the file extensions the scanner treats as music.
var audioExts = map[string]bool{
	".mp3":  true,
	".flac": true,
	".ogg":  true,
	".m4a":  true,
	".wav":  true,
	".aac":  true,
	".wma":  true,
}

// Scan walks root and fingerprints every audio file beneath it. Paths
// are returned relative to root with forward slashes, the form the
// server expects.
func Scan(root string) ([]models.FileFingerprint, error) {
	var files []models.FileFingerprint
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			// Hidden directories hold player databases and artwork caches.
			if name := d.Name(); name != "." && strings.HasPrefix(name, ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if !audioExts[strings.ToLower(filepath.Ext(path))] {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		// Second precision: timestamps cross the wire as RFC 3339 and
		// must compare equal after the round-trip.
		mod := info.ModTime().UTC().Truncate(time.Second)
		files = append(files, models.FileFingerprint{
			Path:       filepath.ToSlash(rel),
			ModifiedAt: mod,
			CreatedAt:  mod,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return files, nil
}
