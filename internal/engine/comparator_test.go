package engine

import (
	"testing"
	"time"

	"github.com/cratesync/cratesync/pkg/models"
)

func TestCompare(t *testing.T) {
	t1 := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	t2 := t1.Add(time.Hour)

	known := map[string]KnownFile{
		"A/x.mp3":       {ModifiedAt: &t1},
		"A/stale.mp3":   {ModifiedAt: &t1},
		"A/untimed.mp3": {ModifiedAt: nil},
		"A/gone.mp3":    {ModifiedAt: &t1, PendingRemove: true},
	}

	fp := func(path string, mod time.Time) models.FileFingerprint {
		return models.FileFingerprint{Path: path, ModifiedAt: mod, CreatedAt: mod}
	}

	tests := []struct {
		name       string
		files      []models.FileFingerprint
		force      bool
		wantCreate []string
		wantUpdate []string
	}{
		{
			name:       "unknown path is created, never updated",
			files:      []models.FileFingerprint{fp("A/new.mp3", t1)},
			wantCreate: []string{"A/new.mp3"},
			wantUpdate: []string{},
		},
		{
			name:       "identical modifiedAt is unchanged",
			files:      []models.FileFingerprint{fp("A/x.mp3", t1)},
			wantCreate: []string{},
			wantUpdate: []string{},
		},
		{
			name:       "differing modifiedAt is updated",
			files:      []models.FileFingerprint{fp("A/stale.mp3", t2)},
			wantCreate: []string{},
			wantUpdate: []string{"A/stale.mp3"},
		},
		{
			name:       "missing catalog timestamp is updated",
			files:      []models.FileFingerprint{fp("A/untimed.mp3", t1)},
			wantCreate: []string{},
			wantUpdate: []string{"A/untimed.mp3"},
		},
		{
			name:       "force includes identical paths",
			files:      []models.FileFingerprint{fp("A/x.mp3", t1)},
			force:      true,
			wantCreate: []string{},
			wantUpdate: []string{"A/x.mp3"},
		},
		{
			name:       "pending-remove path is excluded entirely",
			files:      []models.FileFingerprint{fp("A/gone.mp3", t2)},
			force:      true,
			wantCreate: []string{},
			wantUpdate: []string{},
		},
		{
			name:       "paths canonicalized before matching",
			files:      []models.FileFingerprint{fp("/A//x.mp3", t1)},
			wantCreate: []string{},
			wantUpdate: []string{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Compare(tt.files, known, tt.force)
			if err != nil {
				t.Fatalf("Compare() error: %v", err)
			}
			if len(got.ToCreate) != len(tt.wantCreate) {
				t.Fatalf("ToCreate = %v; want %v", got.ToCreate, tt.wantCreate)
			}
			for i, p := range tt.wantCreate {
				if got.ToCreate[i] != p {
					t.Errorf("ToCreate[%d] = %q; want %q", i, got.ToCreate[i], p)
				}
			}
			if len(got.ToUpdate) != len(tt.wantUpdate) {
				t.Fatalf("ToUpdate = %v; want %v", got.ToUpdate, tt.wantUpdate)
			}
			for i, p := range tt.wantUpdate {
				if got.ToUpdate[i].Path != p {
					t.Errorf("ToUpdate[%d].Path = %q; want %q", i, got.ToUpdate[i].Path, p)
				}
				if got.ToUpdate[i].Reason == "" {
					t.Errorf("ToUpdate[%d] has no reason", i)
				}
			}
		})
	}
}

func TestCompareRejectsBadBatches(t *testing.T) {
	t1 := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	_, err := Compare([]models.FileFingerprint{
		{Path: "A/x.mp3", ModifiedAt: t1},
		{Path: "A//x.mp3", ModifiedAt: t1},
	}, nil, false)
	if !IsValidation(err) {
		t.Errorf("duplicate path: got %v; want validation error", err)
	}

	_, err = Compare([]models.FileFingerprint{{Path: "///", ModifiedAt: t1}}, nil, false)
	if !IsValidation(err) {
		t.Errorf("empty path: got %v; want validation error", err)
	}
}

func TestCompareIsIdempotent(t *testing.T) {
	t1 := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	files := []models.FileFingerprint{{Path: "A/new.mp3", ModifiedAt: t1}}

	first, err := Compare(files, map[string]KnownFile{}, false)
	if err != nil {
		t.Fatal(err)
	}
	second, err := Compare(files, map[string]KnownFile{}, false)
	if err != nil {
		t.Fatal(err)
	}
	if len(first.ToCreate) != 1 || len(second.ToCreate) != 1 || first.ToCreate[0] != second.ToCreate[0] {
		t.Errorf("re-running the check changed the result: %v then %v", first, second)
	}
}
