package store

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/cratesync/cratesync/pkg/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(":memory:")
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestDevice(t *testing.T, s *Store, name string) *models.Device {
	t.Helper()
	d := &models.Device{Name: name}
	if err := s.CreateDevice(d); err != nil {
		t.Fatalf("creating device: %v", err)
	}
	return d
}

func newTestSong(t *testing.T, s *Store, title string) *models.Song {
	t.Helper()
	song := &models.Song{Title: title}
	if err := s.CreateSong(song); err != nil {
		t.Fatalf("creating song: %v", err)
	}
	return song
}

// An in-memory store must present one shared database to the whole
// connection pool; a fresh pooled connection seeing an empty database
// surfaces as "no such table" under concurrent load.
func TestMemoryStoreSharesOneDatabase(t *testing.T) {
	s := newTestStore(t)
	newTestDevice(t, s, "phone")

	var wg sync.WaitGroup
	errs := make(chan error, 64)
	for i := 0; i < 16; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 4; j++ {
				if _, err := s.ListDevices(); err != nil {
					errs <- err
					return
				}
				d := &models.Device{Name: fmt.Sprintf("worker-%d-%d", i, j)}
				if err := s.CreateDevice(d); err != nil {
					errs <- err
					return
				}
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("concurrent access: %v", err)
	}

	devices, err := s.ListDevices()
	if err != nil {
		t.Fatal(err)
	}
	if len(devices) != 65 {
		t.Errorf("devices = %d; want 65", len(devices))
	}
}

func TestDeviceNameUnique(t *testing.T) {
	s := newTestStore(t)
	newTestDevice(t, s, "phone")
	err := s.CreateDevice(&models.Device{Name: "phone"})
	if !errors.Is(err, ErrConflict) {
		t.Errorf("duplicate device name: got %v; want ErrConflict", err)
	}
}

func TestActiveSessionUniqueIndex(t *testing.T) {
	s := newTestStore(t)
	d := newTestDevice(t, s, "phone")

	first := &models.SyncSession{ID: "s1", DeviceID: d.ID, Status: models.SessionInProgress, StartedAt: time.Now().UTC()}
	if err := s.CreateSession(first); err != nil {
		t.Fatal(err)
	}

	second := &models.SyncSession{ID: "s2", DeviceID: d.ID, Status: models.SessionInProgress, StartedAt: time.Now().UTC()}
	if err := s.CreateSession(second); !errors.Is(err, ErrConflict) {
		t.Errorf("second in-progress session: got %v; want ErrConflict", err)
	}

	// After the first finishes, a new one may start.
	if err := s.FinishSession("s1", models.SessionCompleted, time.Now().UTC()); err != nil {
		t.Fatal(err)
	}
	if err := s.CreateSession(second); err != nil {
		t.Errorf("session after finish: %v", err)
	}
}

func TestInsertRecordsDedup(t *testing.T) {
	s := newTestStore(t)
	d := newTestDevice(t, s, "phone")
	sess := &models.SyncSession{ID: "s1", DeviceID: d.ID, Status: models.SessionInProgress, StartedAt: time.Now().UTC()}
	if err := s.CreateSession(sess); err != nil {
		t.Fatal(err)
	}

	records := []models.SyncRecord{
		{SessionID: "s1", FilePath: "a.mp3", Action: models.ActionCreated, Source: models.SourceDevice, ProcessedAt: time.Now().UTC()},
		{SessionID: "s1", FilePath: "b.mp3", Action: models.ActionError, Source: models.SourceDevice, ProcessedAt: time.Now().UTC()},
	}

	n, err := s.InsertRecords(records)
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("inserted %d; want 2", n)
	}

	n, err = s.InsertRecords(records)
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("retry inserted %d; want 0", n)
	}

	counts, err := s.CountRecords("s1")
	if err != nil {
		t.Fatal(err)
	}
	if counts[models.ActionCreated] != 1 || counts[models.ActionError] != 1 {
		t.Errorf("counts = %v", counts)
	}
}

func TestListRecordsFilters(t *testing.T) {
	s := newTestStore(t)
	d := newTestDevice(t, s, "phone")
	sess := &models.SyncSession{ID: "s1", DeviceID: d.ID, Status: models.SessionInProgress, StartedAt: time.Now().UTC()}
	if err := s.CreateSession(sess); err != nil {
		t.Fatal(err)
	}

	now := time.Now().UTC()
	_, err := s.InsertRecords([]models.SyncRecord{
		{SessionID: "s1", FilePath: "a.mp3", Action: models.ActionCreated, Source: models.SourceDevice, ProcessedAt: now},
		{SessionID: "s1", FilePath: "b.mp3", Action: models.ActionSkipped, Source: models.SourceServer, ProcessedAt: now},
		{SessionID: "s1", FilePath: "c.mp3", Action: models.ActionUpdated, Source: models.SourceDevice, ProcessedAt: now},
	})
	if err != nil {
		t.Fatal(err)
	}

	got, err := s.ListRecords("s1", []models.SyncAction{models.ActionCreated, models.ActionUpdated}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Errorf("action filter returned %d records; want 2", len(got))
	}

	src := models.SourceServer
	got, err = s.ListRecords("s1", nil, &src)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].FilePath != "b.mp3" {
		t.Errorf("source filter returned %+v", got)
	}
}

func TestMappingPathUnique(t *testing.T) {
	s := newTestStore(t)
	d := newTestDevice(t, s, "phone")
	s1 := newTestSong(t, s, "one")
	s2 := newTestSong(t, s, "two")

	if err := s.UpsertMapping(&models.SongDevice{SongID: s1.ID, DeviceID: d.ID, DevicePath: "a.mp3"}); err != nil {
		t.Fatal(err)
	}
	err := s.UpsertMapping(&models.SongDevice{SongID: s2.ID, DeviceID: d.ID, DevicePath: "a.mp3"})
	if !errors.Is(err, ErrConflict) {
		t.Errorf("two songs on one path: got %v; want ErrConflict", err)
	}
}

func TestMappingOptimisticConcurrency(t *testing.T) {
	s := newTestStore(t)
	d := newTestDevice(t, s, "phone")
	song := newTestSong(t, s, "one")

	if err := s.UpsertMapping(&models.SongDevice{SongID: song.ID, DeviceID: d.ID, DevicePath: "a.mp3"}); err != nil {
		t.Fatal(err)
	}
	m, err := s.GetMapping(d.ID, song.ID)
	if err != nil {
		t.Fatal(err)
	}

	action := models.PendingRemove
	if err := s.SetMappingPending(d.ID, song.ID, &action, m.Version); err != nil {
		t.Fatal(err)
	}

	// The stale version loses instead of silently overwriting.
	if err := s.SetMappingPending(d.ID, song.ID, nil, m.Version); !errors.Is(err, ErrVersionConflict) {
		t.Errorf("stale update: got %v; want ErrVersionConflict", err)
	}

	fresh, err := s.GetMapping(d.ID, song.ID)
	if err != nil {
		t.Fatal(err)
	}
	if fresh.PendingAction == nil || *fresh.PendingAction != models.PendingRemove {
		t.Errorf("pending action = %v; want remove preserved", fresh.PendingAction)
	}
	if fresh.Version <= m.Version {
		t.Errorf("version did not advance: %d -> %d", m.Version, fresh.Version)
	}

	if err := s.DeleteMapping(d.ID, song.ID, m.Version); !errors.Is(err, ErrVersionConflict) {
		t.Errorf("stale delete: got %v; want ErrVersionConflict", err)
	}
	if err := s.DeleteMapping(d.ID, song.ID, fresh.Version); err != nil {
		t.Errorf("fresh delete: %v", err)
	}
	if err := s.SetMappingPending(d.ID, song.ID, nil, fresh.Version); !errors.Is(err, ErrNotFound) {
		t.Errorf("update on deleted mapping: got %v; want ErrNotFound", err)
	}
}

func TestUpsertMappingAdvancesVersion(t *testing.T) {
	s := newTestStore(t)
	d := newTestDevice(t, s, "phone")
	song := newTestSong(t, s, "one")

	m := &models.SongDevice{SongID: song.ID, DeviceID: d.ID, DevicePath: "a.mp3"}
	if err := s.UpsertMapping(m); err != nil {
		t.Fatal(err)
	}
	first, err := s.GetMapping(d.ID, song.ID)
	if err != nil {
		t.Fatal(err)
	}

	mod := time.Now().UTC()
	m.ModifiedAt = &mod
	m.DevicePath = "b.mp3"
	if err := s.UpsertMapping(m); err != nil {
		t.Fatal(err)
	}
	second, err := s.GetMapping(d.ID, song.ID)
	if err != nil {
		t.Fatal(err)
	}
	if second.Version <= first.Version {
		t.Errorf("upsert did not advance version: %d -> %d", first.Version, second.Version)
	}
	if second.DevicePath != "b.mp3" {
		t.Errorf("device path = %q", second.DevicePath)
	}
	if second.ModifiedAt == nil {
		t.Error("modifiedAt not stored")
	}
}

func TestStaleSessionsRespectRecordActivity(t *testing.T) {
	s := newTestStore(t)
	d := newTestDevice(t, s, "phone")

	old := time.Now().UTC().Add(-2 * time.Hour)
	sess := &models.SyncSession{ID: "s1", DeviceID: d.ID, Status: models.SessionInProgress, StartedAt: old}
	if err := s.CreateSession(sess); err != nil {
		t.Fatal(err)
	}

	cutoff := time.Now().UTC().Add(-time.Hour)
	stale, err := s.StaleSessions(cutoff)
	if err != nil {
		t.Fatal(err)
	}
	if len(stale) != 1 {
		t.Fatalf("stale = %d; want 1", len(stale))
	}

	// Recent record activity keeps the session alive.
	_, err = s.InsertRecords([]models.SyncRecord{{
		SessionID: "s1", FilePath: "a.mp3", Action: models.ActionCreated,
		Source: models.SourceDevice, ProcessedAt: time.Now().UTC(),
	}})
	if err != nil {
		t.Fatal(err)
	}
	stale, err = s.StaleSessions(cutoff)
	if err != nil {
		t.Fatal(err)
	}
	if len(stale) != 0 {
		t.Errorf("stale after activity = %d; want 0", len(stale))
	}
}
