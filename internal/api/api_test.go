package api

import (
	"bytes"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	json "github.com/goccy/go-json"

	"github.com/cratesync/cratesync/internal/blob"
	"github.com/cratesync/cratesync/internal/engine"
	"github.com/cratesync/cratesync/internal/naming"
	"github.com/cratesync/cratesync/internal/store"
	"github.com/cratesync/cratesync/internal/tags"
	"github.com/cratesync/cratesync/pkg/models"
)

type stubTags struct {
	md tags.Metadata
}

func (s stubTags) Read(io.ReadSeeker) (tags.Metadata, error) {
	return s.md, nil
}

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	st, err := store.New(":memory:")
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	eng := engine.New(st, blob.NewMemory(), stubTags{md: tags.Metadata{
		Title: "Thunderstruck", Artist: "ACDC", Album: "The Razors Edge",
	}}, naming.NewResolver(""), engine.Config{MaxChunkSize: 100})

	srv := httptest.NewServer(NewServer(eng).Router())
	t.Cleanup(srv.Close)
	return srv
}

func doJSON(t *testing.T, method, url string, body any, out any) *http.Response {
	t.Helper()
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		rd = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, url, rd)
	if err != nil {
		t.Fatal(err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decoding %s %s response: %v", method, url, err)
		}
	}
	return resp
}

func createTestDevice(t *testing.T, base string) models.Device {
	t.Helper()
	var d models.Device
	resp := doJSON(t, http.MethodPost, base+"/api/v1/devices",
		map[string]string{"name": "walkman"}, &d)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create device: status %d", resp.StatusCode)
	}
	return d
}

func TestDeviceLifecycle(t *testing.T) {
	srv := newTestServer(t)
	d := createTestDevice(t, srv.URL)
	if d.ID == 0 || d.Name != "walkman" {
		t.Fatalf("created device = %+v", d)
	}

	var list []models.Device
	if resp := doJSON(t, http.MethodGet, srv.URL+"/api/v1/devices", nil, &list); resp.StatusCode != http.StatusOK {
		t.Fatalf("list devices: status %d", resp.StatusCode)
	}
	if len(list) != 1 {
		t.Fatalf("listed %d devices; want 1", len(list))
	}

	var updated models.Device
	resp := doJSON(t, http.MethodPatch, fmt.Sprintf("%s/api/v1/devices/%d", srv.URL, d.ID),
		map[string]string{"owner": "sam"}, &updated)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("patch device: status %d", resp.StatusCode)
	}
	if updated.Owner != "sam" {
		t.Errorf("owner = %q; want sam", updated.Owner)
	}

	// A second device with the same name conflicts.
	resp = doJSON(t, http.MethodPost, srv.URL+"/api/v1/devices",
		map[string]string{"name": "walkman"}, nil)
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("duplicate name: status %d; want 409", resp.StatusCode)
	}

	// Missing name is a validation failure.
	resp = doJSON(t, http.MethodPost, srv.URL+"/api/v1/devices",
		map[string]string{"owner": "sam"}, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("empty name: status %d; want 400", resp.StatusCode)
	}
}

func TestSyncRoundTrip(t *testing.T) {
	srv := newTestServer(t)
	d := createTestDevice(t, srv.URL)
	base := fmt.Sprintf("%s/api/v1/devices/%d", srv.URL, d.ID)

	var sess models.SyncSession
	if resp := doJSON(t, http.MethodPost, base+"/sync", map[string]bool{"dryRun": false}, &sess); resp.StatusCode != http.StatusCreated {
		t.Fatalf("start sync: status %d", resp.StatusCode)
	}
	if sess.Status != models.SessionInProgress {
		t.Fatalf("session status = %s", sess.Status)
	}

	// Second start while in progress conflicts.
	if resp := doJSON(t, http.MethodPost, base+"/sync", nil, nil); resp.StatusCode != http.StatusConflict {
		t.Errorf("double start: status %d; want 409", resp.StatusCode)
	}

	// Everything is new to an empty catalog.
	var check models.CheckResult
	resp := doJSON(t, http.MethodPost, base+"/sync/check", map[string]any{
		"files": []models.FileFingerprint{
			{Path: "Music/a.mp3", ModifiedAt: time.Now().UTC()},
		},
	}, &check)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("check: status %d", resp.StatusCode)
	}
	if len(check.ToCreate) != 1 {
		t.Fatalf("toCreate = %v", check.ToCreate)
	}

	chunk := map[string]any{"records": []models.SyncRecord{
		{FilePath: "Music/a.mp3", Action: models.ActionCreated, Source: models.SourceDevice},
	}}
	var ack engine.ChunkAck
	if resp := doJSON(t, http.MethodPost, base+"/sync/"+sess.ID+"/records", chunk, &ack); resp.StatusCode != http.StatusOK {
		t.Fatalf("chunk: status %d", resp.StatusCode)
	}
	if ack.Inserted != 1 {
		t.Errorf("inserted = %d; want 1", ack.Inserted)
	}

	// Wholesale retry of the same chunk inserts nothing new.
	if resp := doJSON(t, http.MethodPost, base+"/sync/"+sess.ID+"/records", chunk, &ack); resp.StatusCode != http.StatusOK {
		t.Fatalf("chunk retry: status %d", resp.StatusCode)
	}
	if ack.Inserted != 0 || ack.Duplicates != 1 {
		t.Errorf("retry ack = %+v", ack)
	}

	var summary models.SessionSummary
	if resp := doJSON(t, http.MethodPost, base+"/sync/"+sess.ID+"/complete", nil, &summary); resp.StatusCode != http.StatusOK {
		t.Fatalf("complete: status %d", resp.StatusCode)
	}
	if summary.CreatedCount != 1 {
		t.Errorf("createdCount = %d; want 1", summary.CreatedCount)
	}

	// Completing again hits a finished session.
	if resp := doJSON(t, http.MethodPost, base+"/sync/"+sess.ID+"/complete", nil, nil); resp.StatusCode != http.StatusUnprocessableEntity {
		t.Errorf("double complete: status %d; want 422", resp.StatusCode)
	}

	var sessions []models.SyncSession
	if resp := doJSON(t, http.MethodGet, base+"/sessions", nil, &sessions); resp.StatusCode != http.StatusOK {
		t.Fatalf("sessions: status %d", resp.StatusCode)
	}
	if len(sessions) != 1 || sessions[0].Status != models.SessionCompleted {
		t.Errorf("sessions = %+v", sessions)
	}

	var records []models.SyncRecord
	if resp := doJSON(t, http.MethodGet, base+"/sessions/"+sess.ID+"/records?action=created", nil, &records); resp.StatusCode != http.StatusOK {
		t.Fatalf("records: status %d", resp.StatusCode)
	}
	if len(records) != 1 || records[0].FilePath != "Music/a.mp3" {
		t.Errorf("records = %+v", records)
	}
}

func TestErrorStatusMapping(t *testing.T) {
	srv := newTestServer(t)
	d := createTestDevice(t, srv.URL)
	base := fmt.Sprintf("%s/api/v1/devices/%d", srv.URL, d.ID)

	tests := []struct {
		name   string
		method string
		url    string
		body   any
		want   int
	}{
		{"unknown device", http.MethodPost, srv.URL + "/api/v1/devices/9999/sync", nil, http.StatusNotFound},
		{"unknown song download", http.MethodGet, srv.URL + "/api/v1/songs/9999/download", nil, http.StatusNotFound},
		{"chunk without session", http.MethodPost, base + "/sync/nope/records",
			map[string]any{"records": []models.SyncRecord{{FilePath: "a", Action: models.ActionCreated, Source: models.SourceDevice}}},
			http.StatusNotFound},
		{"malformed body", http.MethodPost, srv.URL + "/api/v1/devices", "not-an-object", http.StatusBadRequest},
		{"bad device id", http.MethodGet, srv.URL + "/api/v1/devices/abc", nil, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := doJSON(t, tt.method, tt.url, tt.body, nil)
			if resp.StatusCode != tt.want {
				t.Errorf("status = %d; want %d", resp.StatusCode, tt.want)
			}
		})
	}
}

func TestUploadAndDownload(t *testing.T) {
	srv := newTestServer(t)
	d := createTestDevice(t, srv.URL)
	base := fmt.Sprintf("%s/api/v1/devices/%d", srv.URL, d.ID)

	var sess models.SyncSession
	if resp := doJSON(t, http.MethodPost, base+"/sync", nil, &sess); resp.StatusCode != http.StatusCreated {
		t.Fatalf("start sync: status %d", resp.StatusCode)
	}

	content := "pretend this is mpeg audio"
	resp := postUpload(t, base+"/upload", "Music/a.mp3", content)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		t.Fatalf("upload: status %d: %s", resp.StatusCode, raw)
	}
	var result engine.UploadResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		t.Fatal(err)
	}
	if !result.Success || result.SongID == nil || result.Action != models.ActionCreated {
		t.Fatalf("upload result = %+v", result)
	}
	if result.CanonicalPath != "ACDC/The Razors Edge/Thunderstruck.mp3" {
		t.Errorf("canonicalPath = %q", result.CanonicalPath)
	}

	dlResp, err := http.Get(fmt.Sprintf("%s/api/v1/songs/%d/download", srv.URL, *result.SongID))
	if err != nil {
		t.Fatal(err)
	}
	defer dlResp.Body.Close()
	if dlResp.StatusCode != http.StatusOK {
		t.Fatalf("download: status %d", dlResp.StatusCode)
	}
	got, err := io.ReadAll(dlResp.Body)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != content {
		t.Errorf("downloaded %q; want %q", got, content)
	}
	if ct := dlResp.Header.Get("Content-Type"); !strings.Contains(ct, "audio") {
		t.Errorf("content type = %q", ct)
	}
}

func TestUploadOutsideSession(t *testing.T) {
	srv := newTestServer(t)
	d := createTestDevice(t, srv.URL)
	base := fmt.Sprintf("%s/api/v1/devices/%d", srv.URL, d.ID)

	resp := postUpload(t, base+"/upload", "Music/a.mp3", "bytes")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Errorf("upload without session: status %d; want 422", resp.StatusCode)
	}
}

func TestPendingQueueOverHTTP(t *testing.T) {
	srv := newTestServer(t)
	d := createTestDevice(t, srv.URL)
	base := fmt.Sprintf("%s/api/v1/devices/%d", srv.URL, d.ID)

	// Seed a song through a completed upload session.
	var sess models.SyncSession
	doJSON(t, http.MethodPost, base+"/sync", nil, &sess)
	resp := postUpload(t, base+"/upload", "Music/a.mp3", "bytes")
	var result engine.UploadResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	doJSON(t, http.MethodPost, base+"/sync/"+sess.ID+"/complete", nil, nil)

	songID := *result.SongID
	markURL := fmt.Sprintf("%s/pending/%d", base, songID)
	if resp := doJSON(t, http.MethodPost, markURL, map[string]string{"action": "remove"}, nil); resp.StatusCode != http.StatusCreated {
		t.Fatalf("mark remove: status %d", resp.StatusCode)
	}

	var items []models.PendingItem
	if resp := doJSON(t, http.MethodGet, base+"/pending", nil, &items); resp.StatusCode != http.StatusOK {
		t.Fatalf("pending: status %d", resp.StatusCode)
	}
	if len(items) != 1 || items[0].Action != models.PendingRemove {
		t.Fatalf("pending items = %+v", items)
	}

	if resp := doJSON(t, http.MethodPost, markURL+"/ack", nil, nil); resp.StatusCode != http.StatusOK {
		t.Fatalf("ack: status %d", resp.StatusCode)
	}
	// Acknowledging again stays a no-op.
	if resp := doJSON(t, http.MethodPost, markURL+"/ack", nil, nil); resp.StatusCode != http.StatusOK {
		t.Fatalf("repeat ack: status %d", resp.StatusCode)
	}
	if resp := doJSON(t, http.MethodGet, base+"/pending", nil, &items); resp.StatusCode != http.StatusOK {
		t.Fatalf("pending: status %d", resp.StatusCode)
	}
	if len(items) != 0 {
		t.Errorf("pending after ack = %+v", items)
	}

	// Unknown action is rejected before reaching the engine.
	if resp := doJSON(t, http.MethodPost, markURL, map[string]string{"action": "shred"}, nil); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad action: status %d; want 400", resp.StatusCode)
	}
}

func TestHealthz(t *testing.T) {
	srv := newTestServer(t)
	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("healthz: status %d", resp.StatusCode)
	}
}

func postUpload(t *testing.T, url, filePath, content string) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	now := time.Now().UTC().Format(time.RFC3339)
	for field, value := range map[string]string{
		"path":       filePath,
		"modifiedAt": now,
		"createdAt":  now,
	} {
		if err := mw.WriteField(field, value); err != nil {
			t.Fatal(err)
		}
	}
	fw, err := mw.CreateFormFile("file", "a.mp3")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := io.WriteString(fw, content); err != nil {
		t.Fatal(err)
	}
	if err := mw.Close(); err != nil {
		t.Fatal(err)
	}

	resp, err := http.Post(url, mw.FormDataContentType(), &buf)
	if err != nil {
		t.Fatal(err)
	}
	return resp
}
