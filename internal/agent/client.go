package agent

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"strconv"
	"time"

	json "github.com/goccy/go-json"

	"github.com/cratesync/cratesync/internal/engine"
	"github.com/cratesync/cratesync/pkg/models"
)

// APIError is a non-2xx response from the server.
type APIError struct {
	Status int
	Kind   string
	Msg    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server returned %d (%s): %s", e.Status, e.Kind, e.Msg)
}

// Client speaks the sync protocol to one server.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient returns a protocol client for baseURL.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		http: &http.Client{
			// Uploads of large audio files dominate; no overall timeout.
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 32,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

func (c *Client) deviceURL(deviceID int64, suffix string) string {
	return fmt.Sprintf("%s/api/v1/devices/%d%s", c.baseURL, deviceID, suffix)
}

func (c *Client) doJSON(ctx context.Context, method, url string, body, out any) error {
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return err
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func checkStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	apiErr := &APIError{Status: resp.StatusCode}
	var body struct {
		Error string `json:"error"`
		Kind  string `json:"kind"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err == nil {
		apiErr.Kind = body.Kind
		apiErr.Msg = body.Error
	}
	return apiErr
}

// StartSync opens a session on the server.
func (c *Client) StartSync(ctx context.Context, deviceID int64, dryRun bool) (*models.SyncSession, error) {
	var sess models.SyncSession
	err := c.doJSON(ctx, http.MethodPost, c.deviceURL(deviceID, "/sync"),
		map[string]bool{"dryRun": dryRun}, &sess)
	if err != nil {
		return nil, err
	}
	return &sess, nil
}

// CheckSync submits fingerprints and returns the server's diff.
func (c *Client) CheckSync(ctx context.Context, deviceID int64, files []models.FileFingerprint, force bool) (*models.CheckResult, error) {
	var result models.CheckResult
	err := c.doJSON(ctx, http.MethodPost, c.deviceURL(deviceID, "/sync/check"),
		map[string]any{"files": files, "force": force}, &result)
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// PostChunk submits a batch of outcome records. Safe to retry wholesale.
func (c *Client) PostChunk(ctx context.Context, deviceID int64, sessionID string, records []models.SyncRecord) (*engine.ChunkAck, error) {
	var ack engine.ChunkAck
	err := c.doJSON(ctx, http.MethodPost, c.deviceURL(deviceID, "/sync/"+sessionID+"/records"),
		map[string]any{"records": records}, &ack)
	if err != nil {
		return nil, err
	}
	return &ack, nil
}

// CompleteSync finishes the session and returns the server's summary.
func (c *Client) CompleteSync(ctx context.Context, deviceID int64, sessionID string) (*models.SessionSummary, error) {
	var summary models.SessionSummary
	err := c.doJSON(ctx, http.MethodPost, c.deviceURL(deviceID, "/sync/"+sessionID+"/complete"), nil, &summary)
	if err != nil {
		return nil, err
	}
	return &summary, nil
}

// CancelSync aborts the session.
func (c *Client) CancelSync(ctx context.Context, deviceID int64, sessionID string) error {
	return c.doJSON(ctx, http.MethodPost, c.deviceURL(deviceID, "/sync/"+sessionID+"/cancel"), nil, nil)
}

// Upload pushes one local file to the server.
func (c *Client) Upload(ctx context.Context, deviceID int64, devicePath, localPath string, fp models.FileFingerprint) (*engine.UploadResult, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		err := writeUploadForm(mw, devicePath, fp, f)
		mw.Close()
		pw.CloseWithError(err)
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.deviceURL(deviceID, "/upload"), pr)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return nil, err
	}
	var result engine.UploadResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, err
	}
	return &result, nil
}

func writeUploadForm(mw *multipart.Writer, devicePath string, fp models.FileFingerprint, f *os.File) error {
	fields := map[string]string{
		"path":       devicePath,
		"modifiedAt": fp.ModifiedAt.UTC().Format(time.RFC3339),
		"createdAt":  fp.CreatedAt.UTC().Format(time.RFC3339),
	}
	for field, value := range fields {
		if err := mw.WriteField(field, value); err != nil {
			return err
		}
	}
	fw, err := mw.CreateFormFile("file", devicePath)
	if err != nil {
		return err
	}
	_, err = io.Copy(fw, f)
	return err
}

// Pending fetches the device's pending-action queue.
func (c *Client) Pending(ctx context.Context, deviceID int64) ([]models.PendingItem, error) {
	var items []models.PendingItem
	err := c.doJSON(ctx, http.MethodGet, c.deviceURL(deviceID, "/pending"), nil, &items)
	if err != nil {
		return nil, err
	}
	return items, nil
}

// MarkPending schedules a download or removal for (device, song).
func (c *Client) MarkPending(ctx context.Context, deviceID, songID int64, action models.PendingAction) error {
	url := c.deviceURL(deviceID, "/pending/"+strconv.FormatInt(songID, 10))
	return c.doJSON(ctx, http.MethodPost, url, map[string]string{"action": string(action)}, nil)
}

// Acknowledge confirms a pending action was applied on the device.
func (c *Client) Acknowledge(ctx context.Context, deviceID, songID int64) error {
	url := c.deviceURL(deviceID, "/pending/"+strconv.FormatInt(songID, 10)+"/ack")
	return c.doJSON(ctx, http.MethodPost, url, nil, nil)
}

// Download streams a song's audio bytes. The caller owns the reader.
func (c *Client) Download(ctx context.Context, songID int64) (io.ReadCloser, error) {
	url := fmt.Sprintf("%s/api/v1/songs/%d/download", c.baseURL, songID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	if err := checkStatus(resp); err != nil {
		resp.Body.Close()
		return nil, err
	}
	return resp.Body, nil
}

// ListDevices fetches all registered devices.
func (c *Client) ListDevices(ctx context.Context) ([]models.Device, error) {
	var devices []models.Device
	err := c.doJSON(ctx, http.MethodGet, c.baseURL+"/api/v1/devices", nil, &devices)
	if err != nil {
		return nil, err
	}
	return devices, nil
}

// CreateDevice registers a device on the server.
func (c *Client) CreateDevice(ctx context.Context, name, owner, icon, color string, namingTemplate *string) (*models.Device, error) {
	var d models.Device
	err := c.doJSON(ctx, http.MethodPost, c.baseURL+"/api/v1/devices", map[string]any{
		"name":           name,
		"owner":          owner,
		"icon":           icon,
		"color":          color,
		"namingTemplate": namingTemplate,
	}, &d)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// ListSessions fetches the device's recent sessions.
func (c *Client) ListSessions(ctx context.Context, deviceID int64, count int) ([]models.SyncSession, error) {
	url := c.deviceURL(deviceID, "/sessions")
	if count > 0 {
		url += "?count=" + strconv.Itoa(count)
	}
	var sessions []models.SyncSession
	if err := c.doJSON(ctx, http.MethodGet, url, nil, &sessions); err != nil {
		return nil, err
	}
	return sessions, nil
}

// SessionRecords fetches a session's ledger rows.
func (c *Client) SessionRecords(ctx context.Context, deviceID int64, sessionID string) ([]models.SyncRecord, error) {
	var records []models.SyncRecord
	err := c.doJSON(ctx, http.MethodGet, c.deviceURL(deviceID, "/sessions/"+sessionID+"/records"), nil, &records)
	if err != nil {
		return nil, err
	}
	return records, nil
}
