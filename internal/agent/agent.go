// Package agent is the device-side half of the sync protocol: it scans
// a local music tree, asks the server what changed, pushes and pulls
// files, and reports per-file outcomes back into the session ledger.
package agent

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cheggaaa/pb/v3"
	"github.com/eiannone/keyboard"

	"github.com/cratesync/cratesync/internal/logging"
	"github.com/cratesync/cratesync/pkg/models"
	"github.com/cratesync/cratesync/pkg/utils"
)

// ErrAborted is returned when the operator aborts a running sync.
var ErrAborted = errors.New("sync aborted by operator")

// Options tunes a sync run.
type Options struct {
	// NumWorkers is the upload concurrency.
	NumWorkers int
	// ChunkSize is the number of outcome records per chunk post.
	ChunkSize int
	// DryRun asks the server to record without mutating the catalog; the
	// agent also leaves local files untouched.
	DryRun bool
	// Force re-uploads files the server considers unchanged.
	Force bool
	// Interactive enables keyboard control: 'p' pauses, 'q' aborts.
	Interactive bool
	// Progress enables per-run progress bars on stdout.
	Progress bool
}

// Agent runs sync sessions for one device against one server.
type Agent struct {
	client   *Client
	deviceID int64
	root     string
	opts     Options

	paused  atomic.Bool
	aborted atomic.Bool
}

// New returns an agent syncing the tree at root for deviceID.
func New(client *Client, deviceID int64, root string, opts Options) *Agent {
	if opts.NumWorkers <= 0 {
		opts.NumWorkers = 4
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = 100
	}
	return &Agent{client: client, deviceID: deviceID, root: root, opts: opts}
}

// Run executes one full sync session: scan, check, transfer, report,
// complete. On abort the session is cancelled server-side and
// ErrAborted returned.
func (a *Agent) Run(ctx context.Context) (*models.SessionSummary, error) {
	files, err := Scan(a.root)
	if err != nil {
		return nil, fmt.Errorf("scanning %s: %w", a.root, err)
	}
	logging.Info().Int("files", len(files)).Str("root", a.root).Msg("scanned local tree")

	check, err := a.client.CheckSync(ctx, a.deviceID, files, a.opts.Force)
	if err != nil {
		return nil, fmt.Errorf("sync check: %w", err)
	}

	sess, err := a.client.StartSync(ctx, a.deviceID, a.opts.DryRun)
	if err != nil {
		return nil, fmt.Errorf("starting session: %w", err)
	}
	logging.Info().Str("session", sess.ID).
		Int("toCreate", len(check.ToCreate)).
		Int("toUpdate", len(check.ToUpdate)).
		Bool("dryRun", sess.DryRun).
		Msg("session started")

	if a.opts.Interactive {
		stop, err := a.watchKeyboard()
		if err != nil {
			logging.Warn().Err(err).Msg("keyboard control unavailable")
		} else {
			defer stop()
		}
	}

	start := time.Now()
	records, uploadedBytes := a.uploadPlanned(ctx, files, check)

	pendingRecords, err := a.applyPending(ctx)
	if err != nil {
		logging.Warn().Err(err).Msg("applying pending actions")
	}
	records = append(records, pendingRecords...)

	if a.aborted.Load() {
		if cerr := a.client.CancelSync(ctx, a.deviceID, sess.ID); cerr != nil {
			logging.Error().Err(cerr).Str("session", sess.ID).Msg("cancelling session")
		}
		return nil, ErrAborted
	}

	if err := a.postRecords(ctx, sess.ID, records); err != nil {
		return nil, err
	}

	summary, err := a.client.CompleteSync(ctx, a.deviceID, sess.ID)
	if err != nil {
		return nil, fmt.Errorf("completing session: %w", err)
	}
	logging.Info().Str("session", sess.ID).
		Int64("created", summary.CreatedCount).
		Int64("updated", summary.UpdatedCount).
		Int64("errors", summary.ErrorCount).
		Str("uploaded", utils.FormatSize(uploadedBytes)).
		Str("elapsed", utils.FormatDuration(time.Since(start))).
		Msg("session completed")
	return summary, nil
}

// uploadPlanned pushes every planned path through a worker pool and
// collects the device-side outcome records.
func (a *Agent) uploadPlanned(ctx context.Context, files []models.FileFingerprint, check *models.CheckResult) ([]models.SyncRecord, int64) {
	byPath := make(map[string]models.FileFingerprint, len(files))
	for _, f := range files {
		byPath[f.Path] = f
	}

	plan := make([]string, 0, len(check.ToCreate)+len(check.ToUpdate))
	plan = append(plan, check.ToCreate...)
	for _, c := range check.ToUpdate {
		plan = append(plan, c.Path)
	}
	if len(plan) == 0 {
		return nil, 0
	}

	var bar *pb.ProgressBar
	if a.opts.Progress {
		bar = pb.New(len(plan))
		bar.SetTemplateString(`uploading {{counters . }} {{bar . }} {{percent . }}`)
		bar.Start()
		defer bar.Finish()
	}

	jobs := make(chan string, a.opts.NumWorkers)
	results := make(chan models.SyncRecord, len(plan))
	var uploadedBytes atomic.Int64

	var wg sync.WaitGroup
	for i := 0; i < a.opts.NumWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for devicePath := range jobs {
				a.waitWhilePaused(ctx)
				if a.aborted.Load() || ctx.Err() != nil {
					continue
				}
				rec := a.uploadOne(ctx, devicePath, byPath[devicePath], &uploadedBytes)
				results <- rec
				if bar != nil {
					bar.Increment()
				}
			}
		}()
	}

	for _, p := range plan {
		jobs <- p
	}
	close(jobs)
	wg.Wait()
	close(results)

	var records []models.SyncRecord
	for rec := range results {
		records = append(records, rec)
	}
	return records, uploadedBytes.Load()
}

func (a *Agent) uploadOne(ctx context.Context, devicePath string, fp models.FileFingerprint, uploadedBytes *atomic.Int64) models.SyncRecord {
	rec := models.SyncRecord{
		FilePath:    devicePath,
		Source:      models.SourceDevice,
		ProcessedAt: time.Now().UTC(),
	}

	localPath := filepath.Join(a.root, filepath.FromSlash(devicePath))
	info, err := os.Stat(localPath)
	if err != nil {
		// Deleted between scan and upload.
		msg := err.Error()
		rec.Action = models.ActionError
		rec.ErrorMessage = &msg
		return rec
	}

	result, err := a.client.Upload(ctx, a.deviceID, devicePath, localPath, fp)
	if err != nil {
		msg := err.Error()
		rec.Action = models.ActionError
		rec.ErrorMessage = &msg
		logging.Warn().Err(err).Str("path", devicePath).Msg("upload failed")
		return rec
	}

	uploadedBytes.Add(info.Size())
	rec.SongID = result.SongID
	rec.Action = result.Action
	if !result.Success {
		rec.Action = models.ActionError
		rec.ErrorMessage = &result.Error
	}
	if rec.Action == "" {
		rec.Action = models.ActionCreated
	}
	return rec
}

// applyPending pulls the server's desired-change queue and applies it to
// the local tree: removes are deleted, downloads fetched. Each applied
// item is acknowledged; in dry-run nothing is touched or acknowledged.
func (a *Agent) applyPending(ctx context.Context) ([]models.SyncRecord, error) {
	items, err := a.client.Pending(ctx, a.deviceID)
	if err != nil {
		return nil, err
	}

	var records []models.SyncRecord
	for _, item := range items {
		a.waitWhilePaused(ctx)
		if a.aborted.Load() || ctx.Err() != nil {
			break
		}
		rec := models.SyncRecord{
			FilePath:    item.Path,
			SongID:      &item.SongID,
			Source:      models.SourceDevice,
			ProcessedAt: time.Now().UTC(),
		}
		switch item.Action {
		case models.PendingRemove:
			rec.Action = models.ActionRemoved
			if !a.opts.DryRun {
				if err := a.removeLocal(item.Path); err != nil {
					msg := err.Error()
					rec.Action = models.ActionError
					rec.ErrorMessage = &msg
					records = append(records, rec)
					continue
				}
				if err := a.client.Acknowledge(ctx, a.deviceID, item.SongID); err != nil {
					logging.Warn().Err(err).Int64("song", item.SongID).Msg("acknowledge failed")
				}
			}
		case models.PendingDownload:
			rec.Action = models.ActionDownloaded
			if !a.opts.DryRun {
				if err := a.downloadLocal(ctx, item); err != nil {
					msg := err.Error()
					rec.Action = models.ActionError
					rec.ErrorMessage = &msg
					records = append(records, rec)
					continue
				}
				if err := a.client.Acknowledge(ctx, a.deviceID, item.SongID); err != nil {
					logging.Warn().Err(err).Int64("song", item.SongID).Msg("acknowledge failed")
				}
			}
		default:
			// Upload prompts are satisfied by the diff-driven upload pass.
			continue
		}
		records = append(records, rec)
	}
	return records, nil
}

func (a *Agent) removeLocal(devicePath string) error {
	localPath := filepath.Join(a.root, filepath.FromSlash(devicePath))
	if err := os.Remove(localPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

func (a *Agent) downloadLocal(ctx context.Context, item models.PendingItem) error {
	rc, err := a.client.Download(ctx, item.SongID)
	if err != nil {
		return err
	}
	defer rc.Close()

	localPath := filepath.Join(a.root, filepath.FromSlash(item.Path))
	if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
		return err
	}
	tmp := localPath + ".part"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if _, err := f.ReadFrom(rc); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, localPath)
}

// postRecords ships outcome records in chunks. A failed post is retried
// wholesale; the server deduplicates by (session, path).
func (a *Agent) postRecords(ctx context.Context, sessionID string, records []models.SyncRecord) error {
	for start := 0; start < len(records); start += a.opts.ChunkSize {
		end := start + a.opts.ChunkSize
		if end > len(records) {
			end = len(records)
		}
		chunk := records[start:end]

		var lastErr error
		for attempt := 0; attempt < 3; attempt++ {
			ack, err := a.client.PostChunk(ctx, a.deviceID, sessionID, chunk)
			if err == nil {
				logging.Debug().Int("received", ack.Received).
					Int("inserted", ack.Inserted).
					Int("duplicates", ack.Duplicates).
					Msg("chunk accepted")
				lastErr = nil
				break
			}
			lastErr = err
			var apiErr *APIError
			if errors.As(err, &apiErr) && apiErr.Status < 500 {
				// Structural rejection; retrying the same chunk cannot help.
				break
			}
			time.Sleep(time.Duration(attempt+1) * 500 * time.Millisecond)
		}
		if lastErr != nil {
			return fmt.Errorf("posting records: %w", lastErr)
		}
	}
	return nil
}

func (a *Agent) waitWhilePaused(ctx context.Context) {
	for a.paused.Load() && !a.aborted.Load() && ctx.Err() == nil {
		time.Sleep(100 * time.Millisecond)
	}
}

// watchKeyboard listens for 'p' (pause/resume) and 'q' (abort) until the
// returned stop function is called.
func (a *Agent) watchKeyboard() (func(), error) {
	if err := keyboard.Open(); err != nil {
		return nil, err
	}
	done := make(chan struct{})
	go func() {
		for {
			char, key, err := keyboard.GetKey()
			if err != nil {
				return
			}
			select {
			case <-done:
				return
			default:
			}
			switch {
			case char == 'p' || char == 'P':
				paused := !a.paused.Load()
				a.paused.Store(paused)
				if paused {
					fmt.Println("\npaused; press 'p' to resume")
				} else {
					fmt.Println("\nresumed")
				}
			case char == 'q' || char == 'Q' || key == keyboard.KeyEsc || key == keyboard.KeyCtrlC:
				fmt.Println("\naborting...")
				a.aborted.Store(true)
				a.paused.Store(false)
				return
			}
		}
	}()
	return func() {
		close(done)
		keyboard.Close()
	}, nil
}
