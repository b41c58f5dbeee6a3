package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/cratesync/cratesync/internal/agent"
	"github.com/cratesync/cratesync/internal/api"
	"github.com/cratesync/cratesync/internal/blob"
	"github.com/cratesync/cratesync/internal/config"
	"github.com/cratesync/cratesync/internal/engine"
	"github.com/cratesync/cratesync/internal/logging"
	"github.com/cratesync/cratesync/internal/naming"
	"github.com/cratesync/cratesync/internal/report"
	"github.com/cratesync/cratesync/internal/store"
	"github.com/cratesync/cratesync/internal/tags"
	"github.com/cratesync/cratesync/pkg/models"
	"github.com/cratesync/cratesync/pkg/utils"
	"github.com/cratesync/cratesync/pkg/version"
)

func main() {
	cli.VersionFlag = &cli.BoolFlag{
		Name:    "version",
		Aliases: []string{"v"},
		Usage:   "print the version",
	}

	serverFlag := &cli.StringFlag{
		Name:    "server",
		Usage:   "Base URL of the cratesync server",
		Value:   "http://localhost:8773",
		EnvVars: []string{"CRATESYNC_SERVER"},
	}
	deviceFlag := &cli.Int64Flag{
		Name:     "device",
		Usage:    "Device ID",
		Required: true,
	}

	app := &cli.App{
		Name:                 "cratesync",
		Usage:                "Music catalog to portable device synchronization",
		Version:              version.Version,
		EnableBashCompletion: true,
		Commands: []*cli.Command{
			{
				Name:  "version",
				Usage: "Print detailed version information",
				Action: func(c *cli.Context) error {
					fmt.Printf("Version:    %s\n", version.Version)
					fmt.Printf("Git commit: %s\n", version.GitCommit)
					fmt.Printf("Built:      %s\n", version.BuildTime)
					return nil
				},
			},
			{
				Name:  "serve",
				Usage: "Run the sync server",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:    "config",
						Usage:   "Path to a YAML config file",
						EnvVars: []string{"CRATESYNC_CONFIG"},
					},
				},
				Action: serve,
			},
			{
				Name:  "device",
				Usage: "Manage sync devices",
				Subcommands: []*cli.Command{
					{
						Name:  "add",
						Usage: "Register a new device",
						Flags: []cli.Flag{
							serverFlag,
							&cli.StringFlag{Name: "name", Usage: "Device name", Required: true},
							&cli.StringFlag{Name: "owner", Usage: "Device owner"},
							&cli.StringFlag{Name: "icon", Usage: "Display icon"},
							&cli.StringFlag{Name: "color", Usage: "Display color"},
							&cli.StringFlag{Name: "template", Usage: "Naming template for placed files"},
						},
						Action: deviceAdd,
					},
					{
						Name:   "list",
						Usage:  "List registered devices",
						Flags:  []cli.Flag{serverFlag},
						Action: deviceList,
					},
				},
			},
			{
				Name:  "sync",
				Usage: "Sync a local music tree with the server",
				Flags: []cli.Flag{
					serverFlag,
					deviceFlag,
					&cli.StringFlag{Name: "root", Usage: "Local music directory", Required: true},
					&cli.IntFlag{Name: "workers", Usage: "Number of parallel upload workers", Value: 4},
					&cli.IntFlag{Name: "chunk", Usage: "Records per outcome chunk", Value: 100},
					&cli.BoolFlag{Name: "dry-run", Usage: "Record what would happen without changing anything"},
					&cli.BoolFlag{Name: "force", Usage: "Re-upload files the server considers unchanged"},
					&cli.BoolFlag{Name: "no-input", Usage: "Disable keyboard pause/abort control"},
				},
				Action: runSync,
			},
			{
				Name:  "sessions",
				Usage: "Inspect and manage sync sessions",
				Subcommands: []*cli.Command{
					{
						Name:  "list",
						Usage: "List a device's recent sessions",
						Flags: []cli.Flag{
							serverFlag,
							deviceFlag,
							&cli.IntFlag{Name: "count", Usage: "Number of sessions to show", Value: 20},
						},
						Action: sessionsList,
					},
					{
						Name:  "cancel",
						Usage: "Cancel an in-progress session",
						Flags: []cli.Flag{
							serverFlag,
							deviceFlag,
							&cli.StringFlag{Name: "session", Usage: "Session ID", Required: true},
						},
						Action: sessionsCancel,
					},
				},
			},
			{
				Name:  "report",
				Usage: "Export a session's outcome as an xlsx workbook",
				Flags: []cli.Flag{
					serverFlag,
					deviceFlag,
					&cli.StringFlag{Name: "session", Usage: "Session ID", Required: true},
					&cli.StringFlag{Name: "out", Usage: "Output file path", Value: "session-report.xlsx"},
				},
				Action: writeReport,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		logging.Fatal().Err(err).Msg("command failed")
	}
}

func serve(c *cli.Context) error {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return err
	}
	logging.Init(logging.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format})

	st, err := store.New(cfg.Store.Path)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	var blobs blob.Store
	if cfg.Blob.Endpoint != "" {
		blobs, err = blob.NewMinio(c.Context, blob.MinioConfig{
			Endpoint:  cfg.Blob.Endpoint,
			Bucket:    cfg.Blob.Bucket,
			AccessKey: cfg.Blob.AccessKey,
			SecretKey: cfg.Blob.SecretKey,
			Secure:    cfg.Blob.Secure,
		})
		if err != nil {
			return fmt.Errorf("connecting blob store: %w", err)
		}
	} else {
		logging.Warn().Msg("no blob endpoint configured; audio bytes held in memory")
		blobs = blob.NewMemory()
	}

	eng := engine.New(st, blobs, tags.CodecReader{}, naming.NewResolver(cfg.Sync.DefaultNamingTemplate),
		engine.Config{MaxChunkSize: cfg.Sync.MaxChunkSize})

	srv := &http.Server{
		Addr:         cfg.HTTP.Addr,
		Handler:      api.NewServer(eng).Router(),
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	go cancelStaleLoop(ctx, eng, cfg.Sync.StaleAfter)

	errCh := make(chan error, 1)
	go func() {
		logging.Info().Str("addr", cfg.HTTP.Addr).Msg("server listening")
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logging.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// cancelStaleLoop periodically cancels in-progress sessions that have
// gone quiet, so an abandoned device cannot hold its session slot
// forever.
func cancelStaleLoop(ctx context.Context, eng *engine.Engine, window time.Duration) {
	ticker := time.NewTicker(window / 4)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := eng.CancelStale(window)
			if err != nil {
				logging.Error().Err(err).Msg("cancelling stale sessions")
				continue
			}
			if n > 0 {
				logging.Info().Int("sessions", n).Msg("cancelled stale sessions")
			}
		}
	}
}

func deviceAdd(c *cli.Context) error {
	client := agent.NewClient(c.String("server"))
	var tmpl *string
	if t := c.String("template"); t != "" {
		tmpl = &t
	}
	d, err := client.CreateDevice(c.Context, c.String("name"), c.String("owner"),
		c.String("icon"), c.String("color"), tmpl)
	if err != nil {
		return err
	}
	fmt.Printf("Device '%s' registered with ID %d\n", d.Name, d.ID)
	return nil
}

func deviceList(c *cli.Context) error {
	client := agent.NewClient(c.String("server"))
	devices, err := client.ListDevices(c.Context)
	if err != nil {
		return err
	}
	if len(devices) == 0 {
		fmt.Println("No devices registered")
		return nil
	}
	for _, d := range devices {
		last := "never"
		if d.LastSyncAt != nil {
			last = d.LastSyncAt.Local().Format(time.RFC3339)
		}
		fmt.Printf("%4d  %-24s owner=%-12s last sync: %s\n", d.ID, d.Name, d.Owner, last)
	}
	return nil
}

func runSync(c *cli.Context) error {
	client := agent.NewClient(c.String("server"))
	a := agent.New(client, c.Int64("device"), c.String("root"), agent.Options{
		NumWorkers:  c.Int("workers"),
		ChunkSize:   c.Int("chunk"),
		DryRun:      c.Bool("dry-run"),
		Force:       c.Bool("force"),
		Interactive: !c.Bool("no-input"),
		Progress:    true,
	})

	summary, err := a.Run(c.Context)
	if err != nil {
		return err
	}

	fmt.Println("\nSync completed:")
	fmt.Printf("- Created:    %d\n", summary.CreatedCount)
	fmt.Printf("- Updated:    %d\n", summary.UpdatedCount)
	fmt.Printf("- Skipped:    %d\n", summary.SkippedCount)
	fmt.Printf("- Downloaded: %d\n", summary.DownloadedCount)
	fmt.Printf("- Removed:    %d\n", summary.RemovedCount)
	fmt.Printf("- Errors:     %d\n", summary.ErrorCount)
	return nil
}

func sessionsList(c *cli.Context) error {
	client := agent.NewClient(c.String("server"))
	sessions, err := client.ListSessions(c.Context, c.Int64("device"), c.Int("count"))
	if err != nil {
		return err
	}
	if len(sessions) == 0 {
		fmt.Println("No sessions")
		return nil
	}
	for _, s := range sessions {
		elapsed := ""
		if s.CompletedAt != nil {
			elapsed = " (" + utils.FormatDuration(s.CompletedAt.Sub(s.StartedAt)) + ")"
		}
		dry := ""
		if s.DryRun {
			dry = " [dry-run]"
		}
		fmt.Printf("%s  %-12s started %s%s%s\n",
			s.ID, s.Status, s.StartedAt.Local().Format(time.RFC3339), elapsed, dry)
	}
	return nil
}

func sessionsCancel(c *cli.Context) error {
	client := agent.NewClient(c.String("server"))
	if err := client.CancelSync(c.Context, c.Int64("device"), c.String("session")); err != nil {
		return err
	}
	fmt.Println("Session cancelled")
	return nil
}

func writeReport(c *cli.Context) error {
	client := agent.NewClient(c.String("server"))
	deviceID := c.Int64("device")
	sessionID := c.String("session")

	devices, err := client.ListDevices(c.Context)
	if err != nil {
		return err
	}
	var device *models.Device
	for i := range devices {
		if devices[i].ID == deviceID {
			device = &devices[i]
			break
		}
	}
	if device == nil {
		return fmt.Errorf("device %d not found", deviceID)
	}

	sessions, err := client.ListSessions(c.Context, deviceID, 0)
	if err != nil {
		return err
	}
	var sess *models.SyncSession
	for i := range sessions {
		if sessions[i].ID == sessionID {
			sess = &sessions[i]
			break
		}
	}
	if sess == nil {
		return fmt.Errorf("session %s not found for device %d", sessionID, deviceID)
	}

	records, err := client.SessionRecords(c.Context, deviceID, sessionID)
	if err != nil {
		return err
	}

	summary := &models.SessionSummary{}
	for _, r := range records {
		switch r.Action {
		case models.ActionCreated:
			summary.CreatedCount++
		case models.ActionUpdated:
			summary.UpdatedCount++
		case models.ActionSkipped:
			summary.SkippedCount++
		case models.ActionDownloaded:
			summary.DownloadedCount++
		case models.ActionRemoved:
			summary.RemovedCount++
		case models.ActionError:
			summary.ErrorCount++
		}
	}

	out := c.String("out")
	if err := report.Write(out, device, sess, summary, records); err != nil {
		return err
	}
	fmt.Printf("Report for session %s written to %s (%d records)\n", sessionID, out, len(records))
	return nil
}
