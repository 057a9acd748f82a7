package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	lodelibrary "github.com/justapithecus/lode/lode"
	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/trackd/cli/config"
	"github.com/pithecene-io/trackd/cli/reader"
	"github.com/pithecene-io/trackd/cli/render"
	"github.com/pithecene-io/trackd/datastore"
	"github.com/pithecene-io/trackd/lode"
)

// storageQueryTimeout bounds remote reads of stats and replay.
const storageQueryTimeout = 30 * time.Second

// StatsCommand returns the stats command with subcommands.
// Stats returns aggregated, derived facts.
func StatsCommand() *cli.Command {
	return &cli.Command{
		Name:  "stats",
		Usage: "Show aggregated statistics (runs, metrics, sync)",
		Subcommands: []*cli.Command{
			statsRunsCommand(),
			statsMetricsCommand(),
			statsSyncCommand(),
		},
	}
}

func statsRunsCommand() *cli.Command {
	return &cli.Command{
		Name:   "runs",
		Usage:  "Show run statistics of a run directory",
		Flags:  append(TUIReadOnlyFlags(), RunDirFlag),
		Action: statsRunsAction,
	}
}

func statsRunsAction(c *cli.Context) error {
	r, err := render.NewRenderer(c)
	if err != nil {
		return err
	}

	stats, err := reader.GetReader().StatsRuns(c.Context, c.String("run-dir"))
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}

	if c.Bool("tui") {
		return r.RenderTUI("stats_runs", stats)
	}
	return r.Render(stats)
}

func statsMetricsCommand() *cli.Command {
	return &cli.Command{
		Name:  "metrics",
		Usage: "Show the metrics of a served run from its --report file",
		Flags: append(TUIReadOnlyFlags(),
			&cli.StringFlag{
				Name:     "report",
				Usage:    "Path to a serve --report JSON file",
				Required: true,
			},
		),
		Action: statsMetricsAction,
	}
}

func statsMetricsAction(c *cli.Context) error {
	r, err := render.NewRenderer(c)
	if err != nil {
		return err
	}

	snapshot, err := reader.GetReader().StatsMetrics(c.String("report"))
	if err != nil {
		return cli.Exit(fmt.Sprintf("failed to read metrics: %v", err), 1)
	}

	if c.Bool("tui") {
		return r.RenderTUI("stats_metrics", snapshot)
	}
	return r.Render(snapshot)
}

// SyncStatus compares the remote sync cursor with the local log.
type SyncStatus struct {
	RunID        string `json:"run_id"`
	LogPath      string `json:"log_path"`
	LocalBytes   int64  `json:"local_bytes"`
	RemoteCursor int64  `json:"remote_cursor"`
	BehindBytes  int64  `json:"behind_bytes"`
	Synced       bool   `json:"synced"`
}

func statsSyncCommand() *cli.Command {
	return &cli.Command{
		Name:      "sync",
		Usage:     "Compare a run's remote sync cursor with its local log",
		ArgsUsage: "<run-id>",
		Flags:     append(append(ReadOnlyFlags(), RunDirFlag), storageFlags()...),
		Action:    statsSyncAction,
	}
}

func statsSyncAction(c *cli.Context) error {
	if c.NArg() < 1 {
		return cli.Exit("run-id required", 1)
	}
	runID := c.Args().First()

	r, err := render.NewRenderer(c)
	if err != nil {
		return err
	}
	if c.Bool("tui") {
		return cli.Exit("--tui is not supported for stats sync", 1)
	}
	if c.String("storage-path") == "" {
		return cli.Exit("--storage-path is required", 1)
	}

	ctx, cancel := context.WithTimeout(c.Context, storageQueryTimeout)
	defer cancel()

	cfg := storageConfig(c)
	ds, err := buildReadDataset(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize storage reader: %w", err)
	}

	status := &SyncStatus{RunID: runID, LogPath: reader.LogPath(c.String("run-dir"), runID)}
	cursor, err := lode.QuerySyncCursor(ctx, ds, runID)
	switch {
	case errors.Is(err, lode.ErrNoSyncRecords):
	case err != nil:
		return fmt.Errorf("failed to query sync cursor: %w", err)
	default:
		status.RemoteCursor = cursor
	}

	if info, err := os.Stat(status.LogPath); err == nil {
		status.LocalBytes = info.Size()
		if behind := status.LocalBytes - status.RemoteCursor; behind > 0 {
			status.BehindBytes = behind
		}
	}
	// The seal entry is never synced.
	status.Synced = status.RemoteCursor > 0 && status.BehindBytes <= datastore.EntryHeaderSize
	return r.Render(status)
}

// storageConfig collects the storage flags into a config for the shared
// storage builders.
func storageConfig(c *cli.Context) *config.Config {
	return &config.Config{
		Run: config.RunConfig{
			Project: c.String("project"),
			Entity:  c.String("entity"),
			Day:     c.String("day"),
		},
		Sync: config.SyncConfig{
			Backend:     c.String("storage-backend"),
			Path:        c.String("storage-path"),
			Dataset:     c.String("storage-dataset"),
			Region:      c.String("storage-region"),
			Endpoint:    c.String("storage-endpoint"),
			S3PathStyle: c.Bool("storage-s3-path-style"),
		},
	}
}

// buildReadDataset opens the configured dataset for reading.
func buildReadDataset(ctx context.Context, cfg *config.Config) (lodelibrary.Dataset, error) {
	switch storageBackend(cfg) {
	case "fs":
		return lode.NewReadDatasetFS(cfg.Sync.Dataset, cfg.Sync.Path)
	case "s3":
		bucket, prefix := lode.ParseS3Path(cfg.Sync.Path)
		factory, err := lode.NewS3Factory(ctx, lode.S3Config{
			Bucket:       bucket,
			Prefix:       prefix,
			Region:       cfg.Sync.Region,
			Endpoint:     cfg.Sync.Endpoint,
			UsePathStyle: cfg.Sync.S3PathStyle,
		})
		if err != nil {
			return nil, err
		}
		return lode.NewReadDataset(cfg.Sync.Dataset, factory)
	default:
		return nil, fmt.Errorf("unsupported storage-backend: %s (must be fs or s3)", cfg.Sync.Backend)
	}
}
