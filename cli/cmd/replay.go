package cmd

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/trackd/cli/reader"
	"github.com/pithecene-io/trackd/cli/render"
	"github.com/pithecene-io/trackd/lode"
)

// ReplayCommand returns the replay command.
// Replay re-derives a run's state from its log twice and reports whether
// the fold is deterministic and where the log stops being readable. With
// --remote it also checks the stored segments against the log.
func ReplayCommand() *cli.Command {
	return &cli.Command{
		Name:      "replay",
		Usage:     "Verify that a run log replays deterministically",
		ArgsUsage: "<run-id|log-path>",
		Flags: append(append(ReadOnlyFlags(), RunDirFlag,
			&cli.BoolFlag{
				Name:  "remote",
				Usage: "Compare stored segments with the log (requires --storage-path)",
			},
			&cli.StringFlag{
				Name:  "day",
				Usage: "Storage partition day (default: derived from the run start)",
			},
			&cli.StringFlag{Name: "project", Usage: "Project partition of the run"},
			&cli.StringFlag{Name: "entity", Usage: "Entity partition of the run"},
		), storageFlags()...),
		Action: replayAction,
	}
}

func replayAction(c *cli.Context) error {
	if c.NArg() < 1 {
		return cli.Exit("run-id required", 1)
	}
	logPath := resolveLogPath(c, c.Args().First())

	r, err := render.NewRenderer(c)
	if err != nil {
		return err
	}
	if c.Bool("tui") {
		return cli.Exit("--tui is not supported for replay", 1)
	}

	ctx, cancel := context.WithTimeout(c.Context, storageQueryTimeout)
	defer cancel()

	var remote reader.SegmentSource
	if c.Bool("remote") {
		client, err := remoteSource(ctx, c, logPath)
		if err != nil {
			return cli.Exit(fmt.Sprintf("remote: %v", err), 1)
		}
		defer func() { _ = client.Close() }()
		remote = client
	}

	report, err := reader.GetReader().VerifyReplay(ctx, logPath, remote)
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}
	if err := r.Render(report); err != nil {
		return err
	}

	if !report.OK() || (report.Remote != nil && (len(report.Remote.Gaps) > 0 || len(report.Remote.Mismatch) > 0)) {
		return cli.Exit("", 1)
	}
	return nil
}

// remoteSource opens the stored segments of the run at logPath. The run
// ID and partition day come from the log unless --day pins the day.
func remoteSource(ctx context.Context, c *cli.Context, logPath string) (*lode.LodeClient, error) {
	cfg := storageConfig(c)
	if cfg.Sync.Path == "" {
		return nil, fmt.Errorf("--storage-path is required")
	}

	run, err := reader.GetReader().InspectRun(ctx, logPath)
	if err != nil {
		return nil, err
	}
	if run.RunID == "" {
		return nil, fmt.Errorf("log %s has no run start", logPath)
	}

	day := cfg.Run.Day
	if day == "" {
		if run.StartedAt == nil {
			return nil, fmt.Errorf("run start time unknown, pass --day")
		}
		day = lode.DeriveDay(*run.StartedAt)
	}
	project := cfg.Run.Project
	if project == "" {
		project = run.Project
	}
	entity := cfg.Run.Entity
	if entity == "" {
		entity = run.Entity
	}

	return buildLodeClient(ctx, cfg, lode.Config{
		Dataset: cfg.Sync.Dataset,
		Entity:  entity,
		Project: project,
		Day:     day,
		RunID:   run.RunID,
	})
}
