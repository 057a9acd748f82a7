package cmd

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/trackd/cli/reader"
	"github.com/pithecene-io/trackd/cli/render"
)

// listWarningThreshold is the number of items above which we warn about using --limit.
const listWarningThreshold = 100

// ListCommand returns the list command with subcommands.
// List returns thin rows, not inspect-level detail.
func ListCommand() *cli.Command {
	return &cli.Command{
		Name:  "list",
		Usage: "List run logs",
		Subcommands: []*cli.Command{
			listRunsCommand(),
		},
	}
}

func listRunsCommand() *cli.Command {
	return &cli.Command{
		Name:  "runs",
		Usage: "List runs, most recently written first",
		Flags: append(ReadOnlyFlags(), RunDirFlag,
			&cli.StringFlag{
				Name:  "state",
				Usage: "Filter by state: active, stopping, sealed, corrupt",
			},
			&cli.IntFlag{
				Name:  "limit",
				Usage: "Maximum number of runs to return (0 = no limit)",
				Value: 0,
			},
		),
		Action: listRunsAction,
	}
}

func listRunsAction(c *cli.Context) error {
	r, err := render.NewRenderer(c)
	if err != nil {
		return err
	}

	// TUI not supported for list commands
	if c.Bool("tui") {
		return cli.Exit("--tui is not supported for list commands", 1)
	}

	opts := reader.ListRunsOptions{
		State: c.String("state"),
		Limit: c.Int("limit"),
	}
	switch opts.State {
	case "", reader.StateActive, reader.StateStopping, reader.StateSealed, reader.StateCorrupt:
	default:
		return cli.Exit(fmt.Sprintf("invalid state: %q", opts.State), 1)
	}

	results, err := reader.GetReader().ListRuns(c.Context, c.String("run-dir"), opts)
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}

	// Warn if output is large and --limit was not specified (TTY only to avoid noise in pipelines)
	if len(results) > listWarningThreshold && opts.Limit == 0 && isStderrTTY() {
		fmt.Fprintf(os.Stderr, "Warning: returning %d results. Consider using --limit to reduce output.\n\n", len(results))
	}

	return r.Render(results)
}
