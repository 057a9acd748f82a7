package cmd

import (
	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/trackd/cli/reader"
	"github.com/pithecene-io/trackd/cli/render"
)

// InspectCommand returns the inspect command with subcommands.
// Inspect returns a deep view of a single run log.
func InspectCommand() *cli.Command {
	return &cli.Command{
		Name:  "inspect",
		Usage: "Inspect a run log (state, records)",
		Subcommands: []*cli.Command{
			inspectRunCommand(),
			inspectRecordsCommand(),
		},
	}
}

func inspectRunCommand() *cli.Command {
	return &cli.Command{
		Name:      "run",
		Usage:     "Inspect the derived state of a run",
		ArgsUsage: "<run-id|log-path>",
		Flags:     append(TUIReadOnlyFlags(), RunDirFlag),
		Action:    inspectRunAction,
	}
}

func inspectRunAction(c *cli.Context) error {
	if c.NArg() < 1 {
		return cli.Exit("run-id required", 1)
	}
	logPath := resolveLogPath(c, c.Args().First())

	r, err := render.NewRenderer(c)
	if err != nil {
		return err
	}

	resp, err := reader.GetReader().InspectRun(c.Context, logPath)
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}

	if c.Bool("tui") {
		return r.RenderTUI("inspect_run", resp)
	}
	return r.Render(resp)
}

func inspectRecordsCommand() *cli.Command {
	return &cli.Command{
		Name:      "records",
		Usage:     "List the committed records of a run",
		ArgsUsage: "<run-id|log-path>",
		Flags: append(TUIReadOnlyFlags(), RunDirFlag,
			&cli.StringFlag{
				Name:  "type",
				Usage: "Comma-separated record types to keep (e.g. history,request)",
			},
			&cli.Int64Flag{
				Name:  "from-seq",
				Usage: "Skip records below this sequence number",
			},
			&cli.IntFlag{
				Name:  "limit",
				Usage: "Maximum number of records to return (0 = no limit)",
			},
		),
		Action: inspectRecordsAction,
	}
}

func inspectRecordsAction(c *cli.Context) error {
	if c.NArg() < 1 {
		return cli.Exit("run-id required", 1)
	}
	logPath := resolveLogPath(c, c.Args().First())

	recordTypes, err := reader.ParseRecordTypes(c.String("type"))
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}

	r, err := render.NewRenderer(c)
	if err != nil {
		return err
	}

	items, err := reader.GetReader().Records(c.Context, logPath, reader.RecordsOptions{
		Types:   recordTypes,
		FromSeq: c.Int64("from-seq"),
		Limit:   c.Int("limit"),
	})
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}

	if c.Bool("tui") {
		return r.RenderTUI("inspect_records", items)
	}
	return r.Render(items)
}
