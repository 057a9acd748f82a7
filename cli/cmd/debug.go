package cmd

import (
	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/trackd/cli/reader"
	"github.com/pithecene-io/trackd/cli/render"
)

// DebugCommand returns the debug command with subcommands.
// Debug commands are opt-in diagnostic tools. They are read-only.
func DebugCommand() *cli.Command {
	return &cli.Command{
		Name:  "debug",
		Usage: "Diagnostic tools (ipc)",
		Subcommands: []*cli.Command{
			debugIPCCommand(),
		},
	}
}

func debugIPCCommand() *cli.Command {
	return &cli.Command{
		Name:      "ipc",
		Usage:     "Decode a captured client frame stream",
		ArgsUsage: "<capture-file>",
		Flags: append(ReadOnlyFlags(),
			&cli.BoolFlag{
				Name:  "verbose",
				Usage: "Include one row per record",
			},
		),
		Action: debugIPCAction,
	}
}

func debugIPCAction(c *cli.Context) error {
	if c.NArg() < 1 {
		return cli.Exit("capture file required", 1)
	}

	r, err := render.NewRenderer(c)
	if err != nil {
		return err
	}

	// TUI not supported for debug commands
	if c.Bool("tui") {
		return cli.Exit("--tui is not supported for debug commands", 1)
	}

	resp, err := reader.GetReader().DebugIPC(c.Args().First(), c.Bool("verbose"))
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}
	return r.Render(resp)
}
