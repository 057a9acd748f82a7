package cmd

import (
	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/trackd/cli/render"
	"github.com/pithecene-io/trackd/datastore"
	"github.com/pithecene-io/trackd/types"
)

// VersionResponse is the response for the version command.
type VersionResponse struct {
	Version         string `json:"version"`
	ContractVersion string `json:"contract_version"`
	LogFormat       uint16 `json:"log_format"`
	Commit          string `json:"commit"`
}

// VersionCommand returns the version command. The wire contract is locked
// to the project version; the log format versions independently.
func VersionCommand(_, commit string) *cli.Command {
	return &cli.Command{
		Name:   "version",
		Usage:  "Show version information",
		Flags:  ReadOnlyFlags(),
		Action: versionAction(commit),
	}
}

func versionAction(commit string) cli.ActionFunc {
	return func(c *cli.Context) error {
		r, err := render.NewRenderer(c)
		if err != nil {
			return err
		}

		if c.Bool("tui") {
			return cli.Exit("--tui is not supported for version command", 1)
		}

		resp := VersionResponse{
			Version:         types.Version,
			ContractVersion: types.ContractVersion,
			LogFormat:       datastore.FormatVersion,
			Commit:          commit,
		}

		return r.Render(resp)
	}
}
