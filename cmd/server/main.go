// Command fringe-server runs a single fringe node.
//
// Settings come from defaults, then the optional YAML file (--config),
// then FRINGE_* environment variables, then flags.
package main

import (
	"fmt"
	"os"

	ucli "github.com/urfave/cli/v2"

	"github.com/ryandielhenn/fringe/internal/cli"
)

func main() {
	app := &ucli.App{
		Name:    "fringe-server",
		Usage:   "run a fringe cluster node",
		Version: cli.Version,
		Flags:   cli.StartFlags(),
		Action:  cli.RunNode,
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
