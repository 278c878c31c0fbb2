// Package cli implements the fringe command line: an in-process node
// launcher plus thin clients for the HTTP gateway.
package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/ryandielhenn/fringe/pkg/fault"
	"github.com/ryandielhenn/fringe/pkg/node"
	"github.com/ryandielhenn/fringe/pkg/wire"
)

// Build information, set via ldflags.
var (
	Version = "dev"
	Commit  = "unknown"
)

// App builds the fringe CLI.
func App() *cli.App {
	return &cli.App{
		Name:    "fringe",
		Usage:   "Fringe cluster management CLI",
		Version: fmt.Sprintf("%s (commit: %s)", Version, Commit),
		Flags: []cli.Flag{
			&cli.DurationFlag{
				Name:  "timeout",
				Usage: "request timeout for client commands",
				Value: 30 * time.Second,
			},
		},
		Commands: []*cli.Command{
			StartCommand(),
			listCommand(),
			statusCommand(),
			addCommand(),
			getCommand(),
			deleteCommand(),
			syncCommand(),
		},
	}
}

func nodeFlag() cli.Flag {
	return &cli.StringFlag{
		Name:     "node",
		Aliases:  []string{"n"},
		Usage:    "node to talk to, host[:port] (port defaults to " + node.DefaultPort + ")",
		Required: true,
		EnvVars:  []string{"FRINGE_NODE"},
	}
}

func keyFlag() cli.Flag {
	return &cli.StringFlag{Name: "key", Aliases: []string{"k"}, Usage: "data key", Required: true}
}

// call talks to one node and turns failures into exit status 1.
func call(c *cli.Context, addr, method, path string, in, out any) error {
	ctx, cancel := context.WithTimeout(c.Context, c.Duration("timeout"))
	defer cancel()
	client := &http.Client{Timeout: c.Duration("timeout")}
	if err := wire.Call(ctx, client, method, addr, path, in, out); err != nil {
		return cli.Exit(describe(addr, err), 1)
	}
	return nil
}

func describe(addr string, err error) string {
	var se *fault.StatusError
	if errors.As(err, &se) {
		return fmt.Sprintf("node %s answered %s", addr, se)
	}
	return fmt.Sprintf("failed to connect to node %s: %v", addr, err)
}

func target(c *cli.Context, name string) string {
	return node.NormalizeHostPort(c.String(name), node.DefaultPort)
}
