package cli

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/ryandielhenn/fringe/internal/config"
	"github.com/ryandielhenn/fringe/internal/telemetry"
	"github.com/ryandielhenn/fringe/pkg/daemon"
)

// StartCommand runs a node in this process until interrupted.
func StartCommand() *cli.Command {
	return &cli.Command{
		Name:   "start",
		Usage:  "Start a new node",
		Flags:  StartFlags(),
		Action: RunNode,
	}
}

// StartFlags are the node settings accepted on the command line. Each one
// overrides the config file and the environment.
func StartFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Usage: "YAML config file", EnvVars: []string{"FRINGE_CONFIG"}},
		&cli.StringFlag{Name: "id", Usage: "node id (default: generated ULID)"},
		&cli.StringFlag{Name: "addr", Usage: "listen and advertise address, host:port"},
		&cli.BoolFlag{Name: "bootstrap", Usage: "first node of a new cluster, join nobody"},
		&cli.StringSliceFlag{Name: "join", Usage: "seed node to join through (repeatable)"},
		&cli.StringFlag{Name: "metrics-addr", Usage: "Prometheus listener, empty disables"},
		&cli.StringSliceFlag{Name: "etcd", Usage: "etcd endpoint for seed discovery (repeatable)"},
		&cli.StringFlag{Name: "log-level", Usage: "debug, info, warn or error"},
		&cli.StringFlag{Name: "log-format", Usage: "json or console"},
	}
}

// overrides maps the flags the user actually set onto config keys.
func overrides(c *cli.Context) map[string]any {
	out := map[string]any{}
	strs := map[string]string{
		"id":           "node.id",
		"addr":         "node.addr",
		"metrics-addr": "node.metrics_addr",
		"log-level":    "log.level",
		"log-format":   "log.format",
	}
	for flag, key := range strs {
		if c.IsSet(flag) {
			out[key] = c.String(flag)
		}
	}
	if c.IsSet("bootstrap") {
		out["node.bootstrap"] = c.Bool("bootstrap")
	}
	if c.IsSet("join") {
		out["node.join"] = c.StringSlice("join")
	}
	if c.IsSet("etcd") {
		out["etcd.endpoints"] = c.StringSlice("etcd")
	}
	return out
}

// RunNode loads the configuration and serves until SIGINT or SIGTERM.
func RunNode(c *cli.Context) error {
	cfg, err := config.Load(c.String("config"), overrides(c))
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}
	logger, err := telemetry.NewLogger(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}
	defer func() { _ = logger.Sync() }()
	telemetry.SetBuildInfo(Version, Commit)

	d, err := daemon.New(cfg, logger)
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := d.Run(ctx); err != nil {
		logger.Error("node failed", zap.Error(err))
		return cli.Exit(err.Error(), 1)
	}
	return nil
}
