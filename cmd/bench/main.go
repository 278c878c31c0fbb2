// Command fringe-bench drives add/get load against one node's gateway.
package main

import (
	"context"
	"fmt"
	"math/rand/v2"
	"net/http"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"github.com/ryandielhenn/fringe/pkg/node"
	"github.com/ryandielhenn/fringe/pkg/wire"
)

func main() {
	app := &cli.App{
		Name:  "fringe-bench",
		Usage: "write then read n keys against a node",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "node", Value: "localhost:" + node.DefaultPort, Usage: "node address"},
			&cli.IntFlag{Name: "n", Value: 5000, Usage: "keys"},
			&cli.IntFlag{Name: "c", Value: 32, Usage: "concurrency"},
			&cli.IntFlag{Name: "val", Value: 128, Usage: "value size bytes"},
			&cli.StringFlag{Name: "prefix", Value: "bench", Usage: "key prefix"},
		},
		Action: bench,
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func bench(c *cli.Context) error {
	addr := node.NormalizeHostPort(c.String("node"), node.DefaultPort)
	n, valSize := c.Int("n"), c.Int("val")
	client := &http.Client{Timeout: 5 * time.Second}

	var failed atomic.Int64
	g, ctx := errgroup.WithContext(c.Context)
	g.SetLimit(c.Int("c"))

	start := time.Now()
	for i := range n {
		g.Go(func() error {
			key := fmt.Sprintf("%s-%d", c.String("prefix"), i)
			value := strings.Repeat(string(rune('a'+rand.IntN(26))), valSize)
			if err := op(ctx, client, addr, key, value); err != nil {
				failed.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()
	dur := time.Since(start)

	fmt.Fprintf(c.App.Writer, "Completed %d ops in %s (%.2f ops/s), %d failed\n",
		n*2, dur, float64(n*2)/dur.Seconds(), failed.Load())
	return nil
}

func op(ctx context.Context, client *http.Client, addr, key, value string) error {
	req := node.DataRequest{Key: key, Value: &value, Action: "add"}
	if err := wire.Call(ctx, client, http.MethodPost, addr, "/data", req, nil); err != nil {
		return err
	}
	var item node.Item
	return wire.Call(ctx, client, http.MethodGet, addr, "/data/"+key, nil, &item)
}
