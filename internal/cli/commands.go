package cli

import (
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/ryandielhenn/fringe/pkg/gossip"
	"github.com/ryandielhenn/fringe/pkg/merkle"
	"github.com/ryandielhenn/fringe/pkg/node"
)

func listCommand() *cli.Command {
	return &cli.Command{
		Name:   "list",
		Usage:  "List all nodes in the cluster",
		Flags:  []cli.Flag{nodeFlag()},
		Action: runList,
	}
}

func runList(c *cli.Context) error {
	var st gossip.ClusterStatus
	if err := call(c, target(c, "node"), http.MethodGet, "/cluster", nil, &st); err != nil {
		return err
	}
	w := c.App.Writer
	fmt.Fprintln(w, "Cluster Status:")
	fmt.Fprintf(w, "Total nodes: %d\n", st.TotalNodes)
	fmt.Fprintf(w, "Alive nodes: %d\n", st.AliveNodes)
	fmt.Fprintln(w, "\nNodes:")
	for _, m := range st.Nodes {
		fmt.Fprintf(w, "  ID: %s\n", m.ID)
		fmt.Fprintf(w, "  Address: %s\n", m.Addr)
		fmt.Fprintf(w, "  State: %s\n", m.State)
		fmt.Fprintf(w, "  Incarnation: %d\n", m.Incarnation)
		fmt.Fprintf(w, "  Since: %s\n\n", m.Since.Format(time.RFC3339))
	}
	return nil
}

func statusCommand() *cli.Command {
	return &cli.Command{
		Name:   "status",
		Usage:  "Get node status",
		Flags:  []cli.Flag{nodeFlag()},
		Action: runStatus,
	}
}

func runStatus(c *cli.Context) error {
	addr := target(c, "node")
	var h node.HealthResponse
	if err := call(c, addr, http.MethodGet, "/health", nil, &h); err != nil {
		fmt.Fprintf(c.App.Writer, "Node %s is unhealthy\n", addr)
		return err
	}
	fmt.Fprintf(c.App.Writer, "Node %s is healthy\n", addr)

	var info struct {
		ID      string           `json:"id"`
		Uptime  string           `json:"uptime"`
		Items   int              `json:"items"`
		Records int              `json:"records"`
		Tree    merkle.SyncStats `json:"tree"`
	}
	if err := call(c, addr, http.MethodGet, "/info", nil, &info); err != nil {
		return err
	}
	w := c.App.Writer
	fmt.Fprintf(w, "ID: %s\n", info.ID)
	fmt.Fprintf(w, "Uptime: %s\n", info.Uptime)
	fmt.Fprintf(w, "Keys: %d (%d records incl. tombstones)\n", info.Items, info.Records)
	fmt.Fprintf(w, "Tree hash: %s\n", info.Tree.TreeHash)
	return nil
}

func addCommand() *cli.Command {
	return &cli.Command{
		Name:  "add",
		Usage: "Add data to a node",
		Flags: []cli.Flag{
			nodeFlag(),
			keyFlag(),
			&cli.StringFlag{Name: "value", Aliases: []string{"v"}, Usage: "data value", Required: true},
		},
		Action: func(c *cli.Context) error {
			addr := target(c, "node")
			value := c.String("value")
			req := node.DataRequest{Key: c.String("key"), Value: &value, Action: "add"}
			var resp node.DataResponse
			if err := call(c, addr, http.MethodPost, "/data", req, &resp); err != nil {
				return err
			}
			fmt.Fprintf(c.App.Writer, "Data added successfully to node %s (version %d)\n", addr, resp.Version)
			return nil
		},
	}
}

func getCommand() *cli.Command {
	return &cli.Command{
		Name:  "get",
		Usage: "Get data from a node",
		Flags: []cli.Flag{nodeFlag(), keyFlag()},
		Action: func(c *cli.Context) error {
			var item node.Item
			if err := call(c, target(c, "node"), http.MethodGet, "/data/"+url.PathEscape(c.String("key")), nil, &item); err != nil {
				return err
			}
			w := c.App.Writer
			fmt.Fprintf(w, "Key: %s\n", item.Key)
			fmt.Fprintf(w, "Value: %s\n", item.Value)
			fmt.Fprintf(w, "Modified: %s\n", item.Modified.Format(time.RFC3339Nano))
			fmt.Fprintf(w, "Version: %d\n", item.Version)
			return nil
		},
	}
}

func deleteCommand() *cli.Command {
	return &cli.Command{
		Name:  "delete",
		Usage: "Delete data from a node",
		Flags: []cli.Flag{nodeFlag(), keyFlag()},
		Action: func(c *cli.Context) error {
			addr := target(c, "node")
			req := node.DataRequest{Key: c.String("key"), Action: "delete"}
			if err := call(c, addr, http.MethodPost, "/data", req, nil); err != nil {
				return err
			}
			fmt.Fprintf(c.App.Writer, "Data deleted successfully from node %s\n", addr)
			return nil
		},
	}
}

func syncCommand() *cli.Command {
	return &cli.Command{
		Name:  "sync",
		Usage: "Reconcile the target node with the source node",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "from", Usage: "source node, id or host[:port]", Required: true},
			&cli.StringFlag{Name: "to", Usage: "target node, host[:port]", Required: true},
		},
		Action: func(c *cli.Context) error {
			to := target(c, "to")
			req := node.SyncRequest{From: c.String("from"), To: to}
			var stats merkle.SyncStats
			if err := call(c, to, http.MethodPost, "/sync", req, &stats); err != nil {
				return err
			}
			w := c.App.Writer
			fmt.Fprintln(w, "Sync completed successfully")
			fmt.Fprintf(w, "Tree hash: %s\n", stats.TreeHash)
			fmt.Fprintf(w, "Total leaves: %d\n", stats.TotalLeaves)
			fmt.Fprintf(w, "Max depth: %d\n", stats.MaxDepth)
			fmt.Fprintf(w, "Leaves compared: %d, pulled: %d, pushed: %d\n", stats.LeavesCompared, stats.Pulled, stats.Pushed)
			return nil
		},
	}
}
