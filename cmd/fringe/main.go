package main

import (
	"fmt"
	"os"

	"github.com/ryandielhenn/fringe/internal/cli"
)

func main() {
	if err := cli.App().Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
