package main

import (
	"os"

	"github.com/ocx/trafficmesh/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
