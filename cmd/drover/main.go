package main

import (
	"os"

	"github.com/droverhq/drover/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
