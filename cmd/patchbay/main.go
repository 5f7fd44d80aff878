package main

import (
	"os"

	"github.com/patchbay/patchbay/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
