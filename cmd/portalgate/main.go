package main

import (
	"os"

	"github.com/drksbr/portalgate/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
