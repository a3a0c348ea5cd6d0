package main

import (
	"os"

	"github.com/craigderington/portswitch/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
