package main

import (
	"os"

	"github.com/sbenjam1n/steward/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
