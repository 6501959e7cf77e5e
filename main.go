package main

import (
	"os"

	"github.com/ellsmere/lattice/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
