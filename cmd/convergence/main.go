package main

import (
	"os"

	"github.com/aixgo-dev/convergence/cmd/convergence/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
