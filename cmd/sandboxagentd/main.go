// Package main provides the entry point for the sandboxagent daemon.
package main

import (
	"fmt"
	"os"

	"github.com/rivet-dev/sandboxagent/cmd/sandboxagentd/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
