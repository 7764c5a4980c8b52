// Package main provides the entry point for sandboxagentctl, a smoke-test
// client for a running sandboxagent daemon.
package main

import (
	"fmt"
	"os"

	"github.com/rivet-dev/sandboxagent/cmd/sandboxagentctl/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
