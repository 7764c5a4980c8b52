// Package commands provides sandboxagentctl's cobra command tree.
package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rivet-dev/sandboxagent/cmd/sandboxagentctl/client"
)

var (
	Version   = "0.1.0"
	BuildTime = "dev"
)

var (
	baseURL string
	token   string
)

var rootCmd = &cobra.Command{
	Use:     "sandboxagentctl",
	Short:   "Command-line client for a running sandboxagent daemon",
	Version: Version,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&baseURL, "base-url", "http://127.0.0.1:4096", "sandboxagent daemon base URL")
	rootCmd.PersistentFlags().StringVar(&token, "token", "", "Bearer token, if the daemon requires one")

	rootCmd.SetVersionTemplate(fmt.Sprintf("sandboxagentctl %s (%s)\n", Version, BuildTime))

	rootCmd.AddCommand(createSessionCmd)
	rootCmd.AddCommand(listSessionsCmd)
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(eventsCmd)
	rootCmd.AddCommand(terminateCmd)
	rootCmd.AddCommand(permissionCmd)
	rootCmd.AddCommand(smokeCmd)
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func newClient() *client.Client {
	return client.New(baseURL, token)
}
