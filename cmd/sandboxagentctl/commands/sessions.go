package commands

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/rivet-dev/sandboxagent/pkg/ueapi"
)

var (
	createAgent          string
	createAgentMode      string
	createPermissionMode string
	createModel          string
	createVariant        string
)

var createSessionCmd = &cobra.Command{
	Use:   "create-session <id>",
	Short: "Create a session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		sess, err := newClient().CreateSession(cmd.Context(), args[0], ueapi.CreateSessionRequest{
			Agent:          createAgent,
			AgentMode:      createAgentMode,
			PermissionMode: createPermissionMode,
			Model:          createModel,
			Variant:        createVariant,
		})
		if err != nil {
			return err
		}
		return printJSON(sess)
	},
}

func init() {
	createSessionCmd.Flags().StringVar(&createAgent, "agent", "mock", "Agent backend (claude|codex|opencode|amp|mock)")
	createSessionCmd.Flags().StringVar(&createAgentMode, "agent-mode", "", "Agent-specific mode")
	createSessionCmd.Flags().StringVar(&createPermissionMode, "permission-mode", "", "Permission mode")
	createSessionCmd.Flags().StringVar(&createModel, "model", "", "Model id")
	createSessionCmd.Flags().StringVar(&createVariant, "variant", "", "Agent variant")
}

var listSessionsCmd = &cobra.Command{
	Use:   "list-sessions",
	Short: "List tracked sessions",
	RunE: func(cmd *cobra.Command, args []string) error {
		sessions, err := newClient().ListSessions(cmd.Context())
		if err != nil {
			return err
		}
		return printJSON(sessions)
	},
}

var sendCmd = &cobra.Command{
	Use:   "send <session-id> <text>",
	Short: "Send a message to a session",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return newClient().SendMessage(cmd.Context(), args[0], args[1])
	},
}

var terminateCmd = &cobra.Command{
	Use:   "terminate <session-id>",
	Short: "Terminate a session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return newClient().Terminate(cmd.Context(), args[0])
	},
}

var permissionReply string

var permissionCmd = &cobra.Command{
	Use:   "reply-permission <session-id> <permission-id>",
	Short: "Reply to a pending permission request",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return newClient().ReplyPermission(cmd.Context(), args[0], args[1], permissionReply)
	},
}

func init() {
	permissionCmd.Flags().StringVar(&permissionReply, "reply", "once", "once|always|reject")
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	return nil
}
