package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/rivet-dev/sandboxagent/internal/ueevent"
	"github.com/rivet-dev/sandboxagent/pkg/ueapi"
)

var smokeAgent string

// smokeCmd drives a basic-reply scenario end to end against a live daemon:
// create a session, send a deterministic prompt, and wait for the
// assistant's completed reply.
var smokeCmd = &cobra.Command{
	Use:   "smoke",
	Short: "Run the basic-reply smoke scenario against a running daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		c := newClient()
		ctx, cancel := context.WithTimeout(cmd.Context(), 120*time.Second)
		defer cancel()

		id := fmt.Sprintf("smoke-%d", time.Now().UnixNano())
		if _, err := c.CreateSession(ctx, id, ueapi.CreateSessionRequest{Agent: smokeAgent}); err != nil {
			return fmt.Errorf("create session: %w", err)
		}

		prompt := "Reply with exactly the single word OK."
		if err := c.SendMessage(ctx, id, prompt); err != nil {
			return fmt.Errorf("send message: %w", err)
		}

		var reply string
		err := c.StreamEvents(ctx, id, 0, func(ev ueapi.Event) error {
			if ev.EventType == ueevent.AgentUnparsed {
				return fmt.Errorf("unexpected agent.unparsed event")
			}
			if ev.EventType != ueevent.ItemCompleted {
				return nil
			}
			if text, ok := completedMessageText(ev.Data); ok {
				reply = text
				return errDone
			}
			return nil
		})
		if err != nil && err != errDone {
			return err
		}
		if reply == "" {
			return fmt.Errorf("timed out waiting for assistant reply")
		}

		fmt.Printf("session %s replied: %q\n", id, reply)
		_ = c.Terminate(context.Background(), id)
		return nil
	},
}

var errDone = fmt.Errorf("smoke scenario satisfied")

func init() {
	smokeCmd.Flags().StringVar(&smokeAgent, "agent", "mock", "Agent backend to exercise")
}

// completedMessageText extracts the assistant message text from an
// item.completed event; Event's UnmarshalJSON has already decoded Data into
// its concrete shape.
func completedMessageText(data any) (string, bool) {
	d, ok := data.(ueevent.ItemCompletedData)
	if !ok {
		return "", false
	}
	if d.Item.Role != ueevent.RoleAssistant {
		return "", false
	}
	text := ueevent.Text(d.Item.Content)
	return text, text != ""
}
