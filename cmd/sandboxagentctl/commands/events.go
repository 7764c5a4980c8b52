package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rivet-dev/sandboxagent/pkg/ueapi"
)

var (
	eventsOffset int64
	eventsFollow bool
)

var eventsCmd = &cobra.Command{
	Use:   "events <session-id>",
	Short: "List or follow a session's event log",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c := newClient()
		if !eventsFollow {
			events, err := c.ListEvents(cmd.Context(), args[0], eventsOffset)
			if err != nil {
				return err
			}
			return printJSON(events)
		}
		return c.StreamEvents(cmd.Context(), args[0], eventsOffset, func(ev ueapi.Event) error {
			fmt.Printf("seq=%d type=%s\n", ev.Sequence, ev.EventType)
			return nil
		})
	},
}

func init() {
	eventsCmd.Flags().Int64Var(&eventsOffset, "offset", 0, "Replay events with sequence greater than this")
	eventsCmd.Flags().BoolVar(&eventsFollow, "follow", false, "Stream live events via SSE instead of a single page")
}
