package convert

import (
	"encoding/json"
	"fmt"

	"github.com/rivet-dev/sandboxagent/internal/ueevent"
)

func init() {
	register(ampConverter{})
}

// ampConverter converts Amp CLI JSON-lines output. Amp is subprocess-per-turn
// and single-shot: it emits a small number of typed lines ("text",
// "tool_use", "tool_result", "done") and exits.
type ampConverter struct{}

func (ampConverter) Agent() string { return "amp" }

type ampLine struct {
	Type     string          `json:"type"`
	Text     string          `json:"text"`
	ToolName string          `json:"tool"`
	CallID   string          `json:"call_id"`
	Args     json.RawMessage `json:"args"`
	Output   string          `json:"output"`
	Error    string          `json:"error"`
}

func (ampConverter) Convert(raw json.RawMessage) []EventConversion {
	var line ampLine
	if err := json.Unmarshal(raw, &line); err != nil {
		return []EventConversion{unparsed("amp", raw, err.Error())}
	}

	switch line.Type {
	case "text":
		// Amp text lines carry no id of their own, and a fixed one would
		// collide across turns of a resumed session; leaving it empty lets
		// the session layer mint a fresh item id per line.
		return []EventConversion{{
			EventType: ueevent.ItemCompleted,
			Source:    "amp",
			Data: ueevent.ItemCompletedData{Item: ueevent.Item{
				Kind:    ueevent.KindMessage,
				Role:    ueevent.RoleAssistant,
				Status:  ueevent.StatusCompleted,
				Content: []ueevent.ContentPart{ueevent.TextContent{Type: "text", Text: line.Text}},
			}},
			Raw: raw,
		}}

	case "tool_use":
		return []EventConversion{{
			EventType: ueevent.ItemStarted,
			Source:    "amp",
			Data: ueevent.ItemStartedData{Item: ueevent.Item{
				NativeItemID: line.CallID,
				Kind:         ueevent.KindToolCall,
				Role:         ueevent.RoleAssistant,
				Status:       ueevent.StatusInProgress,
				Content:      []ueevent.ContentPart{ueevent.ToolCallContent{Type: "tool_call", Name: line.ToolName, CallID: line.CallID, Args: line.Args}},
			}},
			Raw: raw,
		}}

	case "tool_result":
		status := ueevent.StatusCompleted
		if line.Error != "" {
			status = ueevent.StatusFailed
		}
		out := line.Output
		if out == "" {
			out = line.Error
		}
		return []EventConversion{{
			EventType: ueevent.ItemCompleted,
			Source:    "amp",
			Data: ueevent.ItemCompletedData{Item: ueevent.Item{
				NativeItemID: line.CallID + "-result",
				ParentID:     line.CallID,
				Kind:         ueevent.KindToolResult,
				Role:         ueevent.RoleTool,
				Status:       status,
				Content:      []ueevent.ContentPart{ueevent.ToolResultContent{Type: "tool_result", CallID: line.CallID, Output: out}},
			}},
			Raw: raw,
		}}

	case "done":
		return []EventConversion{{
			EventType: ueevent.TurnEnded,
			Source:    "amp",
			Data:      ueevent.TurnEndedData{Reason: "done"},
			Raw:       raw,
		}}

	default:
		return []EventConversion{unparsed("amp", raw, fmt.Sprintf("unknown amp line type %q", line.Type))}
	}
}
