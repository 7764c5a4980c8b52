package convert

import (
	"encoding/json"
	"fmt"

	"github.com/rivet-dev/sandboxagent/internal/ueevent"
)

func init() {
	register(codexConverter{})
}

// codexConverter converts Codex JSON-RPC notifications. Codex wraps its
// own item lifecycle (item.started/item.updated/item.completed) inside a
// "codex/event" notification's params, threaded by a thread_id this
// converter surfaces as NativeSessionID.
type codexConverter struct{}

func (codexConverter) Agent() string { return "codex" }

type codexNotification struct {
	Method string           `json:"method"`
	Params codexEventParams `json:"params"`
}

type codexEventParams struct {
	ThreadID string    `json:"thread_id"`
	Msg      codexItem `json:"msg"`
}

type codexItem struct {
	Type     string          `json:"type"` // "item.started" | "item.updated" | "item.completed" | "turn.completed" | "error"
	ItemID   string          `json:"item_id"`
	ParentID string          `json:"parent_id"`
	ItemType string          `json:"item_type"` // "agent_message" | "command_execution" | "reasoning"
	Text     string          `json:"text"`
	Delta    string          `json:"delta"`
	Command  string          `json:"command"`
	ExitCode *int            `json:"exit_code"`
	Output   string          `json:"output"`
	Message  string          `json:"message"`
	Raw      json.RawMessage `json:"-"`
}

func (codexConverter) Convert(raw json.RawMessage) []EventConversion {
	var n codexNotification
	if err := json.Unmarshal(raw, &n); err != nil {
		return []EventConversion{unparsed("codex", raw, err.Error())}
	}
	if n.Method != "codex/event" {
		return []EventConversion{unparsed("codex", raw, fmt.Sprintf("unsupported codex method %q", n.Method))}
	}

	msg := n.Params.Msg
	nativeSessionID := n.Params.ThreadID

	switch msg.Type {
	case "item.started":
		return []EventConversion{{
			EventType:       ueevent.ItemStarted,
			NativeSessionID: nativeSessionID,
			Source:          "codex",
			Data:            ueevent.ItemStartedData{Item: codexItemToItem(msg)},
			Raw:             raw,
		}}

	case "item.updated":
		var delta []ueevent.ContentPart
		if msg.Delta != "" {
			delta = []ueevent.ContentPart{ueevent.TextContent{Type: "text", Text: msg.Delta}}
		}
		return []EventConversion{{
			EventType:       ueevent.ItemDelta,
			NativeSessionID: nativeSessionID,
			Source:          "codex",
			Data:            ueevent.ItemDeltaData{ItemID: msg.ItemID, Delta: delta},
			Raw:             raw,
		}}

	case "item.completed":
		return []EventConversion{{
			EventType:       ueevent.ItemCompleted,
			NativeSessionID: nativeSessionID,
			Source:          "codex",
			Data:            ueevent.ItemCompletedData{Item: codexItemToItem(msg)},
			Raw:             raw,
		}}

	case "turn.completed":
		return []EventConversion{{
			EventType:       ueevent.TurnEnded,
			NativeSessionID: nativeSessionID,
			Source:          "codex",
			Data:            ueevent.TurnEndedData{Reason: "turn.completed"},
			Raw:             raw,
		}}

	case "error":
		return []EventConversion{{
			EventType:       ueevent.Error,
			NativeSessionID: nativeSessionID,
			Source:          "codex",
			Data:            ueevent.ErrorData{Message: msg.Message},
			Raw:             raw,
		}}

	default:
		return []EventConversion{unparsed("codex", raw, fmt.Sprintf("unknown codex item type %q", msg.Type))}
	}
}

func codexItemToItem(msg codexItem) ueevent.Item {
	item := ueevent.Item{
		NativeItemID: msg.ItemID,
		ParentID:     msg.ParentID,
		Status:       ueevent.StatusInProgress,
	}

	switch msg.ItemType {
	case "agent_message":
		item.Kind = ueevent.KindMessage
		item.Role = ueevent.RoleAssistant
		item.Status = ueevent.StatusCompleted
		if msg.Text != "" {
			item.Content = []ueevent.ContentPart{ueevent.TextContent{Type: "text", Text: msg.Text}}
		}
	case "reasoning":
		item.Kind = ueevent.KindMessage
		item.Role = ueevent.RoleAssistant
		item.Status = ueevent.StatusCompleted
		item.Content = []ueevent.ContentPart{ueevent.ReasoningContent{Type: "reasoning", Text: msg.Text, Visible: true}}
	case "command_execution":
		item.Role = ueevent.RoleTool
		if msg.ExitCode == nil {
			item.Kind = ueevent.KindToolCall
			args, _ := json.Marshal(map[string]string{"command": msg.Command})
			item.Content = []ueevent.ContentPart{ueevent.ToolCallContent{Type: "tool_call", Name: "shell", CallID: msg.ItemID, Args: args}}
		} else {
			item.Kind = ueevent.KindToolResult
			item.Status = ueevent.StatusCompleted
			if *msg.ExitCode != 0 {
				item.Status = ueevent.StatusFailed
			}
			item.Content = []ueevent.ContentPart{ueevent.ToolResultContent{Type: "tool_result", CallID: msg.ItemID, Output: msg.Output}}
		}
	default:
		item.Kind = ueevent.KindUnknown
		item.Role = ueevent.RoleAssistant
	}

	return item
}
