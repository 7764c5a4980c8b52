package convert

import (
	"encoding/json"
	"fmt"

	"github.com/rivet-dev/sandboxagent/internal/ueevent"
)

func init() {
	register(mockConverter{})
}

// mockConverter converts the in-process mock backend's scripted steps. The
// mock backend (internal/backend) drives a rule table keyed on prompt
// substrings and feeds this converter one scripted step at a time; no
// subprocess is involved.
type mockConverter struct{}

func (mockConverter) Agent() string { return "mock" }

// MockStep is the scripted step shape the mock backend feeds through
// Convert. It is exported so internal/backend can construct steps without
// round-tripping through encoding/json.
type MockStep struct {
	Kind     string          `json:"kind"` // "text" | "tool_call" | "tool_result" | "permission_request" | "turn_end"
	ItemID   string          `json:"item_id,omitempty"`
	Text     string          `json:"text,omitempty"`
	ToolName string          `json:"tool_name,omitempty"`
	CallID   string          `json:"call_id,omitempty"`
	Args     json.RawMessage `json:"args,omitempty"`
	Output   string          `json:"output,omitempty"`
	Failed   bool            `json:"failed,omitempty"`
	PermID   string          `json:"perm_id,omitempty"`
	Action   string          `json:"action,omitempty"`
}

func (mockConverter) Convert(raw json.RawMessage) []EventConversion {
	var step MockStep
	if err := json.Unmarshal(raw, &step); err != nil {
		return []EventConversion{unparsed("mock", raw, err.Error())}
	}

	switch step.Kind {
	case "text":
		// The backend scripts a unique item id per text step; an absent one
		// stays empty so the session layer mints a fresh id rather than
		// colliding on a shared literal.
		return []EventConversion{{
			EventType: ueevent.ItemCompleted,
			Source:    "mock",
			Data: ueevent.ItemCompletedData{Item: ueevent.Item{
				NativeItemID: step.ItemID,
				Kind:         ueevent.KindMessage,
				Role:         ueevent.RoleAssistant,
				Status:       ueevent.StatusCompleted,
				Content:      []ueevent.ContentPart{ueevent.TextContent{Type: "text", Text: step.Text}},
			}},
			Raw: raw,
		}}

	case "tool_call":
		return []EventConversion{{
			EventType: ueevent.ItemStarted,
			Source:    "mock",
			Data: ueevent.ItemStartedData{Item: ueevent.Item{
				NativeItemID: step.CallID,
				Kind:         ueevent.KindToolCall,
				Role:         ueevent.RoleAssistant,
				Status:       ueevent.StatusInProgress,
				Content:      []ueevent.ContentPart{ueevent.ToolCallContent{Type: "tool_call", Name: step.ToolName, CallID: step.CallID, Args: step.Args}},
			}},
			Raw: raw,
		}}

	case "tool_result":
		status := ueevent.StatusCompleted
		if step.Failed {
			status = ueevent.StatusFailed
		}
		content := []ueevent.ContentPart{ueevent.ToolResultContent{Type: "tool_result", CallID: step.CallID, Output: step.Output}}
		if step.ToolName == "ls" || step.ToolName == "bash" {
			content = append(content, ueevent.FileRefContent{Type: "file_ref", Path: ".", Action: ueevent.FileActionRead})
		}
		return []EventConversion{{
			EventType: ueevent.ItemCompleted,
			Source:    "mock",
			Data: ueevent.ItemCompletedData{Item: ueevent.Item{
				NativeItemID: step.CallID + "-result",
				ParentID:     step.CallID,
				Kind:         ueevent.KindToolResult,
				Role:         ueevent.RoleTool,
				Status:       status,
				Content:      content,
			}},
			Raw: raw,
		}}

	case "permission_request":
		return []EventConversion{{
			EventType: ueevent.PermissionRequested,
			Source:    "mock",
			Data:      ueevent.PermissionRequestedData{ID: step.PermID, Action: step.Action},
			Raw:       raw,
		}}

	case "turn_end":
		return []EventConversion{{
			EventType: ueevent.TurnEnded,
			Source:    "mock",
			Data:      ueevent.TurnEndedData{Reason: "completed"},
			Raw:       raw,
		}}

	default:
		return []EventConversion{unparsed("mock", raw, fmt.Sprintf("unknown mock step kind %q", step.Kind))}
	}
}
