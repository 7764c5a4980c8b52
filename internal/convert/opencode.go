package convert

import (
	"encoding/json"
	"fmt"

	"github.com/rivet-dev/sandboxagent/internal/ueevent"
)

func init() {
	register(opencodeConverter{})
}

// opencodeConverter converts OpenCode SDK SSE envelopes of the shape
// {"type": "...", "properties": {...}} — the same wire shape this daemon's
// own OpenCode-compatible surface emits, running the other direction.
type opencodeConverter struct{}

func (opencodeConverter) Agent() string { return "opencode" }

type opencodeEnvelope struct {
	Type       string          `json:"type"`
	Properties json.RawMessage `json:"properties"`
}

type opencodeMessageUpdated struct {
	SessionID string `json:"sessionID"`
	Info      struct {
		ID   string `json:"id"`
		Role string `json:"role"`
	} `json:"info"`
}

type opencodePartUpdated struct {
	SessionID string `json:"sessionID"`
	Part      struct {
		ID         string          `json:"id"`
		MessageID  string          `json:"messageID"`
		Type       string          `json:"type"`
		Text       string          `json:"text"`
		ToolCallID string          `json:"toolCallID"`
		ToolName   string          `json:"toolName"`
		Input      json.RawMessage `json:"input"`
		State      string          `json:"state"`
		Output     *string         `json:"output"`
	} `json:"part"`
	Delta string `json:"delta"`
}

type opencodePermissionUpdated struct {
	ID             string `json:"id"`
	SessionID      string `json:"sessionID"`
	PermissionType string `json:"permissionType"`
	Title          string `json:"title"`
}

func (opencodeConverter) Convert(raw json.RawMessage) []EventConversion {
	var env opencodeEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return []EventConversion{unparsed("opencode", raw, err.Error())}
	}

	switch env.Type {
	case "message.updated":
		var p opencodeMessageUpdated
		if err := json.Unmarshal(env.Properties, &p); err != nil {
			return []EventConversion{unparsed("opencode", raw, err.Error())}
		}
		role := ueevent.RoleAssistant
		if p.Info.Role == "user" {
			role = ueevent.RoleUser
		}
		return []EventConversion{{
			EventType:       ueevent.ItemStarted,
			NativeSessionID: p.SessionID,
			Source:          "opencode",
			Data: ueevent.ItemStartedData{Item: ueevent.Item{
				NativeItemID: p.Info.ID,
				Kind:         ueevent.KindMessage,
				Role:         role,
				Status:       ueevent.StatusInProgress,
			}},
			Raw: raw,
		}}

	case "message.part.updated":
		var p opencodePartUpdated
		if err := json.Unmarshal(env.Properties, &p); err != nil {
			return []EventConversion{unparsed("opencode", raw, err.Error())}
		}
		return convertOpencodePart(p, raw)

	case "permission.updated":
		var p opencodePermissionUpdated
		if err := json.Unmarshal(env.Properties, &p); err != nil {
			return []EventConversion{unparsed("opencode", raw, err.Error())}
		}
		return []EventConversion{{
			EventType:       ueevent.PermissionRequested,
			NativeSessionID: p.SessionID,
			Source:          "opencode",
			Data: ueevent.PermissionRequestedData{
				ID:       p.ID,
				Action:   p.PermissionType,
				Metadata: map[string]any{"title": p.Title},
			},
			Raw: raw,
		}}

	case "session.idle", "session.error":
		return []EventConversion{{
			EventType: ueevent.TurnEnded,
			Source:    "opencode",
			Data:      ueevent.TurnEndedData{Reason: env.Type},
			Raw:       raw,
		}}

	default:
		return []EventConversion{unparsed("opencode", raw, fmt.Sprintf("unhandled opencode event %q", env.Type))}
	}
}

func convertOpencodePart(p opencodePartUpdated, raw json.RawMessage) []EventConversion {
	switch p.Part.Type {
	case "text", "reasoning":
		var delta []ueevent.ContentPart
		if p.Delta != "" {
			delta = []ueevent.ContentPart{ueevent.TextContent{Type: "text", Text: p.Delta}}
		}
		return []EventConversion{{
			EventType:       ueevent.ItemDelta,
			NativeSessionID: p.SessionID,
			Source:          "opencode",
			Data:            ueevent.ItemDeltaData{ItemID: p.Part.MessageID, Delta: delta},
			Raw:             raw,
		}}

	case "tool":
		switch p.Part.State {
		case "completed", "error":
			status := ueevent.StatusCompleted
			if p.Part.State == "error" {
				status = ueevent.StatusFailed
			}
			output := ""
			if p.Part.Output != nil {
				output = *p.Part.Output
			}
			return []EventConversion{{
				EventType:       ueevent.ItemCompleted,
				NativeSessionID: p.SessionID,
				Source:          "opencode",
				Data: ueevent.ItemCompletedData{Item: ueevent.Item{
					NativeItemID: p.Part.ToolCallID,
					ParentID:     p.Part.MessageID,
					Kind:         ueevent.KindToolResult,
					Role:         ueevent.RoleTool,
					Status:       status,
					Content:      []ueevent.ContentPart{ueevent.ToolResultContent{Type: "tool_result", CallID: p.Part.ToolCallID, Output: output}},
				}},
				Raw: raw,
			}}
		default:
			return []EventConversion{{
				EventType:       ueevent.ItemStarted,
				NativeSessionID: p.SessionID,
				Source:          "opencode",
				Data: ueevent.ItemStartedData{Item: ueevent.Item{
					NativeItemID: p.Part.ToolCallID,
					ParentID:     p.Part.MessageID,
					Kind:         ueevent.KindToolCall,
					Role:         ueevent.RoleAssistant,
					Status:       ueevent.StatusInProgress,
					Content:      []ueevent.ContentPart{ueevent.ToolCallContent{Type: "tool_call", Name: p.Part.ToolName, CallID: p.Part.ToolCallID, Args: p.Part.Input}},
				}},
				Raw: raw,
			}}
		}

	default:
		return []EventConversion{unparsed("opencode", raw, fmt.Sprintf("unhandled opencode part type %q", p.Part.Type))}
	}
}
