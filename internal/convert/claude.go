package convert

import (
	"encoding/json"
	"fmt"

	"github.com/rivet-dev/sandboxagent/internal/ueevent"
)

func init() {
	register(claudeConverter{})
}

// claudeConverter converts Claude Code CLI JSON-lines output. The CLI emits
// one JSON object per line with a "type" discriminator: "system" (init),
// "assistant"/"user" (message turns with a content-block array), and
// "result" (terminal summary), matching the CLI's public --output-format
// stream-json contract.
type claudeConverter struct{}

func (claudeConverter) Agent() string { return "claude" }

type claudeLine struct {
	Type      string                `json:"type"`
	SessionID string                `json:"session_id"`
	Message   *claudeMessage        `json:"message"`
	IsError   bool                  `json:"is_error"`
	Result    string                `json:"result"`
	Subtype   string                `json:"subtype"`
	RequestID string                `json:"request_id"`
	Request   *claudeControlRequest `json:"request"`
}

// claudeControlRequest is the control-protocol request the CLI emits when a
// tool needs approval; the daemon answers it with a control_response stdin
// line.
type claudeControlRequest struct {
	Subtype  string          `json:"subtype"`
	ToolName string          `json:"tool_name"`
	Input    json.RawMessage `json:"input"`
}

type claudeMessage struct {
	ID      string               `json:"id"`
	Role    string               `json:"role"`
	Content []claudeContentBlock `json:"content"`
}

type claudeContentBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text"`
	Thinking  string          `json:"thinking"`
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Input     json.RawMessage `json:"input"`
	ToolUseID string          `json:"tool_use_id"`
	Content   json.RawMessage `json:"content"`
	IsError   bool            `json:"is_error"`
}

func (claudeConverter) Convert(raw json.RawMessage) []EventConversion {
	var line claudeLine
	if err := json.Unmarshal(raw, &line); err != nil {
		return []EventConversion{unparsed("claude", raw, err.Error())}
	}

	switch line.Type {
	case "system":
		// No native id: the CLI re-emits an init line on every per-turn
		// process, so a fixed id would collide across turns; the session
		// layer mints a fresh item id for id-less items.
		return []EventConversion{{
			EventType:       ueevent.ItemCompleted,
			NativeSessionID: line.SessionID,
			Source:          "claude",
			Data: ueevent.ItemCompletedData{Item: ueevent.Item{
				Kind:    ueevent.KindSystem,
				Role:    ueevent.RoleSystem,
				Status:  ueevent.StatusCompleted,
				Content: []ueevent.ContentPart{ueevent.StatusContent{Type: "status", Label: line.Subtype}},
			}},
			Raw: raw,
		}}

	case "assistant", "user":
		if line.Message == nil {
			return []EventConversion{unparsed("claude", raw, "missing message field")}
		}
		return convertClaudeMessage(line, raw)

	case "control_request":
		if line.Request == nil || line.RequestID == "" {
			return []EventConversion{unparsed("claude", raw, "malformed control_request")}
		}
		if line.Request.ToolName == "AskUserQuestion" {
			prompt, options := claudeQuestion(line.Request.Input)
			return []EventConversion{{
				EventType:       ueevent.QuestionRequested,
				NativeSessionID: line.SessionID,
				Source:          "claude",
				Data: ueevent.QuestionRequestedData{
					ID:      line.RequestID,
					Prompt:  prompt,
					Options: options,
				},
				Raw: raw,
			}}
		}
		return []EventConversion{{
			EventType:       ueevent.PermissionRequested,
			NativeSessionID: line.SessionID,
			Source:          "claude",
			Data: ueevent.PermissionRequestedData{
				ID:       line.RequestID,
				Action:   claudePermissionAction(line.Request.ToolName),
				Metadata: claudePermissionMetadata(line.Request),
			},
			Raw: raw,
		}}

	case "result":
		kind := "completed"
		if line.IsError {
			kind = "failed"
		}
		// Id-less for the same reason as "system": one result line per
		// per-turn process.
		return []EventConversion{{
			EventType:       ueevent.ItemCompleted,
			NativeSessionID: line.SessionID,
			Source:          "claude",
			Data: ueevent.ItemCompletedData{Item: ueevent.Item{
				Kind:    ueevent.KindStatus,
				Role:    ueevent.RoleSystem,
				Status:  ueevent.StatusCompleted,
				Content: []ueevent.ContentPart{ueevent.StatusContent{Type: "status", Label: kind, Detail: line.Result}},
			}},
			Raw: raw,
		}}

	default:
		return []EventConversion{unparsed("claude", raw, fmt.Sprintf("unknown claude line type %q", line.Type))}
	}
}

func claudePermissionAction(toolName string) string {
	switch toolName {
	case "Bash":
		return "command_execution"
	case "Edit", "Write", "MultiEdit", "NotebookEdit":
		return "file_change"
	case "AskUserQuestion":
		return "ask_user_question"
	default:
		return "tool_use"
	}
}

// claudeQuestion extracts the prompt and option labels from an
// AskUserQuestion input, tolerating both the single-question and the
// questions-array shapes the CLI has used.
func claudeQuestion(input json.RawMessage) (string, []string) {
	var in struct {
		Question  string `json:"question"`
		Questions []struct {
			Question string `json:"question"`
			Options  []struct {
				Label string `json:"label"`
			} `json:"options"`
		} `json:"questions"`
	}
	_ = json.Unmarshal(input, &in)

	if in.Question != "" {
		return in.Question, nil
	}
	if len(in.Questions) > 0 {
		q := in.Questions[0]
		var opts []string
		for _, o := range q.Options {
			opts = append(opts, o.Label)
		}
		return q.Question, opts
	}
	return "", nil
}

func claudePermissionMetadata(req *claudeControlRequest) map[string]any {
	meta := map[string]any{"tool_name": req.ToolName}
	var input map[string]any
	if err := json.Unmarshal(req.Input, &input); err == nil {
		if cmd, ok := input["command"].(string); ok {
			meta["command"] = cmd
		}
		meta["input"] = input
	}
	return meta
}

func convertClaudeMessage(line claudeLine, raw json.RawMessage) []EventConversion {
	role := ueevent.RoleAssistant
	if line.Message.Role == "user" {
		role = ueevent.RoleUser
	}

	var conversions []EventConversion
	var textParts []ueevent.ContentPart

	for _, block := range line.Message.Content {
		switch block.Type {
		case "text":
			textParts = append(textParts, ueevent.TextContent{Type: "text", Text: block.Text})
		case "thinking":
			textParts = append(textParts, ueevent.ReasoningContent{Type: "reasoning", Text: block.Thinking, Visible: true})
		case "tool_use":
			conversions = append(conversions, EventConversion{
				EventType: ueevent.ItemStarted,
				Source:    "claude",
				Data: ueevent.ItemStartedData{Item: ueevent.Item{
					NativeItemID: block.ID,
					Kind:         ueevent.KindToolCall,
					Role:         ueevent.RoleAssistant,
					Status:       ueevent.StatusInProgress,
					Content: []ueevent.ContentPart{ueevent.ToolCallContent{
						Type: "tool_call", Name: block.Name, Args: block.Input, CallID: block.ID,
					}},
				}},
				Raw: raw,
			})
		case "tool_result":
			status := ueevent.StatusCompleted
			if block.IsError {
				status = ueevent.StatusFailed
			}
			conversions = append(conversions, EventConversion{
				EventType: ueevent.ItemCompleted,
				Source:    "claude",
				Data: ueevent.ItemCompletedData{Item: ueevent.Item{
					NativeItemID: block.ToolUseID + "-result",
					ParentID:     block.ToolUseID,
					Kind:         ueevent.KindToolResult,
					Role:         ueevent.RoleTool,
					Status:       status,
					Content:      []ueevent.ContentPart{ueevent.ToolResultContent{Type: "tool_result", CallID: block.ToolUseID, Output: string(block.Content)}},
				}},
				Raw: raw,
			})
		}
	}

	if len(textParts) > 0 {
		conversions = append(conversions, EventConversion{
			EventType: ueevent.ItemCompleted,
			Source:    "claude",
			Data: ueevent.ItemCompletedData{Item: ueevent.Item{
				NativeItemID: line.Message.ID,
				Kind:         ueevent.KindMessage,
				Role:         role,
				Status:       ueevent.StatusCompleted,
				Content:      textParts,
			}},
			Raw: raw,
		})
	}

	if len(conversions) == 0 {
		// A message with no recognised content blocks still counts as an
		// observed item so the turn doesn't stall silently.
		conversions = append(conversions, EventConversion{
			EventType: ueevent.ItemCompleted,
			Source:    "claude",
			Data: ueevent.ItemCompletedData{Item: ueevent.Item{
				NativeItemID: line.Message.ID,
				Kind:         ueevent.KindMessage,
				Role:         role,
				Status:       ueevent.StatusCompleted,
			}},
			Raw: raw,
		})
	}

	return conversions
}
