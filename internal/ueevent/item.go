package ueevent

import "encoding/json"

// Item is the payload of item.* events.
type Item struct {
	ItemID       string       `json:"item_id"`
	NativeItemID string       `json:"native_item_id,omitempty"`
	ParentID     string       `json:"parent_id,omitempty"`
	Kind         ItemKind     `json:"kind"`
	Role         ItemRole     `json:"role"`
	Status       ItemStatus   `json:"status"`
	Content      ContentParts `json:"content,omitempty"`
}

// ContentParts decodes each element through its "type" discriminator, so
// replayed items carry the same concrete part types live ones do.
type ContentParts []ContentPart

func (p *ContentParts) UnmarshalJSON(data []byte) error {
	var raws []json.RawMessage
	if err := json.Unmarshal(data, &raws); err != nil {
		return err
	}
	out := make(ContentParts, 0, len(raws))
	for _, r := range raws {
		part, err := UnmarshalContentPart(r)
		if err != nil {
			return err
		}
		out = append(out, part)
	}
	*p = out
	return nil
}

// ItemKind is the closed set of item kinds.
type ItemKind string

const (
	KindMessage    ItemKind = "message"
	KindToolCall   ItemKind = "tool_call"
	KindToolResult ItemKind = "tool_result"
	KindStatus     ItemKind = "status"
	KindSystem     ItemKind = "system"
	KindUnknown    ItemKind = "unknown"
)

// ItemRole is the closed set of item roles.
type ItemRole string

const (
	RoleUser      ItemRole = "user"
	RoleAssistant ItemRole = "assistant"
	RoleTool      ItemRole = "tool"
	RoleSystem    ItemRole = "system"
)

// ItemStatus is the closed set of item lifecycle statuses.
type ItemStatus string

const (
	StatusInProgress ItemStatus = "in_progress"
	StatusCompleted  ItemStatus = "completed"
	StatusFailed     ItemStatus = "failed"
)

// ContentPart is a single piece of content on an Item: a discriminated
// union over the closed set of content-part kinds this system needs.
type ContentPart interface {
	ContentPartType() string
}

// TextContent is plain text content.
type TextContent struct {
	Type string `json:"type"` // "text", or the type of an unknown part decoded as text
	Text string `json:"text"`
}

func (TextContent) ContentPartType() string { return "text" }

// ReasoningContent is extended-thinking content, with a visibility flag so
// consumers can decide whether to surface it.
type ReasoningContent struct {
	Type    string `json:"type"` // always "reasoning"
	Text    string `json:"text"`
	Visible bool   `json:"visible"`
}

func (ReasoningContent) ContentPartType() string { return "reasoning" }

// JSONBlobContent carries an opaque JSON value the daemon does not
// interpret beyond passing it through.
type JSONBlobContent struct {
	Type string          `json:"type"` // always "json"
	Blob json.RawMessage `json:"blob"`
}

func (JSONBlobContent) ContentPartType() string { return "json" }

// StatusContent is a short status label plus optional detail.
type StatusContent struct {
	Type   string `json:"type"` // always "status"
	Label  string `json:"label"`
	Detail string `json:"detail,omitempty"`
}

func (StatusContent) ContentPartType() string { return "status" }

// ToolCallContent is a tool invocation request.
type ToolCallContent struct {
	Type   string          `json:"type"` // always "tool_call"
	Name   string          `json:"name"`
	Args   json.RawMessage `json:"args,omitempty"`
	CallID string          `json:"call_id"`
}

func (ToolCallContent) ContentPartType() string { return "tool_call" }

// ToolResultContent is the outcome of a previously emitted ToolCallContent.
type ToolResultContent struct {
	Type   string `json:"type"` // always "tool_result"
	CallID string `json:"call_id"`
	Output string `json:"output"`
}

func (ToolResultContent) ContentPartType() string { return "tool_result" }

// FileRefAction is the closed set of file actions a FileRefContent records.
type FileRefAction string

const (
	FileActionRead  FileRefAction = "read"
	FileActionWrite FileRefAction = "write"
	FileActionPatch FileRefAction = "patch"
)

// FileRefContent references a file the agent read, wrote, or patched.
type FileRefContent struct {
	Type   string        `json:"type"` // always "file_ref"
	Path   string        `json:"path"`
	Action FileRefAction `json:"action"`
	Diff   string        `json:"diff,omitempty"`
}

func (FileRefContent) ContentPartType() string { return "file_ref" }

// ImageContent references an image produced or consumed by the agent.
type ImageContent struct {
	Type string `json:"type"` // always "image"
	Path string `json:"path"`
	Mime string `json:"mime"`
}

func (ImageContent) ContentPartType() string { return "image" }

// rawContentPart is used only to sniff the discriminator before decoding
// into a concrete type.
type rawContentPart struct {
	Type string `json:"type"`
}

// UnmarshalContentPart decodes a single JSON content part into the
// concrete ContentPart implementation matching its "type" discriminator.
func UnmarshalContentPart(data []byte) (ContentPart, error) {
	var raw rawContentPart
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}

	switch raw.Type {
	case "text":
		var p TextContent
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, err
		}
		return p, nil
	case "reasoning":
		var p ReasoningContent
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, err
		}
		return p, nil
	case "json":
		var p JSONBlobContent
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, err
		}
		return p, nil
	case "status":
		var p StatusContent
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, err
		}
		return p, nil
	case "tool_call":
		var p ToolCallContent
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, err
		}
		return p, nil
	case "tool_result":
		var p ToolResultContent
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, err
		}
		return p, nil
	case "file_ref":
		var p FileRefContent
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, err
		}
		return p, nil
	case "image":
		var p ImageContent
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, err
		}
		return p, nil
	default:
		var p TextContent
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, err
		}
		return p, nil
	}
}

// Text concatenates every TextContent part's text, used when synthesising
// an aggregated item.delta for an item that completed without streaming.
func Text(parts []ContentPart) string {
	var out string
	for _, p := range parts {
		if t, ok := p.(TextContent); ok {
			out += t.Text
		}
	}
	return out
}
