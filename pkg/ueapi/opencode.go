package ueapi

// The types below are the OpenCode-compatible wire shapes internal/opencode
// projects Universal Events into, field-compatible with what an OpenCode
// SDK client already expects.

// OCSession is the OpenCode session record, trimmed to the fields
// sandboxagent actually populates (no project/share/revert machinery).
type OCSession struct {
	ID        string        `json:"id"`
	Directory string        `json:"directory"`
	Title     string        `json:"title"`
	Version   string        `json:"version"`
	Time      OCSessionTime `json:"time"`
}

// OCSessionTime is the created/updated timestamp pair on a session.
type OCSessionTime struct {
	Created int64 `json:"created"`
	Updated int64 `json:"updated"`
}

// OCMessage is the OpenCode message record, reduced to the user/assistant fields
// sandboxagent's projection sets.
type OCMessage struct {
	ID        string          `json:"id"`
	SessionID string          `json:"sessionID"`
	Role      string          `json:"role"` // "user" | "assistant"
	Time      OCMessageTime   `json:"time"`
	Agent     string          `json:"agent,omitempty"`
	ModelID   string          `json:"modelID,omitempty"`
	Finish    *string         `json:"finish,omitempty"`
	Error     *OCMessageError `json:"error,omitempty"`
}

// OCMessageTime is the message's lifecycle timestamps.
type OCMessageTime struct {
	Created int64  `json:"created"`
	Updated int64  `json:"updated"`
	End     *int64 `json:"end,omitempty"`
}

// OCMessageError carries a message-level error description.
type OCMessageError struct {
	Message string `json:"message"`
}

// OCPart is the discriminated part shape with OpenCode's text/tool/file
// part variants collapsed into one struct; each variant populates its own
// subset of fields, and one Go type keeps the translation layer in
// internal/opencode simple.
type OCPart struct {
	ID         string         `json:"id"`
	SessionID  string         `json:"sessionID"`
	MessageID  string         `json:"messageID"`
	Type       string         `json:"type"` // "text" | "reasoning" | "tool" | "file"
	Text       string         `json:"text,omitempty"`
	ToolCallID string         `json:"toolCallID,omitempty"`
	ToolName   string         `json:"toolName,omitempty"`
	Input      map[string]any `json:"input,omitempty"`
	State      string         `json:"state,omitempty"` // "pending" | "running" | "completed" | "error"
	Output     *string        `json:"output,omitempty"`
	Error      *string        `json:"error,omitempty"`
	Filename   string         `json:"filename,omitempty"`
	MediaType  string         `json:"mediaType,omitempty"`
	URL        string         `json:"url,omitempty"`
}

// SDKEvent is the SSE envelope the OpenCode client expects:
// {"type": "...", "properties": {...}}.
type SDKEvent struct {
	Type       string `json:"type"`
	Properties any    `json:"properties"`
}

// OCMessageUpdatedData is the payload of message.updated events.
type OCMessageUpdatedData struct {
	Info *OCMessage `json:"info"`
}

// OCMessagePartUpdatedData is the payload of message.part.updated events.
type OCMessagePartUpdatedData struct {
	Part  *OCPart `json:"part"`
	Delta string  `json:"delta,omitempty"`
}

// OCSessionIdleData is the payload of session.idle events.
type OCSessionIdleData struct {
	SessionID string `json:"sessionID"`
}

// OCSessionErrorData is the payload of session.error events.
type OCSessionErrorData struct {
	SessionID string          `json:"sessionID,omitempty"`
	Error     *OCMessageError `json:"error,omitempty"`
}

// OCPermissionUpdatedData is the payload of permission.updated events.
type OCPermissionUpdatedData struct {
	ID             string   `json:"id"`
	SessionID      string   `json:"sessionID"`
	PermissionType string   `json:"permissionType"`
	Pattern        []string `json:"pattern,omitempty"`
	Title          string   `json:"title"`
}

// OCPermissionRepliedData is the payload of permission.replied events.
type OCPermissionRepliedData struct {
	PermissionID string `json:"permissionID"`
	SessionID    string `json:"sessionID"`
	Response     string `json:"response"`
}

// OCQuestionAskedData is the payload of question.asked events.
type OCQuestionAskedData struct {
	ID        string   `json:"id"`
	SessionID string   `json:"sessionID"`
	Prompt    string   `json:"prompt"`
	Options   []string `json:"options,omitempty"`
}

// OCQuestionRepliedData is the payload of question.replied events.
type OCQuestionRepliedData struct {
	QuestionID string     `json:"questionID"`
	SessionID  string     `json:"sessionID"`
	Answers    [][]string `json:"answers,omitempty"`
	Rejected   bool       `json:"rejected,omitempty"`
}

// OCFileEditedData is the payload of file.edited events.
type OCFileEditedData struct {
	File string `json:"file"`
}
