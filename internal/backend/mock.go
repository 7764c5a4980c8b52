package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/rivet-dev/sandboxagent/internal/convert"
)

// MockEventDelay paces scripted mock events so streaming consumers observe
// them as discrete updates rather than one instantaneous burst.
const MockEventDelay = 30 * time.Millisecond

func init() {
	registerFactory("mock", newMockHandle)
}

type mockHandle struct {
	router SessionRouter

	mu      sync.Mutex
	pending map[string]pendingMockTurn // permission id -> remaining steps
	started time.Time
}

type pendingMockTurn struct {
	sessionID string
	rest      []convert.MockStep
}

func newMockHandle(ctx context.Context, router SessionRouter) (Handle, error) {
	return &mockHandle{
		router:  router,
		pending: make(map[string]pendingMockTurn),
		started: time.Now(),
	}, nil
}

func (m *mockHandle) Agent() string { return "mock" }
func (m *mockHandle) Kind() Kind    { return KindInProcessMock }

func (m *mockHandle) RegisterSession(sessionID, nativeSessionID string) {}
func (m *mockHandle) UnregisterSession(sessionID string)                {}

func (m *mockHandle) EnsureNativeSession(ctx context.Context, sessionID string) (string, error) {
	return "", nil
}

func (m *mockHandle) Status() Status {
	return Status{Agent: "mock", State: "running", Uptime: time.Since(m.started)}
}

// SendPrompt matches prompt against the mock rule table and plays the
// resulting script, pausing at any permission_request step until Reply
// resumes it.
func (m *mockHandle) SendPrompt(ctx context.Context, sessionID, prompt string) error {
	steps := planMockSteps(prompt)
	go m.run(sessionID, steps)
	return nil
}

func (m *mockHandle) run(sessionID string, steps []convert.MockStep) {
	conv, _ := convert.ByAgent("mock")

	for i, step := range steps {
		if step.Kind == "permission_request" {
			m.mu.Lock()
			m.pending[step.PermID] = pendingMockTurn{sessionID: sessionID, rest: steps[i+1:]}
			m.mu.Unlock()
			m.emit(conv, sessionID, step)
			return
		}
		m.emit(conv, sessionID, step)
		time.Sleep(MockEventDelay)
	}
}

func (m *mockHandle) emit(conv convert.Converter, sessionID string, step convert.MockStep) {
	raw, _ := json.Marshal(step)
	m.router.RecordConversions(sessionID, convert.Convert(conv, raw))
}

func (m *mockHandle) Reply(ctx context.Context, sessionID string, kind ReplyKind, id string, reply Reply) error {
	if kind != ReplyPermission {
		return nil
	}

	m.mu.Lock()
	turn, ok := m.pending[id]
	delete(m.pending, id)
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("invalid_request: unknown permission id %s", id)
	}

	if reply.PermissionReply == "reject" {
		return nil
	}

	go m.run(turn.sessionID, turn.rest)
	return nil
}

// planMockSteps is the rules table keyed on prompt substrings.
func planMockSteps(prompt string) []convert.MockStep {
	lower := strings.ToLower(prompt)

	switch {
	case strings.Contains(lower, "reply with exactly the single word ok"):
		return []convert.MockStep{
			{Kind: "text", ItemID: "msg_" + ulid.Make().String(), Text: "OK"},
			{Kind: "turn_end"},
		}

	case strings.Contains(lower, "list files in the current directory using available tools"):
		permID := "perm_" + ulid.Make().String()
		callID := "call_" + ulid.Make().String()
		return []convert.MockStep{
			{Kind: "permission_request", PermID: permID, Action: "command_execution"},
			{Kind: "tool_call", ToolName: "ls", CallID: callID, Args: json.RawMessage(`{"path":"."}`)},
			{Kind: "tool_result", ToolName: "ls", CallID: callID, Output: "README.md\ngo.mod\n"},
			{Kind: "text", ItemID: "msg_" + ulid.Make().String(), Text: "Here are the files in the current directory."},
			{Kind: "turn_end"},
		}

	case strings.Contains(lower, "use the bash tool to run"):
		callID := "call_" + ulid.Make().String()
		return []convert.MockStep{
			{Kind: "tool_call", ToolName: "bash", CallID: callID, Args: json.RawMessage(`{"command":"ls"}`)},
			{Kind: "tool_result", ToolName: "bash", CallID: callID, Output: "", Failed: true},
			{Kind: "turn_end"},
		}

	default:
		return []convert.MockStep{
			{Kind: "text", ItemID: "msg_" + ulid.Make().String(), Text: "I received your message: " + prompt},
			{Kind: "turn_end"},
		}
	}
}
