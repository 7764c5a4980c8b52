package permission

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func cmdRequest(session, command string) Request {
	return Request{
		SessionID: session,
		ID:        "perm_1",
		Action:    ActionCommandExecution,
		Metadata:  map[string]any{"command": command},
	}
}

func TestDecideByMode(t *testing.T) {
	tests := []struct {
		name string
		mode string
		req  Request
		want Decision
	}{
		{"default asks", ModeDefault, cmdRequest("s1", "ls -la"), DecisionAsk},
		{"bypass allows commands", ModeBypass, cmdRequest("s2", "rm -rf build"), DecisionAllow},
		{"bypass allows edits", ModeBypass, Request{SessionID: "s3", Action: ActionFileChange}, DecisionAllow},
		{"acceptEdits allows edits", ModeAcceptEdits, Request{SessionID: "s4", Action: ActionFileChange}, DecisionAllow},
		{"acceptEdits still asks for commands", ModeAcceptEdits, cmdRequest("s5", "ls"), DecisionAsk},
		{"plan denies edits", ModePlan, Request{SessionID: "s6", Action: ActionFileChange}, DecisionDeny},
		{"plan asks for commands", ModePlan, cmdRequest("s7", "git status"), DecisionAsk},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewPolicy()
			assert.Equal(t, tt.want, p.Decide(tt.mode, tt.req))
		})
	}
}

func TestRememberAlwaysCoversMatchingCommands(t *testing.T) {
	p := NewPolicy()

	p.RememberAlways(cmdRequest("s1", "git commit -m initial"))

	assert.Equal(t, DecisionAllow, p.Decide(ModeDefault, cmdRequest("s1", "git commit -m second")))
	assert.Equal(t, DecisionAsk, p.Decide(ModeDefault, cmdRequest("s1", "git push origin main")))
	// grants are per session
	assert.Equal(t, DecisionAsk, p.Decide(ModeDefault, cmdRequest("s2", "git commit -m other")))
}

func TestRememberAlwaysCompoundCommand(t *testing.T) {
	p := NewPolicy()

	p.RememberAlways(cmdRequest("s1", "go vet ./... && go test ./..."))

	// both halves of the compound line were granted
	assert.Equal(t, DecisionAllow, p.Decide(ModeDefault, cmdRequest("s1", "go vet ./internal/...")))
	assert.Equal(t, DecisionAllow, p.Decide(ModeDefault, cmdRequest("s1", "go test -run TestFoo ./...")))
	// a compound line is only allowed when every command is covered
	assert.Equal(t, DecisionAsk, p.Decide(ModeDefault, cmdRequest("s1", "go test ./... && rm -rf /tmp/x")))
}

func TestRememberAlwaysByAction(t *testing.T) {
	p := NewPolicy()

	req := Request{SessionID: "s1", Action: ActionFileChange}
	assert.Equal(t, DecisionAsk, p.Decide(ModeDefault, req))

	p.RememberAlways(req)
	assert.Equal(t, DecisionAllow, p.Decide(ModeDefault, req))

	p.Forget("s1")
	assert.Equal(t, DecisionAsk, p.Decide(ModeDefault, req))
}

func TestLoopDetectionDenies(t *testing.T) {
	p := NewPolicy()

	req := cmdRequest("s1", "cat /etc/passwd")
	for i := 0; i < LoopThreshold-1; i++ {
		assert.Equal(t, DecisionAsk, p.Decide(ModeDefault, req), "request %d should still ask", i+1)
	}
	assert.Equal(t, DecisionDeny, p.Decide(ModeDefault, req))

	// a different request breaks the streak
	assert.Equal(t, DecisionAsk, p.Decide(ModeDefault, cmdRequest("s1", "ls")))
}

func TestLoopDetectionOverridesBypass(t *testing.T) {
	p := NewPolicy()

	req := cmdRequest("s1", "curl http://example.com")
	for i := 0; i < LoopThreshold-1; i++ {
		assert.Equal(t, DecisionAllow, p.Decide(ModeBypass, req))
	}
	assert.Equal(t, DecisionDeny, p.Decide(ModeBypass, req))
}

func TestLoopHistoryIsBounded(t *testing.T) {
	p := NewPolicy()
	for i := 0; i < historyDepth*3; i++ {
		p.Decide(ModeDefault, cmdRequest("s1", fmt.Sprintf("echo %d", i)))
	}
	assert.LessOrEqual(t, len(p.history["s1"]), historyDepth)
}
