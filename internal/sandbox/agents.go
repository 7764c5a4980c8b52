package sandbox

import (
	"os"
	"runtime"
	"sort"

	"github.com/rivet-dev/sandboxagent/internal/backend"
)

// agentSpec is one row of the agent dispatch matrix: which backend kind
// serves the agent and which permission modes it accepts.
type agentSpec struct {
	kind            backend.Kind
	permissionModes map[string]bool
}

var dispatchMatrix = map[string]agentSpec{
	"claude": {
		kind:            backend.KindSubprocessPerTurn,
		permissionModes: modes("default", "plan", "bypass", "acceptEdits"),
	},
	"codex": {
		kind:            backend.KindSharedStdioJSONRPC,
		permissionModes: modes("default", "plan", "bypass"),
	},
	"opencode": {
		kind:            backend.KindSharedHTTPSSE,
		permissionModes: modes("default", "plan", "acceptEdits"),
	},
	"amp": {
		kind:            backend.KindSubprocessPerTurn,
		permissionModes: modes("default", "acceptEdits"),
	},
	"mock": {
		kind:            backend.KindInProcessMock,
		permissionModes: modes("default", "plan", "bypass", "acceptEdits"),
	},
}

func modes(names ...string) map[string]bool {
	m := make(map[string]bool, len(names))
	for _, n := range names {
		m[n] = true
	}
	return m
}

// normalizeMode validates and defaults the agent/permission mode pair.
// bypass is refused for claude while the daemon runs as root, since the CLI
// itself rejects that combination.
func normalizeMode(agent, permissionMode string) (string, error) {
	spec, ok := dispatchMatrix[agent]
	if !ok {
		return "", E(CodeUnsupportedAgent, "unknown agent %q", agent)
	}

	if permissionMode == "" {
		permissionMode = "default"
	}
	if !spec.permissionModes[permissionMode] {
		return "", E(CodeModeNotSupported, "agent %q does not support permission mode %q", agent, permissionMode)
	}

	if agent == "claude" && permissionMode == "bypass" && runningAsRoot() {
		return "", E(CodeModeNotSupported, "bypass permission mode is disabled for claude while running as root")
	}

	return permissionMode, nil
}

func runningAsRoot() bool {
	if runtime.GOOS == "windows" {
		return false
	}
	return os.Geteuid() == 0
}

// AgentNames lists every agent in the dispatch matrix, for /v1/agents.
func AgentNames() []string {
	return []string{"claude", "codex", "opencode", "amp", "mock"}
}

// AgentModes returns the permission modes agent advertises, sorted for
// stable JSON output. The empty slice + false result means the agent is
// unknown.
func AgentModes(agent string) ([]string, bool) {
	spec, ok := dispatchMatrix[agent]
	if !ok {
		return nil, false
	}
	out := make([]string, 0, len(spec.permissionModes))
	for m := range spec.permissionModes {
		out = append(out, m)
	}
	sort.Strings(out)
	return out, true
}

// IsKnownAgent reports whether agent appears in the dispatch matrix.
func IsKnownAgent(agent string) bool {
	_, ok := dispatchMatrix[agent]
	return ok
}

// agentModels is the advertised model/default table for GET
// /v1/agents/{agent}/models. Each backend's CLI/API is the real source of
// truth for what it currently supports; this is a conservative default set
// an operator can override via config, not an exhaustive catalog.
var agentModels = map[string]struct {
	models     []string
	defaultOne string
}{
	"claude":   {models: []string{"claude-opus-4", "claude-sonnet-4"}, defaultOne: "claude-sonnet-4"},
	"codex":    {models: []string{"gpt-5-codex", "o4-mini"}, defaultOne: "gpt-5-codex"},
	"opencode": {models: []string{"claude-sonnet-4", "gpt-5"}, defaultOne: "claude-sonnet-4"},
	"amp":      {models: []string{"amp-default"}, defaultOne: "amp-default"},
	"mock":     {models: []string{"mock-1"}, defaultOne: "mock-1"},
}

// AgentModels returns agent's advertised models and its default.
func AgentModels(agent string) (models []string, def string, ok bool) {
	m, found := agentModels[agent]
	if !found {
		return nil, "", false
	}
	return m.models, m.defaultOne, true
}
