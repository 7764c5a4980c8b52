package permission

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sync"
)

// LoopThreshold is how many identical consecutive requests a session may
// make before the policy stops asking and starts denying.
const LoopThreshold = 3

// historyDepth bounds the per-session fingerprint history.
const historyDepth = 10

// Policy holds per-session grant memory and decides what to do with each
// incoming permission request under the session's permission mode.
type Policy struct {
	mu      sync.Mutex
	grants  map[string][]string // session id -> granted patterns/actions
	history map[string][]string // session id -> recent request fingerprints
}

// NewPolicy constructs an empty Policy.
func NewPolicy() *Policy {
	return &Policy{
		grants:  make(map[string][]string),
		history: make(map[string][]string),
	}
}

// Decide maps req onto allow/ask/deny under mode. Loop detection runs
// first: an agent re-requesting the same action LoopThreshold times in a
// row is denied regardless of mode, since answering it again would only
// feed the loop.
func (p *Policy) Decide(mode string, req Request) Decision {
	if p.observeLoop(req) {
		return DecisionDeny
	}

	switch mode {
	case ModeBypass:
		return DecisionAllow
	case ModeAcceptEdits:
		if req.Action == ActionFileChange {
			return DecisionAllow
		}
	case ModePlan:
		if req.Action == ActionFileChange {
			return DecisionDeny
		}
	}

	if p.granted(req) {
		return DecisionAllow
	}
	return DecisionAsk
}

// RememberAlways records an "always" grant for req's session: future
// requests for the same action (or, for command execution, any command
// matching the derived pattern) are allowed without asking.
func (p *Policy) RememberAlways(req Request) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, pattern := range patternsFor(req) {
		if !contains(p.grants[req.SessionID], pattern) {
			p.grants[req.SessionID] = append(p.grants[req.SessionID], pattern)
		}
	}
}

// Forget drops all state for a session.
func (p *Policy) Forget(sessionID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.grants, sessionID)
	delete(p.history, sessionID)
}

func (p *Policy) granted(req Request) bool {
	p.mu.Lock()
	grants := p.grants[req.SessionID]
	p.mu.Unlock()
	if len(grants) == 0 {
		return false
	}

	if req.Action == ActionCommandExecution {
		if cmdLine := req.Command(); cmdLine != "" {
			cmds := SplitCommands(cmdLine)
			if len(cmds) == 0 {
				return false
			}
			// every command in the line must be covered
			for _, cmd := range cmds {
				if !anyPatternMatches(grants, cmd) {
					return false
				}
			}
			return true
		}
	}
	return contains(grants, req.Action)
}

func anyPatternMatches(grants []string, cmd Command) bool {
	for _, g := range grants {
		if cmd.MatchesPattern(g) {
			return true
		}
	}
	return false
}

func patternsFor(req Request) []string {
	if req.Action == ActionCommandExecution {
		if cmdLine := req.Command(); cmdLine != "" {
			var patterns []string
			for _, cmd := range SplitCommands(cmdLine) {
				if !contains(patterns, cmd.Pattern()) {
					patterns = append(patterns, cmd.Pattern())
				}
			}
			if len(patterns) > 0 {
				return patterns
			}
		}
	}
	return []string{req.Action}
}

// observeLoop appends req's fingerprint to the session history and reports
// whether the last LoopThreshold entries are now identical.
func (p *Policy) observeLoop(req Request) bool {
	fp := fingerprint(req)

	p.mu.Lock()
	defer p.mu.Unlock()

	h := append(p.history[req.SessionID], fp)
	if len(h) > historyDepth {
		h = h[len(h)-historyDepth:]
	}
	p.history[req.SessionID] = h

	if len(h) < LoopThreshold {
		return false
	}
	for _, prev := range h[len(h)-LoopThreshold:] {
		if prev != fp {
			return false
		}
	}
	return true
}

func fingerprint(req Request) string {
	data, _ := json.Marshal(map[string]any{
		"action":  req.Action,
		"command": req.Command(),
	})
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
