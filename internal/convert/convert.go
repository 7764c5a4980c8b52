// Package convert turns agent-native payloads into Universal Event
// conversions. Every converter here is a pure function: total (never
// panics, never returns zero conversions), id-preserving (it only carries
// native_item_id; daemon item ids are assigned by internal/session), and
// idempotent on repeated identical input.
package convert

import (
	"encoding/json"
	"fmt"

	"github.com/rivet-dev/sandboxagent/internal/ueevent"
)

// EventConversion is one candidate Universal Event awaiting sequence and
// item-id assignment by internal/session.
type EventConversion struct {
	EventType       ueevent.Type
	Data            any
	Source          string
	Synthetic       bool
	NativeSessionID string
	Raw             json.RawMessage
}

// Converter converts one native payload line/message into zero-or-more
// EventConversions. Implementations must never panic and must always
// return at least one conversion — callers rely on Convert (below) to
// enforce that contract uniformly.
type Converter interface {
	// Agent is the dispatch-matrix agent name this converter serves.
	Agent() string
	// Convert converts a single native payload (already framed: one JSON
	// line, one JSON-RPC notification, one SSE event body) into
	// Universal Event conversions.
	Convert(raw json.RawMessage) []EventConversion
}

// Convert runs c against raw and guarantees the total contract even if the
// converter implementation has a bug: a panic or empty result is turned
// into a single agent.unparsed conversion.
func Convert(c Converter, raw json.RawMessage) (result []EventConversion) {
	defer func() {
		if r := recover(); r != nil {
			result = []EventConversion{unparsed(c.Agent(), raw, fmt.Sprintf("panic: %v", r))}
		}
	}()

	out := c.Convert(raw)
	if len(out) == 0 {
		return []EventConversion{unparsed(c.Agent(), raw, "converter produced no events")}
	}
	return out
}

func unparsed(source string, raw json.RawMessage, errMsg string) EventConversion {
	return EventConversion{
		EventType: ueevent.AgentUnparsed,
		Data: ueevent.AgentUnparsedData{
			Raw:   raw,
			Error: errMsg,
		},
		Source:    source,
		Synthetic: false,
		Raw:       raw,
	}
}

// ByAgent returns the Converter registered for the given agent name, or
// (nil, false) if unknown.
func ByAgent(agent string) (Converter, bool) {
	c, ok := registry[agent]
	return c, ok
}

var registry = map[string]Converter{}

func register(c Converter) {
	registry[c.Agent()] = c
}
