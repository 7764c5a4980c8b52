package opencode

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rivet-dev/sandboxagent/internal/sandbox"
	"github.com/rivet-dev/sandboxagent/internal/session"
	"github.com/rivet-dev/sandboxagent/pkg/ueapi"
)

func newTestAdapter() *Adapter {
	return NewAdapter(sandbox.NewManager(session.NewStore()), 0, 0)
}

func TestSelectModelFrozenAfterMessages(t *testing.T) {
	a := newTestAdapter()

	require.Empty(t, a.selectModel("ses_1", "anthropic", "m1", false))

	rt := a.reg.get("ses_1")
	rt.mu.Lock()
	rt.hasMessages = true
	rt.mu.Unlock()

	// same pair is always fine
	assert.Empty(t, a.selectModel("ses_1", "anthropic", "m1", false))

	// any change once messages exist is refused
	msg := a.selectModel("ses_1", "anthropic", "m2", false)
	assert.Contains(t, msg, "model_change_forbidden")
	msg = a.selectModel("ses_1", "openai", "m1", false)
	assert.Contains(t, msg, "model_change_forbidden")
}

func TestSelectModelRestoredRebindSameProvider(t *testing.T) {
	a := newTestAdapter()

	require.Empty(t, a.selectModel("ses_1", "anthropic", "m1", false))
	rt := a.reg.get("ses_1")
	rt.mu.Lock()
	rt.hasMessages = true
	rt.mu.Unlock()

	// restored sessions may rebind within the provider...
	assert.Empty(t, a.selectModel("ses_1", "anthropic", "m2", true))
	rt.mu.Lock()
	assert.Equal(t, "m2", rt.modelID)
	rt.mu.Unlock()

	// ...but not across providers
	msg := a.selectModel("ses_1", "openai", "m2", true)
	assert.Contains(t, msg, "model_change_forbidden")
}

func TestSelectModelRequiresBothIDs(t *testing.T) {
	a := newTestAdapter()
	assert.NotEmpty(t, a.selectModel("ses_1", "", "m1", false))
	assert.NotEmpty(t, a.selectModel("ses_1", "anthropic", "", false))
}

func TestSelectModelFreeChangeBeforeMessages(t *testing.T) {
	a := newTestAdapter()
	require.Empty(t, a.selectModel("ses_1", "anthropic", "m1", false))
	assert.Empty(t, a.selectModel("ses_1", "openai", "m9", false))

	rt := a.reg.get("ses_1")
	rt.mu.Lock()
	defer rt.mu.Unlock()
	assert.Equal(t, "openai", rt.providerID)
	assert.Equal(t, "m9", rt.modelID)
}

func TestRingReplaySince(t *testing.T) {
	a := newTestAdapter()

	a.broadcast([]ueapi.SDKEvent{
		{Type: "one", Properties: map[string]any{}},
		{Type: "two", Properties: map[string]any{}},
		{Type: "three", Properties: map[string]any{}},
	})

	all := a.replaySince(0)
	require.Len(t, all, 3)
	assert.Equal(t, uint64(1), all[0].ID)
	assert.Equal(t, "one", all[0].Event.Type)

	tail := a.replaySince(2)
	require.Len(t, tail, 1)
	assert.Equal(t, uint64(3), tail[0].ID)
	assert.Equal(t, "three", tail[0].Event.Type)

	assert.Empty(t, a.replaySince(3))
}

func TestRingIsBounded(t *testing.T) {
	a := newTestAdapter()
	for i := 0; i < ringCapacity+10; i++ {
		a.broadcast([]ueapi.SDKEvent{{Type: "tick", Properties: map[string]any{}}})
	}

	entries := a.replaySince(0)
	assert.Len(t, entries, ringCapacity)
	assert.Equal(t, uint64(11), entries[0].ID, "oldest entries evicted")
}
