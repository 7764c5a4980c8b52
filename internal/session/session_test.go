package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rivet-dev/sandboxagent/internal/convert"
	"github.com/rivet-dev/sandboxagent/internal/ueevent"
)

func newTestSession() *Session {
	return New(Identity{SessionID: "s1", Agent: "mock", PermissionMode: "default"})
}

func completedMessage(nativeID, text string) convert.EventConversion {
	return convert.EventConversion{
		EventType: ueevent.ItemCompleted,
		Source:    "mock",
		Data: ueevent.ItemCompletedData{Item: ueevent.Item{
			NativeItemID: nativeID,
			Kind:         ueevent.KindMessage,
			Role:         ueevent.RoleAssistant,
			Status:       ueevent.StatusCompleted,
			Content:      []ueevent.ContentPart{ueevent.TextContent{Type: "text", Text: text}},
		}},
	}
}

func TestSequencesAreGapless(t *testing.T) {
	s := newTestSession()

	s.Record([]convert.EventConversion{
		{EventType: ueevent.SessionStarted, Source: "daemon", Synthetic: true, Data: ueevent.SessionStartedData{Agent: "mock"}},
		{EventType: ueevent.TurnStarted, Source: "daemon", Synthetic: true, Data: ueevent.TurnStartedData{Prompt: "hi"}},
		completedMessage("m1", "hello"),
	})

	events := s.Events()
	require.NotEmpty(t, events)
	for i, ev := range events {
		assert.Equal(t, int64(i+1), ev.Sequence, "sequence at index %d", i)
	}
}

func TestCompletedWithoutStartedSynthesizesStarted(t *testing.T) {
	s := newTestSession()

	s.Record([]convert.EventConversion{completedMessage("m1", "hello")})

	events := s.Events()
	require.Len(t, events, 3)

	assert.Equal(t, ueevent.ItemStarted, events[0].EventType)
	assert.True(t, events[0].Synthetic)
	started := events[0].Data.(ueevent.ItemStartedData)
	assert.Equal(t, "itm_1", started.Item.ItemID)
	assert.Equal(t, ueevent.StatusInProgress, started.Item.Status)

	// an assistant message that never streamed gets the aggregated delta
	assert.Equal(t, ueevent.ItemDelta, events[1].EventType)
	assert.True(t, events[1].Synthetic)
	delta := events[1].Data.(ueevent.ItemDeltaData)
	assert.Equal(t, "itm_1", delta.ItemID)
	assert.Equal(t, "hello", ueevent.Text(delta.Delta))

	assert.Equal(t, ueevent.ItemCompleted, events[2].EventType)
	completed := events[2].Data.(ueevent.ItemCompletedData)
	assert.Equal(t, "itm_1", completed.Item.ItemID)
}

func TestDeltaSeenSuppressesSyntheticDelta(t *testing.T) {
	s := newTestSession()

	s.Record([]convert.EventConversion{
		{EventType: ueevent.ItemStarted, Source: "mock", Data: ueevent.ItemStartedData{Item: ueevent.Item{
			NativeItemID: "m1", Kind: ueevent.KindMessage, Role: ueevent.RoleAssistant, Status: ueevent.StatusInProgress,
		}}},
		{EventType: ueevent.ItemDelta, Source: "mock", Data: ueevent.ItemDeltaData{
			ItemID: "m1",
			Delta:  []ueevent.ContentPart{ueevent.TextContent{Type: "text", Text: "hel"}},
		}},
		completedMessage("m1", "hello"),
	})

	var deltas int
	for _, ev := range s.Events() {
		if ev.EventType == ueevent.ItemDelta {
			deltas++
		}
	}
	assert.Equal(t, 1, deltas, "no synthetic delta when the item already streamed")
}

func TestNativeItemIDMappingIsStable(t *testing.T) {
	s := newTestSession()

	s.Record([]convert.EventConversion{
		completedMessage("native-a", "one"),
		completedMessage("native-b", "two"),
		{EventType: ueevent.ItemCompleted, Source: "mock", Data: ueevent.ItemCompletedData{Item: ueevent.Item{
			NativeItemID: "native-c",
			ParentID:     "native-a",
			Kind:         ueevent.KindToolResult,
			Role:         ueevent.RoleTool,
			Status:       ueevent.StatusCompleted,
		}}},
	})

	var ids []string
	var parent string
	for _, ev := range s.Events() {
		if ev.EventType != ueevent.ItemCompleted {
			continue
		}
		item := ev.Data.(ueevent.ItemCompletedData).Item
		ids = append(ids, item.ItemID)
		if item.NativeItemID == "native-c" {
			parent = item.ParentID
		}
	}
	assert.Equal(t, []string{"itm_1", "itm_2", "itm_3"}, ids)
	assert.Equal(t, "itm_1", parent, "parent_id rewritten through the same mapping")
}

func TestIdLessCompletionsStayDistinctAcrossTurns(t *testing.T) {
	s := newTestSession()

	// Two id-less completions, as a per-turn CLI emits across a resumed
	// session (its init/result/text lines carry no stable native id).
	s.Record([]convert.EventConversion{completedMessage("", "turn one")})
	s.MarkEnded("completed", "", nil, "", "")
	s.Reopen()
	s.Record([]convert.EventConversion{completedMessage("", "turn two")})

	started := map[string]int{}
	completed := map[string]int{}
	for _, ev := range s.Events() {
		switch data := ev.Data.(type) {
		case ueevent.ItemStartedData:
			started[data.Item.ItemID]++
		case ueevent.ItemCompletedData:
			completed[data.Item.ItemID]++
		}
	}

	require.Len(t, completed, 2, "each turn's completion minted its own item")
	for id, n := range completed {
		assert.Equal(t, 1, n, "one completion for %s", id)
		assert.Equal(t, 1, started[id], "one started for %s", id)
	}
}

func TestSessionStartedIsSingleton(t *testing.T) {
	s := newTestSession()

	start := convert.EventConversion{EventType: ueevent.SessionStarted, Source: "daemon", Synthetic: true, Data: ueevent.SessionStartedData{Agent: "mock"}}
	s.Record([]convert.EventConversion{start})
	s.Record([]convert.EventConversion{start})

	var count int
	for _, ev := range s.Events() {
		if ev.EventType == ueevent.SessionStarted {
			count++
		}
	}
	assert.Equal(t, 1, count)
}

func TestMarkEndedIsIdempotent(t *testing.T) {
	s := newTestSession()

	first := s.MarkEnded("terminated", "daemon", nil, "bye", "")
	second := s.MarkEnded("error", "daemon", nil, "again", "")

	assert.Len(t, first, 1)
	assert.Empty(t, second)

	end := s.EndStateSnapshot()
	assert.True(t, end.Ended)
	assert.Equal(t, "terminated", end.Reason)

	var count int
	for _, ev := range s.Events() {
		if ev.EventType == ueevent.SessionEnded {
			count++
		}
	}
	assert.Equal(t, 1, count)
}

func TestEventsAfterEndedAreDropped(t *testing.T) {
	s := newTestSession()

	s.MarkEnded("completed", "", nil, "", "")
	appended := s.Record([]convert.EventConversion{completedMessage("m1", "late")})
	assert.Empty(t, appended, "stragglers after session.ended are dropped")

	count := len(s.Events())
	s.MarkEnded("error", "daemon", nil, "again", "")
	assert.Equal(t, count, len(s.Events()))
}

func TestReopenStartsNewLifetime(t *testing.T) {
	s := newTestSession()
	s.SetNativeSessionID("native-1")

	s.MarkEnded("completed", "", nil, "", "")
	require.True(t, s.Ended())

	s.Reopen()
	assert.False(t, s.Ended())
	assert.Equal(t, "", s.NativeSessionID(), "stale native id cleared for rebootstrap")

	appended := s.Record([]convert.EventConversion{completedMessage("m1", "hello again")})
	assert.NotEmpty(t, appended)

	// the new lifetime can end again, exactly once
	require.Len(t, s.MarkEnded("completed", "", nil, "", ""), 1)

	var endedCount int
	for _, ev := range s.Events() {
		if ev.EventType == ueevent.SessionEnded {
			endedCount++
		}
	}
	assert.Equal(t, 2, endedCount, "one session.ended per lifetime")
}

func TestResolutionRequiresPendingRequest(t *testing.T) {
	s := newTestSession()

	appended := s.Record([]convert.EventConversion{{
		EventType: ueevent.PermissionResolved,
		Source:    "daemon",
		Data:      ueevent.PermissionResolvedData{ID: "perm_unknown", Status: "approved"},
	}})
	assert.Empty(t, appended, "resolved without a prior requested is dropped")

	s.Record([]convert.EventConversion{{
		EventType: ueevent.PermissionRequested,
		Source:    "mock",
		Data:      ueevent.PermissionRequestedData{ID: "perm_1", Action: "command_execution"},
	}})
	_, ok := s.Permission("perm_1")
	require.True(t, ok)

	appended = s.Record([]convert.EventConversion{{
		EventType: ueevent.PermissionResolved,
		Source:    "daemon",
		Data:      ueevent.PermissionResolvedData{ID: "perm_1", Status: "approved"},
	}})
	assert.Len(t, appended, 1)
	_, ok = s.Permission("perm_1")
	assert.False(t, ok, "pending entry popped on resolution")
}

func TestSubscribeReplayMatchesLive(t *testing.T) {
	s := newTestSession()

	_, live, unsubLive := s.Subscribe(0)
	defer unsubLive()

	s.Record([]convert.EventConversion{
		{EventType: ueevent.TurnStarted, Source: "daemon", Synthetic: true, Data: ueevent.TurnStartedData{Prompt: "hi"}},
		completedMessage("m1", "hello"),
	})

	var liveEvents []ueevent.Event
	for len(liveEvents) < 4 {
		liveEvents = append(liveEvents, <-live)
	}

	replayed, _, unsub := s.Subscribe(0)
	unsub()

	require.Len(t, replayed, len(liveEvents))
	for i := range replayed {
		assert.Equal(t, liveEvents[i].Sequence, replayed[i].Sequence)
		assert.Equal(t, liveEvents[i].EventType, replayed[i].EventType)
	}
}

func TestSubscribeFromOffsetSkipsHistory(t *testing.T) {
	s := newTestSession()

	s.Record([]convert.EventConversion{
		{EventType: ueevent.TurnStarted, Source: "daemon", Synthetic: true, Data: ueevent.TurnStartedData{Prompt: "a"}},
		{EventType: ueevent.TurnStarted, Source: "daemon", Synthetic: true, Data: ueevent.TurnStartedData{Prompt: "b"}},
		{EventType: ueevent.TurnStarted, Source: "daemon", Synthetic: true, Data: ueevent.TurnStartedData{Prompt: "c"}},
	})

	since, _, unsub := s.Subscribe(2)
	unsub()

	require.Len(t, since, 1)
	assert.Equal(t, int64(3), since[0].Sequence)
}

func TestNativeSessionIDSetOnce(t *testing.T) {
	s := newTestSession()
	s.SetNativeSessionID("native-1")
	s.SetNativeSessionID("native-2")
	assert.Equal(t, "native-1", s.NativeSessionID())
}
