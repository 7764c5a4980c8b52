package storage

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rivet-dev/sandboxagent/internal/ueevent"
)

func openTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := OpenSQLite(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	require.NotNil(t, store)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestOpenSQLiteEmptyPathDisablesPersistence(t *testing.T) {
	store, err := OpenSQLite("")
	require.NoError(t, err)
	assert.Nil(t, store)

	// every method is a nil-receiver no-op
	assert.NoError(t, store.SaveSession(SessionRecord{SessionID: "s1"}))
	assert.NoError(t, store.SaveEvent(ueevent.Event{}))
	assert.NoError(t, store.SaveOpenCodeMetadata("s1", "p", "m", ""))
	assert.NoError(t, store.Close())

	events, err := store.LoadEvents("s1")
	assert.NoError(t, err)
	assert.Nil(t, events)
}

func TestSessionUpsert(t *testing.T) {
	store := openTestStore(t)

	rec := SessionRecord{SessionID: "s1", Agent: "mock", PermissionMode: "default"}
	require.NoError(t, store.SaveSession(rec))

	rec.Ended = true
	rec.EndReason = "terminated"
	require.NoError(t, store.SaveSession(rec))

	ids, err := store.ListSessionIDs()
	require.NoError(t, err)
	assert.Equal(t, []string{"s1"}, ids)
}

func TestEventsAreIdempotentBySequence(t *testing.T) {
	store := openTestStore(t)

	ev := ueevent.Event{
		Sequence:  1,
		EventID:   "e1",
		SessionID: "s1",
		EventType: ueevent.TurnStarted,
		Data:      map[string]any{"prompt": "hi"},
	}
	require.NoError(t, store.SaveEvent(ev))
	require.NoError(t, store.SaveEvent(ev)) // replayed delivery is harmless

	ev.Sequence = 2
	ev.EventType = ueevent.TurnEnded
	require.NoError(t, store.SaveEvent(ev))

	events, err := store.LoadEvents("s1")
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, int64(1), events[0].Sequence)
	assert.Equal(t, ueevent.TurnEnded, events[1].EventType)
}

func TestOpenCodeMetadataUpsert(t *testing.T) {
	store := openTestStore(t)

	require.NoError(t, store.SaveOpenCodeMetadata("s1", "anthropic", "m1", "first"))
	require.NoError(t, store.SaveOpenCodeMetadata("s1", "anthropic", "m2", "renamed"))

	var providerID, modelID, title string
	row := store.db.QueryRow(`SELECT provider_id, model_id, title FROM opencode_session_metadata WHERE session_id = ?`, "s1")
	require.NoError(t, row.Scan(&providerID, &modelID, &title))
	assert.Equal(t, "anthropic", providerID)
	assert.Equal(t, "m2", modelID)
	assert.Equal(t, "renamed", title)
}
