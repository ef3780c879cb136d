package activity

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestLog(t *testing.T) *Log {
	t.Helper()
	return Open(filepath.Join(t.TempDir(), "activity.jsonl"), zap.NewNop())
}

func TestRecordStampsAndAppends(t *testing.T) {
	l := newTestLog(t)
	fixed := time.Date(2025, 3, 1, 10, 0, 0, 123456789, time.UTC)
	l.now = func() time.Time { return fixed }

	e, err := l.Record(Entry{Tool: "gmail", Action: "archive", Target: "msg_123", By: ActorDaemon,
		Meta: map[string]any{"rule": "Newsletters"}})
	require.NoError(t, err)
	assert.Equal(t, fixed.Truncate(time.Millisecond), e.TS)

	data, err := os.ReadFile(l.Path())
	require.NoError(t, err)
	assert.Equal(t,
		`{"ts":"2025-03-01T10:00:00.123Z","tool":"gmail","action":"archive","target":"msg_123","by":"daemon","meta":{"rule":"Newsletters"}}`+"\n",
		string(data))
}

func TestRecordWritesNullTargetAndMeta(t *testing.T) {
	l := newTestLog(t)
	_, err := l.Record(Entry{Tool: "gmail", Action: "fetch", By: ActorUser})
	require.NoError(t, err)

	data, err := os.ReadFile(l.Path())
	require.NoError(t, err)
	assert.Contains(t, string(data), `"target":null`)
	assert.Contains(t, string(data), `"meta":null`)
}

func TestRecordRejectsUnknownActor(t *testing.T) {
	l := newTestLog(t)
	_, err := l.Record(Entry{Tool: "gmail", Action: "archive", By: "robot"})
	require.Error(t, err)

	_, statErr := os.Stat(l.Path())
	assert.True(t, os.IsNotExist(statErr), "nothing should be written")
}

func TestReadAllMissingFile(t *testing.T) {
	l := newTestLog(t)
	entries, err := l.ReadAll()
	require.NoError(t, err)
	assert.Empty(t, entries)

	tail, err := l.Tail(5)
	require.NoError(t, err)
	assert.Empty(t, tail)
}

func TestReadAllSkipsMalformedLines(t *testing.T) {
	l := newTestLog(t)
	content := strings.Join([]string{
		`{"ts":"2025-03-01T10:00:00.000Z","tool":"gmail","action":"fetch","target":null,"by":"user","meta":null}`,
		`not json at all`,
		``,
		`{}`,
		`{"ts":"2025-03-01T11:00:00.000Z","tool":"linear","action":"create","target":"LIN-1","by":"command","meta":null}`,
	}, "\n")
	require.NoError(t, os.WriteFile(l.Path(), []byte(content), 0o644))

	entries, err := l.ReadAll()
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "gmail", entries[0].Tool)
	assert.Equal(t, "LIN-1", entries[1].Target)
}

func TestQueryFiltersAreANDed(t *testing.T) {
	l := newTestLog(t)
	for _, e := range []Entry{
		{Tool: "gmail", Action: "archive", By: ActorUser},
		{Tool: "gmail", Action: "archive", By: ActorDaemon},
		{Tool: "linear", Action: "create", By: ActorDaemon},
		{Tool: "gmail", Action: "label", By: ActorDaemon},
	} {
		_, err := l.Record(e)
		require.NoError(t, err)
	}

	got, err := l.Query(Filter{Tool: "gmail", By: ActorDaemon})
	require.NoError(t, err)
	require.Len(t, got, 2)
	for _, e := range got {
		assert.Equal(t, "gmail", e.Tool)
		assert.Equal(t, ActorDaemon, e.By)
	}

	got, err = l.Query(Filter{Tool: "gmail", By: ActorDaemon, Action: "label"})
	require.NoError(t, err)
	require.Len(t, got, 1)

	all, err := l.Query(Filter{})
	require.NoError(t, err)
	assert.Len(t, all, 4)
}

func TestQuerySince(t *testing.T) {
	l := newTestLog(t)
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	l.now = func() time.Time { return now.Add(-3 * time.Hour) }
	_, err := l.Record(Entry{Tool: "gmail", Action: "old", By: ActorUser})
	require.NoError(t, err)
	l.now = func() time.Time { return now.Add(-10 * time.Minute) }
	_, err = l.Record(Entry{Tool: "gmail", Action: "recent", By: ActorUser})
	require.NoError(t, err)

	l.now = func() time.Time { return now }
	got, err := l.Query(Filter{Since: "1h"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "recent", got[0].Action)

	got, err = l.Query(Filter{Since: "2025-03-01T08:00:00Z"})
	require.NoError(t, err)
	assert.Len(t, got, 2)

	_, err = l.Query(Filter{Since: "yesterday"})
	assert.Error(t, err)
}

func TestSearchIsCaseInsensitive(t *testing.T) {
	l := newTestLog(t)
	_, err := l.Record(Entry{Tool: "gmail", Action: "archive", Target: "Weekly-Digest", By: ActorDaemon})
	require.NoError(t, err)
	_, err = l.Record(Entry{Tool: "linear", Action: "create", By: ActorUser, Meta: map[string]any{"title": "ARCHIVE old issues"}})
	require.NoError(t, err)
	_, err = l.Record(Entry{Tool: "calendar", Action: "accept", By: ActorUser})
	require.NoError(t, err)

	got, err := l.Search("archive")
	require.NoError(t, err)
	assert.Len(t, got, 2)

	got, err = l.Search("weekly-digest")
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestTailKeepsWriteOrder(t *testing.T) {
	l := newTestLog(t)
	for _, action := range []string{"a", "b", "c", "d"} {
		_, err := l.Record(Entry{Tool: "t", Action: action, By: ActorUser})
		require.NoError(t, err)
	}

	got, err := l.Tail(2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "c", got[0].Action)
	assert.Equal(t, "d", got[1].Action)

	got, err = l.Tail(0)
	require.NoError(t, err)
	assert.Len(t, got, 4)
}

func TestEntryRecord(t *testing.T) {
	e := Entry{
		TS:     time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC),
		Tool:   "gmail",
		Action: "archive",
		By:     ActorDaemon,
		Meta:   map[string]any{"key": "k1"},
	}
	rec := e.Record()
	assert.Equal(t, "gmail", rec["tool"])
	assert.Equal(t, "daemon", rec["by"])
	assert.NotContains(t, rec, "target")
	assert.Equal(t, "k1", e.MetaString("key"))
	assert.Equal(t, "", e.MetaString("missing"))
}
