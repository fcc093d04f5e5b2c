package audit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLogEventAssignsMonotonicIDs(t *testing.T) {
	l := New(10)
	e1 := l.LogEvent("key.created", "admin", "created key", nil)
	e2 := l.LogEvent("key.revoked", "admin", "revoked key", nil)
	assert.Equal(t, e1.ID+1, e2.ID)
}

func TestRingEvictsOldestWhenFull(t *testing.T) {
	l := New(2)
	l.LogEvent("a", "x", "1", nil)
	l.LogEvent("b", "x", "2", nil)
	l.LogEvent("c", "x", "3", nil)

	all := l.Query(Query{})
	assert.Len(t, all, 2)
	assert.Equal(t, "c", all[0].Type)
	assert.Equal(t, "b", all[1].Type)
}

func TestQueryNewestFirst(t *testing.T) {
	l := New(10)
	l.LogEvent("a", "x", "1", nil)
	l.LogEvent("b", "x", "2", nil)
	got := l.Query(Query{})
	assert.Equal(t, "b", got[0].Type)
}

func TestQueryFiltersByTypeActorAndWindow(t *testing.T) {
	l := New(10)
	start := time.Now()
	l.SetClock(func() time.Time { return start })
	l.LogEvent("key.created", "alice", "1", nil)

	l.SetClock(func() time.Time { return start.Add(time.Hour) })
	l.LogEvent("key.revoked", "bob", "2", nil)

	got := l.Query(Query{Types: []string{"key.created"}})
	assert.Len(t, got, 1)
	assert.Equal(t, "alice", got[0].Actor)

	got = l.Query(Query{Actor: "bob"})
	assert.Len(t, got, 1)

	got = l.Query(Query{Since: start.Add(30 * time.Minute)})
	assert.Len(t, got, 1)
	assert.Equal(t, "bob", got[0].Actor)
}

func TestQueryRespectsLimit(t *testing.T) {
	l := New(10)
	for i := 0; i < 5; i++ {
		l.LogEvent("t", "a", "m", nil)
	}
	got := l.Query(Query{Limit: 2})
	assert.Len(t, got, 2)
}

func TestAggregatesCountsByTypeAndActor(t *testing.T) {
	l := New(10)
	l.LogEvent("key.created", "alice", "1", nil)
	l.LogEvent("key.created", "alice", "2", nil)
	l.LogEvent("key.revoked", "bob", "3", nil)

	agg := l.Aggregates()
	assert.Equal(t, 2, agg.CountByType["key.created"])
	assert.Equal(t, 1, agg.CountByType["key.revoked"])
	require := assert.New(t)
	require.Equal("alice", agg.TopActors[0].Actor)
	require.Equal(2, agg.TopActors[0].Count)
}
