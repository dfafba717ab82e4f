package presence

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func TestApplyDiffCreatesEntry(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	table := New(fixedClock(base))

	entry := table.ApplyDiff(Diff{UserID: "u1", Fields: map[string]any{"status": "active"}})
	assert.Equal(t, "u1", entry.UserID)
	assert.Equal(t, "active", entry.Fields["status"])
	assert.Equal(t, base, entry.LastActive)
}

func TestApplyDiffOverwritesOnlyNamedFields(t *testing.T) {
	table := New(fixedClock(time.Now()))

	table.ApplyDiff(Diff{UserID: "u1", Fields: map[string]any{"status": "active", "cursor": 1}})
	entry := table.ApplyDiff(Diff{UserID: "u1", Fields: map[string]any{"status": "idle"}})

	assert.Equal(t, "idle", entry.Fields["status"])
	assert.Equal(t, 1, entry.Fields["cursor"])
}

func TestApplyDiffNullFieldClearsIt(t *testing.T) {
	table := New(fixedClock(time.Now()))

	table.ApplyDiff(Diff{UserID: "u1", Fields: map[string]any{"status": "active"}})
	entry := table.ApplyDiff(Diff{UserID: "u1", Fields: map[string]any{"status": nil}})

	_, present := entry.Fields["status"]
	assert.False(t, present)
}

func TestApplyDiffStampsServerTime(t *testing.T) {
	first := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	second := first.Add(5 * time.Second)
	calls := []time.Time{first, second}
	i := 0
	table := New(func() time.Time {
		now := calls[i]
		if i < len(calls)-1 {
			i++
		}
		return now
	})

	table.ApplyDiff(Diff{UserID: "u1", Fields: map[string]any{"status": "active"}})
	entry := table.ApplyDiff(Diff{UserID: "u1", Fields: map[string]any{"status": "idle"}})

	assert.Equal(t, second, entry.LastActive)
}

func TestRemove(t *testing.T) {
	table := New(fixedClock(time.Now()))
	table.ApplyDiff(Diff{UserID: "u1", Fields: map[string]any{"status": "active"}})

	entry, ok := table.Remove("u1")
	assert.True(t, ok)
	assert.Equal(t, "u1", entry.UserID)
	assert.Equal(t, 0, table.Len())

	_, ok = table.Remove("u1")
	assert.False(t, ok)
}

func TestSnapshot(t *testing.T) {
	table := New(fixedClock(time.Now()))
	table.ApplyDiff(Diff{UserID: "u1", Fields: map[string]any{"status": "active"}})
	table.ApplyDiff(Diff{UserID: "u2", Fields: map[string]any{"status": "idle"}})

	entries := table.Snapshot()
	assert.Len(t, entries, 2)
}

func TestExpireStale(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clockTime := base
	table := New(func() time.Time { return clockTime })

	table.ApplyDiff(Diff{UserID: "u1", Fields: map[string]any{"status": "active"}})

	clockTime = base.Add(time.Minute)
	table.ApplyDiff(Diff{UserID: "u2", Fields: map[string]any{"status": "active"}})

	clockTime = base.Add(2 * time.Minute)
	expired := table.ExpireStale(90 * time.Second)

	assert.Equal(t, []string{"u1"}, expired)
	assert.Equal(t, 1, table.Len())
	_, ok := table.Get("u2")
	assert.True(t, ok)
}

func TestCloneIsolatesFieldsFromFurtherMutation(t *testing.T) {
	table := New(fixedClock(time.Now()))
	entry := table.ApplyDiff(Diff{UserID: "u1", Fields: map[string]any{"status": "active"}})

	entry.Fields["status"] = "mutated-copy"

	live, _ := table.Get("u1")
	assert.Equal(t, "active", live.Fields["status"])
}
