package notify_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pebl-systems/peblsync/internal/notify"
)

func TestNotifyAndTail(t *testing.T) {
	path := filepath.Join(t.TempDir(), "notifications.json")

	base := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	current := base
	n := notify.New(path, notify.WithClock(func() time.Time {
		current = current.Add(time.Second)
		return current
	}))

	n.Notify(notify.CategoryStarted, "USB Transfer", "Copying CAMERA")
	n.Notify(notify.CategoryComplete, "USB Transfer", "142 files copied")
	n.Notify(notify.CategoryFailed, "Cloud Sync", "remote unreachable")

	t.Run("NewestFirst", func(t *testing.T) {
		events := n.Tail(0)
		require.Len(t, events, 3)
		assert.Equal(t, notify.CategoryFailed, events[0].Category)
		assert.Equal(t, notify.CategoryStarted, events[2].Category)
		assert.True(t, events[0].Time.After(events[2].Time))
	})

	t.Run("Bounded", func(t *testing.T) {
		events := n.Tail(2)
		require.Len(t, events, 2)
		assert.Equal(t, "Cloud Sync", events[0].Title)
	})

	t.Run("UniqueIDs", func(t *testing.T) {
		events := n.Tail(0)
		seen := map[string]bool{}
		for _, e := range events {
			assert.NotEmpty(t, e.ID)
			assert.False(t, seen[e.ID])
			seen[e.ID] = true
		}
	})
}

func TestTailSkipsCorruptLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "notifications.json")
	n := notify.New(path)

	n.Notify(notify.CategoryStarted, "USB Transfer", "first")
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0644)
	require.NoError(t, err)
	_, err = f.WriteString("{{{ not json\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())
	n.Notify(notify.CategoryComplete, "USB Transfer", "second")

	events := n.Tail(0)
	require.Len(t, events, 2)
	assert.Equal(t, "second", events[0].Message)
}

func TestTailMissingFile(t *testing.T) {
	n := notify.New(filepath.Join(t.TempDir(), "gone.json"))
	assert.Empty(t, n.Tail(10))
}

func TestNotifyUnwritablePathDoesNotPanic(t *testing.T) {
	n := notify.New("/proc/definitely/not/writable/notifications.json")
	assert.NotPanics(t, func() {
		n.Notify(notify.CategoryFailed, "x", "y")
	})
}
