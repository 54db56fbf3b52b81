package lock_test

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pebl-systems/peblsync/internal/lock"
)

func TestAcquire(t *testing.T) {
	t.Run("AcquireAndRelease", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "transfer.lock")

		l, err := lock.Acquire(path)
		require.NoError(t, err)
		assert.True(t, lock.Held(path))

		l.Release()
		assert.False(t, lock.Held(path))

		// Idempotent.
		l.Release()
	})

	t.Run("SecondAcquireFailsFast", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "transfer.lock")

		l, err := lock.Acquire(path)
		require.NoError(t, err)
		defer l.Release()

		_, err = lock.Acquire(path)
		assert.ErrorIs(t, err, lock.ErrHeld)
	})

	t.Run("ReclaimsStaleLock", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "transfer.lock")

		// A pid that cannot exist records a dead owner.
		require.NoError(t, os.WriteFile(path, []byte("999999999\n"), 0640))
		assert.False(t, lock.Held(path))

		l, err := lock.Acquire(path)
		require.NoError(t, err)
		defer l.Release()
	})

	t.Run("GarbledOwnerTreatedAsLive", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "transfer.lock")
		require.NoError(t, os.WriteFile(path, []byte("not-a-pid"), 0640))

		_, err := lock.Acquire(path)
		assert.ErrorIs(t, err, lock.ErrHeld)
		assert.True(t, lock.Held(path))
	})

	t.Run("LiveOwnerBlocks", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "transfer.lock")
		require.NoError(t, os.WriteFile(path, []byte(fmt.Sprintf("%d\n", os.Getpid())), 0640))

		_, err := lock.Acquire(path)
		assert.ErrorIs(t, err, lock.ErrHeld)
	})
}

func TestHeld(t *testing.T) {
	t.Run("MissingFile", func(t *testing.T) {
		assert.False(t, lock.Held(filepath.Join(t.TempDir(), "nope.lock")))
	})
}
