package device_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pebl-systems/peblsync/internal/device"
)

const sampleMountinfo = `24 31 0:22 / /proc rw,nosuid,nodev,noexec,relatime shared:13 - proc proc rw
36 31 8:1 / /media/external-hdd rw,relatime shared:1 - ext4 /dev/sda1 rw,data=ordered
42 31 8:17 / /media/pebl/CAMERA\040SD rw,nosuid shared:2 - vfat /dev/sdb1 rw,fmask=0022
`

func TestMountpointOf(t *testing.T) {
	t.Run("FindsDevice", func(t *testing.T) {
		mp, ok := device.MountpointOf(strings.NewReader(sampleMountinfo), "/dev/sda1")
		require.True(t, ok)
		assert.Equal(t, "/media/external-hdd", mp)
	})

	t.Run("UnescapesSpaces", func(t *testing.T) {
		mp, ok := device.MountpointOf(strings.NewReader(sampleMountinfo), "/dev/sdb1")
		require.True(t, ok)
		assert.Equal(t, "/media/pebl/CAMERA SD", mp)
	})

	t.Run("UnknownDevice", func(t *testing.T) {
		_, ok := device.MountpointOf(strings.NewReader(sampleMountinfo), "/dev/sdc1")
		assert.False(t, ok)
	})

	t.Run("GarbageInput", func(t *testing.T) {
		_, ok := device.MountpointOf(strings.NewReader("not mountinfo at all\n\n"), "/dev/sda1")
		assert.False(t, ok)
	})
}

func TestWaitForNode(t *testing.T) {
	t.Run("RegularFileIsNotABlockDevice", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "sdb1")
		require.NoError(t, os.WriteFile(path, nil, 0640))

		f := device.NewFinder(device.WithNodeRetry(2, time.Millisecond))
		err := f.WaitForNode(context.Background(), path)
		assert.ErrorIs(t, err, device.ErrNotReady)
	})

	t.Run("MissingNodeExhaustsRetries", func(t *testing.T) {
		f := device.NewFinder(device.WithNodeRetry(3, time.Millisecond))

		start := time.Now()
		err := f.WaitForNode(context.Background(), filepath.Join(t.TempDir(), "sdz9"))
		assert.ErrorIs(t, err, device.ErrNotReady)
		assert.Less(t, time.Since(start), time.Second)
	})

	t.Run("ContextCancelStopsWaiting", func(t *testing.T) {
		f := device.NewFinder(device.WithNodeRetry(100, 50*time.Millisecond))

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		defer cancel()

		err := f.WaitForNode(ctx, filepath.Join(t.TempDir(), "sdz9"))
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})
}

func TestIsMountpoint(t *testing.T) {
	t.Run("PlainDirectory", func(t *testing.T) {
		assert.False(t, device.IsMountpoint(t.TempDir()))
	})

	t.Run("MissingPath", func(t *testing.T) {
		assert.False(t, device.IsMountpoint(filepath.Join(t.TempDir(), "gone")))
	})

	t.Run("FilesystemRoot", func(t *testing.T) {
		// "/" is its own parent, but on any real system /proc or /sys is
		// mounted; use /proc when present to get a positive case.
		if _, err := os.Stat("/proc/self"); err != nil {
			t.Skip("no /proc available")
		}
		assert.True(t, device.IsMountpoint("/proc"))
	})
}

func TestFindMount(t *testing.T) {
	t.Run("NothingFound", func(t *testing.T) {
		dir := t.TempDir()
		mountinfo := filepath.Join(dir, "mountinfo")
		require.NoError(t, os.WriteFile(mountinfo, []byte(sampleMountinfo), 0640))

		f := device.NewFinder(
			device.WithMountRoots([]string{filepath.Join(dir, "media")}),
			device.WithMountinfoPath(mountinfo),
		)

		_, ok := f.FindMount("/dev/sdq1", "NOPE")
		assert.False(t, ok)
	})

	t.Run("MountinfoFallback", func(t *testing.T) {
		dir := t.TempDir()
		mountinfo := filepath.Join(dir, "mountinfo")
		require.NoError(t, os.WriteFile(mountinfo, []byte(sampleMountinfo), 0640))

		f := device.NewFinder(
			device.WithMountRoots([]string{filepath.Join(dir, "media")}),
			device.WithMountinfoPath(mountinfo),
		)

		mp, ok := f.FindMount("/dev/sdb1", "")
		require.True(t, ok)
		assert.Equal(t, "/media/pebl/CAMERA SD", mp)
	})
}
