package parse_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pebl-systems/peblsync/internal/parse"
)

func newRsyncParser(total int) *parse.Parser {
	return parse.New(parse.Rsync(), total, parse.WithEmitInterval(0))
}

func TestRsyncPercentLines(t *testing.T) {
	t.Run("FullLine", func(t *testing.T) {
		p := newRsyncParser(10)

		u, ok := p.ParseLine("  1,442,645,120  45%  112.33MB/s    0:01:23 (xfr#5, to-chk=123/456)")
		require.True(t, ok)
		assert.Equal(t, 45, u.Percent)
		assert.Equal(t, 4, u.FilesDone, "filesDone = floor(total * percent / 100)")
		assert.Equal(t, "112.33MB/s", u.Speed)
		assert.Equal(t, "0:01:23", u.ETA)
	})

	t.Run("MissingSpeedAndETA", func(t *testing.T) {
		p := newRsyncParser(10)

		u, ok := p.ParseLine("  12,345  7%")
		require.True(t, ok)
		assert.Equal(t, 7, u.Percent)
		assert.Equal(t, parse.Unknown, u.Speed, "absent fields stay unknown, never fabricated")
		assert.Equal(t, parse.Unknown, u.ETA)
	})

	t.Run("PercentClamped", func(t *testing.T) {
		p := newRsyncParser(10)

		u, ok := p.ParseLine("  999  250%  1.0MB/s  0:00:00")
		require.True(t, ok)
		assert.Equal(t, 100, u.Percent)
	})
}

func TestCurrentFileInference(t *testing.T) {
	t.Run("FilenameThenPercent", func(t *testing.T) {
		p := newRsyncParser(10)

		_, ok := p.ParseLine("DCIM/IMG_0001.jpg")
		assert.False(t, ok, "filename lines do not emit")

		u, ok := p.ParseLine("  1,000  10%  1.00MB/s  0:00:09")
		require.True(t, ok)
		assert.Equal(t, "DCIM/IMG_0001.jpg", u.CurrentFile)
	})

	t.Run("BannersIgnored", func(t *testing.T) {
		p := newRsyncParser(10)

		for _, line := range []string{
			"sending incremental file list",
			"sent 1,234 bytes  received 35 bytes",
			"total size is 1,442,645,120  speedup is 1.00",
			"rsync: some warning",
			"rsync error: some files could not be transferred (code 23)",
			"",
			"   ",
		} {
			_, ok := p.ParseLine(line)
			assert.False(t, ok, line)
		}
		assert.Empty(t, p.CurrentFile())
	})

	t.Run("DirectoriesIgnored", func(t *testing.T) {
		p := newRsyncParser(10)
		p.ParseLine("DCIM/")
		assert.Empty(t, p.CurrentFile())
	})

	t.Run("FalsePositivesAccepted", func(t *testing.T) {
		// A non-filename line missing from the denylist is taken as a
		// filename; this is a known cosmetic limitation.
		p := newRsyncParser(10)
		p.ParseLine("some unexpected tool chatter")
		assert.Equal(t, "some unexpected tool chatter", p.CurrentFile())
	})
}

func TestRateLimiting(t *testing.T) {
	now := time.Unix(1000, 0)
	clock := func() time.Time { return now }
	p := parse.New(parse.Rsync(), 100, parse.WithClock(clock))

	_, ok := p.ParseLine("  1  10%  1.00MB/s  0:00:09")
	assert.True(t, ok, "first update always emits")

	now = now.Add(300 * time.Millisecond)
	_, ok = p.ParseLine("  2  11%  1.00MB/s  0:00:09")
	assert.False(t, ok, "updates within 1s are suppressed")

	now = now.Add(time.Second)
	u, ok := p.ParseLine("  3  12%  1.00MB/s  0:00:09")
	require.True(t, ok)
	assert.Equal(t, 12, u.Percent)
}

func TestRcloneRules(t *testing.T) {
	p := parse.New(parse.Rclone(), 50, parse.WithEmitInterval(0))

	t.Run("TransferredLine", func(t *testing.T) {
		u, ok := p.ParseLine("Transferred:        1.205 GiB / 2.008 GiB, 60%, 5.125 MiB/s, ETA 2m41s")
		require.True(t, ok)
		assert.Equal(t, 60, u.Percent)
		assert.Equal(t, 30, u.FilesDone)
		assert.Equal(t, "5.125 MiB/s", u.Speed)
		assert.Equal(t, "2m41s", u.ETA)
	})

	t.Run("ItemLine", func(t *testing.T) {
		_, ok := p.ParseLine(" * CAM_20250101/IMG_0042.jpg:  41% /12.5Mi, 1.2Mi/s, 5s")
		assert.False(t, ok)
		assert.Equal(t, "CAM_20250101/IMG_0042.jpg", p.CurrentFile())
	})

	t.Run("StatBannersIgnored", func(t *testing.T) {
		before := p.CurrentFile()
		for _, line := range []string{
			"Errors:                 0",
			"Checks:                12 / 12, 100%",
			"Elapsed time:       1m2.3s",
			"Transferring:",
		} {
			_, ok := p.ParseLine(line)
			assert.False(t, ok, line)
		}
		assert.Equal(t, before, p.CurrentFile())
	})
}
