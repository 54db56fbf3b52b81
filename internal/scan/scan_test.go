package scan_test

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pebl-systems/peblsync/internal/scan"
)

func writeFile(t *testing.T, root, rel string, size int) {
	t.Helper()
	path := filepath.Join(root, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0750))
	require.NoError(t, os.WriteFile(path, make([]byte, size), 0640))
}

func TestScan(t *testing.T) {
	t.Run("InventoriesTree", func(t *testing.T) {
		src := t.TempDir()
		writeFile(t, src, "DCIM/IMG_0001.jpg", 100)
		writeFile(t, src, "DCIM/IMG_0002.jpg", 200)
		writeFile(t, src, "video/clip.mp4", 300)

		inv, err := scan.Scan(src)
		require.NoError(t, err)
		assert.Equal(t, 3, inv.Count())
		assert.Equal(t, int64(600), inv.TotalBytes)
		assert.ElementsMatch(t, []string{
			filepath.Join("DCIM", "IMG_0001.jpg"),
			filepath.Join("DCIM", "IMG_0002.jpg"),
			filepath.Join("video", "clip.mp4"),
		}, inv.Files)
	})

	t.Run("EmptySource", func(t *testing.T) {
		_, err := scan.Scan(t.TempDir())
		assert.ErrorIs(t, err, scan.ErrEmptySource)
	})

	t.Run("MissingSource", func(t *testing.T) {
		_, err := scan.Scan(filepath.Join(t.TempDir(), "gone"))
		assert.ErrorIs(t, err, scan.ErrEmptySource)
	})
}

func TestTypeHistogram(t *testing.T) {
	t.Run("TopN", func(t *testing.T) {
		inv := scan.Inventory{Files: []string{
			"a.jpg", "b.jpg", "c.jpg",
			"a.mp4", "b.mp4",
			"notes.txt",
			"README",
		}}

		top := inv.TypeHistogram(2)
		assert.Equal(t, map[string]int{"jpg": 3, "mp4": 2}, top)
	})

	t.Run("AllWhenUnderLimit", func(t *testing.T) {
		inv := scan.Inventory{Files: []string{"a.JPG", "b"}}
		assert.Equal(t, map[string]int{"jpg": 1, "none": 1}, inv.TypeHistogram(5))
	})
}

func TestCountDuplicates(t *testing.T) {
	t.Run("CountsBaseNamePresenceAnywhere", func(t *testing.T) {
		dest := t.TempDir()
		// Existing backups live in timestamped folders; presence is
		// recursive, not path-relative.
		writeFile(t, dest, "CAM_20250101_120000/DCIM/IMG_0001.jpg", 1)
		writeFile(t, dest, "OLD_20240101_090000/IMG_0002.jpg", 1)

		files := []string{
			filepath.Join("DCIM", "IMG_0001.jpg"),
			filepath.Join("DCIM", "IMG_0002.jpg"),
			filepath.Join("DCIM", "IMG_0003.jpg"),
		}

		assert.Equal(t, 2, scan.CountDuplicates(files, dest))
	})

	t.Run("VerbatimComparison", func(t *testing.T) {
		dest := t.TempDir()
		writeFile(t, dest, "img_0001.jpg", 1)

		assert.Equal(t, 0, scan.CountDuplicates([]string{"IMG_0001.jpg"}, dest))
	})

	t.Run("MissingDestinationFindsNothing", func(t *testing.T) {
		assert.Equal(t, 0, scan.CountDuplicates([]string{"a.jpg"}, filepath.Join(t.TempDir(), "gone")))
	})

	t.Run("NeverExceedsSourceCount", func(t *testing.T) {
		dest := t.TempDir()
		src := make([]string, 0, 20)
		for i := range 20 {
			name := fmt.Sprintf("%s_%d.jpg", gofakeit.Word(), i)
			src = append(src, name)
			writeFile(t, dest, filepath.Join("backup", name), 1)
			// Same base name in a second folder must not double-count.
			writeFile(t, dest, filepath.Join("backup2", name), 1)
		}

		assert.Equal(t, len(src), scan.CountDuplicates(src, dest))
	})
}
