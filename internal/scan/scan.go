// Package scan inventories a source file tree and detects duplicates against
// the backup destination. Duplicate detection is filename-presence only: a
// source file counts as existing when its base name appears anywhere under
// the destination root. This trades precision for speed and deliberately does
// not hash contents.
package scan

import (
	"errors"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"
)

// ErrEmptySource is returned when the source tree holds no regular files.
var ErrEmptySource = errors.New("source contains no files")

// Inventory describes the file set found on a source device.
type Inventory struct {
	// Files holds paths relative to the scanned root.
	Files      []string
	TotalBytes int64
}

// Count returns the number of files in the inventory.
func (inv Inventory) Count() int { return len(inv.Files) }

// TypeHistogram returns the top-n extension→count map. Extensionless files
// are bucketed under "none". Order beyond the top-n cut is not defined.
func (inv Inventory) TypeHistogram(n int) map[string]int {
	all := make(map[string]int)
	for _, f := range inv.Files {
		ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(f), "."))
		if ext == "" {
			ext = "none"
		}
		all[ext]++
	}
	if n <= 0 || len(all) <= n {
		return all
	}

	type kv struct {
		ext   string
		count int
	}
	ranked := make([]kv, 0, len(all))
	for ext, count := range all {
		ranked = append(ranked, kv{ext, count})
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].count != ranked[j].count {
			return ranked[i].count > ranked[j].count
		}
		return ranked[i].ext < ranked[j].ext
	})

	top := make(map[string]int, n)
	for _, e := range ranked[:n] {
		top[e.ext] = e.count
	}
	return top
}

// Scan walks the source root and returns its inventory. Unreadable entries
// are skipped rather than failing the scan. An inaccessible root or a tree
// with no regular files returns ErrEmptySource.
func Scan(root string) (Inventory, error) {
	var inv Inventory
	_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if d.IsDir() || !d.Type().IsRegular() {
			return nil
		}
		rel, relErr := filepath.Rel(root, path)
		if relErr != nil {
			return nil
		}
		inv.Files = append(inv.Files, rel)
		if info, infoErr := d.Info(); infoErr == nil {
			inv.TotalBytes += info.Size()
		}
		return nil
	})

	if len(inv.Files) == 0 {
		return Inventory{}, ErrEmptySource
	}
	return inv, nil
}

// CountDuplicates returns how many of files (source-relative paths) have a
// base filename that already exists anywhere under destRoot. Names are
// compared verbatim with no case or Unicode normalization; scanner errors
// under destRoot are treated as "not found". The result never exceeds
// len(files).
func CountDuplicates(files []string, destRoot string) int {
	existing := make(map[string]struct{})
	_ = filepath.WalkDir(destRoot, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if !d.IsDir() {
			existing[d.Name()] = struct{}{}
		}
		return nil
	})

	count := 0
	for _, f := range files {
		if _, ok := existing[filepath.Base(f)]; ok {
			count++
		}
	}
	return count
}
