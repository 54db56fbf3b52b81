// Package device handles block-device readiness and mount discovery for
// inserted source media. Auto-mount behavior is environment dependent, so
// discovery tries three independent signals before falling back to mounting
// the device itself.
package device

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/disk"
	"golang.org/x/sys/unix"
)

// ErrNotReady is returned when the block device node never appeared within
// the bounded retry budget.
var ErrNotReady = errors.New("block device not ready")

// Defaults for waiting on a freshly inserted device.
const (
	DefaultNodeAttempts  = 5
	DefaultNodeInterval  = 2 * time.Second
	defaultMountinfoPath = "/proc/self/mountinfo"
)

// Finder locates or establishes the mount for a source device.
type Finder struct {
	mountRoots    []string
	mountinfoPath string
	nodeAttempts  int
	nodeInterval  time.Duration
	logger        zerolog.Logger
}

// Option is a functional option for configuring the finder.
type Option func(*Finder)

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(f *Finder) {
		f.logger = logger
	}
}

// WithMountRoots sets the well-known auto-mount roots to scan.
func WithMountRoots(roots []string) Option {
	return func(f *Finder) {
		f.mountRoots = roots
	}
}

// WithNodeRetry sets the bounded retry policy for device-node readiness.
func WithNodeRetry(attempts int, interval time.Duration) Option {
	return func(f *Finder) {
		f.nodeAttempts = attempts
		f.nodeInterval = interval
	}
}

// WithMountinfoPath overrides the mountinfo source (used by tests).
func WithMountinfoPath(path string) Option {
	return func(f *Finder) {
		f.mountinfoPath = path
	}
}

// NewFinder creates a mount finder.
func NewFinder(opts ...Option) *Finder {
	f := &Finder{
		mountRoots:    []string{"/media", "/run/media"},
		mountinfoPath: defaultMountinfoPath,
		nodeAttempts:  DefaultNodeAttempts,
		nodeInterval:  DefaultNodeInterval,
		logger:        zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// WaitForNode blocks until dev exists as a block device, retrying a fixed
// number of times with a fixed interval. A freshly inserted device may need
// a moment before the kernel publishes its node.
func (f *Finder) WaitForNode(ctx context.Context, dev string) error {
	for attempt := 1; attempt <= f.nodeAttempts; attempt++ {
		var st unix.Stat_t
		if err := unix.Stat(dev, &st); err == nil && st.Mode&unix.S_IFMT == unix.S_IFBLK {
			return nil
		}
		f.logger.Debug().
			Str("device", dev).
			Int("attempt", attempt).
			Msg("device node not present yet")

		if attempt == f.nodeAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(f.nodeInterval):
		}
	}
	return fmt.Errorf("%w: %s", ErrNotReady, dev)
}

// FindMount looks for an existing mount of dev, preferring a discovered
// mount over self-mounting to avoid double-mount races. Signals, in order:
// the system mount table, the well-known auto-mount roots (matched by
// label), and the filesystem mountinfo.
func (f *Finder) FindMount(dev, label string) (string, bool) {
	if mp, ok := f.fromMountTable(dev); ok {
		f.logger.Debug().Str("mountpoint", mp).Msg("found mount in mount table")
		return mp, true
	}
	if mp, ok := f.fromMountRoots(label); ok {
		f.logger.Debug().Str("mountpoint", mp).Msg("found mount under auto-mount root")
		return mp, true
	}
	if mp, ok := f.fromMountinfo(dev); ok {
		f.logger.Debug().Str("mountpoint", mp).Msg("found mount in mountinfo")
		return mp, true
	}
	return "", false
}

// Mount mounts dev at mountpoint with filesystem auto-detection. Used only
// when discovery found nothing.
func (f *Finder) Mount(ctx context.Context, dev, mountpoint string) error {
	if err := os.MkdirAll(mountpoint, 0755); err != nil {
		return fmt.Errorf("create mountpoint: %w", err)
	}
	out, err := exec.CommandContext(ctx, "mount", dev, mountpoint).CombinedOutput()
	if err != nil {
		return fmt.Errorf("mount %s: %w: %s", dev, err, strings.TrimSpace(string(out)))
	}
	return nil
}

// Unmount detaches the filesystem at mountpoint. Already-unmounted paths are
// not an error worth surfacing to callers.
func (f *Finder) Unmount(ctx context.Context, mountpoint string) error {
	out, err := exec.CommandContext(ctx, "umount", mountpoint).CombinedOutput()
	if err != nil {
		return fmt.Errorf("umount %s: %w: %s", mountpoint, err, strings.TrimSpace(string(out)))
	}
	return nil
}

func (f *Finder) fromMountTable(dev string) (string, bool) {
	parts, err := disk.Partitions(true)
	if err != nil {
		return "", false
	}
	for _, p := range parts {
		if p.Device == dev {
			return p.Mountpoint, true
		}
	}
	return "", false
}

func (f *Finder) fromMountRoots(label string) (string, bool) {
	if label == "" {
		return "", false
	}
	for _, root := range f.mountRoots {
		entries, err := os.ReadDir(root)
		if err != nil {
			continue
		}
		for _, e := range entries {
			if !e.IsDir() {
				continue
			}
			// Desktop auto-mounters nest mounts one level deeper
			// (/media/<user>/<label>); check both levels.
			candidate := filepath.Join(root, e.Name())
			if e.Name() == label && IsMountpoint(candidate) {
				return candidate, true
			}
			nested := filepath.Join(candidate, label)
			if IsMountpoint(nested) {
				return nested, true
			}
		}
	}
	return "", false
}

func (f *Finder) fromMountinfo(dev string) (string, bool) {
	file, err := os.Open(f.mountinfoPath)
	if err != nil {
		return "", false
	}
	defer file.Close()
	return MountpointOf(file, dev)
}

// MountpointOf scans mountinfo-formatted data for the mount backed by dev.
func MountpointOf(r io.Reader, dev string) (string, bool) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		// mountinfo: ... mountpoint is field 5 (index 4); the fields after
		// the "-" separator are fstype, source, options.
		sep := -1
		for i, f := range fields {
			if f == "-" {
				sep = i
				break
			}
		}
		if sep < 0 || sep+2 >= len(fields) || len(fields) < 5 {
			continue
		}
		if fields[sep+2] == dev {
			return unescapeMountPath(fields[4]), true
		}
	}
	return "", false
}

// IsMountpoint reports whether path is the root of a mounted filesystem,
// determined by comparing its device id with its parent's.
func IsMountpoint(path string) bool {
	var st, parent unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		return false
	}
	if err := unix.Stat(filepath.Dir(path), &parent); err != nil {
		return false
	}
	return st.Dev != parent.Dev
}

// unescapeMountPath decodes the octal escapes mountinfo uses for spaces and
// other special characters.
func unescapeMountPath(s string) string {
	replacer := strings.NewReplacer(
		`\040`, " ",
		`\011`, "\t",
		`\012`, "\n",
		`\134`, `\`,
	)
	return replacer.Replace(s)
}
