// Package cloudsync drives the scheduled mirror of the backup root to cloud
// storage. A run passes an ordered series of gates before any data moves;
// failing a gate skips the run, which is a normal outcome, not an error.
package cloudsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/pebl-systems/peblsync/internal/config"
	"github.com/pebl-systems/peblsync/internal/device"
	"github.com/pebl-systems/peblsync/internal/lock"
	"github.com/pebl-systems/peblsync/internal/notify"
	"github.com/pebl-systems/peblsync/internal/parse"
	"github.com/pebl-systems/peblsync/internal/progress"
	"github.com/pebl-systems/peblsync/internal/rclone"
	"github.com/pebl-systems/peblsync/internal/scan"
)

// DefaultPollInterval is how often the remote is sampled for progress while
// the sync subprocess runs.
const DefaultPollInterval = 5 * time.Second

// Remote is the cloud storage surface the job needs.
type Remote interface {
	ConfigPresent() bool
	About(ctx context.Context, remote string) (rclone.AboutResult, error)
	Size(ctx context.Context, remote string) (rclone.SizeResult, error)
	Sync(ctx context.Context, opts rclone.SyncOptions, onLine func(string)) error
}

// RemoteInfo is the quota snapshot published for the display layer after a
// successful sync.
type RemoteInfo struct {
	Total     int64     `json:"total"`
	Used      int64     `json:"used"`
	Free      int64     `json:"free"`
	Trashed   int64     `json:"trashed"`
	FileCount int64     `json:"file_count"`
	SyncedAt  time.Time `json:"synced_at"`
}

// Job is one cloud sync invocation.
type Job struct {
	id    string
	force bool

	backupRoot       string
	remote           string
	bandwidthLimit   string
	transfers        int
	checkers         int
	lockPath         string
	transferLockPath string
	schedulePath     string
	remoteInfoPath   string
	pollInterval     time.Duration

	client   Remote
	mounted  func(path string) bool
	store    *progress.Store
	notifier notify.Notifier
	logger   zerolog.Logger
	now      func() time.Time

	lastPercent int
}

// Option is a functional option for configuring the job.
type Option func(*Job)

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(j *Job) {
		j.logger = logger
	}
}

// WithRemote overrides the cloud storage client (used by tests).
func WithRemote(r Remote) Option {
	return func(j *Job) {
		j.client = r
	}
}

// WithNotifier sets the notification sink.
func WithNotifier(n notify.Notifier) Option {
	return func(j *Job) {
		j.notifier = n
	}
}

// WithMountCheck overrides how the backup root is verified to be a mounted
// filesystem (used by tests, whose roots are plain directories).
func WithMountCheck(mounted func(path string) bool) Option {
	return func(j *Job) {
		j.mounted = mounted
	}
}

// WithForce bypasses the schedule gate.
func WithForce(force bool) Option {
	return func(j *Job) {
		j.force = force
	}
}

// WithPollInterval overrides the remote sampling interval (used by tests).
func WithPollInterval(d time.Duration) Option {
	return func(j *Job) {
		j.pollInterval = d
	}
}

// WithClock overrides the time source (used by tests).
func WithClock(now func() time.Time) Option {
	return func(j *Job) {
		j.now = now
	}
}

// NewJob creates a sync job from cfg.
func NewJob(cfg config.Config, opts ...Option) *Job {
	j := &Job{
		backupRoot:       cfg.Paths.BackupRoot,
		remote:           cfg.Sync.Remote,
		bandwidthLimit:   cfg.Sync.BandwidthLimit,
		transfers:        cfg.Sync.Transfers,
		checkers:         cfg.Sync.Checkers,
		lockPath:         cfg.Paths.SyncLockPath(),
		transferLockPath: cfg.Paths.TransferLockPath(),
		schedulePath:     cfg.Paths.SchedulePath(),
		remoteInfoPath:   cfg.Paths.RemoteInfoPath(),
		pollInterval:     DefaultPollInterval,
		client:           rclone.NewClient(),
		mounted:          device.IsMountpoint,
		store:            progress.NewStore(cfg.Paths.SyncStatusPath(), ""),
		notifier:         notify.New(cfg.Paths.NotificationsPath()),
		logger:           zerolog.Nop(),
		now:              time.Now,
	}
	for _, opt := range opts {
		opt(j)
	}
	j.id = ulid.MustNew(ulid.Timestamp(j.now()), rand.New(rand.NewSource(j.now().UnixNano()))).String()
	j.logger = j.logger.With().Str("job", j.id).Str("remote", j.remote).Logger()
	return j
}

// ID returns the job identifier.
func (j *Job) ID() string { return j.id }

// InWindow reports whether hour falls inside the [start, end) sync window.
// A start hour after the end hour means an overnight window that wraps
// midnight.
func InWindow(start, end, hour int) bool {
	if start > end {
		return hour >= start || hour < end
	}
	return hour >= start && hour < end
}

// Run drives the job to a terminal state: Skipped when any gate fails,
// Complete or Failed otherwise. Skipped is a normal outcome with a nil error.
func (j *Job) Run(ctx context.Context) (progress.Status, error) {
	lk, err := lock.Acquire(j.lockPath)
	if err != nil {
		if errors.Is(err, lock.ErrHeld) {
			// Another sync owns the store; do not touch it.
			j.logger.Info().Msg("sync already running, skipping")
			return progress.StatusSkipped, nil
		}
		return progress.StatusFailed, fmt.Errorf("acquire sync lock: %w", err)
	}
	defer lk.Release()

	if lock.Held(j.transferLockPath) {
		return j.skip("transfer in progress"), nil
	}

	schedule := config.LoadSchedule(j.schedulePath)
	if !j.force {
		switch {
		case schedule.Mode == config.ModeDisabled:
			return j.skip("sync disabled"), nil
		case schedule.Mode == config.ModeWindowed &&
			!InWindow(schedule.StartHour, schedule.EndHour, j.now().Hour()):
			return j.skip(fmt.Sprintf("outside sync window %02d:00-%02d:00",
				schedule.StartHour, schedule.EndHour)), nil
		}
	}

	if !j.client.ConfigPresent() {
		return j.skip("cloud storage not configured"), nil
	}

	if info, err := os.Stat(j.backupRoot); err != nil || !info.IsDir() {
		return j.skip("backup storage unavailable"), nil
	}
	// A bare mountpoint directory whose disk is absent would mirror an
	// empty tree and delete the remote copy.
	if !j.mounted(j.backupRoot) {
		return j.skip("backup storage not mounted"), nil
	}

	about, err := j.client.About(ctx, remoteRoot(j.remote))
	if err != nil {
		j.logger.Warn().Err(err).Msg("remote unreachable")
		return j.skip("cloud storage unreachable"), nil
	}

	status, err := j.sync(ctx, about)
	if err != nil {
		j.logger.Error().Err(err).Msg("sync ended")
	} else {
		j.logger.Info().Str("status", string(status)).Msg("sync ended")
	}
	return status, err
}

func (j *Job) sync(ctx context.Context, about rclone.AboutResult) (progress.Status, error) {
	localCount := 0
	if inv, err := scan.Scan(j.backupRoot); err == nil {
		localCount = inv.Count()
	}

	j.write(progress.Record{
		Status:     progress.StatusActive,
		FilesTotal: localCount,
		Message:    "Syncing to cloud storage",
	})
	j.notifier.Notify(notify.CategoryStarted, "Cloud Sync",
		fmt.Sprintf("Syncing %d files to %s", localCount, j.remote))

	parser := parse.New(parse.Rclone(), localCount)
	opts := rclone.SyncOptions{
		Source:         j.backupRoot,
		Remote:         j.remote,
		BandwidthLimit: j.bandwidthLimit,
		Transfers:      j.transfers,
		Checkers:       j.checkers,
	}

	done := make(chan struct{})
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(done)
		return j.client.Sync(gctx, opts, func(line string) {
			// The stat lines drive the current-item display only; percent is
			// derived from the remote census below.
			parser.ParseLine(line)
		})
	})
	g.Go(func() error {
		j.poll(gctx, done, localCount, parser)
		return nil
	})

	if err := g.Wait(); err != nil {
		j.write(progress.Record{
			Status:     progress.StatusFailed,
			FilesTotal: localCount,
			Message:    err.Error(),
		})
		j.notifier.Notify(notify.CategoryFailed, "Cloud Sync", err.Error())
		return progress.StatusFailed, fmt.Errorf("sync to remote: %w", err)
	}

	// The last poll sample may be seconds stale; the post-run census is
	// authoritative.
	final, err := j.client.Size(ctx, j.remote)
	if err != nil {
		j.write(progress.Record{
			Status:     progress.StatusFailed,
			FilesTotal: localCount,
			Message:    err.Error(),
		})
		return progress.StatusFailed, fmt.Errorf("confirm remote size: %w", err)
	}

	j.write(progress.Record{
		Percent:    100,
		FilesDone:  int(final.Count),
		FilesTotal: localCount,
		Status:     progress.StatusComplete,
		Message: fmt.Sprintf("%d files (%s) on remote",
			final.Count, humanize.Bytes(uint64(final.Bytes))),
	})
	j.writeRemoteInfo(about, final)
	j.notifier.Notify(notify.CategoryComplete, "Cloud Sync",
		fmt.Sprintf("%d files synced", final.Count))
	return progress.StatusComplete, nil
}

// poll samples the remote census until the sync subprocess exits.
func (j *Job) poll(ctx context.Context, done <-chan struct{}, localCount int, parser *parse.Parser) {
	ticker := time.NewTicker(j.pollInterval)
	defer ticker.Stop()

	var lastBytes int64
	lastSample := j.now()
	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		size, err := j.client.Size(ctx, j.remote)
		if err != nil {
			// Transient census failures are invisible to consumers; the last
			// record stands.
			j.logger.Debug().Err(err).Msg("remote census failed mid-sync")
			continue
		}

		now := j.now()
		speed := progress.SpeedUnknown
		if elapsed := now.Sub(lastSample).Seconds(); elapsed > 0 && lastBytes > 0 && size.Bytes >= lastBytes {
			speed = humanize.Bytes(uint64(float64(size.Bytes-lastBytes)/elapsed)) + "/s"
		}
		lastBytes = size.Bytes
		lastSample = now

		j.write(progress.Record{
			Percent:     percentOf(size.Count, localCount),
			FilesDone:   int(size.Count),
			FilesTotal:  localCount,
			Speed:       speed,
			Status:      progress.StatusActive,
			Message:     "Syncing to cloud storage",
			CurrentFile: parser.CurrentFile(),
		})
	}
}

func (j *Job) skip(reason string) progress.Status {
	j.logger.Info().Str("reason", reason).Msg("sync skipped")
	j.write(progress.Record{
		Status:  progress.StatusSkipped,
		Message: reason,
	})
	return progress.StatusSkipped
}

func (j *Job) write(rec progress.Record) {
	// Percent never moves backwards: mid-sync the remote census dips while
	// stale objects are deleted before their replacements land, and
	// consumers expect a monotonic gauge.
	if rec.Percent < j.lastPercent {
		rec.Percent = j.lastPercent
	}
	j.lastPercent = rec.Percent

	rec.Timestamp = j.now()
	if err := j.store.Write(rec); err != nil {
		j.logger.Warn().Err(err).Msg("failed to publish sync progress")
	}
}

func (j *Job) writeRemoteInfo(about rclone.AboutResult, size rclone.SizeResult) {
	info := RemoteInfo{
		Total:     about.Total,
		Used:      about.Used,
		Free:      about.Free,
		Trashed:   about.Trashed,
		FileCount: size.Count,
		SyncedAt:  j.now(),
	}
	data, err := json.Marshal(info)
	if err != nil {
		return
	}
	if err := os.WriteFile(j.remoteInfoPath, data, 0644); err != nil {
		j.logger.Warn().Err(err).Msg("failed to publish remote info")
	}
}

// percentOf maps the remote file count onto job percent. An empty local set
// has nothing left to move, so it reads as done.
func percentOf(remoteCount int64, localCount int) int {
	if localCount <= 0 {
		return 100
	}
	pct := int(remoteCount * 100 / int64(localCount))
	if pct > 100 {
		pct = 100
	}
	if pct < 0 {
		pct = 0
	}
	return pct
}

// remoteRoot strips the path from a remote spec so the quota probe targets
// the backend itself.
func remoteRoot(remote string) string {
	for i, r := range remote {
		if r == ':' {
			return remote[:i+1]
		}
	}
	return remote
}
