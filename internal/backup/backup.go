// Package backup drives the local transfer job: one inserted source device
// copied into a timestamped destination folder, with duplicate detection and
// a user decision gate in between. Exactly one job runs at a time; a second
// invocation fails fast without touching the active job's published state.
package backup

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/pebl-systems/peblsync/internal/config"
	"github.com/pebl-systems/peblsync/internal/decision"
	"github.com/pebl-systems/peblsync/internal/device"
	"github.com/pebl-systems/peblsync/internal/lock"
	"github.com/pebl-systems/peblsync/internal/notify"
	"github.com/pebl-systems/peblsync/internal/parse"
	"github.com/pebl-systems/peblsync/internal/progress"
	"github.com/pebl-systems/peblsync/internal/rsync"
	"github.com/pebl-systems/peblsync/internal/scan"
)

// ErrBusy is returned when another transfer job holds the lock.
var ErrBusy = errors.New("another transfer is already running")

// histogramSize bounds the published file-type breakdown.
const histogramSize = 5

// Mounter locates the source filesystem for a device.
type Mounter interface {
	WaitForNode(ctx context.Context, dev string) error
	FindMount(dev, label string) (string, bool)
	Mount(ctx context.Context, dev, mountpoint string) error
	Unmount(ctx context.Context, mountpoint string) error
}

// Copier runs the external copy tool.
type Copier interface {
	Run(ctx context.Context, cmd rsync.Command, onLine func(string)) error
}

// Job is one transfer of an inserted device into the backup root.
type Job struct {
	id     string
	device string
	label  string

	backupRoot      string
	fallbackMount   string
	lockPath        string
	decisionTimeout time.Duration
	promptForName   bool

	mounter  Mounter
	copier   Copier
	mounted  func(path string) bool
	store    *progress.Store
	channel  *decision.Channel
	notifier notify.Notifier
	logger   zerolog.Logger
	now      func() time.Time

	// published with every record so partial snapshots stay coherent
	filesTotal  int
	existing    int
	fileTypes   map[string]int
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

// WithMounter overrides source mount discovery (used by tests).
func WithMounter(m Mounter) Option {
	return func(j *Job) {
		j.mounter = m
	}
}

// WithCopier overrides the copy tool (used by tests).
func WithCopier(c Copier) Option {
	return func(j *Job) {
		j.copier = c
	}
}

// WithMountCheck overrides how the backup root is verified to be a mounted
// filesystem (used by tests, whose roots are plain directories).
func WithMountCheck(mounted func(path string) bool) Option {
	return func(j *Job) {
		j.mounted = mounted
	}
}

// WithNotifier sets the notification sink.
func WithNotifier(n notify.Notifier) Option {
	return func(j *Job) {
		j.notifier = n
	}
}

// WithPromptForName enables the device-reference prompt before the copy.
func WithPromptForName(prompt bool) Option {
	return func(j *Job) {
		j.promptForName = prompt
	}
}

// WithClock overrides the time source (used by tests).
func WithClock(now func() time.Time) Option {
	return func(j *Job) {
		j.now = now
	}
}

// NewJob creates a transfer job for dev, labeled for the destination folder
// name. The job publishes its progress to the store derived from cfg.
func NewJob(cfg config.Config, dev, label string, opts ...Option) *Job {
	j := &Job{
		device:          dev,
		label:           label,
		backupRoot:      cfg.Paths.BackupRoot,
		fallbackMount:   cfg.Transfer.FallbackMount,
		lockPath:        cfg.Paths.TransferLockPath(),
		decisionTimeout: cfg.Transfer.DecisionTimeout,
		mounter:         device.NewFinder(device.WithMountRoots(cfg.Transfer.MountRoots)),
		copier:          rsync.NewRunner(),
		mounted:         device.IsMountpoint,
		store:           progress.NewStore(cfg.Paths.ProgressPath(), cfg.Paths.StatusPath()),
		channel: decision.NewChannel(
			cfg.Paths.DecisionPath()+".request",
			cfg.Paths.DecisionPath(),
		),
		notifier: notify.New(cfg.Paths.NotificationsPath()),
		logger:   zerolog.Nop(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(j)
	}
	j.id = ulid.MustNew(ulid.Timestamp(j.now()), rand.New(rand.NewSource(j.now().UnixNano()))).String()
	j.logger = j.logger.With().Str("job", j.id).Str("device", dev).Logger()
	return j
}

// ID returns the job identifier.
func (j *Job) ID() string { return j.id }

// Run drives the job to a terminal state. The returned status is always
// terminal; err is non-nil only for Failed and for lock contention. Lock
// contention returns ErrBusy without writing any progress record, so the
// active job's published state is never clobbered.
func (j *Job) Run(ctx context.Context) (progress.Status, error) {
	lk, err := lock.Acquire(j.lockPath)
	if err != nil {
		if errors.Is(err, lock.ErrHeld) {
			return progress.StatusFailed, ErrBusy
		}
		return progress.StatusFailed, fmt.Errorf("acquire transfer lock: %w", err)
	}
	defer lk.Release()

	status, err := j.run(ctx)
	if err != nil {
		j.logger.Error().Err(err).Str("status", string(status)).Msg("transfer ended")
	} else {
		j.logger.Info().Str("status", string(status)).Msg("transfer ended")
	}
	return status, err
}

func (j *Job) run(ctx context.Context) (progress.Status, error) {
	j.publish(progress.StatusDetecting, "Waiting for device", 0, "")

	// Destination must be in place before anything touches the source. A
	// bare mountpoint directory whose disk is absent would read as an empty
	// destination and route the copy onto the root filesystem.
	if info, err := os.Stat(j.backupRoot); err != nil || !info.IsDir() {
		return j.fail(fmt.Errorf("backup root unavailable: %s", j.backupRoot))
	}
	if !j.mounted(j.backupRoot) {
		return j.fail(fmt.Errorf("backup root not mounted: %s", j.backupRoot))
	}

	if err := j.mounter.WaitForNode(ctx, j.device); err != nil {
		if ctx.Err() != nil {
			return j.cancelled()
		}
		return j.fail(fmt.Errorf("wait for device: %w", err))
	}

	j.publish(progress.StatusMounting, "Mounting device", 0, "")
	source, ok := j.mounter.FindMount(j.device, j.label)
	if !ok {
		if err := j.mounter.Mount(ctx, j.device, j.fallbackMount); err != nil {
			if ctx.Err() != nil {
				return j.cancelled()
			}
			return j.fail(fmt.Errorf("mount device: %w", err))
		}
		source = j.fallbackMount
		// A mount we established ourselves is ours to tear down, on every
		// exit path, so the device can be pulled safely afterwards.
		defer func() {
			if err := j.mounter.Unmount(context.Background(), j.fallbackMount); err != nil {
				j.logger.Warn().Err(err).Msg("failed to unmount source")
			}
		}()
	}
	j.logger.Info().Str("source", source).Msg("source mounted")

	j.publish(progress.StatusScanning, "Scanning files", 0, "")
	inv, err := scan.Scan(source)
	if err != nil {
		return j.fail(fmt.Errorf("scan source: %w", err))
	}
	j.filesTotal = inv.Count()
	j.fileTypes = inv.TypeHistogram(histogramSize)
	j.logger.Info().
		Int("files", j.filesTotal).
		Str("size", humanize.Bytes(uint64(inv.TotalBytes))).
		Msg("source scanned")

	name := j.label
	if j.promptForName {
		j.publish(progress.StatusPendingName, "Waiting for device name", 0, "")
		answer, err := j.channel.AskName(ctx, decision.Request{
			Question:   "Name this device",
			TotalFiles: j.filesTotal,
		}, j.decisionTimeout)
		if err != nil {
			return j.fail(fmt.Errorf("ask device name: %w", err))
		}
		if ctx.Err() != nil {
			return j.cancelled()
		}
		if answer != "" {
			name = answer
		}
	}

	j.publish(progress.StatusChecking, "Checking for duplicates", 0, "")
	j.existing = scan.CountDuplicates(inv.Files, j.backupRoot)

	if j.existing == j.filesTotal {
		// Nothing new on the device; the copy tool is never invoked.
		j.publish(progress.StatusAllDuplicates,
			fmt.Sprintf("All %d files already backed up", j.filesTotal), 100, "")
		j.notifier.Notify(notify.CategoryComplete, "USB Transfer",
			fmt.Sprintf("%s: all %d files already backed up", name, j.filesTotal))
		return progress.StatusAllDuplicates, nil
	}

	mode := rsync.ModeOverwrite
	if j.existing > 0 {
		j.publish(progress.StatusPendingDecision,
			fmt.Sprintf("%d of %d files already exist", j.existing, j.filesTotal), 0, "")
		answer, err := j.channel.Ask(ctx, decision.Request{
			Question:      "Some files already exist. Overwrite them?",
			ExistingFiles: j.existing,
			TotalFiles:    j.filesTotal,
		}, j.decisionTimeout)
		if err != nil {
			return j.fail(fmt.Errorf("ask duplicate decision: %w", err))
		}
		if ctx.Err() != nil {
			return j.cancelled()
		}
		if answer == decision.Skip {
			mode = rsync.ModeSkip
		}
	}

	dest := filepath.Join(j.backupRoot, fmt.Sprintf("%s_%s", name, j.now().Format("20060102_150405")))
	if err := os.MkdirAll(dest, 0755); err != nil {
		return j.fail(fmt.Errorf("create destination: %w", err))
	}

	j.notifier.Notify(notify.CategoryStarted, "USB Transfer",
		fmt.Sprintf("Copying %d files from %s", j.filesTotal, name))
	j.publish(progress.StatusTransferring, "Transferring files", 0, "")

	parser := parse.New(parse.Rsync(), j.filesTotal)
	err = j.copier.Run(ctx, rsync.Command{Source: source, Dest: dest, Mode: mode}, func(line string) {
		u, emit := parser.ParseLine(line)
		if !emit {
			return
		}
		j.publishUpdate(u)
	})
	if err != nil {
		if ctx.Err() != nil {
			return j.cancelled()
		}
		j.notifier.Notify(notify.CategoryFailed, "USB Transfer",
			fmt.Sprintf("%s: copy failed", name))
		return j.fail(fmt.Errorf("copy files: %w", err))
	}
	if ctx.Err() != nil {
		return j.cancelled()
	}

	j.store.Write(j.record(progress.StatusComplete,
		fmt.Sprintf("Transferred %d files", j.filesTotal), 100, ""))
	j.notifier.Notify(notify.CategoryComplete, "USB Transfer",
		fmt.Sprintf("%s: %d files transferred", name, j.filesTotal))
	return progress.StatusComplete, nil
}

func (j *Job) fail(err error) (progress.Status, error) {
	j.publish(progress.StatusFailed, err.Error(), j.lastPercent, "")
	return progress.StatusFailed, err
}

func (j *Job) cancelled() (progress.Status, error) {
	j.publish(progress.StatusCancelled, "Transfer cancelled", j.lastPercent, "")
	j.notifier.Notify(notify.CategoryFailed, "USB Transfer", "Transfer cancelled")
	return progress.StatusCancelled, nil
}

// publishUpdate folds a parser update into a published record. Percent never
// moves backwards: the copy tool occasionally restarts its accounting and
// consumers expect a monotonic gauge.
func (j *Job) publishUpdate(u parse.Update) {
	if u.Percent < j.lastPercent {
		u.Percent = j.lastPercent
	}
	rec := j.record(progress.StatusTransferring, "Transferring files", u.Percent, u.CurrentFile)
	rec.FilesDone = u.FilesDone
	rec.Speed = u.Speed
	rec.ETA = u.ETA
	j.write(rec)
}

func (j *Job) publish(status progress.Status, message string, percent int, currentFile string) {
	j.write(j.record(status, message, percent, currentFile))
}

func (j *Job) record(status progress.Status, message string, percent int, currentFile string) progress.Record {
	if percent < j.lastPercent {
		percent = j.lastPercent
	}
	rec := progress.Record{
		Percent:       percent,
		FilesTotal:    j.filesTotal,
		FileTypes:     j.fileTypes,
		Status:        status,
		ExistingFiles: j.existing,
		Message:       message,
		CurrentFile:   currentFile,
		Timestamp:     j.now(),
	}
	if status == progress.StatusComplete || status == progress.StatusAllDuplicates {
		rec.FilesDone = j.filesTotal
	}
	return rec
}

func (j *Job) write(rec progress.Record) {
	j.lastPercent = rec.Percent
	if err := j.store.Write(rec); err != nil {
		j.logger.Warn().Err(err).Msg("failed to publish progress")
	}
}
