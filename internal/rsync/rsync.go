// Package rsync drives the external copy tool as a black-box subprocess and
// streams its output lines to the caller.
package rsync

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"

	"github.com/rs/zerolog"
)

// Mode is the job-wide overwrite policy passed to the copy tool.
type Mode string

const (
	// ModeOverwrite allows existing destination files to be replaced.
	ModeOverwrite Mode = "overwrite"
	// ModeSkip never overwrites existing destination files.
	ModeSkip Mode = "skip"
)

// Partial-success exit codes: some files could not be transferred or
// vanished mid-run, but data was copied. Treated as success.
const (
	exitPartialTransfer = 23
	exitFilesVanished   = 24
)

// ExitError reports a copy tool failure with the tool's exit code attached
// for diagnostics.
type ExitError struct {
	Code int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("copy tool exited with code %d", e.Code)
}

// Command describes one copy invocation.
type Command struct {
	Source string
	Dest   string
	Mode   Mode
}

// Runner invokes the copy tool.
type Runner struct {
	binary string
	logger zerolog.Logger
}

// Option is a functional option for configuring the runner.
type Option func(*Runner)

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(r *Runner) {
		r.logger = logger
	}
}

// WithBinary overrides the copy tool binary (used by tests).
func WithBinary(path string) Option {
	return func(r *Runner) {
		r.binary = path
	}
}

// NewRunner creates a copy tool runner.
func NewRunner(opts ...Option) *Runner {
	r := &Runner{
		binary: "rsync",
		logger: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Args returns the argv for cmd, exported so tests can assert the exact
// invocation.
func Args(cmd Command) []string {
	args := []string{"-rt", "--info=progress2"}
	if cmd.Mode == ModeSkip {
		args = append(args, "--ignore-existing")
	}
	// Trailing slash: copy the source's contents, not the source dir itself.
	args = append(args, cmd.Source+"/", cmd.Dest+"/")
	return args
}

// Run executes the copy, delivering each output line to onLine as it
// arrives. Exit code 0 and the partial-success codes are success; any other
// exit returns an *ExitError.
func (r *Runner) Run(ctx context.Context, cmd Command, onLine func(string)) error {
	args := Args(cmd)
	r.logger.Info().
		Str("source", cmd.Source).
		Str("dest", cmd.Dest).
		Str("mode", string(cmd.Mode)).
		Msg("starting copy")

	proc := exec.CommandContext(ctx, r.binary, args...)
	stdout, err := proc.StdoutPipe()
	if err != nil {
		return fmt.Errorf("pipe copy output: %w", err)
	}
	proc.Stderr = proc.Stdout

	if err := proc.Start(); err != nil {
		return fmt.Errorf("start copy tool: %w", err)
	}

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		if onLine != nil {
			onLine(scanner.Text())
		}
	}
	if scanErr := scanner.Err(); scanErr != nil {
		// An oversized or torn line ends the streaming, not the copy. Drain
		// the pipe so the tool is not blocked writing into it.
		r.logger.Warn().Err(scanErr).Msg("copy output truncated")
		_, _ = io.Copy(io.Discard, stdout)
	}

	err = proc.Wait()
	if err == nil {
		return nil
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		code := exitErr.ExitCode()
		if code == exitPartialTransfer || code == exitFilesVanished {
			r.logger.Warn().Int("code", code).Msg("copy finished with per-file errors")
			return nil
		}
		return &ExitError{Code: code}
	}
	return fmt.Errorf("copy tool: %w", err)
}
