// Package rclone drives the external cloud sync tool as a black-box
// subprocess. The tool is never linked in: sync streams its progress output
// to the caller, and the JSON query commands (size, about) are parsed from
// captured stdout.
package rclone

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"

	"github.com/rs/zerolog"
)

// Excluded patterns: local housekeeping artifacts that must never reach the
// remote.
var defaultExcludes = []string{
	".Trash-*/**",
	"lost+found/**",
	"*.partial",
	"*.tmp",
}

// SyncOptions tune one sync invocation.
type SyncOptions struct {
	// Source is the local directory to mirror.
	Source string
	// Remote is the rclone remote spec, e.g. "gdrive:pebl-backups".
	Remote string
	// BandwidthLimit caps throughput, in rclone's --bwlimit syntax
	// ("8M", "off"). Empty means no cap.
	BandwidthLimit string
	// Transfers and Checkers bound parallelism; zero keeps the tool default.
	Transfers int
	Checkers  int
}

// SizeResult is the remote object census from `rclone size --json`.
type SizeResult struct {
	Count int64 `json:"count"`
	Bytes int64 `json:"bytes"`
}

// AboutResult is the remote quota snapshot from `rclone about --json`.
// Fields the backend does not report come back as zero.
type AboutResult struct {
	Total   int64 `json:"total"`
	Used    int64 `json:"used"`
	Free    int64 `json:"free"`
	Trashed int64 `json:"trashed"`
}

// ExitError reports a sync tool failure with its exit code attached.
type ExitError struct {
	Code int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("sync tool exited with code %d", e.Code)
}

// Client invokes the cloud sync tool.
type Client struct {
	binary     string
	configPath string
	logger     zerolog.Logger
}

// Option is a functional option for configuring the client.
type Option func(*Client)

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithBinary overrides the sync tool binary (used by tests).
func WithBinary(path string) Option {
	return func(c *Client) {
		c.binary = path
	}
}

// WithConfigPath sets the tool config file consulted by ConfigPresent.
func WithConfigPath(path string) Option {
	return func(c *Client) {
		c.configPath = path
	}
}

// NewClient creates a sync tool client.
func NewClient(opts ...Option) *Client {
	c := &Client{
		binary: "rclone",
		logger: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.configPath == "" {
		home, err := os.UserHomeDir()
		if err == nil {
			c.configPath = filepath.Join(home, ".config", "rclone", "rclone.conf")
		}
	}
	return c
}

// ConfigPresent reports whether the tool has a config file to authenticate
// with. A missing config means the remote was never set up on this host.
func (c *Client) ConfigPresent() bool {
	info, err := os.Stat(c.configPath)
	return err == nil && !info.IsDir()
}

// SyncArgs returns the argv for opts, exported so tests can assert the exact
// invocation.
func SyncArgs(opts SyncOptions) []string {
	args := []string{"sync", opts.Source, opts.Remote, "--progress", "--stats", "1s"}
	for _, pattern := range defaultExcludes {
		args = append(args, "--exclude", pattern)
	}
	if opts.BandwidthLimit != "" {
		args = append(args, "--bwlimit", opts.BandwidthLimit)
	}
	if opts.Transfers > 0 {
		args = append(args, "--transfers", strconv.Itoa(opts.Transfers))
	}
	if opts.Checkers > 0 {
		args = append(args, "--checkers", strconv.Itoa(opts.Checkers))
	}
	return args
}

// Sync mirrors opts.Source to opts.Remote, delivering each progress output
// line to onLine as it arrives. A non-zero exit returns an *ExitError.
func (c *Client) Sync(ctx context.Context, opts SyncOptions, onLine func(string)) error {
	args := SyncArgs(opts)
	c.logger.Info().
		Str("source", opts.Source).
		Str("remote", opts.Remote).
		Msg("starting cloud sync")

	proc := exec.CommandContext(ctx, c.binary, args...)
	stdout, err := proc.StdoutPipe()
	if err != nil {
		return fmt.Errorf("pipe sync output: %w", err)
	}
	proc.Stderr = proc.Stdout

	if err := proc.Start(); err != nil {
		return fmt.Errorf("start sync tool: %w", err)
	}

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		if onLine != nil {
			onLine(scanner.Text())
		}
	}
	if scanErr := scanner.Err(); scanErr != nil {
		// An oversized or torn line ends the streaming, not the sync. Drain
		// the pipe so the tool is not blocked writing into it.
		c.logger.Warn().Err(scanErr).Msg("sync output truncated")
		_, _ = io.Copy(io.Discard, stdout)
	}

	err = proc.Wait()
	if err == nil {
		return nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return &ExitError{Code: exitErr.ExitCode()}
	}
	return fmt.Errorf("sync tool: %w", err)
}

// Size returns the object count and total bytes currently on remote.
func (c *Client) Size(ctx context.Context, remote string) (SizeResult, error) {
	var result SizeResult
	if err := c.queryJSON(ctx, &result, "size", remote, "--json"); err != nil {
		return SizeResult{}, fmt.Errorf("query remote size: %w", err)
	}
	return result, nil
}

// About probes remote connectivity and returns its quota snapshot. It doubles
// as the reachability check before a sync: an unreachable or misconfigured
// remote fails here instead of mid-transfer.
func (c *Client) About(ctx context.Context, remote string) (AboutResult, error) {
	var result AboutResult
	if err := c.queryJSON(ctx, &result, "about", remote, "--json"); err != nil {
		return AboutResult{}, fmt.Errorf("query remote quota: %w", err)
	}
	return result, nil
}

func (c *Client) queryJSON(ctx context.Context, out any, args ...string) error {
	proc := exec.CommandContext(ctx, c.binary, args...)
	raw, err := proc.Output()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return &ExitError{Code: exitErr.ExitCode()}
		}
		return err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode tool output: %w", err)
	}
	return nil
}
