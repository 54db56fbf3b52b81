// Package decision implements the single-slot rendezvous by which a transfer
// job asks an external actor (the touch GUI) how to handle duplicates, and
// the optional device-reference prompt. The handshake is filesystem based: a
// request file with no matching response means "pending"; a response file
// resolves it; silence past the timeout resolves to the default.
package decision

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Decision is the job-wide duplicate policy chosen by the user.
type Decision string

const (
	// Overwrite allows the copy tool to replace existing destination files.
	Overwrite Decision = "overwrite"
	// Skip instructs the copy tool to never overwrite existing files.
	// It is the default when no answer arrives in time.
	Skip Decision = "skip"
)

// DefaultTimeout bounds how long a job waits for an answer.
const DefaultTimeout = 300 * time.Second

const defaultPollInterval = 500 * time.Millisecond

// Request describes the question posed to the user.
type Request struct {
	Question      string    `json:"question"`
	ExistingFiles int       `json:"existing_files"`
	TotalFiles    int       `json:"total_files"`
	AskedAt       time.Time `json:"asked_at"`
}

// Channel is one rendezvous slot. Exactly one request may be outstanding at
// a time; the job driving the channel guarantees that by protocol.
type Channel struct {
	requestPath  string
	responsePath string
	pollInterval time.Duration
	logger       zerolog.Logger
}

// Option is a functional option for configuring the channel.
type Option func(*Channel)

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(c *Channel) {
		c.logger = logger
	}
}

// WithPollInterval sets how often the channel checks for a response.
func WithPollInterval(d time.Duration) Option {
	return func(c *Channel) {
		c.pollInterval = d
	}
}

// NewChannel creates a channel using the given request/response file paths.
func NewChannel(requestPath, responsePath string, opts ...Option) *Channel {
	c := &Channel{
		requestPath:  requestPath,
		responsePath: responsePath,
		pollInterval: defaultPollInterval,
		logger:       zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Ask posts req and blocks until an answer arrives, the timeout elapses, or
// ctx is cancelled. Timeout and cancellation resolve to Skip. Any stale
// response left over from an earlier job is cleared before the request is
// posted so it cannot leak into this one, and both signal files are removed
// once resolved so a late answer cannot leak into a future job.
func (c *Channel) Ask(ctx context.Context, req Request, timeout time.Duration) (Decision, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	_ = os.Remove(c.responsePath)
	defer c.clear()

	req.AskedAt = time.Now()
	if err := c.writeRequest(req); err != nil {
		return Skip, err
	}

	answer, ok := c.await(ctx, timeout)
	if !ok {
		c.logger.Info().
			Dur("timeout", timeout).
			Msg("no decision received, defaulting to skip")
		return Skip, nil
	}

	switch Decision(strings.ToLower(answer)) {
	case Overwrite:
		return Overwrite, nil
	case Skip:
		return Skip, nil
	default:
		c.logger.Warn().Str("answer", answer).Msg("unrecognized decision, defaulting to skip")
		return Skip, nil
	}
}

// AskName posts a device-reference prompt and returns the name the user
// supplied, or "" when none arrives in time (callers fall back to the
// device label). The handshake is identical to Ask.
func (c *Channel) AskName(ctx context.Context, req Request, timeout time.Duration) (string, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	_ = os.Remove(c.responsePath)
	defer c.clear()

	req.AskedAt = time.Now()
	if err := c.writeRequest(req); err != nil {
		return "", err
	}

	answer, ok := c.await(ctx, timeout)
	if !ok {
		return "", nil
	}
	return sanitizeName(answer), nil
}

// Pending reports whether a request is posted with no response yet.
func (c *Channel) Pending() bool {
	if _, err := os.Stat(c.requestPath); err != nil {
		return false
	}
	_, err := os.Stat(c.responsePath)
	return err != nil
}

func (c *Channel) writeRequest(req Request) error {
	if err := os.MkdirAll(filepath.Dir(c.requestPath), 0750); err != nil {
		return err
	}
	data, err := json.Marshal(req)
	if err != nil {
		return err
	}
	return os.WriteFile(c.requestPath, data, 0640)
}

// await polls for the response file until it appears or the wait ends.
func (c *Channel) await(ctx context.Context, timeout time.Duration) (string, bool) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	tick := time.NewTicker(c.pollInterval)
	defer tick.Stop()

	for {
		if data, err := os.ReadFile(c.responsePath); err == nil {
			return strings.TrimSpace(string(data)), true
		}
		select {
		case <-ctx.Done():
			return "", false
		case <-deadline.C:
			return "", false
		case <-tick.C:
		}
	}
}

// clear removes both signal files so the slot is free for the next job.
func (c *Channel) clear() {
	_ = os.Remove(c.requestPath)
	_ = os.Remove(c.responsePath)
}

// sanitizeName strips characters that would break the destination folder
// name out of a user-supplied device reference.
func sanitizeName(name string) string {
	name = strings.TrimSpace(name)
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '-' || r == '_':
			return r
		case r == ' ':
			return '_'
		default:
			return -1
		}
	}, name)
}
