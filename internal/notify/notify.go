// Package notify records job lifecycle notifications for the display layer.
// Notifications append to a JSON-lines file so they survive restarts and can
// be tailed by the status API.
package notify

import (
	"bufio"
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"
)

// Category classifies a notification for the display layer.
type Category string

// Notification categories.
const (
	CategoryStarted  Category = "started"
	CategoryComplete Category = "complete"
	CategoryFailed   Category = "failed"
)

// Event is a single notification.
type Event struct {
	ID       string    `json:"id"`
	Category Category  `json:"category"`
	Title    string    `json:"title"`
	Message  string    `json:"message"`
	Time     time.Time `json:"time"`
}

// Notifier appends and retrieves notifications.
type Notifier interface {
	// Notify records one event. Recording failures are logged, never
	// surfaced: a notification must not fail the job it describes.
	Notify(category Category, title, message string)

	// Tail returns the most recent n events, newest first.
	Tail(n int) []Event
}

type notifier struct {
	path   string
	mu     sync.Mutex
	logger zerolog.Logger
	now    func() time.Time
}

// Option is a functional option for configuring the notifier.
type Option func(*notifier)

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(n *notifier) {
		n.logger = logger
	}
}

// WithClock overrides the time source (used by tests).
func WithClock(now func() time.Time) Option {
	return func(n *notifier) {
		n.now = now
	}
}

// New creates a file-backed notifier appending to path.
func New(path string, opts ...Option) Notifier {
	n := &notifier{
		path:   path,
		logger: zerolog.Nop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Notify records one event.
func (n *notifier) Notify(category Category, title, message string) {
	n.mu.Lock()
	defer n.mu.Unlock()

	now := n.now()
	event := Event{
		ID:       ulid.MustNew(ulid.Timestamp(now), rand.New(rand.NewSource(now.UnixNano()))).String(),
		Category: category,
		Title:    title,
		Message:  message,
		Time:     now,
	}

	if err := n.append(event); err != nil {
		n.logger.Warn().Err(err).Str("title", title).Msg("failed to record notification")
		return
	}

	n.logger.Debug().
		Str("category", string(category)).
		Str("title", title).
		Msg("notification recorded")
}

func (n *notifier) append(event Event) error {
	if err := os.MkdirAll(filepath.Dir(n.path), 0755); err != nil {
		return fmt.Errorf("create notification dir: %w", err)
	}
	f, err := os.OpenFile(n.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("open notification log: %w", err)
	}
	defer f.Close()

	line, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("append notification: %w", err)
	}
	return nil
}

// Tail returns the most recent n events, newest first. Lines that fail to
// decode are skipped, so one corrupt record cannot hide the rest.
func (n *notifier) Tail(count int) []Event {
	n.mu.Lock()
	defer n.mu.Unlock()

	f, err := os.Open(n.path)
	if err != nil {
		return nil
	}
	defer f.Close()

	var events []Event
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		var event Event
		if err := json.Unmarshal(scanner.Bytes(), &event); err != nil {
			continue
		}
		events = append(events, event)
	}

	// Newest first.
	for i, j := 0, len(events)-1; i < j; i, j = i+1, j-1 {
		events[i], events[j] = events[j], events[i]
	}
	if count > 0 && len(events) > count {
		events = events[:count]
	}
	return events
}
