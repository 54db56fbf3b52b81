// Package progress provides the file-backed progress store that jobs write
// and external consumers (touch GUI, status server) poll.
package progress

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"
)

// Status is the lifecycle state of a job as published to consumers.
type Status string

// Transfer job states.
const (
	StatusDetecting       Status = "detecting"
	StatusMounting        Status = "mounting"
	StatusScanning        Status = "scanning"
	StatusChecking        Status = "checking"
	StatusPendingName     Status = "pending_name"
	StatusPendingDecision Status = "pending_decision"
	StatusTransferring    Status = "transferring"
	StatusComplete        Status = "complete"
	StatusAllDuplicates   Status = "all_duplicates"
	StatusCancelled       Status = "cancelled"
	StatusFailed          Status = "failed"
)

// Cloud sync job states. Complete and Failed are shared with transfer jobs.
const (
	StatusSkipped Status = "skipped"
	StatusActive  Status = "active"
)

// Terminal reports whether the status is a job end state.
func (s Status) Terminal() bool {
	switch s {
	case StatusComplete, StatusAllDuplicates, StatusCancelled, StatusFailed, StatusSkipped:
		return true
	default:
		return false
	}
}

// SpeedUnknown is published when the external tool did not report a value.
// The parser never fabricates throughput or ETA figures.
const SpeedUnknown = "unknown"

// Record is a whole snapshot of a job's progress. It is overwritten wholesale
// on every update; there is no history kept in the store.
type Record struct {
	Percent       int            `json:"percent"`
	FilesDone     int            `json:"files_done"`
	FilesTotal    int            `json:"files_total"`
	Speed         string         `json:"speed"`
	ETA           string         `json:"eta"`
	FileTypes     map[string]int `json:"file_types"`
	Status        Status         `json:"status"`
	ExistingFiles int            `json:"existing_files"`
	Message       string         `json:"message"`
	CurrentFile   string         `json:"current_file"`
	Timestamp     time.Time      `json:"timestamp"`
}

// Store publishes Records to a JSON file. Each job owns exactly one Store and
// is its only writer; readers poll the file. Writes go to a temporary file in
// the same directory followed by an atomic rename, so readers never observe a
// partially written snapshot.
type Store struct {
	path       string
	statusPath string
}

// NewStore creates a store publishing to path. If statusPath is non-empty the
// bare status string is mirrored there for consumers that only want the
// one-word state (the legacy GUI reads it).
func NewStore(path, statusPath string) *Store {
	return &Store{path: path, statusPath: statusPath}
}

// Path returns the location of the published JSON snapshot.
func (s *Store) Path() string { return s.path }

// Write publishes a record, stamping it with the current time when the caller
// left Timestamp zero.
func (s *Store) Write(rec Record) error {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}
	if rec.Speed == "" {
		rec.Speed = SpeedUnknown
	}
	if rec.ETA == "" {
		rec.ETA = SpeedUnknown
	}
	if rec.FileTypes == nil {
		rec.FileTypes = map[string]int{}
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}

	if err := atomicWrite(s.path, data); err != nil {
		return err
	}

	if s.statusPath != "" {
		if err := atomicWrite(s.statusPath, []byte(rec.Status)); err != nil {
			return err
		}
	}
	return nil
}

// Read returns the last published record. The second return is false when no
// snapshot exists or the file does not parse; readers treat that as "no new
// information", never as an error.
func (s *Store) Read() (Record, bool) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return Record{}, false
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Record{}, false
	}
	return rec, true
}

// Stale reports whether the last snapshot is older than threshold. A missing
// snapshot is stale.
func (s *Store) Stale(threshold time.Duration) bool {
	rec, ok := s.Read()
	if !ok {
		return true
	}
	return time.Since(rec.Timestamp) > threshold
}

// Clear removes the published files. Called when a source device is ejected
// so the UI returns to its idle state.
func (s *Store) Clear() {
	_ = os.Remove(s.path)
	if s.statusPath != "" {
		_ = os.Remove(s.statusPath)
	}
}

// atomicWrite replaces path with data via a temp file and rename so a reader
// sees either the old content or the new, never a mix.
func atomicWrite(path string, data []byte) (retErr error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	defer func() {
		if retErr != nil {
			_ = os.Remove(tmp.Name())
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	return os.Rename(tmp.Name(), path)
}
