// internal/state/journal.go
package state

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Entry kinds.
const (
	KindDirective  = "directive"
	KindDropped    = "dropped"
	KindConnection = "connection"
)

// Entry is one line of the activity journal.
type Entry struct {
	Seq             int64     `json:"seq"`
	Time            time.Time `json:"time"`
	Kind            string    `json:"kind"`
	Type            string    `json:"type,omitempty"`
	DialogRequestID string    `json:"dialog_request_id,omitempty"`
	MessageID       string    `json:"message_id,omitempty"`
	Result          string    `json:"result,omitempty"`
}

// Journal is a JSONL-backed append-only activity log stored in
// <root>/journal.jsonl.
type Journal struct {
	path string
	now  func() time.Time

	mu     sync.Mutex
	seq    int64
	loaded bool
}

// NewJournal creates a file-backed Journal rooted at the given directory.
func NewJournal(root string) *Journal {
	return &Journal{
		path: filepath.Join(root, "journal.jsonl"),
		now:  time.Now,
	}
}

// count reads the journal and counts lines. Caller must hold the lock.
func (j *Journal) count() (int64, error) {
	f, err := os.Open(j.path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("open journal: %w", err)
	}
	defer f.Close()

	var count int64
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		count++
	}
	if err := scanner.Err(); err != nil {
		return 0, fmt.Errorf("scan journal: %w", err)
	}
	return count, nil
}

// Append adds entry with the next sequence number, stamping Time if unset.
func (j *Journal) Append(_ context.Context, entry *Entry) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if !j.loaded {
		n, err := j.count()
		if err != nil {
			return err
		}
		j.seq = n
		j.loaded = true
	}

	if err := os.MkdirAll(filepath.Dir(j.path), 0o755); err != nil {
		return fmt.Errorf("create journal dir: %w", err)
	}

	entry.Seq = j.seq + 1
	if entry.Time.IsZero() {
		entry.Time = j.now()
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal entry: %w", err)
	}

	f, err := os.OpenFile(j.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write entry: %w", err)
	}
	j.seq = entry.Seq
	return nil
}

// Tail returns the last limit entries, oldest first.
func (j *Journal) Tail(_ context.Context, limit int) ([]*Entry, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	f, err := os.Open(j.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open journal: %w", err)
	}
	defer f.Close()

	var entries []*Entry
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var entry Entry
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			return nil, fmt.Errorf("unmarshal entry: %w", err)
		}
		entries = append(entries, &entry)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan journal: %w", err)
	}

	if limit > 0 && len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}
	return entries, nil
}

// Count returns the number of entries.
func (j *Journal) Count(_ context.Context) (int64, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.count()
}
