// =============================================================================
// lbrxserve request journal
// =============================================================================
// Durable request log backing crash recovery. Every generation request is
// written to disk before it is served; state transitions rename the file so
// the directory layout alone answers "what was in flight when we died".
//
//   <dir>/<id>.json             pending or processing
//   <dir>/completed/<id>.json   served successfully
//   <dir>/failed/<id>-<ts>.json failed, timestamped so retries never clash
// =============================================================================
package journal

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// Status is the lifecycle state of a journal entry.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Entry is one journaled request. Headers are stored redacted; the
// Authorization value never reaches disk. Model is derived from the request
// body when present, and Retry counts replay attempts.
type Entry struct {
	ID        string            `json:"id"`
	Method    string            `json:"method"`
	Path      string            `json:"path"`
	Model     string            `json:"model,omitempty"`
	Retry     int               `json:"retry"`
	Headers   map[string]string `json:"headers,omitempty"`
	Body      json.RawMessage   `json:"body,omitempty"`
	Status    Status            `json:"status"`
	Error     string            `json:"error,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// Queue is a directory-backed journal. Safe for concurrent use.
type Queue struct {
	dir string
	mu  sync.Mutex
}

// NewQueue creates the journal directories under dir.
func NewQueue(dir string) (*Queue, error) {
	for _, d := range []string{dir, filepath.Join(dir, "completed"), filepath.Join(dir, "failed")} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create journal dir: %w", err)
		}
	}
	return &Queue{dir: dir}, nil
}

// Dir returns the journal root.
func (q *Queue) Dir() string { return q.dir }

func (q *Queue) queuePath(id string) string {
	return filepath.Join(q.dir, id+".json")
}

// Add journals a new pending entry. The write is atomic: the entry lands
// under a temp name and is renamed into place. If an entry with the same id
// is already queued, its retry counter and creation time carry over, so a
// replayed request keeps its history.
func (q *Queue) Add(e *Entry) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := time.Now().UTC()
	e.Status = StatusPending
	e.CreatedAt = now
	e.UpdatedAt = now
	if prev, err := q.readLocked(e.ID); err == nil {
		e.Retry = prev.Retry
		e.CreatedAt = prev.CreatedAt
	}
	return q.writeLocked(q.queuePath(e.ID), e)
}

// IncrementRetry bumps the retry counter of a queued entry in place.
func (q *Queue) IncrementRetry(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, err := q.readLocked(id)
	if err != nil {
		return err
	}
	e.Retry++
	e.UpdatedAt = time.Now().UTC()
	return q.writeLocked(q.queuePath(id), e)
}

func (q *Queue) writeLocked(path string, e *Entry) error {
	data, err := json.MarshalIndent(e, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode journal entry: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write journal entry: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to commit journal entry: %w", err)
	}
	return nil
}

func (q *Queue) readLocked(id string) (*Entry, error) {
	data, err := os.ReadFile(q.queuePath(id))
	if err != nil {
		return nil, fmt.Errorf("journal entry %s: %w", id, err)
	}
	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("journal entry %s is corrupt: %w", id, err)
	}
	return &e, nil
}

// MarkProcessing transitions a pending entry to processing in place.
func (q *Queue) MarkProcessing(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, err := q.readLocked(id)
	if err != nil {
		return err
	}
	e.Status = StatusProcessing
	e.UpdatedAt = time.Now().UTC()
	return q.writeLocked(q.queuePath(id), e)
}

// MarkCompleted moves the entry into completed/.
func (q *Queue) MarkCompleted(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, err := q.readLocked(id)
	if err != nil {
		return err
	}
	e.Status = StatusCompleted
	e.UpdatedAt = time.Now().UTC()
	dest := filepath.Join(q.dir, "completed", id+".json")
	if err := q.writeLocked(dest, e); err != nil {
		return err
	}
	return os.Remove(q.queuePath(id))
}

// MarkFailed moves the entry into failed/ with a timestamped name.
func (q *Queue) MarkFailed(id, reason string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, err := q.readLocked(id)
	if err != nil {
		return err
	}
	e.Status = StatusFailed
	e.Error = reason
	e.UpdatedAt = time.Now().UTC()
	dest := filepath.Join(q.dir, "failed",
		fmt.Sprintf("%s-%d.json", id, time.Now().Unix()))
	if err := q.writeLocked(dest, e); err != nil {
		return err
	}
	return os.Remove(q.queuePath(id))
}

// LoadPending returns every entry still in the queue directory, oldest
// first. Both pending and processing entries qualify: a processing entry
// means the server died mid-request. Corrupt files are skipped.
func (q *Queue) LoadPending() ([]*Entry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	names, err := filepath.Glob(filepath.Join(q.dir, "*.json"))
	if err != nil {
		return nil, err
	}
	var out []*Entry
	for _, name := range names {
		if strings.HasSuffix(name, ".tmp") {
			continue
		}
		data, err := os.ReadFile(name)
		if err != nil {
			continue
		}
		var e Entry
		if err := json.Unmarshal(data, &e); err != nil {
			continue
		}
		if e.Status == StatusPending || e.Status == StatusProcessing {
			e := e
			out = append(out, &e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}
