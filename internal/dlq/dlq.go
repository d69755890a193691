// Package dlq implements the persistent, at-least-once dead-letter queue
// (C3): a set of failed operations retried with exponential backoff
// until either a retry succeeds or max_attempts is exhausted and the entry
// is abandoned for operator inspection.
package dlq

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Status is one of the states named in spec.md §3 DLQ Entry.
type Status string

const (
	Pending  Status = "PENDING"
	Retrying Status = "RETRYING"
	Abandoned Status = "ABANDONED"
)

// Entry is a single dead-letter record (§3).
type Entry struct {
	OperationID     string         `json:"operation_id"`
	OperationType   string         `json:"operation_type"`
	Context         map[string]any `json:"context"`
	ErrorText       string         `json:"error_text"`
	Attempt         int            `json:"attempt"`
	MaxAttempts     int            `json:"max_attempts"`
	NextAttemptAt   time.Time      `json:"next_attempt_at"`
	CreatedAt       time.Time      `json:"created_at"`
	LastAttemptAt   time.Time      `json:"last_attempt_at"`
	Status          Status         `json:"status"`
}

// Stats summarizes the queue's current contents (§4.3 get_stats).
type Stats struct {
	Pending        int
	Retrying       int
	Abandoned      int
	OldestPendingAge time.Duration
}

// RetryFunc performs the actual retry attempt for an operation_type. A nil
// return indicates success; the entry is then removed from the queue.
type RetryFunc func(ctx context.Context, e Entry) error

// Config configures backoff and persistence for a Queue.
type Config struct {
	Base        time.Duration
	MaxBackoff  time.Duration
	MaxAttempts int
	Jitter      bool
	Path        string
}

// DefaultConfig mirrors the §6 defaults relevant to the DLQ
// (DLQ_RETRY_INTERVAL_S governs the auto-retry loop, not these fields).
func DefaultConfig(path string) Config {
	return Config{Base: time.Second, MaxBackoff: time.Minute, MaxAttempts: 5, Jitter: false, Path: path}
}

// Queue is the dead-letter queue. All mutation is serialized under a single
// lock per spec.md §5 ("one lock for the whole queue during add and
// process_due"); each state change is flushed to disk under the same lock.
type Queue struct {
	mu       sync.Mutex
	cfg      Config
	entries  map[string]*Entry
	handlers map[string]RetryFunc

	cluster    *ClusterStatsCache
	instanceID string

	stopCh chan struct{}
	doneCh chan struct{}
}

// New constructs a Queue and loads any existing persisted state from
// cfg.Path. Entries found in RETRYING are promoted back to PENDING (§4.3:
// "on startup... entries in RETRYING are promoted back to PENDING" — a
// RETRYING entry mid-attempt at process-exit time has no way to know if its
// last attempt actually landed, so it is treated as not yet retried).
func New(cfg Config) (*Queue, error) {
	q := &Queue{cfg: cfg, entries: make(map[string]*Entry), handlers: make(map[string]RetryFunc)}
	if cfg.Path != "" {
		if err := q.load(); err != nil {
			return nil, err
		}
	}
	return q, nil
}

// RegisterHandler binds a RetryFunc to an operation_type. process_due looks
// up the handler for an entry's operation_type; an entry whose type has no
// registered handler is skipped (left PENDING) until one is registered.
func (q *Queue) RegisterHandler(operationType string, fn RetryFunc) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[operationType] = fn
}

// Add appends a new PENDING entry with attempt=0 and a computed
// next_attempt_at (immediate: now, since the first attempt has not yet been
// made). operationID, when empty, is generated.
func (q *Queue) Add(operationID, operationType string, context map[string]any, errText string) Entry {
	q.mu.Lock()
	defer q.mu.Unlock()

	if operationID == "" {
		operationID = "dlq-" + uuid.NewString()
	}
	now := time.Now().UTC()
	e := &Entry{
		OperationID:   operationID,
		OperationType: operationType,
		Context:       context,
		ErrorText:     errText,
		Attempt:       0,
		MaxAttempts:   q.cfg.MaxAttempts,
		NextAttemptAt: now,
		CreatedAt:     now,
		Status:        Pending,
	}
	q.entries[operationID] = e
	q.flushLocked()
	return *e
}

// ProcessDue selects PENDING entries with next_attempt_at <= now, oldest-due
// first with ties broken by insertion order (created_at, then operation_id)
// (§5), and invokes the registered handler for each entry's operation_type.
func (q *Queue) ProcessDue(ctx context.Context, now time.Time) {
	q.mu.Lock()
	due := make([]*Entry, 0)
	for _, e := range q.entries {
		if e.Status == Pending && !e.NextAttemptAt.After(now) {
			due = append(due, e)
		}
	}
	sort.SliceStable(due, func(i, j int) bool {
		if !due[i].NextAttemptAt.Equal(due[j].NextAttemptAt) {
			return due[i].NextAttemptAt.Before(due[j].NextAttemptAt)
		}
		if !due[i].CreatedAt.Equal(due[j].CreatedAt) {
			return due[i].CreatedAt.Before(due[j].CreatedAt)
		}
		return due[i].OperationID < due[j].OperationID
	})
	handlers := q.handlers
	q.mu.Unlock()

	for _, e := range due {
		fn, ok := handlers[e.OperationType]
		if !ok {
			continue
		}

		q.mu.Lock()
		e.Status = Retrying
		q.flushLocked()
		q.mu.Unlock()

		err := fn(ctx, *e)

		q.mu.Lock()
		e.LastAttemptAt = time.Now().UTC()
		if err == nil {
			delete(q.entries, e.OperationID)
		} else {
			e.ErrorText = err.Error()
			e.Attempt++
			if e.Attempt >= e.MaxAttempts {
				e.Status = Abandoned
			} else {
				e.Status = Pending
				e.NextAttemptAt = e.LastAttemptAt.Add(backoffFor(q.cfg.Base, q.cfg.MaxBackoff, e.Attempt, q.cfg.Jitter))
			}
		}
		q.flushLocked()
		q.mu.Unlock()
	}
}

// GetStats reports counts by status and the age of the oldest pending entry.
func (q *Queue) GetStats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()

	var s Stats
	var oldest time.Time
	for _, e := range q.entries {
		switch e.Status {
		case Pending:
			s.Pending++
			if oldest.IsZero() || e.CreatedAt.Before(oldest) {
				oldest = e.CreatedAt
			}
		case Retrying:
			s.Retrying++
		case Abandoned:
			s.Abandoned++
		}
	}
	if !oldest.IsZero() {
		s.OldestPendingAge = time.Since(oldest)
	}
	return s
}

// StartAutoRetry launches a background worker that calls ProcessDue every
// interval until Stop is called.
func (q *Queue) StartAutoRetry(ctx context.Context, interval time.Duration) {
	q.mu.Lock()
	if q.stopCh != nil {
		q.mu.Unlock()
		return
	}
	q.stopCh = make(chan struct{})
	q.doneCh = make(chan struct{})
	q.mu.Unlock()

	go func() {
		defer close(q.doneCh)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-q.stopCh:
				return
			case t := <-ticker.C:
				q.ProcessDue(ctx, t)
			}
		}
	}()
}

// Stop halts the auto-retry worker started by StartAutoRetry, waiting for
// its current tick to finish.
func (q *Queue) Stop() {
	q.mu.Lock()
	stopCh := q.stopCh
	doneCh := q.doneCh
	q.mu.Unlock()
	if stopCh == nil {
		return
	}
	close(stopCh)
	<-doneCh
}

// Remove deletes an ABANDONED entry for operator inspection cleanup. It is
// a no-op for entries that are not ABANDONED.
func (q *Queue) Remove(operationID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if e, ok := q.entries[operationID]; ok && e.Status == Abandoned {
		delete(q.entries, operationID)
		q.flushLocked()
	}
}

type onDiskEntry = Entry

func (q *Queue) flushLocked() {
	if q.cfg.Path == "" {
		return
	}
	list := make([]onDiskEntry, 0, len(q.entries))
	for _, e := range q.entries {
		list = append(list, *e)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].OperationID < list[j].OperationID })

	data, err := json.MarshalIndent(list, "", "  ")
	if err != nil {
		return
	}

	dir := filepath.Dir(q.cfg.Path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return
	}
	tmp, err := os.CreateTemp(dir, ".dlq-*.tmp")
	if err != nil {
		return
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return
	}
	if err := os.Rename(tmpName, q.cfg.Path); err != nil {
		os.Remove(tmpName)
	}
}

// load reads cfg.Path, promoting RETRYING entries back to PENDING. A
// malformed file is treated as empty and renamed to *.corrupt-<timestamp>
// for inspection (§6 "DLQ persistence file").
func (q *Queue) load() error {
	data, err := os.ReadFile(q.cfg.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("dlq: read %s: %w", q.cfg.Path, err)
	}

	var list []Entry
	if err := json.Unmarshal(data, &list); err != nil {
		corrupt := fmt.Sprintf("%s.corrupt-%d", q.cfg.Path, time.Now().UnixNano())
		_ = os.Rename(q.cfg.Path, corrupt)
		return nil
	}

	for i := range list {
		e := list[i]
		if e.Status == Retrying {
			e.Status = Pending
		}
		q.entries[e.OperationID] = &e
	}
	return nil
}
