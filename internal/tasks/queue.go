// Package tasks holds the priority task queue and the rule engine that
// expands known tasks into action batches without the reasoning service.
package tasks

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"

	"github.com/xkilldash9x/questpilot/internal/action"
	"github.com/xkilldash9x/questpilot/internal/state"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Status is a task's lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// DefaultMaxRetries applies when a task is added without a ceiling.
const DefaultMaxRetries = 3

// Task is a unit of work for the rule engine or an inline action batch
// proposed by the reasoning service.
type Task struct {
	ID         string              `json:"id"`
	Name       string              `json:"name"`
	Priority   int                 `json:"priority"`
	Params     map[string]any      `json:"params,omitempty"`
	Status     Status              `json:"status"`
	RetryCount int                 `json:"retry_count"`
	MaxRetries int                 `json:"max_retries"`
	Actions    jsoniter.RawMessage `json:"actions,omitempty"`
	CreatedAt  time.Time           `json:"created_at"`
}

// Inline decodes the task's attached actions, if any.
func (t *Task) Inline() ([]action.Action, error) {
	if len(t.Actions) == 0 {
		return nil, nil
	}
	return action.UnmarshalList(t.Actions)
}

// Param returns a string parameter.
func (t *Task) Param(key string) string {
	if v, ok := t.Params[key].(string); ok {
		return v
	}
	return ""
}

// Queue orders pending tasks by priority, highest first, then by insertion.
type Queue struct {
	mu    sync.Mutex
	tasks []*Task
}

func NewQueue() *Queue {
	return &Queue{}
}

// Add enqueues t as pending and returns it.
func (q *Queue) Add(t Task) *Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.MaxRetries <= 0 {
		t.MaxRetries = DefaultMaxRetries
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	t.Status = StatusPending
	added := &t
	q.tasks = append(q.tasks, added)
	q.sortLocked()
	return added
}

func (q *Queue) sortLocked() {
	sort.SliceStable(q.tasks, func(i, j int) bool {
		return q.tasks[i].Priority > q.tasks[j].Priority
	})
}

// Next marks the highest-priority pending task running and returns it.
func (q *Queue) Next() *Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, t := range q.tasks {
		if t.Status == StatusPending {
			t.Status = StatusRunning
			return t
		}
	}
	return nil
}

// Peek returns the highest-priority pending task without claiming it.
func (q *Queue) Peek() *Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, t := range q.tasks {
		if t.Status == StatusPending {
			return t
		}
	}
	return nil
}

// MarkDone completes t.
func (q *Queue) MarkDone(t *Task) {
	q.mu.Lock()
	defer q.mu.Unlock()
	t.Status = StatusCompleted
}

// MarkFailed re-queues t until it has used its retries.
func (q *Queue) MarkFailed(t *Task) {
	q.mu.Lock()
	defer q.mu.Unlock()
	t.RetryCount++
	if t.RetryCount < t.MaxRetries {
		t.Status = StatusPending
		return
	}
	t.Status = StatusFailed
}

// ClearCompleted drops completed and failed tasks.
func (q *Queue) ClearCompleted() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	kept := q.tasks[:0]
	removed := 0
	for _, t := range q.tasks {
		if t.Status == StatusCompleted || t.Status == StatusFailed {
			removed++
			continue
		}
		kept = append(kept, t)
	}
	q.tasks = kept
	return removed
}

// PendingCount reports the number of pending tasks.
func (q *Queue) PendingCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, t := range q.tasks {
		if t.Status == StatusPending {
			n++
		}
	}
	return n
}

// Active reports whether any task is pending or running.
func (q *Queue) Active() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, t := range q.tasks {
		if t.Status == StatusPending || t.Status == StatusRunning {
			return true
		}
	}
	return false
}

// Snapshot copies every task in queue order.
func (q *Queue) Snapshot() []Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Task, len(q.tasks))
	for i, t := range q.tasks {
		out[i] = *t
	}
	return out
}

// Save writes the queue as JSON, atomically.
func (q *Queue) Save(path string) error {
	data, err := json.MarshalIndent(q.Snapshot(), "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode task queue: %w", err)
	}
	return state.WriteFileAtomic(path, data)
}

// Load replaces the queue with the tasks stored at path. A missing file
// leaves the queue empty. Tasks that were running when saved come back
// pending.
func (q *Queue) Load(path string) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read task queue: %w", err)
	}
	var loaded []*Task
	if err := json.Unmarshal(data, &loaded); err != nil {
		return fmt.Errorf("failed to decode task queue: %w", err)
	}
	for _, t := range loaded {
		if t.Status == StatusRunning {
			t.Status = StatusPending
		}
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.tasks = loaded
	q.sortLocked()
	return nil
}
