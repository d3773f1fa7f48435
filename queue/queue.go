// Copyright (C) 2017 Michael J. Fromberger. All Rights Reserved.

// Package queue implements the in-memory task queue at the heart of the
// feedback service.
//
// A Queue owns every live Task. It generates task identifiers, enforces
// the lifecycle pending → active → completed with at most one active
// task at a time, and retains a completed task only until its result has
// been consumed. All state is guarded by a single mutex; operations
// never block on I/O while holding it.
package queue

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/XIADENGMA/ai-intervention-agent/media"
	"github.com/XIADENGMA/ai-intervention-agent/metrics"
)

// Errors reported by queue operations. Use errors.Is to classify.
var (
	ErrNotFound  = errors.New("task not found")
	ErrCompleted = errors.New("task already completed")
	ErrQueueFull = errors.New("task queue is full")
)

// A Status describes where a task is in its lifecycle.
type Status int

const (
	Pending   Status = iota // queued, not shown to the user
	Active                  // the task the UI is currently presenting
	Completed               // result set, awaiting consumption
)

var statusNames = [...]string{"pending", "active", "completed"}

func (s Status) String() string {
	if s < 0 || int(s) >= len(statusNames) {
		return fmt.Sprintf("Status(%d)", int(s))
	}
	return statusNames[s]
}

// MarshalJSON renders the status as its lowercase name.
func (s Status) MarshalJSON() ([]byte, error) { return []byte(`"` + s.String() + `"`), nil }

// A Result is the outcome submitted for one task. It is written exactly
// once, at completion, and never modified afterward.
type Result struct {
	Text        string        // free-form feedback text
	Options     []string      // predefined options the user selected
	Images      []media.Image // validated image attachments
	Synthesized bool          // produced by the auto-resubmit deadline
	Canceled    bool          // produced by an orderly close
}

// A Task is one unit of human-interactive work. Values returned by the
// queue are copies; mutating them does not affect queue state.
type Task struct {
	ID           string
	Prompt       string
	Options      []string
	AutoResubmit time.Duration // zero disables auto-resubmit
	Status       Status
	CreatedAt    time.Time
	Deadline     time.Time // zero when auto-resubmit is disabled
	CompletedAt  time.Time // zero until completed
	Result       *Result
}

// Stats summarizes queue occupancy by status. Total counts every task
// created during the process lifetime, including evicted ones.
type Stats struct {
	Pending   int `json:"pending"`
	Active    int `json:"active"`
	Completed int `json:"completed"`
	Total     int `json:"total"`
}

// Options control the construction of a queue. A nil *Options is valid
// and provides sensible defaults.
type Options struct {
	// Project slug used as the identifier prefix. If empty, the slug is
	// derived from the working directory name.
	Project string

	// Maximum number of live tasks; Add fails beyond it. Values less
	// than 1 use a default of 100.
	MaxTasks int

	// If not nil, send debug logs to this function.
	Logger func(string, ...any)

	// If not nil, record queue metrics to this collector.
	Metrics *metrics.M

	// If not nil, this function is called whenever a task transitions to
	// completed, with the queue lock held. It must not call back into
	// the queue. The service uses it to disarm the task's timer and wake
	// the rendezvous waiter atomically with the transition.
	OnComplete func(id string, r *Result)
}

func (o *Options) project() string {
	if o == nil || o.Project == "" {
		wd, err := os.Getwd()
		if err != nil {
			return "project"
		}
		return Slug(filepath.Base(wd))
	}
	return Slug(o.Project)
}

func (o *Options) maxTasks() int {
	if o == nil || o.MaxTasks < 1 {
		return 100
	}
	return o.MaxTasks
}

func (o *Options) logger() func(string, ...any) {
	if o == nil || o.Logger == nil {
		return func(string, ...any) {}
	}
	return o.Logger
}

func (o *Options) metrics() *metrics.M {
	if o == nil {
		return nil
	}
	return o.Metrics
}

func (o *Options) onComplete() func(string, *Result) {
	if o == nil || o.OnComplete == nil {
		return func(string, *Result) {}
	}
	return o.OnComplete
}

// Slug normalizes s into a task-identifier prefix: lowercased, runs of
// non-alphanumerics collapsed to single hyphens, trimmed. An empty
// normalization yields "project".
func Slug(s string) string {
	var sb strings.Builder
	hyphen := false
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			sb.WriteRune(r)
			hyphen = false
		default:
			if !hyphen && sb.Len() > 0 {
				sb.WriteByte('-')
				hyphen = true
			}
		}
	}
	out := strings.TrimSuffix(sb.String(), "-")
	if out == "" {
		return "project"
	}
	return out
}

// A Queue tracks live tasks. The methods of a *Queue are safe for
// concurrent use by multiple goroutines.
type Queue struct {
	project    string
	maxTasks   int
	log        func(string, ...any)
	metrics    *metrics.M
	onComplete func(string, *Result)

	mu      sync.Mutex
	tasks   map[string]*Task
	order   []string // creation order of live task ids
	active  string   // id of the active task, or ""
	counter int      // monotonic id counter, never reused
}

// New constructs an empty queue with the given options.
func New(opts *Options) *Queue {
	return &Queue{
		project:    opts.project(),
		maxTasks:   opts.maxTasks(),
		log:        opts.logger(),
		metrics:    opts.metrics(),
		onComplete: opts.onComplete(),
		tasks:      make(map[string]*Task),
	}
}

// Project reports the queue's identifier prefix.
func (q *Queue) Project() string { return q.project }

// Add creates a new task and returns a copy of it. The task starts
// pending; if no task is currently active it is promoted to active
// before Add returns. When autoResubmit is positive the task's deadline
// is fixed at creation time and never rewritten.
func (q *Queue) Add(prompt string, options []string, autoResubmit time.Duration) (Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.tasks) >= q.maxTasks {
		return Task{}, ErrQueueFull
	}
	q.counter++
	now := time.Now()
	t := &Task{
		ID:           fmt.Sprintf("%s-%04d", q.project, q.counter),
		Prompt:       prompt,
		Options:      append([]string(nil), options...),
		AutoResubmit: autoResubmit,
		Status:       Pending,
		CreatedAt:    now,
	}
	if autoResubmit > 0 {
		t.Deadline = now.Add(autoResubmit)
	}
	q.tasks[t.ID] = t
	q.order = append(q.order, t.ID)
	if q.active == "" {
		t.Status = Active
		q.active = t.ID
	}
	q.metrics.Count("tasks_created", 1)
	q.updateGauges()
	q.log("Task %s created (%s)", t.ID, t.Status)
	return *t, nil
}

// Get returns a copy of the task with the given id.
func (q *Queue) Get(id string) (Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.tasks[id]
	if !ok {
		return Task{}, false
	}
	return copyTask(t), true
}

// List returns copies of all live tasks in creation order.
func (q *Queue) List() []Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Task, 0, len(q.order))
	for _, id := range q.order {
		out = append(out, copyTask(q.tasks[id]))
	}
	return out
}

// Active returns a copy of the currently active task, if any.
func (q *Queue) Active() (Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.active == "" {
		return Task{}, false
	}
	return copyTask(q.tasks[q.active]), true
}

// Stats reports queue occupancy.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	s := Stats{Total: q.counter}
	for _, t := range q.tasks {
		switch t.Status {
		case Pending:
			s.Pending++
		case Active:
			s.Active++
		case Completed:
			s.Completed++
		}
	}
	return s
}

// Activate promotes the pending task id to active, demoting the current
// active task (if any) back to pending. Activating the task that is
// already active is a no-op. Activating a completed task reports
// ErrCompleted; an unknown id reports ErrNotFound.
func (q *Queue) Activate(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	t, ok := q.tasks[id]
	if !ok {
		return ErrNotFound
	}
	switch t.Status {
	case Active:
		return nil
	case Completed:
		return ErrCompleted
	}
	if q.active != "" {
		q.tasks[q.active].Status = Pending
	}
	t.Status = Active
	q.active = id
	q.log("Task %s activated", id)
	return nil
}

// Submit completes the task id with r. Only a pending or active task can
// be submitted; a second submission reports ErrCompleted and leaves the
// first result in place. On success the OnComplete hook runs before
// Submit returns, and if the completed task was active the earliest
// pending task (by creation order) is promoted.
func (q *Queue) Submit(id string, r *Result) error {
	if r == nil {
		return errors.New("nil result")
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	t, ok := q.tasks[id]
	if !ok {
		return ErrNotFound
	}
	if t.Status == Completed {
		return ErrCompleted
	}
	t.Result = r
	t.Status = Completed
	t.CompletedAt = time.Now()
	if q.active == id {
		q.active = ""
		q.promoteNextLocked()
	}
	q.metrics.Count("tasks_completed", 1)
	if r.Synthesized {
		q.metrics.Count("tasks_auto_resubmitted", 1)
	}
	q.updateGauges()
	q.log("Task %s completed (synthesized=%v)", id, r.Synthesized)
	q.onComplete(id, r)
	return nil
}

// Evict removes the task id from the queue. If it was active, the
// earliest pending task is promoted.
func (q *Queue) Evict(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.evictLocked(id)
}

func (q *Queue) evictLocked(id string) error {
	if _, ok := q.tasks[id]; !ok {
		return ErrNotFound
	}
	delete(q.tasks, id)
	for i, oid := range q.order {
		if oid == id {
			q.order = append(q.order[:i], q.order[i+1:]...)
			break
		}
	}
	if q.active == id {
		q.active = ""
		q.promoteNextLocked()
	}
	q.updateGauges()
	q.log("Task %s evicted", id)
	return nil
}

// promoteNextLocked promotes the earliest-created pending task, if any.
// Creation order doubles as the FIFO tie-break because identifiers are
// assigned in creation order.
func (q *Queue) promoteNextLocked() {
	for _, id := range q.order {
		if t := q.tasks[id]; t.Status == Pending {
			t.Status = Active
			q.active = id
			q.log("Task %s promoted to active", id)
			return
		}
	}
}

func (q *Queue) updateGauges() {
	if q.metrics == nil {
		return
	}
	live := int64(len(q.tasks))
	q.metrics.SetGauge("tasks_live", live)
	q.metrics.SetMaxValue("tasks_live_max", live)
}

// Janitor evicts completed tasks whose results were never consumed,
// sweeping every interval and removing tasks completed more than
// retention ago. It blocks until ctx ends and is intended to run on its
// own goroutine as a safety net behind the RPC entry's own eviction.
func (q *Queue) Janitor(ctx context.Context, interval, retention time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			q.sweep(retention)
		}
	}
}

func (q *Queue) sweep(retention time.Duration) {
	cutoff := time.Now().Add(-retention)
	q.mu.Lock()
	defer q.mu.Unlock()
	var stale []string
	for id, t := range q.tasks {
		if t.Status == Completed && t.CompletedAt.Before(cutoff) {
			stale = append(stale, id)
		}
	}
	for _, id := range stale {
		q.evictLocked(id)
	}
}

func copyTask(t *Task) Task {
	out := *t
	out.Options = append([]string(nil), t.Options...)
	return out
}
