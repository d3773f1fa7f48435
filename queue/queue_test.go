// Copyright (C) 2017 Michael J. Fromberger. All Rights Reserved.

package queue_test

import (
	"errors"
	"fmt"
	"regexp"
	"testing"
	"time"

	"github.com/XIADENGMA/ai-intervention-agent/queue"
	"github.com/google/go-cmp/cmp"
)

func mustAdd(t *testing.T, q *queue.Queue, prompt string) queue.Task {
	t.Helper()
	task, err := q.Add(prompt, nil, 0)
	if err != nil {
		t.Fatalf("Add(%q): unexpected error: %v", prompt, err)
	}
	return task
}

// checkOneActive verifies the at-most-one-active invariant.
func checkOneActive(t *testing.T, q *queue.Queue) {
	t.Helper()
	var active int
	for _, task := range q.List() {
		if task.Status == queue.Active {
			active++
		}
	}
	if active > 1 {
		t.Fatalf("Queue has %d active tasks, want at most 1", active)
	}
}

func TestIDFormat(t *testing.T) {
	q := queue.New(&queue.Options{Project: "My Project!"})
	idPattern := regexp.MustCompile(`^my-project-\d{4}$`)

	var prev string
	for i := 1; i <= 3; i++ {
		task := mustAdd(t, q, fmt.Sprintf("p%d", i))
		if !idPattern.MatchString(task.ID) {
			t.Errorf("Task id %q does not match %v", task.ID, idPattern)
		}
		if task.ID <= prev {
			t.Errorf("Task id %q is not greater than predecessor %q", task.ID, prev)
		}
		prev = task.ID
	}

	// Identifiers are never reused, even after eviction.
	if err := q.Evict(prev); err != nil {
		t.Fatalf("Evict: %v", err)
	}
	next := mustAdd(t, q, "p4")
	if next.ID == prev {
		t.Errorf("Task id %q was reused after eviction", prev)
	}
}

func TestSlug(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"myproject", "myproject"},
		{"My Project", "my-project"},
		{"a__b--c", "a-b-c"},
		{"трудно", "project"},
		{"", "project"},
		{"ends-in-", "ends-in"},
	}
	for _, test := range tests {
		if got := queue.Slug(test.in); got != test.want {
			t.Errorf("Slug(%q): got %q, want %q", test.in, got, test.want)
		}
	}
}

func TestFirstTaskAutoActivates(t *testing.T) {
	q := queue.New(&queue.Options{Project: "p"})
	t1 := mustAdd(t, q, "first")
	if t1.Status != queue.Active {
		t.Errorf("First task status: got %v, want active", t1.Status)
	}
	t2 := mustAdd(t, q, "second")
	if t2.Status != queue.Pending {
		t.Errorf("Second task status: got %v, want pending", t2.Status)
	}
	checkOneActive(t, q)
}

func TestActivate(t *testing.T) {
	q := queue.New(&queue.Options{Project: "p"})
	t1 := mustAdd(t, q, "first")
	t2 := mustAdd(t, q, "second")

	if err := q.Activate(t2.ID); err != nil {
		t.Fatalf("Activate(%s): %v", t2.ID, err)
	}
	checkOneActive(t, q)

	got1, _ := q.Get(t1.ID)
	got2, _ := q.Get(t2.ID)
	if got1.Status != queue.Pending || got2.Status != queue.Active {
		t.Errorf("After activate: t1=%v t2=%v, want pending/active", got1.Status, got2.Status)
	}

	// Activating the active task is a no-op.
	if err := q.Activate(t2.ID); err != nil {
		t.Errorf("Activate active task: unexpected error: %v", err)
	}

	// Unknown and completed tasks fail.
	if err := q.Activate("p-9999"); !errors.Is(err, queue.ErrNotFound) {
		t.Errorf("Activate unknown: got %v, want ErrNotFound", err)
	}
	if err := q.Submit(t2.ID, &queue.Result{Text: "done"}); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if err := q.Activate(t2.ID); !errors.Is(err, queue.ErrCompleted) {
		t.Errorf("Activate completed: got %v, want ErrCompleted", err)
	}
}

func TestSubmitPromotesFIFO(t *testing.T) {
	q := queue.New(&queue.Options{Project: "p"})
	t1 := mustAdd(t, q, "first")
	t2 := mustAdd(t, q, "second")
	t3 := mustAdd(t, q, "third")

	if err := q.Submit(t1.ID, &queue.Result{Text: "ok"}); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	checkOneActive(t, q)

	// The earliest-created pending task becomes active, not the latest.
	got2, _ := q.Get(t2.ID)
	got3, _ := q.Get(t3.ID)
	if got2.Status != queue.Active {
		t.Errorf("Task 2 status: got %v, want active", got2.Status)
	}
	if got3.Status != queue.Pending {
		t.Errorf("Task 3 status: got %v, want pending", got3.Status)
	}
}

func TestDoubleSubmitRejected(t *testing.T) {
	q := queue.New(&queue.Options{Project: "p"})
	task := mustAdd(t, q, "prompt")

	if err := q.Submit(task.ID, &queue.Result{Text: "one"}); err != nil {
		t.Fatalf("First submit: %v", err)
	}
	if err := q.Submit(task.ID, &queue.Result{Text: "two"}); !errors.Is(err, queue.ErrCompleted) {
		t.Errorf("Second submit: got %v, want ErrCompleted", err)
	}

	// The first result stays in place.
	got, _ := q.Get(task.ID)
	if got.Result == nil || got.Result.Text != "one" {
		t.Errorf("Result after double submit: got %+v, want text %q", got.Result, "one")
	}
}

func TestResultIffCompleted(t *testing.T) {
	q := queue.New(&queue.Options{Project: "p"})
	task := mustAdd(t, q, "prompt")

	got, _ := q.Get(task.ID)
	if got.Result != nil {
		t.Error("Pending/active task has a non-nil result")
	}
	if err := q.Submit(task.ID, &queue.Result{Text: "done"}); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	got, _ = q.Get(task.ID)
	if got.Status != queue.Completed || got.Result == nil {
		t.Errorf("Completed task: status=%v result=%v", got.Status, got.Result)
	}
	if got.CompletedAt.IsZero() {
		t.Error("Completed task has zero CompletedAt")
	}
}

func TestOnCompleteHook(t *testing.T) {
	var hookID string
	var hookResult *queue.Result
	q := queue.New(&queue.Options{
		Project: "p",
		OnComplete: func(id string, r *queue.Result) {
			hookID, hookResult = id, r
		},
	})
	task := mustAdd(t, q, "prompt")

	want := &queue.Result{Text: "done", Options: []string{"yes"}}
	if err := q.Submit(task.ID, want); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if hookID != task.ID {
		t.Errorf("Hook id: got %q, want %q", hookID, task.ID)
	}
	if diff := cmp.Diff(want, hookResult); diff != "" {
		t.Errorf("Hook result (-want, +got):\n%s", diff)
	}
}

func TestEvict(t *testing.T) {
	q := queue.New(&queue.Options{Project: "p"})
	t1 := mustAdd(t, q, "first")
	t2 := mustAdd(t, q, "second")

	if err := q.Evict(t1.ID); err != nil {
		t.Fatalf("Evict: %v", err)
	}
	if _, ok := q.Get(t1.ID); ok {
		t.Error("Evicted task still listed")
	}
	// Evicting the active task promotes the next pending one.
	got2, _ := q.Get(t2.ID)
	if got2.Status != queue.Active {
		t.Errorf("Task 2 status after evict: got %v, want active", got2.Status)
	}
	if err := q.Evict(t1.ID); !errors.Is(err, queue.ErrNotFound) {
		t.Errorf("Second evict: got %v, want ErrNotFound", err)
	}
}

func TestListOrderAndStats(t *testing.T) {
	q := queue.New(&queue.Options{Project: "p"})
	var ids []string
	for i := 0; i < 4; i++ {
		ids = append(ids, mustAdd(t, q, fmt.Sprintf("p%d", i)).ID)
	}
	q.Submit(ids[0], &queue.Result{Text: "done"})

	var got []string
	for _, task := range q.List() {
		got = append(got, task.ID)
	}
	if diff := cmp.Diff(ids, got); diff != "" {
		t.Errorf("List order (-want, +got):\n%s", diff)
	}

	want := queue.Stats{Pending: 2, Active: 1, Completed: 1, Total: 4}
	if diff := cmp.Diff(want, q.Stats()); diff != "" {
		t.Errorf("Stats (-want, +got):\n%s", diff)
	}
}

func TestQueueFull(t *testing.T) {
	q := queue.New(&queue.Options{Project: "p", MaxTasks: 2})
	mustAdd(t, q, "a")
	mustAdd(t, q, "b")
	if _, err := q.Add("c", nil, 0); !errors.Is(err, queue.ErrQueueFull) {
		t.Errorf("Add beyond capacity: got %v, want ErrQueueFull", err)
	}
}

func TestDeadlineFixedAtCreation(t *testing.T) {
	q := queue.New(&queue.Options{Project: "p"})
	task, err := q.Add("prompt", nil, 5*time.Minute)
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	want := task.CreatedAt.Add(5 * time.Minute)
	if !task.Deadline.Equal(want) {
		t.Errorf("Deadline: got %v, want %v", task.Deadline, want)
	}

	// No operation rewrites the deadline.
	q.Activate(task.ID)
	q.Submit(task.ID, &queue.Result{Text: "done"})
	got, _ := q.Get(task.ID)
	if !got.Deadline.Equal(want) {
		t.Errorf("Deadline after lifecycle: got %v, want %v", got.Deadline, want)
	}

	noAuto := mustAdd(t, q, "second")
	if !noAuto.Deadline.IsZero() {
		t.Errorf("Deadline without auto-resubmit: got %v, want zero", noAuto.Deadline)
	}
}

func TestCopyOutIsolation(t *testing.T) {
	q := queue.New(&queue.Options{Project: "p"})
	task, err := q.Add("prompt", []string{"yes", "no"}, 0)
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	task.Options[0] = "mutated"
	task.Prompt = "mutated"

	got, _ := q.Get(task.ID)
	if got.Prompt != "prompt" || got.Options[0] != "yes" {
		t.Error("Mutating a returned task copy affected queue state")
	}
}
