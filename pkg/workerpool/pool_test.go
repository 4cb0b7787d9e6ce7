package workerpool

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"
)

func TestPoolProcessesAllTasks(t *testing.T) {
	var processed int64
	fn := func(ctx context.Context, task *Task) *Result {
		atomic.AddInt64(&processed, 1)
		return &Result{TaskID: task.ID, Success: true}
	}

	pool, err := New(Config{Workers: 4, QueueSize: 64}, fn, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	pool.Start()

	const n = 20
	for i := 0; i < n; i++ {
		if err := pool.Submit(&Task{ID: fmt.Sprintf("task-%d", i)}); err != nil {
			t.Fatalf("Submit %d: %v", i, err)
		}
	}

	for i := 0; i < n; i++ {
		select {
		case res := <-pool.Results():
			if !res.Success {
				t.Errorf("task %s failed: %v", res.TaskID, res.Error)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for result %d", i)
		}
	}

	if got := atomic.LoadInt64(&processed); got != n {
		t.Errorf("processed %d tasks, want %d", got, n)
	}
	stats := pool.Stats()
	if stats.TasksCompleted != n {
		t.Errorf("TasksCompleted = %d, want %d", stats.TasksCompleted, n)
	}

	pool.Stop()
}

func TestPoolRetriesUntilSuccess(t *testing.T) {
	var attempts int64
	fn := func(ctx context.Context, task *Task) *Result {
		// Fail the first two attempts, then succeed.
		if atomic.AddInt64(&attempts, 1) < 3 {
			return &Result{TaskID: task.ID, Success: false, Error: errors.New("transient")}
		}
		return &Result{TaskID: task.ID, Success: true}
	}

	pool, err := New(Config{Workers: 1, QueueSize: 4, MaxRetries: 3, RetryDelay: time.Millisecond}, fn, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	pool.Start()
	defer pool.Stop()

	if err := pool.Submit(&Task{ID: "flaky"}); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	select {
	case res := <-pool.Results():
		if !res.Success {
			t.Fatalf("task should succeed after retries, got %v", res.Error)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for retried task")
	}
	if got := atomic.LoadInt64(&attempts); got != 3 {
		t.Errorf("attempts = %d, want 3", got)
	}
	if pool.Stats().TasksRetried != 2 {
		t.Errorf("TasksRetried = %d, want 2", pool.Stats().TasksRetried)
	}
}

func TestPoolExhaustedRetriesReportFailure(t *testing.T) {
	fn := func(ctx context.Context, task *Task) *Result {
		return &Result{TaskID: task.ID, Success: false, Error: errors.New("permanent")}
	}

	pool, err := New(Config{Workers: 1, QueueSize: 4, MaxRetries: 2, RetryDelay: time.Millisecond}, fn, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	pool.Start()
	defer pool.Stop()

	if err := pool.Submit(&Task{ID: "doomed"}); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	select {
	case res := <-pool.Results():
		if res.Success {
			t.Fatal("task reported success, want failure")
		}
		if res.Error == nil {
			t.Fatal("failed result carries no error")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for failed task")
	}
}

func TestPoolRejectsAfterStop(t *testing.T) {
	fn := func(ctx context.Context, task *Task) *Result {
		return &Result{TaskID: task.ID, Success: true}
	}
	pool, err := New(Config{Workers: 1, QueueSize: 4, GracefulShutdownTimeout: time.Second}, fn, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	pool.Start()
	pool.Stop()

	if err := pool.Submit(&Task{ID: "late"}); err == nil {
		t.Fatal("Submit after Stop succeeded, want error")
	}
}

func TestPoolRequiresWorkerFunc(t *testing.T) {
	if _, err := New(DefaultConfig(), nil, nil); err == nil {
		t.Fatal("New accepted a nil worker function")
	}
}
