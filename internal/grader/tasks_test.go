package grader

import (
	"context"
	"testing"
	"time"
)

func TestRunnerStartAndFinish(t *testing.T) {
	r := NewRunner()
	done := make(chan struct{})

	if !r.Start("batch-1", func(ctx context.Context) { close(done) }) {
		t.Fatal("Start returned false for a fresh key")
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("task never ran")
	}

	// Completion unregisters the key.
	deadline := time.After(time.Second)
	for r.Running("batch-1") {
		select {
		case <-deadline:
			t.Fatal("task still registered after finishing")
		default:
			time.Sleep(time.Millisecond)
		}
	}
}

func TestRunnerRejectsDuplicate(t *testing.T) {
	r := NewRunner()
	release := make(chan struct{})
	started := make(chan struct{})

	r.Start("batch-1", func(ctx context.Context) {
		close(started)
		<-release
	})
	<-started

	if r.Start("batch-1", func(ctx context.Context) {}) {
		t.Error("duplicate key should be rejected while the first task runs")
	}
	if !r.Running("batch-1") {
		t.Error("first task should still be registered")
	}
	close(release)
}

func TestRunnerCancel(t *testing.T) {
	r := NewRunner()
	cancelled := make(chan struct{})
	started := make(chan struct{})

	r.Start("batch-1", func(ctx context.Context) {
		close(started)
		<-ctx.Done()
		close(cancelled)
	})
	<-started

	if !r.Cancel("batch-1") {
		t.Fatal("Cancel should find the running task")
	}
	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Fatal("task context was never cancelled")
	}

	if r.Cancel("batch-1") {
		// May still be registered for an instant while the goroutine
		// unwinds; cancelling again is harmless either way.
		t.Log("second cancel found the task before cleanup finished")
	}
}
