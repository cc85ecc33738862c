package grader

import (
	"context"
	"log/slog"
	"sync"
)

// Runner tracks background grading tasks so an abandoned batch can be
// cancelled instead of running to completion unattended.
type Runner struct {
	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

// NewRunner creates a Runner.
func NewRunner() *Runner {
	return &Runner{cancels: make(map[string]context.CancelFunc)}
}

// Start launches fn in the background under a cancellable context. It
// returns false without starting anything if a task with the same key is
// already running.
func (r *Runner) Start(key string, fn func(ctx context.Context)) bool {
	r.mu.Lock()
	if _, running := r.cancels[key]; running {
		r.mu.Unlock()
		return false
	}
	ctx, cancel := context.WithCancel(context.Background())
	r.cancels[key] = cancel
	r.mu.Unlock()

	go func() {
		defer func() {
			cancel()
			r.mu.Lock()
			delete(r.cancels, key)
			r.mu.Unlock()
		}()
		slog.Debug("background task started", "key", key)
		fn(ctx)
		slog.Debug("background task finished", "key", key)
	}()
	return true
}

// Cancel stops a running task. It reports whether a task was found.
func (r *Runner) Cancel(key string) bool {
	r.mu.Lock()
	cancel, ok := r.cancels[key]
	r.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// Running reports whether a task with the given key is in flight.
func (r *Runner) Running(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.cancels[key]
	return ok
}
