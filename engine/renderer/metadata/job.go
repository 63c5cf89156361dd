package metadata

import (
	"context"
	"sync"
)

/** @brief A unit of background work. */
type JobTask func(ctx context.Context) error

/**
 * @brief Future for a submitted JobTask. Completed exactly once by the job
 * system with the task's result.
 */
type JobHandle struct {
	once sync.Once
	done chan struct{}
	err  error
}

func NewJobHandle() *JobHandle {
	return &JobHandle{done: make(chan struct{})}
}

// Complete records the result. Calls after the first are ignored.
func (h *JobHandle) Complete(err error) {
	h.once.Do(func() {
		h.err = err
		close(h.done)
	})
}

func (h *JobHandle) Done() <-chan struct{} {
	return h.done
}

// Wait blocks until the task finished or ctx is cancelled.
func (h *JobHandle) Wait(ctx context.Context) error {
	select {
	case <-h.done:
		return h.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Err returns the task result, or nil while it is still running.
func (h *JobHandle) Err() error {
	select {
	case <-h.done:
		return h.err
	default:
		return nil
	}
}
