package systems

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/spaghettifunk/holostream/engine/core"
	"github.com/spaghettifunk/holostream/engine/renderer/metadata"
)

var ErrJobSystemStopped = errors.New("job system is shut down")

/**
 * @brief Runs short background tasks, one goroutine each. There is no
 * queue bound: Submit never blocks the caller.
 */
type JobSystem struct {
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	stopped bool
	timers  map[*time.Timer]*metadata.JobHandle
}

func NewJobSystem() *JobSystem {
	ctx, cancel := context.WithCancel(context.Background())
	return &JobSystem{
		ctx:    ctx,
		cancel: cancel,
		timers: make(map[*time.Timer]*metadata.JobHandle),
	}
}

/**
 * @brief Submits the task for immediate execution.
 * @return A handle completed with the task's result.
 */
func (js *JobSystem) Submit(task metadata.JobTask) *metadata.JobHandle {
	h := metadata.NewJobHandle()
	js.mu.Lock()
	defer js.mu.Unlock()
	if js.stopped {
		h.Complete(ErrJobSystemStopped)
		return h
	}
	js.start(task, h)
	return h
}

/**
 * @brief Submits the task to run once delay has elapsed. Pending delayed
 * tasks are cancelled by Shutdown.
 */
func (js *JobSystem) SubmitAfter(delay time.Duration, task metadata.JobTask) *metadata.JobHandle {
	if delay <= 0 {
		return js.Submit(task)
	}
	h := metadata.NewJobHandle()
	js.mu.Lock()
	defer js.mu.Unlock()
	if js.stopped {
		h.Complete(ErrJobSystemStopped)
		return h
	}

	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		js.mu.Lock()
		defer js.mu.Unlock()
		if _, ok := js.timers[timer]; !ok {
			return
		}
		delete(js.timers, timer)
		if js.stopped {
			h.Complete(ErrJobSystemStopped)
			return
		}
		js.start(task, h)
	})
	js.timers[timer] = h
	return h
}

// start launches the task. Must be called with mu held.
func (js *JobSystem) start(task metadata.JobTask, h *metadata.JobHandle) {
	js.wg.Add(1)
	go func() {
		defer js.wg.Done()
		err := task(js.ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			core.LogDebug("job finished with error: %s", err.Error())
		}
		h.Complete(err)
	}()
}

/**
 * @brief Shuts the job system down: delayed tasks that have not started are
 * cancelled, running tasks see their context cancelled and are waited for.
 */
func (js *JobSystem) Shutdown() error {
	js.mu.Lock()
	if js.stopped {
		js.mu.Unlock()
		return nil
	}
	js.stopped = true
	for timer, h := range js.timers {
		timer.Stop()
		h.Complete(ErrJobSystemStopped)
		delete(js.timers, timer)
	}
	js.mu.Unlock()

	js.cancel()
	js.wg.Wait()
	return nil
}
