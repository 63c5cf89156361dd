package systems

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestJobSystemRunsTasks(t *testing.T) {
	defer goleak.VerifyNone(t)

	js := NewJobSystem()
	var ran atomic.Int32
	errTask := errors.New("task failed")

	ok := js.Submit(func(ctx context.Context) error {
		ran.Add(1)
		return nil
	})
	failed := js.Submit(func(ctx context.Context) error {
		ran.Add(1)
		return errTask
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, ok.Wait(ctx))
	assert.ErrorIs(t, failed.Wait(ctx), errTask)
	assert.Equal(t, int32(2), ran.Load())

	require.NoError(t, js.Shutdown())
}

func TestJobSystemSubmitAfter(t *testing.T) {
	defer goleak.VerifyNone(t)

	js := NewJobSystem()
	start := time.Now()
	h := js.SubmitAfter(20*time.Millisecond, func(ctx context.Context) error { return nil })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.Wait(ctx))
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)

	// A non positive delay runs immediately.
	require.NoError(t, js.SubmitAfter(0, func(ctx context.Context) error { return nil }).Wait(ctx))
	require.NoError(t, js.Shutdown())
}

func TestJobSystemShutdownCancelsWork(t *testing.T) {
	defer goleak.VerifyNone(t)

	js := NewJobSystem()
	started := make(chan struct{})
	running := js.Submit(func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	})
	delayed := js.SubmitAfter(time.Hour, func(ctx context.Context) error { return nil })
	<-started

	require.NoError(t, js.Shutdown())
	assert.ErrorIs(t, running.Err(), context.Canceled)
	assert.ErrorIs(t, delayed.Err(), ErrJobSystemStopped)

	late := js.Submit(func(ctx context.Context) error { return nil })
	assert.ErrorIs(t, late.Err(), ErrJobSystemStopped)
	assert.ErrorIs(t, js.SubmitAfter(time.Second, func(ctx context.Context) error { return nil }).Err(), ErrJobSystemStopped)

	// Shutdown is idempotent.
	require.NoError(t, js.Shutdown())
}
