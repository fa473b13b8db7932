package cqueue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestTask(t *testing.T) {
	calls := 0
	task := NewTask(RunnableFunc(func(ctx context.Context) error {
		calls++
		return nil
	}))
	require.NoError(t, task.Run(context.Background()))
	require.Equal(t, 1, calls)
	require.Zero(t, task.Timeout())

	clone := task.Clone()
	require.NotEqual(t, task.ID(), clone.ID())
	require.Greater(t, clone.ID(), task.ID())
	require.Zero(t, task.Attempt())
	require.Equal(t, 1, clone.Attempt())
	require.Equal(t, 2, clone.Clone().Attempt())
	require.NoError(t, clone.Runnable().Run(context.Background()))
	require.Equal(t, 2, calls)
}

func TestTaskError(t *testing.T) {
	errRun := errors.New("run failed")
	task := NewTask(RunnableFunc(func(ctx context.Context) error {
		return errRun
	}), WithTimeout(time.Second))

	err := task.Run(context.Background())
	require.ErrorIs(t, err, errRun)
	require.NotErrorIs(t, err, ErrTaskTimeout)
}

func TestTaskTimeout(t *testing.T) {
	task := NewTask(RunnableFunc(func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}), WithTimeout(5*time.Millisecond))
	require.Equal(t, 5*time.Millisecond, task.Timeout())

	err := task.Run(context.Background())
	require.ErrorIs(t, err, ErrTaskTimeout)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestTaskParentCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	task := NewTask(RunnableFunc(func(ctx context.Context) error {
		return ctx.Err()
	}), WithTimeout(time.Minute))

	err := task.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
	require.NotErrorIs(t, err, ErrTaskTimeout)
}
