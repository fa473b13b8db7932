package cqueue

import (
	"context"
	"errors"
	"sync/atomic"
	"time"
)

type TaskID int64

var _globalID TaskID

func generateID() TaskID {
	return TaskID(atomic.AddInt64((*int64)(&_globalID), 1))
}

type Runnable interface {
	Run(ctx context.Context) error
}

type RunnableFunc func(ctx context.Context) error

func (f RunnableFunc) Run(ctx context.Context) error {
	return f(ctx)
}

// Task is a unit of work passed through a queue to an Executor.
type Task struct {
	timeout time.Duration
	id      TaskID
	attempt int
	task    Runnable
}

func (t *Task) ID() TaskID {
	return t.id
}

var ErrTaskTimeout = errors.New("task timeout")

// Run executes the task. A positive timeout bounds the context handed to the
// runnable; hitting it is reported as ErrTaskTimeout.
func (t *Task) Run(ctx context.Context) error {
	start := time.Now()
	_tasksWorking.Add(ctx, 1)

	err := t.run(ctx)

	_tasksWorking.Add(ctx, -1)
	f := time.Since(start).Milliseconds()

	if err != nil {
		if errors.Is(err, ErrTaskTimeout) {
			_taskTimings.Record(ctx, f, _attributeTimeout)
			return err
		}

		_taskTimings.Record(ctx, f, _attributeErr)
		return err
	}
	_taskTimings.Record(ctx, f, _attributeOK)

	return nil
}

func (t *Task) run(ctx context.Context) error {
	if t.timeout <= 0 {
		return t.task.Run(ctx)
	}

	ctx, cancel := context.WithTimeoutCause(ctx, t.timeout, ErrTaskTimeout)
	defer cancel()

	err := t.task.Run(ctx)
	if err != nil && errors.Is(context.Cause(ctx), ErrTaskTimeout) {
		return errors.Join(ErrTaskTimeout, err)
	}
	return err
}

func (t *Task) Timeout() time.Duration {
	return t.timeout
}

// Attempt returns how many times the task was cloned for a retry.
// A task built by NewTask is attempt 0.
func (t *Task) Attempt() int {
	return t.attempt
}

// Clone returns a copy of the task for another attempt. The copy gets a new
// ID and the next attempt number.
func (t *Task) Clone() *Task {
	return &Task{
		timeout: t.timeout,
		id:      generateID(),
		attempt: t.attempt + 1,
		task:    t.task,
	}
}

func (t *Task) Runnable() Runnable {
	return t.task
}

type TaskOpt func(*Task)

// WithTimeout bounds a single run of the task.
func WithTimeout(timeout time.Duration) TaskOpt {
	return func(t *Task) {
		t.timeout = timeout
	}
}

func NewTask(task Runnable, opts ...TaskOpt) *Task {
	t := &Task{
		id:   generateID(),
		task: task,
	}

	for _, opt := range opts {
		opt(t)
	}

	return t
}

var (
	ErrPoolClosed  = errors.New("pool is closed")
	ErrPoolRunning = errors.New("pool is already running")
	ErrTaskPanic   = errors.New("task panicked")
)

// Executor runs tasks submitted from any goroutine.
type Executor interface {
	// Submit hands a task over for execution. It must not block on the
	// executor's workers. After the executor has stopped, ErrPoolClosed is returned.
	Submit(*Task) error

	// Run starts executing submitted tasks. It should be run synchronously and
	// returns once ctx is done and running tasks have finished.
	//
	// Task errors don't influence the Run error.
	Run(context.Context) error
}
