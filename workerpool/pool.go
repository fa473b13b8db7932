package workerpool

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pelageech/cqueue"
	pkgsync "github.com/pelageech/cqueue/pkg/sync"
	"github.com/pelageech/cqueue/pkg/sync/lockfree"

	"code.hybscloud.com/atomix"
	"code.hybscloud.com/iox"
	"github.com/go-logr/logr"
	"github.com/hashicorp/go-multierror"
	"github.com/panjf2000/ants/v2"
	"go.opentelemetry.io/otel/metric"
)

const (
	System = "WorkerPool"
)

var ErrNilTask = errors.New("workerpool: nil task")

const (
	_maxSpinMisses   = 16
	_tasksPerWake    = 100
	_releaseTimeout  = 5 * time.Second
	_defaultWorkers  = 10
	_defaultIdle     = 20 * time.Second
	_defaultWakeTick = 10 * time.Millisecond
)

// Pool executes tasks taken from a lock-free backlog. Producers never wait
// on workers: Submit only enqueues. Workers spin on the backlog with back-off
// and park after a streak of misses; a waker goroutine watches the backlog
// length and wakes parked workers or spawns new ones up to the limit.
type Pool struct {
	mu      sync.Mutex
	running bool
	closed  atomix.Bool

	tasks *lockfree.Queue[*cqueue.Task]
	errs  *lockfree.Queue[error]

	stack      *pkgsync.Stack[chan struct{}]
	condSleeps atomic.Int64
	live       atomic.Int64

	workers      int64
	maxWorkers   int64
	retries      int
	idleTimeout  time.Duration
	wakeInterval time.Duration

	pool *ants.Pool
	wg   sync.WaitGroup
	log  logr.Logger

	serviceName     string
	backlogReg      metric.Registration
	tasksWaiting    metric.Int64UpDownCounter
	tasksFullPath   metric.Int64Histogram
	tasksFailed     metric.Int64Counter
	tasksRetried    metric.Int64Counter
	spinMiss        metric.Int64Counter
	spinWins        metric.Int64Counter
	spinSleeps      metric.Int64Counter
	workersCount    metric.Int64UpDownCounter
	workerSpawnNew  metric.Int64Counter
	workersSleeping metric.Int64UpDownCounter
	backlogLen      metric.Int64Gauge
}

type Opt func(*Pool)

// WithServiceName is used for a separate attribute for OTel metrics.
func WithServiceName(serviceName string) Opt {
	return func(p *Pool) {
		p.serviceName = serviceName
	}
}

// WithWorkersCount sets an initial worker pool size.
func WithWorkersCount(count int64) Opt {
	return func(p *Pool) {
		p.workers = count
	}
}

// WithMaxWorkers caps the number of workers the waker may spawn.
// Defaults to four times the initial size.
func WithMaxWorkers(count int64) Opt {
	return func(p *Pool) {
		p.maxWorkers = count
	}
}

// WithRetries sets how many times a failed task is resubmitted before its
// error is reported by Err. A retry runs a clone of the task at the tail of
// the backlog.
func WithRetries(n int) Opt {
	return func(p *Pool) {
		p.retries = n
	}
}

// WithIdleTimeout sets how long a parked worker waits before it exits.
// The actual wait is jittered by up to a half of it.
func WithIdleTimeout(d time.Duration) Opt {
	return func(p *Pool) {
		p.idleTimeout = d
	}
}

// WithWakeInterval sets how often the backlog is checked for parked workers to wake.
func WithWakeInterval(d time.Duration) Opt {
	return func(p *Pool) {
		p.wakeInterval = d
	}
}

func WithLogger(log logr.Logger) Opt {
	return func(p *Pool) {
		p.log = log
	}
}

// antsLogger routes ants' Printf logging into logr.
type antsLogger struct {
	log logr.Logger
}

func (l antsLogger) Printf(format string, args ...any) {
	l.log.Info(fmt.Sprintf(format, args...))
}

func NewPool(opts ...Opt) (*Pool, error) {
	p := &Pool{
		tasks:        lockfree.NewQueue[*cqueue.Task](),
		errs:         lockfree.NewQueue[error](),
		stack:        pkgsync.NewStack[chan struct{}](),
		workers:      _defaultWorkers,
		idleTimeout:  _defaultIdle,
		wakeInterval: _defaultWakeTick,
		log:          logr.Discard(),
		serviceName:  "default",
	}

	for _, opt := range opts {
		opt(p)
	}
	if p.workers < 1 {
		p.workers = 1
	}
	if p.maxWorkers < p.workers {
		p.maxWorkers = 4 * p.workers
	}
	p.log = p.log.WithName("workerpool")

	// one extra slot for the waker
	pool, err := ants.NewPool(int(p.maxWorkers)+1,
		ants.WithLogger(antsLogger{log: p.log.WithName("ants")}),
		ants.WithPanicHandler(func(r any) {
			p.log.Error(fmt.Errorf("%v", r), "worker panicked")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("create goroutine pool: %w", err)
	}
	p.pool = pool

	// instrument OpenTelemetry
	cqueue.SetSystem(System)
	cqueue.SetVersion(cqueue.Version())
	cqueue.SetService(p.serviceName)
	cqueue.InstrumentMetrics()

	m := cqueue.Meter()
	p.tasksFullPath, _ = m.Int64Histogram(cqueue.MeterPrefix+"tasks.fullpath", metric.WithUnit("ms"))
	p.tasksWaiting, _ = m.Int64UpDownCounter(cqueue.MeterPrefix + "tasks.waiting")
	p.tasksFailed, _ = m.Int64Counter(cqueue.MeterPrefix + "tasks.failed")
	p.tasksRetried, _ = m.Int64Counter(cqueue.MeterPrefix + "tasks.retried")
	p.spinMiss, _ = m.Int64Counter(cqueue.MeterPrefix + "workers.miss")
	p.spinWins, _ = m.Int64Counter(cqueue.MeterPrefix + "workers.wins")
	p.spinSleeps, _ = m.Int64Counter(cqueue.MeterPrefix + "workers.sleep")
	p.workersCount, _ = m.Int64UpDownCounter(cqueue.MeterPrefix + "workers")
	p.workerSpawnNew, _ = m.Int64Counter(cqueue.MeterPrefix + "workers.spawn")
	p.workersSleeping, _ = m.Int64UpDownCounter(cqueue.MeterPrefix + "workers.sleeping")
	p.backlogLen, _ = m.Int64Gauge(cqueue.MeterPrefix + "tasks.backlog")

	p.backlogReg, err = cqueue.InstrumentQueue(p.serviceName+".backlog", p.tasks, cqueue.WithMeter(m))
	if err != nil {
		p.pool.Release()
		return nil, fmt.Errorf("instrument backlog: %w", err)
	}

	return p, nil
}

// Submit puts the task at the tail of the backlog.
func (p *Pool) Submit(task *cqueue.Task) error {
	if task == nil {
		return ErrNilTask
	}
	if p.closed.LoadAcquire() {
		return cqueue.ErrPoolClosed
	}
	p.tasks.Enqueue(task)
	p.tasksWaiting.Add(context.Background(), 1)
	return nil
}

// Run starts the workers and blocks until ctx is done and every worker has
// returned. Tasks left in the backlog stay there and can be inspected with
// Tasks. A pool runs once: after Run returns, the pool is closed and further
// calls report ErrPoolClosed.
func (p *Pool) Run(ctx context.Context) error {
	p.mu.Lock()
	if p.closed.LoadAcquire() {
		p.mu.Unlock()
		return cqueue.ErrPoolClosed
	}
	if p.running {
		p.mu.Unlock()
		return cqueue.ErrPoolRunning
	}
	p.running = true

	for range p.workers {
		p.spawn(ctx)
	}

	p.wg.Add(1)
	if err := p.pool.Submit(func() { p.runWaker(ctx) }); err != nil {
		p.wg.Done()
		p.log.Error(err, "cannot start waker")
	}
	p.mu.Unlock()

	p.log.V(1).Info("pool started", "workers", p.workers, "maxWorkers", p.maxWorkers)
	<-ctx.Done()

	p.closed.StoreRelease(true)
	p.wg.Wait()

	if err := p.backlogReg.Unregister(); err != nil {
		p.log.Error(err, "unregister backlog metrics")
	}
	if err := p.pool.ReleaseTimeout(_releaseTimeout); err != nil {
		p.log.Error(err, "release goroutine pool")
	}
	p.log.V(1).Info("pool stopped", "pending", p.tasks.Count())
	return nil
}

// Close releases a pool that was never run. A running pool is stopped by
// cancelling the context given to Run.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed.LoadAcquire() {
		return cqueue.ErrPoolClosed
	}
	if p.running {
		return cqueue.ErrPoolRunning
	}
	p.closed.StoreRelease(true)
	if err := p.backlogReg.Unregister(); err != nil {
		p.log.Error(err, "unregister backlog metrics")
	}
	return p.pool.ReleaseTimeout(_releaseTimeout)
}

// spawn starts a worker unless the pool is at its limit.
func (p *Pool) spawn(ctx context.Context) bool {
	if p.live.Add(1) > p.maxWorkers {
		p.live.Add(-1)
		return false
	}
	p.wg.Add(1)
	if err := p.pool.Submit(func() { p.runWorker(ctx) }); err != nil {
		p.live.Add(-1)
		p.wg.Done()
		p.log.Error(err, "cannot spawn worker")
		return false
	}
	return true
}

func (p *Pool) runWorker(ctx context.Context) {
	defer p.wg.Done()
	defer p.live.Add(-1)
	p.workersCount.Add(ctx, 1)
	defer p.workersCount.Add(ctx, -1)

	spinCond := make(chan struct{})
	backoff := iox.Backoff{}
	misses := 0
	for {
		if ctx.Err() != nil {
			return
		}
		task, ok := p.tasks.TryDequeue()
		if !ok {
			misses++
			p.spinMiss.Add(ctx, 1)
			if misses < _maxSpinMisses {
				backoff.Wait()
				continue
			}
			misses = 0
			backoff.Reset()
			if !p.park(ctx, spinCond) {
				return
			}
			continue
		}
		misses = 0
		backoff.Reset()
		p.spinWins.Add(ctx, 1)
		p.tasksWaiting.Add(ctx, -1)

		t := time.Now()
		if err := p.runTask(ctx, task); err != nil {
			p.fail(ctx, task, err)
		}
		p.tasksFullPath.Record(ctx, time.Since(t).Milliseconds())
	}
}

// park blocks the worker until the waker hands it a signal. It reports false
// if the worker should exit instead.
func (p *Pool) park(ctx context.Context, spinCond chan struct{}) bool {
	p.spinSleeps.Add(ctx, 1)
	p.condSleeps.Add(1)
	p.workersSleeping.Add(ctx, 1)
	p.stack.Push(spinCond)

	idle := time.NewTimer(p.idleTimeout + rand.N(p.idleTimeout/2+1))
	defer idle.Stop()

	select {
	case spinCond <- struct{}{}:
		// the waker accounted for the wake up
		return true
	case <-ctx.Done():
	case <-idle.C:
		p.log.V(2).Info("idle worker exits")
	}
	p.condSleeps.Add(-1)
	p.workersSleeping.Add(ctx, -1)
	close(spinCond)
	return false
}

// fail resubmits a clone of the task while it has retries left and the pool
// is open. Otherwise the error is kept for Err.
func (p *Pool) fail(ctx context.Context, task *cqueue.Task, err error) {
	p.tasksFailed.Add(ctx, 1)
	log := p.log.WithValues(
		"task", task.ID(),
		"attempt", task.Attempt(),
		"runnable", fmt.Sprintf("%T", task.Runnable()),
	)
	if task.Attempt() < p.retries && !p.closed.LoadAcquire() {
		p.tasks.Enqueue(task.Clone())
		p.tasksWaiting.Add(ctx, 1)
		p.tasksRetried.Add(ctx, 1)
		log.V(1).Info("task failed, retrying", "error", err.Error())
		return
	}
	p.errs.Enqueue(fmt.Errorf("task %d: %w", task.ID(), err))
	log.V(1).Info("task failed", "error", err.Error())
}

func (p *Pool) runTask(ctx context.Context, task *cqueue.Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", cqueue.ErrTaskPanic, r)
		}
	}()
	return task.Run(ctx)
}

func (p *Pool) runWaker(ctx context.Context) {
	defer p.wg.Done()

	ti := time.NewTicker(p.wakeInterval)
	defer ti.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ti.C:
		}
		l := p.tasks.Len()
		p.backlogLen.Record(ctx, l)
		if l == 0 {
			continue
		}
		toWakeUp := l/_tasksPerWake + 1
		for range toWakeUp {
			if p.wakeOne(ctx) {
				continue
			}
			if !p.spawn(ctx) {
				break
			}
			p.workerSpawnNew.Add(ctx, 1)
		}
	}
}

// wakeOne signals the most recently parked worker that is still waiting.
func (p *Pool) wakeOne(ctx context.Context) bool {
	for {
		ch, ok := p.stack.Pop()
		if !ok {
			return false
		}
		select {
		case _, ok := <-ch:
			if !ok {
				// the worker expired
				continue
			}
			p.condSleeps.Add(-1)
			p.workersSleeping.Add(ctx, -1)
			return true
		case <-ctx.Done():
			return false
		}
	}
}

// Err drains the errors of failed tasks collected so far into a single
// *multierror.Error. It returns nil if no task failed since the last call.
func (p *Pool) Err() error {
	var result *multierror.Error
	for {
		err, ok := p.errs.TryDequeue()
		if !ok {
			break
		}
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}

// Pending counts the tasks waiting in the backlog.
func (p *Pool) Pending() int {
	return p.tasks.Count()
}

// Tasks iterates over the backlog without removing anything. Tasks taken by
// workers during the iteration may still be yielded.
func (p *Pool) Tasks() iter.Seq[*cqueue.Task] {
	return p.tasks.All()
}

// Purge drops the backlog and returns the number of dropped tasks. Tasks
// submitted concurrently may survive.
func (p *Pool) Purge() int {
	n := p.tasks.Clear()
	p.tasksWaiting.Add(context.Background(), -int64(n))
	p.log.V(1).Info("backlog purged", "tasks", n)
	return n
}

// Workers returns the number of live workers, parked ones included.
func (p *Pool) Workers() int64 {
	return p.live.Load()
}

// Sleeping returns the number of parked workers.
func (p *Pool) Sleeping() int64 {
	return p.condSleeps.Load()
}
