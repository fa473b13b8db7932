package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/pelageech/cqueue"
	"github.com/pelageech/cqueue/pkg/sync/lockfree"
	"github.com/pelageech/cqueue/workerpool"

	"code.hybscloud.com/atomix"
	"code.hybscloud.com/iox"
	"github.com/go-logr/logr"
	"github.com/go-logr/stdr"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"golang.org/x/sync/errgroup"
)

type config struct {
	producers int
	consumers int
	items     int
	workers   int64
	retries   int
	verbosity int
	metrics   bool
}

func (c *config) bind(fs *pflag.FlagSet) {
	fs.IntVarP(&c.producers, "producers", "p", 8, "goroutines enqueueing values")
	fs.IntVarP(&c.consumers, "consumers", "c", 8, "goroutines dequeueing values")
	fs.IntVarP(&c.items, "items", "n", 10_000, "values enqueued by each producer")
	fs.Int64VarP(&c.workers, "workers", "w", 4, "initial worker pool size")
	fs.IntVar(&c.retries, "retries", 0, "times a failed task is resubmitted")
	fs.IntVarP(&c.verbosity, "verbosity", "v", 0, "log verbosity")
	fs.BoolVar(&c.metrics, "metrics", false, "print OpenTelemetry metrics on exit")
}

func main() {
	cfg := &config{}
	cmd := &cobra.Command{
		Use:          "example",
		Short:        "Push values through a lock-free queue and a worker pool",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), cfg)
		},
	}
	cfg.bind(cmd.Flags())

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := cmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config) error {
	stdr.SetVerbosity(cfg.verbosity)
	logger := stdr.New(log.New(os.Stderr, "", log.LstdFlags))

	if cfg.metrics {
		exp, err := stdoutmetric.New(stdoutmetric.WithPrettyPrint())
		if err != nil {
			return fmt.Errorf("create metric exporter: %w", err)
		}
		provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exp)))
		otel.SetMeterProvider(provider)
		defer func() {
			if err := provider.Shutdown(context.Background()); err != nil {
				logger.Error(err, "shutdown meter provider")
			}
		}()
	}

	if err := drainQueue(ctx, logger, cfg); err != nil {
		return err
	}
	return runPool(ctx, logger, cfg)
}

// drainQueue moves producers*items distinct values through a queue and checks
// that every one came out exactly once.
func drainQueue(ctx context.Context, logger logr.Logger, cfg *config) error {
	total := cfg.producers * cfg.items
	q := lockfree.NewQueue[int]()
	reg, err := cqueue.InstrumentQueue("example", q)
	if err != nil {
		return err
	}
	defer reg.Unregister()

	seen := make([]atomix.Int32, total)
	var done atomix.Bool
	start := time.Now()

	var prod errgroup.Group
	for p := range cfg.producers {
		prod.Go(func() error {
			for i := range cfg.items {
				q.Enqueue(p*cfg.items + i)
			}
			return nil
		})
	}

	cons, cctx := errgroup.WithContext(ctx)
	for range cfg.consumers {
		cons.Go(func() error {
			backoff := iox.Backoff{}
			for cctx.Err() == nil {
				finished := done.LoadAcquire()
				v, err := q.Dequeue()
				if lockfree.IsWouldBlock(err) {
					if finished {
						return nil
					}
					backoff.Wait()
					continue
				}
				backoff.Reset()
				seen[v].Add(1)
			}
			return cctx.Err()
		})
	}

	_ = prod.Wait()
	done.StoreRelease(true)
	if err := cons.Wait(); err != nil {
		return err
	}

	for v := range seen {
		if n := seen[v].Load(); n != 1 {
			return fmt.Errorf("value %d dequeued %d times", v, n)
		}
	}
	s := q.Stats()
	logger.Info("queue drained",
		"values", total,
		"elapsed", time.Since(start),
		"retries", s.Retries,
		"helps", s.Helps,
		"left", q.Count(),
	)
	return nil
}

// runPool executes the same amount of work as tasks on a worker pool.
func runPool(ctx context.Context, logger logr.Logger, cfg *config) error {
	total := cfg.producers * cfg.items
	pool, err := workerpool.NewPool(
		workerpool.WithWorkersCount(cfg.workers),
		workerpool.WithRetries(cfg.retries),
		workerpool.WithServiceName("example"),
		workerpool.WithLogger(logger),
	)
	if err != nil {
		return err
	}

	var executor cqueue.Executor = pool
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	runErr := make(chan error, 1)
	go func() {
		runErr <- executor.Run(ctx)
	}()

	var wg sync.WaitGroup
	wg.Add(total)
	var sum atomix.Int64
	start := time.Now()
	for i := range total {
		task := cqueue.NewTask(cqueue.RunnableFunc(func(context.Context) error {
			defer wg.Done()
			sum.Add(int64(i))
			return nil
		}), cqueue.WithTimeout(time.Second))
		if err := executor.Submit(task); err != nil {
			return err
		}
	}

	finished := make(chan struct{})
	go func() {
		wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
	case <-ctx.Done():
	}
	cancel()
	if err := <-runErr; err != nil {
		return err
	}

	logger.Info("pool finished",
		"tasks", total,
		"elapsed", time.Since(start),
		"sum", sum.Load(),
		"pending", pool.Pending(),
	)
	return pool.Err()
}
