package async

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/joseph-ayodele/fsqueue/internal/common"
	"github.com/joseph-ayodele/fsqueue/internal/queue"
)

// Source is the part of a queue the worker loop consumes. *queue.Queue satisfies it.
type Source interface {
	Dequeue(ctx context.Context) (*queue.Job, error)
	Complete(ctx context.Context, ref queue.Ref) error
	Fail(ctx context.Context, ref queue.Ref, cause error) error
	Reconcile(ctx context.Context) (queue.ReconcileResult, error)
}

// Handler processes one job. A nil return completes the job; an error fails it.
type Handler func(ctx context.Context, job *queue.Job) error

// Counters are cumulative worker outcomes.
type Counters struct {
	Completed   int64
	Failed      int64
	Interrupted int64
	Skipped     int64
}

// Worker runs a pool of goroutines that dequeue jobs, run the handler and
// complete or fail each job with the outcome.
type Worker struct {
	src     Source
	handle  Handler
	logger  *slog.Logger
	workers int
	poll    time.Duration
	timeout time.Duration
	wakeup  <-chan struct{}
	drain   bool

	completed   atomic.Int64
	failed      atomic.Int64
	interrupted atomic.Int64
	skipped     atomic.Int64
}

// Option configures a Worker.
type Option func(*Worker)

// WithWorkers sets how many jobs are processed concurrently. Defaults to 1.
func WithWorkers(n int) Option {
	return func(w *Worker) {
		if n > 0 {
			w.workers = n
		}
	}
}

// WithPollInterval sets how long an idle worker waits before checking for new jobs.
func WithPollInterval(d time.Duration) Option {
	return func(w *Worker) {
		if d > 0 {
			w.poll = d
		}
	}
}

// WithProcessTimeout bounds a single handler call. Defaults to 3 minutes.
func WithProcessTimeout(d time.Duration) Option {
	return func(w *Worker) {
		if d > 0 {
			w.timeout = d
		}
	}
}

// WithWakeup makes idle workers retry as soon as a value arrives on ch.
func WithWakeup(ch <-chan struct{}) Option {
	return func(w *Worker) {
		w.wakeup = ch
	}
}

// WithDrain makes Run return once the queue is empty instead of waiting for more work.
func WithDrain(drain bool) Option {
	return func(w *Worker) {
		w.drain = drain
	}
}

// NewWorker returns a Worker consuming src with handle. A nil logger uses slog.Default.
func NewWorker(src Source, handle Handler, logger *slog.Logger, opts ...Option) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	w := &Worker{
		src:     src,
		handle:  handle,
		logger:  logger,
		workers: 1,
		poll:    time.Second,
		timeout: 3 * time.Minute,
	}
	for _, o := range opts {
		o(w)
	}
	return w
}

// Run consumes jobs until ctx is done, or until the queue is empty in drain
// mode. It returns the first error that is not scoped to a single job.
func (w *Worker) Run(ctx context.Context) error {
	if w.handle == nil {
		return errors.New("worker: nil handler")
	}
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < w.workers; i++ {
		workerID := i + 1
		g.Go(func() error {
			return w.loop(gctx, workerID)
		})
	}
	err := g.Wait()
	if err != nil && ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		return nil
	}
	return err
}

// Counters returns the outcomes recorded so far.
func (w *Worker) Counters() Counters {
	return Counters{
		Completed:   w.completed.Load(),
		Failed:      w.failed.Load(),
		Interrupted: w.interrupted.Load(),
		Skipped:     w.skipped.Load(),
	}
}

func (w *Worker) loop(ctx context.Context, workerID int) error {
	logger := w.logger.With("worker_id", workerID)
	logger.Info("worker started")
	defer logger.Info("worker stopped")

	for {
		if ctx.Err() != nil {
			return nil
		}
		job, err := w.src.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if common.IsRecoverable(err) {
				w.skipped.Add(1)
				logger.Warn("skipping job", "error", err, "code", common.CodeOf(err))
				continue
			}
			return fmt.Errorf("worker %d: %w", workerID, err)
		}
		if job == nil {
			if w.drain {
				return nil
			}
			if !w.idle(ctx, logger) {
				return nil
			}
			continue
		}
		if err := w.process(ctx, logger, workerID, job); err != nil {
			return err
		}
	}
}

// idle waits for a wakeup, the poll interval or cancellation, then reconciles
// so jobs written by other producers become visible. It reports whether to go on.
func (w *Worker) idle(ctx context.Context, logger *slog.Logger) bool {
	timer := time.NewTimer(w.poll)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
	case <-w.wakeup:
	}
	if res, err := w.src.Reconcile(ctx); err != nil {
		if ctx.Err() == nil {
			logger.Warn("reconcile failed", "error", err)
		}
	} else if res.Added > 0 || res.Dropped > 0 {
		logger.Debug("index reconciled", "added", res.Added, "dropped", res.Dropped, "pending", res.Pending)
	}
	return true
}

func (w *Worker) process(ctx context.Context, logger *slog.Logger, workerID int, job *queue.Job) error {
	jobLogger := logger.With("ref", job.Ref.String(), "retry_count", job.Record.RetryCount())
	jobCtx, cancel := context.WithTimeout(ctx, w.timeout)
	jobCtx = common.WithJobRef(jobCtx, job.Ref.String())
	jobCtx = common.WithWorkerID(jobCtx, workerID)
	jobCtx = common.WithLogger(jobCtx, jobLogger)

	start := time.Now()
	herr := w.safeHandle(jobCtx, job)
	cancel()

	// Shutdown mid-job: leave the file pending so the next open redelivers it.
	if herr != nil && ctx.Err() != nil && errors.Is(herr, ctx.Err()) {
		w.interrupted.Add(1)
		jobLogger.Warn("job interrupted by shutdown, left pending")
		return nil
	}

	resolveCtx := context.WithoutCancel(ctx)
	if herr == nil {
		if err := w.src.Complete(resolveCtx, job.Ref); err != nil {
			return w.resolveError(jobLogger, "complete", err)
		}
		w.completed.Add(1)
		jobLogger.Info("processed job successfully", "elapsed_ms", time.Since(start).Milliseconds())
		return nil
	}

	if err := w.src.Fail(resolveCtx, job.Ref, herr); err != nil {
		return w.resolveError(jobLogger, "fail", err)
	}
	w.failed.Add(1)
	jobLogger.Error("processing failed", "error", herr, "elapsed_ms", time.Since(start).Milliseconds())
	return nil
}

// resolveError keeps the loop alive for per-job failures and stops it otherwise.
func (w *Worker) resolveError(logger *slog.Logger, op string, err error) error {
	if common.IsRecoverable(err) {
		logger.Error(op+" failed, job left pending", "error", err, "code", common.CodeOf(err))
		return nil
	}
	return common.WrapError(err, op)
}

func (w *Worker) safeHandle(ctx context.Context, job *queue.Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return w.handle(ctx, job)
}
