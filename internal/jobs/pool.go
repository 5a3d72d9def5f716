// Package jobs runs the durable lifecycle job queue with a fixed pool of
// workers.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-logr/logr"
	"golang.org/x/sync/errgroup"

	"github.com/testroom-dev/testroom/internal/log"
	"github.com/testroom-dev/testroom/internal/metrics"
	"github.com/testroom-dev/testroom/internal/session"
)

// maxBackoff caps the doubling retry delay.
const maxBackoff = time.Hour

// ErrNoHandler is recorded on jobs whose kind has no registered handler.
var ErrNoHandler = errors.New("jobs: no handler for kind")

// Queue is the persistent side of the pool. session.Store implements it.
type Queue interface {
	ClaimJob(ctx context.Context) (*session.Job, error)
	CompleteJob(ctx context.Context, id int64) error
	FailJob(ctx context.Context, job *session.Job, cause error, retryAfter time.Duration) (bool, error)
	RequeueStale(ctx context.Context) (int, error)
}

// Handler executes one job. A returned error fails the attempt.
type Handler func(ctx context.Context, job *session.Job) error

// Options configures a Pool.
type Options struct {
	Workers      int
	PollInterval time.Duration
	Backoff      time.Duration
	Audit        *log.Logger
}

// Stats tracks job outcomes since the pool started. All methods are
// thread-safe.
type Stats struct {
	mu        sync.Mutex
	Completed int
	Retried   int
	Failed    int
}

func (s *Stats) record(result string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch result {
	case "done":
		s.Completed++
	case "retry":
		s.Retried++
	case "failed":
		s.Failed++
	}
}

// Snapshot returns a copy of the counters.
func (s *Stats) Snapshot() (completed, retried, failed int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Completed, s.Retried, s.Failed
}

// Pool claims jobs from a Queue and dispatches them to handlers by kind.
type Pool struct {
	queue    Queue
	handlers map[session.JobKind]Handler
	opts     Options
	wake     chan struct{}

	Stats Stats
}

// NewPool returns a pool. Zero options select 4 workers, a 500ms poll and
// a 15s base backoff.
func NewPool(queue Queue, opts Options) *Pool {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 500 * time.Millisecond
	}
	if opts.Backoff <= 0 {
		opts.Backoff = 15 * time.Second
	}
	return &Pool{
		queue:    queue,
		handlers: make(map[session.JobKind]Handler),
		opts:     opts,
		wake:     make(chan struct{}, 1),
	}
}

// Handle registers the handler for kind. Call before Run.
func (p *Pool) Handle(kind session.JobKind, h Handler) {
	p.handlers[kind] = h
}

// Notify wakes an idle worker so a freshly enqueued job starts without
// waiting for the next poll.
func (p *Pool) Notify() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// Run re-queues jobs orphaned by a previous process and then runs the
// workers until ctx is cancelled.
func (p *Pool) Run(ctx context.Context) error {
	logger := logr.FromContextOrDiscard(ctx)

	n, err := p.queue.RequeueStale(ctx)
	if err != nil {
		return fmt.Errorf("requeue stale jobs: %w", err)
	}
	if n > 0 {
		logger.Info("re-queued jobs left running by a previous process", "count", n)
	}

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < p.opts.Workers; i++ {
		worker := i
		g.Go(func() error {
			p.work(logr.NewContext(ctx, logger.WithValues("worker", worker)))
			return nil
		})
	}
	return g.Wait()
}

func (p *Pool) work(ctx context.Context) {
	logger := logr.FromContextOrDiscard(ctx)
	ticker := time.NewTicker(p.opts.PollInterval)
	defer ticker.Stop()

	for {
		ran, err := p.RunOnce(ctx)
		if err != nil && ctx.Err() == nil {
			logger.Error(err, "job queue error")
		}
		if ran {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-p.wake:
		case <-ticker.C:
		}
	}
}

// RunOnce claims and executes at most one job. It reports whether a job
// was claimed.
func (p *Pool) RunOnce(ctx context.Context) (bool, error) {
	job, err := p.queue.ClaimJob(ctx)
	if err != nil {
		return false, fmt.Errorf("claim job: %w", err)
	}
	if job == nil {
		return false, nil
	}
	return true, p.execute(ctx, job)
}

func (p *Pool) execute(ctx context.Context, job *session.Job) error {
	logger := logr.FromContextOrDiscard(ctx).WithValues(
		"job", job.ID, "kind", job.Kind, "session", job.SessionID, "attempt", job.Attempts)
	ctx = logr.NewContext(ctx, logger)

	metrics.JobStarted()
	defer metrics.JobFinished()

	start := time.Now()
	runErr := p.dispatch(ctx, job)
	if runErr == nil {
		p.record(job, "done")
		logger.V(1).Info("job done", "duration", time.Since(start))
		return p.queue.CompleteJob(ctx, job.ID)
	}

	retry, err := p.queue.FailJob(ctx, job, runErr, p.backoff(job.Attempts))
	if err != nil {
		return fmt.Errorf("record job failure: %w", err)
	}
	if retry {
		p.record(job, "retry")
		logger.Info("job attempt failed, will retry", "error", runErr.Error(), "retryIn", p.backoff(job.Attempts))
	} else {
		p.record(job, "failed")
		logger.Error(runErr, "job failed permanently")
	}

	_ = p.opts.Audit.Append(log.LogEvent{
		Event:      log.EventJobFailed,
		SessionID:  job.SessionID,
		Step:       string(job.Kind),
		Outcome:    outcome(retry),
		Error:      runErr.Error(),
		Attempt:    job.Attempts,
		DurationMs: time.Since(start).Milliseconds(),
	})
	return nil
}

func (p *Pool) dispatch(ctx context.Context, job *session.Job) (err error) {
	h, ok := p.handlers[job.Kind]
	if !ok {
		return fmt.Errorf("%w %q", ErrNoHandler, job.Kind)
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job panicked: %v", r)
		}
	}()
	return h(ctx, job)
}

func (p *Pool) record(job *session.Job, result string) {
	p.Stats.record(result)
	metrics.ObserveJob(string(job.Kind), result)
}

// backoff returns the delay before the next attempt: the base delay
// doubled for every attempt already made, capped at maxBackoff.
func (p *Pool) backoff(attempts int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.opts.Backoff
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = maxBackoff
	b.MaxElapsedTime = 0
	b.Reset()

	d := b.NextBackOff()
	for i := 1; i < attempts; i++ {
		d = b.NextBackOff()
	}
	return d
}

func outcome(retry bool) string {
	if retry {
		return "retry"
	}
	return "failed"
}
