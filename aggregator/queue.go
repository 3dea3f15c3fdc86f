package aggregator

import (
	"context"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"
	"github.com/sirupsen/logrus"

	"github.com/arc-archive/arc-datastore/period"
)

// QueueOptions configures the rollup work queue.
type QueueOptions struct {
	Workers    int
	Capacity   int
	MaxRetries uint64
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

func (o QueueOptions) withDefaults() QueueOptions {
	if o.Workers <= 0 {
		o.Workers = 1
	}
	if o.Capacity <= 0 {
		o.Capacity = 64
	}
	if o.BaseDelay <= 0 {
		o.BaseDelay = time.Second
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = time.Minute
	}
	return o
}

// RollupHandler runs one queued rollup request.
type RollupHandler func(ctx context.Context, req period.Request) error

// Queue runs rollup requests off the caller's path with a fixed pool of
// workers. Requests whose handler fails with a retryable error are retried
// with exponential backoff, every other failure is logged and dropped.
type Queue struct {
	handle RollupHandler
	opts   QueueOptions
	tasks  chan period.Request
	log    *logrus.Entry

	mu      sync.RWMutex
	closed  bool
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func NewQueue(handle RollupHandler, opts QueueOptions, log *logrus.Entry) *Queue {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	opts = opts.withDefaults()
	return &Queue{
		handle: handle,
		opts:   opts,
		tasks:  make(chan period.Request, opts.Capacity),
		log:    log.WithField("component", "queue"),
	}
}

// Start launches the workers. Calling it more than once has no effect.
func (q *Queue) Start(ctx context.Context) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.started || q.closed {
		return
	}
	q.started = true

	ctx, q.cancel = context.WithCancel(ctx)
	for i := 0; i < q.opts.Workers; i++ {
		q.wg.Add(1)
		go q.worker(ctx, i)
	}
	q.log.WithField("workers", q.opts.Workers).Info("Rollup queue started")
}

// Enqueue hands req to the workers without blocking.
func (q *Queue) Enqueue(req period.Request) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrQueueClosed
	}

	select {
	case q.tasks <- req:
		q.log.WithField("period", req.String()).Debug("Rollup queued")
		return nil
	default:
		return ErrQueueFull
	}
}

// Len returns the number of requests waiting for a worker.
func (q *Queue) Len() int {
	return len(q.tasks)
}

// Close stops accepting requests and waits for the workers to drain the
// ones already queued.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	close(q.tasks)
	started := q.started
	q.mu.Unlock()

	if started {
		q.wg.Wait()
		q.cancel()
	}
	q.log.Info("Rollup queue stopped")
}

func (q *Queue) worker(ctx context.Context, id int) {
	defer q.wg.Done()
	for req := range q.tasks {
		q.process(ctx, id, req)
	}
}

func (q *Queue) process(ctx context.Context, workerID int, req period.Request) {
	log := q.log.WithFields(logrus.Fields{
		"worker": workerID,
		"period": req.String(),
	})

	backoff := retry.NewExponential(q.opts.BaseDelay)
	backoff = retry.WithCappedDuration(q.opts.MaxDelay, backoff)
	backoff = retry.WithMaxRetries(q.opts.MaxRetries, backoff)

	attempt := 0
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		err := q.handle(ctx, req)
		if err != nil && Retryable(err) {
			log.WithField("attempt", attempt).WithError(err).Warn("Rollup attempt failed, retrying")
			return retry.RetryableError(err)
		}
		return err
	})
	if err != nil {
		log.WithField("attempts", attempt).WithError(err).Error("Rollup abandoned")
	}
}
