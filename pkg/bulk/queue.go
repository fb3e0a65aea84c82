package bulk

import (
	"context"
	"sync"

	"github.com/Sternrassler/sf-bulk-client/pkg/logging"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// DefaultParallelJobs is the batch size used when none is configured.
const DefaultParallelJobs = 10

// Queue runs jobs in batches of at most ParallelJobs. A batch runs to completion
// before the next one starts.
type Queue struct {
	parallelJobs int
	observer     func(n int)
	logger       zerolog.Logger

	mu   sync.Mutex
	jobs []*Job
}

// QueueOption configures a Queue.
type QueueOption func(*Queue)

// WithBatchObserver is called with the size of every batch before it starts.
func WithBatchObserver(fn func(n int)) QueueOption {
	return func(q *Queue) {
		q.observer = fn
	}
}

// WithQueueLogger sets the queue logger.
func WithQueueLogger(logger zerolog.Logger) QueueOption {
	return func(q *Queue) {
		q.logger = logger
	}
}

// NewQueue creates an empty queue. parallelJobs <= 0 uses DefaultParallelJobs.
func NewQueue(parallelJobs int, opts ...QueueOption) *Queue {
	if parallelJobs <= 0 {
		parallelJobs = DefaultParallelJobs
	}
	q := &Queue{
		parallelJobs: parallelJobs,
		logger:       logging.NewLogger(logging.ComponentQueue),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// ParallelJobs returns the batch size.
func (q *Queue) ParallelJobs() int {
	return q.parallelJobs
}

// Append adds jobs to the end of the queue. The same job may be appended more than once.
func (q *Queue) Append(jobs ...*Job) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.jobs = append(q.jobs, jobs...)
}

// Len returns the number of queued jobs.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.jobs)
}

// take removes and returns up to n jobs from the head of the queue.
func (q *Queue) take(n int) []*Job {
	q.mu.Lock()
	defer q.mu.Unlock()

	if n > len(q.jobs) {
		n = len(q.jobs)
	}
	batch := make([]*Job, n)
	copy(batch, q.jobs[:n])
	q.jobs = q.jobs[n:]
	return batch
}

// RunAll drains the queue batch by batch. If a job in a batch fails, the batch still
// finishes; RunAll then returns the first failure and leaves the remaining jobs queued.
func (q *Queue) RunAll(ctx context.Context) error {
	for batchNo := 1; ; batchNo++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		batch := q.take(q.parallelJobs)
		if len(batch) == 0 {
			return nil
		}

		queueBatchesTotal.Inc()
		if q.observer != nil {
			q.observer(len(batch))
		}

		q.logger.Info().
			Int("batch", batchNo).
			Int("jobs", len(batch)).
			Int("remaining", q.Len()).
			Msg("Running batch")

		var g errgroup.Group
		for _, job := range batch {
			g.Go(func() error {
				return job.Start(ctx)
			})
		}

		if err := g.Wait(); err != nil {
			q.logger.Error().
				Err(err).
				Int("batch", batchNo).
				Int("remaining", q.Len()).
				Msg("Batch failed, stopping queue")
			return err
		}
	}
}
