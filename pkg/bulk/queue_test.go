package bulk

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Sternrassler/sf-bulk-client/internal/testutil"
	"github.com/Sternrassler/sf-bulk-client/pkg/pagination"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// activity tracks how many jobs are between query resolution and result delivery.
type activity struct {
	active atomic.Int32
	max    atomic.Int32
}

func (a *activity) enter() {
	n := a.active.Add(1)
	for {
		m := a.max.Load()
		if n <= m || a.max.CompareAndSwap(m, n) {
			return
		}
	}
}

func (a *activity) leave() { a.active.Add(-1) }

type trackedSource struct {
	StaticQuery
	act *activity
}

func (s trackedSource) Query(ctx context.Context) (string, error) {
	s.act.enter()
	return s.StaticQuery.Query(ctx)
}

func trackedJob(conn *Connection, act *activity, object string) *Job {
	job := NewJob(trackedSource{StaticQuery: StaticQuery{Object: object, SOQL: "SELECT Id FROM " + object}, act: act}, conn,
		WithSchedule(fastSchedule), WithLogger(zerolog.Nop()))
	job.OnComplete = append(job.OnComplete, ConsumerFunc(func(context.Context, pagination.Page) error {
		act.leave()
		return nil
	}))
	return job
}

func TestNewQueue_Defaults(t *testing.T) {
	assert.Equal(t, DefaultParallelJobs, NewQueue(0).ParallelJobs())
	assert.Equal(t, DefaultParallelJobs, NewQueue(-3).ParallelJobs())
	assert.Equal(t, 4, NewQueue(4).ParallelJobs())
}

func TestQueue_EmptyRunAll(t *testing.T) {
	batches := 0
	q := NewQueue(2, WithBatchObserver(func(int) { batches++ }), WithQueueLogger(zerolog.Nop()))

	require.NoError(t, q.RunAll(context.Background()))
	assert.Zero(t, batches)
}

func TestQueue_Take(t *testing.T) {
	conn, _ := newConnection(t)
	q := NewQueue(2)
	a, b, c := newTestJob(conn, "A"), newTestJob(conn, "B"), newTestJob(conn, "C")
	q.Append(a, b, c)

	assert.Equal(t, []*Job{a, b}, q.take(2))
	assert.Equal(t, 1, q.Len())
	assert.Equal(t, []*Job{c}, q.take(2))
	assert.Empty(t, q.take(2))
}

func TestQueue_BatchesAndBarrier(t *testing.T) {
	conn, mock := newConnection(t)
	for _, obj := range []string{"A", "B", "C", "D", "E"} {
		mock.SetJob(obj, testutil.JobScript{
			States:    []string{RemoteInProgress, RemoteJobComplete},
			PollDelay: 5 * time.Millisecond,
		})
	}

	act := &activity{}
	var (
		mu         sync.Mutex
		sizes      []int
		activeSeen []int32
	)
	q := NewQueue(2, WithQueueLogger(zerolog.Nop()), WithBatchObserver(func(n int) {
		mu.Lock()
		defer mu.Unlock()
		sizes = append(sizes, n)
		activeSeen = append(activeSeen, act.active.Load())
	}))

	for _, obj := range []string{"A", "B", "C", "D", "E"} {
		q.Append(trackedJob(conn, act, obj))
	}
	require.Equal(t, 5, q.Len())

	require.NoError(t, q.RunAll(context.Background()))

	assert.Equal(t, []int{2, 2, 1}, sizes)
	assert.Equal(t, []int32{0, 0, 0}, activeSeen, "a batch starts only after the previous one finished")
	assert.LessOrEqual(t, act.max.Load(), int32(2))
	assert.Zero(t, q.Len())
	assert.Len(t, mock.GetSubmitted(), 5)
}

func TestQueue_DuplicateJobRunsTwice(t *testing.T) {
	conn, mock := newConnection(t)
	mock.SetJob("Account", testutil.JobScript{Pages: threePages()})

	log := &pageLog{}
	job := newTestJob(conn, "Account")
	job.OnComplete = append(job.OnComplete, log.consumer("a"))

	q := NewQueue(10, WithQueueLogger(zerolog.Nop()))
	q.Append(job, job)
	require.NoError(t, q.RunAll(context.Background()))

	assert.Len(t, mock.GetSubmitted(), 2)
	assert.Len(t, log.Calls(), 6)
	assert.Equal(t, StateComplete, job.State())
}

func TestQueue_FailureFinishesBatchAndStops(t *testing.T) {
	conn, mock := newConnection(t)
	mock.SetJob("Account", testutil.JobScript{States: []string{RemoteInProgress, RemoteInProgress, RemoteJobComplete}})
	mock.SetJob("Contact", testutil.JobScript{SubmitError: "INVALID_FIELD"})
	mock.SetJob("Lead", testutil.JobScript{})
	mock.SetJob("Case", testutil.JobScript{})

	log := &pageLog{}
	account := newTestJob(conn, "Account")
	account.OnComplete = append(account.OnComplete, log.consumer("account"))

	var batches []int
	q := NewQueue(2, WithQueueLogger(zerolog.Nop()), WithBatchObserver(func(n int) { batches = append(batches, n) }))
	q.Append(account, newTestJob(conn, "Contact"), newTestJob(conn, "Lead"), newTestJob(conn, "Case"))

	err := q.RunAll(context.Background())

	var jobErr *JobError
	require.ErrorAs(t, err, &jobErr)
	assert.Equal(t, "Contact", jobErr.Object)

	assert.Equal(t, StateComplete, account.State(), "sibling job finishes despite the failure")
	assert.Len(t, log.Calls(), 1)
	assert.Equal(t, []int{2}, batches)
	assert.Equal(t, 2, q.Len(), "remaining jobs stay queued")
}

func TestQueue_RejectedJobDoesNotStopQueue(t *testing.T) {
	conn, mock := newConnection(t)
	mock.SetJob("Account", testutil.JobScript{})
	mock.SetJob("AccountHistory", testutil.JobScript{SubmitError: CodeInvalidEntity})

	q := NewQueue(1, WithQueueLogger(zerolog.Nop()))
	rejected := newTestJob(conn, "AccountHistory")
	done := newTestJob(conn, "Account")
	q.Append(rejected, done)

	require.NoError(t, q.RunAll(context.Background()))
	assert.Equal(t, StateRejected, rejected.State())
	assert.Equal(t, StateComplete, done.State())
}

func TestQueue_ContextCancelled(t *testing.T) {
	conn, _ := newConnection(t)
	q := NewQueue(2, WithQueueLogger(zerolog.Nop()))
	q.Append(newTestJob(conn, "Account"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, q.RunAll(ctx), context.Canceled)
	assert.Equal(t, 1, q.Len())
}
