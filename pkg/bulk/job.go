package bulk

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/Sternrassler/sf-bulk-client/pkg/auth"
	"github.com/Sternrassler/sf-bulk-client/pkg/client"
	"github.com/Sternrassler/sf-bulk-client/pkg/logging"
	"github.com/Sternrassler/sf-bulk-client/pkg/pagination"
	"github.com/rs/zerolog"
)

// Transport performs authenticated requests. *client.Client satisfies it.
type Transport interface {
	Get(ctx context.Context, url string, header http.Header) (*client.Response, error)
	Post(ctx context.Context, url string, body []byte, header http.Header) (*client.Response, error)
}

// Connection bundles the transport with the credentials of one org.
type Connection struct {
	Transport Transport
	Auth      auth.Credentials
}

// NewConnection creates a connection.
func NewConnection(transport Transport, creds auth.Credentials) *Connection {
	return &Connection{Transport: transport, Auth: creds}
}

// Job is one bulk query against the org.
type Job struct {
	source    QuerySource
	conn      *Connection
	schedule  Schedule
	paginator *pagination.Paginator
	logger    zerolog.Logger

	// OnComplete consumers receive the result set in registration order.
	// Append before Start; the slice is not modified by the job.
	OnComplete []ResultConsumer

	mu    sync.RWMutex
	id    string
	state State
}

// JobOption configures a Job.
type JobOption func(*Job)

// WithSchedule sets the poll schedule.
func WithSchedule(s Schedule) JobOption {
	return func(j *Job) {
		j.schedule = s
	}
}

// WithPaginator sets the paginator used for the result set.
func WithPaginator(p *pagination.Paginator) JobOption {
	return func(j *Job) {
		j.paginator = p
	}
}

// WithLogger sets the job logger.
func WithLogger(logger zerolog.Logger) JobOption {
	return func(j *Job) {
		j.logger = logger
	}
}

// NewJob creates a job for the query of source.
func NewJob(source QuerySource, conn *Connection, opts ...JobOption) *Job {
	j := &Job{
		source:   source,
		conn:     conn,
		schedule: DefaultSchedule(),
		logger:   logging.NewLogger(logging.ComponentJob),
		state:    StateCreated,
	}
	for _, opt := range opts {
		opt(j)
	}
	if j.paginator == nil {
		j.paginator = pagination.NewPaginator(conn.Transport, conn.Auth, pagination.DefaultConfig())
	}
	return j
}

// ID returns the platform job id, empty until a submission succeeded.
func (j *Job) ID() string {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.id
}

// State returns the current lifecycle state.
func (j *Job) State() State {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.state
}

// Object returns the name of the query source.
func (j *Job) Object() string {
	return j.source.Name()
}

// run holds the state of one Start call.
type run struct {
	job    *Job
	id     string
	logger zerolog.Logger
}

func (r *run) transition(state State) {
	r.job.mu.Lock()
	r.job.state = state
	r.job.id = r.id
	r.job.mu.Unlock()

	r.logger.Debug().Str("state", state.String()).Msg("Job state changed")
}

func (r *run) fail(err error) error {
	jobsTotal.WithLabelValues(outcomeError).Inc()
	r.logger.Error().Err(err).Msg("Job failed")
	return &JobError{Object: r.job.Object(), JobID: r.id, Err: err}
}

// Start submits the job, polls it to a terminal state, and streams the results to the
// OnComplete consumers. It returns nil for Complete, Failed, and Rejected; any other
// problem is returned as a *JobError. Each call is an independent run.
//
// A *JobError leaves State at the last transition reached (Created when submission
// failed, Polling afterwards), which is not terminal. Callers must treat the returned
// error as the end of the run instead of waiting for IsTerminal.
func (j *Job) Start(ctx context.Context) error {
	r := &run{
		job:    j,
		logger: j.logger.With().Str("object", j.Object()).Logger(),
	}
	r.transition(StateCreated)

	jobsRunning.Inc()
	defer jobsRunning.Dec()

	r.logger.Info().Msg("Starting job")

	query, err := j.source.Query(ctx)
	if err != nil {
		return r.fail(fmt.Errorf("resolve query: %w", err))
	}

	id, rejected, err := j.submit(ctx, r, query)
	if err != nil {
		return r.fail(err)
	}
	if rejected {
		r.transition(StateRejected)
		jobsTotal.WithLabelValues(outcomeRejected).Inc()
		return nil
	}

	r.id = id
	r.logger = r.logger.With().Str("job_id", id).Logger()
	r.transition(StateSubmitted)
	r.transition(StatePolling)

	for attempt := 1; ; attempt++ {
		delay := j.schedule.Delay(attempt)
		if err := sleep(ctx, delay); err != nil {
			return r.fail(err)
		}

		remote, err := j.status(ctx, id)
		if err != nil {
			return r.fail(err)
		}
		jobPollsTotal.Inc()

		r.logger.Info().
			Int("attempt", attempt).
			Dur("delay", delay).
			Str("state", remote).
			Msg("Job status")

		switch remote {
		case RemoteFailed:
			r.transition(StateFailed)
			jobsTotal.WithLabelValues(outcomeFailed).Inc()
			return nil
		case RemoteJobComplete:
			if err := j.deliver(ctx, r); err != nil {
				return r.fail(err)
			}
			r.transition(StateComplete)
			jobsTotal.WithLabelValues(outcomeComplete).Inc()
			r.logger.Info().Msg("Finished job")
			return nil
		}
	}
}

type jobRequest struct {
	Operation string `json:"operation"`
	Query     string `json:"query"`
}

type jobInfo struct {
	ID    string `json:"id"`
	State string `json:"state"`
}

// submit creates the job. rejected is true when the platform refused it with a suppressed code.
func (j *Job) submit(ctx context.Context, r *run, query string) (id string, rejected bool, err error) {
	body, err := json.Marshal(jobRequest{Operation: "query", Query: query})
	if err != nil {
		return "", false, fmt.Errorf("encode job request: %w", err)
	}

	resp, err := j.conn.Transport.Post(ctx, auth.DataURL(j.conn.Auth, "jobs", "query"), body, j.conn.Auth.Headers())
	if err != nil {
		var httpErr *client.HTTPError
		if !errors.As(err, &httpErr) {
			return "", false, fmt.Errorf("submit job: %w", err)
		}

		var list []PlatformError
		if jsonErr := json.Unmarshal(httpErr.Body, &list); jsonErr != nil || len(list) == 0 {
			return "", false, &SubmissionError{StatusCode: httpErr.StatusCode, Err: err}
		}

		first := list[0]
		if IsSuppressed(first.ErrorCode) {
			r.logger.Info().
				Int("status", httpErr.StatusCode).
				Str("error_code", first.ErrorCode).
				Str("message", first.Message).
				Msg("Job rejected, skipping object")
			return "", true, nil
		}

		return "", false, &SubmissionError{
			StatusCode: httpErr.StatusCode,
			Code:       first.ErrorCode,
			Message:    first.Message,
			Err:        err,
		}
	}

	var info jobInfo
	if err := json.Unmarshal(resp.Body, &info); err != nil {
		return "", false, fmt.Errorf("%w: decode job: %v", ErrMalformedResponse, err)
	}
	if info.ID == "" {
		return "", false, fmt.Errorf("%w: job has no id", ErrMalformedResponse)
	}
	return info.ID, false, nil
}

func (j *Job) status(ctx context.Context, id string) (string, error) {
	resp, err := j.conn.Transport.Get(ctx, auth.DataURL(j.conn.Auth, "jobs", "query", id), j.conn.Auth.Headers())
	if err != nil {
		return "", fmt.Errorf("poll job: %w", err)
	}

	var info jobInfo
	if err := json.Unmarshal(resp.Body, &info); err != nil {
		return "", fmt.Errorf("%w: decode job status: %v", ErrMalformedResponse, err)
	}
	if info.State == "" {
		return "", fmt.Errorf("%w: job status has no state", ErrMalformedResponse)
	}
	return info.State, nil
}

// deliver runs one full result fetch per consumer, in registration order.
func (j *Job) deliver(ctx context.Context, r *run) error {
	resultURL := auth.DataURL(j.conn.Auth, "jobs", "query", r.id, "results")
	paginator := j.paginator.WithLogger(r.logger)

	for i, consumer := range j.OnComplete {
		pages, err := paginator.Fetch(ctx, resultURL, consumer)
		if err != nil {
			return fmt.Errorf("consumer %d: %w", i, err)
		}
		r.logger.Debug().Int("consumer", i).Int("pages", pages).Msg("Consumer finished")
	}
	return nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
