package bulk

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/Sternrassler/sf-bulk-client/internal/testutil"
	"github.com/Sternrassler/sf-bulk-client/pkg/auth"
	"github.com/Sternrassler/sf-bulk-client/pkg/client"
	"github.com/Sternrassler/sf-bulk-client/pkg/pagination"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fastSchedule = Intervals{time.Millisecond}

func newConnection(t *testing.T) (*Connection, *testutil.MockSalesforce) {
	t.Helper()

	mock := testutil.NewMockSalesforce()
	t.Cleanup(mock.Close)

	cfg := client.DefaultConfig(nil, "bulk-test/1.0")
	cfg.RateLimit = 0
	cfg.InitialBackoff = time.Millisecond
	c, err := client.New(cfg)
	require.NoError(t, err)

	creds := auth.Static{AccessToken: testutil.AccessToken, InstanceURL: mock.URL(), Version: testutil.APIVersion}
	return NewConnection(c, creds), mock
}

func newTestJob(conn *Connection, object string, opts ...JobOption) *Job {
	opts = append([]JobOption{WithSchedule(fastSchedule), WithLogger(zerolog.Nop())}, opts...)
	return NewJob(StaticQuery{Object: object, SOQL: "SELECT Id FROM " + object}, conn, opts...)
}

// pageLog records consumer invocations across consumers.
type pageLog struct {
	mu    sync.Mutex
	calls []string
}

func (l *pageLog) consumer(name string) ResultConsumer {
	return ConsumerFunc(func(_ context.Context, page pagination.Page) error {
		l.mu.Lock()
		defer l.mu.Unlock()
		l.calls = append(l.calls, name+":"+string(page.Body))
		return nil
	})
}

func (l *pageLog) Calls() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.calls...)
}

func threePages() []testutil.ResultPage {
	return []testutil.ResultPage{
		{Body: "p0", Locator: "c1"},
		{Body: "p1", Locator: "c2"},
		{Body: "p2", Locator: "NA"},
	}
}

func TestNewJob_Defaults(t *testing.T) {
	conn, _ := newConnection(t)
	job := NewJob(StaticQuery{Object: "Account"}, conn)

	assert.Equal(t, StateCreated, job.State())
	assert.Empty(t, job.ID())
	assert.Equal(t, "Account", job.Object())
	assert.Equal(t, DefaultSchedule(), job.schedule)
	assert.Equal(t, pagination.DefaultPageSize, job.paginator.PageSize())
}

func TestJob_SuppressedSubmissionErrors(t *testing.T) {
	for _, code := range []string{CodeInvalidEntity, CodeAPIError, CodeInvalidJob} {
		t.Run(code, func(t *testing.T) {
			conn, mock := newConnection(t)
			mock.SetJob("Account", testutil.JobScript{SubmitError: code})

			log := &pageLog{}
			job := newTestJob(conn, "Account")
			job.OnComplete = append(job.OnComplete, log.consumer("a"))

			require.NoError(t, job.Start(context.Background()))
			assert.Equal(t, StateRejected, job.State())
			assert.Empty(t, job.ID())
			assert.Empty(t, log.Calls())
			assert.Equal(t, 1, mock.GetRequestCount(), "no poll after a rejected submission")
		})
	}
}

func TestJob_InvalidJob400(t *testing.T) {
	conn, mock := newConnection(t)
	mock.SetResponse(testutil.DataPath("jobs", "query"), testutil.NewErrorListResponse(http.StatusBadRequest, "INVALIDJOB", "Unable to process query"))

	log := &pageLog{}
	job := newTestJob(conn, "Account")
	job.OnComplete = append(job.OnComplete, log.consumer("a"))

	require.NoError(t, job.Start(context.Background()))
	assert.Empty(t, job.ID())
	assert.Empty(t, log.Calls())
}

func TestJob_SubmissionErrorFatal(t *testing.T) {
	conn, mock := newConnection(t)
	mock.SetJob("Account", testutil.JobScript{SubmitError: "INVALID_FIELD"})

	job := newTestJob(conn, "Account")
	err := job.Start(context.Background())

	var jobErr *JobError
	require.ErrorAs(t, err, &jobErr)
	assert.Equal(t, "Account", jobErr.Object)
	assert.Empty(t, jobErr.JobID)
	assert.Equal(t, StateCreated, job.State())
	assert.False(t, job.State().IsTerminal())

	var subErr *SubmissionError
	require.ErrorAs(t, err, &subErr)
	assert.Equal(t, "INVALID_FIELD", subErr.Code)
	assert.Equal(t, http.StatusBadRequest, subErr.StatusCode)

	var httpErr *client.HTTPError
	assert.ErrorAs(t, err, &httpErr)
}

func TestJob_SubmissionErrorUndecodable(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{name: "not json", body: "<html>Bad Request</html>"},
		{name: "empty list", body: "[]"},
		{name: "object instead of list", body: `{"errorCode":"INVALIDJOB"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn, mock := newConnection(t)
			mock.SetResponse(testutil.DataPath("jobs", "query"), testutil.MockResponse{StatusCode: http.StatusBadRequest, Body: tt.body})

			err := newTestJob(conn, "Account").Start(context.Background())

			var subErr *SubmissionError
			require.ErrorAs(t, err, &subErr)
			assert.Empty(t, subErr.Code)
		})
	}
}

func TestJob_TransportErrorFatal(t *testing.T) {
	boom := errors.New("connection reset")
	conn := NewConnection(failingTransport{err: boom}, auth.Static{InstanceURL: "https://acme.my.salesforce.com", Version: "v52.0"})

	err := newTestJob(conn, "Account").Start(context.Background())

	assert.ErrorIs(t, err, boom)
	var subErr *SubmissionError
	assert.False(t, errors.As(err, &subErr), "non-HTTP errors are not submission errors")
}

func TestJob_CompleteInvokesConsumersInOrder(t *testing.T) {
	conn, mock := newConnection(t)
	mock.SetJob("Account", testutil.JobScript{
		ID:     "750xx",
		States: []string{RemoteUploadComplete, RemoteInProgress, RemoteJobComplete},
		Pages:  threePages(),
	})

	log := &pageLog{}
	job := newTestJob(conn, "Account")
	job.OnComplete = append(job.OnComplete, log.consumer("a"), log.consumer("b"))

	require.NoError(t, job.Start(context.Background()))

	assert.Equal(t, StateComplete, job.State())
	assert.Equal(t, "750xx", job.ID())
	assert.Equal(t, []string{"a:p0", "a:p1", "a:p2", "b:p0", "b:p1", "b:p2"}, log.Calls())
	assert.Equal(t, 3, mock.Polls("750xx"))
	assert.Len(t, mock.ResultRequests("750xx"), 6, "one full fetch per consumer")
}

func TestJob_InProgressThenComplete(t *testing.T) {
	conn, mock := newConnection(t)
	mock.SetJob("Account", testutil.JobScript{
		ID:     "750xx",
		States: []string{RemoteInProgress, RemoteJobComplete},
	})

	log := &pageLog{}
	job := newTestJob(conn, "Account")
	job.OnComplete = append(job.OnComplete, log.consumer("a"))

	require.NoError(t, job.Start(context.Background()))
	assert.Equal(t, "750xx", job.ID())
	assert.Equal(t, 2, mock.Polls("750xx"))
	assert.Equal(t, []string{"maxRecords=50000"}, mock.ResultRequests("750xx"))
	assert.Len(t, log.Calls(), 1)
}

func TestJob_CompleteWithoutConsumers(t *testing.T) {
	conn, mock := newConnection(t)
	mock.SetJob("Account", testutil.JobScript{ID: "750xx"})

	job := newTestJob(conn, "Account")
	require.NoError(t, job.Start(context.Background()))
	assert.Equal(t, StateComplete, job.State())
	assert.Empty(t, mock.ResultRequests("750xx"))
}

func TestJob_Failed(t *testing.T) {
	conn, mock := newConnection(t)
	mock.SetJob("Account", testutil.JobScript{
		ID:     "750xx",
		States: []string{RemoteInProgress, RemoteFailed},
		Pages:  threePages(),
	})

	log := &pageLog{}
	job := newTestJob(conn, "Account")
	job.OnComplete = append(job.OnComplete, log.consumer("a"))

	require.NoError(t, job.Start(context.Background()))
	assert.Equal(t, StateFailed, job.State())
	assert.Equal(t, "750xx", job.ID())
	assert.Empty(t, log.Calls())
	assert.Empty(t, mock.ResultRequests("750xx"))
}

func TestJob_AbortedKeepsPolling(t *testing.T) {
	conn, mock := newConnection(t)
	mock.SetJob("Account", testutil.JobScript{ID: "750xx", States: []string{RemoteAborted}})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	job := newTestJob(conn, "Account")
	err := job.Start(ctx)

	var jobErr *JobError
	require.ErrorAs(t, err, &jobErr)
	assert.Equal(t, "750xx", jobErr.JobID)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Greater(t, mock.Polls("750xx"), 1)
	assert.Equal(t, StatePolling, job.State())
}

func TestJob_PollScheduleAttempts(t *testing.T) {
	conn, mock := newConnection(t)
	mock.SetJob("Account", testutil.JobScript{
		ID:     "750xx",
		States: []string{RemoteInProgress, RemoteInProgress, RemoteJobComplete},
	})

	sched := &recordingSchedule{}
	require.NoError(t, newTestJob(conn, "Account", WithSchedule(sched)).Start(context.Background()))
	assert.Equal(t, []int{1, 2, 3}, sched.attempts)
}

func TestJob_MalformedSubmitResponse(t *testing.T) {
	conn, mock := newConnection(t)
	mock.SetResponse(testutil.DataPath("jobs", "query"), testutil.NewJSONResponse(`{"state":"UploadComplete"}`))

	err := newTestJob(conn, "Account").Start(context.Background())
	assert.ErrorIs(t, err, ErrMalformedResponse)
}

func TestJob_MalformedStatusResponse(t *testing.T) {
	conn, mock := newConnection(t)
	mock.SetJob("Account", testutil.JobScript{ID: "750xx"})
	mock.SetResponse(testutil.DataPath("jobs", "query", "750xx"), testutil.NewJSONResponse(`{"id":"750xx"}`))

	err := newTestJob(conn, "Account").Start(context.Background())

	var jobErr *JobError
	require.ErrorAs(t, err, &jobErr)
	assert.Equal(t, "750xx", jobErr.JobID)
	assert.ErrorIs(t, err, ErrMalformedResponse)
}

func TestJob_PollHTTPErrorFatal(t *testing.T) {
	conn, mock := newConnection(t)
	mock.SetJob("Account", testutil.JobScript{ID: "750xx"})
	mock.SetResponse(testutil.DataPath("jobs", "query", "750xx"), testutil.NewErrorListResponse(http.StatusUnauthorized, "INVALID_SESSION_ID", "Session expired or invalid"))

	job := newTestJob(conn, "Account")
	err := job.Start(context.Background())

	var httpErr *client.HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, http.StatusUnauthorized, httpErr.StatusCode)
	assert.Equal(t, StatePolling, job.State())
	assert.False(t, job.State().IsTerminal())
}

func TestJob_ConsumerErrorFatal(t *testing.T) {
	conn, mock := newConnection(t)
	mock.SetJob("Account", testutil.JobScript{ID: "750xx", Pages: threePages()})

	boom := errors.New("disk full")
	second := &pageLog{}
	job := newTestJob(conn, "Account")
	job.OnComplete = append(job.OnComplete,
		ConsumerFunc(func(context.Context, pagination.Page) error { return boom }),
		second.consumer("b"),
	)

	err := job.Start(context.Background())
	assert.ErrorIs(t, err, boom)
	assert.Empty(t, second.Calls(), "later consumers do not run after a failure")
	assert.NotEqual(t, StateComplete, job.State())
}

func TestJob_QueryError(t *testing.T) {
	conn, mock := newConnection(t)
	boom := errors.New("describe failed")

	job := NewJob(errorSource{err: boom}, conn, WithLogger(zerolog.Nop()))
	err := job.Start(context.Background())

	var jobErr *JobError
	require.ErrorAs(t, err, &jobErr)
	assert.Equal(t, "Broken__c", jobErr.Object)
	assert.ErrorIs(t, err, boom)
	assert.Zero(t, mock.GetRequestCount())
}

func TestJob_SubmitBody(t *testing.T) {
	conn, mock := newConnection(t)
	mock.SetJob("Account", testutil.JobScript{ID: "750xx"})

	require.NoError(t, newTestJob(conn, "Account").Start(context.Background()))

	reqs := mock.GetRequests()
	require.NotEmpty(t, reqs)
	assert.Equal(t, http.MethodPost, reqs[0].Method)
	assert.JSONEq(t, `{"operation":"query","query":"SELECT Id FROM Account"}`, reqs[0].Body)
}

func TestJob_StartTwice(t *testing.T) {
	conn, mock := newConnection(t)
	mock.SetJob("Account", testutil.JobScript{Pages: threePages()})

	log := &pageLog{}
	job := newTestJob(conn, "Account")
	job.OnComplete = append(job.OnComplete, log.consumer("a"))

	require.NoError(t, job.Start(context.Background()))
	firstID := job.ID()
	require.NoError(t, job.Start(context.Background()))

	assert.Len(t, mock.GetSubmitted(), 2)
	assert.NotEqual(t, firstID, job.ID(), "each run records its own id")
	assert.Len(t, log.Calls(), 6)
}

func TestJob_ResetOnRejectedRerun(t *testing.T) {
	conn, mock := newConnection(t)
	mock.SetJob("Account", testutil.JobScript{ID: "750xx"})

	job := newTestJob(conn, "Account")
	require.NoError(t, job.Start(context.Background()))
	require.Equal(t, "750xx", job.ID())

	mock.SetJob("Account", testutil.JobScript{SubmitError: CodeInvalidEntity})
	require.NoError(t, job.Start(context.Background()))
	assert.Empty(t, job.ID())
	assert.Equal(t, StateRejected, job.State())
}

type recordingSchedule struct {
	mu       sync.Mutex
	attempts []int
}

func (s *recordingSchedule) Delay(attempt int) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts = append(s.attempts, attempt)
	return time.Millisecond
}

type errorSource struct{ err error }

func (errorSource) Name() string                            { return "Broken__c" }
func (s errorSource) Query(context.Context) (string, error) { return "", s.err }

type failingTransport struct{ err error }

func (f failingTransport) Get(context.Context, string, http.Header) (*client.Response, error) {
	return nil, f.err
}

func (f failingTransport) Post(context.Context, string, []byte, http.Header) (*client.Response, error) {
	return nil, f.err
}
