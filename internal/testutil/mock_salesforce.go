// Package testutil provides a fake Salesforce org for tests.
package testutil

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strings"
	"sync"
	"time"
)

// APIVersion is the version the mock serves under /services/data/.
const APIVersion = "v52.0"

// AccessToken is the token issued by the mock token endpoint.
const AccessToken = "00Dmock!session"

// MockResponse defines the behavior for a mock endpoint response.
type MockResponse struct {
	StatusCode int
	Body       string
	Headers    map[string]string
	Delay      time.Duration
}

// ResultPage is one page of a job's result set. Locator is returned in the
// Sforce-Locator header of this page; empty omits the header.
type ResultPage struct {
	Body    string
	Locator string
}

// JobScript scripts the server side of one bulk query job, keyed by the object it queries.
type JobScript struct {
	// ID returned on submission. Defaults to a generated 750 id.
	ID string

	// SubmitError, when set, rejects the submission with a 400 error list carrying this code.
	SubmitError string

	// States are returned by successive status polls; the last one repeats.
	// Defaults to JobComplete.
	States []string

	// Pages is the result set.
	Pages []ResultPage

	// PollDelay is applied to each status response.
	PollDelay time.Duration
}

// Field describes one field of a mock object.
type Field struct {
	Name              string `json:"name"`
	Type              string `json:"type"`
	Calculated        bool   `json:"calculated"`
	CompoundFieldName string `json:"compoundFieldName,omitempty"`
}

// Object describes a mock sObject.
type Object struct {
	Name      string
	Queryable bool
	Fields    []Field
}

// RecordedRequest is a request seen by the mock.
type RecordedRequest struct {
	Method string
	Path   string
	Query  string
	Body   string
}

type jobRun struct {
	script JobScript
	object string
	polls  int
}

// MockSalesforce is a configurable fake org serving the token, sobjects, describe,
// and Bulk API 2.0 query endpoints.
type MockSalesforce struct {
	server   *httptest.Server
	mu       sync.RWMutex
	handlers map[string]func(w http.ResponseWriter, r *http.Request)

	objects []Object
	scripts map[string]JobScript
	jobs    map[string]*jobRun
	nextID  int

	// Tracking
	RequestCount      int
	ConditionalCount  int
	LastRequestHeader http.Header
	Requests          []RecordedRequest
	Submitted         []string
}

var fromClause = regexp.MustCompile(`(?i)\bFROM\s+(\w+)`)

// NewMockSalesforce creates a new mock org.
func NewMockSalesforce() *MockSalesforce {
	mock := &MockSalesforce{
		handlers: make(map[string]func(w http.ResponseWriter, r *http.Request)),
		scripts:  make(map[string]JobScript),
		jobs:     make(map[string]*jobRun),
	}

	mock.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)

		mock.mu.Lock()
		mock.RequestCount++
		mock.LastRequestHeader = r.Header.Clone()
		mock.Requests = append(mock.Requests, RecordedRequest{
			Method: r.Method,
			Path:   r.URL.Path,
			Query:  r.URL.RawQuery,
			Body:   string(body),
		})

		if r.Header.Get("If-None-Match") != "" || r.Header.Get("If-Modified-Since") != "" {
			mock.ConditionalCount++
		}
		handler, exists := mock.handlers[r.URL.Path]
		mock.mu.Unlock()

		if exists {
			handler(w, r)
			return
		}

		mock.route(w, r, body)
	}))

	return mock
}

// URL returns the mock server URL, which is also the instance URL.
func (m *MockSalesforce) URL() string {
	return m.server.URL
}

// DataPath returns the REST data path for elem.
func DataPath(elem ...string) string {
	return "/services/data/" + APIVersion + "/" + strings.Join(elem, "/")
}

// Close shuts down the mock server.
func (m *MockSalesforce) Close() {
	m.server.Close()
}

// Reset clears all tracking counters.
func (m *MockSalesforce) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.RequestCount = 0
	m.ConditionalCount = 0
	m.LastRequestHeader = nil
	m.Requests = nil
	m.Submitted = nil
}

// SetHandler sets a custom handler for a specific path, taking precedence over the built-in routes.
func (m *MockSalesforce) SetHandler(path string, handler func(w http.ResponseWriter, r *http.Request)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[path] = handler
}

// SetResponse configures a simple response for a path.
func (m *MockSalesforce) SetResponse(path string, resp MockResponse) {
	m.SetHandler(path, func(w http.ResponseWriter, r *http.Request) {
		writeResponse(w, resp)
	})
}

// AddObject registers an sObject for the global describe and its describe endpoint.
func (m *MockSalesforce) AddObject(obj Object) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects = append(m.objects, obj)
}

// SetJob scripts the job created for queries against object.
func (m *MockSalesforce) SetJob(object string, script JobScript) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scripts[strings.ToLower(object)] = script
}

// GetRequestCount returns the number of requests made to the server.
func (m *MockSalesforce) GetRequestCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.RequestCount
}

// GetConditionalCount returns the number of conditional requests.
func (m *MockSalesforce) GetConditionalCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.ConditionalCount
}

// GetLastRequestHeader returns the headers of the most recent request.
func (m *MockSalesforce) GetLastRequestHeader() http.Header {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.LastRequestHeader.Clone()
}

// GetRequests returns a copy of the recorded requests.
func (m *MockSalesforce) GetRequests() []RecordedRequest {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]RecordedRequest(nil), m.Requests...)
}

// GetSubmitted returns the submitted query texts in arrival order.
func (m *MockSalesforce) GetSubmitted() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.Submitted...)
}

// Polls returns how often the status of job id was requested.
func (m *MockSalesforce) Polls(id string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if run, ok := m.jobs[id]; ok {
		return run.polls
	}
	return 0
}

// ResultRequests returns the query strings of all result requests for job id.
func (m *MockSalesforce) ResultRequests(id string) []string {
	path := DataPath("jobs", "query", id, "results")
	var queries []string
	for _, req := range m.GetRequests() {
		if req.Path == path {
			queries = append(queries, req.Query)
		}
	}
	return queries
}

func (m *MockSalesforce) route(w http.ResponseWriter, r *http.Request, body []byte) {
	path := r.URL.Path
	jobsPath := DataPath("jobs", "query")

	switch {
	case path == "/services/oauth2/token" && r.Method == http.MethodPost:
		m.handleToken(w)
	case path == DataPath("sobjects"):
		m.handleGlobalDescribe(w, r)
	case strings.HasPrefix(path, DataPath("sobjects")+"/") && strings.HasSuffix(path, "/describe"):
		name := strings.TrimSuffix(strings.TrimPrefix(path, DataPath("sobjects")+"/"), "/describe")
		m.handleDescribe(w, r, name)
	case path == jobsPath && r.Method == http.MethodPost:
		m.handleSubmit(w, body)
	case strings.HasPrefix(path, jobsPath+"/") && strings.HasSuffix(path, "/results"):
		id := strings.TrimSuffix(strings.TrimPrefix(path, jobsPath+"/"), "/results")
		m.handleResults(w, r, id)
	case strings.HasPrefix(path, jobsPath+"/"):
		m.handleStatus(w, strings.TrimPrefix(path, jobsPath+"/"))
	default:
		writeJSON(w, http.StatusNotFound, []map[string]string{{"errorCode": "NOT_FOUND", "message": "The requested resource does not exist"}})
	}
}

func (m *MockSalesforce) handleToken(w http.ResponseWriter) {
	writeJSON(w, http.StatusOK, map[string]string{
		"access_token": AccessToken,
		"instance_url": m.server.URL,
		"token_type":   "Bearer",
		"id":           m.server.URL + "/id/00Dmock/005mock",
	})
}

func (m *MockSalesforce) handleGlobalDescribe(w http.ResponseWriter, r *http.Request) {
	m.mu.RLock()
	type entry struct {
		Name      string `json:"name"`
		Queryable bool   `json:"queryable"`
	}
	entries := make([]entry, 0, len(m.objects))
	for _, obj := range m.objects {
		entries = append(entries, entry{Name: obj.Name, Queryable: obj.Queryable})
	}
	m.mu.RUnlock()

	writeCacheable(w, r, `"sobjects"`, map[string]any{"sobjects": entries})
}

func (m *MockSalesforce) handleDescribe(w http.ResponseWriter, r *http.Request, name string) {
	m.mu.RLock()
	var found *Object
	for i := range m.objects {
		if strings.EqualFold(m.objects[i].Name, name) {
			found = &m.objects[i]
			break
		}
	}
	m.mu.RUnlock()

	if found == nil {
		writeJSON(w, http.StatusNotFound, []map[string]string{{"errorCode": "NOT_FOUND", "message": "The requested resource does not exist"}})
		return
	}

	writeCacheable(w, r, fmt.Sprintf(`"describe-%s"`, found.Name), map[string]any{
		"name":   found.Name,
		"fields": found.Fields,
	})
}

func (m *MockSalesforce) handleSubmit(w http.ResponseWriter, body []byte) {
	var req struct {
		Operation string `json:"operation"`
		Query     string `json:"query"`
	}
	if err := json.Unmarshal(body, &req); err != nil || req.Operation != "query" {
		writeJSON(w, http.StatusBadRequest, []map[string]string{{"errorCode": "INVALIDJOB", "message": "Malformed job request"}})
		return
	}

	object := ""
	if match := fromClause.FindStringSubmatch(req.Query); match != nil {
		object = match[1]
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.Submitted = append(m.Submitted, req.Query)

	script, ok := m.scripts[strings.ToLower(object)]
	if !ok {
		writeJSON(w, http.StatusBadRequest, []map[string]string{{"errorCode": "INVALIDENTITY", "message": "sObject type '" + object + "' is not supported"}})
		return
	}
	if script.SubmitError != "" {
		writeJSON(w, http.StatusBadRequest, []map[string]string{{"errorCode": script.SubmitError, "message": "rejected by mock"}})
		return
	}

	m.nextID++
	id := script.ID
	if id == "" || m.jobs[id] != nil {
		id = fmt.Sprintf("7505g00000Mock%03d", m.nextID)
	}
	m.jobs[id] = &jobRun{script: script, object: object}

	writeJSON(w, http.StatusOK, map[string]string{
		"id":        id,
		"operation": "query",
		"object":    object,
		"state":     "UploadComplete",
	})
}

func (m *MockSalesforce) handleStatus(w http.ResponseWriter, id string) {
	m.mu.Lock()
	run, ok := m.jobs[id]
	if !ok {
		m.mu.Unlock()
		writeJSON(w, http.StatusNotFound, []map[string]string{{"errorCode": "NOT_FOUND", "message": "job not found"}})
		return
	}
	run.polls++
	state := "JobComplete"
	if n := len(run.script.States); n > 0 {
		idx := run.polls - 1
		if idx >= n {
			idx = n - 1
		}
		state = run.script.States[idx]
	}
	delay := run.script.PollDelay
	m.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}

	writeJSON(w, http.StatusOK, map[string]string{"id": id, "state": state})
}

func (m *MockSalesforce) handleResults(w http.ResponseWriter, r *http.Request, id string) {
	m.mu.RLock()
	run, ok := m.jobs[id]
	m.mu.RUnlock()
	if !ok {
		writeJSON(w, http.StatusNotFound, []map[string]string{{"errorCode": "NOT_FOUND", "message": "job not found"}})
		return
	}

	pages := run.script.Pages
	if len(pages) == 0 {
		pages = []ResultPage{{Body: "\"Id\"\n"}}
	}

	index := 0
	if locator := r.URL.Query().Get("locator"); locator != "" {
		index = -1
		for i, page := range pages {
			if page.Locator == locator && i+1 < len(pages) {
				index = i + 1
				break
			}
		}
		if index < 0 {
			writeJSON(w, http.StatusBadRequest, []map[string]string{{"errorCode": "INVALID_LOCATOR", "message": "unknown locator " + locator}})
			return
		}
	}

	page := pages[index]
	w.Header().Set("Content-Type", "text/csv")
	if page.Locator != "" {
		w.Header().Set("Sforce-Locator", page.Locator)
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(page.Body))
}

func writeCacheable(w http.ResponseWriter, r *http.Request, etag string, v any) {
	w.Header().Set("Expires", time.Now().Add(5*time.Minute).UTC().Format(http.TimeFormat))
	if r.Header.Get("If-None-Match") == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	w.Header().Set("ETag", etag)
	writeJSON(w, http.StatusOK, v)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json;charset=UTF-8")
	w.Header().Set("Sforce-Limit-Info", "api-usage=10/15000")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeResponse(w http.ResponseWriter, resp MockResponse) {
	if resp.Delay > 0 {
		time.Sleep(resp.Delay)
	}
	for key, value := range resp.Headers {
		w.Header().Set(key, value)
	}
	w.WriteHeader(resp.StatusCode)
	if resp.Body != "" {
		w.Write([]byte(resp.Body))
	}
}

// NewJSONResponse creates a 200 OK JSON response.
func NewJSONResponse(data string) MockResponse {
	return MockResponse{
		StatusCode: http.StatusOK,
		Body:       data,
		Headers: map[string]string{
			"Content-Type":      "application/json;charset=UTF-8",
			"Sforce-Limit-Info": "api-usage=10/15000",
		},
	}
}

// NewErrorListResponse creates an error response in the platform's error list format.
func NewErrorListResponse(status int, errorCode, message string) MockResponse {
	body, _ := json.Marshal([]map[string]string{{"errorCode": errorCode, "message": message}})
	return MockResponse{
		StatusCode: status,
		Body:       string(body),
		Headers: map[string]string{
			"Content-Type": "application/json;charset=UTF-8",
		},
	}
}

// NewServerErrorResponse creates a 500 Internal Server Error response.
func NewServerErrorResponse() MockResponse {
	return NewErrorListResponse(http.StatusInternalServerError, "UNKNOWN_EXCEPTION", "An unexpected error occurred")
}

// NewRateLimitResponse creates a 429 Too Many Requests response.
func NewRateLimitResponse() MockResponse {
	return NewErrorListResponse(http.StatusTooManyRequests, "REQUEST_LIMIT_EXCEEDED", "ConcurrentPerOrgLongTxn Limit exceeded")
}
