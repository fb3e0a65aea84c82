package bulk

import (
	"errors"
	"fmt"
)

// ErrMalformedResponse is returned when a 2xx response lacks a required field.
var ErrMalformedResponse = errors.New("malformed response")

// Suppressed submission error codes. A job rejected with one of them ends quietly.
const (
	CodeInvalidEntity = "INVALIDENTITY"
	CodeAPIError      = "API_ERROR"
	CodeInvalidJob    = "INVALIDJOB"
)

// IsSuppressed reports whether a submission error code is swallowed.
func IsSuppressed(code string) bool {
	switch code {
	case CodeInvalidEntity, CodeAPIError, CodeInvalidJob:
		return true
	default:
		return false
	}
}

// PlatformError is one entry of the error list returned by the REST API.
type PlatformError struct {
	ErrorCode string `json:"errorCode"`
	Message   string `json:"message"`
}

// SubmissionError is a job submission the platform refused with a code that is not suppressed.
type SubmissionError struct {
	StatusCode int
	Code       string
	Message    string
	Err        error
}

func (e *SubmissionError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("submit job (status %d): %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("submit job (status %d): %s: %s", e.StatusCode, e.Code, e.Message)
}

func (e *SubmissionError) Unwrap() error {
	return e.Err
}

// JobError carries the identity of the job a fatal error came from.
type JobError struct {
	Object string
	JobID  string
	Err    error
}

func (e *JobError) Error() string {
	if e.JobID == "" {
		return fmt.Sprintf("bulk job %s: %v", e.Object, e.Err)
	}
	return fmt.Sprintf("bulk job %s (%s): %v", e.Object, e.JobID, e.Err)
}

func (e *JobError) Unwrap() error {
	return e.Err
}
