package bulk

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsSuppressed(t *testing.T) {
	for _, code := range []string{"INVALIDENTITY", "API_ERROR", "INVALIDJOB"} {
		assert.True(t, IsSuppressed(code), code)
	}
	for _, code := range []string{"", "INVALID_FIELD", "invalidjob", "MALFORMED_QUERY"} {
		assert.False(t, IsSuppressed(code), code)
	}
}

func TestState_IsTerminal(t *testing.T) {
	terminal := map[State]bool{
		StateCreated:   false,
		StateSubmitted: false,
		StatePolling:   false,
		StateComplete:  true,
		StateFailed:    true,
		StateRejected:  true,
	}
	for state, want := range terminal {
		assert.Equal(t, want, state.IsTerminal(), state.String())
	}
}

func TestJobError(t *testing.T) {
	inner := errors.New("poll job: timeout")

	err := &JobError{Object: "Account", JobID: "750xx", Err: inner}
	assert.Equal(t, "bulk job Account (750xx): poll job: timeout", err.Error())
	assert.ErrorIs(t, err, inner)

	noID := &JobError{Object: "Contact", Err: inner}
	assert.Equal(t, "bulk job Contact: poll job: timeout", noID.Error())
}

func TestSubmissionError(t *testing.T) {
	inner := errors.New("salesforce client error (status 400): 400 Bad Request")

	err := &SubmissionError{StatusCode: 400, Code: "INVALID_FIELD", Message: "No such column 'Foo'", Err: inner}
	assert.Equal(t, "submit job (status 400): INVALID_FIELD: No such column 'Foo'", err.Error())
	assert.ErrorIs(t, err, inner)

	undecoded := &SubmissionError{StatusCode: 400, Err: inner}
	assert.Contains(t, undecoded.Error(), "submit job (status 400): salesforce client error")
}
