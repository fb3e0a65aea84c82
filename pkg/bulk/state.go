package bulk

// State is the local lifecycle state of a Job.
type State string

const (
	StateCreated   State = "Created"
	StateSubmitted State = "Submitted"
	StatePolling   State = "Polling"
	StateComplete  State = "Complete"
	StateFailed    State = "Failed"
	StateRejected  State = "Rejected"
)

// IsTerminal reports whether no further transition can happen.
func (s State) IsTerminal() bool {
	switch s {
	case StateComplete, StateFailed, StateRejected:
		return true
	default:
		return false
	}
}

func (s State) String() string { return string(s) }

// Remote job states reported by the platform.
const (
	RemoteUploadComplete = "UploadComplete"
	RemoteInProgress     = "InProgress"
	RemoteJobComplete    = "JobComplete"
	RemoteFailed         = "Failed"
	RemoteAborted        = "Aborted"
)
