package matching

import "time"

// Status is the client-side view of a matching job's lifecycle.
//
// submitted and running come from the service; timed_out and cancelled are
// terminal states applied locally when the orchestrator gives up. The
// service never reports them.
type Status string

const (
	StatusSubmitted Status = "submitted"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusTimedOut  Status = "timed_out"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether s is a state a job can never leave.
func (s Status) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusTimedOut, StatusCancelled:
		return true
	}
	return false
}

// MatchJob is one submitted unit of work. Owned exclusively by the
// orchestrator for the duration of one match stage; never shared across
// concurrent runs.
type MatchJob struct {
	JobID        string    `json:"job_id"`
	Status       Status    `json:"status"`
	SubmittedAt  time.Time `json:"submitted_at"`
	LastPolledAt time.Time `json:"last_polled_at,omitempty"`
}

// JobStatus is one idempotent status observation.
type JobStatus struct {
	Status         Status
	OutputLocation string // set when Status == succeeded, maybe empty otherwise
	ErrorDetail    string // set when Status == failed
	InputRecords   int
	MatchedRecords int
}
