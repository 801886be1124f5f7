package broker

import (
	"strings"
	"time"

	"github.com/teranos/tally/pulse"
	"github.com/teranos/tally/pulse/async"
)

// State is the externally visible job state
type State string

const (
	StatePending State = "PENDING"
	StateRunning State = "RUNNING"
	StateSuccess State = "SUCCESS"
	StateFailure State = "FAILURE"
)

// StateOf maps a stored job status to its external state
func StateOf(s async.JobStatus) State {
	switch s {
	case async.JobStatusQueued:
		return StatePending
	case async.JobStatusRunning:
		return StateRunning
	case async.JobStatusSucceeded:
		return StateSuccess
	default:
		return StateFailure
	}
}

// ParseState accepts external states and internal statuses, case-insensitively.
// The empty string parses as "any state".
func ParseState(s string) (*async.JobStatus, bool) {
	var status async.JobStatus
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "":
		return nil, true
	case string(StatePending), "QUEUED":
		status = async.JobStatusQueued
	case string(StateRunning):
		status = async.JobStatusRunning
	case string(StateSuccess), "SUCCEEDED":
		status = async.JobStatusSucceeded
	case string(StateFailure), "FAILED":
		status = async.JobStatusFailed
	default:
		return nil, false
	}
	return &status, true
}

// Completed reports whether s is terminal
func (s State) Completed() bool {
	return s == StateSuccess || s == StateFailure
}

// rank orders states along the job lifecycle; both terminal states rank last
func (s State) rank() int {
	switch s {
	case StatePending:
		return 0
	case StateRunning:
		return 1
	default:
		return 2
	}
}

// Status is the result of Query: a snapshot of one job
type Status struct {
	JobID     string         `json:"job_id"`
	Completed bool           `json:"completed"`
	State     State          `json:"status"`
	Progress  pulse.Progress `json:"progress"`
	OutputRef string         `json:"output_ref,omitempty"`
	Error     string         `json:"error,omitempty"`
	Source    string         `json:"source,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// StatusOf builds the external view of a job
func StatusOf(job *async.Job) Status {
	state := StateOf(job.Status)
	st := Status{
		JobID:     job.ID,
		Completed: state.Completed(),
		State:     state,
		Progress:  job.Progress,
		Source:    job.Source,
		CreatedAt: job.CreatedAt,
		UpdatedAt: job.UpdatedAt,
	}
	switch state {
	case StateSuccess:
		st.OutputRef = job.OutputRef
	case StateFailure:
		st.Error = job.Error
	}
	return st
}

// follows reports whether next may be shown after s without the job appearing
// to move backwards. A terminal snapshot always follows a non-terminal one;
// its progress is raised to at least what was already shown.
func (s Status) follows(next *Status) bool {
	if s.Completed || next.State.rank() < s.State.rank() {
		return false
	}
	if next.Completed {
		next.Progress = pulse.Progress{
			UnitsProcessed: max(s.Progress.UnitsProcessed, next.Progress.UnitsProcessed),
			DistinctKeys:   max(s.Progress.DistinctKeys, next.Progress.DistinctKeys),
			ElapsedSeconds: max(s.Progress.ElapsedSeconds, next.Progress.ElapsedSeconds),
		}
		return true
	}
	if s.Progress.Regresses(next.Progress) {
		return false
	}
	return next.State != s.State || next.Progress != s.Progress
}
