// Package async provides asynchronous job processing with pulse control.
//
// ARCHITECTURE: Generic job system with handler-based execution
//   - Infrastructure (pulse/async) is domain-agnostic
//   - Domain packages provide handlers (see package aggregate)
//   - HandlerName identifies which handler executes the job
//   - InputRef/OutputRef are blob keys owned by the handler's storage
package async

import (
	"time"

	"github.com/google/uuid"

	"github.com/teranos/tally/errors"
	"github.com/teranos/tally/pulse"
)

// JobStatus represents the current state of a job
type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusSucceeded JobStatus = "succeeded"
	JobStatusFailed    JobStatus = "failed"
)

// AllStatuses lists every status in lifecycle order
var AllStatuses = []JobStatus{JobStatusQueued, JobStatusRunning, JobStatusSucceeded, JobStatusFailed}

// IsValidStatus returns true if the status string is a valid JobStatus
func IsValidStatus(s string) bool {
	switch JobStatus(s) {
	case JobStatusQueued, JobStatusRunning, JobStatusSucceeded, JobStatusFailed:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether no transition can leave s
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusSucceeded || s == JobStatusFailed
}

// predecessors returns the statuses a job may be in for an UpdateJob that
// leaves it in s. Writes from any other status are rejected by the store.
// queued -> running is not an update: it happens only through ClaimJob.
//
//	queued    <- queued     (creation only)
//	running   <- running    (checkpoints)
//	succeeded <- running
//	failed    <- running
func (s JobStatus) predecessors() []JobStatus {
	switch s {
	case JobStatusQueued:
		return []JobStatus{JobStatusQueued}
	case JobStatusRunning:
		return []JobStatus{JobStatusRunning}
	case JobStatusSucceeded, JobStatusFailed:
		return []JobStatus{JobStatusRunning}
	default:
		return nil
	}
}

// CanTransition reports whether a job in from may move to to, by claim or update
func CanTransition(from, to JobStatus) bool {
	return (from == JobStatusQueued && to == JobStatusRunning) || canUpdate(from, to)
}

// canUpdate reports whether UpdateJob may write a job stored as from as to
func canUpdate(from, to JobStatus) bool {
	for _, p := range to.predecessors() {
		if p == from {
			return true
		}
	}
	return false
}

// Progress is the checkpointed progress of a job
type Progress = pulse.Progress

// CheckpointSink receives a running job's checkpoints
type CheckpointSink = pulse.CheckpointSink

// Job represents one asynchronous aggregation run over a durable input
type Job struct {
	ID          string     `json:"id"`
	HandlerName string     `json:"handler_name"` // "sales.aggregate"
	Source      string     `json:"source"`       // Upload label for logging (file name, URL)
	Status      JobStatus  `json:"status"`
	Progress    Progress   `json:"progress"`
	InputRef    string     `json:"input_ref"`
	OutputRef   string     `json:"output_ref,omitempty"` // set iff succeeded
	Error       string     `json:"error,omitempty"`      // set iff failed
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// NewJob creates a queued job with a fresh UUID and zero progress
func NewJob(handlerName, source, inputRef string) (*Job, error) {
	if handlerName == "" {
		return nil, errors.New("handlerName cannot be empty")
	}
	if inputRef == "" {
		return nil, errors.New("inputRef cannot be empty")
	}

	now := time.Now().UTC()
	return &Job{
		ID:          uuid.NewString(),
		HandlerName: handlerName,
		Source:      source,
		Status:      JobStatusQueued,
		InputRef:    inputRef,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

// Start marks the job as running
func (j *Job) Start() {
	now := time.Now().UTC()
	j.Status = JobStatusRunning
	j.StartedAt = &now
	j.UpdatedAt = now
}

// Succeed marks the job as succeeded with its output and final progress
func (j *Job) Succeed(outputRef string, final Progress) {
	now := time.Now().UTC()
	j.Status = JobStatusSucceeded
	j.OutputRef = outputRef
	j.Error = ""
	j.Progress = final
	j.CompletedAt = &now
	j.UpdatedAt = now
}

// Fail marks the job as failed with an error message
func (j *Job) Fail(err error) {
	now := time.Now().UTC()
	j.Status = JobStatusFailed
	j.OutputRef = ""
	if err != nil {
		j.Error = err.Error()
	} else {
		j.Error = "unknown error"
	}
	j.CompletedAt = &now
	j.UpdatedAt = now
}

// UpdateProgress records a checkpoint
func (j *Job) UpdateProgress(p Progress) {
	j.Progress = p
	j.UpdatedAt = time.Now().UTC()
}

// Completed reports whether the job reached a terminal state
func (j *Job) Completed() bool {
	return j.Status.IsTerminal()
}

// Clone returns a copy safe to hand to another goroutine
func (j *Job) Clone() *Job {
	c := *j
	if j.StartedAt != nil {
		t := *j.StartedAt
		c.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}
