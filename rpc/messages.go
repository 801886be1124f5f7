package rpc

import (
	"time"

	"github.com/teranos/tally/broker"
	"github.com/teranos/tally/pulse"
)

// UploadChunk is one piece of a client-streamed upload. Filename is only
// read from the first chunk.
type UploadChunk struct {
	Filename string `json:"filename,omitempty"`
	Data     []byte `json:"data,omitempty"`
}

// SubmitRequest submits a job over an input that is already stored
type SubmitRequest struct {
	InputRef string `json:"input_ref"`
	Source   string `json:"source,omitempty"`
	Handler  string `json:"handler,omitempty"`
}

type SubmitResponse struct {
	JobID  string `json:"job_id"`
	Status string `json:"status"`
}

type QueryRequest struct {
	JobID string `json:"job_id"`
}

// Progress uses the field names of the original wire format
type Progress struct {
	LinesProcessed uint64  `json:"lines_processed"`
	Departments    uint64  `json:"departments"`
	TimeElapsed    float64 `json:"time_elapsed"`
}

type QueryResponse struct {
	JobID     string   `json:"job_id"`
	Completed bool     `json:"completed"`
	Status    string   `json:"status"`
	Progress  Progress `json:"progress"`
	OutputRef string   `json:"output_ref,omitempty"`
	Error     string   `json:"error,omitempty"`
	Source    string   `json:"source,omitempty"`
	CreatedAt int64    `json:"created_at,omitempty"` // unix millis
	UpdatedAt int64    `json:"updated_at,omitempty"` // unix millis
}

type OutputRequest struct {
	JobID string `json:"job_id"`
}

type OutputChunk struct {
	Data []byte `json:"data"`
}

type ListJobsRequest struct {
	Status string `json:"status,omitempty"`
	Limit  int    `json:"limit,omitempty"`
}

type ListJobsResponse struct {
	Jobs []*QueryResponse `json:"jobs"`
}

// SubmissionResponse converts a broker submission
func SubmissionResponse(sub *broker.Submission) *SubmitResponse {
	return &SubmitResponse{JobID: sub.JobID, Status: string(sub.State)}
}

// Submission converts back to the broker type
func (r *SubmitResponse) Submission() *broker.Submission {
	return &broker.Submission{JobID: r.JobID, State: broker.State(r.Status)}
}

// StatusResponse converts a broker status snapshot
func StatusResponse(st broker.Status) *QueryResponse {
	resp := &QueryResponse{
		JobID:     st.JobID,
		Completed: st.Completed,
		Status:    string(st.State),
		Progress: Progress{
			LinesProcessed: st.Progress.UnitsProcessed,
			Departments:    st.Progress.DistinctKeys,
			TimeElapsed:    st.Progress.ElapsedSeconds,
		},
		OutputRef: st.OutputRef,
		Error:     st.Error,
		Source:    st.Source,
	}
	if !st.CreatedAt.IsZero() {
		resp.CreatedAt = st.CreatedAt.UnixMilli()
	}
	if !st.UpdatedAt.IsZero() {
		resp.UpdatedAt = st.UpdatedAt.UnixMilli()
	}
	return resp
}

// ToStatus converts back to the broker type
func (r *QueryResponse) ToStatus() broker.Status {
	st := broker.Status{
		JobID:     r.JobID,
		Completed: r.Completed,
		State:     broker.State(r.Status),
		Progress: pulse.Progress{
			UnitsProcessed: r.Progress.LinesProcessed,
			DistinctKeys:   r.Progress.Departments,
			ElapsedSeconds: r.Progress.TimeElapsed,
		},
		OutputRef: r.OutputRef,
		Error:     r.Error,
		Source:    r.Source,
	}
	if r.CreatedAt != 0 {
		st.CreatedAt = time.UnixMilli(r.CreatedAt).UTC()
	}
	if r.UpdatedAt != 0 {
		st.UpdatedAt = time.UnixMilli(r.UpdatedAt).UTC()
	}
	return st
}
