package async

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	talltest "github.com/teranos/tally/internal/testing"
	"github.com/teranos/tally/pulse"
)

const testHandler = "test.aggregate"

// newTestStore creates a store over a migrated in-memory database
func newTestStore(t *testing.T) *Store {
	t.Helper()
	return NewStore(talltest.CreateTestDB(t))
}

// newTestQueue creates a queue over a fresh store
func newTestQueue(t *testing.T) *Queue {
	t.Helper()
	q := NewQueue(newTestStore(t))
	t.Cleanup(q.Close)
	return q
}

// newQueuedJob creates a job that has not been stored yet
func newQueuedJob(t *testing.T, source string) *Job {
	t.Helper()
	job, err := NewJob(testHandler, source, "uploads/"+source)
	require.NoError(t, err)
	return job
}

// storeJobIn writes a job directly in the given status, bypassing the queue
func storeJobIn(t *testing.T, store JobStore, status JobStatus, source string) *Job {
	t.Helper()
	ctx := context.Background()

	job := newQueuedJob(t, source)
	require.NoError(t, store.CreateJob(ctx, job))

	if status == JobStatusQueued {
		return job
	}
	job, err := store.ClaimJob(ctx, job.ID, time.Now().UTC())
	require.NoError(t, err)

	switch status {
	case JobStatusSucceeded:
		job.Succeed("outputs/"+job.ID+".csv", job.Progress)
		require.NoError(t, store.UpdateJob(ctx, job))
	case JobStatusFailed:
		job.Fail(nil)
		require.NoError(t, store.UpdateJob(ctx, job))
	}
	return job
}

// waitForStatus polls the store until the job reaches status
func waitForStatus(t *testing.T, q *Queue, id string, status JobStatus) *Job {
	t.Helper()
	var job *Job
	require.Eventually(t, func() bool {
		j, err := q.GetJob(context.Background(), id)
		if err != nil {
			return false
		}
		job = j
		return j.Status == status
	}, 5*time.Second, 10*time.Millisecond, "job %s never reached %s", id, status)
	return job
}

// funcHandler is a JobHandler backed by a function
type funcHandler struct {
	name string
	fn   func(ctx context.Context, job *Job, sink pulse.CheckpointSink) (*Result, error)
}

func (h *funcHandler) Name() string { return h.name }

func (h *funcHandler) Execute(ctx context.Context, job *Job, sink pulse.CheckpointSink) (*Result, error) {
	return h.fn(ctx, job, sink)
}
