package async

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/teranos/tally/errors"
)

const (
	// MaxJobsLimit caps list queries
	MaxJobsLimit = 10000
	// SubscriberChannelBufferSize is the buffer size for subscriber channels
	SubscriberChannelBufferSize = 100
	// restartCause is recorded on jobs a previous process left running
	restartCause = "interrupted by restart"
)

// Queue is the FIFO of job ids between submission and the worker pool.
// Job records live in the JobStore; the queue holds only references.
// Every job is handed to exactly one Dequeue caller: an id only leaves the
// queue as a job once the store's queued -> running claim succeeds.
type Queue struct {
	store JobStore

	mu      sync.Mutex
	pending []string
	queued  map[string]struct{} // ids in pending
	claimed map[string]struct{} // ids this queue handed out and not yet finished
	closed  bool
	wake    chan struct{} // capacity 1, signalled when pending becomes non-empty
	done    chan struct{} // closed by Close

	subMu       sync.RWMutex
	subscribers []chan *Job
}

// NewQueue creates a new job queue over a store
func NewQueue(store JobStore) *Queue {
	return &Queue{
		store:       store,
		queued:      make(map[string]struct{}),
		claimed:     make(map[string]struct{}),
		wake:        make(chan struct{}, 1),
		done:        make(chan struct{}),
		subscribers: make([]chan *Job, 0),
	}
}

// Store returns the underlying job store
func (q *Queue) Store() JobStore {
	return q.store
}

// Enqueue persists a new queued job and appends its id to the queue.
// A closed queue rejects the job before anything is stored. A job stored
// while Close races with it stays queued for the next Recover, like any id
// still pending at Close.
func (q *Queue) Enqueue(ctx context.Context, job *Job) error {
	if job.Status != JobStatusQueued {
		return errors.Mark(errors.Newf("job %s must be queued to enqueue, is %s", job.ID, job.Status),
			errors.ErrInvalidTransition)
	}
	if q.Closed() {
		return errors.Wrapf(errors.ErrQueueClosed, "cannot enqueue job %s", job.ID)
	}

	if err := q.store.CreateJob(ctx, job); err != nil {
		err = errors.Wrap(err, "failed to enqueue job")
		err = errors.WithDetail(err, fmt.Sprintf("Job ID: %s", job.ID))
		err = errors.WithDetail(err, fmt.Sprintf("Handler: %s", job.HandlerName))
		err = errors.WithDetail(err, fmt.Sprintf("Source: %s", job.Source))
		return err
	}

	q.push(job.ID)
	q.notifySubscribers(job)
	return nil
}

// push appends an id unless it is already pending. open is false once the
// queue is closed.
func (q *Queue) push(id string) (added, open bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false, false
	}
	if _, dup := q.queued[id]; dup {
		return false, true
	}
	q.queued[id] = struct{}{}
	q.pending = append(q.pending, id)
	q.signal()
	return true, true
}

// pushFront returns an id to the head of the queue after a failed claim
func (q *Queue) pushFront(id string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, dup := q.queued[id]; dup {
		return
	}
	q.queued[id] = struct{}{}
	q.pending = append([]string{id}, q.pending...)
	q.signal()
}

// signal wakes one waiter. REQUIRES: q.mu held.
func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// pop removes the head id. REQUIRES: q.mu held.
func (q *Queue) pop() (string, bool) {
	if len(q.pending) == 0 {
		return "", false
	}
	id := q.pending[0]
	q.pending[0] = ""
	q.pending = q.pending[1:]
	delete(q.queued, id)
	if len(q.pending) > 0 {
		// hand the baton to the next waiter
		q.signal()
	}
	return id, true
}

// Dequeue blocks until a job is available, marks it running and returns it.
// Returns ctx.Err() when ctx ends and ErrQueueClosed after Close.
func (q *Queue) Dequeue(ctx context.Context) (*Job, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return nil, errors.ErrQueueClosed
		}
		id, ok := q.pop()
		q.mu.Unlock()

		if ok {
			job, err := q.start(ctx, id)
			if err == nil {
				return job, nil
			}
			if errors.Is(err, errors.ErrInvalidTransition) || errors.IsNotFoundError(err) {
				// claimed by another worker or process, or no longer queued
				continue
			}
			q.pushFront(id)
			return nil, err
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.done:
			return nil, errors.ErrQueueClosed
		case <-q.wake:
		}
	}
}

// start claims a popped job queued -> running
func (q *Queue) start(ctx context.Context, id string) (*Job, error) {
	// reserved before the claim so a concurrent Recover never sees it as orphaned
	q.mu.Lock()
	if _, busy := q.claimed[id]; busy {
		q.mu.Unlock()
		return nil, errors.Mark(errors.Newf("job %s already claimed", id), errors.ErrInvalidTransition)
	}
	q.claimed[id] = struct{}{}
	q.mu.Unlock()

	job, err := q.store.ClaimJob(ctx, id, time.Now().UTC())
	if err != nil {
		q.release(id)
		err = errors.Wrap(err, "failed to mark job as running")
		return nil, errors.WithDetail(err, fmt.Sprintf("Job ID: %s", id))
	}

	q.notifySubscribers(job)
	return job, nil
}

// release forgets a job this queue handed out once it is terminal
func (q *Queue) release(id string) {
	q.mu.Lock()
	delete(q.claimed, id)
	q.mu.Unlock()
}

// inFlight reports whether this queue handed out id and it is still running
func (q *Queue) inFlight(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.claimed[id]
	return ok
}

// UpdateProgress persists a checkpoint of a running job
func (q *Queue) UpdateProgress(ctx context.Context, job *Job) error {
	if job.Status != JobStatusRunning {
		return errors.Mark(errors.Newf("job %s is %s, progress only changes while running", job.ID, job.Status),
			errors.ErrInvalidTransition)
	}

	if err := q.store.UpdateJob(ctx, job); err != nil {
		err = errors.Wrap(err, "failed to update job progress")
		err = errors.WithDetail(err, fmt.Sprintf("Job ID: %s", job.ID))
		err = errors.WithDetail(err, fmt.Sprintf("Units processed: %d", job.Progress.UnitsProcessed))
		return err
	}

	q.notifySubscribers(job)
	return nil
}

// CompleteJob marks a running job as succeeded with its output and final progress
func (q *Queue) CompleteJob(ctx context.Context, job *Job, outputRef string, final Progress) error {
	if outputRef == "" {
		return errors.Newf("job %s cannot succeed without an output", job.ID)
	}

	next := job.Clone()
	next.Succeed(outputRef, final)

	if err := q.store.UpdateJob(ctx, next); err != nil {
		err = errors.Wrap(err, "failed to complete job")
		err = errors.WithDetail(err, fmt.Sprintf("Job ID: %s", job.ID))
		err = errors.WithDetail(err, fmt.Sprintf("Handler: %s", job.HandlerName))
		err = errors.WithDetail(err, fmt.Sprintf("Source: %s", job.Source))
		return err
	}

	*job = *next
	q.release(job.ID)
	q.notifySubscribers(job)
	return nil
}

// FailJob marks a running job as failed with its cause
func (q *Queue) FailJob(ctx context.Context, job *Job, jobErr error) error {
	next := job.Clone()
	next.Fail(jobErr)

	if err := q.store.UpdateJob(ctx, next); err != nil {
		err = errors.Wrap(err, "failed to mark job as failed")
		err = errors.WithDetail(err, fmt.Sprintf("Job ID: %s", job.ID))
		err = errors.WithDetail(err, fmt.Sprintf("Handler: %s", job.HandlerName))
		err = errors.WithDetail(err, fmt.Sprintf("Job error: %s", next.Error))
		return err
	}

	*job = *next
	q.release(job.ID)
	q.notifySubscribers(job)
	return nil
}

// GetJob retrieves a job by ID
func (q *Queue) GetJob(ctx context.Context, id string) (*Job, error) {
	return q.store.GetJob(ctx, id)
}

// ListJobs returns jobs, optionally filtered by status
func (q *Queue) ListJobs(ctx context.Context, status *JobStatus, limit int) ([]*Job, error) {
	if limit <= 0 || limit > MaxJobsLimit {
		limit = MaxJobsLimit
	}
	return q.store.ListJobs(ctx, status, limit)
}

// Len returns the number of ids waiting for a worker
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Close stops the queue. Waiting Dequeue calls return ErrQueueClosed;
// ids still pending stay queued in the store for the next Recover.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.done)
}

// Closed reports whether Close was called
func (q *Queue) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// RecoveryReport summarises Recover
type RecoveryReport struct {
	Requeued    int
	Interrupted int
}

// Recover restores state left by a previous process: queued jobs are
// re-enqueued oldest first and jobs left running are failed. Jobs this queue
// is running itself are left alone, and ids already pending are not added
// twice. A store has one owning server process; Recover cannot tell another
// live process's running jobs from orphans.
func (q *Queue) Recover(ctx context.Context) (RecoveryReport, error) {
	var report RecoveryReport

	running := JobStatusRunning
	orphaned, err := q.store.ListJobs(ctx, &running, MaxJobsLimit)
	if err != nil {
		return report, errors.Wrap(err, "failed to list running jobs")
	}
	for _, job := range orphaned {
		if q.inFlight(job.ID) {
			continue
		}
		if err := q.FailJob(ctx, job, errors.New(restartCause)); err != nil {
			if errors.Is(err, errors.ErrInvalidTransition) {
				continue
			}
			return report, err
		}
		report.Interrupted++
	}

	queued, err := q.store.ListQueued(ctx, MaxJobsLimit)
	if err != nil {
		return report, errors.Wrap(err, "failed to list queued jobs")
	}
	for _, job := range queued {
		added, open := q.push(job.ID)
		if !open {
			return report, errors.ErrQueueClosed
		}
		if added {
			report.Requeued++
		}
	}

	return report, nil
}

// Subscribe returns a channel that receives job updates.
// The caller is responsible for calling Unsubscribe when done.
// The returned channel is buffered to prevent blocking the notifier.
func (q *Queue) Subscribe() chan *Job {
	q.subMu.Lock()
	defer q.subMu.Unlock()

	ch := make(chan *Job, SubscriberChannelBufferSize)
	q.subscribers = append(q.subscribers, ch)
	return ch
}

// Unsubscribe removes a subscriber channel from the queue.
// The channel is NOT closed by this method; callers manage its lifecycle.
func (q *Queue) Unsubscribe(ch chan *Job) {
	q.subMu.Lock()
	defer q.subMu.Unlock()

	for i, sub := range q.subscribers {
		if sub == ch {
			q.subscribers = append(q.subscribers[:i], q.subscribers[i+1:]...)
			return
		}
	}
}

// notifySubscribers sends a snapshot of job to all subscribers.
// Uses non-blocking send to avoid stalling if a subscriber is slow.
func (q *Queue) notifySubscribers(job *Job) {
	q.subMu.RLock()
	defer q.subMu.RUnlock()

	if len(q.subscribers) == 0 {
		return
	}
	snapshot := job.Clone()
	for _, ch := range q.subscribers {
		select {
		case ch <- snapshot:
		default:
		}
	}
}

// QueueStats returns statistics about the queue
type QueueStats struct {
	Queued    int `json:"queued"`
	Running   int `json:"running"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Total     int `json:"total"`
	Pending   int `json:"pending"` // ids waiting in memory for a worker
}

// GetStats returns queue statistics
func (q *Queue) GetStats(ctx context.Context) (*QueueStats, error) {
	counts, err := q.store.CountByStatus(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "failed to count jobs")
	}

	stats := &QueueStats{
		Queued:    counts[JobStatusQueued],
		Running:   counts[JobStatusRunning],
		Succeeded: counts[JobStatusSucceeded],
		Failed:    counts[JobStatusFailed],
		Pending:   q.Len(),
	}
	for _, n := range counts {
		stats.Total += n
	}
	return stats, nil
}

// GetJobCounts returns counts of queued and running jobs (for system metrics)
func (q *Queue) GetJobCounts(ctx context.Context) (queued int, running int, err error) {
	counts, err := q.store.CountByStatus(ctx)
	if err != nil {
		return 0, 0, errors.Wrap(err, "failed to count jobs")
	}
	return counts[JobStatusQueued], counts[JobStatusRunning], nil
}
