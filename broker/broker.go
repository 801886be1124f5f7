// Package broker is the public face of the job pipeline: it admits jobs,
// answers status queries and streams finished results.
package broker

import (
	"context"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/teranos/tally/blob"
	"github.com/teranos/tally/errors"
	"github.com/teranos/tally/logger"
	"github.com/teranos/tally/pulse/async"
)

const (
	// DefaultChunkSize bounds each StreamOutput chunk
	DefaultChunkSize = 1 << 20
	// DefaultListLimit applies when List is called without a limit
	DefaultListLimit = 50
	// defaultWatchPoll re-reads the store in case a queue update was dropped
	defaultWatchPoll = time.Second
)

// Config tunes a Broker
type Config struct {
	DefaultHandler string  // used when a SubmitRequest names no handler
	ChunkSize      int     // StreamOutput chunk size in bytes
	SubmitRate     float64 // admissions per second; 0 disables the throttle
	SubmitBurst    int
}

// SubmitRequest asks for one job over an already stored input
type SubmitRequest struct {
	InputRef string `json:"input_ref"`
	Source   string `json:"source,omitempty"`
	Handler  string `json:"handler,omitempty"`
}

// Submission is the result of Submit
type Submission struct {
	JobID string `json:"job_id"`
	State State  `json:"status"`
}

// Broker composes the queue, the job store behind it and blob storage
type Broker struct {
	queue     *async.Queue
	blobs     blob.Store
	registry  *async.HandlerRegistry
	limiter   *rate.Limiter
	cfg       Config
	watchPoll time.Duration
	logger    *zap.SugaredLogger
}

// New creates a broker. registry may be nil, in which case handler names are
// not checked at admission.
func New(queue *async.Queue, blobs blob.Store, registry *async.HandlerRegistry, cfg Config, log *zap.SugaredLogger) *Broker {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = DefaultChunkSize
	}

	var limiter *rate.Limiter
	if cfg.SubmitRate > 0 {
		burst := cfg.SubmitBurst
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.SubmitRate), burst)
	}

	return &Broker{
		queue:     queue,
		blobs:     blobs,
		registry:  registry,
		limiter:   limiter,
		cfg:       cfg,
		watchPoll: defaultWatchPoll,
		logger:    log.Named("broker"),
	}
}

// Submit creates a queued job over req.InputRef and enqueues it.
// Identical requests create independent jobs.
func (b *Broker) Submit(ctx context.Context, req SubmitRequest) (*Submission, error) {
	handler := req.Handler
	if handler == "" {
		handler = b.cfg.DefaultHandler
	}
	if handler == "" {
		return nil, errors.NewInvalidRequestError("no handler specified")
	}
	if b.registry != nil && !b.registry.Has(handler) {
		return nil, errors.NewInvalidRequestError("unknown handler %q", handler)
	}
	if req.InputRef == "" {
		return nil, errors.NewInvalidRequestError("input_ref is required")
	}
	if err := blob.ValidateKey(req.InputRef); err != nil {
		return nil, err
	}

	if _, err := b.blobs.Stat(ctx, req.InputRef); err != nil {
		if errors.IsNotFoundError(err) {
			return nil, errors.NewInvalidRequestError("input %s does not exist", req.InputRef)
		}
		return nil, errors.Mark(errors.Wrap(err, "failed to check input"), errors.ErrSubmissionFailure)
	}

	if b.limiter != nil {
		if err := b.limiter.Wait(ctx); err != nil {
			return nil, errors.Mark(errors.Wrap(err, "admission wait interrupted"), errors.ErrSubmissionFailure)
		}
	}

	job, err := async.NewJob(handler, req.Source, req.InputRef)
	if err != nil {
		return nil, errors.Mark(err, errors.ErrInvalidRequest)
	}
	if err := b.queue.Enqueue(ctx, job); err != nil {
		err = errors.Mark(errors.Wrap(err, "failed to submit job"), errors.ErrSubmissionFailure)
		return nil, errors.WithDetail(err, fmt.Sprintf("Input: %s", req.InputRef))
	}

	b.logger.Infow("Job submitted",
		logger.FieldJobID, job.ID,
		"handler", handler,
		"input_ref", req.InputRef,
		"source", req.Source,
	)
	return &Submission{JobID: job.ID, State: StateOf(job.Status)}, nil
}

// Query returns the current status of a job. It only reads.
func (b *Broker) Query(ctx context.Context, id string) (*Status, error) {
	if id == "" {
		return nil, errors.NewInvalidRequestError("job_id is required")
	}
	job, err := b.queue.GetJob(ctx, id)
	if err != nil {
		if errors.IsNotFoundError(err) {
			return nil, err
		}
		return nil, errors.Wrapf(err, "failed to query job %s", id)
	}
	st := StatusOf(job)
	return &st, nil
}

// StreamOutput emits a succeeded job's output in order, in chunks of at most
// ChunkSize bytes. emit must not retain the slice it is given. Returns
// ErrNotReady, having emitted nothing, unless the job succeeded.
func (b *Broker) StreamOutput(ctx context.Context, id string, emit func([]byte) error) error {
	st, err := b.Query(ctx, id)
	if err != nil {
		return err
	}
	if st.State != StateSuccess {
		return errors.NewNotReadyError("job %s is %s", id, st.State)
	}

	r, err := b.blobs.Open(ctx, st.OutputRef)
	if err != nil {
		return errors.Wrapf(err, "failed to open output of job %s", id)
	}
	defer r.Close()

	buf := make([]byte, b.cfg.ChunkSize)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := io.ReadFull(r, buf)
		if n > 0 {
			if emitErr := emit(buf[:n]); emitErr != nil {
				return emitErr
			}
		}
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return nil
		}
		if err != nil {
			return errors.Wrapf(err, "failed to read output of job %s", id)
		}
	}
}

// Watch streams status snapshots of one job until it completes or ctx ends.
// The first snapshot is the current state; the channel closes after a
// completed snapshot. Successive snapshots never regress in state or progress.
func (b *Broker) Watch(ctx context.Context, id string) (<-chan Status, error) {
	updates := b.queue.Subscribe()

	current, err := b.Query(ctx, id)
	if err != nil {
		b.queue.Unsubscribe(updates)
		return nil, err
	}

	out := make(chan Status, 1)
	out <- *current

	go func() {
		defer close(out)
		defer b.queue.Unsubscribe(updates)

		if current.Completed {
			return
		}
		last := *current

		poll := time.NewTicker(b.watchPoll)
		defer poll.Stop()

		for {
			var next Status
			select {
			case <-ctx.Done():
				return
			case job := <-updates:
				if job.ID != id {
					continue
				}
				next = StatusOf(job)
			case <-poll.C:
				st, err := b.Query(ctx, id)
				if err != nil {
					continue
				}
				next = *st
			}

			// queue snapshots and store reads interleave; never show an older one
			if !last.follows(&next) {
				continue
			}
			select {
			case out <- next:
			case <-ctx.Done():
				return
			}
			last = next
			if next.Completed {
				return
			}
		}
	}()

	return out, nil
}

// List returns jobs newest first, optionally filtered by a state name
func (b *Broker) List(ctx context.Context, state string, limit int) ([]Status, error) {
	status, ok := ParseState(state)
	if !ok {
		return nil, errors.NewInvalidRequestError("unknown status %q", state)
	}
	if limit <= 0 {
		limit = DefaultListLimit
	}

	jobs, err := b.queue.ListJobs(ctx, status, limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list jobs")
	}
	out := make([]Status, len(jobs))
	for i, job := range jobs {
		out[i] = StatusOf(job)
	}
	logger.LoggerFromContext(ctx, b.logger).Debugw("Jobs listed", logger.FieldState, state, logger.FieldCount, len(out))
	return out, nil
}

// Stats returns job counts by status
func (b *Broker) Stats(ctx context.Context) (*async.QueueStats, error) {
	return b.queue.GetStats(ctx)
}

// Blobs returns the blob store inputs and outputs live in
func (b *Broker) Blobs() blob.Store {
	return b.blobs
}
