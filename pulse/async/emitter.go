package async

import (
	"context"

	"go.uber.org/zap"

	"github.com/teranos/tally/errors"
	"github.com/teranos/tally/logger"
	"github.com/teranos/tally/pulse"
)

// JobProgressEmitter is the checkpoint sink bound to one running job.
// Only the owning worker calls it, so checkpoints are ordered.
type JobProgressEmitter struct {
	job   *Job
	queue *Queue
	log   *zap.SugaredLogger // job_id pre-configured
}

var _ pulse.ProgressEmitter = (*JobProgressEmitter)(nil)

// NewJobProgressEmitter creates a new progress emitter for a running job.
func NewJobProgressEmitter(job *Job, queue *Queue, baseLogger *zap.SugaredLogger) *JobProgressEmitter {
	return &JobProgressEmitter{
		job:   job,
		queue: queue,
		log:   baseLogger.With(logger.FieldJobID, job.ID),
	}
}

// Checkpoint records progress on the job and persists it.
// Regressions are rejected; a failed write is logged and the job continues,
// unless the job is no longer running.
func (e *JobProgressEmitter) Checkpoint(ctx context.Context, p pulse.Progress) error {
	if e.job.Progress.Regresses(p) {
		return errors.Newf("checkpoint regresses progress of job %s (%d -> %d units)",
			e.job.ID, e.job.Progress.UnitsProcessed, p.UnitsProcessed)
	}

	previous := e.job.Progress
	e.job.UpdateProgress(p)

	if err := e.queue.UpdateProgress(ctx, e.job); err != nil {
		if errors.Is(err, errors.ErrInvalidTransition) {
			e.job.Progress = previous
			return err
		}
		e.log.Warnw("Failed to persist checkpoint",
			logger.FieldProgress, p.UnitsProcessed,
			logger.FieldError, err,
		)
	}
	return nil
}

// EmitError logs a classified error for the job.
func (e *JobProgressEmitter) EmitError(stage string, err error) {
	ctx := ClassifyError(stage, err)

	e.log.Errorw("Job error",
		"stage", stage,
		logger.FieldErrorCode, ctx.Code,
		logger.FieldError, err,
		"recoverable", ctx.Recoverable,
	)
}

// EmitInfo logs informational messages.
func (e *JobProgressEmitter) EmitInfo(message string) {
	e.log.Info(message)
}
