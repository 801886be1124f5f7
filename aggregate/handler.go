package aggregate

import (
	"context"

	"go.uber.org/zap"

	"github.com/teranos/tally/blob"
	"github.com/teranos/tally/errors"
	"github.com/teranos/tally/logger"
	"github.com/teranos/tally/pulse"
	"github.com/teranos/tally/pulse/async"
)

// HandlerName is the name jobs use to select the sales aggregation
const HandlerName = "sales.aggregate"

// DefaultCheckpointInterval is the number of records between checkpoints
const DefaultCheckpointInterval = 1000

// Handler runs the sales aggregation for a job: input blob in, output blob out
type Handler struct {
	store    blob.Store
	layout   Layout
	interval int
	log      *zap.SugaredLogger
}

var _ async.JobHandler = (*Handler)(nil)

// NewHandler creates the aggregation handler
func NewHandler(store blob.Store, layout Layout, interval int, log *zap.SugaredLogger) (*Handler, error) {
	if err := layout.Validate(); err != nil {
		return nil, err
	}
	if interval <= 0 {
		interval = DefaultCheckpointInterval
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Handler{
		store:    store,
		layout:   layout,
		interval: interval,
		log:      log.Named("aggregate"),
	}, nil
}

// Name returns the handler name
func (h *Handler) Name() string {
	return HandlerName
}

// Execute aggregates job.InputRef into outputs/<job id>.csv.
// The output is only committed once every record has been read.
func (h *Handler) Execute(ctx context.Context, job *async.Job, sink pulse.CheckpointSink) (*async.Result, error) {
	// the worker puts the job id on ctx
	log := logger.LoggerFromContext(ctx, h.log).With(logger.FieldInputRef, job.InputRef)

	input, err := h.store.Open(ctx, job.InputRef)
	if err != nil {
		return nil, errors.Mark(errors.Wrapf(err, "failed to open input %s", job.InputRef), errors.ErrProcessing)
	}
	defer input.Close()

	agg := &Aggregator{Layout: h.layout, Interval: h.interval, Sink: sink}
	totals, final, err := agg.Run(ctx, input)
	if err != nil {
		return nil, err
	}

	outputRef := blob.OutputKey(job.ID)
	w, err := h.store.Create(ctx, outputRef)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create output %s", outputRef)
	}
	if err := WriteCSV(w, totals, h.layout); err != nil {
		w.Abort()
		return nil, errors.Wrapf(err, "failed to write output %s", outputRef)
	}
	if err := w.Commit(); err != nil {
		return nil, errors.Wrapf(err, "failed to store output %s", outputRef)
	}

	log.Debugw("Aggregation complete",
		logger.FieldProgress, final.UnitsProcessed,
		"keys", final.DistinctKeys,
		"elapsed", final.ElapsedSeconds,
	)
	return &async.Result{OutputRef: outputRef, Progress: final}, nil
}
