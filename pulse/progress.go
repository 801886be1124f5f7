// Package pulse holds the domain-agnostic ports between job handlers and the
// async job infrastructure in pulse/async.
package pulse

import "context"

// Progress is a checkpoint snapshot of a running job
type Progress struct {
	UnitsProcessed uint64  `json:"units_processed"`
	DistinctKeys   uint64  `json:"distinct_keys"`
	ElapsedSeconds float64 `json:"elapsed_seconds"`
}

// Regresses reports whether next would move progress backwards from p
func (p Progress) Regresses(next Progress) bool {
	return next.UnitsProcessed < p.UnitsProcessed ||
		next.DistinctKeys < p.DistinctKeys ||
		next.ElapsedSeconds < p.ElapsedSeconds
}

// CheckpointSink receives periodic progress snapshots from a handler.
// Calls for one job come from one goroutine, in order.
//
// A returned error means the job can no longer accept progress (it left the
// running state) and the handler should stop.
type CheckpointSink interface {
	Checkpoint(ctx context.Context, p Progress) error
}

// ProgressEmitter is an optional extension of CheckpointSink for handlers
// that want to surface informational messages or classified errors.
type ProgressEmitter interface {
	CheckpointSink

	// EmitInfo emits general informational message
	EmitInfo(message string)

	// EmitError announces an error during processing
	EmitError(stage string, err error)
}

// CheckpointFunc adapts a function to CheckpointSink
type CheckpointFunc func(ctx context.Context, p Progress) error

// Checkpoint calls f
func (f CheckpointFunc) Checkpoint(ctx context.Context, p Progress) error {
	return f(ctx, p)
}

// Discard is a sink that drops every checkpoint
var Discard CheckpointSink = CheckpointFunc(func(context.Context, Progress) error { return nil })
