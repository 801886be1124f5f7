package async

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/tally/errors"
	"github.com/teranos/tally/logger"
	"github.com/teranos/tally/sym"
)

// pulseLogger wraps zap.SugaredLogger with special methods for Pulse operations
// Uses different log levels to create visual distinction:
// - DEBUG level → STARTING (✿ Opening operations)
// - WARN level → CLOSING (❀ Closing operations)
// - INFO level → PULSE (general worker operations)
type pulseLogger struct {
	*zap.SugaredLogger
}

// Starting logs an Opening (✿) event
func (l pulseLogger) Starting(msg string, keysAndValues ...interface{}) {
	l.Debugw(sym.PulseOpen+" "+msg, keysAndValues...)
}

// Closing logs a Closing (❀) event
func (l pulseLogger) Closing(msg string, keysAndValues ...interface{}) {
	l.Warnw(sym.PulseClose+" "+msg, keysAndValues...)
}

// Pulse logs general Pulse/worker operations
func (l pulseLogger) Pulse(msg string, keysAndValues ...interface{}) {
	l.Infow(sym.Pulse+" "+msg, keysAndValues...)
}

// JobExecutor runs one job to completion
type JobExecutor interface {
	Execute(ctx context.Context, job *Job, sink CheckpointSink) (*Result, error)
}

// WorkerPoolConfig contains configuration for the worker pool
type WorkerPoolConfig struct {
	Workers         int           `json:"workers"`          // Number of concurrent workers
	ShutdownTimeout time.Duration `json:"shutdown_timeout"` // How long Stop waits for running jobs (0 = wait forever)
	ErrorBackoff    time.Duration `json:"error_backoff"`    // Initial pause after a dequeue error
}

// DefaultWorkerPoolConfig returns sensible defaults
func DefaultWorkerPoolConfig() WorkerPoolConfig {
	return WorkerPoolConfig{
		Workers:         1,
		ShutdownTimeout: 30 * time.Second,
		ErrorBackoff:    time.Second,
	}
}

// WorkerPool manages a fixed set of workers; each takes one job at a time
// from the queue and runs it end to end.
type WorkerPool struct {
	queue      *Queue
	registry   *HandlerRegistry
	executor   JobExecutor
	poolConfig WorkerPoolConfig
	workers    int
	parentCtx  context.Context
	ctx        context.Context // cancelled by Stop; only stops intake
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	logger     pulseLogger

	mu            sync.Mutex
	jobsProcessed int
	activeWorkers int
	startTime     time.Time
	started       bool
}

// NewWorkerPool creates a worker pool over queue with the handlers in registry.
// Register handlers before calling Start().
func NewWorkerPool(queue *Queue, registry *HandlerRegistry, poolCfg WorkerPoolConfig, log *zap.SugaredLogger) *WorkerPool {
	return NewWorkerPoolWithContext(context.Background(), queue, registry, poolCfg, log)
}

// NewWorkerPoolWithContext creates a worker pool whose intake stops when ctx ends.
// Jobs already running are not interrupted by ctx.
func NewWorkerPoolWithContext(ctx context.Context, queue *Queue, registry *HandlerRegistry, poolCfg WorkerPoolConfig, log *zap.SugaredLogger) *WorkerPool {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if registry == nil {
		registry = NewHandlerRegistry()
	}
	if poolCfg.ErrorBackoff <= 0 {
		poolCfg.ErrorBackoff = time.Second
	}

	workerCtx, cancel := context.WithCancel(ctx)

	return &WorkerPool{
		queue:      queue,
		registry:   registry,
		executor:   registry,
		poolConfig: poolCfg,
		workers:    poolCfg.Workers,
		parentCtx:  ctx,
		ctx:        workerCtx,
		cancel:     cancel,
		logger:     pulseLogger{log.Named("pulse")},
	}
}

// Start recovers state left by a previous process and starts the workers.
func (wp *WorkerPool) Start() error {
	wp.mu.Lock()
	if wp.started {
		wp.mu.Unlock()
		return errors.New("worker pool already started")
	}
	select {
	case <-wp.ctx.Done():
		// restarted after Stop()
		wp.ctx, wp.cancel = context.WithCancel(wp.parentCtx)
	default:
	}
	wp.started = true
	wp.startTime = time.Now()
	wp.jobsProcessed = 0
	wp.mu.Unlock()

	report, err := wp.queue.Recover(wp.ctx)
	if err != nil {
		wp.logger.Warnw("Failed to recover jobs from previous run", logger.FieldError, err)
	} else if report.Requeued > 0 || report.Interrupted > 0 {
		wp.logger.Starting("Recovered jobs from previous run",
			"requeued", report.Requeued,
			"interrupted", report.Interrupted)
	}

	if warning := wp.checkMemoryPressure(); warning != "" {
		wp.logger.Warnw("Memory pressure warning", "warning", warning, "workers", wp.workers)
	}

	wp.logger.Pulse("Worker pool started", "workers", wp.workers, "handlers", wp.registry.Names())

	for i := 0; i < wp.workers; i++ {
		wp.wg.Add(1)
		go wp.worker(i)
	}
	return nil
}

// Stop stops intake and waits for workers to finish their current job.
// Returns false if ShutdownTimeout elapsed first.
func (wp *WorkerPool) Stop() bool {
	wp.mu.Lock()
	wp.started = false
	wp.mu.Unlock()

	wp.cancel()

	done := make(chan struct{})
	go func() {
		wp.wg.Wait()
		close(done)
	}()

	if wp.poolConfig.ShutdownTimeout <= 0 {
		<-done
		wp.logger.Pulse("Worker pool stopped, all workers exited")
		return true
	}

	select {
	case <-done:
		wp.logger.Pulse("Worker pool stopped, all workers exited")
		return true
	case <-time.After(wp.poolConfig.ShutdownTimeout):
		wp.logger.Closing("Worker pool stop timed out, jobs still running",
			"timeout", wp.poolConfig.ShutdownTimeout)
		return false
	}
}

// worker takes jobs from the queue until the pool stops or the queue closes
func (wp *WorkerPool) worker(id int) {
	defer wp.wg.Done()

	log := wp.logger.With(logger.FieldWorkerID, id)
	backoff := wp.poolConfig.ErrorBackoff
	const maxBackoff = 30 * time.Second

	for {
		job, err := wp.queue.Dequeue(wp.ctx)
		if err != nil {
			if wp.ctx.Err() != nil || errors.Is(err, errors.ErrQueueClosed) {
				return
			}
			log.Errorw("Worker failed to dequeue job", logger.FieldError, err, "backoff", backoff)
			select {
			case <-wp.ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, maxBackoff)
			continue
		}
		backoff = wp.poolConfig.ErrorBackoff

		wp.processJob(id, job)
	}
}

// processJob runs a dequeued (running) job and records its terminal state
func (wp *WorkerPool) processJob(workerID int, job *Job) {
	wp.mu.Lock()
	wp.activeWorkers++
	wp.jobsProcessed++
	wp.mu.Unlock()
	defer func() {
		wp.mu.Lock()
		wp.activeWorkers--
		wp.mu.Unlock()
	}()

	// Running jobs are not cancellable: stopping the pool only stops intake
	jobCtx := logger.WithJobID(context.WithoutCancel(wp.ctx), job.ID)

	log := pulseLogger{logger.LoggerFromContext(jobCtx, wp.logger.SugaredLogger).
		With(logger.FieldWorkerID, workerID, logger.FieldHandler, job.HandlerName)}
	log.Starting("Job started", logger.FieldInputRef, job.InputRef, "source", job.Source)

	emitter := NewJobProgressEmitter(job, wp.queue, wp.logger.SugaredLogger)
	result, err := wp.execute(jobCtx, job, emitter)

	if err != nil {
		emitter.EmitError("execute", err)
		if failErr := wp.queue.FailJob(jobCtx, job, err); failErr != nil {
			log.Errorw("Failed to record job failure", logger.FieldError, failErr, "cause", err)
			return
		}
		log.Pulse("Job failed", logger.FieldError, err, logger.FieldProgress, job.Progress.UnitsProcessed)
		return
	}

	if err := wp.queue.CompleteJob(jobCtx, job, result.OutputRef, result.Progress); err != nil {
		log.Errorw("Failed to record job success", logger.FieldError, err, logger.FieldOutput, result.OutputRef)
		if failErr := wp.queue.FailJob(jobCtx, job, errors.Wrap(err, "failed to record result")); failErr != nil {
			log.Errorw("Failed to record job failure", logger.FieldError, failErr)
		}
		return
	}

	log.Pulse(fmt.Sprintf("Job succeeded | units:%d keys:%d elapsed:%.2fs",
		result.Progress.UnitsProcessed, result.Progress.DistinctKeys, result.Progress.ElapsedSeconds),
		logger.FieldOutput, result.OutputRef)
}

// execute runs the handler, turning panics into job failures
func (wp *WorkerPool) execute(ctx context.Context, job *Job, sink CheckpointSink) (result *Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			wp.logger.Errorw("Handler panicked", logger.FieldJobID, job.ID, "panic", r, "stack", string(debug.Stack()))
			result = nil
			err = errors.Newf("handler %s panicked: %v", job.HandlerName, r)
		}
	}()

	result, err = wp.executor.Execute(ctx, job, sink)
	if err == nil && result == nil {
		err = errors.Newf("handler %s returned no result", job.HandlerName)
	}
	return result, err
}

// GetQueue returns the job queue
func (wp *WorkerPool) GetQueue() *Queue {
	return wp.queue
}

// Workers returns the number of concurrent workers configured for this pool
func (wp *WorkerPool) Workers() int {
	return wp.workers
}

// Registry returns the handler registry
func (wp *WorkerPool) Registry() *HandlerRegistry {
	return wp.registry
}

// JobsProcessed returns how many jobs workers have taken since Start
func (wp *WorkerPool) JobsProcessed() int {
	wp.mu.Lock()
	defer wp.mu.Unlock()
	return wp.jobsProcessed
}
