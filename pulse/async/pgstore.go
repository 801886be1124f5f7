package async

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/teranos/tally/db"
	"github.com/teranos/tally/errors"
)

// PGStore is the PostgreSQL-backed JobStore, selected with database.driver = "postgres"
type PGStore struct {
	pool *pgxpool.Pool
}

var _ JobStore = (*PGStore)(nil)

// NewPGStore creates a job store over a migrated pgx pool
func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

const pgJobColumns = `id, handler_name, source, status,
		units_processed, distinct_keys, elapsed_seconds,
		input_ref, output_ref, error,
		created_at, started_at, completed_at, updated_at`

// CreateJob inserts a new job
func (s *PGStore) CreateJob(ctx context.Context, job *Job) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO jobs (`+pgJobColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		job.ID,
		job.HandlerName,
		job.Source,
		string(job.Status),
		int64(job.Progress.UnitsProcessed),
		int64(job.Progress.DistinctKeys),
		job.Progress.ElapsedSeconds,
		job.InputRef,
		optString(job.OutputRef),
		optString(job.Error),
		job.CreatedAt,
		job.StartedAt,
		job.CompletedAt,
		job.UpdatedAt,
	)
	if err != nil {
		if db.IsUniqueViolation(err) {
			return errors.Mark(errors.Wrapf(err, "job %s already exists", job.ID), errors.ErrConflict)
		}
		return errors.Wrap(err, "failed to create job")
	}
	return nil
}

// GetJob retrieves a job by ID
func (s *PGStore) GetJob(ctx context.Context, id string) (*Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+pgJobColumns+` FROM jobs WHERE id = $1`, id)
	job, err := scanPGJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errors.NewNotFoundError("job not found: %s", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get job")
	}
	return job, nil
}

// ClaimJob marks a queued job running; see Store.ClaimJob
func (s *PGStore) ClaimJob(ctx context.Context, id string, at time.Time) (*Job, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE jobs
		SET status = 'running', started_at = $1, updated_at = $1
		WHERE id = $2 AND status = 'queued'
		RETURNING `+pgJobColumns, at, id)
	job, err := scanPGJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, rejectedClaim(ctx, s, id)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to claim job")
	}
	return job, nil
}

// UpdateJob writes the job's mutable fields, guarded by its legal predecessors
func (s *PGStore) UpdateJob(ctx context.Context, job *Job) error {
	preds := job.Status.predecessors()
	if len(preds) == 0 {
		return errors.Mark(errors.Newf("unknown job status %q", job.Status), errors.ErrInvalidTransition)
	}
	allowed := make([]string, len(preds))
	for i, p := range preds {
		allowed[i] = string(p)
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET status = $1,
		    units_processed = $2,
		    distinct_keys = $3,
		    elapsed_seconds = $4,
		    output_ref = $5,
		    error = $6,
		    started_at = $7,
		    completed_at = $8,
		    updated_at = $9
		WHERE id = $10
		  AND status = ANY($11)
		  AND units_processed <= $2`,
		string(job.Status),
		int64(job.Progress.UnitsProcessed),
		int64(job.Progress.DistinctKeys),
		job.Progress.ElapsedSeconds,
		optString(job.OutputRef),
		optString(job.Error),
		job.StartedAt,
		job.CompletedAt,
		job.UpdatedAt,
		job.ID,
		allowed,
	)
	if err != nil {
		return errors.Wrap(err, "failed to update job")
	}
	if tag.RowsAffected() == 0 {
		return rejectedUpdate(ctx, s, job)
	}
	return nil
}

// ListJobs returns jobs newest first, optionally filtered by status
func (s *PGStore) ListJobs(ctx context.Context, status *JobStatus, limit int) ([]*Job, error) {
	var (
		rows pgx.Rows
		err  error
	)
	if status != nil {
		rows, err = s.pool.Query(ctx, `SELECT `+pgJobColumns+` FROM jobs
			WHERE status = $1 ORDER BY created_at DESC, seq DESC LIMIT $2`, string(*status), limit)
	} else {
		rows, err = s.pool.Query(ctx, `SELECT `+pgJobColumns+` FROM jobs
			ORDER BY created_at DESC, seq DESC LIMIT $1`, limit)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to list jobs")
	}
	return collectPGJobs(rows, "jobs")
}

// ListQueued returns queued jobs in creation order
func (s *PGStore) ListQueued(ctx context.Context, limit int) ([]*Job, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+pgJobColumns+` FROM jobs
		WHERE status = 'queued' ORDER BY created_at ASC, seq ASC LIMIT $1`, limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list queued jobs")
	}
	return collectPGJobs(rows, "queued jobs")
}

// CountByStatus returns job counts keyed by status
func (s *PGStore) CountByStatus(ctx context.Context) (map[JobStatus]int, error) {
	rows, err := s.pool.Query(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to count jobs")
	}
	defer rows.Close()

	counts := make(map[JobStatus]int, len(AllStatuses))
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, errors.Wrap(err, "failed to scan job count")
		}
		counts[JobStatus(status)] = int(n)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating job counts")
	}
	return counts, nil
}

func scanPGJob(row pgx.Row) (*Job, error) {
	var (
		job                Job
		status             string
		units, keys        int64
		outputRef, errMsg  *string
		startedAt, complAt *time.Time
	)
	err := row.Scan(
		&job.ID,
		&job.HandlerName,
		&job.Source,
		&status,
		&units,
		&keys,
		&job.Progress.ElapsedSeconds,
		&job.InputRef,
		&outputRef,
		&errMsg,
		&job.CreatedAt,
		&startedAt,
		&complAt,
		&job.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	job.Status = JobStatus(status)
	job.Progress.UnitsProcessed = uint64(units)
	job.Progress.DistinctKeys = uint64(keys)
	if outputRef != nil {
		job.OutputRef = *outputRef
	}
	if errMsg != nil {
		job.Error = *errMsg
	}
	job.StartedAt = startedAt
	job.CompletedAt = complAt
	return &job, nil
}

func collectPGJobs(rows pgx.Rows, what string) ([]*Job, error) {
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		job, err := scanPGJob(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan job")
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrapf(err, "error iterating %s", what)
	}
	return jobs, nil
}

func optString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// String identifies the backing database in log lines
func (s *PGStore) String() string {
	cfg := s.pool.Config().ConnConfig
	return fmt.Sprintf("postgres://%s/%s", cfg.Host, strings.TrimPrefix(cfg.Database, "/"))
}
