package async

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/teranos/tally/db"
	"github.com/teranos/tally/errors"
)

// JobStore persists job records. Implementations enforce the job state
// machine: UpdateJob only applies when the stored status is a legal
// predecessor of job.Status and stored progress does not exceed job.Progress.
// There is no delete.
type JobStore interface {
	// CreateJob inserts a new job; ErrConflict if the id exists
	CreateJob(ctx context.Context, job *Job) error
	// ClaimJob moves a queued job to running and returns it. Only one caller
	// can claim a given job; the rest get ErrInvalidTransition.
	ClaimJob(ctx context.Context, id string, at time.Time) (*Job, error)
	// UpdateJob overwrites status, progress, output and error;
	// ErrInvalidTransition if the stored job may not move to job.Status
	UpdateJob(ctx context.Context, job *Job) error
	// GetJob returns ErrNotFound for unknown ids
	GetJob(ctx context.Context, id string) (*Job, error)
	// ListJobs returns newest first, optionally filtered by status
	ListJobs(ctx context.Context, status *JobStatus, limit int) ([]*Job, error)
	// ListQueued returns queued jobs oldest first
	ListQueued(ctx context.Context, limit int) ([]*Job, error)
	// CountByStatus returns the number of jobs in each status
	CountByStatus(ctx context.Context) (map[JobStatus]int, error)
}

// Store is the SQLite-backed JobStore
type Store struct {
	db *sql.DB
}

var _ JobStore = (*Store)(nil)

// NewStore creates a new job store over a migrated database
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// CreateJob inserts a new job into the database
func (s *Store) CreateJob(ctx context.Context, job *Job) error {
	query := `
		INSERT INTO jobs (
			id, handler_name, source, status,
			units_processed, distinct_keys, elapsed_seconds,
			input_ref, output_ref, error,
			created_at, started_at, completed_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		job.ID,
		job.HandlerName,
		job.Source,
		job.Status,
		int64(job.Progress.UnitsProcessed),
		int64(job.Progress.DistinctKeys),
		job.Progress.ElapsedSeconds,
		job.InputRef,
		nullString(job.OutputRef),
		nullString(job.Error),
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
func (s *Store) GetJob(ctx context.Context, id string) (*Job, error) {
	query := `SELECT ` + StandardJobSelectColumns() + ` FROM jobs WHERE id = ?`

	job, err := scanJob(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("job not found: %s", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get job")
	}
	return job, nil
}

// ClaimJob marks a queued job running. The status guard makes the claim
// exclusive across workers and processes sharing the database.
func (s *Store) ClaimJob(ctx context.Context, id string, at time.Time) (*Job, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs
		SET status = 'running', started_at = ?, updated_at = ?
		WHERE id = ? AND status = 'queued'
	`, at, at, id)
	if err != nil {
		return nil, errors.Wrap(err, "failed to claim job")
	}

	n, err := res.RowsAffected()
	if err != nil {
		return nil, errors.Wrap(err, "failed to read claim result")
	}
	if n == 0 {
		return nil, rejectedClaim(ctx, s, id)
	}
	return s.GetJob(ctx, id)
}

// UpdateJob writes the job's mutable fields, guarded by its legal predecessors
func (s *Store) UpdateJob(ctx context.Context, job *Job) error {
	preds := job.Status.predecessors()
	if len(preds) == 0 {
		return errors.Mark(errors.Newf("unknown job status %q", job.Status), errors.ErrInvalidTransition)
	}

	query := `
		UPDATE jobs
		SET status = ?,
		    units_processed = ?,
		    distinct_keys = ?,
		    elapsed_seconds = ?,
		    output_ref = ?,
		    error = ?,
		    started_at = ?,
		    completed_at = ?,
		    updated_at = ?
		WHERE id = ?
		  AND status IN (` + placeholders(len(preds)) + `)
		  AND units_processed <= ?
	`

	args := []any{
		job.Status,
		int64(job.Progress.UnitsProcessed),
		int64(job.Progress.DistinctKeys),
		job.Progress.ElapsedSeconds,
		nullString(job.OutputRef),
		nullString(job.Error),
		job.StartedAt,
		job.CompletedAt,
		job.UpdatedAt,
		job.ID,
	}
	for _, p := range preds {
		args = append(args, string(p))
	}
	args = append(args, int64(job.Progress.UnitsProcessed))

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return errors.Wrap(err, "failed to update job")
	}

	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to read update result")
	}
	if n == 0 {
		return rejectedUpdate(ctx, s, job)
	}
	return nil
}

// rejectedUpdate explains why a guarded update touched no rows
func rejectedUpdate(ctx context.Context, store JobStore, job *Job) error {
	current, err := store.GetJob(ctx, job.ID)
	if err != nil {
		return err
	}
	err = errors.Mark(
		errors.Newf("job %s cannot move from %s to %s", job.ID, current.Status, job.Status),
		errors.ErrInvalidTransition)
	if canUpdate(current.Status, job.Status) {
		err = errors.WithDetail(err, fmt.Sprintf("Stored progress %d exceeds %d",
			current.Progress.UnitsProcessed, job.Progress.UnitsProcessed))
	}
	return err
}

// rejectedClaim explains why a claim touched no rows
func rejectedClaim(ctx context.Context, store JobStore, id string) error {
	current, err := store.GetJob(ctx, id)
	if err != nil {
		return err
	}
	return errors.Mark(errors.Newf("job %s is %s, already claimed", id, current.Status),
		errors.ErrInvalidTransition)
}

// ListJobs returns jobs newest first, optionally filtered by status
func (s *Store) ListJobs(ctx context.Context, status *JobStatus, limit int) ([]*Job, error) {
	var query string
	var args []any

	baseQuery := `SELECT ` + StandardJobSelectColumns() + ` FROM jobs`
	if status != nil {
		query = baseQuery + ` WHERE status = ? ORDER BY created_at DESC, rowid DESC LIMIT ?`
		args = []any{*status, limit}
	} else {
		query = baseQuery + ` ORDER BY created_at DESC, rowid DESC LIMIT ?`
		args = []any{limit}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list jobs")
	}
	defer rows.Close()

	return scanJobs(rows, "jobs")
}

// ListQueued returns queued jobs in creation order
func (s *Store) ListQueued(ctx context.Context, limit int) ([]*Job, error) {
	query := `SELECT ` + StandardJobSelectColumns() + `
		FROM jobs
		WHERE status = 'queued'
		ORDER BY created_at ASC, rowid ASC
		LIMIT ?`

	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list queued jobs")
	}
	defer rows.Close()

	return scanJobs(rows, "queued jobs")
}

// CountByStatus returns job counts keyed by status
func (s *Store) CountByStatus(ctx context.Context) (map[JobStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to count jobs")
	}
	defer rows.Close()

	counts := make(map[JobStatus]int, len(AllStatuses))
	for rows.Next() {
		var status JobStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, errors.Wrap(err, "failed to scan job count")
		}
		counts[status] = n
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating job counts")
	}
	return counts, nil
}

// scanJobs scans multiple jobs from query rows
func scanJobs(rows *sql.Rows, context string) ([]*Job, error) {
	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan job")
		}
		jobs = append(jobs, job)
	}

	if err := rows.Err(); err != nil {
		return nil, errors.Wrapf(err, "error iterating %s", context)
	}

	return jobs, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
