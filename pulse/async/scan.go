package async

import (
	"database/sql"
)

// rowScanner is satisfied by *sql.Row and *sql.Rows
type rowScanner interface {
	Scan(dest ...any) error
}

// JobScanArgs holds the nullable columns of a job row
type JobScanArgs struct {
	OutputRef   sql.NullString
	ErrorMsg    sql.NullString
	StartedAt   sql.NullTime
	CompletedAt sql.NullTime
}

// GetJobScanTargets returns pointers for the job and scan args,
// in the order of StandardJobSelectColumns
func GetJobScanTargets(job *Job, args *JobScanArgs) []any {
	return []any{
		&job.ID,
		&job.HandlerName,
		&job.Source,
		&job.Status,
		&job.Progress.UnitsProcessed,
		&job.Progress.DistinctKeys,
		&job.Progress.ElapsedSeconds,
		&job.InputRef,
		&args.OutputRef,
		&args.ErrorMsg,
		&job.CreatedAt,
		&args.StartedAt,
		&args.CompletedAt,
		&job.UpdatedAt,
	}
}

// ProcessJobScanArgs copies the nullable columns into the job
func ProcessJobScanArgs(job *Job, args *JobScanArgs) {
	if args.OutputRef.Valid {
		job.OutputRef = args.OutputRef.String
	}
	if args.ErrorMsg.Valid {
		job.Error = args.ErrorMsg.String
	}
	if args.StartedAt.Valid {
		t := args.StartedAt.Time
		job.StartedAt = &t
	}
	if args.CompletedAt.Valid {
		t := args.CompletedAt.Time
		job.CompletedAt = &t
	}
}

// scanJob scans a single job from a row
func scanJob(row rowScanner) (*Job, error) {
	var job Job
	var args JobScanArgs
	if err := row.Scan(GetJobScanTargets(&job, &args)...); err != nil {
		return nil, err
	}
	ProcessJobScanArgs(&job, &args)
	return &job, nil
}

// StandardJobSelectColumns returns the standard column list for job SELECT queries
func StandardJobSelectColumns() string {
	return `id, handler_name, source, status,
		units_processed, distinct_keys, elapsed_seconds,
		input_ref, output_ref, error,
		created_at, started_at, completed_at, updated_at`
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
