package async

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/tally/errors"
)

// ============================================================================
// Kirby's Ledger Test Universe
// ============================================================================
//
// Characters:
//   - Kirby: Writes every job into the ledger and reads them back ('Poyo!')
//   - Cronos: Keeps the ledger's clock honest
//
// Theme: The ledger only accepts entries that follow the rules. A job can
// never run backwards, and a finished job stays finished.
// ============================================================================

func TestKirbyWritesAndReadsJob(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	job := newQueuedJob(t, "kirby.csv")
	require.NoError(t, store.CreateJob(ctx, job))

	got, err := store.GetJob(ctx, job.ID)
	require.NoError(t, err)

	assert.Equal(t, job.ID, got.ID)
	assert.Equal(t, testHandler, got.HandlerName)
	assert.Equal(t, "kirby.csv", got.Source)
	assert.Equal(t, JobStatusQueued, got.Status)
	assert.Equal(t, "uploads/kirby.csv", got.InputRef)
	assert.Empty(t, got.OutputRef)
	assert.Empty(t, got.Error)
	assert.Nil(t, got.StartedAt)
	assert.True(t, job.CreatedAt.Equal(got.CreatedAt), "created_at survives the round trip")
	t.Log("✓ Poyo! The ledger remembers the job")
}

func TestKirbyLooksForMissingJob(t *testing.T) {
	store := newTestStore(t)

	_, err := store.GetJob(context.Background(), "no-such-job")
	require.Error(t, err)
	assert.True(t, errors.IsNotFoundError(err))
}

func TestKirbyWritesDuplicateJob(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	job := newQueuedJob(t, "dup.csv")
	require.NoError(t, store.CreateJob(ctx, job))

	err := store.CreateJob(ctx, job)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrConflict))
}

func TestLedgerGuardsTransitions(t *testing.T) {
	ctx := context.Background()

	t.Run("queued job cannot finish without running", func(t *testing.T) {
		store := newTestStore(t)
		job := storeJobIn(t, store, JobStatusQueued, "a.csv")

		job.Succeed("outputs/a.csv", Progress{})
		err := store.UpdateJob(ctx, job)
		require.Error(t, err)
		assert.True(t, errors.Is(err, errors.ErrInvalidTransition))

		stored, err := store.GetJob(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, JobStatusQueued, stored.Status)
	})

	t.Run("queued job is claimed once", func(t *testing.T) {
		store := newTestStore(t)
		job := storeJobIn(t, store, JobStatusQueued, "b.csv")

		claimed, err := store.ClaimJob(ctx, job.ID, time.Now().UTC())
		require.NoError(t, err)
		assert.Equal(t, JobStatusRunning, claimed.Status)
		assert.NotNil(t, claimed.StartedAt)

		_, err = store.ClaimJob(ctx, job.ID, time.Now().UTC())
		require.Error(t, err)
		assert.True(t, errors.Is(err, errors.ErrInvalidTransition), "a running job cannot be claimed again")

		_, err = store.ClaimJob(ctx, "no-such-job", time.Now().UTC())
		assert.True(t, errors.IsNotFoundError(err))
	})

	t.Run("queued job cannot be written as running", func(t *testing.T) {
		store := newTestStore(t)
		job := storeJobIn(t, store, JobStatusQueued, "b2.csv")

		job.Start()
		err := store.UpdateJob(ctx, job)
		assert.True(t, errors.Is(err, errors.ErrInvalidTransition), "only ClaimJob starts a job")

		stored, err := store.GetJob(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, JobStatusQueued, stored.Status)
	})

	t.Run("running job cannot go back to queued", func(t *testing.T) {
		store := newTestStore(t)
		job := storeJobIn(t, store, JobStatusRunning, "c.csv")

		job.Status = JobStatusQueued
		err := store.UpdateJob(ctx, job)
		assert.True(t, errors.Is(err, errors.ErrInvalidTransition))
	})

	t.Run("terminal jobs stay terminal", func(t *testing.T) {
		store := newTestStore(t)
		succeeded := storeJobIn(t, store, JobStatusSucceeded, "d.csv")
		failed := storeJobIn(t, store, JobStatusFailed, "e.csv")

		succeeded.Fail(errors.New("late failure"))
		assert.True(t, errors.Is(store.UpdateJob(ctx, succeeded), errors.ErrInvalidTransition))

		failed.Start()
		assert.True(t, errors.Is(store.UpdateJob(ctx, failed), errors.ErrInvalidTransition))

		stored, err := store.GetJob(ctx, succeeded.ID)
		require.NoError(t, err)
		assert.Equal(t, JobStatusSucceeded, stored.Status)
		assert.Equal(t, "outputs/"+succeeded.ID+".csv", stored.OutputRef)
	})

	t.Run("progress never regresses", func(t *testing.T) {
		store := newTestStore(t)
		job := storeJobIn(t, store, JobStatusRunning, "f.csv")

		job.UpdateProgress(Progress{UnitsProcessed: 2000, DistinctKeys: 5})
		require.NoError(t, store.UpdateJob(ctx, job))

		job.UpdateProgress(Progress{UnitsProcessed: 1000, DistinctKeys: 5})
		err := store.UpdateJob(ctx, job)
		require.Error(t, err)
		assert.True(t, errors.Is(err, errors.ErrInvalidTransition))

		stored, err := store.GetJob(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, uint64(2000), stored.Progress.UnitsProcessed)
	})

	t.Run("unknown job", func(t *testing.T) {
		store := newTestStore(t)
		job := newQueuedJob(t, "ghost.csv")
		job.Start()

		err := store.UpdateJob(ctx, job)
		assert.True(t, errors.IsNotFoundError(err))
	})

	t.Run("unknown status", func(t *testing.T) {
		store := newTestStore(t)
		job := storeJobIn(t, store, JobStatusRunning, "g.csv")
		job.Status = "paused"

		assert.True(t, errors.Is(store.UpdateJob(ctx, job), errors.ErrInvalidTransition))
	})
}

func TestCronosOrdersTheLedger(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	first := storeJobIn(t, store, JobStatusQueued, "1.csv")
	second := storeJobIn(t, store, JobStatusSucceeded, "2.csv")
	third := storeJobIn(t, store, JobStatusQueued, "3.csv")

	all, err := store.ListJobs(ctx, nil, 10)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, []string{third.ID, second.ID, first.ID},
		[]string{all[0].ID, all[1].ID, all[2].ID}, "newest first")

	limited, err := store.ListJobs(ctx, nil, 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)

	queued := JobStatusQueued
	onlyQueued, err := store.ListJobs(ctx, &queued, 10)
	require.NoError(t, err)
	require.Len(t, onlyQueued, 2)
	for _, j := range onlyQueued {
		assert.Equal(t, JobStatusQueued, j.Status)
	}

	oldestFirst, err := store.ListQueued(ctx, 10)
	require.NoError(t, err)
	require.Len(t, oldestFirst, 2)
	assert.Equal(t, first.ID, oldestFirst[0].ID)
	assert.Equal(t, third.ID, oldestFirst[1].ID)

	t.Log("⏳ Cronos: 'The ledger reads forwards for workers and backwards for people'")
}

func TestKirbyCountsJobs(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	storeJobIn(t, store, JobStatusQueued, "a.csv")
	storeJobIn(t, store, JobStatusQueued, "b.csv")
	storeJobIn(t, store, JobStatusRunning, "c.csv")
	storeJobIn(t, store, JobStatusFailed, "d.csv")

	counts, err := store.CountByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, counts[JobStatusQueued])
	assert.Equal(t, 1, counts[JobStatusRunning])
	assert.Equal(t, 0, counts[JobStatusSucceeded])
	assert.Equal(t, 1, counts[JobStatusFailed])
}

func TestStoreDatabaseFailures(t *testing.T) {
	ctx := context.Background()

	newMockStore := func(t *testing.T) (*Store, sqlmock.Sqlmock) {
		conn, mock, err := sqlmock.New()
		require.NoError(t, err)
		t.Cleanup(func() { conn.Close() })
		return NewStore(conn), mock
	}

	t.Run("create fails", func(t *testing.T) {
		store, mock := newMockStore(t)
		mock.ExpectExec("INSERT INTO jobs").WillReturnError(errors.New("disk I/O error"))

		err := store.CreateJob(ctx, newQueuedJob(t, "x.csv"))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to create job")
		assert.False(t, errors.Is(err, errors.ErrConflict))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("update fails", func(t *testing.T) {
		store, mock := newMockStore(t)
		mock.ExpectExec("UPDATE jobs").WillReturnError(errors.New("database is locked"))

		job := newQueuedJob(t, "x.csv")
		job.Start()
		err := store.UpdateJob(ctx, job)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to update job")
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("rejected update explains itself", func(t *testing.T) {
		store, mock := newMockStore(t)
		now := time.Now().UTC()

		job := newQueuedJob(t, "x.csv")
		job.Start()

		mock.ExpectExec("UPDATE jobs").WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery("SELECT (.+) FROM jobs WHERE id").
			WithArgs(job.ID).
			WillReturnRows(sqlmock.NewRows([]string{
				"id", "handler_name", "source", "status",
				"units_processed", "distinct_keys", "elapsed_seconds",
				"input_ref", "output_ref", "error",
				"created_at", "started_at", "completed_at", "updated_at",
			}).AddRow(job.ID, testHandler, "x.csv", "succeeded",
				int64(10), int64(2), 0.5,
				"uploads/x.csv", "outputs/x.csv", nil,
				now, now, now, now))

		err := store.UpdateJob(ctx, job)
		require.Error(t, err)
		assert.True(t, errors.Is(err, errors.ErrInvalidTransition))
		assert.Contains(t, err.Error(), "succeeded to running")
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("claim fails", func(t *testing.T) {
		store, mock := newMockStore(t)
		mock.ExpectExec("UPDATE jobs").WillReturnError(errors.New("database is locked"))

		_, err := store.ClaimJob(ctx, "any", time.Now().UTC())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to claim job")
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("get fails", func(t *testing.T) {
		store, mock := newMockStore(t)
		mock.ExpectQuery("SELECT (.+) FROM jobs WHERE id").WillReturnError(sql.ErrConnDone)

		_, err := store.GetJob(ctx, "any")
		require.Error(t, err)
		assert.False(t, errors.IsNotFoundError(err))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("count fails", func(t *testing.T) {
		store, mock := newMockStore(t)
		mock.ExpectQuery("SELECT status, COUNT").WillReturnError(errors.New("no such table: jobs"))

		_, err := store.CountByStatus(ctx)
		assert.Error(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}
