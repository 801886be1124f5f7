package aggregate

import (
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/teranos/tally/blob"
	"github.com/teranos/tally/errors"
	talltest "github.com/teranos/tally/internal/testing"
	"github.com/teranos/tally/pulse"
	"github.com/teranos/tally/pulse/async"
)

func putBlob(t *testing.T, store blob.Store, key, content string) {
	t.Helper()
	w, err := store.Create(context.Background(), key)
	require.NoError(t, err)
	_, err = io.WriteString(w, content)
	require.NoError(t, err)
	require.NoError(t, w.Commit())
}

func readBlob(t *testing.T, store blob.Store, key string) string {
	t.Helper()
	r, err := store.Open(context.Background(), key)
	require.NoError(t, err)
	defer r.Close()
	data, err := io.ReadAll(r)
	require.NoError(t, err)
	return string(data)
}

func newTestHandler(t *testing.T, interval int) (*Handler, *blob.FSStore) {
	t.Helper()
	store, err := blob.NewFSStore(t.TempDir())
	require.NoError(t, err)
	h, err := NewHandler(store, DefaultLayout(), interval, zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)
	return h, store
}

func TestHandlerWritesOutput(t *testing.T) {
	h, store := newTestHandler(t, 2)
	putBlob(t, store, "inputs/sales.csv", header+
		"Beauty,2023-07-15,100\n"+
		"Sports,2023-11-18,200\n"+
		"Beauty,2023-09-30,50\n")

	job, err := async.NewJob(HandlerName, "sales.csv", "inputs/sales.csv")
	require.NoError(t, err)

	sink := &recordingSink{}
	result, err := h.Execute(context.Background(), job, sink)
	require.NoError(t, err)

	assert.Equal(t, HandlerName, h.Name())
	assert.Equal(t, "outputs/"+job.ID+".csv", result.OutputRef)
	assert.Equal(t, uint64(3), result.Progress.UnitsProcessed)
	assert.Equal(t, uint64(2), result.Progress.DistinctKeys)
	assert.Equal(t, "Department Name,Total Sales\nBeauty,150\nSports,200\n", readBlob(t, store, result.OutputRef))
	assert.Len(t, sink.checkpoints, 2, "one at record 2 and the final one")
}

func TestHandlerFailures(t *testing.T) {
	ctx := context.Background()

	t.Run("missing input", func(t *testing.T) {
		h, _ := newTestHandler(t, 0)
		job, err := async.NewJob(HandlerName, "", "inputs/missing.csv")
		require.NoError(t, err)

		_, err = h.Execute(ctx, job, pulse.Discard)
		require.Error(t, err)
		assert.True(t, errors.Is(err, errors.ErrProcessing))
	})

	t.Run("rejected checkpoint leaves no output", func(t *testing.T) {
		h, store := newTestHandler(t, 1)
		putBlob(t, store, "inputs/x.csv", header+"A,d,1\nB,d,2\n")
		job, err := async.NewJob(HandlerName, "", "inputs/x.csv")
		require.NoError(t, err)

		_, err = h.Execute(ctx, job, &recordingSink{failAfter: 1})
		require.Error(t, err)

		_, err = store.Stat(ctx, blob.OutputKey(job.ID))
		assert.True(t, errors.IsNotFoundError(err))
	})

	t.Run("invalid layout", func(t *testing.T) {
		store, err := blob.NewFSStore(t.TempDir())
		require.NoError(t, err)
		_, err = NewHandler(store, Layout{KeyField: 0, ValueField: 0}, 0, nil)
		assert.True(t, errors.IsInvalidRequestError(err))
	})
}

// The handler running inside a real worker pool, from queued to succeeded
func TestHandlerInWorkerPool(t *testing.T) {
	ctx := context.Background()
	h, store := newTestHandler(t, 1000)

	var b strings.Builder
	b.WriteString(header)
	for i := 0; i < 3000; i++ {
		b.WriteString([]string{"Beauty", "Sports", "Home"}[i%3] + ",2024-01-01,2\n")
	}
	putBlob(t, store, "inputs/big.csv", b.String())

	queue := async.NewQueue(async.NewStore(talltest.CreateTestDB(t)))
	t.Cleanup(queue.Close)
	registry := async.NewHandlerRegistry()
	registry.Register(h)

	cfg := async.DefaultWorkerPoolConfig()
	cfg.Workers = 2
	pool := async.NewWorkerPool(queue, registry, cfg, zaptest.NewLogger(t).Sugar())
	require.NoError(t, pool.Start())
	defer pool.Stop()

	job, err := async.NewJob(HandlerName, "big.csv", "inputs/big.csv")
	require.NoError(t, err)
	require.NoError(t, queue.Enqueue(ctx, job))

	var done *async.Job
	require.Eventually(t, func() bool {
		j, err := queue.GetJob(ctx, job.ID)
		if err != nil {
			return false
		}
		done = j
		return j.Completed()
	}, 5*time.Second, 10*time.Millisecond)

	require.Equal(t, async.JobStatusSucceeded, done.Status, done.Error)
	assert.Equal(t, uint64(3000), done.Progress.UnitsProcessed)
	assert.Equal(t, uint64(3), done.Progress.DistinctKeys)
	assert.Equal(t, "Department Name,Total Sales\nBeauty,2000\nSports,2000\nHome,2000\n", readBlob(t, store, done.OutputRef))
}
