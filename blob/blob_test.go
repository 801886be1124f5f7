package blob

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/tally/am"
	"github.com/teranos/tally/errors"
)

// exerciseStore runs the Store contract against any backend
func exerciseStore(t *testing.T, store Store) {
	ctx := context.Background()

	t.Run("commit makes the blob visible", func(t *testing.T) {
		w, err := store.Create(ctx, "inputs/a.csv")
		require.NoError(t, err)

		_, err = store.Open(ctx, "inputs/a.csv")
		assert.True(t, errors.IsNotFoundError(err), "nothing is visible before Commit")

		_, err = io.WriteString(w, "Department Name,Date,Number of Sales\n")
		require.NoError(t, err)
		_, err = io.WriteString(w, "Beauty,2024-01-01,100\n")
		require.NoError(t, err)
		require.NoError(t, w.Commit())

		r, err := store.Open(ctx, "inputs/a.csv")
		require.NoError(t, err)
		defer r.Close()
		data, err := io.ReadAll(r)
		require.NoError(t, err)
		assert.Equal(t, "Department Name,Date,Number of Sales\nBeauty,2024-01-01,100\n", string(data))

		info, err := store.Stat(ctx, "inputs/a.csv")
		require.NoError(t, err)
		assert.Equal(t, int64(len(data)), info.Size)
		assert.Equal(t, "inputs/a.csv", info.Key)
	})

	t.Run("abort leaves nothing", func(t *testing.T) {
		w, err := store.Create(ctx, "inputs/aborted.csv")
		require.NoError(t, err)
		_, err = w.Write([]byte("partial"))
		require.NoError(t, err)
		require.NoError(t, w.Abort())

		_, err = store.Stat(ctx, "inputs/aborted.csv")
		assert.True(t, errors.IsNotFoundError(err))

		_, err = w.Write([]byte("more"))
		assert.ErrorIs(t, err, ErrWriterClosed)
		assert.ErrorIs(t, w.Commit(), ErrWriterClosed)
		assert.NoError(t, w.Abort(), "abort is idempotent")
	})

	t.Run("large blob round trip", func(t *testing.T) {
		payload := bytes.Repeat([]byte("Sports,2024-02-02,7\n"), 100_000)

		w, err := store.Create(ctx, "inputs/large.csv")
		require.NoError(t, err)
		for off := 0; off < len(payload); off += 4096 {
			end := min(off+4096, len(payload))
			_, err := w.Write(payload[off:end])
			require.NoError(t, err)
		}
		require.NoError(t, w.Commit())

		r, err := store.Open(ctx, "inputs/large.csv")
		require.NoError(t, err)
		defer r.Close()
		got, err := io.ReadAll(r)
		require.NoError(t, err)
		assert.True(t, bytes.Equal(payload, got))
	})

	t.Run("delete", func(t *testing.T) {
		w, err := store.Create(ctx, "outputs/gone.csv")
		require.NoError(t, err)
		require.NoError(t, w.Commit())

		require.NoError(t, store.Delete(ctx, "outputs/gone.csv"))
		_, err = store.Open(ctx, "outputs/gone.csv")
		assert.True(t, errors.IsNotFoundError(err))
		assert.NoError(t, store.Delete(ctx, "outputs/gone.csv"), "deleting twice is fine")
	})

	t.Run("missing key", func(t *testing.T) {
		_, err := store.Open(ctx, "outputs/never.csv")
		assert.True(t, errors.IsNotFoundError(err))
		_, err = store.Stat(ctx, "outputs/never.csv")
		assert.True(t, errors.IsNotFoundError(err))
	})

	t.Run("invalid keys", func(t *testing.T) {
		for _, key := range []string{"", "/etc/passwd", "../escape.csv", "inputs/../../x", "a//b", `inputs\x.csv`} {
			_, err := store.Create(ctx, key)
			assert.True(t, errors.IsInvalidRequestError(err), "key %q", key)
		}
	})
}

func TestFSStore(t *testing.T) {
	store, err := NewFSStore(t.TempDir())
	require.NoError(t, err)
	exerciseStore(t, store)
}

func TestFSStoreLeavesNoStagingFiles(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFSStore(dir)
	require.NoError(t, err)
	ctx := context.Background()

	committed, err := store.Create(ctx, "outputs/x.csv")
	require.NoError(t, err)
	require.NoError(t, committed.Commit())

	aborted, err := store.Create(ctx, "outputs/y.csv")
	require.NoError(t, err)
	require.NoError(t, aborted.Abort())

	entries, err := os.ReadDir(filepath.Join(dir, "outputs"))
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	assert.Equal(t, []string{"x.csv"}, names)

	fi, err := os.Stat(filepath.Join(dir, "outputs", "x.csv"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(am.DefaultFilePermissions), fi.Mode().Perm())
}

func TestMinioStore(t *testing.T) {
	endpoint := os.Getenv("TALLY_TEST_S3_ENDPOINT")
	if endpoint == "" {
		t.Skip("TALLY_TEST_S3_ENDPOINT not set")
	}

	store, err := NewMinioStore(context.Background(), am.S3Config{
		Endpoint:  endpoint,
		Bucket:    "tally-test",
		AccessKey: os.Getenv("TALLY_TEST_S3_ACCESS_KEY"),
		SecretKey: os.Getenv("TALLY_TEST_S3_SECRET_KEY"),
	})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(store.String(), "s3:"))
	exerciseStore(t, store)
}

func TestNew(t *testing.T) {
	ctx := context.Background()

	store, err := New(ctx, am.StorageConfig{Backend: am.BackendFS, Dir: t.TempDir()}, nil)
	require.NoError(t, err)
	assert.IsType(t, &FSStore{}, store)

	_, err = New(ctx, am.StorageConfig{Backend: "tape"}, nil)
	assert.ErrorContains(t, err, "unknown storage backend")
}

func TestKeys(t *testing.T) {
	assert.Equal(t, "inputs/abc.csv", InputKey("abc"))
	assert.Equal(t, "outputs/job-1.csv", OutputKey("job-1"))
	assert.NoError(t, ValidateKey(OutputKey("job-1")))
}
