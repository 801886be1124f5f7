// Package blob stores job inputs and outputs under storage-relative keys.
//
// Writers are transactional: nothing is visible under a key until Commit,
// and Abort leaves no trace. Inputs live under inputs/, outputs under outputs/.
package blob

import (
	"context"
	"io"
	"path"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/tally/am"
	"github.com/teranos/tally/errors"
)

// Writer accumulates a blob. Exactly one of Commit or Abort must be called.
type Writer interface {
	io.Writer
	// Commit makes the written bytes durable under the writer's key
	Commit() error
	// Abort discards everything written so far
	Abort() error
}

// Info describes a stored blob
type Info struct {
	Key     string
	Size    int64
	ModTime time.Time
}

// Store is durable blob storage for inputs and outputs
type Store interface {
	// Create starts a new blob at key; it replaces any existing blob on Commit
	Create(ctx context.Context, key string) (Writer, error)
	// Open reads a committed blob; ErrNotFound if absent
	Open(ctx context.Context, key string) (io.ReadCloser, error)
	// Stat describes a committed blob; ErrNotFound if absent
	Stat(ctx context.Context, key string) (Info, error)
	// Delete removes a blob; deleting a missing key is not an error
	Delete(ctx context.Context, key string) error
}

// ErrWriterClosed is returned by a Writer used after Commit or Abort
var ErrWriterClosed = errors.New("blob writer already closed")

// InputKey returns the key of an uploaded input
func InputKey(id string) string {
	return "inputs/" + id + ".csv"
}

// OutputKey returns the key of a job's result
func OutputKey(jobID string) string {
	return "outputs/" + jobID + ".csv"
}

// ValidateKey rejects keys that could escape the store root
func ValidateKey(key string) error {
	if key == "" {
		return errors.NewInvalidRequestError("blob key cannot be empty")
	}
	if strings.HasPrefix(key, "/") || strings.Contains(key, "\\") {
		return errors.NewInvalidRequestError("blob key %q must be relative", key)
	}
	if clean := path.Clean(key); clean != key || clean == "." || strings.HasPrefix(clean, "../") || clean == ".." {
		return errors.NewInvalidRequestError("blob key %q is not canonical", key)
	}
	return nil
}

// New creates the store selected by cfg.Backend
func New(ctx context.Context, cfg am.StorageConfig, logger *zap.SugaredLogger) (Store, error) {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	switch cfg.Backend {
	case "", am.BackendFS:
		store, err := NewFSStore(cfg.Dir)
		if err != nil {
			return nil, err
		}
		logger.Infow("Blob storage ready", "backend", am.BackendFS, "dir", store.Root())
		return store, nil
	case am.BackendS3:
		store, err := NewMinioStore(ctx, cfg.S3)
		if err != nil {
			return nil, err
		}
		logger.Infow("Blob storage ready", "backend", am.BackendS3, "endpoint", cfg.S3.Endpoint, "bucket", cfg.S3.Bucket)
		return store, nil
	default:
		return nil, errors.Newf("unknown storage backend %q", cfg.Backend)
	}
}
