package blob

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/teranos/tally/am"
	"github.com/teranos/tally/errors"
)

// FSStore keeps blobs as files under a root directory.
// Writers stage into a temp file next to the target and rename on Commit.
type FSStore struct {
	root string
}

var _ Store = (*FSStore)(nil)

// NewFSStore creates the root directory if needed
func NewFSStore(root string) (*FSStore, error) {
	if root == "" {
		root = "data"
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to resolve storage dir %s", root)
	}
	if err := os.MkdirAll(abs, am.DefaultDirPermissions); err != nil {
		return nil, errors.Wrapf(err, "failed to create storage dir %s", abs)
	}
	return &FSStore{root: abs}, nil
}

// Root returns the absolute storage directory
func (s *FSStore) Root() string {
	return s.root
}

func (s *FSStore) path(key string) (string, error) {
	if err := ValidateKey(key); err != nil {
		return "", err
	}
	return filepath.Join(s.root, filepath.FromSlash(key)), nil
}

// Create stages a new blob for key
func (s *FSStore) Create(ctx context.Context, key string) (Writer, error) {
	target, err := s.path(key)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(target), am.DefaultDirPermissions); err != nil {
		return nil, errors.Wrapf(err, "failed to create directory for %s", key)
	}

	f, err := os.CreateTemp(filepath.Dir(target), ".staging-*")
	if err != nil {
		return nil, errors.Wrapf(err, "failed to stage %s", key)
	}
	return &fsWriter{file: f, target: target, key: key}, nil
}

// Open reads a committed blob
func (s *FSStore) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	p, err := s.path(key)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p)
	if os.IsNotExist(err) {
		return nil, errors.NewNotFoundError("blob not found: %s", key)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open blob %s", key)
	}
	return f, nil
}

// Stat describes a committed blob
func (s *FSStore) Stat(ctx context.Context, key string) (Info, error) {
	p, err := s.path(key)
	if err != nil {
		return Info{}, err
	}
	fi, err := os.Stat(p)
	if os.IsNotExist(err) {
		return Info{}, errors.NewNotFoundError("blob not found: %s", key)
	}
	if err != nil {
		return Info{}, errors.Wrapf(err, "failed to stat blob %s", key)
	}
	return Info{Key: key, Size: fi.Size(), ModTime: fi.ModTime()}, nil
}

// Delete removes a blob
func (s *FSStore) Delete(ctx context.Context, key string) error {
	p, err := s.path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "failed to delete blob %s", key)
	}
	return nil
}

// String identifies the store in logs
func (s *FSStore) String() string {
	return "fs:" + s.root
}

type fsWriter struct {
	mu     sync.Mutex
	file   *os.File
	target string
	key    string
	done   bool
}

func (w *fsWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.done {
		return 0, ErrWriterClosed
	}
	n, err := w.file.Write(p)
	if err != nil {
		return n, errors.Wrapf(err, "failed to write blob %s", w.key)
	}
	return n, nil
}

func (w *fsWriter) Commit() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.done {
		return ErrWriterClosed
	}
	w.done = true

	staged := w.file.Name()
	if err := w.file.Sync(); err != nil {
		w.file.Close()
		os.Remove(staged)
		return errors.Wrapf(err, "failed to sync blob %s", w.key)
	}
	if err := w.file.Close(); err != nil {
		os.Remove(staged)
		return errors.Wrapf(err, "failed to close blob %s", w.key)
	}
	if err := os.Chmod(staged, am.DefaultFilePermissions); err != nil {
		os.Remove(staged)
		return errors.Wrapf(err, "failed to set permissions on blob %s", w.key)
	}
	if err := os.Rename(staged, w.target); err != nil {
		os.Remove(staged)
		return errors.Wrapf(err, "failed to commit blob %s", w.key)
	}
	return nil
}

func (w *fsWriter) Abort() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.done {
		return nil
	}
	w.done = true

	w.file.Close()
	if err := os.Remove(w.file.Name()); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "failed to discard blob %s", w.key)
	}
	return nil
}
