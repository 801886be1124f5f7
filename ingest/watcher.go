package ingest

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/teranos/tally/errors"
	"github.com/teranos/tally/logger"
)

const (
	// SubmittedDir receives files whose job was submitted
	SubmittedDir = "submitted"
	// RejectedDir receives files that could not be ingested
	RejectedDir = "rejected"

	// DefaultSettle is how long a file must stay unchanged before ingestion
	DefaultSettle = 500 * time.Millisecond
)

// Watcher ingests every file dropped into a directory once writes settle
type Watcher struct {
	dir      string
	frontend *Frontend
	settle   time.Duration
	watcher  *fsnotify.Watcher
	logger   *zap.SugaredLogger

	mu       sync.Mutex
	timers   map[string]*time.Timer
	inflight map[string]bool
	stopped  bool
	wg       sync.WaitGroup
	loopWG   sync.WaitGroup
}

// NewWatcher creates a drop directory watcher over dir
func NewWatcher(dir string, frontend *Frontend, settle time.Duration, log *zap.SugaredLogger) (*Watcher, error) {
	if dir == "" {
		return nil, errors.NewInvalidRequestError("watch directory is empty")
	}
	if settle <= 0 {
		settle = DefaultSettle
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}

	for _, d := range []string{dir, filepath.Join(dir, SubmittedDir), filepath.Join(dir, RejectedDir)} {
		if err := os.MkdirAll(d, 0755); err != nil {
			return nil, errors.Wrapf(err, "failed to create %s", d)
		}
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, "failed to create fsnotify watcher")
	}
	if err := fw.Add(dir); err != nil {
		fw.Close()
		return nil, errors.Wrapf(err, "failed to watch %s", dir)
	}

	return &Watcher{
		dir:      dir,
		frontend: frontend,
		settle:   settle,
		watcher:  fw,
		logger:   log.Named("watcher"),
		timers:   make(map[string]*time.Timer),
		inflight: make(map[string]bool),
	}, nil
}

// Start picks up files already in the directory, then watches for new ones
func (w *Watcher) Start(ctx context.Context) error {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return errors.Wrapf(err, "failed to read %s", w.dir)
	}
	for _, e := range entries {
		if e.Type().IsRegular() && !ignored(e.Name()) {
			w.schedule(ctx, filepath.Join(w.dir, e.Name()))
		}
	}

	w.loopWG.Add(1)
	go w.watchLoop(ctx)

	w.logger.Infow("Watching drop directory", "dir", w.dir, "settle", w.settle)
	return nil
}

func (w *Watcher) watchLoop(ctx context.Context) {
	defer w.loopWG.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}
			if filepath.Dir(event.Name) != filepath.Clean(w.dir) || ignored(filepath.Base(event.Name)) {
				continue
			}
			w.schedule(ctx, event.Name)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warnw("Drop directory watcher error", logger.FieldError, err)
		}
	}
}

// schedule (re)starts the settle timer of path
func (w *Watcher) schedule(ctx context.Context, path string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.stopped {
		return
	}
	if t, ok := w.timers[path]; ok && t.Stop() {
		t.Reset(w.settle)
		return
	}

	w.wg.Add(1)
	var t *time.Timer
	t = time.AfterFunc(w.settle, func() {
		defer w.wg.Done()
		w.mu.Lock()
		if w.timers[path] == t {
			delete(w.timers, path)
		}
		w.mu.Unlock()
		w.process(ctx, path)
	})
	w.timers[path] = t
}

// process ingests one settled file and files it under submitted/ (tagged
// with its job id) or rejected/ (tagged with the time)
func (w *Watcher) process(ctx context.Context, path string) {
	log := w.logger.With(logger.FieldFile, path)

	w.mu.Lock()
	if w.inflight[path] {
		w.mu.Unlock()
		return
	}
	w.inflight[path] = true
	w.mu.Unlock()
	defer func() {
		w.mu.Lock()
		delete(w.inflight, path)
		w.mu.Unlock()
	}()

	info, err := os.Lstat(path)
	if err != nil || !info.Mode().IsRegular() {
		// moved or replaced since the event
		return
	}

	f, err := os.Open(path)
	if err != nil {
		log.Warnw("Failed to open dropped file", logger.FieldError, err)
		return
	}
	sub, err := w.frontend.IngestReader(ctx, f, Upload{Source: filepath.Base(path)})
	f.Close()

	dest, tag := RejectedDir, time.Now().UTC().Format(rejectedStamp)
	if err != nil {
		log.Errorw("Dropped file rejected", logger.FieldError, err)
	} else {
		dest, tag = SubmittedDir, sub.JobID
		log.Infow("Dropped file submitted", logger.FieldJobID, sub.JobID)
	}

	target := filepath.Join(w.dir, dest, filedName(filepath.Base(path), tag))
	if err := os.Rename(path, target); err != nil {
		log.Warnw("Failed to move dropped file", "target", target, logger.FieldError, err)
	}
}

// Stop stops watching and waits for ingestions in progress. Files whose
// settle timer has not fired yet are picked up by the next Start.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	w.stopped = true
	for path, t := range w.timers {
		if t.Stop() {
			w.wg.Done()
		}
		delete(w.timers, path)
	}
	w.mu.Unlock()

	err := w.watcher.Close()
	w.loopWG.Wait()
	w.wg.Wait()
	return err
}

// rejectedStamp tags rejected files so a name dropped twice keeps both copies
const rejectedStamp = "20060102T150405.000000000Z"

// filedName inserts tag before the extension: ledger.csv -> ledger-<tag>.csv
func filedName(base, tag string) string {
	ext := filepath.Ext(base)
	return strings.TrimSuffix(base, ext) + "-" + tag + ext
}

// ignored skips hidden files and editor leftovers
func ignored(name string) bool {
	return strings.HasPrefix(name, ".") || strings.HasSuffix(name, "~") || strings.HasSuffix(name, ".swp")
}
