package ingest

// Source resolution for `tally submit`.
// Uses hashicorp/go-getter, so a source may be:
//   - a local path: ./sales.csv, ~/ledgers/2024.csv
//   - an http(s) URL: https://example.com/sales.csv
//   - anything else go-getter detects (s3::, gcs::, archives...)

import (
	"context"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/hashicorp/go-getter"
	"go.uber.org/zap"

	"github.com/teranos/tally/errors"
)

// Fetched is a local, readable copy of a source
type Fetched struct {
	// Path is the local file to read
	Path string
	// Source is the input as given
	Source string
	// Remote is true when the file was downloaded
	Remote bool

	cleanup func()
}

// Name returns the file name used as the job's source label
func (f *Fetched) Name() string {
	return filepath.Base(f.Path)
}

// Open opens the fetched file
func (f *Fetched) Open() (*os.File, error) {
	return os.Open(f.Path)
}

// Cleanup removes anything downloaded for this source. Safe to call twice.
func (f *Fetched) Cleanup() {
	if f.cleanup != nil {
		f.cleanup()
		f.cleanup = nil
	}
}

// Fetch resolves src to a local file, downloading it when it is remote.
// The result must be cleaned up when done.
func Fetch(ctx context.Context, src string, log *zap.SugaredLogger) (*Fetched, error) {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if strings.TrimSpace(src) == "" {
		return nil, errors.NewInvalidRequestError("source is empty")
	}

	pwd, err := os.Getwd()
	if err != nil {
		pwd = "."
	}

	local, err := expandHome(src)
	if err != nil {
		return nil, err
	}

	detected, err := getter.Detect(local, pwd, getter.Detectors)
	if err != nil {
		return nil, errors.Mark(errors.Wrapf(err, "failed to detect source type of %s", src), errors.ErrInvalidRequest)
	}
	log.Debugw("go-getter detected source", "input", src, "detected", detected)

	u, err := url.Parse(detected)
	if err != nil {
		return nil, errors.Mark(errors.Wrapf(err, "failed to parse %s", detected), errors.ErrInvalidRequest)
	}

	if u.Scheme == "file" || u.Scheme == "" {
		p := local
		if u.Scheme == "file" {
			p = u.Path
		}
		if !filepath.IsAbs(p) {
			p = filepath.Join(pwd, p)
		}
		info, err := os.Stat(p)
		if err != nil {
			if os.IsNotExist(err) {
				return nil, errors.NewInvalidRequestError("no such file: %s", p)
			}
			return nil, errors.Wrapf(err, "failed to stat %s", p)
		}
		if !info.Mode().IsRegular() {
			return nil, errors.NewInvalidRequestError("not a regular file: %s", p)
		}
		return &Fetched{Path: p, Source: src}, nil
	}

	return download(ctx, src, detected, log)
}

func download(ctx context.Context, src, detected string, log *zap.SugaredLogger) (*Fetched, error) {
	tempDir, err := os.MkdirTemp("", "tally-fetch-*")
	if err != nil {
		return nil, errors.Wrap(err, "failed to create temp directory")
	}
	dst := filepath.Join(tempDir, fileName(detected))

	client := &getter.Client{
		Ctx:     ctx,
		Src:     detected,
		Dst:     dst,
		Mode:    getter.ClientModeFile,
		Getters: getter.Getters,
	}

	log.Infow("Fetching source", "input", src, "destination", dst)
	if err := client.Get(); err != nil {
		os.RemoveAll(tempDir)
		return nil, errors.Wrapf(err, "failed to fetch %s", src)
	}

	return &Fetched{
		Path:   dst,
		Source: src,
		Remote: true,
		cleanup: func() {
			log.Debugw("Cleaning up fetched source", "path", tempDir)
			os.RemoveAll(tempDir)
		},
	}, nil
}

// fileName picks a local name for a remote source from the last path element
func fileName(detected string) string {
	if i := strings.Index(detected, "::"); i >= 0 {
		detected = detected[i+2:]
	}
	u, err := url.Parse(detected)
	if err != nil {
		return "input.csv"
	}
	base := path.Base(u.Path)
	if base == "." || base == "/" || base == "" {
		return "input.csv"
	}
	return base
}

func expandHome(p string) (string, error) {
	if p != "~" && !strings.HasPrefix(p, "~/") {
		return p, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", errors.Wrap(err, "failed to get home directory")
	}
	return filepath.Join(home, strings.TrimPrefix(p, "~")), nil
}
