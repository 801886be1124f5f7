// Package ingest turns chunked uploads into durable inputs and submits a job
// for each completed upload.
package ingest

import (
	"context"
	"fmt"
	"io"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/teranos/tally/blob"
	"github.com/teranos/tally/broker"
	"github.com/teranos/tally/errors"
	"github.com/teranos/tally/logger"
)

// DefaultBufferSize is the read buffer IngestReader uses per upload
const DefaultBufferSize = 64 * 1024

// ChunkSource yields an upload's chunks in order.
// Next returns io.EOF once the stream ended cleanly; any other error means
// the stream terminated early.
type ChunkSource interface {
	Next() ([]byte, error)
}

// ChunkFunc adapts a function to a ChunkSource
type ChunkFunc func() ([]byte, error)

func (f ChunkFunc) Next() ([]byte, error) { return f() }

// Upload describes an upload for logging and job creation
type Upload struct {
	Source  string // file name or URL, kept on the job as a label
	Handler string // empty selects the broker's default handler
}

// Submitter admits jobs. *broker.Broker satisfies it.
type Submitter interface {
	Submit(ctx context.Context, req broker.SubmitRequest) (*broker.Submission, error)
}

// Frontend owns the ingestion buffer of every upload in flight
type Frontend struct {
	blobs     blob.Store
	submitter Submitter
	bufSize   int
	logger    *zap.SugaredLogger
}

// NewFrontend creates an ingestion frontend writing inputs to blobs
func NewFrontend(blobs blob.Store, submitter Submitter, bufSize int, log *zap.SugaredLogger) *Frontend {
	if bufSize <= 0 {
		bufSize = DefaultBufferSize
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Frontend{
		blobs:     blobs,
		submitter: submitter,
		bufSize:   bufSize,
		logger:    log.Named("ingest"),
	}
}

// Ingest writes every chunk of src to a new input blob as it arrives, then
// submits a job over it and returns without waiting for processing.
//
// If src fails or ctx ends before io.EOF the partial input is discarded,
// no job is created and the error is marked ErrIngestionAborted.
func (f *Frontend) Ingest(ctx context.Context, src ChunkSource, meta Upload) (*broker.Submission, error) {
	key := blob.InputKey(uuid.NewString())
	log := f.logger.With(logger.FieldInputRef, key, "source", meta.Source)

	w, err := f.blobs.Create(ctx, key)
	if err != nil {
		return nil, errors.Mark(errors.Wrap(err, "failed to open ingestion buffer"), errors.ErrSubmissionFailure)
	}

	var chunks, size int64
	for {
		if err := ctx.Err(); err != nil {
			return nil, f.abort(w, log, err, chunks, size)
		}
		chunk, err := src.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, f.abort(w, log, err, chunks, size)
		}
		if len(chunk) == 0 {
			continue
		}
		if _, err := w.Write(chunk); err != nil {
			return nil, f.abort(w, log, errors.Wrap(err, "failed to buffer chunk"), chunks, size)
		}
		chunks++
		size += int64(len(chunk))
	}

	if err := w.Commit(); err != nil {
		return nil, errors.Mark(errors.Wrapf(err, "failed to store input %s", key), errors.ErrSubmissionFailure)
	}
	log.Infow("Upload received", "chunks", chunks, logger.FieldBytes, size)

	sub, err := f.submitter.Submit(ctx, broker.SubmitRequest{
		InputRef: key,
		Source:   meta.Source,
		Handler:  meta.Handler,
	})
	if err != nil {
		if delErr := f.blobs.Delete(context.WithoutCancel(ctx), key); delErr != nil {
			log.Warnw("Failed to remove input of rejected submission", logger.FieldError, delErr)
		}
		return nil, err
	}
	return sub, nil
}

func (f *Frontend) abort(w blob.Writer, log *zap.SugaredLogger, cause error, chunks, size int64) error {
	if err := w.Abort(); err != nil {
		log.Warnw("Failed to discard ingestion buffer", logger.FieldError, err)
	}
	log.Infow("Upload aborted",
		"chunks", chunks,
		logger.FieldBytes, size,
		logger.FieldError, cause,
	)
	err := errors.Mark(errors.Wrap(cause, "upload ended before completion"), errors.ErrIngestionAborted)
	return errors.WithDetail(err, fmt.Sprintf("Received: %d chunks, %d bytes", chunks, size))
}

// IngestReader ingests r, read in buffer-sized chunks
func (f *Frontend) IngestReader(ctx context.Context, r io.Reader, meta Upload) (*broker.Submission, error) {
	return f.Ingest(ctx, NewReaderSource(r, f.bufSize), meta)
}

// readerSource reuses one buffer, so each chunk is only valid until the next
// call to Next
type readerSource struct {
	r   io.Reader
	buf []byte
	err error
}

// NewReaderSource reads r in chunks of at most size bytes
func NewReaderSource(r io.Reader, size int) ChunkSource {
	if size <= 0 {
		size = DefaultBufferSize
	}
	return &readerSource{r: r, buf: make([]byte, size)}
}

func (s *readerSource) Next() ([]byte, error) {
	if s.err != nil {
		return nil, s.err
	}
	n, err := s.r.Read(s.buf)
	if err != nil {
		s.err = err
	}
	if n > 0 {
		return s.buf[:n], nil
	}
	if err == nil {
		return nil, nil
	}
	return nil, err
}
