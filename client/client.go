// Package client talks to a tally server over gRPC.
package client

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/teranos/tally/am"
	"github.com/teranos/tally/broker"
	"github.com/teranos/tally/errors"
	"github.com/teranos/tally/ingest"
	"github.com/teranos/tally/logger"
	"github.com/teranos/tally/rpc"
)

// Config controls how the client reaches the server and polls for completion
type Config struct {
	Address     string
	PollInitial time.Duration
	PollMax     time.Duration
	ChunkSize   int // upload message size
}

// ConfigFromAM converts the [client] section of am.toml
func ConfigFromAM(c am.ClientConfig) Config {
	return Config{
		Address:     c.Address,
		PollInitial: time.Duration(c.PollInitialMillis) * time.Millisecond,
		PollMax:     time.Duration(c.PollMaxMillis) * time.Millisecond,
	}
}

func (c Config) withDefaults() Config {
	if c.PollInitial <= 0 {
		c.PollInitial = 100 * time.Millisecond
	}
	if c.PollMax <= 0 {
		c.PollMax = 5 * time.Second
	}
	if c.PollMax < c.PollInitial {
		c.PollMax = c.PollInitial
	}
	if c.ChunkSize <= 0 {
		c.ChunkSize = ingest.DefaultBufferSize
	}
	return c
}

// Client wraps the generated-style Tally stub with domain types and errors.
// Errors carry the domain marks, so errors.Is(err, errors.ErrNotReady) works
// on the client side too.
type Client struct {
	conn   *grpc.ClientConn
	rpc    rpc.TallyClient
	cfg    Config
	logger *zap.SugaredLogger
}

// Dial connects to cfg.Address without transport security
func Dial(cfg Config, log *zap.SugaredLogger, opts ...grpc.DialOption) (*Client, error) {
	if cfg.Address == "" {
		return nil, errors.NewInvalidRequestError("server address is required")
	}
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(cfg.Address, opts...)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create client for %s", cfg.Address)
	}
	c := New(conn, cfg, log)
	c.conn = conn
	return c, nil
}

// New builds a client over an existing connection. Close does not close conn.
func New(conn grpc.ClientConnInterface, cfg Config, log *zap.SugaredLogger) *Client {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Client{
		rpc:    rpc.NewTallyClient(conn),
		cfg:    cfg.withDefaults(),
		logger: log.Named("client"),
	}
}

// Close closes the connection opened by Dial
func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

// Upload streams r to the server in ChunkSize messages and returns the job
// created for it
func (c *Client) Upload(ctx context.Context, r io.Reader, filename string) (*broker.Submission, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	stream, err := c.rpc.Upload(ctx)
	if err != nil {
		return nil, rpc.DomainError(err)
	}

	buf := make([]byte, c.cfg.ChunkSize)
	first := true
	var sent int64
	for {
		n, readErr := r.Read(buf)
		if n > 0 || (first && readErr == io.EOF) {
			msg := &rpc.UploadChunk{Data: buf[:n]}
			if first {
				msg.Filename = filename
				first = false
			}
			if err := stream.Send(msg); err != nil {
				// the server's reason arrives on CloseAndRecv
				if err == io.EOF {
					break
				}
				return nil, rpc.DomainError(err)
			}
			sent += int64(n)
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			// cancelling the stream makes the server discard the partial input
			return nil, errors.Mark(errors.Wrap(readErr, "failed to read upload"), errors.ErrIngestionAborted)
		}
	}

	resp, err := stream.CloseAndRecv()
	if err != nil {
		return nil, rpc.DomainError(err)
	}
	c.logger.Debugw("Upload complete", logger.FieldJobID, resp.JobID, logger.FieldBytes, sent)
	return resp.Submission(), nil
}

// UploadFile uploads a local file, using its base name as the job source
func (c *Client) UploadFile(ctx context.Context, path string) (*broker.Submission, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open %s", path)
	}
	defer f.Close()
	return c.Upload(ctx, f, filepath.Base(path))
}

// Submit creates a job over an input that is already in blob storage
func (c *Client) Submit(ctx context.Context, inputRef, source string) (*broker.Submission, error) {
	resp, err := c.rpc.Submit(ctx, &rpc.SubmitRequest{InputRef: inputRef, Source: source})
	if err != nil {
		return nil, rpc.DomainError(err)
	}
	return resp.Submission(), nil
}

// Query returns the job's current status
func (c *Client) Query(ctx context.Context, id string) (*broker.Status, error) {
	resp, err := c.rpc.Query(ctx, &rpc.QueryRequest{JobID: id})
	if err != nil {
		return nil, rpc.DomainError(err)
	}
	st := resp.ToStatus()
	return &st, nil
}

// Wait polls Query with exponential backoff until the job completes or ctx
// ends. onPoll, when set, sees every snapshot.
func (c *Client) Wait(ctx context.Context, id string, onPoll func(broker.Status)) (*broker.Status, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.PollInitial
	b.MaxInterval = c.cfg.PollMax
	b.MaxElapsedTime = 0

	var final *broker.Status
	op := func() error {
		st, err := c.Query(ctx, id)
		if err != nil {
			if errors.Is(err, errors.ErrSubmissionFailure) {
				// server unavailable; keep polling
				return err
			}
			return backoff.Permanent(err)
		}
		if onPoll != nil {
			onPoll(*st)
		}
		if !st.Completed {
			return errNotCompleted
		}
		final = st
		return nil
	}

	if err := backoff.Retry(op, backoff.WithContext(b, ctx)); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, errors.Wrapf(ctxErr, "stopped waiting for job %s", id)
		}
		return nil, err
	}
	return final, nil
}

var errNotCompleted = errors.New("job not completed")

// Watch calls fn for every status update the server pushes until the job
// completes. A non-nil error from fn ends the watch.
func (c *Client) Watch(ctx context.Context, id string, fn func(broker.Status) error) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	stream, err := c.rpc.Watch(ctx, &rpc.QueryRequest{JobID: id})
	if err != nil {
		return rpc.DomainError(err)
	}
	for {
		msg, err := stream.Recv()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return rpc.DomainError(err)
		}
		if err := fn(msg.ToStatus()); err != nil {
			return err
		}
	}
}

// Download writes the result CSV of a succeeded job to w
func (c *Client) Download(ctx context.Context, id string, w io.Writer) (int64, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	stream, err := c.rpc.StreamOutput(ctx, &rpc.OutputRequest{JobID: id})
	if err != nil {
		return 0, rpc.DomainError(err)
	}
	var written int64
	for {
		chunk, err := stream.Recv()
		if err == io.EOF {
			return written, nil
		}
		if err != nil {
			return written, rpc.DomainError(err)
		}
		n, err := w.Write(chunk.Data)
		written += int64(n)
		if err != nil {
			return written, errors.Wrap(err, "failed to write output")
		}
	}
}

// List returns recent jobs, optionally filtered by state name
func (c *Client) List(ctx context.Context, state string, limit int) ([]broker.Status, error) {
	resp, err := c.rpc.ListJobs(ctx, &rpc.ListJobsRequest{Status: state, Limit: limit})
	if err != nil {
		return nil, rpc.DomainError(err)
	}
	out := make([]broker.Status, len(resp.Jobs))
	for i, j := range resp.Jobs {
		out[i] = j.ToStatus()
	}
	return out, nil
}
