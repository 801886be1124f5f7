package blob

import (
	"context"
	"io"
	"net/http"
	"sync"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/teranos/tally/am"
	"github.com/teranos/tally/errors"
)

// multipart part size for streamed uploads of unknown length
const minioPartSize = 16 << 20

var errUploadAborted = errors.New("upload aborted")

// MinioStore keeps blobs as objects in an S3-compatible bucket
type MinioStore struct {
	client *minio.Client
	bucket string
}

var _ Store = (*MinioStore)(nil)

// NewMinioStore connects to the endpoint and creates the bucket if missing
func NewMinioStore(ctx context.Context, cfg am.S3Config) (*MinioStore, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to create S3 client")
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to check bucket %s", cfg.Bucket)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{Region: cfg.Region}); err != nil {
			return nil, errors.Wrapf(err, "failed to create bucket %s", cfg.Bucket)
		}
	}

	return &MinioStore{client: client, bucket: cfg.Bucket}, nil
}

// Create streams a new object through a pipe; the object appears on Commit
func (s *MinioStore) Create(ctx context.Context, key string) (Writer, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}

	pr, pw := io.Pipe()
	w := &minioWriter{pw: pw, key: key, result: make(chan error, 1)}

	go func() {
		_, err := s.client.PutObject(ctx, s.bucket, key, pr, -1, minio.PutObjectOptions{
			ContentType: "text/csv",
			PartSize:    minioPartSize,
		})
		// unblock a writer still pushing into the pipe
		pr.CloseWithError(err)
		w.result <- err
	}()

	return w, nil
}

// Open reads an object
func (s *MinioStore) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}
	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, errors.Wrapf(err, "s3 get object %s", key)
	}
	// GetObject is lazy; Stat surfaces a missing key now rather than on first Read
	if _, err := obj.Stat(); err != nil {
		obj.Close()
		return nil, s.translate(err, key)
	}
	return obj, nil
}

// Stat describes an object
func (s *MinioStore) Stat(ctx context.Context, key string) (Info, error) {
	if err := ValidateKey(key); err != nil {
		return Info{}, err
	}
	oi, err := s.client.StatObject(ctx, s.bucket, key, minio.StatObjectOptions{})
	if err != nil {
		return Info{}, s.translate(err, key)
	}
	return Info{Key: key, Size: oi.Size, ModTime: oi.LastModified}, nil
}

// Delete removes an object
func (s *MinioStore) Delete(ctx context.Context, key string) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	if err := s.client.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return errors.Wrapf(err, "s3 remove object %s", key)
	}
	return nil
}

// String identifies the store in logs
func (s *MinioStore) String() string {
	return "s3:" + s.client.EndpointURL().Host + "/" + s.bucket
}

func (s *MinioStore) translate(err error, key string) error {
	resp := minio.ToErrorResponse(err)
	if resp.StatusCode == http.StatusNotFound || resp.Code == "NoSuchKey" {
		return errors.NewNotFoundError("blob not found: %s", key)
	}
	return errors.Wrapf(err, "s3 stat object %s", key)
}

type minioWriter struct {
	mu     sync.Mutex
	pw     *io.PipeWriter
	key    string
	result chan error
	done   bool
}

func (w *minioWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.done {
		return 0, ErrWriterClosed
	}
	n, err := w.pw.Write(p)
	if err != nil {
		return n, errors.Wrapf(err, "s3 put object %s", w.key)
	}
	return n, nil
}

func (w *minioWriter) Commit() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.done {
		return ErrWriterClosed
	}
	w.done = true

	w.pw.Close()
	if err := <-w.result; err != nil {
		return errors.Wrapf(err, "s3 put object %s", w.key)
	}
	return nil
}

func (w *minioWriter) Abort() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.done {
		return nil
	}
	w.done = true

	// The upload fails on the pipe error, so no object is created
	w.pw.CloseWithError(errUploadAborted)
	<-w.result
	return nil
}
