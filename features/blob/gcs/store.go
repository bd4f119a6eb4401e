// Package gcs implements the blob store on a Google Cloud Storage bucket.
// Object names are content addresses; Save skips the upload when the
// object already exists.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	gstorage "cloud.google.com/go/storage"

	"goa.design/clue/health"

	"github.com/hyperengineering/engram/blob"
)

// Scheme is the URI scheme of GCS blobs.
const Scheme = "gcs"

const (
	defaultTimeout = 30 * time.Second
	clientName     = "blob-gcs"
)

// Options configures the GCS store.
type Options struct {
	Client  *gstorage.Client
	Bucket  string
	Timeout time.Duration
}

// Store implements blob.Store on a GCS bucket.
type Store struct {
	bucket  bucketHandle
	name    string
	timeout time.Duration
}

// bucketHandle is the seam between the store and the SDK so tests can
// script object behavior.
type bucketHandle interface {
	Attrs(ctx context.Context) (*gstorage.BucketAttrs, error)
	Object(name string) objectHandle
}

type objectHandle interface {
	Attrs(ctx context.Context) (*gstorage.ObjectAttrs, error)
	NewWriter(ctx context.Context) io.WriteCloser
	NewReader(ctx context.Context) (io.ReadCloser, error)
}

// New returns a Store writing to the named bucket.
func New(opts Options) (*Store, error) {
	if opts.Client == nil {
		return nil, errors.New("storage client is required")
	}
	if opts.Bucket == "" {
		return nil, errors.New("bucket is required")
	}
	return newStoreWithBucket(gcsBucket{bucket: opts.Client.Bucket(opts.Bucket)}, opts.Bucket, opts.Timeout), nil
}

func newStoreWithBucket(bucket bucketHandle, name string, timeout time.Duration) *Store {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Store{bucket: bucket, name: name, timeout: timeout}
}

var (
	_ blob.Store    = (*Store)(nil)
	_ health.Pinger = (*Store)(nil)
)

// Name implements health.Pinger.
func (s *Store) Name() string { return clientName }

// Ping verifies the bucket is reachable.
func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	_, err := s.bucket.Attrs(ctx)
	return err
}

// Save uploads data under its content address unless it already exists.
func (s *Store) Save(ctx context.Context, data []byte) (string, error) {
	name := blob.Address(data)
	uri := blob.FormatURI(Scheme, name)
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	obj := s.bucket.Object(name)
	if _, err := obj.Attrs(ctx); err == nil {
		return uri, nil
	} else if !errors.Is(err, gstorage.ErrObjectNotExist) {
		return "", &blob.StorageError{Op: "save", URI: uri, Err: err}
	}

	w := obj.NewWriter(ctx)
	if _, err := w.Write(data); err != nil {
		w.Close()
		return "", &blob.StorageError{Op: "save", URI: uri, Err: err}
	}
	if err := w.Close(); err != nil {
		return "", &blob.StorageError{Op: "save", URI: uri, Err: err}
	}
	return uri, nil
}

// Load downloads the object named by uri.
func (s *Store) Load(ctx context.Context, uri string) ([]byte, error) {
	scheme, name, err := blob.ParseURI(uri)
	if err != nil {
		return nil, err
	}
	if scheme != Scheme {
		return nil, fmt.Errorf("blob uri %q: expected scheme %q", uri, Scheme)
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	r, err := s.bucket.Object(name).NewReader(ctx)
	if err != nil {
		if errors.Is(err, gstorage.ErrObjectNotExist) {
			return nil, blob.ErrNotFound
		}
		return nil, &blob.StorageError{Op: "load", URI: uri, Err: err}
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, &blob.StorageError{Op: "load", URI: uri, Err: err}
	}
	return data, nil
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if s.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.timeout)
}

// gcsBucket adapts the concrete SDK handle to the seam.
type gcsBucket struct {
	bucket *gstorage.BucketHandle
}

func (b gcsBucket) Attrs(ctx context.Context) (*gstorage.BucketAttrs, error) {
	return b.bucket.Attrs(ctx)
}

func (b gcsBucket) Object(name string) objectHandle {
	return gcsObject{obj: b.bucket.Object(name)}
}

type gcsObject struct {
	obj *gstorage.ObjectHandle
}

func (o gcsObject) Attrs(ctx context.Context) (*gstorage.ObjectAttrs, error) {
	return o.obj.Attrs(ctx)
}

func (o gcsObject) NewWriter(ctx context.Context) io.WriteCloser {
	return o.obj.NewWriter(ctx)
}

func (o gcsObject) NewReader(ctx context.Context) (io.ReadCloser, error) {
	return o.obj.NewReader(ctx)
}
