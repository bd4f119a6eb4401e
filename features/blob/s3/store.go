// Package s3 implements the blob store on an S3 (or S3-compatible)
// bucket. Object keys are content addresses; Save heads the key first and
// skips the upload when it already exists.
package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"goa.design/clue/health"

	"github.com/hyperengineering/engram/blob"
)

// Scheme is the URI scheme of S3 blobs.
const Scheme = "s3"

const (
	defaultTimeout = 30 * time.Second
	clientName     = "blob-s3"
)

// Client is the slice of the S3 API the store uses. *s3.Client satisfies
// it; tests inject fakes.
type Client interface {
	HeadBucket(ctx context.Context, params *awss3.HeadBucketInput, optFns ...func(*awss3.Options)) (*awss3.HeadBucketOutput, error)
	HeadObject(ctx context.Context, params *awss3.HeadObjectInput, optFns ...func(*awss3.Options)) (*awss3.HeadObjectOutput, error)
	PutObject(ctx context.Context, params *awss3.PutObjectInput, optFns ...func(*awss3.Options)) (*awss3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *awss3.GetObjectInput, optFns ...func(*awss3.Options)) (*awss3.GetObjectOutput, error)
}

// Options configures the S3 store.
type Options struct {
	Client  Client
	Bucket  string
	Timeout time.Duration
}

// Store implements blob.Store on an S3 bucket.
type Store struct {
	client  Client
	bucket  string
	timeout time.Duration
}

// New returns a Store writing to the named bucket.
func New(opts Options) (*Store, error) {
	if opts.Client == nil {
		return nil, errors.New("s3 client is required")
	}
	if opts.Bucket == "" {
		return nil, errors.New("bucket is required")
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Store{client: opts.Client, bucket: opts.Bucket, timeout: timeout}, nil
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
	_, err := s.client.HeadBucket(ctx, &awss3.HeadBucketInput{Bucket: aws.String(s.bucket)})
	return err
}

// Save uploads data under its content address unless the key exists.
func (s *Store) Save(ctx context.Context, data []byte) (string, error) {
	name := blob.Address(data)
	uri := blob.FormatURI(Scheme, name)
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	_, err := s.client.HeadObject(ctx, &awss3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(name),
	})
	if err == nil {
		return uri, nil
	}
	if !isNotFound(err) {
		return "", &blob.StorageError{Op: "save", URI: uri, Err: err}
	}

	_, err = s.client.PutObject(ctx, &awss3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(name),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
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

	out, err := s.client.GetObject(ctx, &awss3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(name),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, blob.ErrNotFound
		}
		return nil, &blob.StorageError{Op: "load", URI: uri, Err: err}
	}
	defer out.Body.Close()
	data, err := io.ReadAll(out.Body)
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

// isNotFound covers both shapes the SDK produces: GetObject unmarshals
// NoSuchKey, HeadObject only carries the NotFound API error code.
func isNotFound(err error) bool {
	var noKey *types.NoSuchKey
	if errors.As(err, &noKey) {
		return true
	}
	var notFound *types.NotFound
	if errors.As(err, &notFound) {
		return true
	}
	var apiErr smithy.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode() == "NotFound"
}
