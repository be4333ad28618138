// Package objectstore is the S3 client for pipeline data and run metadata.
//
// Keys embed sortable timestamps by convention, so the S3 native lexicographic
// listing order is also chronological order; FindLatest relies on this.
package objectstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"entitypipeline/internal/config"
)

// s3API is the subset of the S3 client the store calls. Kept private so unit
// tests can fake it without network access.
type s3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// Store reads and writes objects in one bucket.
type Store struct {
	api    s3API
	bucket string
	log    *slog.Logger
}

// New builds a Store from settings.
//
// Edge cases:
//   - When static credentials are configured they are used directly; otherwise
//     the client is built without a credentials provider and every call will
//     fail, which Validate warns about up front.
//   - A non-empty endpoint switches to path-style addressing (localstack,
//     minio and other S3-compatible stores require it).
func New(cfg config.S3Settings, log *slog.Logger) *Store {
	opts := s3.Options{Region: cfg.Region}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts.Credentials = credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")
	}
	if cfg.Endpoint != "" {
		opts.BaseEndpoint = aws.String(cfg.Endpoint)
		opts.UsePathStyle = true
	}
	return &Store{api: s3.New(opts), bucket: cfg.Bucket, log: log}
}

// NewWithAPI wires an explicit API implementation; used by tests and by the
// pipeline package's in-memory store.
func NewWithAPI(api s3API, bucket string, log *slog.Logger) *Store {
	return &Store{api: api, bucket: bucket, log: log}
}

// WriteError wraps a failed Put. The underlying store replaces objects
// atomically, so a failed Put never leaves a partial object behind.
type WriteError struct {
	Key string
	Err error
}

func (e *WriteError) Error() string { return fmt.Sprintf("write s3://…/%s: %v", e.Key, e.Err) }
func (e *WriteError) Unwrap() error { return e.Err }

// ReadError wraps a failed Get other than a missing object.
type ReadError struct {
	Key string
	Err error
}

func (e *ReadError) Error() string { return fmt.Sprintf("read s3://…/%s: %v", e.Key, e.Err) }
func (e *ReadError) Unwrap() error { return e.Err }

// NotFoundError reports a Get for a key that does not exist.
type NotFoundError struct {
	Key string
}

func (e *NotFoundError) Error() string { return fmt.Sprintf("object not found: %s", e.Key) }

// Put writes data under key, replacing any existing object atomically.
func (s *Store) Put(ctx context.Context, key string, data []byte) error {
	_, err := s.api.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return &WriteError{Key: key, Err: err}
	}
	s.log.Debug("object written", "bucket", s.bucket, "key", key, "bytes", len(data))
	return nil
}

// Get reads the object at key.
//
// Errors:
//   - *NotFoundError when the key does not exist.
//   - *ReadError for every other failure.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	out, err := s.api.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var nsk *s3types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, &NotFoundError{Key: key}
		}
		return nil, &ReadError{Key: key, Err: err}
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, &ReadError{Key: key, Err: err}
	}
	s.log.Debug("object read", "bucket", s.bucket, "key", key, "bytes", len(data))
	return data, nil
}

// List walks every key under prefix in lexicographic order, calling fn for
// each. Iteration is lazy (page by page) and restartable: a fresh List always
// begins from the start of the prefix. fn returning an error stops the walk.
func (s *Store) List(ctx context.Context, prefix string, fn func(key string) error) error {
	var token *string
	for {
		out, err := s.api.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(s.bucket),
			Prefix:            aws.String(prefix),
			ContinuationToken: token,
		})
		if err != nil {
			return &ReadError{Key: prefix, Err: err}
		}
		for _, obj := range out.Contents {
			if err := fn(aws.ToString(obj.Key)); err != nil {
				return err
			}
		}
		if !aws.ToBool(out.IsTruncated) {
			return nil
		}
		token = out.NextContinuationToken
	}
}

// FindLatest returns the lexicographically greatest key under prefix, which by
// the timestamped-key convention is the most recent one. ok is false when the
// prefix is empty.
func (s *Store) FindLatest(ctx context.Context, prefix string) (key string, ok bool, err error) {
	var latest string
	err = s.List(ctx, prefix, func(k string) error {
		if k > latest {
			latest = k
		}
		return nil
	})
	if err != nil {
		return "", false, err
	}
	return latest, latest != "", nil
}

// URI renders the s3:// form of a key.
func (s *Store) URI(key string) string {
	return fmt.Sprintf("s3://%s/%s", s.bucket, key)
}

// Bucket returns the configured bucket name.
func (s *Store) Bucket() string { return s.bucket }

// KeyFromURI inverts URI. Raw keys pass through; a URI for a different
// bucket is an error.
func (s *Store) KeyFromURI(uri string) (string, error) {
	if !strings.HasPrefix(uri, "s3://") {
		return uri, nil
	}
	rest := strings.TrimPrefix(uri, "s3://")
	slash := strings.IndexByte(rest, '/')
	if slash < 0 {
		return "", fmt.Errorf("uri %q has no key", uri)
	}
	if rest[:slash] != s.bucket {
		return "", fmt.Errorf("uri %q is not in bucket %s", uri, s.bucket)
	}
	return rest[slash+1:], nil
}
