// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"

	"github.com/carabistouflette/chunkflow/internal/contracts"
)

// S3Store persists chunks as objects in an S3 bucket, one object per
// digest under keyPrefix. Transient throttling errors are retried with
// capped exponential backoff.
type S3Store struct {
	client     *s3.Client
	bucket     string
	keyPrefix  string
	maxRetries int
	logger     *slog.Logger
}

// S3StoreOption customizes an S3Store at construction time.
type S3StoreOption func(*S3Store)

// WithKeyPrefix namespaces every object key under prefix, e.g. "chunks/".
func WithKeyPrefix(prefix string) S3StoreOption {
	return func(s *S3Store) { s.keyPrefix = prefix }
}

// WithMaxRetries overrides the default retry budget for throttled requests.
func WithMaxRetries(n int) S3StoreOption {
	return func(s *S3Store) { s.maxRetries = n }
}

// WithLogger attaches a logger for retry/backoff diagnostics.
func WithLogger(l *slog.Logger) S3StoreOption {
	return func(s *S3Store) { s.logger = l }
}

// NewS3Store builds an S3Store using the default AWS credential chain
// (environment, shared config, or instance profile).
func NewS3Store(ctx context.Context, bucket string, opts ...S3StoreOption) (*S3Store, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, contracts.NewError(contracts.KindInternal, "store.NewS3Store", bucket, err)
	}
	s := &S3Store{
		client:     s3.NewFromConfig(cfg),
		bucket:     bucket,
		maxRetries: 5,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *S3Store) key(digest contracts.Digest) string {
	return s.keyPrefix + digest.Hex()
}

func (s *S3Store) Has(ctx context.Context, digest contracts.Digest) (bool, error) {
	_, err := withRetry(s, ctx, "HeadObject", func(ctx context.Context) (*s3.HeadObjectOutput, error) {
		return s.client.HeadObject(ctx, &s3.HeadObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(s.key(digest)),
		})
	})
	if err != nil {
		if isNotFoundErr(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (s *S3Store) Put(ctx context.Context, digest contracts.Digest, data []byte) error {
	if has, err := s.Has(ctx, digest); err != nil {
		return err
	} else if has {
		return nil
	}
	_, err := withRetry(s, ctx, "PutObject", func(ctx context.Context) (*s3.PutObjectOutput, error) {
		return s.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(s.key(digest)),
			Body:   bytes.NewReader(data),
		})
	})
	if err != nil {
		return contracts.NewError(contracts.KindIoFailure, "store.Put", s.key(digest), err)
	}
	return nil
}

func (s *S3Store) Get(ctx context.Context, digest contracts.Digest) ([]byte, error) {
	rc, err := s.GetReader(ctx, digest)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, contracts.NewError(contracts.KindIoFailure, "store.Get", s.key(digest), err)
	}
	return data, nil
}

func (s *S3Store) GetReader(ctx context.Context, digest contracts.Digest) (io.ReadCloser, error) {
	out, err := withRetry(s, ctx, "GetObject", func(ctx context.Context) (*s3.GetObjectOutput, error) {
		return s.client.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(s.key(digest)),
		})
	})
	if err != nil {
		if isNotFoundErr(err) {
			return nil, contracts.NewError(contracts.KindNotFound, "store.Get", s.key(digest), err)
		}
		return nil, contracts.NewError(contracts.KindIoFailure, "store.Get", s.key(digest), err)
	}
	return out.Body, nil
}

// withRetry retries op on S3 throttling errors with exponential backoff
// capped at 30 seconds, for dealing with rate-limited AWS APIs.
func withRetry[T any](s *S3Store, ctx context.Context, opName string, op func(context.Context) (T, error)) (T, error) {
	var zero T
	var lastErr error
	for attempt := 0; attempt <= s.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(1<<attempt) * time.Second
			if backoff > 30*time.Second {
				backoff = 30 * time.Second
			}
			s.logger.Warn("s3 operation throttled, backing off", "op", opName, "attempt", attempt, "backoff", backoff)
			select {
			case <-ctx.Done():
				return zero, ctx.Err()
			case <-time.After(backoff):
			}
		}

		result, err := op(ctx)
		if err == nil {
			return result, nil
		}
		lastErr = err
		if !isThrottlingError(err) {
			return zero, err
		}
	}
	return zero, fmt.Errorf("s3 %s failed after %d retries: %w", opName, s.maxRetries, lastErr)
}

func isThrottlingError(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "SlowDown", "RequestTimeout", "ThrottlingException", "TooManyRequests":
			return true
		}
	}
	return false
}

func isNotFoundErr(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NotFound", "NoSuchKey":
			return true
		}
	}
	return false
}
