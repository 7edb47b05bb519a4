package crmbase

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/url"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// S3Backend implements Backend using AWS S3 (or S3-compatible storage)
type S3Backend struct {
	client *s3.Client
	bucket string
}

// NewS3Backend creates a new S3 backend
func NewS3Backend(client *s3.Client, bucket string) *S3Backend {
	return &S3Backend{
		client: client,
		bucket: bucket,
	}
}

// NewS3BackendFromConfig loads the default AWS configuration (environment,
// shared config, instance role) and builds a backend for bucket.
func NewS3BackendFromConfig(ctx context.Context, bucket, region string) (*S3Backend, error) {
	var loadOpts []func(*config.LoadOptions) error
	if region != "" {
		loadOpts = append(loadOpts, config.WithRegion(region))
	}
	cfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, WithContext(ErrInvalidConfig, map[string]interface{}{
			"backend": "s3",
			"reason":  err.Error(),
		})
	}
	return NewS3Backend(s3.NewFromConfig(cfg), bucket), nil
}

// Get retrieves data for the given key from S3
func (b *S3Backend) Get(ctx context.Context, key string) ([]byte, error) {
	result, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, mapS3Error(err, key)
	}
	defer func() { _ = result.Body.Close() }() //nolint:errcheck // Deferred close

	return io.ReadAll(result.Body)
}

// Put stores data for the given key to S3
func (b *S3Backend) Put(ctx context.Context, key string, data []byte) error {
	_, err := b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(b.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	})
	return err
}

// Copy duplicates src onto dst server side
func (b *S3Backend) Copy(ctx context.Context, src, dst string) error {
	_, err := b.client.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:     aws.String(b.bucket),
		Key:        aws.String(dst),
		CopySource: aws.String(url.PathEscape(b.bucket + "/" + src)),
	})
	if err != nil {
		return mapS3Error(err, src)
	}
	return nil
}

// Exists checks if an object exists at the given key in S3
func (b *S3Backend) Exists(ctx context.Context, key string) (bool, error) {
	_, err := b.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if strings.Contains(err.Error(), "NotFound") {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Ping checks the bucket is reachable
func (b *S3Backend) Ping(ctx context.Context) error {
	_, err := b.client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(b.bucket),
	})
	if err != nil {
		return WithContext(ErrBackendUnavailable, map[string]interface{}{
			"bucket": b.bucket,
			"reason": err.Error(),
		})
	}
	return nil
}

func (b *S3Backend) Close() error {
	return nil
}

func mapS3Error(err error, key string) error {
	var noKey *types.NoSuchKey
	if errors.As(err, &noKey) || strings.Contains(err.Error(), "NoSuchKey") {
		return WithContext(ErrNotFound, map[string]interface{}{"key": key})
	}
	if strings.Contains(err.Error(), "AccessDenied") {
		return ErrUnauthorized
	}
	return err
}
