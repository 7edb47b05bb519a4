package crmbase

import (
	"context"
)

// Backend stores whole database documents under a key. The file session
// persists through it, so the same load/backup/save lifecycle runs against
// local disk, S3, MinIO or GCS.
type Backend interface {
	// Get returns ErrNotFound when key does not exist.
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, data []byte) error
	// Copy overwrites dst with the current content of src.
	Copy(ctx context.Context, src, dst string) error
	Exists(ctx context.Context, key string) (bool, error)

	// Health check
	Ping(ctx context.Context) error

	// Resource cleanup
	Close() error
}

// BackendConfig describes where a document database lives.
type BackendConfig struct {
	Type      string // "filesystem", "s3", "minio" or "gcs"
	Bucket    string // bucket, or base directory for the filesystem
	Key       string // document key inside the bucket
	Region    string // AWS region (S3 only)
	Endpoint  string // custom endpoint for S3-compatible services
	AccessKey string
	SecretKey string
	UseSSL    bool
	// CredentialsFile is a service account file for GCS; empty uses ADC.
	CredentialsFile string
}

// Validate checks if the BackendConfig is valid
func (c BackendConfig) Validate() error {
	if c.Type == "" {
		return WithContext(ErrInvalidConfig, map[string]interface{}{
			"field":  "Type",
			"reason": "backend type is required",
		})
	}
	if c.Bucket == "" {
		return WithContext(ErrInvalidConfig, map[string]interface{}{
			"field":  "Bucket",
			"reason": "bucket/base path is required",
		})
	}
	if c.Key == "" {
		return WithContext(ErrInvalidConfig, map[string]interface{}{
			"field":  "Key",
			"reason": "document key is required",
		})
	}

	switch c.Type {
	case "s3":
		if c.Region == "" && c.Endpoint == "" {
			return WithContext(ErrInvalidConfig, map[string]interface{}{
				"field":  "Region/Endpoint",
				"reason": "S3 backend requires either Region or Endpoint",
			})
		}
	case "minio":
		if c.Endpoint == "" {
			return WithContext(ErrInvalidConfig, map[string]interface{}{
				"field":  "Endpoint",
				"reason": "MinIO backend requires an endpoint",
			})
		}
	case "filesystem", "gcs":
	default:
		return WithContext(ErrInvalidConfig, map[string]interface{}{
			"field":  "Type",
			"value":  c.Type,
			"reason": "unknown backend type",
		})
	}

	return nil
}

// NewBackend builds the backend described by cfg.
func NewBackend(ctx context.Context, cfg BackendConfig) (Backend, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	var (
		backend Backend
		err     error
	)
	switch cfg.Type {
	case "s3":
		backend, err = NewS3BackendFromConfig(ctx, cfg.Bucket, cfg.Region)
	case "minio":
		backend, err = NewMinIOBackend(MinIOConfig{
			Endpoint:        cfg.Endpoint,
			AccessKeyID:     cfg.AccessKey,
			SecretAccessKey: cfg.SecretKey,
			UseSSL:          cfg.UseSSL,
			Bucket:          cfg.Bucket,
		})
	case "gcs":
		backend, err = NewGCSBackend(ctx, GCSConfig{Bucket: cfg.Bucket, CredentialsFile: cfg.CredentialsFile})
	default:
		backend = NewFilesystemBackend(cfg.Bucket)
	}
	if err != nil {
		return nil, err
	}
	return backend, nil
}
