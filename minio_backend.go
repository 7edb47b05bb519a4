package crmbase

import (
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// MinIOConfig contains MinIO-specific configuration
type MinIOConfig struct {
	Endpoint        string // e.g., "localhost:9000" or "minio.example.com"
	AccessKeyID     string
	SecretAccessKey string
	UseSSL          bool
	Bucket          string
}

// NewMinIOBackend creates an S3 backend pointed at a MinIO endpoint with
// path-style addressing.
func NewMinIOBackend(cfg MinIOConfig) (*S3Backend, error) {
	if cfg.Endpoint == "" {
		return nil, WithContext(ErrInvalidConfig, map[string]interface{}{
			"field":  "Endpoint",
			"reason": "MinIO endpoint is required",
		})
	}
	return NewS3Backend(newMinIOClient(cfg), cfg.Bucket), nil
}

func newMinIOClient(cfg MinIOConfig) *s3.Client {
	scheme := "http"
	if cfg.UseSSL {
		scheme = "https"
	}

	return s3.New(s3.Options{
		BaseEndpoint: aws.String(fmt.Sprintf("%s://%s", scheme, cfg.Endpoint)),
		Region:       "us-east-1", // MinIO doesn't enforce regions, but SDK requires it
		Credentials:  credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		UsePathStyle: true,
	})
}

// Example connection URL:
//
//	s3://minioadmin:minioadmin@crm-bucket/crm.json?endpoint=localhost:9000
