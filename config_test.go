package crmbase

import (
	"errors"
	"testing"
	"time"
)

func TestBreakerConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     BreakerConfig
		wantErr bool
	}{
		{"defaults", DefaultBreakerConfig(), false},
		{"zero failures", BreakerConfig{MaxFailures: 0, ResetTimeout: time.Second}, true},
		{"negative timeout", BreakerConfig{MaxFailures: 1, ResetTimeout: -time.Second}, true},
		{"minimal", BreakerConfig{MaxFailures: 1, ResetTimeout: time.Millisecond}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidConfig) {
				t.Errorf("expected ErrInvalidConfig, got %v", err)
			}
		})
	}
}

func TestDefaultBreakerConfig(t *testing.T) {
	cfg := DefaultBreakerConfig()
	if cfg.MaxFailures != DefaultBreakerFailures {
		t.Errorf("MaxFailures = %d, want %d", cfg.MaxFailures, DefaultBreakerFailures)
	}
	if cfg.ResetTimeout != DefaultBreakerResetTimeout {
		t.Errorf("ResetTimeout = %v, want %v", cfg.ResetTimeout, DefaultBreakerResetTimeout)
	}
}

func TestBackendConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     BackendConfig
		wantErr bool
	}{
		{"filesystem", BackendConfig{Type: "filesystem", Bucket: "/tmp/crm", Key: "crm.json"}, false},
		{"missing type", BackendConfig{Bucket: "b", Key: "k"}, true},
		{"missing bucket", BackendConfig{Type: "gcs", Key: "k"}, true},
		{"missing key", BackendConfig{Type: "gcs", Bucket: "b"}, true},
		{"s3 with region", BackendConfig{Type: "s3", Bucket: "b", Key: "k", Region: "eu-west-1"}, false},
		{"s3 with endpoint", BackendConfig{Type: "s3", Bucket: "b", Key: "k", Endpoint: "http://localhost:9000"}, false},
		{"s3 without region", BackendConfig{Type: "s3", Bucket: "b", Key: "k"}, true},
		{"minio without endpoint", BackendConfig{Type: "minio", Bucket: "b", Key: "k"}, true},
		{"unknown type", BackendConfig{Type: "ftp", Bucket: "b", Key: "k"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidConfig) {
				t.Errorf("expected ErrInvalidConfig, got %v", err)
			}
		})
	}
}
