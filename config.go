package crmbase

import "time"

// Configuration constants for crmbase backends
const (
	// File backend configuration
	DefaultFilePermissions = 0644
	DefaultDirPermissions  = 0755
	BackupSuffix           = ".bak"
	DefaultDatabaseFile    = "crm.json"

	// Network backend configuration
	DefaultHTTPTimeout         = 30 * time.Second
	DefaultBreakerFailures     = 5
	DefaultBreakerResetTimeout = 30 * time.Second

	// Key-value backend configuration
	DefaultRedisPrefix     = "crm"
	DefaultPostgresTable   = "crm_companies"
	DefaultCouchDesignName = "companies"

	// Fuzzy matching configuration
	DefaultMatchThreshold = 0.1
	DefaultMatchDistance  = 100
)

// BreakerConfig holds the failure isolation settings for network backends.
type BreakerConfig struct {
	MaxFailures  int
	ResetTimeout time.Duration
}

// DefaultBreakerConfig returns the default breaker configuration
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		MaxFailures:  DefaultBreakerFailures,
		ResetTimeout: DefaultBreakerResetTimeout,
	}
}

// Validate checks if the BreakerConfig is valid
func (c BreakerConfig) Validate() error {
	if c.MaxFailures < 1 {
		return WithContext(ErrInvalidConfig, map[string]interface{}{
			"field":  "MaxFailures",
			"value":  c.MaxFailures,
			"reason": "must be >= 1",
		})
	}
	if c.ResetTimeout <= 0 {
		return WithContext(ErrInvalidConfig, map[string]interface{}{
			"field":  "ResetTimeout",
			"value":  c.ResetTimeout,
			"reason": "must be positive",
		})
	}
	return nil
}
