package crmbase

import (
	"net/url"
	"os"
	"strconv"

	"github.com/redis/go-redis/v9"
)

// RedisOptions returns redis.Options populated from standard environment variables.
//
// Environment variables read (with defaults):
//   - REDIS_ADDR (default: "localhost:6379")
//   - REDIS_PASSWORD (default: "")
//   - REDIS_DB (default: 0)
func RedisOptions() *redis.Options {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}

	return &redis.Options{
		Addr:     addr,
		Password: os.Getenv("REDIS_PASSWORD"),
		DB:       getEnvAsInt("REDIS_DB", 0),
	}
}

// RedisOptionsFromURL parses a redis:// or rediss:// connection URL and
// returns the client options and the key prefix (query parameter
// "prefix", default DefaultRedisPrefix). A URL without a host falls back to
// RedisOptions.
//
//	redis://:secret@redis.example.com:6379/2?prefix=crm
func RedisOptionsFromURL(raw string) (*redis.Options, string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, "", WithContext(ErrInvalidConfig, map[string]interface{}{
			"url":    redactURL(raw),
			"reason": err.Error(),
		})
	}

	query := u.Query()
	prefix := query.Get("prefix")
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	query.Del("prefix")
	u.RawQuery = query.Encode()

	if u.Host == "" {
		return RedisOptions(), prefix, nil
	}

	opts, err := redis.ParseURL(u.String())
	if err != nil {
		return nil, "", WithContext(ErrInvalidConfig, map[string]interface{}{
			"url":    redactURL(raw),
			"reason": err.Error(),
		})
	}
	return opts, prefix, nil
}

// getEnvAsInt reads an integer environment variable with a default fallback.
func getEnvAsInt(key string, defaultVal int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultVal
	}

	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultVal
	}

	return value
}
