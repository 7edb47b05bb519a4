package crmbase

import (
	"strings"

	"github.com/google/uuid"
)

// NewRequestID generates a UUIDv7 (time-ordered) request identifier
func NewRequestID() string {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return id.String()
}

// NewAPIKey generates a random key for the HTTP API: a v4 UUID without dashes.
func NewAPIKey() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")
}

// IsValidRequestID checks if a string is a valid UUID
func IsValidRequestID(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}
