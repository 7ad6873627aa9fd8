// Package uuid provides identifier generation and validation for entities
// and queued operations.
package uuid

import (
	"fmt"
	"regexp"

	"github.com/google/uuid"
)

// Canonical 8-4-4-4-12 form with version 4 or 7 and RFC 4122 variant bits.
var uuidRegex = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[47][0-9a-fA-F]{3}-[89abAB][0-9a-fA-F]{3}-[0-9a-fA-F]{12}$`)

// New generates a new random UUID v4, used for entity identity.
func New() string {
	return uuid.New().String()
}

// NewOrdered generates a time-ordered UUID v7, used for queue entries so
// that identifiers sort in enqueue order.
func NewOrdered() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New().String()
	}
	return id.String()
}

// Parse parses a UUID string and checks it is v4 or v7.
func Parse(s string) (uuid.UUID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid UUID: %w", err)
	}
	if v := id.Version(); v != 4 && v != 7 {
		return uuid.Nil, fmt.Errorf("unsupported UUID version v%d", v)
	}
	return id, nil
}

// IsValid checks if a string is a canonical v4 or v7 UUID.
func IsValid(s string) bool {
	return uuidRegex.MatchString(s)
}

// Validate returns an error if the string is not a canonical UUID.
func Validate(s string) error {
	if !IsValid(s) {
		return fmt.Errorf("invalid UUID format: %q", s)
	}
	return nil
}
