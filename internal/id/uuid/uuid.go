// Package uuid mints the identifiers attached to pipeline runs.
package uuid

import (
	"github.com/google/uuid"
)

// NewRunID returns a time-ordered UUIDv7 so run summaries sort by start time. If the v7
// generator fails it falls back to a random v4.
func NewRunID() uuid.UUID {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New()
	}
	return id
}

