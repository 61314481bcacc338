package maestro

import (
	"time"

	"github.com/google/uuid"
)

// NewID generates a globally unique, time-sortable UUIDv7 (RFC 9562).
func NewID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// NowMillis returns the current UTC time as Unix milliseconds.
// All persisted timestamps in this package use this representation.
func NowMillis() int64 {
	return time.Now().UnixMilli()
}
