package alfred

import "github.com/google/uuid"

// NewID generates a globally unique, time-sortable UUIDv7 (RFC 9562).
func NewID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// NewShortID returns the first 8 hex characters of a random UUID.
// Used for event and scheduled-task identifiers where a full UUID is noise.
func NewShortID() string {
	return uuid.NewString()[:8]
}
