package alfred

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for the failure kinds that cross package boundaries.
// Callers classify with errors.Is and decide per kind: close the
// connection, fail a tool call, or drop silently.
var (
	// ErrInvalidFrame marks a wire payload that is not JSON or has no type
	// field. The connection is closed after logging.
	ErrInvalidFrame = errors.New("invalid frame")

	// ErrInvalidKey marks a registration with the wrong pre-shared key.
	// The daemon receives a negative ack and the connection is closed.
	ErrInvalidKey = errors.New("invalid registration key")

	// ErrDaemonNotConnected marks a command routed to a machine with no
	// live connection.
	ErrDaemonNotConnected = errors.New("daemon not connected")

	// ErrCommandTimedOut marks a command whose result did not arrive in
	// time. The daemon connection is left untouched.
	ErrCommandTimedOut = errors.New("command timed out")

	// ErrDaemonDisconnected fails every command still pending when a
	// daemon's connection drops.
	ErrDaemonDisconnected = errors.New("daemon disconnected")

	// ErrUnauthorized marks input from outside the operator allow-list.
	// It is audited and dropped without a reply.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrEmptyMessage rejects transcript rows with no content.
	ErrEmptyMessage = errors.New("empty message content")
)

type ErrLLM struct {
	Provider string
	Message  string
}

func (e *ErrLLM) Error() string {
	return fmt.Sprintf("%s: %s", e.Provider, e.Message)
}

type ErrHTTP struct {
	Status     int
	Body       string
	RetryAfter time.Duration
}

func (e *ErrHTTP) Error() string {
	return fmt.Sprintf("http %d: %s", e.Status, e.Body)
}
