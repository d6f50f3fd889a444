package pulse

import (
	"errors"
	"fmt"
)

// Sentinel errors used across the library. Callers are expected to test them
// with errors.Is; terminal failures wrap one of these so the classification
// survives fmt.Errorf wrapping.
var (
	// ErrTransient marks connection drops and timeouts. Retried internally
	// with backoff; only surfaced when the retry budget is exhausted.
	ErrTransient = errors.New("transient network failure")

	// ErrRateLimited marks an explicit rate-limit rejection that persisted
	// through the automatic retry budget.
	ErrRateLimited = errors.New("rate limited")

	// ErrServerError marks a 5xx response that persisted through the retry
	// budget.
	ErrServerError = errors.New("server error")

	// ErrSessionInvalidated marks a server-forced fresh handshake. Handled
	// inside the session; never surfaced to the embedding application.
	ErrSessionInvalidated = errors.New("session invalidated")

	// ErrShuttingDown is returned from suspension points interrupted by a
	// coordinator stop.
	ErrShuttingDown = errors.New("shutting down")
)

// APIError is a non-retryable client error (4xx other than a rate limit)
// carrying the server's diagnostic payload.
type APIError struct {
	Status  int
	Code    int
	Message string
	Body    []byte
}

// Error returns the error message.
func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("api error %d (code %d): %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("api error %d", e.Status)
}

// CloseError describes a gateway connection closure.
type CloseError struct {
	Code      int
	Text      string
	Resumable bool
}

// Error returns the error message.
func (e *CloseError) Error() string {
	if e.Text != "" {
		return fmt.Sprintf("gateway closed %d: %s", e.Code, e.Text)
	}
	return fmt.Sprintf("gateway closed %d", e.Code)
}

// FatalError wraps an unrecoverable failure surfaced to the embedding
// application: bad credentials, disallowed intents, or a shard whose
// reconnect budget is exhausted.
type FatalError struct {
	ShardID int
	Err     error
}

// Error returns the error message.
func (e *FatalError) Error() string {
	return fmt.Sprintf("shard %d: fatal: %v", e.ShardID, e.Err)
}

// Unwrap returns the underlying error.
func (e *FatalError) Unwrap() error {
	return e.Err
}
