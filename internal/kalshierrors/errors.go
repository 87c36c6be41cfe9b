// Package kalshierrors defines the typed error hierarchy consumed by
// callers across the REST client, execution engine, and WebSocket
// client (§7). Errors are plain structs implementing error, composable
// with errors.Is/errors.As rather than matched by string.
package kalshierrors

import (
	"fmt"

	"kalshibot/internal/kalshitypes"
)

// NotConfigured means no credentials are loaded for an environment.
type NotConfigured struct {
	Environment kalshitypes.Environment
}

func (e *NotConfigured) Error() string {
	return fmt.Sprintf("no credentials configured for environment %q", e.Environment)
}

// ClientError is a non-auth 4xx response; never retried.
type ClientError struct {
	StatusCode int
	Body       string
}

func (e *ClientError) Error() string {
	return fmt.Sprintf("client error: status %d: %s", e.StatusCode, e.Body)
}

// Unauthorized is a 401 response. Fatal for the environment it occurred
// in: callers must halt further execution attempts until credentials are
// reloaded.
type Unauthorized struct {
	Environment kalshitypes.Environment
}

func (e *Unauthorized) Error() string {
	return fmt.Sprintf("unauthorized in environment %q", e.Environment)
}

// RateLimited is surfaced only if the rate limiter itself errors (it
// does not, today); reserved for callers that want to distinguish it
// from Transient.
type RateLimited struct{}

func (e *RateLimited) Error() string { return "rate limited" }

// Transient describes a retryable network or 5xx failure. The REST
// client does not return it: once its retries run out it reports
// Exhausted instead.
type Transient struct {
	Cause error
}

func (e *Transient) Error() string { return fmt.Sprintf("transient error: %v", e.Cause) }
func (e *Transient) Unwrap() error { return e.Cause }

// Exhausted means all retry attempts for a request were used without
// success.
type Exhausted struct {
	Attempts int
	Last     error
}

func (e *Exhausted) Error() string {
	return fmt.Sprintf("exhausted after %d attempts: %v", e.Attempts, e.Last)
}
func (e *Exhausted) Unwrap() error { return e.Last }

// ValidationError means the execution engine rejected a trade intent
// before ever issuing a request.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return fmt.Sprintf("validation error: %s", e.Reason) }

// SequenceGap describes an orderbook_delta whose sequence number does
// not follow the previous one. The WebSocket client does not construct
// it: it handles a gap by resyncing the channel (§4.4).
type SequenceGap struct {
	Ticker   string
	Expected int64
	Got      int64
}

func (e *SequenceGap) Error() string {
	return fmt.Sprintf("sequence gap on %s: expected %d, got %d", e.Ticker, e.Expected, e.Got)
}
