package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Local errors produced by the core itself. These surface to the caller
// immediately and are never retried.
var (
	ErrQueueFull         = errors.New("request queue is full")
	ErrQueuePaused       = errors.New("request queue is paused")
	ErrQueueCleared      = errors.New("request queue was cleared")
	ErrDeadlineExceeded  = errors.New("request deadline exceeded")
	ErrNoHealthyServers  = errors.New("no healthy servers available")
	ErrModelNotFound     = errors.New("model not found")
	ErrServerNotFound    = errors.New("server not found")
	ErrCircuitOpen       = errors.New("circuit breaker is open")
	ErrPermanentlyBanned = errors.New("server/model pair is permanently banned")
	ErrCooldown          = errors.New("server/model pair is in cooldown")
	ErrServerBusy        = errors.New("server is at its concurrency limit")
	ErrAborted           = errors.New("request aborted")
)

// ServerError wraps an upstream failure with its classification so the router
// can decide whether to retry, advance, or bail.
type ServerError struct {
	Err        error
	ServerID   string
	Model      string
	Kind       ErrorKind
	StatusCode int
	Latency    time.Duration
}

func (e *ServerError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("server %s failed for model %s (%s, HTTP %d): %v",
			e.ServerID, e.Model, e.Kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("server %s failed for model %s (%s): %v", e.ServerID, e.Model, e.Kind, e.Err)
}

func (e *ServerError) Unwrap() error {
	return e.Err
}

// HTTPStatus exposes the upstream status code to the error classifier.
func (e *ServerError) HTTPStatus() int {
	return e.StatusCode
}

func NewServerError(serverID, model string, kind ErrorKind, statusCode int, err error) *ServerError {
	return &ServerError{
		ServerID:   serverID,
		Model:      model,
		Kind:       kind,
		StatusCode: statusCode,
		Err:        err,
	}
}

// FailoverError aggregates the final error from every server attempted before
// the router gave up.
type FailoverError struct {
	Model    string
	Attempts []AttemptError
}

type AttemptError struct {
	ServerID string
	Kind     ErrorKind
	Err      error
}

func (e *FailoverError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "all servers failed for model %s:", e.Model)
	for _, a := range e.Attempts {
		fmt.Fprintf(&b, " [%s %s: %v]", a.ServerID, a.Kind, a.Err)
	}
	return b.String()
}

func (e *FailoverError) Unwrap() []error {
	errs := make([]error, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		errs = append(errs, a.Err)
	}
	return errs
}

// ValidationError carries the admin-schema field that failed.
type ValidationError struct {
	Field  string
	Value  interface{}
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid value for %s=%v: %s", e.Field, e.Value, e.Reason)
}

// HealthCheckError records a failed upstream probe with enough context to log.
type HealthCheckError struct {
	Err                 error
	ServerID            string
	URL                 string
	StatusCode          int
	Latency             time.Duration
	ConsecutiveFailures int
}

func (e *HealthCheckError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("health check failed for %s (%s): HTTP %d after %v (failures: %d): %v",
			e.ServerID, e.URL, e.StatusCode, e.Latency, e.ConsecutiveFailures, e.Err)
	}
	return fmt.Sprintf("health check failed for %s (%s): %v after %v (failures: %d)",
		e.ServerID, e.URL, e.Err, e.Latency, e.ConsecutiveFailures)
}

func (e *HealthCheckError) Unwrap() error {
	return e.Err
}
