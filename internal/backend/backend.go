// Package backend defines the contract between the sync orchestrator and the
// remote authority, with a no-op adapter for local-only use and an HTTP
// adapter.
//
// Adapters must return an error for any push that was not accepted, so the
// orchestrator can nack the entry and stop draining. Pull must always report
// the server revision, even when there are no ops, so a heartbeat can still
// advance the client.
package backend

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/roach88/boardsync/internal/ops"
)

// ProducerHeader carries the pushing session's producer id, letting the
// authority leave a session's own pushes out of its pulls.
const ProducerHeader = "X-Producer-Id"

var (
	// ErrOffline is returned by adapters that know the network is down.
	ErrOffline = errors.New("backend: offline")

	// ErrBreakerOpen is returned while the circuit breaker rejects calls.
	ErrBreakerOpen = errors.New("backend: circuit breaker open")
)

// Adapter transmits operation batches to and from the remote authority.
type Adapter interface {
	PushOps(ctx context.Context, boardID string, list []ops.Operation, baseRevision int64) (PushResult, error)
	PullOps(ctx context.Context, boardID string, sinceRevision int64) (PullResult, error)
}

// PushRequest is the push body.
type PushRequest struct {
	BaseRevision int64    `json:"baseRevision"`
	Ops          ops.List `json:"ops"`
}

// PushResult is the authority's answer to an accepted push.
type PushResult struct {
	ServerRevision int64 `json:"serverRevision"`
}

// PullResult carries the remote ops newer than the requested revision.
type PullResult struct {
	Ops            ops.List `json:"ops"`
	ServerRevision int64    `json:"serverRevision"`
}

// StatusError is a non-2xx answer from the authority.
type StatusError struct {
	Method     string
	Path       string
	StatusCode int
	Body       string
}

// Error implements the error interface.
func (e *StatusError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("%s %s: %d %s: %s", e.Method, e.Path, e.StatusCode, http.StatusText(e.StatusCode), e.Body)
	}
	return fmt.Sprintf("%s %s: %d %s", e.Method, e.Path, e.StatusCode, http.StatusText(e.StatusCode))
}

// IsStatus reports whether err is a StatusError with the given code.
func IsStatus(err error, code int) bool {
	var se *StatusError
	if errors.As(err, &se) {
		return se.StatusCode == code
	}
	return false
}

// IsConflict reports whether the authority rejected a push as conflicting.
func IsConflict(err error) bool {
	return IsStatus(err, http.StatusConflict)
}

// IsRetryable reports whether retrying the same request may succeed:
// transport errors, 5xx and 429 are retryable; other statuses and an open
// breaker are not.
func IsRetryable(err error) bool {
	if err == nil || errors.Is(err, ErrBreakerOpen) || errors.Is(err, context.Canceled) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.StatusCode >= 500 || se.StatusCode == http.StatusTooManyRequests
	}
	return true
}

// Noop is the adapter used when no remote authority is configured. Pushes
// are acknowledged at the base revision and pulls return nothing.
type Noop struct{}

// PushOps implements Adapter.
func (Noop) PushOps(_ context.Context, _ string, _ []ops.Operation, baseRevision int64) (PushResult, error) {
	return PushResult{ServerRevision: baseRevision}, nil
}

// PullOps implements Adapter.
func (Noop) PullOps(_ context.Context, _ string, sinceRevision int64) (PullResult, error) {
	return PullResult{Ops: ops.List{}, ServerRevision: sinceRevision}, nil
}
