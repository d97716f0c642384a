// Package workererr carries the error types produced while talking to a
// worker node: unreachable nodes, non-2xx responses, and the distinction
// between a problem the scheduler can retry past and one it can't.
package workererr

import (
	"fmt"
)

// BackendUnavailable means the worker node could not be reached at all —
// connection refused, DNS failure, or a context deadline expiring on the
// transport. The scheduler finalizes the attempted execution and its job
// as ERROR on it like on any other dispatch or poll error.
type BackendUnavailable struct {
	NodeID  string
	BaseURL string
	Cause   error
}

func (e *BackendUnavailable) Error() string {
	return fmt.Sprintf("worker node %s (%s) unavailable: %v", e.NodeID, e.BaseURL, e.Cause)
}

func (e *BackendUnavailable) Unwrap() error {
	return e.Cause
}

// BackendError means the worker node responded but rejected the request.
// Status and Body carry the backend's own diagnostics through to the
// job's error_message field.
type BackendError struct {
	NodeID string
	Status int
	Body   string
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("worker node %s returned status %d: %s", e.NodeID, e.Status, e.Body)
}

// Retryable reports whether the status suggests a transient backend
// condition (queue full, temporarily overloaded) rather than a rejection
// of the prompt itself.
func (e *BackendError) Retryable() bool {
	switch e.Status {
	case 429, 502, 503, 504:
		return true
	default:
		return false
	}
}

// InvalidOutput means the worker replied with a 2xx status but a body the
// client could not use: a response that is not valid JSON, or an upload
// response naming neither name nor filename.
type InvalidOutput struct {
	NodeID   string
	PromptID string
	Reason   string
}

func (e *InvalidOutput) Error() string {
	return fmt.Sprintf("worker node %s: prompt %s produced an unrecognized result: %s", e.NodeID, e.PromptID, e.Reason)
}

// IsRetryable reports whether err represents a transient condition that
// the scheduler may retry against a different node rather than finalize
// the job as errored.
func IsRetryable(err error) bool {
	switch e := err.(type) {
	case *BackendUnavailable:
		return true
	case *BackendError:
		return e.Retryable()
	default:
		return false
	}
}
