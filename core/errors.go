package core

import (
	"errors"
	"fmt"
)

// Standard sentinel errors for comparison using errors.Is().
// These are generic errors that can be wrapped with additional context.
var (
	// Resolution errors
	ErrAgentNotFound = errors.New("agent not found")
	ErrNoEndpoint    = errors.New("agent has no resolved endpoint")

	// Directory errors
	ErrNotRegistered        = errors.New("agent not registered with directory")
	ErrDirectoryUnavailable = errors.New("directory unavailable")
	ErrUnauthorized         = errors.New("directory rejected credentials")

	// Configuration errors
	ErrInvalidConfiguration = errors.New("invalid configuration")

	// State errors
	ErrAlreadyStarted = errors.New("already started")
	ErrNotStarted     = errors.New("not started")

	// Network errors
	ErrRequestFailed = errors.New("request failed")
)

// AgentError provides structured error information with context.
// It implements the error interface and supports error wrapping.
type AgentError struct {
	Op  string // Operation that failed (e.g., "directory.Heartbeat")
	ID  string // Optional identifier of the peer or agent involved
	Err error  // Underlying error for wrapping
}

func (e *AgentError) Error() string {
	if e.ID != "" {
		return fmt.Sprintf("%s [%s]: %v", e.Op, e.ID, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error for use with errors.Is/As.
func (e *AgentError) Unwrap() error {
	return e.Err
}

// NewAgentError creates a new AgentError.
func NewAgentError(op, id string, err error) *AgentError {
	return &AgentError{Op: op, ID: id, Err: err}
}

// IsRetryable checks if an error is a transient condition worth retrying
// on the next scheduled cycle.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrDirectoryUnavailable) ||
		errors.Is(err, ErrRequestFailed)
}

// IsNotFound checks if an error represents a "not found" condition.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrAgentNotFound) ||
		errors.Is(err, ErrNotRegistered)
}
