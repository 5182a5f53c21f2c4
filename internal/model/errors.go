package model

import (
	"errors"
	"fmt"
)

// ErrorKind classifies every error that leaves the core.
type ErrorKind string

const (
	KindUnknown            ErrorKind = "unknown"
	KindTransport          ErrorKind = "transport"
	KindValidation         ErrorKind = "validation"
	KindModeration         ErrorKind = "moderation"
	KindCredentialRequired ErrorKind = "credential_required"
	KindConflict           ErrorKind = "conflict"
)

// ErrCredentialRequired is returned (wrapped) when a private resource needs
// an auxiliary credential. Callers re-prompt for the credential only.
var ErrCredentialRequired = errors.New("credential required")

// TransportError wraps a network or socket failure. It is recovered by retry
// and never rendered as a user-facing failure on its own.
type TransportError struct {
	Op     string
	Status int // HTTP status, 0 for socket/network failures
	Err    error
}

func (e *TransportError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s: transport error (status %d): %v", e.Op, e.Status, e.Err)
	}
	return fmt.Sprintf("%s: transport error: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ModerationRejection means the remote content policy blocked a message.
// Input carries the rejected text so it can be offered for resubmission.
type ModerationRejection struct {
	Reason     string
	Violations []string
	Input      string
}

func (e *ModerationRejection) Error() string {
	return "message rejected by moderation: " + e.Reason
}

// ConflictError signals a blocked action: an open dispute, a double
// submission or a transition out of a terminal state.
type ConflictError struct {
	Resource string
	Reason   string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflict on %s: %s", e.Resource, e.Reason)
}

// NewConflict builds a ConflictError.
func NewConflict(resource, format string, args ...any) *ConflictError {
	return &ConflictError{Resource: resource, Reason: fmt.Sprintf(format, args...)}
}

// KindOf maps err onto the error taxonomy.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var (
		ve *ValidationError
		mr *ModerationRejection
		ce *ConflictError
		te *TransportError
	)
	switch {
	case errors.Is(err, ErrCredentialRequired):
		return KindCredentialRequired
	case errors.As(err, &ve):
		return KindValidation
	case errors.As(err, &mr):
		return KindModeration
	case errors.As(err, &ce):
		return KindConflict
	case errors.As(err, &te):
		return KindTransport
	}
	return KindUnknown
}
