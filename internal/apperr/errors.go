// Package apperr defines the error taxonomy shared by the ledger and the
// override store. Callers branch on Kind to decide between retrying,
// fixing input, or giving up.
package apperr

import (
	"errors"
	"fmt"
)

// Kind is the closed set of error categories.
type Kind int

const (
	KindUnknown Kind = iota
	// KindValidation: the input schema is structurally invalid. Fix and resubmit.
	KindValidation
	// KindConflict: a concurrency token is stale or a lock is held. Refetch and retry.
	KindConflict
	// KindNotFound: an id does not resolve. Terminal.
	KindNotFound
	// KindState: the operation is impossible in the current state. Terminal.
	KindState
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindConflict:
		return "conflict"
	case KindNotFound:
		return "not_found"
	case KindState:
		return "state"
	default:
		return "unknown"
	}
}

// Retryable reports whether the same request may succeed after a refetch.
func (k Kind) Retryable() bool {
	return k == KindConflict
}

type DomainError struct {
	Kind    Kind
	Code    string
	Message string
	Details any
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func newError(kind Kind, code, message string, details any) *DomainError {
	return &DomainError{
		Kind:    kind,
		Code:    code,
		Message: message,
		Details: details,
	}
}

func Validation(code, message string, details any) *DomainError {
	return newError(KindValidation, code, message, details)
}

func Conflict(code, message string, details any) *DomainError {
	return newError(KindConflict, code, message, details)
}

func NotFound(code, message string, details any) *DomainError {
	return newError(KindNotFound, code, message, details)
}

func State(code, message string, details any) *DomainError {
	return newError(KindState, code, message, details)
}

// As extracts the DomainError in err's chain.
func As(err error) (*DomainError, bool) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr, true
	}
	return nil, false
}

// KindOf returns the Kind of err, or KindUnknown for infrastructure errors.
func KindOf(err error) Kind {
	if domainErr, ok := As(err); ok {
		return domainErr.Kind
	}
	return KindUnknown
}
