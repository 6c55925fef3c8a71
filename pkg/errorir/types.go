// Package errorir is the typed error taxonomy shared by the governance
// and credential packages. Every error that crosses a package boundary is
// one of the types below, so callers can branch with errors.As instead of
// parsing strings.
package errorir

import (
	"errors"
	"fmt"
)

// Classification constants
const (
	ClassificationRetryable    = "RETRYABLE"
	ClassificationNonRetryable = "NON_RETRYABLE"
)

// Standard Error Codes
const (
	CodeValidation     = "ANCHOR/CORE/VALIDATION"
	CodeIneligible     = "ANCHOR/CORE/INELIGIBLE"
	CodeNotFound       = "ANCHOR/CORE/RESOURCE/NOT_FOUND"
	CodeConflict       = "ANCHOR/CORE/RESOURCE/CONFLICT"
	CodeInfrastructure = "ANCHOR/CORE/INFRASTRUCTURE"
	CodeUnknown        = "ANCHOR/CORE/UNKNOWN"
)

// Conflict codes carried by ConflictError.Code.
const (
	ConflictAlreadyResolved = "already_resolved"
	ConflictAlreadyRevoked  = "already_revoked"
	ConflictInvalidState    = "invalid_transition"
	ConflictExpired         = "expired"
)

// Ineligibility reasons carried by IneligibleError.Reason.
const (
	IneligibleScore      = "ineligible_score"
	IneligibleInactive   = "inactive_agent"
	IneligibleNotRefresh = "not_refreshable"
	IneligibleExpired    = "expired"
	IneligibleRevoked    = "revoked"
	IneligibleInvalid    = "invalid"
)

// ValidationError reports malformed caller input. Never retried.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation: " + e.Message
	}
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Message)
}

// Validation builds a ValidationError.
func Validation(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// IneligibleError reports an unmet score or status precondition.
// Required and Current are set for score checks.
type IneligibleError struct {
	Reason   string
	Required int
	Current  int
	Detail   string
}

func (e *IneligibleError) Error() string {
	if e.Reason == IneligibleScore {
		return fmt.Sprintf("ineligible: trust score %d below required %d", e.Current, e.Required)
	}
	if e.Detail != "" {
		return fmt.Sprintf("ineligible: %s: %s", e.Reason, e.Detail)
	}
	return "ineligible: " + e.Reason
}

// NotFoundError reports an unknown id.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.ID)
}

// NotFound builds a NotFoundError.
func NotFound(kind, id string) error {
	return &NotFoundError{Kind: kind, ID: id}
}

// ConflictError reports that the target has already moved on. Prior
// carries the existing state so callers can reconcile.
type ConflictError struct {
	Kind  string
	ID    string
	Code  string
	Prior any
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s %q conflict: %s", e.Kind, e.ID, e.Code)
}

// InfrastructureError wraps a dependency failure. The only retryable kind.
type InfrastructureError struct {
	Op  string
	Err error
}

func (e *InfrastructureError) Error() string {
	return fmt.Sprintf("infrastructure: %s: %v", e.Op, e.Err)
}

func (e *InfrastructureError) Unwrap() error { return e.Err }

// Infrastructure wraps err as an InfrastructureError. Nil stays nil.
func Infrastructure(op string, err error) error {
	if err == nil {
		return nil
	}
	var infra *InfrastructureError
	if errors.As(err, &infra) {
		return err
	}
	return &InfrastructureError{Op: op, Err: err}
}

// IsRetryable reports whether err may be retried transparently.
func IsRetryable(err error) bool {
	var infra *InfrastructureError
	return errors.As(err, &infra)
}

// CodeOf maps an error to its canonical code.
func CodeOf(err error) string {
	var (
		v  *ValidationError
		ie *IneligibleError
		nf *NotFoundError
		c  *ConflictError
		in *InfrastructureError
	)
	switch {
	case errors.As(err, &v):
		return CodeValidation
	case errors.As(err, &ie):
		return CodeIneligible
	case errors.As(err, &nf):
		return CodeNotFound
	case errors.As(err, &c):
		return CodeConflict
	case errors.As(err, &in):
		return CodeInfrastructure
	default:
		return CodeUnknown
	}
}

// ClassificationOf returns RETRYABLE for infrastructure faults.
func ClassificationOf(err error) string {
	if IsRetryable(err) {
		return ClassificationRetryable
	}
	return ClassificationNonRetryable
}
