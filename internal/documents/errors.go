package documents

import (
	"errors"
	"fmt"
)

// Kind classifies a service failure for callers. The catalog translates
// lower-layer failures into exactly one of these; storage-medium errors never
// leak past it.
type Kind string

const (
	// KindValidation marks bad input shape, size, or type.
	KindValidation Kind = "validation"
	// KindNotFound marks an absent entity, document, or version.
	KindNotFound Kind = "not_found"
	// KindForbidden marks an access-guard denial.
	KindForbidden Kind = "forbidden"
	// KindConflict marks a sequence or version race that exhausted its retry budget.
	KindConflict Kind = "conflict"
	// KindIntegrity marks a hash mismatch or cipher authentication failure on
	// read. Never swallowed; always surfaced and logged with the document id.
	KindIntegrity Kind = "integrity"
	// KindInternal marks unclassified storage failures.
	KindInternal Kind = "internal"
)

// ServiceError carries a failure kind and an operation.reason code.
type ServiceError struct {
	kind Kind
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

// Code returns the operation.reason code string.
func (e *ServiceError) Code() string {
	return e.code
}

// Kind returns the failure classification.
func (e *ServiceError) Kind() Kind {
	return e.kind
}

func newServiceError(kind Kind, operation, reason string, cause error) error {
	return &ServiceError{
		kind: kind,
		code: fmt.Sprintf("%s.%s", operation, reason),
		err:  cause,
	}
}

// ErrorKind extracts the classification from a service error chain.
func ErrorKind(err error) (Kind, bool) {
	var serviceErr *ServiceError
	if errors.As(err, &serviceErr) {
		return serviceErr.kind, true
	}
	return "", false
}

func hasKind(err error, kind Kind) bool {
	actual, ok := ErrorKind(err)
	return ok && actual == kind
}

// IsValidation reports whether the error is a validation failure.
func IsValidation(err error) bool { return hasKind(err, KindValidation) }

// IsNotFound reports whether the error is a not-found failure.
func IsNotFound(err error) bool { return hasKind(err, KindNotFound) }

// IsForbidden reports whether the error is an access-guard denial.
func IsForbidden(err error) bool { return hasKind(err, KindForbidden) }

// IsConflict reports whether the error is an exhausted race retry.
func IsConflict(err error) bool { return hasKind(err, KindConflict) }

// IsIntegrity reports whether the error is an integrity failure.
func IsIntegrity(err error) bool { return hasKind(err, KindIntegrity) }
