package directory

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Error kinds. A *BackendError matches exactly one of these with errors.Is.
var (
	ErrNotFound          = errors.New("principal not found")
	ErrTimeout           = errors.New("backend timeout")
	ErrConnectionLost    = errors.New("backend connection lost")
	ErrMalformedResponse = errors.New("malformed backend response")
	ErrPermissionDenied  = errors.New("backend permission denied")
	ErrUnsupported       = errors.New("operation not supported by backend")
	ErrUnknownBackend    = errors.New("unknown backend")
)

var kinds = []error{
	ErrNotFound,
	ErrTimeout,
	ErrConnectionLost,
	ErrMalformedResponse,
	ErrPermissionDenied,
	ErrUnsupported,
}

// BackendError carries the failing backend and operation along with the
// error kind and the underlying cause.
type BackendError struct {
	Backend   string
	Operation string
	Kind      error // one of the Err* sentinels
	Cause     error
}

func (e *BackendError) Error() string {
	var parts []string

	if e.Backend != "" {
		parts = append(parts, fmt.Sprintf("backend %s: %s failed", e.Backend, e.Operation))
	} else {
		parts = append(parts, fmt.Sprintf("%s failed", e.Operation))
	}

	if e.Kind != nil {
		parts = append(parts, e.Kind.Error())
	}

	if e.Cause != nil && e.Cause != e.Kind {
		parts = append(parts, e.Cause.Error())
	}

	return strings.Join(parts, ": ")
}

// Unwrap exposes both the kind and the cause to errors.Is and errors.As.
func (e *BackendError) Unwrap() []error {
	var errs []error
	if e.Kind != nil {
		errs = append(errs, e.Kind)
	}
	if e.Cause != nil && e.Cause != e.Kind {
		errs = append(errs, e.Cause)
	}
	return errs
}

// NewBackendError wraps cause. A nil kind is inferred from cause: context
// deadlines become ErrTimeout and anything unclassified becomes
// ErrConnectionLost.
func NewBackendError(backend, operation string, kind, cause error) *BackendError {
	if kind == nil {
		kind = Classify(cause)
	}
	if cause == nil {
		cause = kind
	}
	return &BackendError{
		Backend:   backend,
		Operation: operation,
		Kind:      kind,
		Cause:     cause,
	}
}

// Classify returns the kind sentinel matched by err. Errors without a kind
// are classified as ErrTimeout for deadlines and ErrConnectionLost otherwise.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	for _, k := range kinds {
		if errors.Is(err, k) {
			return k
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrTimeout
	}
	return ErrConnectionLost
}

// KindName returns a short label for the kind of err, used in logs and
// metrics.
func KindName(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrConnectionLost):
		return "connection_lost"
	case errors.Is(err, ErrMalformedResponse):
		return "malformed_response"
	case errors.Is(err, ErrPermissionDenied):
		return "permission_denied"
	case errors.Is(err, ErrUnsupported):
		return "unsupported"
	case errors.Is(err, ErrUnknownBackend):
		return "unknown_backend"
	case errors.Is(err, context.Canceled):
		return "canceled"
	default:
		return "error"
	}
}

// IsNotFound reports whether err means the principal does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsRetryable reports whether err is a transient failure worth one retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTimeout) || errors.Is(err, ErrConnectionLost)
}
