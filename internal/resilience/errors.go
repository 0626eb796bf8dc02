package resilience

import (
	"errors"
	"fmt"
	"net"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
)

// Kind classifies an error for retry and abort decisions.
type Kind int

const (
	// KindUnknown is an unclassified, non-critical failure.
	KindUnknown Kind = iota
	// KindTransient is a timeout or connection fault that is safe to retry.
	KindTransient
	// KindRateLimited means the provider asked us to wait before retrying.
	KindRateLimited
	// KindMalformed is a permanently bad payload or request.
	KindMalformed
	// KindAuthentication is a signature or credential failure.
	KindAuthentication
	// KindNotFound is a missing remote or local record.
	KindNotFound
	// KindDependency means a record referenced something not yet ingested.
	KindDependency
	// KindConflict is an identity-field conflict on upsert (data corruption signal).
	KindConflict
	// KindStorage is a database lock, connection, auth or permission failure.
	KindStorage
	// KindInternal is a programming fault such as a recovered panic.
	KindInternal
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindRateLimited:
		return "rate_limited"
	case KindMalformed:
		return "malformed"
	case KindAuthentication:
		return "authentication"
	case KindNotFound:
		return "not_found"
	case KindDependency:
		return "dependency"
	case KindConflict:
		return "conflict"
	case KindStorage:
		return "storage"
	case KindInternal:
		return "internal"
	default:
		return "unknown"
	}
}

// Critical reports whether errors of this kind count toward an abort threshold.
func (k Kind) Critical() bool {
	switch k {
	case KindAuthentication, KindConflict, KindStorage, KindInternal:
		return true
	default:
		return false
	}
}

// KindError attaches a Kind to an error.
type KindError struct {
	Kind Kind
	Err  error
}

func (e *KindError) Error() string {
	return e.Err.Error()
}

func (e *KindError) Unwrap() error {
	return e.Err
}

// WithKind wraps err with the given kind. A nil err stays nil.
func WithKind(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &KindError{Kind: kind, Err: err}
}

// Errorf builds a new error of the given kind.
func Errorf(kind Kind, format string, args ...any) error {
	return &KindError{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// Wrapf adds context with eris while keeping err's kind visible at the top
// of the chain.
func Wrapf(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	kind := KindOf(err)
	wrapped := eris.Wrapf(err, format, args...)
	if rl, ok := IsRateLimited(err); ok {
		return &RateLimitError{RetryAfter: rl.RetryAfter, Err: wrapped}
	}
	if kind == KindUnknown {
		return wrapped
	}
	return &KindError{Kind: kind, Err: wrapped}
}

// TransientError wraps an error that is safe to retry (e.g., 5xx, network timeout).
type TransientError struct {
	Err        error
	StatusCode int
}

func (e *TransientError) Error() string {
	return e.Err.Error()
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// NewTransientError wraps an error as transient with an optional HTTP status code.
func NewTransientError(err error, statusCode int) *TransientError {
	return &TransientError{Err: err, StatusCode: statusCode}
}

// RateLimitError is returned when the provider responds 429. RetryAfter is
// the provider-specified wait.
type RateLimitError struct {
	RetryAfter time.Duration
	Err        error
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited (retry after %s): %v", e.RetryAfter, e.Err)
}

func (e *RateLimitError) Unwrap() error {
	return e.Err
}

// KindOf returns the kind of the first classified error in err's chain.
// Network timeouts and connection resets classify as transient.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}

	var ke *KindError
	if errors.As(err, &ke) {
		return ke.Kind
	}

	var rl *RateLimitError
	if errors.As(err, &rl) {
		return KindRateLimited
	}

	if IsTransient(err) {
		return KindTransient
	}
	return KindUnknown
}

// IsCritical reports whether err should count toward a critical-error budget.
func IsCritical(err error) bool {
	return err != nil && KindOf(err).Critical()
}

// IsRateLimited returns the RateLimitError in err's chain, if any.
func IsRateLimited(err error) (*RateLimitError, bool) {
	var rl *RateLimitError
	if errors.As(err, &rl) {
		return rl, true
	}
	return nil, false
}

// IsTransient returns true if the error chain holds a TransientError, a
// transient KindError, a network timeout, or a connection reset/refusal.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var te *TransientError
	if errors.As(err, &te) {
		return true
	}

	var ke *KindError
	if errors.As(err, &ke) && ke.Kind == KindTransient {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) && (dnsErr.IsTemporary || dnsErr.IsTimeout) {
		return true
	}

	return errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNABORTED) ||
		errors.Is(err, syscall.EPIPE)
}

// IsTransientHTTPStatus returns true if the HTTP status code indicates a
// transient server-side issue that is safe to retry. 429 is handled
// separately as a rate limit.
func IsTransientHTTPStatus(statusCode int) bool {
	switch statusCode {
	case 408, // Request Timeout
		500, // Internal Server Error
		502, // Bad Gateway
		503, // Service Unavailable
		504: // Gateway Timeout
		return true
	default:
		return false
	}
}
