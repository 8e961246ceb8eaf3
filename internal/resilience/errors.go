package resilience

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"syscall"

	"github.com/rotisserie/eris"
)

// ErrorKind is the enrichment error taxonomy.
type ErrorKind string

const (
	KindNone           ErrorKind = ""
	KindNotFound       ErrorKind = "not_found"
	KindAccessBlocked  ErrorKind = "access_blocked"
	KindTransient      ErrorKind = "transient"
	KindBudgetExceeded ErrorKind = "budget_exceeded"
	KindCircuitOpen    ErrorKind = "circuit_open"
	KindPayloadInvalid ErrorKind = "payload_invalid"
	KindPermanent      ErrorKind = "permanent"
)

var (
	// ErrNotFound marks a clean miss. It is a business outcome, not a failure.
	ErrNotFound = eris.New("not found")
	// ErrBudgetExceeded marks a normal stop because the cost budget ran out.
	ErrBudgetExceeded = eris.New("cost budget exceeded")
	// ErrPayloadInvalid marks a job payload rejected at enqueue time.
	ErrPayloadInvalid = eris.New("payload invalid")
)

// AccessBlockedError means the upstream actively denied the request
// (auth wall, paywall, rate limit, bot challenge) rather than lacking data.
type AccessBlockedError struct {
	URL        string
	StatusCode int
	Reason     string
}

func (e *AccessBlockedError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("access blocked (%d %s): %s", e.StatusCode, e.Reason, e.URL)
	}
	return fmt.Sprintf("access blocked (%s): %s", e.Reason, e.URL)
}

// NewAccessBlocked builds an AccessBlockedError.
func NewAccessBlocked(url string, statusCode int, reason string) *AccessBlockedError {
	if reason == "" {
		reason = strings.ToLower(http.StatusText(statusCode))
	}
	return &AccessBlockedError{URL: url, StatusCode: statusCode, Reason: reason}
}

// IsAccessBlocked reports whether err is or wraps an AccessBlockedError.
func IsAccessBlocked(err error) bool {
	var ab *AccessBlockedError
	return errors.As(err, &ab)
}

// IsAccessBlockedStatus reports whether an HTTP status means explicit denial.
func IsAccessBlockedStatus(statusCode int) bool {
	switch statusCode {
	case http.StatusUnauthorized, http.StatusForbidden, http.StatusTooManyRequests:
		return true
	}
	return false
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

// IsTransient returns true if the error is a TransientError, a network
// timeout, a connection reset/refused, or matches a known transient message.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var te *TransientError
	if errors.As(err, &te) {
		return true
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNABORTED) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, p := range []string{
		"connection reset by peer",
		"broken pipe",
		"temporary failure in name resolution",
		"no such host",
		"tls handshake timeout",
		"i/o timeout",
		"server closed idle connection",
		"transport connection broken",
	} {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

// IsTransientHTTPStatus returns true for statuses that are safe to retry.
func IsTransientHTTPStatus(statusCode int) bool {
	switch statusCode {
	case http.StatusRequestTimeout,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}

// Classify maps an error onto the taxonomy.
func Classify(err error) ErrorKind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrCircuitOpen):
		return KindCircuitOpen
	case errors.Is(err, ErrBudgetExceeded):
		return KindBudgetExceeded
	case errors.Is(err, ErrPayloadInvalid):
		return KindPayloadInvalid
	case IsAccessBlocked(err):
		return KindAccessBlocked
	case IsTransient(err):
		return KindTransient
	default:
		return KindPermanent
	}
}

// ClassifyError categorizes an error as "transient" or "permanent" for
// dead-letter records.
func ClassifyError(err error) string {
	if IsTransient(err) || IsAccessBlocked(err) {
		return "transient"
	}
	return "permanent"
}

// IsSourceLevelFailure reports whether err points at the upstream
// infrastructure rather than the data: blocked, transient, or permanent
// source errors count; not-found, budget stops, and cancellation do not.
func IsSourceLevelFailure(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	switch Classify(err) {
	case KindNotFound, KindBudgetExceeded, KindPayloadInvalid, KindNone:
		return false
	}
	return true
}
