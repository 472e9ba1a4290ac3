package apperr

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sort"
	"strings"
	"syscall"
)

type ErrorType int

const (
	// ErrServiceUnavailable means a remote stage refused or dropped the connection.
	ErrServiceUnavailable ErrorType = iota
	// ErrServiceTimeout means a remote stage did not answer within its budget.
	ErrServiceTimeout
	// ErrEmptyExtraction means recognition succeeded but produced no text.
	ErrEmptyExtraction
	// ErrPartialStageFailure marks one downstream stage failing while the run continued.
	ErrPartialStageFailure
	// ErrQueueExhausted means every attempt of a job failed.
	ErrQueueExhausted
	// ErrRemote is an unexpected response from a remote stage.
	ErrRemote
	ErrValidation
	ErrStorage
	ErrNotFound
	ErrUnknown
)

func (t ErrorType) String() string {
	switch t {
	case ErrServiceUnavailable:
		return "ServiceUnavailable"
	case ErrServiceTimeout:
		return "ServiceTimeout"
	case ErrEmptyExtraction:
		return "EmptyExtraction"
	case ErrPartialStageFailure:
		return "PartialStageFailure"
	case ErrQueueExhausted:
		return "QueueExhausted"
	case ErrRemote:
		return "Remote"
	case ErrValidation:
		return "Validation"
	case ErrStorage:
		return "Storage"
	case ErrNotFound:
		return "NotFound"
	default:
		return "Unknown"
	}
}

type Error struct {
	Type    ErrorType
	Message string
	Context map[string]any
	Cause   error
}

func New(errorType ErrorType, message string) *Error {
	return &Error{
		Type:    errorType,
		Message: message,
		Context: make(map[string]any),
	}
}

func Newf(errorType ErrorType, format string, args ...any) *Error {
	return New(errorType, fmt.Sprintf(format, args...))
}

func Wrap(err error, errorType ErrorType, message string) *Error {
	e := New(errorType, message)
	e.Cause = err
	return e
}

func (e *Error) Error() string {
	parts := []string{fmt.Sprintf("[%s] %s", e.Type, e.Message)}

	if len(e.Context) > 0 {
		keys := make([]string, 0, len(e.Context))
		for k := range e.Context {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		ctxParts := make([]string, 0, len(keys))
		for _, k := range keys {
			ctxParts = append(ctxParts, fmt.Sprintf("%s=%v", k, e.Context[k]))
		}
		parts = append(parts, "context: "+strings.Join(ctxParts, ", "))
	}

	if e.Cause != nil {
		parts = append(parts, fmt.Sprintf("cause: %v", e.Cause))
	}

	return strings.Join(parts, " | ")
}

func (e *Error) Unwrap() error {
	return e.Cause
}

func (e *Error) WithContext(key string, value any) *Error {
	e.Context[key] = value
	return e
}

// TypeOf returns the type of the first *Error in err's chain, or ErrUnknown.
func TypeOf(err error) ErrorType {
	var e *Error
	if errors.As(err, &e) {
		return e.Type
	}
	return ErrUnknown
}

func IsType(err error, errorType ErrorType) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Type == errorType
	}
	return false
}

// Retryable reports whether another queue attempt may succeed. Errors
// without a type are treated as transient.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	switch TypeOf(err) {
	case ErrEmptyExtraction, ErrQueueExhausted, ErrValidation, ErrNotFound:
		return false
	default:
		return true
	}
}

// Reason is the text shown to people looking at a failed document.
func Reason(err error) string {
	switch TypeOf(err) {
	case ErrServiceUnavailable:
		return "upstream service down"
	case ErrServiceTimeout:
		return "upstream service timed out"
	case ErrEmptyExtraction:
		return "document unreadable"
	case ErrPartialStageFailure:
		return "partial success"
	case ErrQueueExhausted:
		return "gave up after repeated failures"
	case ErrValidation:
		return "invalid request"
	default:
		return "processing error"
	}
}

// Advice returns operator guidance for err.
func Advice(err error) string {
	switch TypeOf(err) {
	case ErrServiceUnavailable:
		return "Start the remote service or check its URL in the configuration"
	case ErrServiceTimeout:
		return "The service is overloaded or the document is very large; raise the stage timeout or retry later"
	case ErrEmptyExtraction:
		return "The file contains no extractable text; check it is not an empty or image-only scan without OCR"
	case ErrPartialStageFailure:
		return "Text was extracted; retry the failed stage once its service is healthy"
	case ErrQueueExhausted:
		return "Inspect the last error, fix the cause and retry the job"
	case ErrStorage:
		return "Check the data directory is writable and the database is not locked by another process"
	default:
		return "Review the error details and the service logs"
	}
}

// Classify maps a transport error from a remote call to a typed error.
func Classify(service string, err error) error {
	if err == nil {
		return nil
	}
	var typed *Error
	if errors.As(err, &typed) {
		return err
	}
	if isTimeout(err) {
		return Wrap(err, ErrServiceTimeout, fmt.Sprintf("%s service timed out", service)).
			WithContext("service", service)
	}
	if isUnavailable(err) {
		return Wrap(err, ErrServiceUnavailable, fmt.Sprintf("%s service not started", service)).
			WithContext("service", service)
	}
	return Wrap(err, ErrRemote, fmt.Sprintf("%s service call failed", service)).
		WithContext("service", service)
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || os.IsTimeout(err) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func isUnavailable(err error) bool {
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr) && opErr.Op == "dial"
}
