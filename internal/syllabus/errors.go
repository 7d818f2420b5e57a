package syllabus

import (
	"context"
	"errors"
	"fmt"
)

// ErrNotFound is returned when a subject or index generation does not exist.
var ErrNotFound = errors.New("not found")

// ErrorKind classifies failures for retry and logging decisions.
type ErrorKind string

// Error kinds.
const (
	KindTransport  ErrorKind = "transport"
	KindParse      ErrorKind = "parse"
	KindValidation ErrorKind = "validation"
	KindPublish    ErrorKind = "publish"
	KindCanceled   ErrorKind = "canceled"
	KindUnknown    ErrorKind = "unknown"
)

// TransportError reports a network failure or a non-2xx response.
type TransportError struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("fetch %s: status %d", e.URL, e.StatusCode)
	}
	return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ParseError reports markup that does not match the expected structure.
// Key is the subject primary key and Page the list page, when known.
type ParseError struct {
	Op     string
	Key    int
	Page   int
	Reason string
}

func (e *ParseError) Error() string {
	msg := "parse " + e.Op
	if e.Key > 0 {
		msg += fmt.Sprintf(" (pk=%d)", e.Key)
	}
	if e.Page > 0 {
		msg += fmt.Sprintf(" (page=%d)", e.Page)
	}
	return msg + ": " + e.Reason
}

// NewParseError builds a ParseError with a formatted reason.
func NewParseError(op string, format string, args ...any) *ParseError {
	return &ParseError{Op: op, Reason: fmt.Sprintf(format, args...)}
}

// ValidationError reports an assembled entity that violates the schema.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// PublishError reports an index or alias operation failure.
type PublishError struct {
	Op         string
	Locale     Locale
	Generation string
	Err        error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("%s %s/%s: %v", e.Op, e.Locale, e.Generation, e.Err)
}

func (e *PublishError) Unwrap() error { return e.Err }

// Kind classifies err by walking its wrap chain. A request timeout inside a
// transport failure stays a transport failure.
func Kind(err error) ErrorKind {
	var (
		parseErr     *ParseError
		validErr     *ValidationError
		transportErr *TransportError
		publishErr   *PublishError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &parseErr):
		return KindParse
	case errors.As(err, &validErr):
		return KindValidation
	case errors.As(err, &transportErr):
		return KindTransport
	case errors.As(err, &publishErr):
		return KindPublish
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return KindCanceled
	default:
		return KindUnknown
	}
}

// Retryable reports whether a failed task may be attempted again.
// Markup and schema drift will not change on retry.
func Retryable(err error) bool {
	switch Kind(err) {
	case KindParse, KindValidation, KindCanceled, "":
		return false
	default:
		return true
	}
}
