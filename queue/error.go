package queue

import (
	"strings"

	"github.com/quillwiki/quill/errors"
)

// ErrChildrenPending is returned by the batch-commit handler when at least
// one child job of its batch has not reached a terminal state yet. The
// worker treats it as a transient failure, so the commit job flows back
// through the ordinary retry policy until the children settle or its retry
// budget runs out.
var ErrChildrenPending = errors.New("batch children still pending")

// permanentError marks a handler failure that must not be retried even when
// the job still has retry budget left.
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// MarkPermanent wraps a handler error so the worker fails the job
// terminally instead of consulting the retry policy.
func MarkPermanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether a handler error was marked permanent.
func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}

// ErrorCode classifies a handler failure for logging and stats.
type ErrorCode string

const (
	ErrorCodeNotFound   ErrorCode = "not_found"
	ErrorCodeParse      ErrorCode = "parse_error"
	ErrorCodeNetwork    ErrorCode = "network_error"
	ErrorCodeDatabase   ErrorCode = "database_error"
	ErrorCodeValidation ErrorCode = "validation_error"
	ErrorCodeTimeout    ErrorCode = "timeout"
	ErrorCodeUnknown    ErrorCode = "unknown"
)

// ClassifyError categorizes a handler error based on its message.
// Classification only informs logging; the retry decision stays with the
// permanent/transient marking and the job's retry budget.
func ClassifyError(err error) ErrorCode {
	if err == nil {
		return ErrorCodeUnknown
	}
	msg := strings.ToLower(err.Error())

	switch {
	case strings.Contains(msg, "no such file") || strings.Contains(msg, "not found"):
		return ErrorCodeNotFound
	case strings.Contains(msg, "parse") || strings.Contains(msg, "unmarshal") || strings.Contains(msg, "invalid json"):
		return ErrorCodeParse
	case strings.Contains(msg, "network") || strings.Contains(msg, "connection") || strings.Contains(msg, "refused"):
		return ErrorCodeNetwork
	case strings.Contains(msg, "database") || strings.Contains(msg, "sql"):
		return ErrorCodeDatabase
	case strings.Contains(msg, "validation") || strings.Contains(msg, "invalid"):
		return ErrorCodeValidation
	case strings.Contains(msg, "deadline exceeded") || strings.Contains(msg, "timed out") || strings.Contains(msg, "timeout"):
		return ErrorCodeTimeout
	default:
		return ErrorCodeUnknown
	}
}
