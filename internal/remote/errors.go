package remote

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// The error taxonomy the sync layer keys off. Classification happens
// here, at the transport boundary, once. Nothing downstream is allowed
// to infer retryability from message text.

// TransientError covers connectivity loss, timeouts and 5xx responses.
// Transient failures are absorbed into the mutation queue and retried.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient: %s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError covers auth and validation rejections. These are never
// retried; they bubble to the caller immediately.
type PermanentError struct {
	Op     string
	Status int
	Err    error
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("permanent: %s (status %d): %v", e.Op, e.Status, e.Err)
}

func (e *PermanentError) Unwrap() error { return e.Err }

func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// classifyHTTP maps a response status to the taxonomy. 5xx and 429 are
// transient; every other non-2xx status is a permanent rejection.
func classifyHTTP(op string, status int, err error) error {
	if status >= 500 || status == http.StatusTooManyRequests {
		return &TransientError{Op: op, Err: err}
	}
	return &PermanentError{Op: op, Status: status, Err: err}
}

// classifyDial maps a transport-level error. Timeouts, DNS failures and
// unreachable hosts are transient; context cancellation passes through
// untouched so callers can tell a cancelled call from a failed one.
func classifyDial(op string, err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	return &TransientError{Op: op, Err: err}
}
