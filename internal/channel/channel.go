// Package channel is the contract between the dispatcher and the external
// messaging network.
package channel

import (
	"context"
	"errors"
	"fmt"
	"time"

	"pushbot/internal/campaign"
	"pushbot/internal/delivery"
)

// Channel sends and deletes messages. Implementations classify every failure
// as *TransientError or *PermanentError; anything else is treated as transient.
type Channel interface {
	Send(ctx context.Context, chatID int64, c campaign.Content) (delivery.MessageRef, error)
	Delete(ctx context.Context, ref delivery.MessageRef) error
}

// ErrUnreachable marks a permanent failure on the recipient's side, such as
// a blocked bot or a deleted chat.
var ErrUnreachable = errors.New("recipient unreachable")

// TransientError is worth retrying. RetryAfter is the channel's own hint, zero if none.
type TransientError struct {
	Err        error
	RetryAfter time.Duration
}

func (e *TransientError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("transient: %v (retry after %s)", e.Err, e.RetryAfter)
	}
	return "transient: " + e.Err.Error()
}

func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError will fail the same way on every attempt.
type PermanentError struct {
	Err    error
	Reason string
}

func (e *PermanentError) Error() string {
	if e.Reason != "" {
		return e.Reason
	}
	return e.Err.Error()
}

func (e *PermanentError) Unwrap() error { return e.Err }

// Transient wraps err with an optional retry hint.
func Transient(err error, retryAfter time.Duration) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err, RetryAfter: retryAfter}
}

// Permanent wraps err with a short human readable reason.
func Permanent(err error, reason string) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err, Reason: reason}
}

func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// IsTransient reports whether err should be retried. Unclassified errors are
// transient unless the context ended.
func IsTransient(err error) bool {
	if err == nil || IsPermanent(err) {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	return true
}

// RetryAfterHint extracts the channel's retry hint, zero if there is none.
func RetryAfterHint(err error) time.Duration {
	var te *TransientError
	if errors.As(err, &te) && te.RetryAfter > 0 {
		return te.RetryAfter
	}
	return 0
}

// Reason is the text recorded on a failed log entry.
func Reason(err error) string {
	if err == nil {
		return ""
	}
	var pe *PermanentError
	if errors.As(err, &pe) {
		return pe.Error()
	}
	var te *TransientError
	if errors.As(err, &te) {
		return te.Err.Error()
	}
	return err.Error()
}
