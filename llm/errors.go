package llm

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrAttemptTimeout marks a single attempt that outlived Request.Timeout
// while the caller's context was still live.
var ErrAttemptTimeout = errors.New("attempt timed out")

// TransientError represents a temporary error that may succeed on retry:
// throttling, timeouts, 5xx responses and network failures.
type TransientError struct {
	err error
}

func (e *TransientError) Error() string {
	return e.err.Error()
}

func (e *TransientError) Unwrap() error {
	return e.err
}

// NewTransientError wraps an error as transient (retryable).
func NewTransientError(err error) error {
	return &TransientError{err: err}
}

// FatalError represents a permanent error that should not be retried.
type FatalError struct {
	err error
}

func (e *FatalError) Error() string {
	return e.err.Error()
}

func (e *FatalError) Unwrap() error {
	return e.err
}

// NewFatalError wraps an error as fatal (non-retryable).
func NewFatalError(err error) error {
	return &FatalError{err: err}
}

// IsTransient returns true if the error is transient and should be retried.
func IsTransient(err error) bool {
	var transient *TransientError
	return errors.As(err, &transient)
}

// IsFatal returns true if the error is fatal and should not be retried.
func IsFatal(err error) bool {
	var fatal *FatalError
	return errors.As(err, &fatal)
}

// AttemptContext bounds one attempt by timeout. A non-positive timeout leaves
// the attempt bounded only by ctx.
func AttemptContext(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}

// ClassifyAttempt turns a failure caused by the attempt's own deadline into a
// transient error so the next attempt can run. Failures after the parent
// context ended, and all other errors, are returned unchanged.
func ClassifyAttempt(parent, attempt context.Context, err error) error {
	if err == nil || parent.Err() != nil || !errors.Is(attempt.Err(), context.DeadlineExceeded) {
		return err
	}
	// The cause is kept as text only: a wrapped *FatalError would make the
	// result fatal too.
	return NewTransientError(fmt.Errorf("%w: %v: %w", ErrAttemptTimeout, err, context.DeadlineExceeded))
}
