package logging

import (
	"errors"
	"time"
)

var (
	ErrStorageFailure   = errors.New("storage failure")
	ErrMalformedPayload = errors.New("malformed payload")
	ErrUnknownLogType   = errors.New("unknown log type")
	ErrGroupDisabled    = errors.New("group disabled")
)

// RetryableError marks a transport failure that should be retried, with an
// optional server supplied delay.
type RetryableError struct {
	err   error
	delay time.Duration
}

func (e *RetryableError) Error() string {
	if e.delay > 0 {
		return "retryable (after " + e.delay.String() + "): " + e.err.Error()
	}
	return "retryable: " + e.err.Error()
}

func (e *RetryableError) Unwrap() error {
	return e.err
}

// Delay is the minimum wait requested by the server, zero when none.
func (e *RetryableError) Delay() time.Duration {
	return e.delay
}

// FatalError marks a transport failure that retrying cannot fix, such as an
// invalid app secret.
type FatalError struct {
	err error
}

func (e *FatalError) Error() string {
	return "fatal: " + e.err.Error()
}

func (e *FatalError) Unwrap() error {
	return e.err
}

func NewRetryableError(err error) error {
	return &RetryableError{err: err}
}

// NewThrottleError is a retryable error carrying a retry delay hint.
func NewThrottleError(err error, delay time.Duration) error {
	return &RetryableError{err: err, delay: delay}
}

func NewFatalError(err error) error {
	return &FatalError{err: err}
}

func IsFatal(err error) bool {
	var fe *FatalError
	return errors.As(err, &fe)
}

// RetryDelay returns the delay hint carried by err, if any.
func RetryDelay(err error) time.Duration {
	var re *RetryableError
	if errors.As(err, &re) {
		return re.delay
	}
	return 0
}
