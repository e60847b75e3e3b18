// Package retry provides a bounded retry combinator shared by the instrument
// layers.  An operation is attempted a fixed number of times; errors the caller
// classifies as terminal stop the loop immediately.
package retry

import (
	"fmt"
	"time"

	"github.com/cenkalti/backoff"
)

// Exhausted is returned when every attempt failed with a retryable error.
// Last holds the error from the final attempt.
type Exhausted struct {
	Attempts int
	Last     error
}

func (e *Exhausted) Error() string {
	return fmt.Sprintf("gave up after %d attempts: %v", e.Attempts, e.Last)
}

// Unwrap exposes the last error to errors.Is and errors.As
func (e *Exhausted) Unwrap() error {
	return e.Last
}

// Do calls op at most attempts times, sleeping interval between calls.
//
// If retryable is nil, every error is retried.  An error for which retryable
// returns false is returned as-is without further attempts.  notify, if not
// nil, is called after each failed retryable attempt with the number of
// attempts left.
func Do(attempts int, interval time.Duration, op func() error, retryable func(error) bool, notify func(err error, remaining int)) error {
	if attempts < 1 {
		attempts = 1
	}
	remaining := attempts
	wrapped := func() error {
		err := op()
		if err == nil {
			return nil
		}
		if retryable != nil && !retryable(err) {
			return backoff.Permanent(err)
		}
		remaining--
		if notify != nil {
			notify(err, remaining)
		}
		return err
	}
	b := backoff.WithMaxRetries(backoff.NewConstantBackOff(interval), uint64(attempts-1))
	err := backoff.Retry(wrapped, b)
	if err == nil {
		return nil
	}
	if remaining > 0 {
		// stopped early on a permanent error
		return err
	}
	return &Exhausted{Attempts: attempts, Last: err}
}
