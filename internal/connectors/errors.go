package connectors

import (
	"errors"
	"fmt"
	"time"
)

// ErrNotStarted: прогон не стартовал (драйвер недоступен, отказ до запуска). Такой сбой можно повторить.
var ErrNotStarted = errors.New("automation run not started")

// ThrottleError: драйвер попросил подождать перед следующей попыткой.
type ThrottleError struct {
	RetryAfter time.Duration
	Cause      error
}

func (e *ThrottleError) Error() string {
	return fmt.Sprintf("throttled: retry after %v (cause: %v)", e.RetryAfter, e.Cause)
}

func (e *ThrottleError) Unwrap() error {
	return e.Cause
}
