package ocp

import (
	"errors"
	"fmt"
)

// ErrUsage marks problems built out of order: solving before every
// parameter is bound, sampling before solving, or asking a backend for
// introspection it does not support.
var ErrUsage = errors.New("ocp: usage error")

// UsageError reports which operation was misused and why.
type UsageError struct {
	Op  string
	Msg string
}

func (e *UsageError) Error() string { return fmt.Sprintf("ocp: %s: %s", e.Op, e.Msg) }

func (e *UsageError) Unwrap() error { return ErrUsage }

func usageErrf(op, format string, args ...any) error {
	return &UsageError{Op: op, Msg: fmt.Sprintf(format, args...)}
}
