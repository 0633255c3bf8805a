package kernel

import (
	"errors"
	"fmt"
)

var ErrTableNotFound = errors.New("table not found")

// Error is a failure raised by the catalog, the planner or the kernel itself.
// The engine surfaces it to the submitter unchanged.
type Error struct {
	Op  string // "catalog", "plan" or "execute"
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func errorf(op, format string, args ...any) *Error {
	return &Error{Op: op, Err: fmt.Errorf(format, args...)}
}
