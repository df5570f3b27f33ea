package rules

import "fmt"

// Error is a failure raised while walking a rule tree. Structural errors
// (unknown operator, wrong arity, bad operand shape) are independent of the
// context; the others depend on the data the tree was evaluated against.
type Error struct {
	Path       string
	Op         string
	Message    string
	Structural bool
	Cause      error
}

func (e *Error) Error() string {
	if e.Op != "" {
		return fmt.Sprintf("%s (%s): %s", e.Path, e.Op, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

func structuralErrorf(path, op, format string, args ...any) *Error {
	return &Error{Path: path, Op: op, Message: fmt.Sprintf(format, args...), Structural: true}
}

func runtimeErrorf(path, op, format string, args ...any) *Error {
	return &Error{Path: path, Op: op, Message: fmt.Sprintf(format, args...)}
}
