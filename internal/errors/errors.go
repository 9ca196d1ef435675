// Package errors provides the error taxonomy of the lab: configuration,
// ordering and backend failures, each carrying operation context and a
// stack trace.
package errors

import (
	stderrors "errors"
	"fmt"
	"runtime"
	"strings"
)

// Kind classifies an error for the experiment loop.
type Kind uint8

const (
	// KindUnknown is an unclassified error.
	KindUnknown Kind = iota
	// KindConfig is invalid configuration, rejected before any measurement.
	KindConfig
	// KindOrdering is an out-of-sequence write to the experiment ledger.
	KindOrdering
	// KindBackend means the measurement backend could not produce a result.
	KindBackend
)

func (k Kind) String() string {
	switch k {
	case KindConfig:
		return "configuration"
	case KindOrdering:
		return "ordering"
	case KindBackend:
		return "backend"
	default:
		return "unknown"
	}
}

// Sentinels for errors.Is.
var (
	ErrConfig   = stderrors.New("configuration error")
	ErrOrdering = stderrors.New("ordering error")
	ErrBackend  = stderrors.New("backend error")
)

// Error represents an error with context and stack trace.
type Error struct {
	// Kind is the taxonomy class of the error.
	Kind Kind
	// Message is a human-readable description.
	Message string
	// Operation that was being performed when the error occurred.
	Operation string
	// Component or package where the error occurred.
	Component string
	// Err is the underlying error, if any.
	Err error
	// Stack is the captured call stack.
	Stack []string
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	var b strings.Builder

	if e.Component != "" {
		b.WriteString(e.Component)
	}
	if e.Operation != "" {
		if b.Len() > 0 {
			b.WriteString(".")
		}
		b.WriteString(e.Operation)
	}
	if e.Kind != KindUnknown {
		if b.Len() > 0 {
			b.WriteString(": ")
		}
		b.WriteString(e.Kind.String())
		b.WriteString(" error")
	}
	if e.Message != "" {
		if b.Len() > 0 {
			b.WriteString(": ")
		}
		b.WriteString(e.Message)
	}
	if e.Err != nil {
		if b.Len() > 0 {
			b.WriteString(": ")
		}
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Is matches the kind sentinels.
func (e *Error) Is(target error) bool {
	if e == nil {
		return false
	}
	switch target {
	case ErrConfig:
		return e.Kind == KindConfig
	case ErrOrdering:
		return e.Kind == KindOrdering
	case ErrBackend:
		return e.Kind == KindBackend
	}
	return false
}

// WithOperation adds an operation to the error.
func (e *Error) WithOperation(op string) *Error {
	e.Operation = op
	return e
}

// WithComponent adds a component to the error.
func (e *Error) WithComponent(component string) *Error {
	e.Component = component
	return e
}

// WithKind sets the taxonomy class.
func (e *Error) WithKind(k Kind) *Error {
	e.Kind = k
	return e
}

// StackTrace returns the stack trace as a slice of strings.
func (e *Error) StackTrace() []string {
	return e.Stack
}

// New creates a new error with a message.
func New(msg string) *Error {
	return &Error{
		Message: msg,
		Stack:   getStackTrace(),
	}
}

// Errorf creates a new error with a formatted message.
func Errorf(format string, args ...interface{}) *Error {
	return &Error{
		Message: fmt.Sprintf(format, args...),
		Stack:   getStackTrace(),
	}
}

// Wrap wraps err with a message. It returns nil if err is nil.
func Wrap(err error, msg string) *Error {
	if err == nil {
		return nil
	}
	return &Error{
		Kind:    KindOf(err),
		Message: msg,
		Err:     err,
		Stack:   getStackTrace(),
	}
}

// Wrapf wraps err with a formatted message. It returns nil if err is nil.
func Wrapf(err error, format string, args ...interface{}) *Error {
	if err == nil {
		return nil
	}
	return &Error{
		Kind:    KindOf(err),
		Message: fmt.Sprintf(format, args...),
		Err:     err,
		Stack:   getStackTrace(),
	}
}

// Config returns a configuration error for op.
func Config(op, format string, args ...interface{}) *Error {
	return &Error{
		Kind:      KindConfig,
		Operation: op,
		Message:   fmt.Sprintf(format, args...),
		Stack:     getStackTrace(),
	}
}

// Ordering returns an ordering error for op.
func Ordering(op, format string, args ...interface{}) *Error {
	return &Error{
		Kind:      KindOrdering,
		Operation: op,
		Message:   fmt.Sprintf(format, args...),
		Stack:     getStackTrace(),
	}
}

// Backend returns a backend error for op. err may be nil.
func Backend(err error, op, format string, args ...interface{}) *Error {
	return &Error{
		Kind:      KindBackend,
		Operation: op,
		Message:   fmt.Sprintf(format, args...),
		Err:       err,
		Stack:     getStackTrace(),
	}
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	for err != nil {
		if !stderrors.As(err, &e) {
			return KindUnknown
		}
		if e.Kind != KindUnknown {
			return e.Kind
		}
		err = e.Err
	}
	return KindUnknown
}

// getStackTrace returns the current stack trace as a slice of strings.
func getStackTrace() []string {
	const depth = 32
	var pcs [depth]uintptr
	n := runtime.Callers(3, pcs[:]) // skip runtime.Callers, getStackTrace and the constructor
	if n == 0 {
		return nil
	}

	frames := runtime.CallersFrames(pcs[:n])
	stack := make([]string, 0, n)

	for {
		frame, more := frames.Next()
		if !strings.Contains(frame.File, "runtime/") && !strings.Contains(frame.File, "internal/errors") {
			stack = append(stack, fmt.Sprintf("%s\n\t%s:%d", frame.Function, frame.File, frame.Line))
		}
		if !more {
			break
		}
	}

	return stack
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool {
	return stderrors.Is(err, target)
}

// As finds the first error in err's chain that matches target.
func As(err error, target interface{}) bool {
	return stderrors.As(err, target)
}
