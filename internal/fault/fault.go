// Package fault defines the typed error taxonomy shared by the pool, the
// workflow scheduler and the dispatch queue.
//
// Every failure the engine records carries a Kind. Callers inspect it with
// errors.Is against the sentinel values (fault.ErrHandlerTimeout, ...) or with
// KindOf, and Retryable reports whether a step or operation budget may be
// spent on another attempt. Programming errors are not wrapped here and keep
// surfacing as plain errors.
package fault

import (
	"errors"
	"fmt"
)

// Kind classifies a failure.
type Kind string

const (
	KindGraphInvalid        Kind = "GraphInvalid"
	KindWorkerCreation      Kind = "WorkerCreation"
	KindHandlerTimeout      Kind = "HandlerTimeout"
	KindHandler             Kind = "Handler"
	KindBlockedByDependency Kind = "BlockedByDependency"
	KindUnsatisfiableGraph  Kind = "UnsatisfiableGraph"
)

type attributes struct {
	retryable bool
	message   string
}

var kinds = map[Kind]attributes{
	KindGraphInvalid:        {retryable: false, message: "workflow graph is invalid"},
	KindWorkerCreation:      {retryable: true, message: "worker could not be created"},
	KindHandlerTimeout:      {retryable: true, message: "handler timed out"},
	KindHandler:             {retryable: true, message: "handler failed"},
	KindBlockedByDependency: {retryable: false, message: "blocked by failed dependency"},
	KindUnsatisfiableGraph:  {retryable: false, message: "no step is ready but the workflow is not complete"},
}

// Sentinels for errors.Is. A *Error matches the sentinel of its Kind.
var (
	ErrGraphInvalid        = &Error{Kind: KindGraphInvalid}
	ErrWorkerCreation      = &Error{Kind: KindWorkerCreation}
	ErrHandlerTimeout      = &Error{Kind: KindHandlerTimeout}
	ErrHandler             = &Error{Kind: KindHandler}
	ErrBlockedByDependency = &Error{Kind: KindBlockedByDependency}
	ErrUnsatisfiableGraph  = &Error{Kind: KindUnsatisfiableGraph}
)

// Error is a classified failure, optionally tied to a workflow step.
type Error struct {
	Kind Kind
	Step string
	Msg  string
	Err  error
}

// New creates a classified error with a formatted message.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap classifies err under kind. A nil err yields a nil error.
func Wrap(kind Kind, err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: err}
}

// ForStep returns a copy of e bound to the given step id.
func (e *Error) ForStep(step string) *Error {
	c := *e
	c.Step = step
	return &c
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" {
		msg = kinds[e.Kind].message
	}
	if e.Step != "" {
		msg = fmt.Sprintf("step '%s': %s", e.Step, msg)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same Kind, which makes the package sentinels
// usable with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Msg == "" && t.Step == "" && t.Err == nil
}

// KindOf returns the Kind of the outermost *Error in err's chain, or "".
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return ""
}

// Retryable reports whether err may consume another attempt.
func Retryable(err error) bool {
	kind := KindOf(err)
	if kind == "" {
		return false
	}
	return kinds[kind].retryable
}
