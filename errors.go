package chatbranch

import (
	"fmt"
	"time"
)

// ErrKind classifies a domain error so the HTTP surface can map it to a
// status code with errors.As, the way retry.go inspects ErrUpstream.
type ErrKind int

const (
	KindInternal ErrKind = iota
	KindNotFound
	KindConflict
	KindBadRequest
	KindUpstream
	KindCancelled
	KindTool
)

// Error is the typed error value returned by every package-level operation
// in this module. Wrap an underlying cause with Err where one exists.
type Error struct {
	Kind    ErrKind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

func NotFound(msg string) *Error   { return &Error{Kind: KindNotFound, Message: msg} }
func Conflict(msg string) *Error   { return &Error{Kind: KindConflict, Message: msg} }
func BadRequest(msg string) *Error { return &Error{Kind: KindBadRequest, Message: msg} }
func Cancelled(msg string) *Error  { return &Error{Kind: KindCancelled, Message: msg} }
func Internal(msg string, err error) *Error {
	return &Error{Kind: KindInternal, Message: msg, Err: err}
}

// ErrUpstream wraps a failure from a provider's HTTP endpoint, carrying the
// status code and any Retry-After duration the provider reported.
type ErrUpstream struct {
	Provider   string
	Status     int
	Body       string
	RetryAfter time.Duration
}

func (e *ErrUpstream) Error() string {
	return fmt.Sprintf("%s: http %d: %s", e.Provider, e.Status, e.Body)
}

// ErrTool wraps a failure raised by a tool handler's execution, distinct
// from a tool returning an ordinary error-shaped result string.
type ErrTool struct {
	Tool string
	Err  error
}

func (e *ErrTool) Error() string {
	return fmt.Sprintf("tool %s: %v", e.Tool, e.Err)
}

func (e *ErrTool) Unwrap() error { return e.Err }
