package pacs

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies every failure a Client reports.
type Kind int

const (
	KindUnknown Kind = iota
	KindConnection
	KindNotFound
	KindRetrieveTimeout
	KindTransferSyntax
	KindUnsupportedEncoding
	KindStoreRejected
	KindFrameIndex
	KindConfiguration
)

var kindNames = map[Kind]string{
	KindUnknown:             "unknown",
	KindConnection:          "connection",
	KindNotFound:            "not found",
	KindRetrieveTimeout:     "retrieve timeout",
	KindTransferSyntax:      "transfer syntax",
	KindUnsupportedEncoding: "unsupported encoding",
	KindStoreRejected:       "store rejected",
	KindFrameIndex:          "frame index",
	KindConfiguration:       "configuration",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Error is the only error type that crosses the Client boundary. Backend
// errors are reduced to their message; only context cancellation and
// deadlines remain reachable through errors.Is.
type Error struct {
	Kind Kind
	Op   string
	Msg  string

	cause error
}

// Sentinels for errors.Is. They match any *Error of the same Kind.
var (
	ErrConnection          = &Error{Kind: KindConnection}
	ErrNotFound            = &Error{Kind: KindNotFound}
	ErrRetrieveTimeout     = &Error{Kind: KindRetrieveTimeout}
	ErrTransferSyntax      = &Error{Kind: KindTransferSyntax}
	ErrUnsupportedEncoding = &Error{Kind: KindUnsupportedEncoding}
	ErrStoreRejected       = &Error{Kind: KindStoreRejected}
	ErrFrameIndex          = &Error{Kind: KindFrameIndex}
	ErrConfiguration       = &Error{Kind: KindConfiguration}
)

func (e *Error) Error() string {
	msg := "pacs"
	if e.Op != "" {
		msg += " " + e.Op
	}
	msg += ": " + e.Kind.String()
	if e.Msg != "" {
		msg += ": " + e.Msg
	}
	return msg
}

// Is matches sentinels by Kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Op == "" && t.Msg == "" && t.Kind == e.Kind
}

func (e *Error) Unwrap() error {
	return e.cause
}

// Errorf builds an *Error with a formatted message.
func Errorf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// Wrap converts err into an *Error of the given kind. An *Error is returned
// unchanged. Only err's message is kept, except that context.Canceled and
// context.DeadlineExceeded stay reachable.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	var pe *Error
	if errors.As(err, &pe) {
		return pe
	}
	out := &Error{Kind: kind, Op: op, Msg: err.Error()}
	switch {
	case errors.Is(err, context.Canceled):
		out.cause = context.Canceled
	case errors.Is(err, context.DeadlineExceeded):
		out.cause = context.DeadlineExceeded
	}
	return out
}

// KindOf returns the Kind of err, or KindUnknown when err is not an *Error.
func KindOf(err error) Kind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return KindUnknown
}

// IsTransient reports whether err is worth retrying: a connection failure
// that was not caused by the caller cancelling.
func IsTransient(err error) bool {
	return KindOf(err) == KindConnection && !errors.Is(err, context.Canceled)
}
