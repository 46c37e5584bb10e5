package turn

import (
	"errors"
	"fmt"
)

// ErrBusy is wrapped by the error of a turn that was refused because another
// turn is still open.
var ErrBusy = errors.New("turn: a session is already active")

// Kind classifies turn errors.
type Kind string

const (
	KindContextFetch Kind = "context_fetch"
	KindTransport    Kind = "transport"
	KindDevice       Kind = "device"
	KindProtocol     Kind = "protocol"
	KindBusy         Kind = "busy"
)

// Error is the error type carried in [Result.Err].
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("turn: %s: %s: %v", e.Kind, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the kind of err, or "" when err is not an [*Error].
func KindOf(err error) Kind {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	return ""
}
