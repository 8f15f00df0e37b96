package command

import (
	"errors"
	"fmt"
)

// Status is the outcome code of a reply.
type Status uint32

const (
	StatusOK Status = iota
	// StatusUnknown is the generic failure of a packet nobody could
	// execute, such as one for an actor without an owning worker.
	StatusUnknown
	StatusProtocolError
	StatusResourceState
	// StatusFailed is an operation that ran and did not succeed.
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusUnknown:
		return "unknown"
	case StatusProtocolError:
		return "protocol_error"
	case StatusResourceState:
		return "resource_state"
	case StatusFailed:
		return "failed"
	default:
		return fmt.Sprintf("status(%d)", uint32(s))
	}
}

var (
	ErrProtocol      = errors.New("command: protocol error")
	ErrResourceState = errors.New("command: resource state error")
	ErrUnroutable    = errors.New("command: no worker owns the destination")
	ErrUnknownActor  = fmt.Errorf("%w: unknown actor", ErrResourceState)
	ErrIDInUse       = fmt.Errorf("%w: id already in use", ErrResourceState)
	ErrFailed        = errors.New("command: operation failed")
)

// Error is a handler failure with the message copied verbatim into the
// reply.
type Error struct {
	Status Status
	Msg    string
	Err    error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Msg
	}
	return fmt.Sprintf("%v: %s", e.Err, e.Msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func ProtocolErrorf(format string, args ...any) error {
	return &Error{Status: StatusProtocolError, Msg: fmt.Sprintf(format, args...), Err: ErrProtocol}
}

func ResourceStateErrorf(format string, args ...any) error {
	return &Error{Status: StatusResourceState, Msg: fmt.Sprintf(format, args...), Err: ErrResourceState}
}

// Failed reports an operation that ran but failed with msg.
func Failed(msg string) error {
	return &Error{Status: StatusFailed, Msg: msg, Err: ErrFailed}
}

// StatusOf maps a handler error to the status of its reply.
func StatusOf(err error) Status {
	var cerr *Error
	switch {
	case err == nil:
		return StatusOK
	case errors.As(err, &cerr):
		return cerr.Status
	case errors.Is(err, ErrUnroutable):
		return StatusUnknown
	case errors.Is(err, ErrProtocol):
		return StatusProtocolError
	case errors.Is(err, ErrResourceState):
		return StatusResourceState
	default:
		return StatusFailed
	}
}

// MessageOf is the text a reply carries for err.
func MessageOf(err error) string {
	var cerr *Error
	switch {
	case err == nil:
		return ""
	case errors.As(err, &cerr):
		return cerr.Msg
	default:
		return err.Error()
	}
}
