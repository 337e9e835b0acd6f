package acp

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/bazelment/acplink/jsonrpc"
)

// Sentinel errors. Every typed error below matches exactly one of them
// with errors.Is.
var (
	// ErrTransport matches *TransportError.
	ErrTransport = errors.New("transport error")

	// ErrProtocol matches *ProtocolError.
	ErrProtocol = errors.New("protocol error")

	// ErrTimeout matches *TimeoutError.
	ErrTimeout = errors.New("request timed out")

	// ErrCancelled matches *CancelledError.
	ErrCancelled = errors.New("request cancelled")

	// ErrChannelClosed matches *ClosedError.
	ErrChannelClosed = errors.New("channel closed")

	// ErrDuplicateID is returned when registering an id that is still
	// outstanding.
	ErrDuplicateID = errors.New("duplicate request id")

	// ErrNoActiveSession is returned for sessions that were never created,
	// or were reset or invalidated since.
	ErrNoActiveSession = errors.New("no active session")

	// ErrStopping is returned by Start while Stop is in progress.
	ErrStopping = errors.New("client is stopping")

	// ErrRestartsExhausted fails the readiness future once the restart
	// budget is spent.
	ErrRestartsExhausted = errors.New("restart budget exhausted")
)

// TransportError reports a failed spawn, dial or write. It is fatal to the
// current connection attempt.
type TransportError struct {
	Err error
	Op  string
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

func (e *TransportError) Is(target error) bool { return target == ErrTransport }

// ProtocolError reports an inbound record that could not be understood.
// The channel stays up.
type ProtocolError struct {
	Cause   error
	Message string
	Line    string
}

func (e *ProtocolError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *ProtocolError) Unwrap() error { return e.Cause }

func (e *ProtocolError) Is(target error) bool { return target == ErrProtocol }

// TimeoutError is the result of a call whose deadline passed.
type TimeoutError struct {
	Method string
	ID     jsonrpc.ID
	After  time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s (id %s) timed out after %s", e.Method, e.ID, e.After)
}

func (e *TimeoutError) Is(target error) bool { return target == ErrTimeout }

// Timeout reports true, matching net.Error.
func (e *TimeoutError) Timeout() bool { return true }

// CancelledError is the result of a call cancelled by its caller.
type CancelledError struct {
	Cause  error
	Method string
	ID     jsonrpc.ID
}

func (e *CancelledError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s (id %s) cancelled: %v", e.Method, e.ID, e.Cause)
	}
	return fmt.Sprintf("%s (id %s) cancelled", e.Method, e.ID)
}

func (e *CancelledError) Unwrap() error { return e.Cause }

func (e *CancelledError) Is(target error) bool { return target == ErrCancelled }

// ClosedError is the result of every call outstanding when the channel
// went away.
type ClosedError struct {
	Cause  error
	Reason string
}

func (e *ClosedError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("channel closed: %s: %v", e.Reason, e.Cause)
	}
	return "channel closed: " + e.Reason
}

func (e *ClosedError) Unwrap() error { return e.Cause }

func (e *ClosedError) Is(target error) bool { return target == ErrChannelClosed }

// Reasons carried by ClosedError.
const (
	ReasonProcessTerminated = "process terminated"
	ReasonClientStopped     = "client stopped"
)

// RemoteError is an error response sent by the agent. Code and Message
// are passed through verbatim.
type RemoteError struct {
	Message string
	Data    json.RawMessage
	Code    int
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

func remoteError(e *jsonrpc.Error) *RemoteError {
	return &RemoteError{Code: e.Code, Message: e.Message, Data: e.Data}
}
