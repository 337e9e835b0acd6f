package acp

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/bazelment/acplink/jsonrpc"
)

func TestErrors_MatchTheirSentinel(t *testing.T) {
	tests := []struct {
		err      error
		sentinel error
		msg      string
	}{
		{
			err:      &TransportError{Op: "write prompt", Err: io.ErrClosedPipe},
			sentinel: ErrTransport,
			msg:      "transport write prompt: io: read/write on closed pipe",
		},
		{
			err:      &ProtocolError{Message: "malformed record", Cause: errors.New("bad json")},
			sentinel: ErrProtocol,
			msg:      "malformed record: bad json",
		},
		{
			err:      &TimeoutError{Method: "prompt", ID: jsonrpc.NumberID(7), After: time.Second},
			sentinel: ErrTimeout,
			msg:      "prompt (id 7) timed out after 1s",
		},
		{
			err:      &CancelledError{Method: "prompt", ID: jsonrpc.StringID("a"), Cause: context.Canceled},
			sentinel: ErrCancelled,
			msg:      `prompt (id "a") cancelled: context canceled`,
		},
		{
			err:      &ClosedError{Reason: ReasonClientStopped},
			sentinel: ErrChannelClosed,
			msg:      "channel closed: client stopped",
		},
	}
	sentinels := []error{ErrTransport, ErrProtocol, ErrTimeout, ErrCancelled, ErrChannelClosed}

	for _, tt := range tests {
		t.Run(tt.msg, func(t *testing.T) {
			assert.EqualError(t, tt.err, tt.msg)
			for _, s := range sentinels {
				if s == tt.sentinel {
					assert.ErrorIs(t, tt.err, s)
				} else {
					assert.NotErrorIs(t, tt.err, s)
				}
			}
		})
	}
}

func TestErrors_Unwrap(t *testing.T) {
	assert.ErrorIs(t, &TransportError{Op: "read", Err: io.EOF}, io.EOF)
	assert.ErrorIs(t, &CancelledError{Cause: context.DeadlineExceeded}, context.DeadlineExceeded)
	assert.ErrorIs(t, &ClosedError{Reason: ReasonProcessTerminated, Cause: io.ErrUnexpectedEOF}, io.ErrUnexpectedEOF)

	var te interface{ Timeout() bool }
	assert.True(t, errors.As(error(&TimeoutError{}), &te))
	assert.True(t, te.Timeout())
}

func TestRemoteError(t *testing.T) {
	err := remoteError(&jsonrpc.Error{Code: -32602, Message: "Invalid params", Data: []byte(`{"field":"cwd"}`)})
	assert.EqualError(t, err, "rpc error -32602: Invalid params")
	assert.JSONEq(t, `{"field":"cwd"}`, string(err.Data))
}
