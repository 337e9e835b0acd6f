package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
)

// Stream is a transport over a byte stream such as a TCP or unix socket.
type Stream struct {
	conn io.ReadWriteCloser
	dial func(ctx context.Context) (io.ReadWriteCloser, error)
	log  *slog.Logger
	buf  []byte
	lifecycle
	writeMu sync.Mutex
}

var _ Transport = (*Stream)(nil)

// Dial returns a stream transport that connects to address on Connect.
func Dial(network, address string, opts ...Option) *Stream {
	return newStream(func(ctx context.Context) (io.ReadWriteCloser, error) {
		var d net.Dialer
		conn, err := d.DialContext(ctx, network, address)
		if err != nil {
			return nil, fmt.Errorf("dial %s %s: %w", network, address, err)
		}
		return conn, nil
	}, opts)
}

// NewStream wraps an established connection. Connect only flips the state.
func NewStream(conn io.ReadWriteCloser, opts ...Option) *Stream {
	return newStream(func(context.Context) (io.ReadWriteCloser, error) {
		return conn, nil
	}, opts)
}

func newStream(dial func(context.Context) (io.ReadWriteCloser, error), opts []Option) *Stream {
	s := applyOptions(opts)
	return &Stream{
		dial:      dial,
		log:       s.logger,
		buf:       make([]byte, readBufferSize),
		lifecycle: newLifecycle(s.onState),
	}
}

func (s *Stream) Connect(ctx context.Context) error {
	if err := s.connecting(); err != nil {
		return err
	}
	conn, err := s.dial(ctx)
	if err != nil {
		s.disconnect(err)
		return err
	}
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	if !s.connected() {
		_ = conn.Close()
		return ErrNotConnected
	}
	return nil
}

func (s *Stream) ReadChunk() ([]byte, error) {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return nil, io.EOF
	}

	n, err := conn.Read(s.buf)
	if n > 0 {
		// Hand back data even if the read also failed; the error surfaces
		// on the next call.
		return s.buf[:n], nil
	}
	if err == nil {
		return nil, nil
	}
	s.log.Debug("stream read ended", "error", err)
	if errors.Is(err, io.EOF) {
		s.disconnect(ErrPeerClosed)
	} else {
		s.disconnect(fmt.Errorf("read: %w", err))
	}
	return nil, io.EOF
}

func (s *Stream) WriteFrame(frame []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if !s.isConnected() {
		return ErrNotConnected
	}
	if _, err := s.conn.Write(frame); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	return nil
}

func (s *Stream) Close() error {
	if !s.beginClose() {
		return nil
	}
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()

	var err error
	if conn != nil {
		err = conn.Close()
	}
	s.disconnect(nil)
	return err
}
