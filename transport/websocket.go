package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const wsHandshakeTimeout = 5 * time.Second

// WebSocket is a transport over a ws:// or wss:// connection. Each text
// message carries one frame; the trailing newline is stripped on send and
// restored on receive.
type WebSocket struct {
	conn   *websocket.Conn
	header http.Header
	log    *slog.Logger
	url    string
	lifecycle
	writeMu sync.Mutex
}

var _ Transport = (*WebSocket)(nil)

// DialWebSocket returns a transport that dials url on Connect. header is
// sent with the upgrade request and may be nil.
func DialWebSocket(url string, header http.Header, opts ...Option) *WebSocket {
	s := applyOptions(opts)
	return &WebSocket{
		url:       url,
		header:    header,
		log:       s.logger,
		lifecycle: newLifecycle(s.onState),
	}
}

func (w *WebSocket) Connect(ctx context.Context) error {
	if err := w.connecting(); err != nil {
		return err
	}
	dialer := websocket.Dialer{
		HandshakeTimeout: wsHandshakeTimeout,
		NetDialContext:   (&net.Dialer{Timeout: wsHandshakeTimeout}).DialContext,
	}
	conn, resp, err := dialer.DialContext(ctx, w.url, w.header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		err = fmt.Errorf("websocket dial %s: %w", w.url, err)
		w.disconnect(err)
		return err
	}

	w.mu.Lock()
	w.conn = conn
	w.mu.Unlock()
	if !w.connected() {
		_ = conn.Close()
		return ErrNotConnected
	}
	return nil
}

func (w *WebSocket) ReadChunk() ([]byte, error) {
	w.mu.Lock()
	conn := w.conn
	w.mu.Unlock()
	if conn == nil {
		return nil, io.EOF
	}

	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			w.log.Debug("websocket read ended", "error", err)
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				w.disconnect(fmt.Errorf("%w: %v", ErrPeerClosed, err))
			} else {
				w.disconnect(fmt.Errorf("websocket read: %w", err))
			}
			return nil, io.EOF
		}
		if kind != websocket.TextMessage && kind != websocket.BinaryMessage {
			continue
		}
		if len(data) == 0 || data[len(data)-1] != '\n' {
			data = append(data, '\n')
		}
		return data, nil
	}
}

func (w *WebSocket) WriteFrame(frame []byte) error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()

	if !w.isConnected() {
		return ErrNotConnected
	}
	if err := w.conn.WriteMessage(websocket.TextMessage, bytes.TrimSuffix(frame, []byte{'\n'})); err != nil {
		return fmt.Errorf("websocket write: %w", err)
	}
	return nil
}

// Close sends a normal-closure control message and drops the connection.
func (w *WebSocket) Close() error {
	if !w.beginClose() {
		return nil
	}
	w.mu.Lock()
	conn := w.conn
	w.mu.Unlock()

	var err error
	if conn != nil {
		// WriteControl may run concurrently with a blocked WriteFrame.
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client closing"),
			time.Now().Add(time.Second))
		err = conn.Close()
	}
	w.disconnect(nil)
	return err
}
