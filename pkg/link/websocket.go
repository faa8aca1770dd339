package link

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vango-dev/scenesync/pkg/protocol"
)

type received struct {
	frame *protocol.Frame
	err   error
}

// WebSocket is a Link over a gorilla websocket connection. Each frame is
// one binary message.
type WebSocket struct {
	conn   *websocket.Conn
	config *Config

	writeMu sync.Mutex
	in      chan received

	closeOnce sync.Once
	done      chan struct{}
}

// Dial connects to a websocket endpoint.
func Dial(ctx context.Context, url string, config *Config) (*WebSocket, error) {
	if config == nil {
		config = DefaultConfig()
	}
	dialer := websocket.Dialer{
		HandshakeTimeout: config.HandshakeTimeout,
	}
	conn, resp, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("link: dial %s: %w (status %d)", url, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("link: dial %s: %w", url, err)
	}
	return newWebSocket(conn, config), nil
}

// Upgrade turns an HTTP request into a websocket Link.
func Upgrade(w http.ResponseWriter, r *http.Request, config *Config) (*WebSocket, error) {
	if config == nil {
		config = DefaultConfig()
	}
	upgrader := websocket.Upgrader{
		HandshakeTimeout: config.HandshakeTimeout,
	}
	if config.CheckOrigin != nil {
		check := config.CheckOrigin
		upgrader.CheckOrigin = func(r *http.Request) bool {
			return check(r.Header.Get("Origin"))
		}
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, fmt.Errorf("link: upgrade: %w", err)
	}
	return newWebSocket(conn, config), nil
}

func newWebSocket(conn *websocket.Conn, config *Config) *WebSocket {
	ws := &WebSocket{
		conn:   conn,
		config: config,
		in:     make(chan received, 16),
		done:   make(chan struct{}),
	}
	conn.SetReadLimit(config.MaxFrameSize)
	conn.SetReadDeadline(time.Now().Add(config.PongTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(config.PongTimeout))
	})
	go ws.readLoop()
	go ws.pingLoop()
	return ws
}

func (ws *WebSocket) readLoop() {
	defer close(ws.in)
	for {
		_, msg, err := ws.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				err = ErrClosed
			}
			ws.deliver(received{err: err})
			return
		}
		ws.conn.SetReadDeadline(time.Now().Add(ws.config.PongTimeout))

		frame, err := protocol.DecodeFrame(msg)
		if !ws.deliver(received{frame: frame, err: err}) {
			return
		}
	}
}

func (ws *WebSocket) deliver(r received) bool {
	select {
	case ws.in <- r:
		return true
	case <-ws.done:
		return false
	}
}

func (ws *WebSocket) pingLoop() {
	ticker := time.NewTicker(ws.config.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			err := ws.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(ws.config.WriteTimeout))
			if err != nil {
				return
			}
		case <-ws.done:
			return
		}
	}
}

// Send writes f as one binary message.
func (ws *WebSocket) Send(ctx context.Context, f *protocol.Frame) error {
	select {
	case <-ws.done:
		return ErrClosed
	default:
	}
	ws.writeMu.Lock()
	defer ws.writeMu.Unlock()

	ws.conn.SetWriteDeadline(deadline(ctx, ws.config.WriteTimeout))
	if err := ws.conn.WriteMessage(websocket.BinaryMessage, f.Encode()); err != nil {
		return fmt.Errorf("link: send %s: %w", f.Type, err)
	}
	return nil
}

// Recv returns the next frame. A frame that fails to decode is returned as
// an error without closing the link.
func (ws *WebSocket) Recv(ctx context.Context) (*protocol.Frame, error) {
	select {
	case r, ok := <-ws.in:
		if !ok {
			return nil, ErrClosed
		}
		return r.frame, r.err
	case <-ws.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close sends a normal close message and closes the connection.
func (ws *WebSocket) Close() error {
	var err error
	ws.closeOnce.Do(func() {
		close(ws.done)
		ws.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		err = ws.conn.Close()
	})
	if errors.Is(err, websocket.ErrCloseSent) {
		return nil
	}
	return err
}

// RemoteAddr returns the peer's network address.
func (ws *WebSocket) RemoteAddr() string {
	return ws.conn.RemoteAddr().String()
}
