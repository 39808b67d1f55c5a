package connection

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const closeWriteTimeout = 2 * time.Second

// Target is a resolved dial target.
type Target struct {
	URL          string
	Subprotocols []string
}

// Conn is a live message-oriented transport.
type Conn interface {
	// ReadMessage blocks until a frame arrives or the transport fails.
	// It must return an error once Close has been called.
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close() error
}

// Dialer opens transports.
type Dialer interface {
	Dial(ctx context.Context, target Target) (Conn, error)
}

// WebSocketDialer dials chat servers with gorilla/websocket.
type WebSocketDialer struct {
	dialer websocket.Dialer
	header http.Header
}

// NewWebSocketDialer creates a dialer with the given handshake timeout.
func NewWebSocketDialer(handshakeTimeout time.Duration) *WebSocketDialer {
	return &WebSocketDialer{
		dialer: websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: handshakeTimeout,
			ReadBufferSize:   1024,
			WriteBufferSize:  1024,
		},
		header: http.Header{},
	}
}

// SetOrigin sets the Origin header sent with the handshake; servers that
// check origins reject requests from unknown ones.
func (d *WebSocketDialer) SetOrigin(origin string) {
	if origin == "" {
		d.header.Del("Origin")
		return
	}
	d.header.Set("Origin", origin)
}

// Dial implements Dialer.
func (d *WebSocketDialer) Dial(ctx context.Context, target Target) (Conn, error) {
	dialer := d.dialer
	dialer.Subprotocols = target.Subprotocols

	conn, resp, err := dialer.DialContext(ctx, target.URL, d.header.Clone())
	if err != nil {
		if resp != nil {
			resp.Body.Close()
			return nil, fmt.Errorf("handshake failed with status %d: %w", resp.StatusCode, err)
		}
		return nil, err
	}
	return &wsConn{conn: conn}, nil
}

// wsConn adapts *websocket.Conn. gorilla allows one concurrent reader and
// one concurrent writer; writes are serialized here.
type wsConn struct {
	conn      *websocket.Conn
	writeMu   sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

func (c *wsConn) ReadMessage() ([]byte, error) {
	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		if msgType == websocket.TextMessage || msgType == websocket.BinaryMessage {
			return data, nil
		}
	}
}

func (c *wsConn) WriteMessage(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// Close sends a close frame with a write deadline so an unresponsive peer
// cannot block teardown, then closes the socket.
func (c *wsConn) Close() error {
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		c.conn.SetWriteDeadline(time.Now().Add(closeWriteTimeout))
		// a failed close frame means the peer is gone already
		_ = c.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.writeMu.Unlock()
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}

// IsNormalClose reports whether err is an orderly close from either side.
func IsNormalClose(err error) bool {
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway)
}
