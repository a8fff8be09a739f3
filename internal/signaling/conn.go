package signaling

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/gorilla/websocket"

	"github.com/wilsonzlin/aero/proxy/peerjs-signaling/internal/protocol"
	"github.com/wilsonzlin/aero/proxy/peerjs-signaling/internal/realm"
)

// Conn is a client connection as seen by the server: a realm.Transport that
// can also be read from.
type Conn interface {
	realm.Transport
	// Receive blocks until the next message arrives. Non-text frames yield an
	// empty payload. It returns io.EOF once the peer or the server has closed
	// the connection.
	Receive(ctx context.Context) ([]byte, error)
}

const (
	wsWriteWait = 1 * time.Second

	// Control frame payloads are limited to 125 bytes, two of which carry the
	// close code.
	maxCloseReasonBytes = 123
)

type wsOptions struct {
	maxMessageBytes int64
	pingInterval    time.Duration
	idleTimeout     time.Duration
}

// wsConn adapts a gorilla WebSocket to Conn. Writes are serialized; Close is
// idempotent and safe to race with Send and Receive.
type wsConn struct {
	conn *websocket.Conn
	opts wsOptions

	writeMu sync.Mutex

	closeOnce sync.Once
	closed    chan struct{}
	closeErr  error
}

func newWSConn(conn *websocket.Conn, opts wsOptions) *wsConn {
	c := &wsConn{
		conn:   conn,
		opts:   opts,
		closed: make(chan struct{}),
	}

	if opts.maxMessageBytes > 0 {
		conn.SetReadLimit(opts.maxMessageBytes)
	}
	c.extendReadDeadline()
	conn.SetPongHandler(func(string) error {
		c.extendReadDeadline()
		return nil
	})
	conn.SetCloseHandler(func(code int, text string) error {
		// Echo the peer's close code and reason, then tear down.
		_ = c.closeWithCode(code, text)
		return nil
	})

	if opts.pingInterval > 0 {
		go c.pingLoop()
	}
	return c
}

func (c *wsConn) extendReadDeadline() {
	if c.opts.idleTimeout <= 0 {
		return
	}
	_ = c.conn.SetReadDeadline(time.Now().Add(c.opts.idleTimeout))
}

func (c *wsConn) pingLoop() {
	ticker := time.NewTicker(c.opts.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.closed:
			return
		case <-ticker.C:
		}
		c.writeMu.Lock()
		err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait))
		c.writeMu.Unlock()
		if err != nil {
			_ = c.Close("ping failed")
			return
		}
	}
}

func (c *wsConn) Send(ctx context.Context, msg protocol.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-c.closed:
		return net.ErrClosed
	default:
	}

	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *wsConn) Receive(ctx context.Context) ([]byte, error) {
	msgType, data, err := c.conn.ReadMessage()
	if err != nil {
		var closeErr *websocket.CloseError
		if errors.As(err, &closeErr) {
			return nil, io.EOF
		}
		select {
		case <-c.closed:
			return nil, io.EOF
		default:
		}
		if ctx.Err() != nil {
			return nil, io.EOF
		}
		return nil, err
	}
	c.extendReadDeadline()
	if msgType != websocket.TextMessage {
		return nil, nil
	}
	return data, nil
}

func (c *wsConn) Close(reason string) error {
	return c.closeWithCode(websocket.CloseNormalClosure, reason)
}

func (c *wsConn) closeWithCode(code int, reason string) error {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.writeMu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, truncateReason(reason)), time.Now().Add(wsWriteWait))
		c.writeMu.Unlock()
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}

func truncateReason(reason string) string {
	if len(reason) <= maxCloseReasonBytes {
		return reason
	}
	reason = reason[:maxCloseReasonBytes]
	for !utf8.ValidString(reason) {
		reason = reason[:len(reason)-1]
	}
	return reason
}

// closeWithCode closes conn with a specific WebSocket close code when the
// connection supports it.
func closeWithCode(conn Conn, code int, reason string) error {
	if ws, ok := conn.(interface {
		closeWithCode(code int, reason string) error
	}); ok {
		return ws.closeWithCode(code, reason)
	}
	return conn.Close(reason)
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
