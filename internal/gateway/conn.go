package gateway

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/pulsecord/pulse"
	"github.com/pulsecord/pulse/internal/envelope"
)

const writeTimeout = 10 * time.Second

// Conn is one duplex gateway connection. Read blocks until a frame arrives
// or the connection closes; closure surfaces as *pulse.CloseError carrying
// the peer's close code.
type Conn interface {
	Read() (*envelope.Envelope, error)
	Write(e *envelope.Envelope) error
	Close(code int, reason string) error
}

// Dialer opens gateway connections. Swapped for an in-memory fake in tests.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// WebsocketDialer dials real gateway endpoints over WebSocket.
type WebsocketDialer struct{}

// Dial opens a connection to the given gateway URL.
func (WebsocketDialer) Dial(ctx context.Context, url string) (Conn, error) {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial gateway: %w", err)
	}
	return &wsConn{conn: ws}, nil
}

// wsConn adapts a gorilla connection to the Conn interface.
type wsConn struct {
	conn *websocket.Conn

	mu     sync.Mutex
	closed bool
}

func (c *wsConn) Read() (*envelope.Envelope, error) {
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		if ce, ok := err.(*websocket.CloseError); ok {
			return nil, &pulse.CloseError{Code: ce.Code, Text: ce.Text}
		}
		return nil, fmt.Errorf("%s: %w", pulse.ErrMsgConnectionClosed, err)
	}
	return envelope.Decode(data)
}

func (c *wsConn) Write(e *envelope.Envelope) error {
	data, err := envelope.Encode(e)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fmt.Errorf(pulse.ErrMsgConnectionClosed)
	}
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *wsConn) Close(code int, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true

	message := websocket.FormatCloseMessage(code, reason)
	deadline := time.Now().Add(time.Second)
	c.conn.WriteControl(websocket.CloseMessage, message, deadline)
	return c.conn.Close()
}
