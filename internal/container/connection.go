package container

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	connMaxPayloadBytes = 1 << 20
	connPongWait        = 45 * time.Second
	connPingInterval    = 15 * time.Second
	connWriteWait       = 10 * time.Second
)

// Connection is the gateway's client-side half of the harness WebSocket
// protocol: one JSON frame per message, read and write pumps running on
// their own goroutines. Adapted from the server-side control-plane session
// pattern (SetReadLimit/SetReadDeadline/SetPongHandler on read, a buffered
// send channel drained by a dedicated writer with SetWriteDeadline on
// write), flipped from a server role to a client dialing the container.
type Connection struct {
	conn   *websocket.Conn
	send   chan []byte
	ctx    context.Context
	cancel context.CancelFunc

	closeOnce sync.Once
}

// Dial opens a client WebSocket connection to the harness at addr
// (ws://<container-ip>:<port>).
func Dial(ctx context.Context, addr string) (*Connection, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, addr, nil)
	if err != nil {
		return nil, fmt.Errorf("dial harness at %s: %w", addr, err)
	}

	connCtx, cancel := context.WithCancel(context.Background())
	c := &Connection{
		conn:   conn,
		send:   make(chan []byte, 256),
		ctx:    connCtx,
		cancel: cancel,
	}
	return c, nil
}

// ReadLoop reads frames until the connection closes or ctx is cancelled,
// invoking onFrame for each one. It blocks; callers run it in its own
// goroutine. onError is invoked once, with the terminal error, before
// ReadLoop returns.
func (c *Connection) ReadLoop(onFrame func([]byte), onError func(error)) {
	c.conn.SetReadLimit(connMaxPayloadBytes)
	_ = c.conn.SetReadDeadline(time.Now().Add(connPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(connPongWait))
	})

	go c.writeLoop()
	go c.pingLoop()

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			if onError != nil {
				onError(err)
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		onFrame(data)
	}
}

func (c *Connection) writeLoop() {
	for {
		select {
		case <-c.ctx.Done():
			return
		case msg, ok := <-c.send:
			if !ok {
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(connWriteWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		}
	}
}

func (c *Connection) pingLoop() {
	ticker := time.NewTicker(connPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(connWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Send enqueues a JSON frame for delivery. It does not block on the network;
// a full send buffer is treated as a backpressure failure.
func (c *Connection) Send(frame []byte) error {
	if len(frame) > connMaxPayloadBytes {
		return fmt.Errorf("frame exceeds max payload of %d bytes", connMaxPayloadBytes)
	}
	if c.ctx.Err() != nil {
		return fmt.Errorf("harness connection closed")
	}
	select {
	case c.send <- frame:
		return nil
	default:
		return fmt.Errorf("harness connection send buffer full")
	}
}

// Close tears down the connection and both pumps. Safe to call more than once.
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.cancel()
		close(c.send)
		err = c.conn.Close()
	})
	return err
}
