package ws

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ErrSlowConsumer is returned by Send when the client's queue is full.
var ErrSlowConsumer = errors.New("websocket client too slow")

const (
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512
)

// Client represents a websocket client connection. Writes happen on a single
// goroutine fed by a bounded queue.
type Client struct {
	conn      *websocket.Conn
	log       *slog.Logger
	send      chan []byte
	writeWait time.Duration
	closeOnce sync.Once
	done      chan struct{}
}

// NewClient constructs a client wrapper and starts its writer.
func NewClient(conn *websocket.Conn, logger *slog.Logger, buffer int, writeWait time.Duration) *Client {
	if buffer <= 0 {
		buffer = 64
	}
	if writeWait <= 0 {
		writeWait = 10 * time.Second
	}
	c := &Client{
		conn:      conn,
		log:       logger,
		send:      make(chan []byte, buffer),
		writeWait: writeWait,
		done:      make(chan struct{}),
	}
	go c.writePump()
	return c
}

// Send queues a message for the connection.
func (c *Client) Send(payload []byte) error {
	select {
	case <-c.done:
		return websocket.ErrCloseSent
	default:
	}
	select {
	case c.send <- payload:
		return nil
	default:
		c.log.Warn("websocket send queue full")
		return ErrSlowConsumer
	}
}

// Close terminates the connection.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

// Done is closed once the connection is shut down.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// ReadLoop discards inbound messages and keeps the pong deadline fresh. It
// returns when the peer disconnects.
func (c *Client) ReadLoop() {
	defer c.Close()
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Debug("websocket read failed", "error", err)
			}
			return
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()
	for {
		select {
		case <-c.done:
			return
		case payload := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				c.log.Warn("websocket send failed", "error", err)
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
