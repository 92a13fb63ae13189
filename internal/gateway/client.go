package gateway

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
	sendBuffer = 256
)

// Frame is one outbound websocket message. The document channel uses
// binary frames, the event channel text frames, on the same socket.
type Frame struct {
	Type int // websocket.TextMessage or websocket.BinaryMessage
	Data []byte
}

// Client is one authenticated duplex connection. A user with several
// devices holds several clients.
type Client struct {
	ID     string
	UserID string
	Name   string
	Color  string

	conn *websocket.Conn
	send chan Frame

	closeOnce sync.Once
}

func NewClient(id, userID, name, color string, conn *websocket.Conn) *Client {
	return &Client{
		ID:     id,
		UserID: userID,
		Name:   name,
		Color:  color,
		conn:   conn,
		send:   make(chan Frame, sendBuffer),
	}
}

// Send queues a frame for delivery. Delivery is best effort: if the
// connection's buffer is full the frame is dropped rather than
// blocking the caller.
func (c *Client) Send(f Frame) {
	select {
	case c.send <- f:
	default:
		log.Printf("Dropping frame for connection %s, buffer full", c.ID)
	}
}

func (c *Client) SendBinary(p []byte) {
	c.Send(Frame{Type: websocket.BinaryMessage, Data: p})
}

func (c *Client) SendJSON(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		log.Printf("Failed to marshal frame for connection %s: %v", c.ID, err)
		return
	}
	c.Send(Frame{Type: websocket.TextMessage, Data: data})
}

// Outbound exposes the queued frames; the write pump is its normal
// consumer.
func (c *Client) Outbound() <-chan Frame {
	return c.send
}

// Close shuts the send channel once, which ends the write pump.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.send)
	})
}

// ReadPump consumes inbound frames, handing each to handle. It returns
// when the connection errors or closes; the caller runs disconnect
// cleanup after it returns.
func (c *Client) ReadPump(handle func(messageType int, data []byte)) {
	defer c.conn.Close()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("WebSocket error on connection %s: %v", c.ID, err)
			}
			return
		}
		handle(messageType, data)
	}
}

// WritePump drains the send channel and keeps the connection alive
// with pings.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(frame.Type, frame.Data); err != nil {
				log.Printf("Failed to write to connection %s: %v", c.ID, err)
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
