package broker

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"halo/internal/logs"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 90 * time.Second
	pingPeriod     = 30 * time.Second
	maxMessageSize = 64 * 1024
	sendBuffer     = 64
)

// wsConn — минимальный срез *websocket.Conn, чтобы тесты могли подставить фейк.
type wsConn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	Close() error
	SetReadLimit(limit int64)
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(string) error)
}

// client — одно websocket-подключение (display либо app).
type client struct {
	conn wsConn
	b    *Broker

	// Заполняются только из цикла брокера.
	role string
	room *room

	send      chan []byte
	closeOnce sync.Once
	closed    atomic.Bool

	remoteAddr string
}

func newClient(b *Broker, conn wsConn, remoteAddr string) *client {
	return &client{
		conn:       conn,
		b:          b,
		send:       make(chan []byte, sendBuffer),
		remoteAddr: remoteAddr,
	}
}

// trySend — fire-and-forget: переполненный буфер и закрытый канал не
// блокируют и не роняют вызывающего.
func (c *client) trySend(data []byte) (sent bool) {
	defer func() {
		if recover() != nil {
			sent = false
		}
	}()
	if c.closed.Load() {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		logs.Logger.Warnf("broker: send buffer full, dropping message for %s", c.remoteAddr)
		return false
	}
}

func (c *client) shutdown() {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.send)
	})
}

// readPump читает сокет и передаёт события в цикл брокера.
func (c *client) readPump() {
	defer func() {
		c.b.unregister <- c
		_ = c.conn.Close()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logs.Logger.Debugf("broker: read error from %s: %v", c.remoteAddr, err)
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		c.b.inbound <- inboundEvent{c: c, raw: raw}
	}
}

// writePump последовательно пишет исходящие и пингует соединение.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case data, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
