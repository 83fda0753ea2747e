package presence

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
	sendBuffer     = 64
)

// Channel wraps one websocket connection as a registry Stream. Writes
// go through a buffered queue drained by a single writer goroutine; a
// full queue counts as a dead peer and fails the send.
type Channel struct {
	conn    *websocket.Conn
	send    chan []byte
	done    chan struct{}
	closeFn func()
	once    sync.Once
	log     *slog.Logger
}

// NewChannel adopts an upgraded connection. onClose runs exactly once
// when either pump exits; callers use it to unsubscribe the stream.
func NewChannel(conn *websocket.Conn, onClose func(), log *slog.Logger) *Channel {
	if log == nil {
		log = slog.Default()
	}
	return &Channel{
		conn:    conn,
		send:    make(chan []byte, sendBuffer),
		done:    make(chan struct{}),
		closeFn: onClose,
		log:     log,
	}
}

// Send queues an event for the writer goroutine. It never blocks: a
// full buffer or a closed channel fails the send and the registry
// drops the stream.
func (c *Channel) Send(event any) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	select {
	case <-c.done:
		return websocket.ErrCloseSent
	default:
	}
	select {
	case c.send <- data:
		return nil
	default:
		return websocket.ErrCloseSent
	}
}

// Close tears the connection down. Safe to call more than once.
func (c *Channel) Close() {
	c.once.Do(func() {
		close(c.done)
		c.conn.Close()
		if c.closeFn != nil {
			c.closeFn()
		}
	})
}

// Run starts both pumps and blocks until the connection dies. onMessage
// receives each inbound text frame already parsed as JSON; heartbeat
// frames are answered in place and never reach the callback.
func (c *Channel) Run(onMessage func(msg map[string]any)) {
	go c.writePump()
	c.readPump(onMessage)
}

func (c *Channel) readPump(onMessage func(msg map[string]any)) {
	defer c.Close()
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Debug("websocket read error", "error", err)
			}
			return
		}
		var msg map[string]any
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		if msg["type"] == "heartbeat" {
			c.Send(map[string]any{"type": "heartbeat_ack", "timestamp": time.Now().UTC()})
			continue
		}
		if onMessage != nil {
			onMessage(msg)
		}
	}
}

func (c *Channel) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()
	for {
		select {
		case data := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}
