package statusfeed

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/a5revive/activator/internal/orchestrator"
)

const (
	clientSendBuffer = 32
	writeTimeout     = 10 * time.Second
	pongTimeout      = 60 * time.Second
	pingInterval     = 30 * time.Second
	maxInboundBytes  = 4 * 1024
)

// client is one WebSocket subscriber. Events flow outward only; the read
// side exists to detect disconnects and answer pings.
type client struct {
	feed *Feed
	conn *websocket.Conn
	send chan orchestrator.Event

	done      chan struct{}
	closeOnce sync.Once
}

func newClient(f *Feed, conn *websocket.Conn) *client {
	return &client{
		feed: f,
		conn: conn,
		send: make(chan orchestrator.Event, clientSendBuffer),
		done: make(chan struct{}),
	}
}

// signalClose asks the pumps to shut down. Safe to call more than once; only
// the done channel is closed so concurrent sends never race a channel close.
func (c *client) signalClose() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return

		case ev := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			data, err := json.Marshal(ev)
			if err != nil {
				log.Printf("statusfeed: marshal event: %v", err)
				continue
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *client) readPump() {
	defer func() {
		c.feed.dropClient(c)
		c.signalClose()
	}()

	c.conn.SetReadLimit(maxInboundBytes)
	c.conn.SetReadDeadline(time.Now().Add(pongTimeout))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongTimeout))
		return nil
	})

	for {
		// Subscribers have nothing to say; any inbound payload is ignored
		// and only the error matters.
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseNormalClosure,
				websocket.CloseAbnormalClosure) {
				log.Printf("statusfeed: read: %v", err)
			}
			return
		}
	}
}
