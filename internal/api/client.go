package api

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/qtmspin/alpaca-api-service-sub000/internal/events"
	"github.com/qtmspin/alpaca-api-service-sub000/internal/subscription"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
	sendBuffer     = 256
)

// Client is one downstream WebSocket connection. Only the hub run loop
// writes to or closes send.
type Client struct {
	id   string
	hub  *Hub
	conn *websocket.Conn
	send chan Message
	log  *slog.Logger

	// closed is set before the hub releases the client's interest.
	closed atomic.Bool

	mu       sync.Mutex
	market   map[subscription.Key]bool
	trading  map[events.Channel]bool
	received map[subscription.Key]bool // keys that already got their market_data snapshot
}

func newClient(id string, hub *Hub, conn *websocket.Conn) *Client {
	return &Client{
		id:       id,
		hub:      hub,
		conn:     conn,
		send:     make(chan Message, sendBuffer),
		log:      hub.log.With("client", id),
		market:   make(map[subscription.Key]bool),
		trading:  make(map[events.Channel]bool),
		received: make(map[subscription.Key]bool),
	}
}

// wants reports whether ev belongs to a topic the client subscribed to.
func (c *Client) wants(t events.Topic) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t.Channel.MarketData() {
		return c.market[subscription.Key{Channel: t.Channel, Symbol: t.Symbol}]
	}
	return c.trading[t.Channel]
}

// firstDelivery marks k as delivered and reports whether it was the first time.
func (c *Client) firstDelivery(k subscription.Key) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.received[k] {
		return false
	}
	c.received[k] = true
	return true
}

func (c *Client) readPump() {
	defer func() {
		c.hub.leave(c)
		c.conn.Close()
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
				c.log.Info("client read error", "error", err)
			}
			return
		}
		c.hub.handleClientMessage(c, raw)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(msg); err != nil {
				c.log.Debug("client write error", "error", err)
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
