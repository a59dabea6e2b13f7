package api

import (
	"encoding/json"
	"log/slog"
	"strings"
	"sync"

	"github.com/qtmspin/alpaca-api-service-sub000/internal/events"
	"github.com/qtmspin/alpaca-api-service-sub000/internal/monitor"
	"github.com/qtmspin/alpaca-api-service-sub000/internal/subscription"
)

// Outbound message types.
const (
	TypeSubscriptionSuccess = "subscription_success"
	TypeSubscriptionError   = "subscription_error"
	TypeMarketData          = "market_data"
	TypeMarketDataUpdate    = "market_data_update"
	TypeOrderUpdate         = "order_update"
	TypePositionUpdate      = "position_update"
	TypeArtificialUpdate    = "artificial_order_update"
	TypeConnectionStatus    = "connection_status"
	TypeError               = "error"
)

// Message is the envelope of everything sent to a client.
type Message struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

// ClientRequest is a subscribe or unsubscribe command from a client.
type ClientRequest struct {
	Action   string   `json:"action"`
	Channels []string `json:"channels"`
	Symbols  []string `json:"symbols"`
}

// SubscriptionPayload answers one channel or (channel, symbol) of a request.
type SubscriptionPayload struct {
	Channel string `json:"channel,omitempty"`
	Symbol  string `json:"symbol,omitempty"`
	Message string `json:"message"`
}

type ErrorPayload struct {
	Message string `json:"message"`
}

// MarketPayload carries one trade, quote or bar.
type MarketPayload struct {
	Channel events.Channel `json:"channel"`
	Symbol  string         `json:"symbol"`
	Data    events.Event   `json:"data"`
}

type direct struct {
	client *Client
	msg    Message
}

// Hub fans bus events out to the clients subscribed to them. The run loop
// owns the client set; bus handlers only enqueue.
type Hub struct {
	bus    *events.Bus
	mux    *subscription.Multiplexer
	status func() events.ConnectionStatus
	log    *slog.Logger

	register   chan *Client
	unregister chan *Client
	broadcast  chan events.Event
	direct     chan direct
	done       chan struct{}
	stopped    chan struct{}

	clients map[*Client]struct{}
	tokens  []events.Token
	started bool
	stop    sync.Once
}

// NewHub wires a hub; status supplies the snapshot sent to each new client.
func NewHub(bus *events.Bus, mux *subscription.Multiplexer, status func() events.ConnectionStatus, logger *slog.Logger) *Hub {
	return &Hub{
		bus:        bus,
		mux:        mux,
		status:     status,
		log:        logger.With("component", "hub"),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan events.Event, 4096),
		direct:     make(chan direct, 256),
		done:       make(chan struct{}),
		stopped:    make(chan struct{}),
		clients:    make(map[*Client]struct{}),
	}
}

// Start subscribes to the bus and runs the hub loop.
func (h *Hub) Start() {
	for _, ch := range []events.Channel{
		events.ChannelTrades, events.ChannelQuotes, events.ChannelBars,
		events.ChannelTradeUpdates, events.ChannelPositions, events.ChannelArtificial,
		events.ChannelStatus,
	} {
		h.tokens = append(h.tokens, h.bus.Subscribe(events.Topic{Channel: ch, Symbol: events.AnySymbol}, h.enqueue))
	}
	h.started = true
	go h.run()
}

// Stop disconnects every client.
func (h *Hub) Stop() {
	h.stop.Do(func() {
		for _, tok := range h.tokens {
			h.bus.Unsubscribe(tok)
		}
		h.tokens = nil
		close(h.done)
		if h.started {
			<-h.stopped
		}
	})
}

// enqueue runs on the publisher's goroutine and never blocks it.
func (h *Hub) enqueue(ev events.Event) {
	select {
	case h.broadcast <- ev:
	default:
		monitor.DownstreamDrops.Inc()
	}
}

func (h *Hub) run() {
	defer close(h.stopped)
	for {
		select {
		case c := <-h.register:
			h.clients[c] = struct{}{}
			monitor.DownstreamClients.Set(float64(len(h.clients)))
			h.deliver(c, Message{Type: TypeConnectionStatus, Payload: h.status()})
			h.log.Info("client connected", "client", c.id, "clients", len(h.clients))

		case c := <-h.unregister:
			h.drop(c)

		case d := <-h.direct:
			if _, ok := h.clients[d.client]; ok {
				h.deliver(d.client, d.msg)
			}

		case ev := <-h.broadcast:
			h.fanout(ev)

		case <-h.done:
			for c := range h.clients {
				h.drop(c)
			}
			return
		}
	}
}

func (h *Hub) fanout(ev events.Event) {
	topic := ev.Topic()
	switch e := ev.(type) {
	case events.ConnectionStatus:
		for c := range h.clients {
			h.deliver(c, Message{Type: TypeConnectionStatus, Payload: e})
		}
	case events.Trade, events.Quote, events.Bar:
		key := subscription.Key{Channel: topic.Channel, Symbol: topic.Symbol}
		for c := range h.clients {
			if !c.wants(topic) {
				continue
			}
			typ := TypeMarketDataUpdate
			if c.firstDelivery(key) {
				typ = TypeMarketData
			}
			h.deliver(c, Message{Type: typ, Payload: MarketPayload{Channel: topic.Channel, Symbol: topic.Symbol, Data: ev}})
		}
	default:
		typ := messageType(topic.Channel)
		for c := range h.clients {
			if c.wants(topic) {
				h.deliver(c, Message{Type: typ, Payload: ev})
			}
		}
	}
}

func messageType(ch events.Channel) string {
	switch ch {
	case events.ChannelTradeUpdates:
		return TypeOrderUpdate
	case events.ChannelPositions:
		return TypePositionUpdate
	default:
		return TypeArtificialUpdate
	}
}

// deliver must only be called from the run loop. A client whose buffer is
// full is disconnected.
func (h *Hub) deliver(c *Client, msg Message) {
	select {
	case c.send <- msg:
	default:
		monitor.DownstreamDrops.Inc()
		h.log.Warn("client too slow, disconnecting", "client", c.id)
		h.drop(c)
	}
}

func (h *Hub) drop(c *Client) {
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	c.closed.Store(true)
	close(c.send)
	h.mux.RemoveSubscriber(c.id)
	monitor.DownstreamClients.Set(float64(len(h.clients)))
	h.log.Info("client disconnected", "client", c.id, "clients", len(h.clients))
}

func (h *Hub) join(c *Client) bool {
	select {
	case h.register <- c:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) leave(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

func (h *Hub) reply(c *Client, msg Message) {
	select {
	case h.direct <- direct{client: c, msg: msg}:
	case <-h.done:
	}
}

// handleClientMessage runs on the client's read goroutine.
func (h *Hub) handleClientMessage(c *Client, raw []byte) {
	var req ClientRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		h.reply(c, Message{Type: TypeError, Payload: ErrorPayload{Message: "invalid message: " + err.Error()}})
		return
	}
	action := strings.ToLower(req.Action)
	if action != "subscribe" && action != "unsubscribe" {
		h.reply(c, Message{Type: TypeError, Payload: ErrorPayload{Message: "unknown action " + req.Action}})
		return
	}
	if len(req.Channels) == 0 {
		h.reply(c, Message{Type: TypeSubscriptionError, Payload: SubscriptionPayload{Message: "channels are required"}})
		return
	}

	for _, name := range req.Channels {
		ch := events.Channel(strings.ToLower(strings.TrimSpace(name)))
		switch {
		case ch.MarketData():
			h.marketRequest(c, action, ch, req.Symbols)
		case ch == events.ChannelTradeUpdates || ch == events.ChannelPositions || ch == events.ChannelArtificial:
			c.mu.Lock()
			if action == "subscribe" {
				c.trading[ch] = true
			} else {
				delete(c.trading, ch)
			}
			c.mu.Unlock()
			h.reply(c, Message{Type: TypeSubscriptionSuccess, Payload: SubscriptionPayload{Channel: string(ch), Message: action + "d"}})
		default:
			h.reply(c, Message{Type: TypeSubscriptionError, Payload: SubscriptionPayload{Channel: name, Message: "unknown channel"}})
		}
	}
}

func (h *Hub) marketRequest(c *Client, action string, ch events.Channel, symbols []string) {
	if len(symbols) == 0 {
		h.reply(c, Message{Type: TypeSubscriptionError, Payload: SubscriptionPayload{Channel: string(ch), Message: "symbols are required"}})
		return
	}
	var err error
	if action == "subscribe" {
		err = h.mux.AddInterest(c.id, ch, symbols)
	} else {
		err = h.mux.RemoveInterest(c.id, ch, symbols)
	}
	if err != nil {
		h.reply(c, Message{Type: TypeSubscriptionError, Payload: SubscriptionPayload{Channel: string(ch), Message: err.Error()}})
		return
	}
	if c.closed.Load() {
		h.mux.RemoveSubscriber(c.id)
		return
	}

	c.mu.Lock()
	for _, s := range symbols {
		k := subscription.Key{Channel: ch, Symbol: strings.ToUpper(strings.TrimSpace(s))}
		if action == "subscribe" {
			c.market[k] = true
		} else {
			delete(c.market, k)
			delete(c.received, k)
		}
	}
	c.mu.Unlock()

	for _, s := range symbols {
		h.reply(c, Message{Type: TypeSubscriptionSuccess, Payload: SubscriptionPayload{
			Channel: string(ch),
			Symbol:  strings.ToUpper(strings.TrimSpace(s)),
			Message: action + "d",
		}})
	}
}
