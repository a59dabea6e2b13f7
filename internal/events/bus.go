package events

import (
	"sync"
)

// Handler receives events published on a topic. Handlers run on the
// publisher's goroutine and must not block.
type Handler func(Event)

// Token identifies a subscription for Unsubscribe.
type Token uint64

type subscription struct {
	topic   Topic
	handler Handler
}

// Bus is a typed pub/sub broker keyed by (channel, symbol).
type Bus struct {
	mu     sync.RWMutex
	nextID Token
	subs   map[Topic]map[Token]Handler
	byTok  map[Token]subscription
}

// NewBus creates an event bus.
func NewBus() *Bus {
	return &Bus{
		subs:  make(map[Topic]map[Token]Handler),
		byTok: make(map[Token]subscription),
	}
}

// Subscribe registers handler for topic. A topic whose Symbol is AnySymbol
// receives every event of its channel.
func (b *Bus) Subscribe(topic Topic, handler Handler) Token {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	tok := b.nextID
	hs, ok := b.subs[topic]
	if !ok {
		hs = make(map[Token]Handler)
		b.subs[topic] = hs
	}
	hs[tok] = handler
	b.byTok[tok] = subscription{topic: topic, handler: handler}
	return tok
}

// Unsubscribe removes a subscription. Unknown tokens are ignored.
func (b *Bus) Unsubscribe(tok Token) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub, ok := b.byTok[tok]
	if !ok {
		return
	}
	delete(b.byTok, tok)
	hs := b.subs[sub.topic]
	delete(hs, tok)
	if len(hs) == 0 {
		delete(b.subs, sub.topic)
	}
}

// Publish delivers ev to the subscribers of its exact topic and to the
// channel-wide subscribers. Delivery is synchronous so events from one
// publisher arrive in order.
func (b *Bus) Publish(ev Event) {
	topic := ev.Topic()

	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.subs[topic]))
	for _, h := range b.subs[topic] {
		handlers = append(handlers, h)
	}
	if topic.Symbol != AnySymbol {
		for _, h := range b.subs[Topic{Channel: topic.Channel, Symbol: AnySymbol}] {
			handlers = append(handlers, h)
		}
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		h(ev)
	}
}

// Subscribers returns the number of handlers registered on topic.
func (b *Bus) Subscribers(topic Topic) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[topic])
}
