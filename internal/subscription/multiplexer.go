// Package subscription shares one upstream market data subscription per
// (channel, symbol) among any number of local subscribers.
package subscription

import (
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/qtmspin/alpaca-api-service-sub000/internal/apperr"
	"github.com/qtmspin/alpaca-api-service-sub000/internal/events"
	"github.com/qtmspin/alpaca-api-service-sub000/internal/monitor"
)

// Key is the unit of upstream subscription.
type Key struct {
	Channel events.Channel `json:"channel"`
	Symbol  string         `json:"symbol"`
}

// Upstream is the market data connection.
type Upstream interface {
	Ready() bool
	Send(v any) error
}

// Message is the upstream subscribe/unsubscribe frame.
type Message struct {
	Action string   `json:"action"`
	Trades []string `json:"trades,omitempty"`
	Quotes []string `json:"quotes,omitempty"`
	Bars   []string `json:"bars,omitempty"`
}

func (m Message) empty() bool {
	return len(m.Trades) == 0 && len(m.Quotes) == 0 && len(m.Bars) == 0
}

// Multiplexer ref-counts interest per key. Subscribe goes upstream only on a
// 0 to 1 transition and unsubscribe only on 1 to 0.
type Multiplexer struct {
	mu       sync.Mutex
	refs     map[Key]map[string]struct{}
	upstream Upstream
	log      *slog.Logger
}

func NewMultiplexer(upstream Upstream, logger *slog.Logger) *Multiplexer {
	return &Multiplexer{
		refs:     make(map[Key]map[string]struct{}),
		upstream: upstream,
		log:      logger.With("component", "subscription"),
	}
}

// SetUpstream swaps the upstream connection; used when wiring cycles.
func (m *Multiplexer) SetUpstream(u Upstream) {
	m.mu.Lock()
	m.upstream = u
	m.mu.Unlock()
}

// AddInterest registers subscriber for channel on every symbol.
func (m *Multiplexer) AddInterest(subscriber string, channel events.Channel, symbols []string) error {
	syms, err := normalize(channel, symbols)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var added []Key
	for _, sym := range syms {
		k := Key{Channel: channel, Symbol: sym}
		subs, ok := m.refs[k]
		if !ok {
			subs = make(map[string]struct{})
			m.refs[k] = subs
		}
		if _, dup := subs[subscriber]; dup {
			continue
		}
		subs[subscriber] = struct{}{}
		if len(subs) == 1 {
			added = append(added, k)
		}
	}
	m.sendLocked("subscribe", added)
	return nil
}

// RemoveInterest drops subscriber from channel on every symbol. Removing
// interest that was never registered is a no-op.
func (m *Multiplexer) RemoveInterest(subscriber string, channel events.Channel, symbols []string) error {
	syms, err := normalize(channel, symbols)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var removed []Key
	for _, sym := range syms {
		k := Key{Channel: channel, Symbol: sym}
		if m.dropLocked(k, subscriber) {
			removed = append(removed, k)
		}
	}
	m.sendLocked("unsubscribe", removed)
	return nil
}

// RemoveSubscriber drops every interest held by subscriber.
func (m *Multiplexer) RemoveSubscriber(subscriber string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var removed []Key
	for k, subs := range m.refs {
		if _, ok := subs[subscriber]; !ok {
			continue
		}
		if m.dropLocked(k, subscriber) {
			removed = append(removed, k)
		}
	}
	m.sendLocked("unsubscribe", removed)
}

// Resubscribe re-issues subscribe for every live key, after a reconnect.
func (m *Multiplexer) Resubscribe() {
	m.mu.Lock()
	defer m.mu.Unlock()

	keys := make([]Key, 0, len(m.refs))
	for k := range m.refs {
		keys = append(keys, k)
	}
	if len(keys) > 0 {
		m.log.Info("resubscribing after reconnect", "keys", len(keys))
	}
	m.sendLocked("subscribe", keys)
}

// IsSubscribed reports whether k is held upstream.
func (m *Multiplexer) IsSubscribed(k Key) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.refs[k]) > 0
}

// Usage is one live upstream key and how many local subscribers hold it.
type Usage struct {
	Channel     events.Channel `json:"channel"`
	Symbol      string         `json:"symbol"`
	Subscribers int            `json:"subscribers"`
}

// Snapshot lists every live key ordered by channel, then symbol.
func (m *Multiplexer) Snapshot() []Usage {
	m.mu.Lock()
	out := make([]Usage, 0, len(m.refs))
	for k, subs := range m.refs {
		out = append(out, Usage{Channel: k.Channel, Symbol: k.Symbol, Subscribers: len(subs)})
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Channel != out[j].Channel {
			return out[i].Channel < out[j].Channel
		}
		return out[i].Symbol < out[j].Symbol
	})
	return out
}

func (m *Multiplexer) dropLocked(k Key, subscriber string) bool {
	subs, ok := m.refs[k]
	if !ok {
		return false
	}
	if _, ok := subs[subscriber]; !ok {
		return false
	}
	delete(subs, subscriber)
	if len(subs) > 0 {
		return false
	}
	delete(m.refs, k)
	return true
}

// sendLocked holds the lock across the write so subscribe and unsubscribe
// for one key reach the upstream in the order the table changed.
func (m *Multiplexer) sendLocked(action string, keys []Key) {
	monitor.UpstreamSubscriptions.Set(float64(len(m.refs)))
	msg := buildMessage(action, keys)
	if msg.empty() {
		return
	}
	if m.upstream == nil || !m.upstream.Ready() {
		m.log.Debug("upstream not ready, deferring until resubscribe", "action", action, "keys", len(keys))
		return
	}
	if err := m.upstream.Send(msg); err != nil {
		m.log.Warn("upstream subscription message failed", "action", action, "error", err)
	}
}

func buildMessage(action string, keys []Key) Message {
	msg := Message{Action: action}
	for _, k := range keys {
		switch k.Channel {
		case events.ChannelTrades:
			msg.Trades = append(msg.Trades, k.Symbol)
		case events.ChannelQuotes:
			msg.Quotes = append(msg.Quotes, k.Symbol)
		case events.ChannelBars:
			msg.Bars = append(msg.Bars, k.Symbol)
		}
	}
	sort.Strings(msg.Trades)
	sort.Strings(msg.Quotes)
	sort.Strings(msg.Bars)
	return msg
}

func normalize(channel events.Channel, symbols []string) ([]string, error) {
	if !channel.MarketData() {
		return nil, apperr.Invalid("channel", "unsupported market data channel %q", channel)
	}
	out := make([]string, 0, len(symbols))
	seen := make(map[string]bool, len(symbols))
	for _, s := range symbols {
		sym := strings.ToUpper(strings.TrimSpace(s))
		if sym == "" {
			return nil, apperr.Invalid("symbols", "symbol must not be empty")
		}
		if !seen[sym] {
			seen[sym] = true
			out = append(out, sym)
		}
	}
	return out, nil
}
