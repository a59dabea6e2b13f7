package monitor

import (
	"log/slog"
	"sync"

	"github.com/qtmspin/alpaca-api-service-sub000/internal/events"
)

// AlertSink is a pluggable alert delivery target.
type AlertSink interface {
	Send(message string) error
}

// LogSink writes alerts to the structured log.
type LogSink struct {
	Logger *slog.Logger
}

func (s LogSink) Send(message string) error {
	s.Logger.Warn("alert", "message", message)
	return nil
}

// Monitor watches the bus and raises alerts for stream errors and failed
// synthetic orders.
type Monitor struct {
	Bus  *events.Bus
	Sink AlertSink
	Log  *slog.Logger

	mu     sync.Mutex
	tokens []events.Token
	last   events.ConnectionStatus
}

func (m *Monitor) Start() {
	if m.Bus == nil || m.Sink == nil {
		if m.Log != nil {
			m.Log.Info("monitor not fully configured; skipping")
		}
		return
	}
	m.tokens = append(m.tokens,
		m.Bus.Subscribe(events.Topic{Channel: events.ChannelStatus, Symbol: events.AnySymbol}, m.onStatus),
		m.Bus.Subscribe(events.Topic{Channel: events.ChannelArtificial, Symbol: events.AnySymbol}, m.onArtificial),
	)
}

func (m *Monitor) Stop() {
	for _, tok := range m.tokens {
		m.Bus.Unsubscribe(tok)
	}
	m.tokens = nil
}

func (m *Monitor) onStatus(ev events.Event) {
	st, ok := ev.(events.ConnectionStatus)
	if !ok {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if st.MarketData.Error != "" && st.MarketData.Error != m.last.MarketData.Error {
		m.send("market data stream: " + st.MarketData.Error)
	}
	if st.TradingEvents.Error != "" && st.TradingEvents.Error != m.last.TradingEvents.Error {
		m.send("trading events stream: " + st.TradingEvents.Error)
	}
	m.last = st
}

func (m *Monitor) onArtificial(ev events.Event) {
	u, ok := ev.(events.ArtificialOrderUpdate)
	if !ok || u.Status != "failed" {
		return
	}
	m.send("artificial order " + u.ID + " (" + u.Symbol + ") failed: " + u.FailureReason)
}

func (m *Monitor) send(msg string) {
	if err := m.Sink.Send(msg); err != nil && m.Log != nil {
		m.Log.Error("alert delivery failed", "error", err)
	}
}
