// Package gateway owns the two upstream streams, their health monitors and
// the aggregate connection status.
package gateway

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/qtmspin/alpaca-api-service-sub000/internal/apperr"
	"github.com/qtmspin/alpaca-api-service-sub000/internal/events"
	"github.com/qtmspin/alpaca-api-service-sub000/internal/router"
	"github.com/qtmspin/alpaca-api-service-sub000/internal/stream"
	"github.com/qtmspin/alpaca-api-service-sub000/internal/subscription"
)

// Config holds the upstream endpoints and supervision timings.
type Config struct {
	MarketDataURL        string
	TradingURL           string
	Key                  string
	Secret               string
	ConnectTimeout       time.Duration
	HealthInterval       time.Duration
	PongTimeout          time.Duration
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	MaxReconnectAttempts int
}

// Gateway connects market data and trading events to the bus.
type Gateway struct {
	bus     *events.Bus
	mux     *subscription.Multiplexer
	router  *router.Router
	log     *slog.Logger
	market  *stream.Connection
	trading *stream.Connection
	health  map[stream.Type]*stream.HealthMonitor

	mu       sync.Mutex
	statuses map[stream.Type]stream.Status
	updated  time.Time
	pubMu    sync.Mutex
}

func New(cfg Config, bus *events.Bus, mux *subscription.Multiplexer, logger *slog.Logger, opts ...stream.Option) *Gateway {
	g := &Gateway{
		bus:      bus,
		mux:      mux,
		router:   router.New(bus, logger),
		log:      logger.With("component", "gateway"),
		health:   make(map[stream.Type]*stream.HealthMonitor, 2),
		statuses: make(map[stream.Type]stream.Status, 2),
		updated:  time.Now(),
	}

	policy := func() *stream.ReconnectPolicy {
		return stream.NewReconnectPolicy(cfg.ReconnectBaseDelay, cfg.ReconnectMaxDelay, cfg.MaxReconnectAttempts)
	}

	g.market = stream.NewConnection(stream.Config{
		Type:           stream.MarketData,
		URL:            cfg.MarketDataURL,
		Key:            cfg.Key,
		Secret:         cfg.Secret,
		ConnectTimeout: cfg.ConnectTimeout,
	}, policy(), stream.Hooks{
		OnFrame:         func(f []byte) { g.router.HandleMarketData(f) },
		OnStatus:        g.onStatus,
		OnAuthenticated: g.mux.Resubscribe,
		OnPong:          func() { g.pong(stream.MarketData) },
	}, logger, opts...)

	g.trading = stream.NewConnection(stream.Config{
		Type:           stream.TradingEvents,
		URL:            cfg.TradingURL,
		Key:            cfg.Key,
		Secret:         cfg.Secret,
		ConnectTimeout: cfg.ConnectTimeout,
	}, policy(), stream.Hooks{
		OnFrame:         func(f []byte) { g.router.HandleTradingEvent(f) },
		OnStatus:        g.onStatus,
		OnAuthenticated: g.listen,
		OnPong:          func() { g.pong(stream.TradingEvents) },
	}, logger, opts...)

	g.health[stream.MarketData] = stream.NewHealthMonitor(g.market, cfg.HealthInterval, cfg.PongTimeout, logger, opts...)
	g.health[stream.TradingEvents] = stream.NewHealthMonitor(g.trading, cfg.HealthInterval, cfg.PongTimeout, logger, opts...)

	g.statuses[stream.MarketData] = g.market.Status()
	g.statuses[stream.TradingEvents] = g.trading.Status()

	mux.SetUpstream(g.market)
	return g
}

// Start dials both streams and starts their health monitors.
func (g *Gateway) Start(ctx context.Context) {
	g.market.Start(ctx)
	g.trading.Start(ctx)
	for _, h := range g.health {
		h.Start(ctx)
	}
	g.log.Info("gateway started")
}

// Stop closes both streams cleanly; neither reconnects afterwards.
func (g *Gateway) Stop() {
	for _, h := range g.health {
		h.Stop()
	}
	g.market.Close()
	g.trading.Close()
	g.log.Info("gateway stopped")
}

// Restart clears a terminal failure and dials again. An empty type restarts both.
func (g *Gateway) Restart(t stream.Type) error {
	switch t {
	case stream.MarketData:
		g.market.Restart()
	case stream.TradingEvents:
		g.trading.Restart()
	case "":
		g.market.Restart()
		g.trading.Restart()
	default:
		return apperr.Invalid("stream", "unknown stream %q", t)
	}
	g.log.Info("stream restart requested", "stream", t)
	return nil
}

// Statuses returns the per-stream detail, market data first.
func (g *Gateway) Statuses() []stream.Status {
	return []stream.Status{g.market.Status(), g.trading.Status()}
}

// ConnectionStatus returns the last aggregate status.
func (g *Gateway) ConnectionStatus() events.ConnectionStatus {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.snapshotLocked()
}

// Ready reports whether both streams are authenticated.
func (g *Gateway) Ready() bool {
	return g.market.Ready() && g.trading.Ready()
}

func (g *Gateway) onStatus(st stream.Status) {
	g.pubMu.Lock()
	defer g.pubMu.Unlock()

	g.mu.Lock()
	g.statuses[st.Type] = st
	g.updated = time.Now()
	snap := g.snapshotLocked()
	g.mu.Unlock()

	g.bus.Publish(snap)
}

func (g *Gateway) snapshotLocked() events.ConnectionStatus {
	return events.ConnectionStatus{
		MarketData:    toStreamStatus(g.statuses[stream.MarketData]),
		TradingEvents: toStreamStatus(g.statuses[stream.TradingEvents]),
		LastUpdated:   g.updated,
	}
}

func toStreamStatus(st stream.Status) events.StreamStatus {
	return events.StreamStatus{
		Connected:     st.State.Up(),
		Authenticated: st.State == stream.StateAuthenticated,
		Error:         st.Err,
	}
}

// listen asks the trading stream for order updates after every authentication.
func (g *Gateway) listen() {
	if err := g.trading.Send(stream.NewListenMessage("trade_updates")); err != nil {
		g.log.Warn("listen request failed", "error", err)
	}
}

func (g *Gateway) pong(t stream.Type) {
	if h := g.health[t]; h != nil {
		h.Pong()
	}
}
