// Package router turns raw upstream frames into typed events and publishes
// them on the bus.
package router

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/qtmspin/alpaca-api-service-sub000/internal/events"
	"github.com/qtmspin/alpaca-api-service-sub000/internal/monitor"
)

var errInvalidJSON = errors.New("invalid json")

// Router normalizes frames. Malformed frames are logged and dropped; they
// never affect the connection.
type Router struct {
	bus *events.Bus
	log *slog.Logger
}

func New(bus *events.Bus, logger *slog.Logger) *Router {
	return &Router{bus: bus, log: logger.With("component", "router")}
}

// HandleMarketData routes one market data frame. It returns the number of
// events published.
func (r *Router) HandleMarketData(frame []byte) int {
	items, err := splitFrame(frame)
	if err != nil {
		r.drop("market_data", frame, err)
		return 0
	}
	published := 0
	for _, raw := range items {
		ev, err := parseMarket(raw)
		if err != nil {
			r.drop("market_data", raw, err)
			continue
		}
		if ev == nil {
			continue
		}
		r.bus.Publish(ev)
		published++
	}
	return published
}

func parseMarket(raw json.RawMessage) (events.Event, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, err
	}
	switch env.Type {
	case "t":
		var m tradeMsg
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, err
		}
		if m.Symbol == "" || m.Price <= 0 {
			return nil, fmt.Errorf("trade missing symbol or price")
		}
		return events.Trade{
			Symbol:    strings.ToUpper(m.Symbol),
			Price:     m.Price,
			Size:      m.Size,
			Exchange:  m.Exchange,
			ID:        m.ID,
			Timestamp: m.Timestamp,
		}, nil
	case "q":
		var m quoteMsg
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, err
		}
		if m.Symbol == "" {
			return nil, fmt.Errorf("quote missing symbol")
		}
		return events.Quote{
			Symbol:    strings.ToUpper(m.Symbol),
			BidPrice:  m.BidPrice,
			BidSize:   m.BidSize,
			AskPrice:  m.AskPrice,
			AskSize:   m.AskSize,
			Timestamp: m.Timestamp,
		}, nil
	case "b", "d", "u":
		var m barMsg
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, err
		}
		if m.Symbol == "" {
			return nil, fmt.Errorf("bar missing symbol")
		}
		return events.Bar{
			Symbol:    strings.ToUpper(m.Symbol),
			Open:      m.Open,
			High:      m.High,
			Low:       m.Low,
			Close:     m.Close,
			Volume:    m.Volume,
			Timestamp: m.Timestamp,
		}, nil
	case "success", "subscription":
		return nil, nil
	case "error":
		return nil, fmt.Errorf("upstream error %d: %s", env.Code, env.Msg)
	case "":
		return nil, fmt.Errorf("missing message type")
	default:
		// statuses, lulds and corrections are not routed
		return nil, nil
	}
}

// HandleTradingEvent routes one trading stream frame, single or
// array-wrapped. It returns the number of events published.
func (r *Router) HandleTradingEvent(frame []byte) int {
	items, err := splitFrame(frame)
	if err != nil {
		r.drop("trading_events", frame, err)
		return 0
	}
	published := 0
	for _, raw := range items {
		published += r.routeTradingMessage(raw)
	}
	return published
}

func (r *Router) routeTradingMessage(frame []byte) int {
	var msg tradingMessage
	if err := json.Unmarshal(frame, &msg); err != nil {
		r.drop("trading_events", frame, err)
		return 0
	}
	switch msg.Stream {
	case "trade_updates":
	case "authorization", "listening":
		r.log.Debug("trading stream control frame", "stream", msg.Stream, "data", string(msg.Data))
		return 0
	default:
		r.drop("trading_events", frame, fmt.Errorf("unknown stream %q", msg.Stream))
		return 0
	}

	var upd tradeUpdate
	if err := json.Unmarshal(msg.Data, &upd); err != nil {
		r.drop("trading_events", frame, err)
		return 0
	}
	if upd.Order.ID == "" || upd.Order.Symbol == "" {
		r.drop("trading_events", frame, fmt.Errorf("order update missing id or symbol"))
		return 0
	}

	ts := upd.Timestamp
	if ts.IsZero() {
		ts = upd.Order.UpdatedAt
	}
	symbol := strings.ToUpper(upd.Order.Symbol)
	r.bus.Publish(events.OrderEvent{
		Event:          upd.Event,
		OrderID:        upd.Order.ID,
		ClientOrderID:  upd.Order.ClientOrderID,
		Symbol:         symbol,
		Side:           upd.Order.Side,
		Type:           upd.Order.Type,
		Status:         upd.Order.Status,
		Qty:            float64(upd.Order.Qty),
		FilledQty:      float64(upd.Order.FilledQty),
		FilledAvgPrice: float64(upd.Order.FilledAvgPrice),
		Price:          float64(upd.Price),
		Timestamp:      ts,
	})
	published := 1

	if upd.PositionQty != nil && (upd.Event == "fill" || upd.Event == "partial_fill") {
		r.bus.Publish(events.PositionEvent{
			Symbol:    symbol,
			Qty:       float64(*upd.PositionQty),
			Price:     float64(upd.Price),
			OrderID:   upd.Order.ID,
			Timestamp: ts,
		})
		published++
	}
	return published
}

func (r *Router) drop(stream string, frame []byte, err error) {
	monitor.DroppedFrames.WithLabelValues(stream).Inc()
	const max = 512
	s := string(frame)
	if len(s) > max {
		s = s[:max] + "..."
	}
	r.log.Warn("dropping malformed frame", "stream", stream, "error", err, "frame", s)
}
