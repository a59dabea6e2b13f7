package events

import (
	"fmt"
	"time"
)

// Channel enumerates the topics carried by the bus. The first three are
// per-symbol market data channels that map one to one onto upstream
// subscription lists.
type Channel string

const (
	ChannelTrades       Channel = "trades"
	ChannelQuotes       Channel = "quotes"
	ChannelBars         Channel = "bars"
	ChannelTradeUpdates Channel = "trade_updates"
	ChannelPositions    Channel = "positions"
	ChannelArtificial   Channel = "artificial_orders"
	ChannelStatus       Channel = "connection_status"
)

// MarketData reports whether the channel is served by the market data stream.
func (c Channel) MarketData() bool {
	switch c {
	case ChannelTrades, ChannelQuotes, ChannelBars:
		return true
	}
	return false
}

// Known reports whether clients may subscribe to the channel.
func (c Channel) Known() bool {
	switch c {
	case ChannelTrades, ChannelQuotes, ChannelBars, ChannelTradeUpdates, ChannelPositions, ChannelArtificial:
		return true
	}
	return false
}

// AnySymbol subscribes to every symbol of a channel.
const AnySymbol = "*"

// Topic is the routing key of the bus: a channel plus a symbol.
type Topic struct {
	Channel Channel
	Symbol  string
}

func (t Topic) String() string {
	return fmt.Sprintf("%s:%s", t.Channel, t.Symbol)
}

// Event is anything that can be published on the bus.
type Event interface {
	Topic() Topic
}

type Trade struct {
	Symbol    string    `json:"symbol"`
	Price     float64   `json:"price"`
	Size      float64   `json:"size"`
	Exchange  string    `json:"exchange,omitempty"`
	ID        int64     `json:"id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

func (t Trade) Topic() Topic { return Topic{Channel: ChannelTrades, Symbol: t.Symbol} }

type Quote struct {
	Symbol    string    `json:"symbol"`
	BidPrice  float64   `json:"bid"`
	BidSize   float64   `json:"bidSize"`
	AskPrice  float64   `json:"ask"`
	AskSize   float64   `json:"askSize"`
	Timestamp time.Time `json:"timestamp"`
}

func (q Quote) Topic() Topic { return Topic{Channel: ChannelQuotes, Symbol: q.Symbol} }

type Bar struct {
	Symbol    string    `json:"symbol"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    float64   `json:"volume"`
	Timestamp time.Time `json:"timestamp"`
}

func (b Bar) Topic() Topic { return Topic{Channel: ChannelBars, Symbol: b.Symbol} }

// OrderEvent is a normalized trade_updates message from the trading stream.
type OrderEvent struct {
	Event          string    `json:"event"`
	OrderID        string    `json:"orderId"`
	ClientOrderID  string    `json:"clientOrderId,omitempty"`
	Symbol         string    `json:"symbol"`
	Side           string    `json:"side"`
	Type           string    `json:"type"`
	Status         string    `json:"status"`
	Qty            float64   `json:"qty"`
	FilledQty      float64   `json:"filledQty"`
	FilledAvgPrice float64   `json:"filledAvgPrice,omitempty"`
	Price          float64   `json:"price,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

func (o OrderEvent) Topic() Topic { return Topic{Channel: ChannelTradeUpdates, Symbol: o.Symbol} }

// PositionEvent is derived from fills that carry the resulting position.
type PositionEvent struct {
	Symbol    string    `json:"symbol"`
	Qty       float64   `json:"qty"`
	Price     float64   `json:"price"`
	OrderID   string    `json:"orderId,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

func (p PositionEvent) Topic() Topic { return Topic{Channel: ChannelPositions, Symbol: p.Symbol} }

// ArtificialOrderUpdate is published on every synthetic order transition.
type ArtificialOrderUpdate struct {
	ID             string    `json:"id"`
	Symbol         string    `json:"symbol"`
	Side           string    `json:"side"`
	OrderType      string    `json:"orderType"`
	Qty            float64   `json:"qty"`
	TriggerPrice   float64   `json:"triggerPrice"`
	LimitPrice     float64   `json:"limitPrice,omitempty"`
	Status         string    `json:"status"`
	PreviousStatus string    `json:"previousStatus,omitempty"`
	TriggeredPrice float64   `json:"triggeredPrice,omitempty"`
	BrokerOrderID  string    `json:"executedBrokerOrderId,omitempty"`
	FailureReason  string    `json:"failureReason,omitempty"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

func (a ArtificialOrderUpdate) Topic() Topic {
	return Topic{Channel: ChannelArtificial, Symbol: a.Symbol}
}

type StreamStatus struct {
	Connected     bool   `json:"connected"`
	Authenticated bool   `json:"authenticated"`
	Error         string `json:"error,omitempty"`
}

// ConnectionStatus is the aggregate state of both upstream streams.
type ConnectionStatus struct {
	MarketData    StreamStatus `json:"marketData"`
	TradingEvents StreamStatus `json:"tradingEvents"`
	LastUpdated   time.Time    `json:"lastUpdated"`
}

func (ConnectionStatus) Topic() Topic { return Topic{Channel: ChannelStatus, Symbol: AnySymbol} }
