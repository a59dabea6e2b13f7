package artificial

import (
	"math"
	"strings"
	"time"

	"github.com/qtmspin/alpaca-api-service-sub000/internal/apperr"
	"github.com/qtmspin/alpaca-api-service-sub000/internal/events"
	"github.com/qtmspin/alpaca-api-service-sub000/pkg/broker"
)

// Status is the lifecycle of a synthetic order:
// pending -> triggered -> executed | failed, or pending -> canceled.
type Status string

const (
	StatusPending   Status = "pending"
	StatusTriggered Status = "triggered"
	StatusExecuted  Status = "executed"
	StatusCanceled  Status = "canceled"
	StatusFailed    Status = "failed"
)

// Terminal states are never left.
func (s Status) Terminal() bool {
	return s == StatusExecuted || s == StatusCanceled || s == StatusFailed
}

func ParseStatus(s string) (Status, error) {
	switch st := Status(strings.ToLower(strings.TrimSpace(s))); st {
	case StatusPending, StatusTriggered, StatusExecuted, StatusCanceled, StatusFailed:
		return st, nil
	default:
		return "", apperr.Invalid("status", "unknown status %q", s)
	}
}

// Order is a stop or stop-limit order simulated locally: once the trigger
// price is crossed a real market or limit order is sent to the broker.
type Order struct {
	ID                    string           `json:"id"`
	Symbol                string           `json:"symbol"`
	Side                  broker.Side      `json:"side"`
	Qty                   float64          `json:"qty"`
	OrderType             broker.OrderType `json:"orderType"`
	LimitPrice            float64          `json:"limitPrice,omitempty"`
	TriggerPrice          float64          `json:"triggerPrice"`
	Status                Status           `json:"status"`
	CreatedAt             time.Time        `json:"createdAt"`
	UpdatedAt             time.Time        `json:"updatedAt"`
	TriggeredPrice        float64          `json:"triggeredPrice,omitempty"`
	ExecutedBrokerOrderID string           `json:"executedBrokerOrderId,omitempty"`
	FailureReason         string           `json:"failureReason,omitempty"`
}

// CreateRequest is the input of Engine.Create.
type CreateRequest struct {
	Symbol       string  `json:"symbol"`
	Side         string  `json:"side"`
	Qty          float64 `json:"qty"`
	OrderType    string  `json:"orderType"`
	LimitPrice   float64 `json:"limitPrice"`
	TriggerPrice float64 `json:"triggerPrice"`
}

func (r CreateRequest) validate() (Order, error) {
	symbol := strings.ToUpper(strings.TrimSpace(r.Symbol))
	if symbol == "" {
		return Order{}, apperr.Invalid("symbol", "symbol is required")
	}
	side := broker.Side(strings.ToLower(r.Side))
	if side != broker.SideBuy && side != broker.SideSell {
		return Order{}, apperr.Invalid("side", "side must be buy or sell")
	}
	if !(r.Qty > 0) || math.IsInf(r.Qty, 0) {
		return Order{}, apperr.Invalid("qty", "qty must be a positive number")
	}
	if !(r.TriggerPrice > 0) || math.IsInf(r.TriggerPrice, 0) {
		return Order{}, apperr.Invalid("triggerPrice", "triggerPrice must be a positive number")
	}
	typ := broker.OrderType(strings.ToLower(r.OrderType))
	if typ == "" {
		typ = broker.OrderTypeMarket
	}
	o := Order{
		Symbol:       symbol,
		Side:         side,
		Qty:          r.Qty,
		OrderType:    typ,
		TriggerPrice: r.TriggerPrice,
		Status:       StatusPending,
	}
	switch typ {
	case broker.OrderTypeMarket:
	case broker.OrderTypeLimit:
		if !(r.LimitPrice > 0) || math.IsInf(r.LimitPrice, 0) {
			return Order{}, apperr.Invalid("limitPrice", "limitPrice must be positive for limit orders")
		}
		o.LimitPrice = r.LimitPrice
	default:
		return Order{}, apperr.Invalid("orderType", "orderType must be market or limit")
	}
	return o, nil
}

// Triggered reports whether price crosses the trigger. Sell stops fire at or
// below the trigger, buy stops at or above it; equality fires.
func (o *Order) Triggered(price float64) bool {
	if price <= 0 {
		return false
	}
	if o.Side == broker.SideSell {
		return price <= o.TriggerPrice
	}
	return price >= o.TriggerPrice
}

// referencePrice picks the price an order watches on a quote: the bid for
// sells, the ask for buys.
func (o *Order) referencePrice(q events.Quote) float64 {
	if o.Side == broker.SideSell {
		return q.BidPrice
	}
	return q.AskPrice
}

func (o *Order) update(prev Status) events.ArtificialOrderUpdate {
	return events.ArtificialOrderUpdate{
		ID:             o.ID,
		Symbol:         o.Symbol,
		Side:           string(o.Side),
		OrderType:      string(o.OrderType),
		Qty:            o.Qty,
		TriggerPrice:   o.TriggerPrice,
		LimitPrice:     o.LimitPrice,
		Status:         string(o.Status),
		PreviousStatus: string(prev),
		TriggeredPrice: o.TriggeredPrice,
		BrokerOrderID:  o.ExecutedBrokerOrderID,
		FailureReason:  o.FailureReason,
		UpdatedAt:      o.UpdatedAt,
	}
}
