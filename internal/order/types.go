package order

import (
	"math"
	"strings"

	"github.com/qtmspin/alpaca-api-service-sub000/internal/apperr"
	"github.com/qtmspin/alpaca-api-service-sub000/pkg/broker"
)

// SubmitRequest is the REST body of a direct order.
type SubmitRequest struct {
	Symbol        string  `json:"symbol"`
	Side          string  `json:"side"`
	Type          string  `json:"type"`
	Qty           float64 `json:"qty"`
	LimitPrice    float64 `json:"limitPrice"`
	TimeInForce   string  `json:"timeInForce"`
	ExtendedHours bool    `json:"extendedHours"`
	ClientOrderID string  `json:"clientOrderId"`
}

// Params normalizes the request into broker params.
func (r SubmitRequest) Params() (broker.OrderParams, error) {
	p := broker.OrderParams{
		Symbol:        strings.ToUpper(strings.TrimSpace(r.Symbol)),
		Side:          broker.Side(strings.ToLower(r.Side)),
		Type:          broker.OrderType(strings.ToLower(r.Type)),
		Qty:           r.Qty,
		LimitPrice:    r.LimitPrice,
		TimeInForce:   broker.TimeInForce(strings.ToLower(r.TimeInForce)),
		ExtendedHours: r.ExtendedHours,
		ClientOrderID: r.ClientOrderID,
	}
	if p.Type == "" {
		p.Type = broker.OrderTypeMarket
	}
	if p.TimeInForce == "" {
		p.TimeInForce = broker.TIFDay
	}
	switch p.TimeInForce {
	case broker.TIFDay, broker.TIFGTC, broker.TIFIOC:
	default:
		return broker.OrderParams{}, apperr.Invalid("timeInForce", "timeInForce must be day, gtc or ioc")
	}
	if math.IsInf(p.Qty, 0) || math.IsNaN(p.Qty) {
		return broker.OrderParams{}, apperr.Invalid("qty", "qty must be a finite number")
	}
	if err := p.Validate(); err != nil {
		return broker.OrderParams{}, apperr.Invalid("order", "%s", err.Error())
	}
	// Extended hours orders must be day limit orders.
	if p.ExtendedHours && (p.Type != broker.OrderTypeLimit || p.TimeInForce != broker.TIFDay) {
		return broker.OrderParams{}, apperr.Invalid("extendedHours", "extended hours orders must be day limit orders")
	}
	return p, nil
}
