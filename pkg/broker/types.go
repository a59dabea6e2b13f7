// Package broker is the boundary to the brokerage REST API. Everything the
// rest of the service sees is normalized here.
package broker

import (
	"context"
	"fmt"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"
)

type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

type OrderType string

const (
	OrderTypeMarket OrderType = "market"
	OrderTypeLimit  OrderType = "limit"
)

type TimeInForce string

const (
	TIFDay TimeInForce = "day"
	TIFGTC TimeInForce = "gtc"
	TIFIOC TimeInForce = "ioc"
)

// OrderParams is an order intent sent to the broker.
type OrderParams struct {
	Symbol        string
	Side          Side
	Type          OrderType
	Qty           float64
	LimitPrice    float64 // required for limit
	TimeInForce   TimeInForce
	ExtendedHours bool
	ClientOrderID string
}

// Order is the broker's view of a real order.
type Order struct {
	ID             string    `json:"id"`
	ClientOrderID  string    `json:"clientOrderId,omitempty"`
	Symbol         string    `json:"symbol"`
	Side           string    `json:"side"`
	Type           string    `json:"type"`
	Status         string    `json:"status"`
	Qty            float64   `json:"qty"`
	FilledQty      float64   `json:"filledQty"`
	FilledAvgPrice float64   `json:"filledAvgPrice,omitempty"`
	LimitPrice     float64   `json:"limitPrice,omitempty"`
	ExtendedHours  bool      `json:"extendedHours"`
	SubmittedAt    time.Time `json:"submittedAt"`
}

// BarsRequest selects historical bars for one symbol.
type BarsRequest struct {
	TimeFrame string // 1Min, 5Min, 15Min, 1Hour, 1Day
	Start     time.Time
	End       time.Time
	Limit     int
}

// OrderSubmitter is the narrow surface the order paths need.
type OrderSubmitter interface {
	SubmitOrder(ctx context.Context, p OrderParams) (Order, error)
}

// Client is the full brokerage surface. Every method returns either a value
// or an *Error, never both.
type Client interface {
	OrderSubmitter
	CancelOrder(ctx context.Context, orderID string) error
	GetOrder(ctx context.Context, orderID string) (Order, error)
	ListOrders(ctx context.Context, status string, limit int) ([]Order, error)
	GetAccount(ctx context.Context) (*alpaca.Account, error)
	GetPositions(ctx context.Context) ([]alpaca.Position, error)
	GetAsset(ctx context.Context, symbol string) (*alpaca.Asset, error)
	GetBars(ctx context.Context, symbol string, req BarsRequest) ([]marketdata.Bar, error)
}

// Error is the normalized failure of a broker call.
type Error struct {
	Op      string
	Status  int // HTTP status, 0 when the request never completed
	Code    int // broker error code when provided
	Message string
}

func (e *Error) Error() string {
	if e.Status == 0 {
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	}
	return fmt.Sprintf("%s: %d %s", e.Op, e.Status, e.Message)
}

// Validate checks the params before any network call.
func (p OrderParams) Validate() error {
	if p.Symbol == "" {
		return fmt.Errorf("symbol is required")
	}
	if p.Side != SideBuy && p.Side != SideSell {
		return fmt.Errorf("side must be buy or sell")
	}
	if p.Qty <= 0 {
		return fmt.Errorf("qty must be positive")
	}
	switch p.Type {
	case OrderTypeMarket:
	case OrderTypeLimit:
		if p.LimitPrice <= 0 {
			return fmt.Errorf("limit price must be positive for limit orders")
		}
	default:
		return fmt.Errorf("unsupported order type %q", p.Type)
	}
	return nil
}
