package db

import "time"

// Submission is one attempt to place a real order with the broker.
type Submission struct {
	ID            int64
	Origin        string // direct | artificial
	ClientOrderID string
	BrokerOrderID string
	Symbol        string
	Side          string
	OrderType     string
	Qty           float64
	LimitPrice    float64
	ExtendedHours bool
	Error         string
	CreatedAt     time.Time
}

// Transition is one status change of an artificial order.
type Transition struct {
	ID            int64     `json:"-"`
	OrderID       string    `json:"orderId"`
	Symbol        string    `json:"symbol"`
	FromStatus    string    `json:"from,omitempty"`
	ToStatus      string    `json:"to"`
	Price         float64   `json:"price,omitempty"`
	BrokerOrderID string    `json:"brokerOrderId,omitempty"`
	Reason        string    `json:"reason,omitempty"`
	CreatedAt     time.Time `json:"at"`
}
