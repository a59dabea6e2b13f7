// Package order is the direct order path: validate, pass the gatekeeper,
// submit to the broker and journal the outcome.
package order

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"
	"github.com/google/uuid"

	"github.com/qtmspin/alpaca-api-service-sub000/internal/apperr"
	"github.com/qtmspin/alpaca-api-service-sub000/internal/gatekeeper"
	"github.com/qtmspin/alpaca-api-service-sub000/internal/monitor"
	"github.com/qtmspin/alpaca-api-service-sub000/pkg/broker"
)

const defaultTimeout = 15 * time.Second

type Guard interface {
	Check(req gatekeeper.Request) (gatekeeper.Ticket, error)
	Release(t gatekeeper.Ticket)
}

// Recorder journals every submission attempt. Implementations must not block.
type Recorder interface {
	RecordSubmission(origin string, p broker.OrderParams, res broker.Order, err error)
}

// Service fronts the broker for the REST layer.
type Service struct {
	client   broker.Client
	guard    Guard
	recorder Recorder
	timeout  time.Duration
	log      *slog.Logger
}

func NewService(client broker.Client, guard Guard, recorder Recorder, logger *slog.Logger) *Service {
	return &Service{
		client:   client,
		guard:    guard,
		recorder: recorder,
		timeout:  defaultTimeout,
		log:      logger.With("component", "orders"),
	}
}

// Submit sends a direct order. Gatekeeper rejections never reach the broker.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (broker.Order, error) {
	p, err := req.Params()
	if err != nil {
		return broker.Order{}, err
	}
	if p.ClientOrderID == "" {
		p.ClientOrderID = uuid.NewString()
	}
	ticket, err := s.guard.Check(gatekeeper.Request{
		ID:     p.ClientOrderID,
		Symbol: p.Symbol,
		Side:   string(p.Side),
		Type:   string(p.Type),
		Qty:    p.Qty,
	})
	if err != nil {
		s.log.Info("order rejected by gatekeeper", "symbol", p.Symbol, "side", p.Side, "error", err)
		return broker.Order{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	res, err := s.client.SubmitOrder(ctx, p)
	if s.recorder != nil {
		s.recorder.RecordSubmission("direct", p, res, err)
	}
	if err != nil {
		s.guard.Release(ticket)
		monitor.BrokerOrders.WithLabelValues("direct", "rejected").Inc()
		s.log.Warn("order submit failed", "symbol", p.Symbol, "client_order_id", p.ClientOrderID, "error", err)
		return broker.Order{}, wrap("submit order", err)
	}
	monitor.BrokerOrders.WithLabelValues("direct", "accepted").Inc()
	s.log.Info("order submitted", "symbol", p.Symbol, "side", p.Side, "qty", p.Qty, "order_id", res.ID)
	return res, nil
}

func (s *Service) Cancel(ctx context.Context, id string) error {
	if id == "" {
		return apperr.Invalid("id", "order id is required")
	}
	if err := s.client.CancelOrder(ctx, id); err != nil {
		return wrap("cancel order", err)
	}
	s.log.Info("order cancel requested", "order_id", id)
	return nil
}

func (s *Service) Get(ctx context.Context, id string) (broker.Order, error) {
	o, err := s.client.GetOrder(ctx, id)
	if err != nil {
		return broker.Order{}, wrap("get order", err)
	}
	return o, nil
}

func (s *Service) List(ctx context.Context, status string, limit int) ([]broker.Order, error) {
	switch status {
	case "", "open", "closed", "all":
	default:
		return nil, apperr.Invalid("status", "status must be open, closed or all")
	}
	if limit < 0 || limit > 500 {
		return nil, apperr.Invalid("limit", "limit must be at most 500")
	}
	orders, err := s.client.ListOrders(ctx, status, limit)
	if err != nil {
		return nil, wrap("list orders", err)
	}
	return orders, nil
}

func (s *Service) Account(ctx context.Context) (*alpaca.Account, error) {
	a, err := s.client.GetAccount(ctx)
	if err != nil {
		return nil, wrap("get account", err)
	}
	return a, nil
}

func (s *Service) Positions(ctx context.Context) ([]alpaca.Position, error) {
	p, err := s.client.GetPositions(ctx)
	if err != nil {
		return nil, wrap("get positions", err)
	}
	return p, nil
}

func (s *Service) Asset(ctx context.Context, symbol string) (*alpaca.Asset, error) {
	if symbol == "" {
		return nil, apperr.Invalid("symbol", "symbol is required")
	}
	a, err := s.client.GetAsset(ctx, symbol)
	if err != nil {
		return nil, wrap("get asset", err)
	}
	return a, nil
}

func (s *Service) Bars(ctx context.Context, symbol string, req broker.BarsRequest) ([]marketdata.Bar, error) {
	if symbol == "" {
		return nil, apperr.Invalid("symbol", "symbol is required")
	}
	if _, err := broker.ParseTimeFrame(req.TimeFrame); err != nil {
		return nil, apperr.Invalid("timeframe", "%s", err.Error())
	}
	bars, err := s.client.GetBars(ctx, symbol, req)
	if err != nil {
		return nil, wrap("get bars", err)
	}
	return bars, nil
}

// wrap maps a broker failure into the service error taxonomy.
func wrap(op string, err error) error {
	var be *broker.Error
	if errors.As(err, &be) {
		return &apperr.BrokerError{Op: op, Status: be.Status, Err: err}
	}
	return &apperr.BrokerError{Op: op, Err: err}
}
