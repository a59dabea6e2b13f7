package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"
)

const (
	PaperBaseURL = "https://paper-api.alpaca.markets"
	LiveBaseURL  = "https://api.alpaca.markets"
)

// AlpacaConfig configures the REST clients.
type AlpacaConfig struct {
	APIKey       string
	APISecret    string
	Paper        bool
	BaseURL      string // overrides the paper/live default
	DataURL      string
	DataFeed     string // iex or sip
	RatePerMin   int
	RequestBurst int
}

// AlpacaClient implements Client over the official SDK. Calls are throttled
// by a token bucket shared by every endpoint.
type AlpacaClient struct {
	trading *alpaca.Client
	data    *marketdata.Client
	limiter *rate.Limiter
	feed    string
	log     *slog.Logger
}

var _ Client = (*AlpacaClient)(nil)

func NewAlpacaClient(cfg AlpacaConfig, logger *slog.Logger) *AlpacaClient {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = LiveBaseURL
		if cfg.Paper {
			baseURL = PaperBaseURL
		}
	}
	dataOpts := marketdata.ClientOpts{
		APIKey:    cfg.APIKey,
		APISecret: cfg.APISecret,
	}
	if cfg.DataURL != "" {
		dataOpts.BaseURL = cfg.DataURL
	}
	perMin := cfg.RatePerMin
	if perMin <= 0 {
		perMin = 200
	}
	burst := cfg.RequestBurst
	if burst <= 0 {
		burst = 10
	}
	return &AlpacaClient{
		trading: alpaca.NewClient(alpaca.ClientOpts{
			APIKey:    cfg.APIKey,
			APISecret: cfg.APISecret,
			BaseURL:   baseURL,
		}),
		data:    marketdata.NewClient(dataOpts),
		limiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMin)), burst),
		feed:    cfg.DataFeed,
		log:     logger.With("component", "broker", "base_url", baseURL),
	}
}

func (c *AlpacaClient) wait(ctx context.Context, op string) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return &Error{Op: op, Message: fmt.Sprintf("rate limiter: %v", err)}
	}
	return nil
}

func (c *AlpacaClient) SubmitOrder(ctx context.Context, p OrderParams) (Order, error) {
	const op = "submit order"
	if err := p.Validate(); err != nil {
		return Order{}, &Error{Op: op, Status: 422, Message: err.Error()}
	}
	if err := c.wait(ctx, op); err != nil {
		return Order{}, err
	}

	qty := decimal.NewFromFloat(p.Qty)
	req := alpaca.PlaceOrderRequest{
		Symbol:        strings.ToUpper(p.Symbol),
		Qty:           &qty,
		Side:          alpaca.Side(p.Side),
		Type:          alpaca.OrderType(p.Type),
		TimeInForce:   alpaca.TimeInForce(tifOrDefault(p.TimeInForce)),
		ExtendedHours: p.ExtendedHours,
		ClientOrderID: p.ClientOrderID,
	}
	if p.Type == OrderTypeLimit {
		limit := decimal.NewFromFloat(p.LimitPrice)
		req.LimitPrice = &limit
	}

	start := time.Now()
	o, err := c.trading.PlaceOrder(req)
	if err != nil {
		c.log.Warn("order rejected", "symbol", p.Symbol, "side", p.Side, "qty", p.Qty, "error", err)
		return Order{}, normalizeError(op, err)
	}
	c.log.Info("order accepted", "symbol", o.Symbol, "order_id", o.ID, "status", o.Status, "latency", time.Since(start))
	return fromAlpacaOrder(o), nil
}

func (c *AlpacaClient) CancelOrder(ctx context.Context, orderID string) error {
	const op = "cancel order"
	if err := c.wait(ctx, op); err != nil {
		return err
	}
	if err := c.trading.CancelOrder(orderID); err != nil {
		return normalizeError(op, err)
	}
	return nil
}

func (c *AlpacaClient) GetOrder(ctx context.Context, orderID string) (Order, error) {
	const op = "get order"
	if err := c.wait(ctx, op); err != nil {
		return Order{}, err
	}
	o, err := c.trading.GetOrder(orderID)
	if err != nil {
		return Order{}, normalizeError(op, err)
	}
	return fromAlpacaOrder(o), nil
}

func (c *AlpacaClient) ListOrders(ctx context.Context, status string, limit int) ([]Order, error) {
	const op = "list orders"
	if err := c.wait(ctx, op); err != nil {
		return nil, err
	}
	if status == "" {
		status = "open"
	}
	if limit <= 0 {
		limit = 100
	}
	orders, err := c.trading.GetOrders(alpaca.GetOrdersRequest{Status: status, Limit: limit})
	if err != nil {
		return nil, normalizeError(op, err)
	}
	out := make([]Order, 0, len(orders))
	for i := range orders {
		out = append(out, fromAlpacaOrder(&orders[i]))
	}
	return out, nil
}

func (c *AlpacaClient) GetAccount(ctx context.Context) (*alpaca.Account, error) {
	const op = "get account"
	if err := c.wait(ctx, op); err != nil {
		return nil, err
	}
	acct, err := c.trading.GetAccount()
	if err != nil {
		return nil, normalizeError(op, err)
	}
	return acct, nil
}

func (c *AlpacaClient) GetPositions(ctx context.Context) ([]alpaca.Position, error) {
	const op = "get positions"
	if err := c.wait(ctx, op); err != nil {
		return nil, err
	}
	positions, err := c.trading.GetPositions()
	if err != nil {
		return nil, normalizeError(op, err)
	}
	return positions, nil
}

func (c *AlpacaClient) GetAsset(ctx context.Context, symbol string) (*alpaca.Asset, error) {
	const op = "get asset"
	if err := c.wait(ctx, op); err != nil {
		return nil, err
	}
	asset, err := c.trading.GetAsset(strings.ToUpper(symbol))
	if err != nil {
		return nil, normalizeError(op, err)
	}
	return asset, nil
}

func (c *AlpacaClient) GetBars(ctx context.Context, symbol string, req BarsRequest) ([]marketdata.Bar, error) {
	const op = "get bars"
	tf, err := ParseTimeFrame(req.TimeFrame)
	if err != nil {
		return nil, &Error{Op: op, Status: 422, Message: err.Error()}
	}
	if err := c.wait(ctx, op); err != nil {
		return nil, err
	}
	bars, err := c.data.GetBars(strings.ToUpper(symbol), marketdata.GetBarsRequest{
		TimeFrame:  tf,
		Start:      req.Start,
		End:        req.End,
		TotalLimit: req.Limit,
		Feed:       marketdata.Feed(c.feed),
	})
	if err != nil {
		return nil, normalizeError(op, err)
	}
	return bars, nil
}

// ParseTimeFrame maps the REST timeframe names onto SDK values.
func ParseTimeFrame(s string) (marketdata.TimeFrame, error) {
	switch s {
	case "", "1Day":
		return marketdata.OneDay, nil
	case "1Min":
		return marketdata.OneMin, nil
	case "5Min":
		return marketdata.NewTimeFrame(5, marketdata.Min), nil
	case "15Min":
		return marketdata.NewTimeFrame(15, marketdata.Min), nil
	case "1Hour":
		return marketdata.OneHour, nil
	default:
		return marketdata.TimeFrame{}, fmt.Errorf("unsupported timeframe %q", s)
	}
}

func tifOrDefault(t TimeInForce) TimeInForce {
	if t == "" {
		return TIFDay
	}
	return t
}

func fromAlpacaOrder(o *alpaca.Order) Order {
	out := Order{
		ID:            o.ID,
		ClientOrderID: o.ClientOrderID,
		Symbol:        o.Symbol,
		Side:          string(o.Side),
		Type:          string(o.Type),
		Status:        o.Status,
		FilledQty:     o.FilledQty.InexactFloat64(),
		ExtendedHours: o.ExtendedHours,
		SubmittedAt:   o.SubmittedAt,
	}
	if o.Qty != nil {
		out.Qty = o.Qty.InexactFloat64()
	}
	if o.FilledAvgPrice != nil {
		out.FilledAvgPrice = o.FilledAvgPrice.InexactFloat64()
	}
	if o.LimitPrice != nil {
		out.LimitPrice = o.LimitPrice.InexactFloat64()
	}
	return out
}

// normalizeError folds SDK and transport errors into *Error.
func normalizeError(op string, err error) error {
	var apiErr *alpaca.APIError
	if errors.As(err, &apiErr) {
		return &Error{Op: op, Status: apiErr.StatusCode, Code: apiErr.Code, Message: apiErr.Message}
	}
	return &Error{Op: op, Message: err.Error()}
}
