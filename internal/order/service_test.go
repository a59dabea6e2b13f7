package order

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"

	"github.com/qtmspin/alpaca-api-service-sub000/internal/apperr"
	"github.com/qtmspin/alpaca-api-service-sub000/internal/gatekeeper"
	"github.com/qtmspin/alpaca-api-service-sub000/pkg/broker"
	"github.com/qtmspin/alpaca-api-service-sub000/pkg/logging"
)

type fakeClient struct {
	mu        sync.Mutex
	submitted []broker.OrderParams
	submitErr error
	getErr    error
}

func (f *fakeClient) SubmitOrder(_ context.Context, p broker.OrderParams) (broker.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitted = append(f.submitted, p)
	if f.submitErr != nil {
		return broker.Order{}, f.submitErr
	}
	return broker.Order{ID: "o-1", ClientOrderID: p.ClientOrderID, Symbol: p.Symbol, Side: string(p.Side), Status: "accepted"}, nil
}

func (f *fakeClient) CancelOrder(context.Context, string) error { return nil }

func (f *fakeClient) GetOrder(_ context.Context, id string) (broker.Order, error) {
	if f.getErr != nil {
		return broker.Order{}, f.getErr
	}
	return broker.Order{ID: id}, nil
}

func (f *fakeClient) ListOrders(context.Context, string, int) ([]broker.Order, error) {
	return []broker.Order{{ID: "a"}, {ID: "b"}}, nil
}

func (f *fakeClient) GetAccount(context.Context) (*alpaca.Account, error) {
	return &alpaca.Account{ID: "acct"}, nil
}

func (f *fakeClient) GetPositions(context.Context) ([]alpaca.Position, error) { return nil, nil }

func (f *fakeClient) GetAsset(_ context.Context, sym string) (*alpaca.Asset, error) {
	return &alpaca.Asset{Symbol: sym}, nil
}

func (f *fakeClient) GetBars(context.Context, string, broker.BarsRequest) ([]marketdata.Bar, error) {
	return []marketdata.Bar{{Close: 1}}, nil
}

type recorded struct {
	origin string
	params broker.OrderParams
	err    error
}

type fakeRecorder struct {
	entries []recorded
}

func (r *fakeRecorder) RecordSubmission(origin string, p broker.OrderParams, _ broker.Order, err error) {
	r.entries = append(r.entries, recorded{origin: origin, params: p, err: err})
}

func newService(client *fakeClient, rec *fakeRecorder) (*Service, *time.Time) {
	now := time.Date(2024, 1, 2, 15, 0, 0, 0, time.UTC)
	g := gatekeeper.New(5*time.Second, 10*time.Second, gatekeeper.WithClock(func() time.Time { return now }))
	return NewService(client, g, rec, logging.Discard()), &now
}

func TestSubmitParamsValidation(t *testing.T) {
	cases := []struct {
		name string
		req  SubmitRequest
		ok   bool
	}{
		{"market defaults", SubmitRequest{Symbol: "aapl", Side: "BUY", Qty: 1}, true},
		{"limit", SubmitRequest{Symbol: "AAPL", Side: "sell", Type: "limit", Qty: 1, LimitPrice: 10}, true},
		{"extended limit", SubmitRequest{Symbol: "AAPL", Side: "sell", Type: "limit", Qty: 1, LimitPrice: 10, ExtendedHours: true}, true},
		{"extended market", SubmitRequest{Symbol: "AAPL", Side: "sell", Qty: 1, ExtendedHours: true}, false},
		{"extended gtc", SubmitRequest{Symbol: "AAPL", Side: "sell", Type: "limit", Qty: 1, LimitPrice: 10, TimeInForce: "gtc", ExtendedHours: true}, false},
		{"no symbol", SubmitRequest{Side: "buy", Qty: 1}, false},
		{"bad side", SubmitRequest{Symbol: "AAPL", Side: "short", Qty: 1}, false},
		{"zero qty", SubmitRequest{Symbol: "AAPL", Side: "buy"}, false},
		{"limit without price", SubmitRequest{Symbol: "AAPL", Side: "buy", Type: "limit", Qty: 1}, false},
		{"bad tif", SubmitRequest{Symbol: "AAPL", Side: "buy", Qty: 1, TimeInForce: "fok"}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p, err := tc.req.Params()
			if tc.ok {
				if err != nil {
					t.Fatalf("Params: %v", err)
				}
				if p.Symbol != "AAPL" || p.TimeInForce == "" || p.Type == "" {
					t.Fatalf("params=%+v, expected normalized AAPL with defaults", p)
				}
				return
			}
			if !errors.Is(err, apperr.ErrValidation) {
				t.Fatalf("err=%v, expected validation error", err)
			}
		})
	}
}

func TestSubmitCooldown(t *testing.T) {
	client := &fakeClient{}
	rec := &fakeRecorder{}
	svc, now := newService(client, rec)

	if _, err := svc.Submit(context.Background(), SubmitRequest{Symbol: "AAPL", Side: "buy", Qty: 1}); err != nil {
		t.Fatalf("first Submit: %v", err)
	}
	*now = now.Add(2 * time.Second)
	_, err := svc.Submit(context.Background(), SubmitRequest{Symbol: "AAPL", Side: "sell", Qty: 3})
	var cerr *apperr.CooldownError
	if !errors.As(err, &cerr) {
		t.Fatalf("err=%v, expected CooldownError", err)
	}
	if cerr.RemainingMs() != 3000 {
		t.Fatalf("remaining=%dms, expected 3000", cerr.RemainingMs())
	}
	if len(client.submitted) != 1 {
		t.Fatalf("submits=%d, expected 1", len(client.submitted))
	}
	if apperr.HTTPStatus(err) != http.StatusTooManyRequests {
		t.Fatalf("status=%d, expected 429", apperr.HTTPStatus(err))
	}
}

func TestSubmitDuplicate(t *testing.T) {
	client := &fakeClient{}
	svc, now := newService(client, &fakeRecorder{})

	first, err := svc.Submit(context.Background(), SubmitRequest{Symbol: "AAPL", Side: "buy", Qty: 10})
	if err != nil {
		t.Fatalf("first Submit: %v", err)
	}
	*now = now.Add(6 * time.Second)
	_, err = svc.Submit(context.Background(), SubmitRequest{Symbol: "AAPL", Side: "buy", Type: "market", Qty: 10})
	var derr *apperr.DuplicateOrderError
	if !errors.As(err, &derr) {
		t.Fatalf("err=%v, expected DuplicateOrderError", err)
	}
	if derr.ExistingID != first.ClientOrderID {
		t.Fatalf("existing=%q, expected %q", derr.ExistingID, first.ClientOrderID)
	}
}

func TestSubmitBrokerFailureReleasesDuplicate(t *testing.T) {
	client := &fakeClient{submitErr: &broker.Error{Op: "submit order", Status: 422, Message: "qty must be > 0"}}
	rec := &fakeRecorder{}
	svc, now := newService(client, rec)

	_, err := svc.Submit(context.Background(), SubmitRequest{Symbol: "MSFT", Side: "buy", Qty: 1})
	if !errors.Is(err, apperr.ErrBroker) {
		t.Fatalf("err=%v, expected broker error", err)
	}
	if apperr.HTTPStatus(err) != http.StatusUnprocessableEntity {
		t.Fatalf("status=%d, expected 422", apperr.HTTPStatus(err))
	}
	if len(rec.entries) != 1 || rec.entries[0].origin != "direct" || rec.entries[0].err == nil {
		t.Fatalf("journal=%+v, expected one failed direct entry", rec.entries)
	}

	// Past the cooldown the identical order is admitted again.
	client.submitErr = nil
	*now = now.Add(6 * time.Second)
	if _, err := svc.Submit(context.Background(), SubmitRequest{Symbol: "MSFT", Side: "buy", Qty: 1}); err != nil {
		t.Fatalf("retry Submit: %v", err)
	}
}

func TestGetWrapsNotFound(t *testing.T) {
	client := &fakeClient{getErr: &broker.Error{Op: "get order", Status: 404, Message: "order not found"}}
	svc, _ := newService(client, &fakeRecorder{})

	_, err := svc.Get(context.Background(), "nope")
	if apperr.HTTPStatus(err) != http.StatusNotFound {
		t.Fatalf("status=%d, expected 404", apperr.HTTPStatus(err))
	}
	if apperr.Code(err) != "BROKER_ERROR" {
		t.Fatalf("code=%s, expected BROKER_ERROR", apperr.Code(err))
	}
}

func TestListValidation(t *testing.T) {
	svc, _ := newService(&fakeClient{}, &fakeRecorder{})
	if _, err := svc.List(context.Background(), "pending", 10); !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("err=%v, expected validation error", err)
	}
	orders, err := svc.List(context.Background(), "open", 0)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(orders) != 2 {
		t.Fatalf("orders=%d, expected 2", len(orders))
	}
}

func TestBarsRejectsUnknownTimeframe(t *testing.T) {
	svc, _ := newService(&fakeClient{}, &fakeRecorder{})
	if _, err := svc.Bars(context.Background(), "AAPL", broker.BarsRequest{TimeFrame: "2Day"}); !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("err=%v, expected validation error", err)
	}
	bars, err := svc.Bars(context.Background(), "AAPL", broker.BarsRequest{TimeFrame: "1Hour"})
	if err != nil || len(bars) != 1 {
		t.Fatalf("Bars=%v,%v, expected one bar", bars, err)
	}
}
