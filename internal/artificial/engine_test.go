package artificial

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/qtmspin/alpaca-api-service-sub000/internal/apperr"
	"github.com/qtmspin/alpaca-api-service-sub000/internal/events"
	"github.com/qtmspin/alpaca-api-service-sub000/internal/gatekeeper"
	"github.com/qtmspin/alpaca-api-service-sub000/internal/subscription"
	"github.com/qtmspin/alpaca-api-service-sub000/pkg/broker"
	"github.com/qtmspin/alpaca-api-service-sub000/pkg/logging"
)

type fakeBroker struct {
	mu    sync.Mutex
	calls []broker.OrderParams
	err   error
}

func (f *fakeBroker) SubmitOrder(_ context.Context, p broker.OrderParams) (broker.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, p)
	if f.err != nil {
		return broker.Order{}, f.err
	}
	return broker.Order{ID: fmt.Sprintf("broker-%d", len(f.calls)), Symbol: p.Symbol, Side: string(p.Side)}, nil
}

func (f *fakeBroker) submitted() []broker.OrderParams {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]broker.OrderParams(nil), f.calls...)
}

type upstream struct {
	mu   sync.Mutex
	sent []subscription.Message
}

func (u *upstream) Ready() bool { return true }

func (u *upstream) Send(v any) error {
	u.mu.Lock()
	u.sent = append(u.sent, v.(subscription.Message))
	u.mu.Unlock()
	return nil
}

func (u *upstream) actions() []string {
	u.mu.Lock()
	defer u.mu.Unlock()
	out := make([]string, 0, len(u.sent))
	for _, m := range u.sent {
		out = append(out, m.Action+":"+strings.Join(m.Trades, ",")+"/"+strings.Join(m.Quotes, ","))
	}
	return out
}

type harness struct {
	engine *Engine
	broker *fakeBroker
	up     *upstream
	mux    *subscription.Multiplexer
	bus    *events.Bus
	guard  *gatekeeper.Gatekeeper
	clock  *time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	now := time.Date(2024, 3, 1, 20, 30, 0, 0, time.UTC)
	h := &harness{broker: &fakeBroker{}, up: &upstream{}, bus: events.NewBus(), clock: &now}
	clock := func() time.Time { return *h.clock }
	h.mux = subscription.NewMultiplexer(h.up, logging.Discard())
	h.guard = gatekeeper.New(5*time.Second, 10*time.Second, gatekeeper.WithClock(clock))
	seq := 0
	h.engine = New(Config{Retention: time.Hour}, h.mux, h.broker, h.guard, h.bus, logging.Discard(),
		WithClock(clock),
		WithIDGenerator(func() string {
			seq++
			return fmt.Sprintf("art-%d", seq)
		}),
	)
	return h
}

func (h *harness) create(t *testing.T, req CreateRequest) Order {
	t.Helper()
	o, err := h.engine.Create(req)
	if err != nil {
		t.Fatalf("Create(%+v): %v", req, err)
	}
	return o
}

func TestCreateValidation(t *testing.T) {
	cases := []struct {
		name  string
		req   CreateRequest
		field string
	}{
		{"missing symbol", CreateRequest{Side: "buy", Qty: 1, TriggerPrice: 10}, "symbol"},
		{"bad side", CreateRequest{Symbol: "AAPL", Side: "hold", Qty: 1, TriggerPrice: 10}, "side"},
		{"zero qty", CreateRequest{Symbol: "AAPL", Side: "buy", TriggerPrice: 10}, "qty"},
		{"negative trigger", CreateRequest{Symbol: "AAPL", Side: "buy", Qty: 1, TriggerPrice: -1}, "triggerPrice"},
		{"limit without price", CreateRequest{Symbol: "AAPL", Side: "buy", Qty: 1, TriggerPrice: 10, OrderType: "limit"}, "limitPrice"},
		{"unknown type", CreateRequest{Symbol: "AAPL", Side: "buy", Qty: 1, TriggerPrice: 10, OrderType: "stop"}, "orderType"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			_, err := h.engine.Create(tc.req)
			var verr *apperr.ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("err=%v, expected ValidationError", err)
			}
			if verr.Field != tc.field {
				t.Fatalf("field=%q, expected %q", verr.Field, tc.field)
			}
			if got := len(h.engine.List("")); got != 0 {
				t.Fatalf("orders=%d, expected 0", got)
			}
		})
	}
}

func TestSellStopTriggersAndExecutes(t *testing.T) {
	h := newHarness(t)
	var seen []string
	h.bus.Subscribe(events.Topic{Channel: events.ChannelArtificial, Symbol: "MSFT"}, func(ev events.Event) {
		seen = append(seen, ev.(events.ArtificialOrderUpdate).Status)
	})

	o := h.create(t, CreateRequest{Symbol: "msft", Side: "sell", Qty: 5, TriggerPrice: 100})
	if o.Status != StatusPending || o.Symbol != "MSFT" || o.OrderType != broker.OrderTypeMarket {
		t.Fatalf("order=%+v, expected pending MSFT market", o)
	}

	h.engine.OnTrade(events.Trade{Symbol: "MSFT", Price: 101})
	if got, _ := h.engine.Get(o.ID); got.Status != StatusPending {
		t.Fatalf("status=%s after 101, expected pending", got.Status)
	}

	h.engine.OnTrade(events.Trade{Symbol: "MSFT", Price: 99})
	h.engine.Wait()

	calls := h.broker.submitted()
	if len(calls) != 1 {
		t.Fatalf("submits=%d, expected 1", len(calls))
	}
	if calls[0].Side != broker.SideSell || calls[0].Symbol != "MSFT" || calls[0].Qty != 5 {
		t.Fatalf("params=%+v, expected sell 5 MSFT", calls[0])
	}
	if calls[0].ClientOrderID != o.ID {
		t.Fatalf("client order id=%q, expected %q", calls[0].ClientOrderID, o.ID)
	}
	got, err := h.engine.Get(o.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != StatusExecuted || got.ExecutedBrokerOrderID != "broker-1" || got.TriggeredPrice != 99 {
		t.Fatalf("order=%+v, expected executed broker-1 at 99", got)
	}
	want := []string{"pending", "triggered", "executed"}
	if strings.Join(seen, ",") != strings.Join(want, ",") {
		t.Fatalf("transitions=%v, expected %v", seen, want)
	}
}

func TestTriggerIsSynchronous(t *testing.T) {
	h := newHarness(t)
	o := h.create(t, CreateRequest{Symbol: "AAPL", Side: "buy", Qty: 1, TriggerPrice: 150})

	h.engine.OnTrade(events.Trade{Symbol: "AAPL", Price: 150})
	got, _ := h.engine.Get(o.ID)
	if got.Status == StatusPending {
		t.Fatalf("status=%s right after trigger, expected to have left pending", got.Status)
	}
	h.engine.Wait()
}

func TestRapidTicksExecuteOnce(t *testing.T) {
	h := newHarness(t)
	o := h.create(t, CreateRequest{Symbol: "TSLA", Side: "sell", Qty: 2, TriggerPrice: 200})

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			h.engine.OnTrade(events.Trade{Symbol: "TSLA", Price: 199 - float64(i%5)})
		}(i)
	}
	wg.Wait()
	h.engine.Wait()

	if got := len(h.broker.submitted()); got != 1 {
		t.Fatalf("submits=%d, expected 1", got)
	}
	if got, _ := h.engine.Get(o.ID); got.Status != StatusExecuted {
		t.Fatalf("status=%s, expected executed", got.Status)
	}
}

func TestQuoteReferencePrice(t *testing.T) {
	cases := []struct {
		name    string
		side    string
		trigger float64
		quote   events.Quote
		fires   bool
	}{
		{"sell uses bid", "sell", 100, events.Quote{Symbol: "X", BidPrice: 99.5, AskPrice: 100.5}, true},
		{"sell ignores ask", "sell", 100, events.Quote{Symbol: "X", BidPrice: 100.1, AskPrice: 99}, false},
		{"buy uses ask", "buy", 100, events.Quote{Symbol: "X", BidPrice: 99, AskPrice: 100}, true},
		{"buy ignores bid", "buy", 100, events.Quote{Symbol: "X", BidPrice: 101, AskPrice: 99.9}, false},
		{"zero bid never fires", "sell", 100, events.Quote{Symbol: "X", BidPrice: 0, AskPrice: 99}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			o := h.create(t, CreateRequest{Symbol: "X", Side: tc.side, Qty: 1, TriggerPrice: tc.trigger})
			h.engine.OnQuote(tc.quote)
			h.engine.Wait()
			got, _ := h.engine.Get(o.ID)
			if fired := got.Status != StatusPending; fired != tc.fires {
				t.Fatalf("fired=%v (status %s), expected %v", fired, got.Status, tc.fires)
			}
		})
	}
}

func TestLimitOrderSubmitsExtendedHours(t *testing.T) {
	h := newHarness(t)
	h.create(t, CreateRequest{Symbol: "NVDA", Side: "buy", Qty: 3, TriggerPrice: 500, OrderType: "limit", LimitPrice: 505})
	h.engine.OnTrade(events.Trade{Symbol: "NVDA", Price: 501})
	h.engine.Wait()

	calls := h.broker.submitted()
	if len(calls) != 1 {
		t.Fatalf("submits=%d, expected 1", len(calls))
	}
	p := calls[0]
	if p.Type != broker.OrderTypeLimit || p.LimitPrice != 505 || !p.ExtendedHours || p.TimeInForce != broker.TIFDay {
		t.Fatalf("params=%+v, expected extended-hours day limit at 505", p)
	}
}

func TestBrokerFailureIsTerminal(t *testing.T) {
	h := newHarness(t)
	h.broker.err = errors.New("insufficient buying power")
	o := h.create(t, CreateRequest{Symbol: "AMD", Side: "buy", Qty: 1, TriggerPrice: 10})

	h.engine.OnTrade(events.Trade{Symbol: "AMD", Price: 11})
	h.engine.Wait()
	h.engine.OnTrade(events.Trade{Symbol: "AMD", Price: 12})
	h.engine.Wait()

	got, _ := h.engine.Get(o.ID)
	if got.Status != StatusFailed {
		t.Fatalf("status=%s, expected failed", got.Status)
	}
	if !strings.Contains(got.FailureReason, "insufficient buying power") {
		t.Fatalf("reason=%q, expected broker message", got.FailureReason)
	}
	if n := len(h.broker.submitted()); n != 1 {
		t.Fatalf("submits=%d, expected 1 (no retry)", n)
	}
	if _, err := h.engine.Cancel(o.ID); err == nil {
		t.Fatalf("Cancel of failed order succeeded, expected error")
	}
}

func TestGatekeeperCooldownFailsOrder(t *testing.T) {
	h := newHarness(t)
	if _, err := h.guard.Check(gatekeeper.Request{Symbol: "AAPL", Side: "sell", Type: "market", Qty: 7}); err != nil {
		t.Fatalf("seed Check: %v", err)
	}
	o := h.create(t, CreateRequest{Symbol: "AAPL", Side: "buy", Qty: 1, TriggerPrice: 10})
	h.engine.OnTrade(events.Trade{Symbol: "AAPL", Price: 10})
	h.engine.Wait()

	got, _ := h.engine.Get(o.ID)
	if got.Status != StatusFailed {
		t.Fatalf("status=%s, expected failed", got.Status)
	}
	if !strings.Contains(got.FailureReason, "cooldown") {
		t.Fatalf("reason=%q, expected cooldown", got.FailureReason)
	}
	if n := len(h.broker.submitted()); n != 0 {
		t.Fatalf("submits=%d, expected 0", n)
	}
}

func TestCancel(t *testing.T) {
	h := newHarness(t)
	o := h.create(t, CreateRequest{Symbol: "META", Side: "sell", Qty: 1, TriggerPrice: 300})

	got, err := h.engine.Cancel(o.ID)
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if got.Status != StatusCanceled {
		t.Fatalf("status=%s, expected canceled", got.Status)
	}
	h.engine.OnTrade(events.Trade{Symbol: "META", Price: 1})
	h.engine.Wait()
	if n := len(h.broker.submitted()); n != 0 {
		t.Fatalf("submits=%d after cancel, expected 0", n)
	}

	if _, err := h.engine.Cancel(o.ID); !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("second Cancel err=%v, expected validation error", err)
	}
	if _, err := h.engine.Cancel("missing"); !errors.Is(err, apperr.ErrOrderNotFound) {
		t.Fatalf("Cancel(missing) err=%v, expected not found", err)
	}
}

func TestLastInterestReleasesUpstream(t *testing.T) {
	h := newHarness(t)
	a := h.create(t, CreateRequest{Symbol: "AAPL", Side: "sell", Qty: 1, TriggerPrice: 100})
	b := h.create(t, CreateRequest{Symbol: "AAPL", Side: "buy", Qty: 1, TriggerPrice: 200})

	if got := h.up.actions(); len(got) != 2 {
		t.Fatalf("upstream=%v, expected one subscribe per channel", got)
	}
	if _, err := h.engine.Cancel(a.ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if got := len(h.up.actions()); got != 2 {
		t.Fatalf("upstream messages=%d after first cancel, expected 2", got)
	}
	if _, err := h.engine.Cancel(b.ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	got := h.up.actions()
	want := []string{"subscribe:AAPL/", "subscribe:/AAPL", "unsubscribe:AAPL/", "unsubscribe:/AAPL"}
	if strings.Join(got, " ") != strings.Join(want, " ") {
		t.Fatalf("upstream=%v, expected %v", got, want)
	}
	if syms := h.engine.WatchedSymbols(); len(syms) != 0 {
		t.Fatalf("watched=%v, expected none", syms)
	}
}

func TestClientInterestSurvivesEngineRelease(t *testing.T) {
	h := newHarness(t)
	if err := h.mux.AddInterest("client-1", events.ChannelTrades, []string{"AAPL"}); err != nil {
		t.Fatalf("AddInterest: %v", err)
	}
	o := h.create(t, CreateRequest{Symbol: "AAPL", Side: "sell", Qty: 1, TriggerPrice: 100})
	if _, err := h.engine.Cancel(o.ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if !h.mux.IsSubscribed(subscription.Key{Channel: events.ChannelTrades, Symbol: "AAPL"}) {
		t.Fatalf("AAPL trades unsubscribed while a client still wants them")
	}
}

func TestBusDrivesEngine(t *testing.T) {
	h := newHarness(t)
	h.engine.Start()
	defer h.engine.Stop()

	o := h.create(t, CreateRequest{Symbol: "MSFT", Side: "sell", Qty: 1, TriggerPrice: 100})
	h.bus.Publish(events.Trade{Symbol: "MSFT", Price: 99})
	h.engine.Wait()

	if got, _ := h.engine.Get(o.ID); got.Status != StatusExecuted {
		t.Fatalf("status=%s, expected executed", got.Status)
	}
}

func TestListAndPrune(t *testing.T) {
	h := newHarness(t)
	a := h.create(t, CreateRequest{Symbol: "A", Side: "sell", Qty: 1, TriggerPrice: 10})
	*h.clock = h.clock.Add(time.Second)
	b := h.create(t, CreateRequest{Symbol: "B", Side: "sell", Qty: 1, TriggerPrice: 10})
	if _, err := h.engine.Cancel(a.ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	all := h.engine.List("")
	if len(all) != 2 || all[0].ID != a.ID || all[1].ID != b.ID {
		t.Fatalf("List()=%v, expected [a b] oldest first", all)
	}
	pending := h.engine.List(StatusPending)
	if len(pending) != 1 || pending[0].ID != b.ID {
		t.Fatalf("List(pending)=%v, expected [b]", pending)
	}

	if n := h.engine.Prune(); n != 0 {
		t.Fatalf("Prune()=%d inside retention, expected 0", n)
	}
	*h.clock = h.clock.Add(2 * time.Hour)
	if n := h.engine.Prune(); n != 1 {
		t.Fatalf("Prune()=%d, expected 1", n)
	}
	if _, err := h.engine.Get(a.ID); !errors.Is(err, apperr.ErrOrderNotFound) {
		t.Fatalf("Get(pruned) err=%v, expected not found", err)
	}
	if _, err := h.engine.Get(b.ID); err != nil {
		t.Fatalf("pending order pruned: %v", err)
	}
}

func TestParseStatus(t *testing.T) {
	if s, err := ParseStatus(" Pending "); err != nil || s != StatusPending {
		t.Fatalf("ParseStatus=%q,%v, expected pending", s, err)
	}
	if _, err := ParseStatus("done"); !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("ParseStatus(done) err=%v, expected validation error", err)
	}
}
