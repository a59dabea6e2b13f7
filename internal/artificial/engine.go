// Package artificial simulates stop and stop-limit orders the venue does not
// accept outside regular hours. Orders wait in memory for a qualifying price
// and then submit a real order exactly once.
package artificial

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/qtmspin/alpaca-api-service-sub000/internal/apperr"
	"github.com/qtmspin/alpaca-api-service-sub000/internal/events"
	"github.com/qtmspin/alpaca-api-service-sub000/internal/gatekeeper"
	"github.com/qtmspin/alpaca-api-service-sub000/internal/monitor"
	"github.com/qtmspin/alpaca-api-service-sub000/pkg/broker"
)

const (
	DefaultRetention     = 24 * time.Hour
	DefaultSubmitTimeout = 15 * time.Second
	subscriberPrefix     = "artificial:"
)

// Interest registers the engine's need for price data on a symbol.
type Interest interface {
	AddInterest(subscriber string, channel events.Channel, symbols []string) error
	RemoveInterest(subscriber string, channel events.Channel, symbols []string) error
}

// Recorder journals broker submissions.
type Recorder interface {
	RecordSubmission(origin string, p broker.OrderParams, res broker.Order, err error)
}

// Guard is the cooldown and duplicate check shared with direct orders.
type Guard interface {
	Check(req gatekeeper.Request) (gatekeeper.Ticket, error)
	Release(t gatekeeper.Ticket)
}

type Config struct {
	// Retention is how long terminal orders stay queryable.
	Retention     time.Duration
	SubmitTimeout time.Duration
}

type Option func(*Engine)

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func WithIDGenerator(f func() string) Option {
	return func(e *Engine) { e.newID = f }
}

func WithRecorder(r Recorder) Option {
	return func(e *Engine) { e.recorder = r }
}

// Engine owns every synthetic order. All state changes happen under mu;
// broker calls run outside it.
type Engine struct {
	cfg      Config
	interest Interest
	broker   broker.OrderSubmitter
	guard    Guard
	recorder Recorder
	bus      *events.Bus
	log      *slog.Logger
	now      func() time.Time
	newID    func() string

	mu      sync.RWMutex
	orders  map[string]*Order
	pending map[string]map[string]*Order // symbol -> id -> order

	tokens []events.Token
	ctx    context.Context
	cancel context.CancelFunc
	execWG sync.WaitGroup
	stopCh chan struct{}
	loopWG sync.WaitGroup
}

func New(cfg Config, interest Interest, submitter broker.OrderSubmitter, guard Guard, bus *events.Bus, logger *slog.Logger, opts ...Option) *Engine {
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultRetention
	}
	if cfg.SubmitTimeout <= 0 {
		cfg.SubmitTimeout = DefaultSubmitTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		cfg:      cfg,
		interest: interest,
		broker:   submitter,
		guard:    guard,
		bus:      bus,
		log:      logger.With("component", "artificial"),
		now:      time.Now,
		newID:    uuid.NewString,
		orders:   make(map[string]*Order),
		pending:  make(map[string]map[string]*Order),
		ctx:      ctx,
		cancel:   cancel,
		stopCh:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Start subscribes to trades and quotes and runs the retention sweep.
func (e *Engine) Start() {
	if e.bus != nil {
		e.tokens = append(e.tokens,
			e.bus.Subscribe(events.Topic{Channel: events.ChannelTrades, Symbol: events.AnySymbol}, func(ev events.Event) {
				if t, ok := ev.(events.Trade); ok {
					e.OnTrade(t)
				}
			}),
			e.bus.Subscribe(events.Topic{Channel: events.ChannelQuotes, Symbol: events.AnySymbol}, func(ev events.Event) {
				if q, ok := ev.(events.Quote); ok {
					e.OnQuote(q)
				}
			}),
		)
	}

	e.loopWG.Add(1)
	go func() {
		defer e.loopWG.Done()
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-e.stopCh:
				return
			case <-ticker.C:
				if n := e.Prune(); n > 0 {
					e.log.Info("pruned terminal orders", "count", n)
				}
			}
		}
	}()
}

// Stop unsubscribes, waits for in-flight executions and stops the sweep.
func (e *Engine) Stop() {
	for _, tok := range e.tokens {
		e.bus.Unsubscribe(tok)
	}
	e.tokens = nil
	close(e.stopCh)
	e.loopWG.Wait()
	e.execWG.Wait()
	e.cancel()
}

// Wait blocks until every triggered order has reached a terminal state.
func (e *Engine) Wait() {
	e.execWG.Wait()
}

func (e *Engine) Create(req CreateRequest) (Order, error) {
	o, err := req.validate()
	if err != nil {
		return Order{}, err
	}
	now := e.now()
	o.ID = e.newID()
	o.CreatedAt = now
	o.UpdatedAt = now

	e.mu.Lock()
	if len(e.pending[o.Symbol]) == 0 {
		if err := e.watchLocked(o.Symbol); err != nil {
			e.mu.Unlock()
			return Order{}, err
		}
		e.pending[o.Symbol] = make(map[string]*Order)
	}
	stored := o
	e.orders[o.ID] = &stored
	e.pending[o.Symbol][o.ID] = &stored
	e.mu.Unlock()

	e.log.Info("artificial order created", "order_id", o.ID, "symbol", o.Symbol, "side", o.Side,
		"qty", o.Qty, "trigger", o.TriggerPrice, "type", o.OrderType)
	e.publish(o, "")
	return o, nil
}

// Cancel moves a pending order to canceled. Any other status is rejected.
func (e *Engine) Cancel(id string) (Order, error) {
	e.mu.Lock()
	o, ok := e.orders[id]
	if !ok {
		e.mu.Unlock()
		return Order{}, &apperr.OrderNotFoundError{ID: id}
	}
	if o.Status != StatusPending {
		status := o.Status
		e.mu.Unlock()
		return Order{}, apperr.Invalid("status", "order is not pending (status %s)", status)
	}
	o.Status = StatusCanceled
	o.UpdatedAt = e.now()
	e.unpendLocked(o)
	snap := *o
	e.mu.Unlock()

	e.log.Info("artificial order canceled", "order_id", id, "symbol", snap.Symbol)
	e.publish(snap, StatusPending)
	return snap, nil
}

func (e *Engine) Get(id string) (Order, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	o, ok := e.orders[id]
	if !ok {
		return Order{}, &apperr.OrderNotFoundError{ID: id}
	}
	return *o, nil
}

// List returns orders oldest first; an empty status returns all of them.
func (e *Engine) List(status Status) []Order {
	e.mu.RLock()
	out := make([]Order, 0, len(e.orders))
	for _, o := range e.orders {
		if status == "" || o.Status == status {
			out = append(out, *o)
		}
	}
	e.mu.RUnlock()
	sortOrders(out)
	return out
}

// WatchedSymbols lists the symbols with at least one pending order.
func (e *Engine) WatchedSymbols() []string {
	e.mu.RLock()
	out := make([]string, 0, len(e.pending))
	for sym := range e.pending {
		out = append(out, sym)
	}
	e.mu.RUnlock()
	sort.Strings(out)
	return out
}

func (e *Engine) OnTrade(t events.Trade) {
	e.evaluate(t.Symbol, func(*Order) float64 { return t.Price })
}

func (e *Engine) OnQuote(q events.Quote) {
	e.evaluate(q.Symbol, func(o *Order) float64 { return o.referencePrice(q) })
}

// evaluate moves every qualifying pending order to triggered before any
// asynchronous work starts, so a later tick cannot trigger it again.
func (e *Engine) evaluate(symbol string, price func(*Order) float64) {
	e.mu.RLock()
	n := len(e.pending[symbol])
	e.mu.RUnlock()
	if n == 0 {
		return
	}

	e.mu.Lock()
	now := e.now()
	var fired []*Order
	for _, o := range e.pending[symbol] {
		p := price(o)
		if !o.Triggered(p) {
			continue
		}
		o.Status = StatusTriggered
		o.TriggeredPrice = p
		o.UpdatedAt = now
		fired = append(fired, o)
	}
	snaps := make([]Order, 0, len(fired))
	for _, o := range fired {
		e.unpendLocked(o)
		snaps = append(snaps, *o)
	}
	e.execWG.Add(len(snaps))
	e.mu.Unlock()

	sortOrders(snaps)
	for _, o := range snaps {
		e.log.Info("artificial order triggered", "order_id", o.ID, "symbol", o.Symbol, "price", o.TriggeredPrice, "trigger", o.TriggerPrice)
		e.publish(o, StatusPending)
		go e.execute(o)
	}
}

func (e *Engine) execute(o Order) {
	defer e.execWG.Done()

	ticket, err := e.guard.Check(gatekeeper.Request{
		ID:     o.ID,
		Symbol: o.Symbol,
		Side:   string(o.Side),
		Type:   string(o.OrderType),
		Qty:    o.Qty,
	})
	if err != nil {
		e.finish(o.ID, StatusFailed, "", err.Error())
		return
	}

	params := broker.OrderParams{
		Symbol:        o.Symbol,
		Side:          o.Side,
		Type:          o.OrderType,
		Qty:           o.Qty,
		TimeInForce:   broker.TIFDay,
		ClientOrderID: o.ID,
	}
	if o.OrderType == broker.OrderTypeLimit {
		params.LimitPrice = o.LimitPrice
		params.ExtendedHours = true
	}

	ctx, cancel := context.WithTimeout(e.ctx, e.cfg.SubmitTimeout)
	res, err := e.broker.SubmitOrder(ctx, params)
	cancel()
	if e.recorder != nil {
		e.recorder.RecordSubmission("artificial", params, res, err)
	}
	if err != nil {
		e.guard.Release(ticket)
		monitor.BrokerOrders.WithLabelValues("artificial", "rejected").Inc()
		berr := &apperr.BrokerError{Op: "submit order", Err: err}
		e.finish(o.ID, StatusFailed, "", berr.Error())
		return
	}
	monitor.BrokerOrders.WithLabelValues("artificial", "accepted").Inc()
	e.finish(o.ID, StatusExecuted, res.ID, "")
}

// finish applies the outcome of an execution; only triggered orders move.
func (e *Engine) finish(id string, status Status, brokerID, reason string) {
	e.mu.Lock()
	o, ok := e.orders[id]
	if !ok || o.Status != StatusTriggered {
		e.mu.Unlock()
		return
	}
	o.Status = status
	o.ExecutedBrokerOrderID = brokerID
	o.FailureReason = reason
	o.UpdatedAt = e.now()
	snap := *o
	e.mu.Unlock()

	if status == StatusFailed {
		e.log.Warn("artificial order failed", "order_id", id, "symbol", snap.Symbol, "reason", reason)
	} else {
		e.log.Info("artificial order executed", "order_id", id, "symbol", snap.Symbol, "broker_order_id", brokerID)
	}
	e.publish(snap, StatusTriggered)
}

// Prune drops terminal orders older than the retention window.
func (e *Engine) Prune() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	cutoff := e.now().Add(-e.cfg.Retention)
	n := 0
	for id, o := range e.orders {
		if o.Status.Terminal() && o.UpdatedAt.Before(cutoff) {
			delete(e.orders, id)
			n++
		}
	}
	return n
}

func (e *Engine) watchLocked(symbol string) error {
	sub := subscriberPrefix + symbol
	if err := e.interest.AddInterest(sub, events.ChannelTrades, []string{symbol}); err != nil {
		return fmt.Errorf("watch %s trades: %w", symbol, err)
	}
	if err := e.interest.AddInterest(sub, events.ChannelQuotes, []string{symbol}); err != nil {
		_ = e.interest.RemoveInterest(sub, events.ChannelTrades, []string{symbol})
		return fmt.Errorf("watch %s quotes: %w", symbol, err)
	}
	return nil
}

// unpendLocked removes o from the pending index and releases the symbol's
// price interest once no pending order needs it.
func (e *Engine) unpendLocked(o *Order) {
	set := e.pending[o.Symbol]
	delete(set, o.ID)
	if len(set) > 0 {
		return
	}
	delete(e.pending, o.Symbol)
	sub := subscriberPrefix + o.Symbol
	_ = e.interest.RemoveInterest(sub, events.ChannelTrades, []string{o.Symbol})
	_ = e.interest.RemoveInterest(sub, events.ChannelQuotes, []string{o.Symbol})
}

func (e *Engine) publish(o Order, prev Status) {
	monitor.ArtificialTransitions.WithLabelValues(string(o.Status)).Inc()
	if e.bus != nil {
		e.bus.Publish(o.update(prev))
	}
}

func sortOrders(orders []Order) {
	sort.Slice(orders, func(i, j int) bool {
		if orders[i].CreatedAt.Equal(orders[j].CreatedAt) {
			return orders[i].ID < orders[j].ID
		}
		return orders[i].CreatedAt.Before(orders[j].CreatedAt)
	})
}
