// Package gatekeeper rejects orders that arrive too soon after another order
// on the same symbol, or that repeat an identical recent order.
package gatekeeper

import (
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/qtmspin/alpaca-api-service-sub000/internal/apperr"
	"github.com/qtmspin/alpaca-api-service-sub000/internal/monitor"
)

const (
	DefaultCooldown        = 5 * time.Second
	DefaultDuplicateWindow = 10 * time.Second
)

// Request is the part of an order the gatekeeper looks at.
type Request struct {
	ID     string
	Symbol string
	Side   string
	Type   string
	Qty    float64
}

// Key identifies duplicates: same symbol, side, type and quantity.
func (r Request) Key() string {
	return strings.ToUpper(r.Symbol) + "|" + strings.ToLower(r.Side) + "|" +
		strings.ToLower(r.Type) + "|" + strconv.FormatFloat(r.Qty, 'f', -1, 64)
}

// Ticket is returned on admission and can be released if the submit fails.
type Ticket struct {
	ID  string
	key string
}

type pendingEntry struct {
	id        string
	expiresAt time.Time
}

// Gatekeeper holds explicit deadline maps that are checked on access, so a
// test clock fully controls expiry.
type Gatekeeper struct {
	mu        sync.Mutex
	cooldown  time.Duration
	window    time.Duration
	now       func() time.Time
	cooldowns map[string]time.Time
	pending   map[string][]pendingEntry
}

type Option func(*Gatekeeper)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(g *Gatekeeper) { g.now = now }
}

func New(cooldown, window time.Duration, opts ...Option) *Gatekeeper {
	if cooldown < 0 {
		cooldown = 0
	}
	if window < 0 {
		window = 0
	}
	g := &Gatekeeper{
		cooldown:  cooldown,
		window:    window,
		now:       time.Now,
		cooldowns: make(map[string]time.Time),
		pending:   make(map[string][]pendingEntry),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Check admits or rejects req. It never touches the network; admission
// records the cooldown and the pending duplicate entry.
func (g *Gatekeeper) Check(req Request) (Ticket, error) {
	symbol := strings.ToUpper(req.Symbol)
	key := req.Key()
	id := req.ID
	if id == "" {
		id = uuid.NewString()
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.now()

	if entries := g.liveEntriesLocked(key, now); len(entries) > 0 {
		monitor.GatekeeperRejections.WithLabelValues("duplicate").Inc()
		return Ticket{}, &apperr.DuplicateOrderError{Key: key, ExistingID: entries[0].id}
	}

	if until, ok := g.cooldowns[symbol]; ok {
		if now.Before(until) {
			monitor.GatekeeperRejections.WithLabelValues("cooldown").Inc()
			return Ticket{}, &apperr.CooldownError{Symbol: symbol, Remaining: until.Sub(now)}
		}
		delete(g.cooldowns, symbol)
	}

	if g.cooldown > 0 {
		g.cooldowns[symbol] = now.Add(g.cooldown)
	}
	if g.window > 0 {
		g.pending[key] = append(g.pending[key], pendingEntry{id: id, expiresAt: now.Add(g.window)})
	}
	return Ticket{ID: id, key: key}, nil
}

// Release forgets the duplicate entry of t. The cooldown stays in place.
func (g *Gatekeeper) Release(t Ticket) {
	g.mu.Lock()
	defer g.mu.Unlock()
	entries := g.pending[t.key]
	for i, e := range entries {
		if e.id == t.ID {
			entries = append(entries[:i], entries[i+1:]...)
			break
		}
	}
	if len(entries) == 0 {
		delete(g.pending, t.key)
	} else {
		g.pending[t.key] = entries
	}
}

// Sweep drops expired entries and returns how many were removed.
func (g *Gatekeeper) Sweep() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.now()
	removed := 0
	for symbol, until := range g.cooldowns {
		if !now.Before(until) {
			delete(g.cooldowns, symbol)
			removed++
		}
	}
	for key, entries := range g.pending {
		live := g.liveEntriesLocked(key, now)
		removed += len(entries) - len(live)
	}
	return removed
}

// CooldownRemaining reports the time left on symbol's cooldown.
func (g *Gatekeeper) CooldownRemaining(symbol string) time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()
	until, ok := g.cooldowns[strings.ToUpper(symbol)]
	if !ok {
		return 0
	}
	if d := until.Sub(g.now()); d > 0 {
		return d
	}
	return 0
}

// liveEntriesLocked prunes expired entries for key and returns the rest.
func (g *Gatekeeper) liveEntriesLocked(key string, now time.Time) []pendingEntry {
	entries := g.pending[key]
	live := entries[:0]
	for _, e := range entries {
		if now.Before(e.expiresAt) {
			live = append(live, e)
		}
	}
	if len(live) == 0 {
		delete(g.pending, key)
		return nil
	}
	g.pending[key] = live
	return live
}
