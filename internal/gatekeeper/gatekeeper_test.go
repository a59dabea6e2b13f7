package gatekeeper

import (
	"errors"
	"testing"
	"time"

	"github.com/qtmspin/alpaca-api-service-sub000/internal/apperr"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestGatekeeper(cooldown, window time.Duration) (*Gatekeeper, *clock) {
	c := &clock{t: time.Date(2024, 1, 2, 20, 0, 0, 0, time.UTC)}
	return New(cooldown, window, WithClock(c.now)), c
}

func TestCooldownRejectsSecondOrderOnSymbol(t *testing.T) {
	g, clk := newTestGatekeeper(5*time.Second, 10*time.Second)

	if _, err := g.Check(Request{ID: "a", Symbol: "AAPL", Side: "buy", Type: "market", Qty: 10}); err != nil {
		t.Fatalf("first Check: %v", err)
	}
	clk.advance(2 * time.Second)

	_, err := g.Check(Request{ID: "b", Symbol: "aapl", Side: "buy", Type: "market", Qty: 5})
	var ce *apperr.CooldownError
	if !errors.As(err, &ce) {
		t.Fatalf("err=%v, expected CooldownError", err)
	}
	if ce.RemainingMs() <= 0 || ce.RemainingMs() > 5000 {
		t.Fatalf("remaining=%dms, expected within (0, 5000]", ce.RemainingMs())
	}
	if ce.RemainingMs() != 3000 {
		t.Fatalf("remaining=%dms, expected 3000", ce.RemainingMs())
	}

	clk.advance(3 * time.Second)
	if _, err := g.Check(Request{ID: "c", Symbol: "AAPL", Side: "buy", Type: "market", Qty: 5}); err != nil {
		t.Fatalf("Check after cooldown: %v", err)
	}
}

func TestCooldownIsPerSymbol(t *testing.T) {
	g, _ := newTestGatekeeper(5*time.Second, 10*time.Second)
	if _, err := g.Check(Request{Symbol: "AAPL", Side: "buy", Type: "market", Qty: 1}); err != nil {
		t.Fatalf("AAPL: %v", err)
	}
	if _, err := g.Check(Request{Symbol: "MSFT", Side: "buy", Type: "market", Qty: 1}); err != nil {
		t.Fatalf("MSFT: %v", err)
	}
}

func TestDuplicateRejectedWithEarlierID(t *testing.T) {
	g, clk := newTestGatekeeper(0, 10*time.Second)
	req := Request{Symbol: "AAPL", Side: "buy", Type: "market", Qty: 10}

	req.ID = "first"
	if _, err := g.Check(req); err != nil {
		t.Fatalf("first Check: %v", err)
	}
	clk.advance(time.Second)

	req.ID = "second"
	_, err := g.Check(req)
	var de *apperr.DuplicateOrderError
	if !errors.As(err, &de) {
		t.Fatalf("err=%v, expected DuplicateOrderError", err)
	}
	if de.ExistingID != "first" {
		t.Fatalf("ExistingID=%q, expected first", de.ExistingID)
	}

	// A different quantity is a different key.
	if _, err := g.Check(Request{ID: "third", Symbol: "AAPL", Side: "buy", Type: "market", Qty: 11}); err != nil {
		t.Fatalf("different qty: %v", err)
	}

	clk.advance(10 * time.Second)
	req.ID = "fourth"
	if _, err := g.Check(req); err != nil {
		t.Fatalf("Check after window: %v", err)
	}
}

func TestDuplicateTakesPrecedenceOverCooldown(t *testing.T) {
	g, _ := newTestGatekeeper(5*time.Second, 10*time.Second)
	req := Request{ID: "x", Symbol: "AAPL", Side: "buy", Type: "market", Qty: 10}
	if _, err := g.Check(req); err != nil {
		t.Fatalf("first Check: %v", err)
	}
	req.ID = "y"
	if _, err := g.Check(req); !errors.Is(err, apperr.ErrDuplicateOrder) {
		t.Fatalf("err=%v, expected duplicate", err)
	}
}

func TestReleaseKeepsCooldown(t *testing.T) {
	g, _ := newTestGatekeeper(5*time.Second, 10*time.Second)
	req := Request{ID: "x", Symbol: "AAPL", Side: "sell", Type: "limit", Qty: 3}
	tk, err := g.Check(req)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	g.Release(tk)
	g.Release(tk)

	req.ID = "y"
	if _, err := g.Check(req); !errors.Is(err, apperr.ErrCooldown) {
		t.Fatalf("err=%v, expected cooldown after release", err)
	}
}

func TestSweepRemovesExpiredEntries(t *testing.T) {
	g, clk := newTestGatekeeper(5*time.Second, 10*time.Second)
	g.Check(Request{ID: "a", Symbol: "AAPL", Side: "buy", Type: "market", Qty: 1})
	g.Check(Request{ID: "b", Symbol: "MSFT", Side: "buy", Type: "market", Qty: 1})

	clk.advance(6 * time.Second)
	if n := g.Sweep(); n != 2 {
		t.Fatalf("Sweep after 6s removed %d, expected 2 cooldowns", n)
	}
	clk.advance(5 * time.Second)
	if n := g.Sweep(); n != 2 {
		t.Fatalf("Sweep after 11s removed %d, expected 2 duplicate entries", n)
	}
	if d := g.CooldownRemaining("AAPL"); d != 0 {
		t.Fatalf("CooldownRemaining=%v, expected 0", d)
	}
}
