package stream

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/qtmspin/alpaca-api-service-sub000/internal/apperr"
	"github.com/qtmspin/alpaca-api-service-sub000/pkg/logging"
)

type fakeTarget struct {
	mu         sync.Mutex
	state      State
	pings      int
	pingErr    error
	terminated []error
	reconnects int
}

func (f *fakeTarget) Type() Type { return MarketData }

func (f *fakeTarget) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeTarget) Ping() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pings++
	return f.pingErr
}

func (f *fakeTarget) Terminate(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.terminated = append(f.terminated, err)
	f.state = StateDisconnected
}

func (f *fakeTarget) Reconnect() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reconnects++
}

func TestHealthMonitorTerminatesOnMissingPong(t *testing.T) {
	target := &fakeTarget{state: StateAuthenticated}
	sched := &fakeScheduler{}
	h := NewHealthMonitor(target, DefaultHealthInterval, DefaultPongTimeout, logging.Discard(), WithScheduler(sched))

	h.Check()
	if target.pings != 1 {
		t.Fatalf("pings=%d, expected 1", target.pings)
	}
	if !h.Outstanding() {
		t.Fatalf("expected an outstanding ping")
	}
	if !sched.fire(DefaultPongTimeout) {
		t.Fatalf("no pong timer armed")
	}
	if len(target.terminated) != 1 {
		t.Fatalf("terminated=%d, expected 1", len(target.terminated))
	}
	if !errors.Is(target.terminated[0], apperr.ErrLivenessTimeout) {
		t.Fatalf("terminate error=%v, expected liveness timeout", target.terminated[0])
	}
}

func TestHealthMonitorPongCancelsTimer(t *testing.T) {
	target := &fakeTarget{state: StateAuthenticated}
	sched := &fakeScheduler{}
	h := NewHealthMonitor(target, DefaultHealthInterval, DefaultPongTimeout, logging.Discard(), WithScheduler(sched))

	h.Check()
	h.Pong()
	if h.Outstanding() {
		t.Fatalf("expected no outstanding ping after pong")
	}
	if sched.fire(DefaultPongTimeout) {
		t.Fatalf("pong timer should have been stopped")
	}
	if len(target.terminated) != 0 {
		t.Fatalf("terminated=%d, expected 0", len(target.terminated))
	}
}

func TestHealthMonitorKeepsOnePingOutstanding(t *testing.T) {
	target := &fakeTarget{state: StateAuthenticated}
	sched := &fakeScheduler{}
	h := NewHealthMonitor(target, DefaultHealthInterval, DefaultPongTimeout, logging.Discard(), WithScheduler(sched))

	h.Check()
	h.Check()
	h.Check()
	if n := len(sched.active()); n != 1 {
		t.Fatalf("active timers=%d, expected 1", n)
	}
	sched.fire(DefaultPongTimeout)
	if len(target.terminated) != 1 {
		t.Fatalf("terminated=%d, expected 1", len(target.terminated))
	}
}

func TestHealthMonitorDownConnectionReconnects(t *testing.T) {
	target := &fakeTarget{state: StateDisconnected}
	sched := &fakeScheduler{}
	h := NewHealthMonitor(target, DefaultHealthInterval, DefaultPongTimeout, logging.Discard(), WithScheduler(sched))

	h.Check()
	if target.pings != 0 {
		t.Fatalf("pings=%d, expected 0 when down", target.pings)
	}
	if target.reconnects != 1 {
		t.Fatalf("reconnects=%d, expected 1", target.reconnects)
	}
	if len(sched.active()) != 0 {
		t.Fatalf("expected no pong timer when down")
	}
}

func TestHealthMonitorPingErrorTerminates(t *testing.T) {
	target := &fakeTarget{state: StateConnected, pingErr: errors.New("broken pipe")}
	sched := &fakeScheduler{}
	h := NewHealthMonitor(target, DefaultHealthInterval, DefaultPongTimeout, logging.Discard(), WithScheduler(sched))

	h.Check()
	if len(target.terminated) != 1 || !errors.Is(target.terminated[0], apperr.ErrConnection) {
		t.Fatalf("terminated=%v, expected one connection error", target.terminated)
	}
	if h.Outstanding() {
		t.Fatalf("expected pong timer cleared after ping error")
	}
}

func TestHealthMonitorStopTwice(t *testing.T) {
	target := &fakeTarget{state: StateAuthenticated}
	h := NewHealthMonitor(target, time.Hour, time.Second, logging.Discard(), WithScheduler(&fakeScheduler{}))
	h.Start(context.Background())
	h.Stop()
	h.Stop()
	if h.Outstanding() {
		t.Fatalf("ping outstanding after Stop")
	}
}
