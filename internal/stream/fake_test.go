package stream

import (
	"sync"
	"time"
)

type fakeTimer struct {
	s       *fakeScheduler
	delay   time.Duration
	f       func()
	stopped bool
	fired   bool
}

func (t *fakeTimer) Stop() bool {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	was := !t.stopped && !t.fired
	t.stopped = true
	return was
}

// fakeScheduler records timers instead of running them.
type fakeScheduler struct {
	mu     sync.Mutex
	timers []*fakeTimer
}

func (s *fakeScheduler) AfterFunc(d time.Duration, f func()) Timer {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := &fakeTimer{s: s, delay: d, f: f}
	s.timers = append(s.timers, t)
	return t
}

// active returns the timers that have neither fired nor been stopped.
func (s *fakeScheduler) active() []*fakeTimer {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*fakeTimer
	for _, t := range s.timers {
		if !t.stopped && !t.fired {
			out = append(out, t)
		}
	}
	return out
}

// fire runs the first active timer with the given delay.
func (s *fakeScheduler) fire(d time.Duration) bool {
	s.mu.Lock()
	var target *fakeTimer
	for _, t := range s.timers {
		if !t.stopped && !t.fired && t.delay == d {
			target = t
			break
		}
	}
	if target != nil {
		target.fired = true
	}
	s.mu.Unlock()
	if target == nil {
		return false
	}
	target.f()
	return true
}
