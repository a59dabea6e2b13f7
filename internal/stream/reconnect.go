package stream

import (
	"sync"
	"time"
)

const (
	DefaultBaseDelay            = time.Second
	DefaultMaxDelay             = 60 * time.Second
	DefaultMaxReconnectAttempts = 10
)

// ReconnectPolicy computes exponential backoff delays and counts attempts.
// The counter is only reset by Reset, which the connection calls once it
// reaches the Authenticated state.
type ReconnectPolicy struct {
	mu          sync.Mutex
	base        time.Duration
	max         time.Duration
	maxAttempts int
	attempts    int
}

// NewReconnectPolicy builds a policy; zero values fall back to the defaults.
func NewReconnectPolicy(base, max time.Duration, maxAttempts int) *ReconnectPolicy {
	if base <= 0 {
		base = DefaultBaseDelay
	}
	if max <= 0 {
		max = DefaultMaxDelay
	}
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxReconnectAttempts
	}
	return &ReconnectPolicy{base: base, max: max, maxAttempts: maxAttempts}
}

// Delay returns min(base * 2^attempts, max).
func (p *ReconnectPolicy) Delay(attempts int) time.Duration {
	d := p.base
	for i := 0; i < attempts; i++ {
		d *= 2
		if d >= p.max {
			return p.max
		}
	}
	if d > p.max {
		return p.max
	}
	return d
}

// Next records a failure and returns the delay before the next attempt.
// ok is false once maxAttempts reconnects have been scheduled.
func (p *ReconnectPolicy) Next() (delay time.Duration, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.attempts >= p.maxAttempts {
		return 0, false
	}
	delay = p.Delay(p.attempts)
	p.attempts++
	return delay, true
}

func (p *ReconnectPolicy) Reset() {
	p.mu.Lock()
	p.attempts = 0
	p.mu.Unlock()
}

func (p *ReconnectPolicy) Attempts() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.attempts
}

func (p *ReconnectPolicy) MaxAttempts() int { return p.maxAttempts }
