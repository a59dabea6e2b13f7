package stream

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/qtmspin/alpaca-api-service-sub000/internal/apperr"
	"github.com/qtmspin/alpaca-api-service-sub000/internal/monitor"
)

const (
	DefaultHealthInterval = 30 * time.Second
	DefaultPongTimeout    = 10 * time.Second
)

// Target is the connection surface the health monitor drives.
type Target interface {
	Type() Type
	State() State
	Ping() error
	Terminate(err error)
	Reconnect()
}

// HealthMonitor pings its target on an interval and terminates the socket
// when no pong arrives in time. At most one ping is outstanding.
type HealthMonitor struct {
	target   Target
	interval time.Duration
	timeout  time.Duration
	sched    Scheduler
	log      *slog.Logger

	mu      sync.Mutex
	pending Timer
	seq     uint64

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func NewHealthMonitor(target Target, interval, timeout time.Duration, logger *slog.Logger, opts ...Option) *HealthMonitor {
	if interval <= 0 {
		interval = DefaultHealthInterval
	}
	if timeout <= 0 {
		timeout = DefaultPongTimeout
	}
	s := buildSettings(opts)
	return &HealthMonitor{
		target:   target,
		interval: interval,
		timeout:  timeout,
		sched:    s.sched,
		log:      logger.With("component", "health", "stream", string(target.Type())),
		stopCh:   make(chan struct{}),
	}
}

// Start runs Check every interval until ctx is done or Stop is called.
func (h *HealthMonitor) Start(ctx context.Context) {
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		ticker := time.NewTicker(h.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-h.stopCh:
				return
			case <-ticker.C:
				h.Check()
			}
		}
	}()
}

// Stop ends the ping loop and clears any outstanding ping. Calling it again
// is a no-op.
func (h *HealthMonitor) Stop() {
	h.stopOnce.Do(func() { close(h.stopCh) })
	h.wg.Wait()
	h.mu.Lock()
	h.clearLocked()
	h.mu.Unlock()
}

// Check runs one liveness cycle.
func (h *HealthMonitor) Check() {
	h.mu.Lock()
	h.clearLocked()
	if !h.target.State().Up() {
		h.mu.Unlock()
		h.log.Debug("stream down, taking reconnect path")
		h.target.Reconnect()
		return
	}
	// Armed before the ping goes out so an early pong cannot be missed.
	seq := h.seq
	h.pending = h.sched.AfterFunc(h.timeout, func() { h.expire(seq) })
	h.mu.Unlock()

	if err := h.target.Ping(); err != nil {
		h.mu.Lock()
		if h.seq == seq {
			h.clearLocked()
		}
		h.mu.Unlock()
		h.target.Terminate(&apperr.ConnectionError{Stream: string(h.target.Type()), Err: fmt.Errorf("ping: %w", err)})
	}
}

// Pong cancels the outstanding ping timer.
func (h *HealthMonitor) Pong() {
	h.mu.Lock()
	h.clearLocked()
	h.mu.Unlock()
}

// Outstanding reports whether a ping is awaiting its pong.
func (h *HealthMonitor) Outstanding() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.pending != nil
}

func (h *HealthMonitor) expire(seq uint64) {
	h.mu.Lock()
	if seq != h.seq || h.pending == nil {
		h.mu.Unlock()
		return
	}
	h.pending = nil
	h.seq++
	h.mu.Unlock()

	monitor.LivenessTimeouts.WithLabelValues(string(h.target.Type())).Inc()
	h.log.Warn("pong not received, terminating socket", "timeout", h.timeout)
	h.target.Terminate(&apperr.LivenessTimeoutError{Stream: string(h.target.Type()), Timeout: h.timeout})
}

func (h *HealthMonitor) clearLocked() {
	if h.pending != nil {
		h.pending.Stop()
		h.pending = nil
	}
	h.seq++
}
