package stream

import "time"

// Type distinguishes the two upstream streams.
type Type string

const (
	MarketData    Type = "market_data"
	TradingEvents Type = "trading_events"
)

// State is the lifecycle of one upstream socket.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateAuthenticated
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateAuthenticated:
		return "authenticated"
	default:
		return "disconnected"
	}
}

// Up reports whether a socket is open.
func (s State) Up() bool {
	return s == StateConnected || s == StateAuthenticated
}

// Status is a point-in-time view of a connection.
type Status struct {
	Type     Type      `json:"type"`
	State    State     `json:"-"`
	StateStr string    `json:"state"`
	Attempts int       `json:"attempts"`
	Err      string    `json:"error,omitempty"`
	Terminal bool      `json:"terminal"`
	Since    time.Time `json:"since"`
}

// Scheduler abstracts time.AfterFunc so timers can be driven by tests.
type Scheduler interface {
	AfterFunc(d time.Duration, f func()) Timer
}

type Timer interface {
	Stop() bool
}

type realScheduler struct{}

func (realScheduler) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// RealScheduler is backed by the runtime timers.
var RealScheduler Scheduler = realScheduler{}
