// Package apperr holds the error taxonomy shared by the gateway, the order
// paths and the API layer.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

var (
	ErrConnection       = errors.New("connection error")
	ErrAuth             = errors.New("authentication failed")
	ErrLivenessTimeout  = errors.New("liveness timeout")
	ErrValidation       = errors.New("validation error")
	ErrCooldown         = errors.New("symbol in cooldown")
	ErrDuplicateOrder   = errors.New("duplicate order")
	ErrOrderNotFound    = errors.New("order not found")
	ErrBroker           = errors.New("broker error")
	ErrReconnectFailure = errors.New("reconnect failed")
)

// ConnectionError reports a dial, read or write failure on an upstream stream.
type ConnectionError struct {
	Stream string
	Err    error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("%s stream: %v", e.Stream, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

func (e *ConnectionError) Is(target error) bool { return target == ErrConnection }

// AuthError is terminal: the stream does not retry on its own.
type AuthError struct {
	Stream  string
	Message string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("%s stream: authentication rejected: %s", e.Stream, e.Message)
}

func (e *AuthError) Is(target error) bool { return target == ErrAuth }

// LivenessTimeoutError is raised when a ping goes unanswered.
type LivenessTimeoutError struct {
	Stream  string
	Timeout time.Duration
}

func (e *LivenessTimeoutError) Error() string {
	return fmt.Sprintf("%s stream: no pong within %s", e.Stream, e.Timeout)
}

func (e *LivenessTimeoutError) Is(target error) bool {
	return target == ErrLivenessTimeout || target == ErrConnection
}

type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// Invalid is shorthand for a ValidationError on field.
func Invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

type CooldownError struct {
	Symbol    string
	Remaining time.Duration
}

func (e *CooldownError) Error() string {
	return fmt.Sprintf("symbol %s is in cooldown for another %dms", e.Symbol, e.RemainingMs())
}

func (e *CooldownError) Is(target error) bool { return target == ErrCooldown }

// RemainingMs rounds the remaining cooldown up to whole milliseconds.
func (e *CooldownError) RemainingMs() int64 {
	ms := e.Remaining / time.Millisecond
	if e.Remaining%time.Millisecond != 0 {
		ms++
	}
	return int64(ms)
}

type DuplicateOrderError struct {
	Key        string
	ExistingID string
}

func (e *DuplicateOrderError) Error() string {
	return fmt.Sprintf("duplicate of order %s (%s)", e.ExistingID, e.Key)
}

func (e *DuplicateOrderError) Is(target error) bool { return target == ErrDuplicateOrder }

type OrderNotFoundError struct {
	ID string
}

func (e *OrderNotFoundError) Error() string {
	return fmt.Sprintf("order %s not found", e.ID)
}

func (e *OrderNotFoundError) Is(target error) bool { return target == ErrOrderNotFound }

// BrokerError wraps a failed call to the brokerage API.
type BrokerError struct {
	Op     string
	Status int
	Err    error
}

func (e *BrokerError) Error() string {
	return fmt.Sprintf("broker %s: %v", e.Op, e.Err)
}

func (e *BrokerError) Unwrap() error { return e.Err }

func (e *BrokerError) Is(target error) bool { return target == ErrBroker }

type ReconnectExhaustedError struct {
	Stream   string
	Attempts int
}

func (e *ReconnectExhaustedError) Error() string {
	return fmt.Sprintf("%s stream: reconnect failed after %d attempts", e.Stream, e.Attempts)
}

func (e *ReconnectExhaustedError) Is(target error) bool { return target == ErrReconnectFailure }

// HTTPStatus maps an error from the order paths to a response status.
func HTTPStatus(err error) int {
	var be *BrokerError
	switch {
	case errors.Is(err, ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, ErrOrderNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrCooldown):
		return http.StatusTooManyRequests
	case errors.Is(err, ErrDuplicateOrder):
		return http.StatusConflict
	case errors.As(err, &be):
		if be.Status == http.StatusNotFound || be.Status == http.StatusUnprocessableEntity || be.Status == http.StatusForbidden {
			return be.Status
		}
		return http.StatusBadGateway
	case errors.Is(err, ErrConnection), errors.Is(err, ErrReconnectFailure):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Code returns the machine-readable code used in REST error bodies.
func Code(err error) string {
	switch {
	case errors.Is(err, ErrValidation):
		return "VALIDATION_ERROR"
	case errors.Is(err, ErrOrderNotFound):
		return "ORDER_NOT_FOUND"
	case errors.Is(err, ErrCooldown):
		return "COOLDOWN"
	case errors.Is(err, ErrDuplicateOrder):
		return "DUPLICATE_ORDER"
	case errors.Is(err, ErrBroker):
		return "BROKER_ERROR"
	case errors.Is(err, ErrAuth):
		return "AUTH_ERROR"
	case errors.Is(err, ErrLivenessTimeout):
		return "LIVENESS_TIMEOUT"
	case errors.Is(err, ErrReconnectFailure):
		return "RECONNECT_FAILED"
	case errors.Is(err, ErrConnection):
		return "CONNECTION_ERROR"
	default:
		return "INTERNAL_ERROR"
	}
}
