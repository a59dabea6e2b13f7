package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

var ErrOrderIDRequired = errors.New("order id is required")

const (
	InsertSubmissionSQL = `
		INSERT INTO order_submissions
			(origin, client_order_id, broker_order_id, symbol, side, order_type, qty, limit_price, extended_hours, error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	InsertTransitionSQL = `
		INSERT INTO artificial_transitions
			(order_id, symbol, from_status, to_status, price, broker_order_id, reason, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
)

// SubmissionArgs returns the InsertSubmissionSQL arguments for s.
func SubmissionArgs(s Submission) []any {
	return []any{s.Origin, s.ClientOrderID, s.BrokerOrderID, s.Symbol, s.Side, s.OrderType,
		s.Qty, s.LimitPrice, s.ExtendedHours, s.Error, s.CreatedAt}
}

// TransitionArgs returns the InsertTransitionSQL arguments for t.
func TransitionArgs(t Transition) []any {
	return []any{t.OrderID, t.Symbol, t.FromStatus, t.ToStatus, t.Price, t.BrokerOrderID, t.Reason, t.CreatedAt}
}

// TransitionsByOrder returns the journaled history of one artificial order, oldest first.
func (d *Database) TransitionsByOrder(ctx context.Context, orderID string) ([]Transition, error) {
	if orderID == "" {
		return nil, ErrOrderIDRequired
	}
	rows, err := d.DB.QueryContext(ctx, `
		SELECT id, order_id, symbol, COALESCE(from_status, ''), to_status, price,
		       COALESCE(broker_order_id, ''), COALESCE(reason, ''), created_at
		FROM artificial_transitions
		WHERE order_id = ?
		ORDER BY id ASC
	`, orderID)
	if err != nil {
		return nil, fmt.Errorf("query transitions: %w", err)
	}
	defer rows.Close()

	var out []Transition
	for rows.Next() {
		var t Transition
		if err := rows.Scan(&t.ID, &t.OrderID, &t.Symbol, &t.FromStatus, &t.ToStatus, &t.Price,
			&t.BrokerOrderID, &t.Reason, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan transition: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// RecentSubmissions returns the newest submissions first.
func (d *Database) RecentSubmissions(ctx context.Context, limit int) ([]Submission, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := d.DB.QueryContext(ctx, `
		SELECT id, origin, client_order_id, COALESCE(broker_order_id, ''), symbol, side, order_type,
		       qty, limit_price, extended_hours, COALESCE(error, ''), created_at
		FROM order_submissions
		ORDER BY id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query submissions: %w", err)
	}
	defer rows.Close()

	var out []Submission
	for rows.Next() {
		var s Submission
		var ext sql.NullBool
		if err := rows.Scan(&s.ID, &s.Origin, &s.ClientOrderID, &s.BrokerOrderID, &s.Symbol, &s.Side,
			&s.OrderType, &s.Qty, &s.LimitPrice, &ext, &s.Error, &s.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan submission: %w", err)
		}
		s.ExtendedHours = ext.Bool
		out = append(out, s)
	}
	return out, rows.Err()
}
