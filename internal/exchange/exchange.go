// Package exchange
package exchange

import (
	"context"
	"errors"
	"fmt"
	"time"

	"botfleet/internal/market"
)

// OrderRequest represents a new order to be submitted to a venue.
type OrderRequest struct {
	Symbol   string
	Side     string // "buy" or "sell"
	Type     string // "market" or "limit"
	Price    float64
	Quantity float64
}

// OrderResponse represents the venue's answer to a placed order.
type OrderResponse struct {
	OrderID     string
	Symbol      string
	Side        string
	Type        string
	Status      string
	FilledQty   float64
	FilledPrice float64
	Fee         float64
	Timestamp   time.Time
}

// Open reports whether the order is still working on the venue.
func (o OrderResponse) Open() bool {
	switch o.Status {
	case "FILLED", "CANCELED", "EXPIRED", "REJECTED":
		return false
	}
	return true
}

// Gateway is the venue surface an agent trades through. Implementations are
// responsible for their own rate limiting and transient-failure handling;
// errors that escape are wrapped in *Error.
type Gateway interface {
	Name() string
	FetchSnapshot(ctx context.Context, symbol string) (market.Snapshot, error)
	PlaceOrder(ctx context.Context, req OrderRequest) (OrderResponse, error)
	CancelOrder(ctx context.Context, symbol, orderID string) error
}

// Error marks a venue failure. Transient by assumption: callers retry with
// bounded backoff inside the current iteration and then abandon it.
type Error struct {
	Venue string
	Op    string
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("exchange %s: %s: %v", e.Venue, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func wrapErr(venue, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Venue: venue, Op: op, Err: err}
}

// IsExchangeError reports whether err originated at a venue gateway.
func IsExchangeError(err error) bool {
	var e *Error
	return errors.As(err, &e)
}
