package exchange

import (
	"context"
	"time"
)

// OrderRecord is the persisted shadow of an order sent to a venue. Open
// records are what an emergency stop cancels.
type OrderRecord struct {
	OrderID   string
	BotID     string
	Venue     string
	Symbol    string
	Side      string
	Type      string
	Status    string
	Price     float64
	Quantity  float64
	CreatedAt time.Time
	ClosedAt  time.Time
}

// DeadLetter captures an order (or side effect) that failed after the
// retry budget was exhausted, so it can be replayed or audited later.
type DeadLetter struct {
	ID        string
	BotID     string
	Kind      string // "order" or "notification"
	Reason    string
	Payload   map[string]any
	CreatedAt time.Time
}

// OrderStore persists order shadows and dead letters.
type OrderStore interface {
	SaveOrder(ctx context.Context, rec OrderRecord) error
	UpdateOrderStatus(ctx context.Context, orderID, status string) error
	GetOpenOrders(ctx context.Context, botID string) ([]OrderRecord, error)
	SaveDeadLetter(ctx context.Context, dl DeadLetter) error
	GetDeadLetters(ctx context.Context, botID string) ([]DeadLetter, error)
}
