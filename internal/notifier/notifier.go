// Package notifier
package notifier

import "context"

// Sink delivers user-facing alerts. Delivery is fire-and-forget: callers
// log failures but never let them propagate into the trading loop.
type Sink interface {
	Notify(ctx context.Context, userID, eventType string, payload map[string]any) error
}

// Nop discards all notifications.
type Nop struct{}

func (Nop) Notify(context.Context, string, string, map[string]any) error { return nil }
