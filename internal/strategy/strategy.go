// Package strategy
package strategy

import (
	"context"

	"botfleet/internal/market"
)

// Signal is an entry proposal from an evaluator. Side is empty when the
// evaluator has no opinion.
type Signal struct {
	Side           string  // "long" or "short"
	Confidence     float64 // 0..1
	ExpectedReturn float64 // fraction of notional, e.g. 0.02 for 2%
	Reason         string
}

// Evaluator produces signals from market snapshots. The algorithm is
// pluggable; agents only care about the contract.
type Evaluator interface {
	Name() string
	Evaluate(ctx context.Context, snap market.Snapshot) (Signal, error)
}
