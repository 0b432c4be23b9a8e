package strategy

import (
	"context"
	"math"

	"botfleet/internal/market"
)

// Momentum is a small SMA-crossover evaluator: long when the fast average
// is above the slow one, short when below. Confidence scales with the gap
// between the averages relative to price.
type Momentum struct {
	FastPeriod int
	SlowPeriod int
}

func NewMomentum() *Momentum {
	return &Momentum{FastPeriod: 5, SlowPeriod: 20}
}

func (m *Momentum) Name() string { return "momentum" }

func (m *Momentum) Evaluate(_ context.Context, snap market.Snapshot) (Signal, error) {
	if len(snap.Recent) < m.SlowPeriod {
		return Signal{Reason: "insufficient history"}, nil
	}

	fast := sma(snap.Recent, m.FastPeriod)
	slow := sma(snap.Recent, m.SlowPeriod)
	if slow == 0 {
		return Signal{Reason: "degenerate prices"}, nil
	}

	gap := (fast - slow) / slow
	side := "long"
	if gap < 0 {
		side = "short"
	}

	// A 1% divergence between the averages maps to full confidence.
	confidence := math.Min(math.Abs(gap)/0.01, 1.0)
	return Signal{
		Side:           side,
		Confidence:     confidence,
		ExpectedReturn: math.Abs(gap),
		Reason:         "sma crossover",
	}, nil
}

func sma(candles []market.Candle, period int) float64 {
	if period <= 0 || len(candles) < period {
		return 0
	}
	sum := 0.0
	for _, c := range candles[len(candles)-period:] {
		sum += c.Close
	}
	return sum / float64(period)
}
