package strategy

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"botfleet/internal/market"
)

func candlesFromCloses(closes []float64) []market.Candle {
	base := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	out := make([]market.Candle, len(closes))
	for i, c := range closes {
		out[i] = market.Candle{
			Timestamp: base.Add(time.Duration(i) * time.Hour),
			Open:      c, High: c, Low: c, Close: c, Volume: 1,
		}
	}
	return out
}

func TestMomentumInsufficientHistory(t *testing.T) {
	m := NewMomentum()
	sig, err := m.Evaluate(context.Background(), market.Snapshot{
		Symbol: "BTC-USDT",
		Recent: candlesFromCloses([]float64{100, 101, 102}),
	})
	require.NoError(t, err)
	assert.Empty(t, sig.Side)
}

func TestMomentumLongOnUptrend(t *testing.T) {
	m := NewMomentum()

	// Flat then a sharp rally: the fast average pulls above the slow one.
	closes := make([]float64, 0, 25)
	for i := 0; i < 20; i++ {
		closes = append(closes, 100)
	}
	for i := 0; i < 5; i++ {
		closes = append(closes, 104+float64(i))
	}

	sig, err := m.Evaluate(context.Background(), market.Snapshot{
		Symbol: "BTC-USDT",
		Recent: candlesFromCloses(closes),
	})
	require.NoError(t, err)
	assert.Equal(t, "long", sig.Side)
	assert.Greater(t, sig.Confidence, 0.5)
	assert.Greater(t, sig.ExpectedReturn, 0.0)
}

func TestMomentumShortOnDowntrend(t *testing.T) {
	m := NewMomentum()

	closes := make([]float64, 0, 25)
	for i := 0; i < 20; i++ {
		closes = append(closes, 100)
	}
	for i := 0; i < 5; i++ {
		closes = append(closes, 96-float64(i))
	}

	sig, err := m.Evaluate(context.Background(), market.Snapshot{
		Symbol: "BTC-USDT",
		Recent: candlesFromCloses(closes),
	})
	require.NoError(t, err)
	assert.Equal(t, "short", sig.Side)
}

func TestSMA(t *testing.T) {
	candles := candlesFromCloses([]float64{1, 2, 3, 4, 5})
	assert.InDelta(t, 4.0, sma(candles, 3), 1e-9)
	assert.InDelta(t, 3.0, sma(candles, 5), 1e-9)
	assert.Zero(t, sma(candles, 6))
	assert.Zero(t, sma(candles, 0))
}
