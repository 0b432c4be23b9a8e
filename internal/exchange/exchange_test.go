package exchange

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetryRecoversFromTransientFailure(t *testing.T) {
	calls := 0
	err := retry(context.Background(), 3, time.Millisecond, "test", "op", func() error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetryExhaustsAttempts(t *testing.T) {
	sentinel := errors.New("venue down")
	calls := 0
	err := retry(context.Background(), 3, time.Millisecond, "test", "PlaceOrder", func() error {
		calls++
		return sentinel
	})
	require.Error(t, err)
	assert.Equal(t, 3, calls)
	assert.True(t, IsExchangeError(err))
	assert.ErrorIs(t, err, sentinel)

	var exErr *Error
	require.ErrorAs(t, err, &exErr)
	assert.Equal(t, "test", exErr.Venue)
	assert.Equal(t, "PlaceOrder", exErr.Op)
}

func TestRetryHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := retry(ctx, 5, time.Hour, "test", "op", func() error {
		return errors.New("always")
	})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSimGatewayFillsAtCurrentPrice(t *testing.T) {
	ctx := context.Background()
	gw := NewSimGateway(0.001)
	gw.SetPrice("BTC-USDT", 200)

	resp, err := gw.PlaceOrder(ctx, OrderRequest{
		Symbol: "BTC-USDT", Side: "buy", Type: "market", Quantity: 2,
	})
	require.NoError(t, err)
	assert.Equal(t, "FILLED", resp.Status)
	assert.False(t, resp.Open())
	assert.InDelta(t, 200.0, resp.FilledPrice, 1e-9)
	assert.InDelta(t, 2.0, resp.FilledQty, 1e-9)
	assert.InDelta(t, 0.4, resp.Fee, 1e-9) // 2 * 200 * 0.001
	assert.NotEmpty(t, resp.OrderID)

	// Limit orders fill at the limit price.
	resp, err = gw.PlaceOrder(ctx, OrderRequest{
		Symbol: "BTC-USDT", Side: "sell", Type: "limit", Price: 210, Quantity: 1,
	})
	require.NoError(t, err)
	assert.InDelta(t, 210.0, resp.FilledPrice, 1e-9)
}

func TestSimGatewayUnknownSymbol(t *testing.T) {
	ctx := context.Background()
	gw := NewSimGateway(0)

	_, err := gw.FetchSnapshot(ctx, "NOPE-USDT")
	require.Error(t, err)
	assert.True(t, IsExchangeError(err))

	_, err = gw.PlaceOrder(ctx, OrderRequest{Symbol: "NOPE-USDT", Side: "buy", Type: "market", Quantity: 1})
	assert.Error(t, err)
}

func TestSimGatewaySnapshotHistory(t *testing.T) {
	ctx := context.Background()
	gw := NewSimGateway(0)
	for i := 0; i < 5; i++ {
		gw.SetPrice("BTC-USDT", 100+float64(i))
	}

	snap, err := gw.FetchSnapshot(ctx, "BTC-USDT")
	require.NoError(t, err)
	assert.Equal(t, "BTC-USDT", snap.Symbol)
	assert.InDelta(t, 104.0, snap.Price, 1e-9)
	assert.Len(t, snap.Recent, 5)
	assert.InDelta(t, 104.0, snap.Recent[4].Close, 1e-9)
}

func TestSimGatewayErrorInjection(t *testing.T) {
	ctx := context.Background()
	gw := NewSimGateway(0)
	gw.SetPrice("BTC-USDT", 100)

	boom := errors.New("boom")
	gw.FailNextFetch(boom)
	_, err := gw.FetchSnapshot(ctx, "BTC-USDT")
	assert.ErrorIs(t, err, boom)

	gw.FailNextFetch(nil)
	_, err = gw.FetchSnapshot(ctx, "BTC-USDT")
	assert.NoError(t, err)

	gw.FailNextPlace(boom)
	_, err = gw.PlaceOrder(ctx, OrderRequest{Symbol: "BTC-USDT", Side: "buy", Type: "market", Quantity: 1})
	assert.ErrorIs(t, err, boom)
}
