package position

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"botfleet/internal/config"
	"botfleet/internal/risk"
)

type mockStore struct {
	positions map[string]Position
	trades    []TradeRecord
	closes    int
}

func newMockStore() *mockStore {
	return &mockStore{positions: make(map[string]Position)}
}

func (m *mockStore) SavePosition(_ context.Context, pos Position) error {
	m.positions[pos.ID] = pos
	return nil
}

func (m *mockStore) UpdatePosition(_ context.Context, pos Position) error {
	m.positions[pos.ID] = pos
	return nil
}

func (m *mockStore) GetOpenPosition(_ context.Context, portfolioID, symbol string) (Position, bool, error) {
	for _, pos := range m.positions {
		if pos.PortfolioID == portfolioID && pos.Symbol == symbol && pos.Status == StatusOpen {
			return pos, true, nil
		}
	}
	return Position{}, false, nil
}

func (m *mockStore) GetOpenPositions(_ context.Context, portfolioID string) ([]Position, error) {
	var out []Position
	for _, pos := range m.positions {
		if pos.PortfolioID == portfolioID && pos.Status == StatusOpen {
			out = append(out, pos)
		}
	}
	return out, nil
}

func (m *mockStore) AppendTrade(_ context.Context, t TradeRecord) error {
	m.trades = append(m.trades, t)
	return nil
}

func (m *mockStore) CloseTrade(_ context.Context, _ string, pos Position, t TradeRecord) error {
	m.positions[pos.ID] = pos
	m.trades = append(m.trades, t)
	m.closes++
	return nil
}

func (m *mockStore) GetTrades(_ context.Context, botID string, _ int) ([]TradeRecord, error) {
	var out []TradeRecord
	for _, t := range m.trades {
		if t.BotID == botID {
			out = append(out, t)
		}
	}
	return out, nil
}

type mockRiskStore struct {
	states map[string]risk.State
}

func (m *mockRiskStore) GetRiskState(_ context.Context, id string) (risk.State, bool, error) {
	st, ok := m.states[id]
	return st, ok, nil
}

func (m *mockRiskStore) SaveRiskState(_ context.Context, st risk.State) error {
	m.states[st.PortfolioID] = st
	return nil
}

func newTestLedger(store Store) *Ledger {
	gate := risk.NewGate(&mockRiskStore{states: make(map[string]risk.State)}, config.DefaultRiskParams())
	return NewLedger(store, gate, 2.0, 1.0)
}

func longPosition() Position {
	return Position{
		BotID:       "bot-1",
		PortfolioID: "p1",
		Symbol:      "BTC-USDT",
		Side:        "long",
		EntryPrice:  100,
		Quantity:    0.5,
		StopLoss:    95,
		TakeProfit:  110,
	}
}

func TestOpenValidatesLevels(t *testing.T) {
	ctx := context.Background()
	ledger := newTestLedger(newMockStore())

	pos := longPosition()
	pos.StopLoss = 101 // stop above entry on a long
	_, err := ledger.Open(ctx, pos)
	assert.Error(t, err)

	pos = longPosition()
	pos.Side = "short"
	pos.StopLoss = 105
	pos.TakeProfit = 98 // valid short: take < entry < stop
	_, err = ledger.Open(ctx, pos)
	assert.NoError(t, err)

	// Long levels on a short are refused.
	_, err = ledger.Open(ctx, Position{
		PortfolioID: "p2", Symbol: "ETH-USDT", Side: "short",
		EntryPrice: 100, Quantity: 1, StopLoss: 95, TakeProfit: 110,
	})
	assert.Error(t, err)

	_, err = ledger.Open(ctx, Position{
		PortfolioID: "p2", Symbol: "ETH-USDT", Side: "long",
		EntryPrice: 100, Quantity: 0, StopLoss: 95, TakeProfit: 110,
	})
	assert.Error(t, err)
}

func TestOpenRejectsSecondPositionOnSymbol(t *testing.T) {
	ctx := context.Background()
	ledger := newTestLedger(newMockStore())

	_, err := ledger.Open(ctx, longPosition())
	require.NoError(t, err)
	_, err = ledger.Open(ctx, longPosition())
	assert.Error(t, err)
}

func TestManageStopAndTake(t *testing.T) {
	ctx := context.Background()
	store := newMockStore()
	ledger := newTestLedger(store)

	pos, err := ledger.Open(ctx, longPosition())
	require.NoError(t, err)

	dec, err := ledger.Manage(ctx, &pos, 100.5, false)
	require.NoError(t, err)
	assert.False(t, dec.Close)

	dec, err = ledger.Manage(ctx, &pos, 94, false)
	require.NoError(t, err)
	assert.True(t, dec.Close)
	assert.Equal(t, ReasonStopLoss, dec.Reason)

	dec, err = ledger.Manage(ctx, &pos, 111, false)
	require.NoError(t, err)
	assert.True(t, dec.Close)
	assert.Equal(t, ReasonTakeProfit, dec.Reason)
}

func TestManageTrailingStop(t *testing.T) {
	ctx := context.Background()
	store := newMockStore()
	ledger := newTestLedger(store) // arms at +2%, trails by 1%

	pos, err := ledger.Open(ctx, longPosition())
	require.NoError(t, err)

	// Below the activation level: nothing arms.
	dec, err := ledger.Manage(ctx, &pos, 101, false)
	require.NoError(t, err)
	assert.False(t, dec.Close)
	assert.False(t, pos.TrailingArmed)

	// +3% arms the trail 1% under the high water mark.
	dec, err = ledger.Manage(ctx, &pos, 103, false)
	require.NoError(t, err)
	assert.False(t, dec.Close)
	require.True(t, pos.TrailingArmed)
	assert.InDelta(t, 101.97, pos.TrailingStop, 1e-9)

	// A new high ratchets the stop up.
	dec, err = ledger.Manage(ctx, &pos, 104, false)
	require.NoError(t, err)
	assert.False(t, dec.Close)
	assert.InDelta(t, 102.96, pos.TrailingStop, 1e-9)

	// A pullback that stays above the stop never loosens it.
	dec, err = ledger.Manage(ctx, &pos, 103.5, false)
	require.NoError(t, err)
	assert.False(t, dec.Close)
	assert.InDelta(t, 102.96, pos.TrailingStop, 1e-9)

	// Falling through the stop closes.
	dec, err = ledger.Manage(ctx, &pos, 102.9, false)
	require.NoError(t, err)
	assert.True(t, dec.Close)
	assert.Equal(t, ReasonTrailingStop, dec.Reason)

	// The armed state survived persistence.
	saved := store.positions[pos.ID]
	assert.True(t, saved.TrailingArmed)
}

func TestManagePriority(t *testing.T) {
	ctx := context.Background()
	ledger := newTestLedger(newMockStore())

	pos, err := ledger.Open(ctx, longPosition())
	require.NoError(t, err)

	// Arm the trail, then crash through both the trail and the hard stop:
	// the hard stop wins.
	_, err = ledger.Manage(ctx, &pos, 103, false)
	require.NoError(t, err)
	require.True(t, pos.TrailingArmed)

	dec, err := ledger.Manage(ctx, &pos, 94, true)
	require.NoError(t, err)
	assert.Equal(t, ReasonStopLoss, dec.Reason)

	// An exit signal only fires when no protective level does.
	pos2, err := ledger.Open(ctx, Position{
		PortfolioID: "p1", Symbol: "ETH-USDT", Side: "long",
		EntryPrice: 100, Quantity: 1, StopLoss: 95, TakeProfit: 110,
	})
	require.NoError(t, err)
	dec, err = ledger.Manage(ctx, &pos2, 100.5, true)
	require.NoError(t, err)
	assert.True(t, dec.Close)
	assert.Equal(t, ReasonSignalExit, dec.Reason)
}

func TestClose(t *testing.T) {
	ctx := context.Background()
	store := newMockStore()
	ledger := newTestLedger(store)

	pos, err := ledger.Open(ctx, longPosition())
	require.NoError(t, err)

	closed, trade, err := ledger.Close(ctx, pos, 104, 0.05, "market", ReasonTakeProfit)
	require.NoError(t, err)
	assert.Equal(t, StatusClosed, closed.Status)
	assert.InDelta(t, 2.0, closed.RealizedPnL, 1e-9) // (104-100) * 0.5
	assert.Equal(t, "exit", trade.Kind)
	assert.Equal(t, "sell", trade.Side)
	assert.InDelta(t, 2.0, trade.PnL, 1e-9)
	assert.Equal(t, 1, store.closes)

	// Closing twice is refused.
	_, _, err = ledger.Close(ctx, closed, 104, 0, "market", ReasonTakeProfit)
	assert.Error(t, err)
}

func TestClosePnLShort(t *testing.T) {
	ctx := context.Background()
	store := newMockStore()
	ledger := newTestLedger(store)

	pos, err := ledger.Open(ctx, Position{
		BotID: "bot-1", PortfolioID: "p1", Symbol: "BTC-USDT", Side: "short",
		EntryPrice: 100, Quantity: 2, StopLoss: 105, TakeProfit: 90,
	})
	require.NoError(t, err)

	// Short profits when price falls.
	_, trade, err := ledger.Close(ctx, pos, 95, 0, "market", ReasonTakeProfit)
	require.NoError(t, err)
	assert.InDelta(t, 10.0, trade.PnL, 1e-9) // (95-100) * 2 * -1
}

func TestCloseFeedsRiskGate(t *testing.T) {
	ctx := context.Background()
	store := newMockStore()
	riskStore := &mockRiskStore{states: make(map[string]risk.State)}
	gate := risk.NewGate(riskStore, config.DefaultRiskParams())
	ledger := NewLedger(store, gate, 2.0, 1.0)

	pos, err := ledger.Open(ctx, longPosition())
	require.NoError(t, err)
	_, _, err = ledger.Close(ctx, pos, 90, 0, "market", ReasonStopLoss)
	require.NoError(t, err)

	st := riskStore.states["p1"]
	assert.InDelta(t, 5.0, st.DailyLoss, 1e-9) // (90-100) * 0.5 lost
	assert.Equal(t, 1, st.ConsecutiveLosses)
}

func TestRecordEntry(t *testing.T) {
	ctx := context.Background()
	store := newMockStore()
	ledger := newTestLedger(store)

	pos, err := ledger.Open(ctx, longPosition())
	require.NoError(t, err)
	trade, err := ledger.RecordEntry(ctx, pos, "market", 0.05, "sma crossover")
	require.NoError(t, err)
	assert.Equal(t, "entry", trade.Kind)
	assert.Equal(t, "buy", trade.Side)
	assert.Len(t, store.trades, 1)
}
