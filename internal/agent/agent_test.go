package agent

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"botfleet/internal/bot"
	"botfleet/internal/config"
	"botfleet/internal/db"
	"botfleet/internal/exchange"
	"botfleet/internal/market"
	"botfleet/internal/notifier"
	"botfleet/internal/position"
	"botfleet/internal/risk"
	"botfleet/internal/strategy"
)

type stubEvaluator struct {
	mu  sync.Mutex
	sig strategy.Signal
}

func (s *stubEvaluator) Name() string { return "stub" }

func (s *stubEvaluator) Evaluate(_ context.Context, _ market.Snapshot) (strategy.Signal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sig, nil
}

func (s *stubEvaluator) set(sig strategy.Signal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sig = sig
}

func testBotConfig() config.BotConfig {
	cfg := config.BotConfig{
		Symbols:        []string{"BTC-USDT"},
		LoopInterval:   time.Millisecond,
		BreakerBackoff: time.Millisecond,
		Capital:        1000,
	}
	if err := cfg.Normalize(); err != nil {
		panic(err)
	}
	cfg.LoopInterval = time.Millisecond
	cfg.BreakerBackoff = time.Millisecond
	return cfg
}

type fixture struct {
	store *db.Memory
	gw    *exchange.SimGateway
	eval  *stubEvaluator
	agent *Agent
	inst  bot.Instance
}

func newFixture(t *testing.T, cfg config.BotConfig) *fixture {
	t.Helper()

	store := db.NewMemory()
	gw := exchange.NewSimGateway(cfg.FeeRate)
	gw.SetPrice("BTC-USDT", 100)
	eval := &stubEvaluator{}

	inst := bot.Instance{
		ID:          "bot-1",
		UserID:      "u1",
		PortfolioID: "p1",
		Status:      bot.StatusStarting,
		CreatedAt:   time.Now().UTC(),
		Config:      cfg,
	}
	require.NoError(t, store.CreateInstance(context.Background(), inst))

	gate := risk.NewGate(store, cfg.Risk)
	ledger := position.NewLedger(store, gate, cfg.Risk.TrailingActivationPct, cfg.Risk.TrailingOffsetPct)
	ag := New(inst, store, ledger, gate, gw, eval, notifier.Nop{})

	return &fixture{store: store, gw: gw, eval: eval, agent: ag, inst: inst}
}

func (f *fixture) run(t *testing.T) (cancel func(), done chan struct{}) {
	t.Helper()
	ctx, cancelCtx := context.WithCancel(context.Background())
	done = make(chan struct{})
	go func() {
		defer close(done)
		f.agent.Run(ctx)
	}()
	t.Cleanup(func() {
		cancelCtx()
		<-done
	})
	return cancelCtx, done
}

func (f *fixture) instance(t *testing.T) bot.Instance {
	t.Helper()
	inst, found, err := f.store.GetInstance(context.Background(), f.inst.ID)
	require.NoError(t, err)
	require.True(t, found)
	return inst
}

func TestRunTradesFullCycle(t *testing.T) {
	f := newFixture(t, testBotConfig())
	f.eval.set(strategy.Signal{Side: "long", Confidence: 0.9, ExpectedReturn: 0.02, Reason: "test entry"})
	f.run(t)

	// An entry opens: capital 1000 * 5% at price 100 = 0.5 units.
	require.Eventually(t, func() bool {
		_, found, err := f.store.GetOpenPosition(context.Background(), "p1", "BTC-USDT")
		return err == nil && found
	}, 2*time.Second, 2*time.Millisecond)

	pos, _, err := f.store.GetOpenPosition(context.Background(), "p1", "BTC-USDT")
	require.NoError(t, err)
	assert.Equal(t, "long", pos.Side)
	assert.InDelta(t, 0.5, pos.Quantity, 1e-9)
	assert.InDelta(t, 98, pos.StopLoss, 1e-9)
	assert.InDelta(t, 105, pos.TakeProfit, 1e-9)

	// Silence the signal, then push price through the take profit.
	f.eval.set(strategy.Signal{})
	f.gw.SetPrice("BTC-USDT", 106)

	require.Eventually(t, func() bool {
		return f.instance(t).TotalTrades == 1
	}, 2*time.Second, 2*time.Millisecond)

	inst := f.instance(t)
	assert.Equal(t, int64(1), inst.TotalTrades)
	assert.Equal(t, int64(1), inst.WinningTrades)
	assert.Equal(t, int64(0), inst.LosingTrades)
	assert.InDelta(t, 3.0, inst.TotalPnL, 1e-9) // (106-100) * 0.5

	// Exactly one closing record for the position.
	trades, err := f.store.GetTrades(context.Background(), "bot-1", 0)
	require.NoError(t, err)
	exits := 0
	for _, tr := range trades {
		if tr.Kind == "exit" {
			exits++
			assert.Equal(t, pos.ID, tr.PositionID)
			assert.Equal(t, position.ReasonTakeProfit, tr.Reason)
		}
	}
	assert.Equal(t, 1, exits)
}

func TestStopAfterCloseKeepsCounters(t *testing.T) {
	f := newFixture(t, testBotConfig())
	ctx := context.Background()

	pos := position.Position{
		ID: "pos-1", BotID: "bot-1", PortfolioID: "p1", Symbol: "BTC-USDT",
		Side: "long", EntryPrice: 100, Quantity: 0.5, StopLoss: 98, TakeProfit: 105,
		Status: position.StatusOpen, OpenedAt: time.Now().UTC(),
	}
	require.NoError(t, f.store.SavePosition(ctx, pos))
	f.gw.SetPrice("BTC-USDT", 106)

	// The iteration closes through the take profit and bumps the counters.
	require.NoError(t, f.agent.runIteration(ctx))
	require.Equal(t, int64(1), f.instance(t).TotalTrades)

	// A stop landing right after that close must not revert them.
	f.agent.terminate(bot.StatusStopped, "")

	inst := f.instance(t)
	assert.Equal(t, bot.StatusStopped, inst.Status)
	assert.Equal(t, int64(1), inst.TotalTrades)
	assert.Equal(t, int64(1), inst.WinningTrades)
	assert.InDelta(t, 3.0, inst.TotalPnL, 1e-9)
	assert.False(t, inst.StoppedAt.IsZero())
}

func TestRunStopsCleanly(t *testing.T) {
	f := newFixture(t, testBotConfig())
	cancel, done := f.run(t)

	require.Eventually(t, func() bool {
		return f.instance(t).Status == bot.StatusRunning
	}, 2*time.Second, 2*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("agent did not stop")
	}

	inst := f.instance(t)
	assert.Equal(t, bot.StatusStopped, inst.Status)
	assert.False(t, inst.StoppedAt.IsZero())
}

func TestRunErrorBudget(t *testing.T) {
	cfg := testBotConfig()
	cfg.MaxConsecutiveErrors = 3

	f := newFixture(t, cfg)
	f.gw.FailNextFetch(errors.New("venue down"))
	_, done := f.run(t)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("agent did not terminate on exhausted error budget")
	}

	inst := f.instance(t)
	assert.Equal(t, bot.StatusError, inst.Status)
	assert.Contains(t, inst.ErrorMessage, "venue down")
}

func TestIterationErrorSurfacesAndClears(t *testing.T) {
	f := newFixture(t, testBotConfig())
	ctx := context.Background()

	f.gw.FailNextFetch(errors.New("blip"))
	assert.Error(t, f.agent.runIteration(ctx))

	f.gw.FailNextFetch(nil)
	assert.NoError(t, f.agent.runIteration(ctx))
}

func TestRiskRejectionIsNotAnError(t *testing.T) {
	cfg := testBotConfig()
	// A proposal that can never pay for itself.
	f := newFixture(t, cfg)
	f.eval.set(strategy.Signal{Side: "long", Confidence: 0.9, ExpectedReturn: 0.00001, Reason: "noise"})
	f.run(t)

	require.Eventually(t, func() bool {
		return f.instance(t).Status == bot.StatusRunning
	}, 2*time.Second, 2*time.Millisecond)
	time.Sleep(20 * time.Millisecond)

	inst := f.instance(t)
	assert.Equal(t, bot.StatusRunning, inst.Status)
	assert.Equal(t, int64(0), inst.TotalTrades)

	_, found, err := f.store.GetOpenPosition(context.Background(), "p1", "BTC-USDT")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestFailedOrderGoesToDeadLetter(t *testing.T) {
	cfg := testBotConfig()
	cfg.MaxConsecutiveErrors = 100 // keep the loop alive through order failures

	f := newFixture(t, cfg)
	f.gw.FailNextPlace(errors.New("insufficient balance"))
	f.eval.set(strategy.Signal{Side: "long", Confidence: 0.9, ExpectedReturn: 0.02, Reason: "test"})
	f.run(t)

	require.Eventually(t, func() bool {
		dls, err := f.store.GetDeadLetters(context.Background(), "bot-1")
		return err == nil && len(dls) > 0
	}, 2*time.Second, 2*time.Millisecond)

	dls, err := f.store.GetDeadLetters(context.Background(), "bot-1")
	require.NoError(t, err)
	assert.Equal(t, "order", dls[0].Kind)
	assert.Contains(t, dls[0].Reason, "insufficient balance")
}

func TestDailyTradeCap(t *testing.T) {
	assert.Equal(t, 3, dailyTradeCap(0))
	assert.Equal(t, 3, dailyTradeCap(400))
	assert.Equal(t, 5, dailyTradeCap(1000))
	assert.Equal(t, 10, dailyTradeCap(3500))
	assert.Equal(t, 10, dailyTradeCap(100000))
}

func TestLastActivityAdvances(t *testing.T) {
	f := newFixture(t, testBotConfig())
	assert.True(t, f.agent.LastActivity().IsZero())
	f.run(t)

	require.Eventually(t, func() bool {
		return !f.agent.LastActivity().IsZero()
	}, 2*time.Second, 2*time.Millisecond)
}
