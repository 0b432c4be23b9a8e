// Package agent runs one user's trading loop.
package agent

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"botfleet/internal/bot"
	"botfleet/internal/exchange"
	"botfleet/internal/journal"
	"botfleet/internal/market"
	"botfleet/internal/notifier"
	"botfleet/internal/position"
	"botfleet/internal/risk"
	"botfleet/internal/strategy"
)

// Loop states, for logging and journal events.
const (
	StateInitializing = "initializing"
	StateEvaluating   = "evaluating"
	StateRiskCheck    = "risk_check"
	StateExecuting    = "executing"
	StateMonitoring   = "monitoring"
	StateTerminating  = "terminating"
)

// Store is the persistence surface the agent needs. db.Storage satisfies it.
type Store interface {
	bot.InstanceStore
	position.Store
	exchange.OrderStore
	journal.Journaler
	risk.StateStore
}

// Agent owns one bot instance's loop. Exactly one goroutine runs Run; the
// supervisor is the only other caller and talks to it through context
// cancellation and the read-only accessors.
type Agent struct {
	inst    bot.Instance
	store   Store
	ledger  *position.Ledger
	gate    *risk.Gate
	gateway exchange.Gateway
	eval    strategy.Evaluator
	sink    notifier.Sink

	lastActivity atomic.Int64 // unix nanos

	tradeDay    string
	tradesToday int

	consecutiveErrors int
}

func New(inst bot.Instance, store Store, ledger *position.Ledger, gate *risk.Gate,
	gateway exchange.Gateway, eval strategy.Evaluator, sink notifier.Sink,
) *Agent {
	return &Agent{
		inst:    inst,
		store:   store,
		ledger:  ledger,
		gate:    gate,
		gateway: gateway,
		eval:    eval,
		sink:    sink,
	}
}

// InstanceID returns the bot instance this agent runs.
func (a *Agent) InstanceID() string { return a.inst.ID }

// LastActivity is the time of the agent's most recent loop work. Safe to
// call from other goroutines.
func (a *Agent) LastActivity() time.Time {
	n := a.lastActivity.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

func (a *Agent) touch() {
	a.lastActivity.Store(time.Now().UnixNano())
}

// Run executes the trading loop until ctx is cancelled or the error budget
// is spent. It always persists a terminal status before returning.
func (a *Agent) Run(ctx context.Context) {
	logger := log.With().Str("bot", a.inst.ID).Str("user", a.inst.UserID).Logger()

	logger.Info().Str("state", StateInitializing).Strs("symbols", a.inst.Config.Symbols).Msg("Agent starting")
	a.touch()

	a.inst.Status = bot.StatusRunning
	a.inst.StartedAt = time.Now().UTC()
	if err := a.store.UpdateInstance(ctx, a.inst); err != nil {
		logger.Error().Err(err).Msg("Failed to mark instance running")
		a.terminate(bot.StatusError, fmt.Sprintf("initialization failed: %v", err))
		return
	}
	a.journal(ctx, "bot_started", "agent loop started", map[string]any{"user_id": a.inst.UserID})
	a.notify("bot_started", map[string]any{"symbols": fmt.Sprint(a.inst.Config.Symbols)})

	maxErrors := a.inst.Config.MaxConsecutiveErrors

	for {
		select {
		case <-ctx.Done():
			a.terminate(bot.StatusStopped, "")
			return
		default:
		}

		if err := a.runIteration(ctx); err != nil {
			if ctx.Err() != nil {
				a.terminate(bot.StatusStopped, "")
				return
			}
			a.consecutiveErrors++
			logger.Warn().Err(err).Int("consecutive_errors", a.consecutiveErrors).Msg("Iteration failed")
			a.journal(ctx, "iteration_error", err.Error(), map[string]any{"count": a.consecutiveErrors})

			if a.consecutiveErrors >= maxErrors {
				logger.Error().Int("max", maxErrors).Msg("Error budget exhausted, terminating")
				a.notify("bot_error", map[string]any{"error": err.Error()})
				a.terminate(bot.StatusError, err.Error())
				return
			}
		} else {
			a.consecutiveErrors = 0
		}

		if !sleepCtx(ctx, a.inst.Config.LoopInterval) {
			a.terminate(bot.StatusStopped, "")
			return
		}
	}
}

// runIteration does one pass over the configured symbols. A risk-gate trip
// skips the pass and backs off without consuming the error budget.
func (a *Agent) runIteration(ctx context.Context) error {
	a.touch()

	if err := a.refreshInstance(ctx); err != nil {
		return err
	}
	capital := a.inst.Capital()

	tripped, reason, err := a.gate.Tripped(ctx, a.inst.PortfolioID, capital)
	if err != nil {
		return fmt.Errorf("risk pre-check: %w", err)
	}
	if tripped {
		log.Info().Str("bot", a.inst.ID).Str("reason", reason).Msg("Risk gate tripped, backing off")
		a.journal(ctx, "risk_tripped", reason, nil)
		sleepCtx(ctx, a.inst.Config.BreakerBackoff)
		return nil
	}

	for _, symbol := range a.inst.Config.Symbols {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := a.processSymbol(ctx, symbol, capital); err != nil {
			return fmt.Errorf("symbol %s: %w", symbol, err)
		}
	}
	return nil
}

func (a *Agent) refreshInstance(ctx context.Context) error {
	inst, found, err := a.store.GetInstance(ctx, a.inst.ID)
	if err != nil {
		return fmt.Errorf("refresh instance: %w", err)
	}
	if !found {
		return fmt.Errorf("instance %s vanished from store", a.inst.ID)
	}
	a.inst.TotalTrades = inst.TotalTrades
	a.inst.WinningTrades = inst.WinningTrades
	a.inst.LosingTrades = inst.LosingTrades
	a.inst.TotalPnL = inst.TotalPnL
	return nil
}

func (a *Agent) processSymbol(ctx context.Context, symbol string, capital float64) error {
	log.Debug().Str("bot", a.inst.ID).Str("state", StateEvaluating).Str("symbol", symbol).Msg("Processing symbol")

	snap, err := a.gateway.FetchSnapshot(ctx, symbol)
	if err != nil {
		return err
	}

	pos, found, err := a.store.GetOpenPosition(ctx, a.inst.PortfolioID, symbol)
	if err != nil {
		return err
	}

	sig, err := a.eval.Evaluate(ctx, snap)
	if err != nil {
		return fmt.Errorf("evaluate: %w", err)
	}

	if found {
		return a.monitorPosition(ctx, pos, snap, sig)
	}
	return a.tryEnter(ctx, snap, sig, capital)
}

// monitorPosition runs the ledger's exit checks against the latest price.
// An opposite-side signal above the confidence threshold counts as an
// external exit signal, after the protective levels.
func (a *Agent) monitorPosition(ctx context.Context, pos position.Position, snap market.Snapshot, sig strategy.Signal) error {
	log.Debug().Str("bot", a.inst.ID).Str("state", StateMonitoring).Str("position", pos.ID).Msg("Monitoring position")

	exitSignal := sig.Side != "" && sig.Side != pos.Side &&
		sig.Confidence >= a.inst.Config.ConfidenceThreshold

	dec, err := a.ledger.Manage(ctx, &pos, snap.Price, exitSignal)
	if err != nil {
		return err
	}
	if !dec.Close {
		return nil
	}
	return a.closePosition(ctx, pos, dec.Reason)
}

// closePosition places the closing market order and realizes the outcome.
// The order and the persistence run on a detached context so a concurrent
// stop cannot strand a half-closed position.
func (a *Agent) closePosition(ctx context.Context, pos position.Position, reason string) error {
	flushCtx := context.WithoutCancel(ctx)

	exitSide := "sell"
	if pos.Side == "short" {
		exitSide = "buy"
	}
	resp, err := a.gateway.PlaceOrder(flushCtx, exchange.OrderRequest{
		Symbol:   pos.Symbol,
		Side:     exitSide,
		Type:     "market",
		Quantity: pos.Quantity,
	})
	if err != nil {
		a.deadLetter(flushCtx, "order", err.Error(), map[string]any{
			"symbol": pos.Symbol, "side": exitSide, "quantity": pos.Quantity, "position_id": pos.ID,
		})
		return err
	}
	a.recordOrder(flushCtx, resp)

	exitPrice := resp.FilledPrice
	if exitPrice == 0 {
		exitPrice = pos.EntryPrice
	}
	closed, trade, err := a.ledger.Close(flushCtx, pos, exitPrice, resp.Fee, resp.Type, reason)
	if err != nil {
		return err
	}

	a.journal(flushCtx, "position_closed", reason, map[string]any{
		"position_id": closed.ID, "symbol": closed.Symbol, "pnl": trade.PnL,
	})
	a.notify("position_closed", map[string]any{
		"symbol": closed.Symbol, "reason": reason, "pnl": fmt.Sprintf("%.2f", trade.PnL),
	})
	return nil
}

// tryEnter proposes an entry from the signal and opens a position if the
// risk gate allows it. Rejections are journaled, never errors.
func (a *Agent) tryEnter(ctx context.Context, snap market.Snapshot, sig strategy.Signal, capital float64) error {
	if sig.Side == "" || sig.Confidence < a.inst.Config.ConfidenceThreshold {
		return nil
	}
	if !a.consumeTradeSlot(capital) {
		log.Debug().Str("bot", a.inst.ID).Int("trades_today", a.tradesToday).Msg("Daily trade cap reached")
		return nil
	}

	cfg := a.inst.Config
	notional := capital * cfg.PositionSizeFrac
	if snap.Price <= 0 || notional <= 0 {
		return nil
	}
	qty := notional / snap.Price

	log.Debug().Str("bot", a.inst.ID).Str("state", StateRiskCheck).Str("symbol", snap.Symbol).Msg("Checking proposal")
	prop := risk.Proposal{
		Symbol:         snap.Symbol,
		Side:           sig.Side,
		Quantity:       qty,
		Price:          snap.Price,
		ExpectedReturn: sig.ExpectedReturn,
		EstimatedFee:   notional * cfg.FeeRate,
	}
	verdict, err := a.gate.Evaluate(ctx, a.inst.PortfolioID, capital, prop)
	if err != nil {
		return fmt.Errorf("risk check: %w", err)
	}
	if !verdict.Allowed {
		a.tradesToday--
		log.Info().Str("bot", a.inst.ID).Str("symbol", snap.Symbol).Str("reason", verdict.Reason).Msg("Proposal rejected")
		a.journal(ctx, "risk_rejected", verdict.Reason, map[string]any{"symbol": snap.Symbol, "side": sig.Side})
		return nil
	}

	log.Debug().Str("bot", a.inst.ID).Str("state", StateExecuting).Str("symbol", snap.Symbol).Msg("Placing entry order")
	flushCtx := context.WithoutCancel(ctx)

	entrySide := "buy"
	if sig.Side == "short" {
		entrySide = "sell"
	}
	req := exchange.OrderRequest{
		Symbol:   snap.Symbol,
		Side:     entrySide,
		Type:     cfg.OrderType,
		Quantity: qty,
	}
	if cfg.OrderType == "limit" {
		req.Price = snap.Price
	}
	resp, err := a.gateway.PlaceOrder(flushCtx, req)
	if err != nil {
		a.deadLetter(flushCtx, "order", err.Error(), map[string]any{
			"symbol": snap.Symbol, "side": entrySide, "quantity": qty,
		})
		a.tradesToday--
		return err
	}
	a.recordOrder(flushCtx, resp)

	entry := resp.FilledPrice
	if entry == 0 {
		entry = snap.Price
	}

	dir := 1.0
	if sig.Side == "short" {
		dir = -1
	}
	pos := position.Position{
		BotID:       a.inst.ID,
		PortfolioID: a.inst.PortfolioID,
		Symbol:      snap.Symbol,
		Side:        sig.Side,
		EntryPrice:  entry,
		Quantity:    qty,
		StopLoss:    entry * (1 - dir*cfg.Risk.StopLossPct/100),
		TakeProfit:  entry * (1 + dir*cfg.Risk.TakeProfitPct/100),
	}
	opened, err := a.ledger.Open(flushCtx, pos)
	if err != nil {
		return err
	}
	if _, err := a.ledger.RecordEntry(flushCtx, opened, resp.Type, resp.Fee, sig.Reason); err != nil {
		return err
	}

	a.journal(flushCtx, "position_opened", sig.Reason, map[string]any{
		"position_id": opened.ID, "symbol": opened.Symbol, "side": opened.Side,
		"entry": opened.EntryPrice, "quantity": opened.Quantity,
	})
	a.notify("position_opened", map[string]any{
		"symbol": opened.Symbol, "side": opened.Side,
		"entry": fmt.Sprintf("%.4f", opened.EntryPrice),
	})
	return nil
}

// consumeTradeSlot enforces the daily entry cap: 3 entries plus one per
// $500 of capital, never more than 10. The counter rolls over with the
// risk reset day.
func (a *Agent) consumeTradeSlot(capital float64) bool {
	today := time.Now().In(a.inst.Config.Risk.Location()).Format("2006-01-02")
	if today != a.tradeDay {
		a.tradeDay = today
		a.tradesToday = 0
	}
	if a.tradesToday >= dailyTradeCap(capital) {
		return false
	}
	a.tradesToday++
	return true
}

func dailyTradeCap(capital float64) int {
	n := 3 + int(capital/500)
	if n > 10 {
		n = 10
	}
	return n
}

// CloseAllPositions force-closes every open position at market. Used by the
// supervisor's emergency stop after the loop has been cancelled.
func (a *Agent) CloseAllPositions(ctx context.Context, reason string) error {
	positions, err := a.store.GetOpenPositions(ctx, a.inst.PortfolioID)
	if err != nil {
		return err
	}
	var firstErr error
	for _, pos := range positions {
		if err := a.closePosition(ctx, pos, reason); err != nil {
			log.Error().Err(err).Str("bot", a.inst.ID).Str("position", pos.ID).Msg("Failed to force-close position")
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// CancelOpenOrders cancels every order the store still tracks as open.
func (a *Agent) CancelOpenOrders(ctx context.Context) error {
	orders, err := a.store.GetOpenOrders(ctx, a.inst.ID)
	if err != nil {
		return err
	}
	var firstErr error
	for _, rec := range orders {
		if err := a.gateway.CancelOrder(ctx, rec.Symbol, rec.OrderID); err != nil {
			log.Error().Err(err).Str("bot", a.inst.ID).Str("order", rec.OrderID).Msg("Failed to cancel order")
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if err := a.store.UpdateOrderStatus(ctx, rec.OrderID, "canceled"); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// recordOrder persists the venue's answer as an order shadow. Fully filled
// orders are stored already closed.
func (a *Agent) recordOrder(ctx context.Context, resp exchange.OrderResponse) {
	rec := exchange.OrderRecord{
		OrderID:   resp.OrderID,
		BotID:     a.inst.ID,
		Venue:     a.gateway.Name(),
		Symbol:    resp.Symbol,
		Side:      resp.Side,
		Type:      resp.Type,
		Status:    resp.Status,
		Price:     resp.FilledPrice,
		Quantity:  resp.FilledQty,
		CreatedAt: resp.Timestamp,
	}
	if !resp.Open() {
		rec.ClosedAt = resp.Timestamp
	}
	if err := a.store.SaveOrder(ctx, rec); err != nil {
		log.Warn().Err(err).Str("bot", a.inst.ID).Str("order", resp.OrderID).Msg("Failed to record order")
	}
}

func (a *Agent) deadLetter(ctx context.Context, kind, reason string, payload map[string]any) {
	dl := exchange.DeadLetter{
		ID:        uuid.NewString(),
		BotID:     a.inst.ID,
		Kind:      kind,
		Reason:    reason,
		Payload:   payload,
		CreatedAt: time.Now().UTC(),
	}
	if err := a.store.SaveDeadLetter(ctx, dl); err != nil {
		log.Error().Err(err).Str("bot", a.inst.ID).Msg("Failed to save dead letter")
	}
}

// terminate persists the final status. It runs on a fresh context because
// the loop context is usually already cancelled by the time we get here.
func (a *Agent) terminate(status bot.Status, errMsg string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	log.Info().Str("bot", a.inst.ID).Str("state", StateTerminating).Str("status", string(status)).Msg("Agent terminating")

	// Counters are owned by the store's close unit; re-read before the
	// terminal write so it cannot revert a close from this iteration.
	if fresh, found, err := a.store.GetInstance(ctx, a.inst.ID); err == nil && found {
		a.inst = fresh
	}
	a.inst.Status = status
	a.inst.StoppedAt = time.Now().UTC()
	a.inst.ErrorMessage = errMsg
	if err := a.store.UpdateInstance(ctx, a.inst); err != nil {
		log.Error().Err(err).Str("bot", a.inst.ID).Msg("Failed to persist terminal status")
	}
	a.journal(ctx, "bot_stopped", string(status), map[string]any{"error": errMsg})
	if status == bot.StatusStopped {
		a.notify("bot_stopped", nil)
	}
}

// notify is fire-and-forget: sink failures are logged, never propagated,
// and delivery never blocks the loop on a cancelled context.
func (a *Agent) notify(eventType string, payload map[string]any) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := a.sink.Notify(ctx, a.inst.UserID, eventType, payload); err != nil {
		log.Warn().Err(err).Str("bot", a.inst.ID).Str("event", eventType).Msg("Notification failed")
	}
}

func (a *Agent) journal(ctx context.Context, eventType, description string, data map[string]any) {
	e := journal.Event{
		Time:        time.Now().UTC(),
		Type:        eventType,
		Description: description,
		Data:        data,
	}
	if data == nil {
		e.Data = map[string]any{}
	}
	e.Data["bot_id"] = a.inst.ID
	if err := a.store.LogEvent(ctx, e); err != nil {
		log.Warn().Err(err).Str("bot", a.inst.ID).Str("event", eventType).Msg("Journal write failed")
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
