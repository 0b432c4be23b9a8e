// Package position tracks open positions and their protective exits.
package position

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"botfleet/internal/risk"
)

// Close reasons, in the order they are checked.
const (
	ReasonStopLoss     = "stop_loss"
	ReasonTakeProfit   = "take_profit"
	ReasonTrailingStop = "trailing_stop"
	ReasonSignalExit   = "signal_exit"
	ReasonEmergency    = "emergency_stop"
)

const (
	StatusOpen   = "open"
	StatusClosed = "closed"
)

// Position is one directional exposure on a symbol. At most one open
// position exists per (portfolio, symbol).
type Position struct {
	ID          string
	BotID       string
	PortfolioID string
	Symbol      string
	Side        string // "long" or "short"
	EntryPrice  float64
	Quantity    float64
	StopLoss    float64
	TakeProfit  float64

	// Trailing-stop state. HighWater is the best price seen since arming;
	// for a short it is the lowest.
	TrailingArmed bool
	TrailingStop  float64
	HighWater     float64

	Status      string
	OpenedAt    time.Time
	ClosedAt    time.Time
	ExitPrice   float64
	CloseReason string
	RealizedPnL float64
}

// Direction is +1 for long, -1 for short.
func (p Position) Direction() float64 {
	if p.Side == "short" {
		return -1
	}
	return 1
}

// TradeRecord is one executed order. A round-trip position produces two:
// an entry record and an exit record carrying the realized P&L.
type TradeRecord struct {
	ID          string
	BotID       string
	PortfolioID string
	PositionID  string
	Symbol      string
	Side        string
	OrderType   string
	Kind        string // "entry" or "exit"
	Price       float64
	Quantity    float64
	Fee         float64
	PnL         float64 // exit records only
	Reason      string
	ExecutedAt  time.Time
}

// Store is the persistence surface for positions and trades. CloseTrade
// must apply the position update, the exit record, and the owning
// instance's counter bumps in a single transaction.
type Store interface {
	SavePosition(ctx context.Context, pos Position) error
	UpdatePosition(ctx context.Context, pos Position) error
	GetOpenPosition(ctx context.Context, portfolioID, symbol string) (Position, bool, error)
	GetOpenPositions(ctx context.Context, portfolioID string) ([]Position, error)
	AppendTrade(ctx context.Context, trade TradeRecord) error
	CloseTrade(ctx context.Context, botID string, pos Position, trade TradeRecord) error
	GetTrades(ctx context.Context, botID string, limit int) ([]TradeRecord, error)
}

// Decision is Manage's answer for one price tick.
type Decision struct {
	Close  bool
	Reason string
}

func hold() Decision                  { return Decision{} }
func closeFor(reason string) Decision { return Decision{Close: true, Reason: reason} }

// Ledger opens, manages and closes positions, keeping the risk gate's
// counters in sync with realized outcomes.
type Ledger struct {
	store Store
	gate  *risk.Gate

	trailingActivationPct float64
	trailingOffsetPct     float64
}

func NewLedger(store Store, gate *risk.Gate, trailingActivationPct, trailingOffsetPct float64) *Ledger {
	return &Ledger{
		store:                 store,
		gate:                  gate,
		trailingActivationPct: trailingActivationPct,
		trailingOffsetPct:     trailingOffsetPct,
	}
}

// Open validates and persists a new position. Protective levels must sit on
// the correct side of the entry: a long needs SL < entry < TP, a short the
// mirror image.
func (l *Ledger) Open(ctx context.Context, pos Position) (Position, error) {
	if pos.Quantity <= 0 {
		return Position{}, fmt.Errorf("open %s: quantity %.8f must be positive", pos.Symbol, pos.Quantity)
	}
	if pos.Side != "long" && pos.Side != "short" {
		return Position{}, fmt.Errorf("open %s: invalid side %q", pos.Symbol, pos.Side)
	}
	switch pos.Side {
	case "long":
		if !(pos.StopLoss < pos.EntryPrice && pos.EntryPrice < pos.TakeProfit) {
			return Position{}, fmt.Errorf("open %s long: levels must satisfy stop %.4f < entry %.4f < take %.4f",
				pos.Symbol, pos.StopLoss, pos.EntryPrice, pos.TakeProfit)
		}
	case "short":
		if !(pos.TakeProfit < pos.EntryPrice && pos.EntryPrice < pos.StopLoss) {
			return Position{}, fmt.Errorf("open %s short: levels must satisfy take %.4f < entry %.4f < stop %.4f",
				pos.Symbol, pos.TakeProfit, pos.EntryPrice, pos.StopLoss)
		}
	}

	if _, found, err := l.store.GetOpenPosition(ctx, pos.PortfolioID, pos.Symbol); err != nil {
		return Position{}, err
	} else if found {
		return Position{}, fmt.Errorf("open %s: portfolio %s already has an open position", pos.Symbol, pos.PortfolioID)
	}

	pos.ID = uuid.NewString()
	pos.Status = StatusOpen
	if pos.OpenedAt.IsZero() {
		pos.OpenedAt = time.Now().UTC()
	}
	if err := l.store.SavePosition(ctx, pos); err != nil {
		return Position{}, err
	}

	log.Info().Str("position", pos.ID).Str("symbol", pos.Symbol).Str("side", pos.Side).
		Float64("entry", pos.EntryPrice).Float64("qty", pos.Quantity).Msg("Opened position")
	return pos, nil
}

// Manage checks one price tick against the position's exits in priority
// order: hard stop, take profit, trailing stop, then an external exit
// signal. Trailing state changes are persisted before the decision returns.
func (l *Ledger) Manage(ctx context.Context, pos *Position, price float64, exitSignal bool) (Decision, error) {
	if pos.Status != StatusOpen {
		return hold(), fmt.Errorf("manage %s: position is %s", pos.ID, pos.Status)
	}
	dir := pos.Direction()

	if dir*(price-pos.StopLoss) <= 0 {
		return closeFor(ReasonStopLoss), nil
	}
	if dir*(price-pos.TakeProfit) >= 0 {
		return closeFor(ReasonTakeProfit), nil
	}

	dec, changed := l.updateTrailing(pos, price)
	if changed {
		if err := l.store.UpdatePosition(ctx, *pos); err != nil {
			return hold(), err
		}
	}
	if dec.Close {
		return dec, nil
	}

	if exitSignal {
		return closeFor(ReasonSignalExit), nil
	}
	return hold(), nil
}

// updateTrailing arms the trailing stop once price moves the activation
// distance in the position's favor, then ratchets it behind the high-water
// mark. The stop only ever tightens.
func (l *Ledger) updateTrailing(pos *Position, price float64) (Decision, bool) {
	if l.trailingActivationPct <= 0 || l.trailingOffsetPct <= 0 {
		return hold(), false
	}
	dir := pos.Direction()
	changed := false

	if !pos.TrailingArmed {
		activation := pos.EntryPrice * (1 + dir*l.trailingActivationPct/100)
		if dir*(price-activation) < 0 {
			return hold(), false
		}
		pos.TrailingArmed = true
		pos.HighWater = price
		pos.TrailingStop = price * (1 - dir*l.trailingOffsetPct/100)
		log.Debug().Str("position", pos.ID).Float64("stop", pos.TrailingStop).Msg("Trailing stop armed")
		return hold(), true
	}

	if dir*(price-pos.HighWater) > 0 {
		pos.HighWater = price
		stop := price * (1 - dir*l.trailingOffsetPct/100)
		if dir*(stop-pos.TrailingStop) > 0 {
			pos.TrailingStop = stop
		}
		changed = true
	}

	if dir*(price-pos.TrailingStop) <= 0 {
		return closeFor(ReasonTrailingStop), changed
	}
	return hold(), changed
}

// Close realizes the position at exitPrice. The exit trade record, the
// position update and the owning instance's counters land in one
// transaction, then the risk gate's counters absorb the outcome.
func (l *Ledger) Close(ctx context.Context, pos Position, exitPrice, fee float64, orderType, reason string) (Position, TradeRecord, error) {
	if pos.Status != StatusOpen {
		return Position{}, TradeRecord{}, fmt.Errorf("close %s: position is %s", pos.ID, pos.Status)
	}

	pnl := (exitPrice - pos.EntryPrice) * pos.Quantity * pos.Direction()

	pos.Status = StatusClosed
	pos.ClosedAt = time.Now().UTC()
	pos.ExitPrice = exitPrice
	pos.CloseReason = reason
	pos.RealizedPnL = pnl

	exitSide := "sell"
	if pos.Side == "short" {
		exitSide = "buy"
	}
	trade := TradeRecord{
		ID:          uuid.NewString(),
		BotID:       pos.BotID,
		PortfolioID: pos.PortfolioID,
		PositionID:  pos.ID,
		Symbol:      pos.Symbol,
		Side:        exitSide,
		OrderType:   orderType,
		Kind:        "exit",
		Price:       exitPrice,
		Quantity:    pos.Quantity,
		Fee:         fee,
		PnL:         pnl,
		Reason:      reason,
		ExecutedAt:  pos.ClosedAt,
	}

	if err := l.store.CloseTrade(ctx, pos.BotID, pos, trade); err != nil {
		return Position{}, TradeRecord{}, err
	}
	if l.gate != nil {
		if err := l.gate.RecordOutcome(ctx, pos.PortfolioID, pnl); err != nil {
			return Position{}, TradeRecord{}, err
		}
	}

	log.Info().Str("position", pos.ID).Str("symbol", pos.Symbol).Str("reason", reason).
		Float64("exit", exitPrice).Float64("pnl", pnl).Msg("Closed position")
	return pos, trade, nil
}

// RecordEntry persists the entry-side trade record for a freshly opened
// position.
func (l *Ledger) RecordEntry(ctx context.Context, pos Position, orderType string, fee float64, reason string) (TradeRecord, error) {
	entrySide := "buy"
	if pos.Side == "short" {
		entrySide = "sell"
	}
	trade := TradeRecord{
		ID:          uuid.NewString(),
		BotID:       pos.BotID,
		PortfolioID: pos.PortfolioID,
		PositionID:  pos.ID,
		Symbol:      pos.Symbol,
		Side:        entrySide,
		OrderType:   orderType,
		Kind:        "entry",
		Price:       pos.EntryPrice,
		Quantity:    pos.Quantity,
		Fee:         fee,
		Reason:      reason,
		ExecutedAt:  pos.OpenedAt,
	}
	if err := l.store.AppendTrade(ctx, trade); err != nil {
		return TradeRecord{}, err
	}
	return trade, nil
}
