// Package risk implements the pre-trade approval gate.
package risk

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"botfleet/internal/config"
)

// Rejection reasons. A rejection is normal control flow, not an error.
const (
	ReasonDailyLoss         = "daily loss limit"
	ReasonConsecutiveLosses = "consecutive losses"
	ReasonPositionTooLarge  = "position too large"
	ReasonNotSensible       = "not financially sensible"
)

// State is the per-portfolio risk counter set. It is mutated only through
// RecordOutcome and reset lazily on the first check after a date rollover.
type State struct {
	PortfolioID       string
	DailyLoss         float64 // realized losses accumulated today, positive
	ConsecutiveLosses int
	LastResetDate     string // YYYY-MM-DD in the configured reset zone
}

// StateStore is the persistence surface for risk state.
type StateStore interface {
	GetRiskState(ctx context.Context, portfolioID string) (State, bool, error)
	SaveRiskState(ctx context.Context, s State) error
}

// Proposal is a trade submitted for approval.
type Proposal struct {
	Symbol         string
	Side           string
	Quantity       float64
	Price          float64
	ExpectedReturn float64 // fraction of notional
	EstimatedFee   float64
}

// Notional is the proposal's value in quote currency.
func (p Proposal) Notional() float64 { return p.Quantity * p.Price }

// Verdict is the gate's answer.
type Verdict struct {
	Allowed bool
	Reason  string
}

func allow() Verdict               { return Verdict{Allowed: true} }
func reject(reason string) Verdict { return Verdict{Reason: reason} }

// Gate approves or rejects proposed trades against per-portfolio risk
// counters. Stateless per call: every decision loads fresh state.
type Gate struct {
	store  StateStore
	params config.RiskParams
	now    func() time.Time
}

func NewGate(store StateStore, params config.RiskParams) *Gate {
	return &Gate{store: store, params: params, now: time.Now}
}

// currentState loads the portfolio's state, applying the lazy daily reset:
// if the stored reset date is stale relative to "today" in the configured
// zone, the daily accumulator is zeroed before any check runs.
func (g *Gate) currentState(ctx context.Context, portfolioID string) (State, error) {
	today := g.now().In(g.params.Location()).Format("2006-01-02")

	st, found, err := g.store.GetRiskState(ctx, portfolioID)
	if err != nil {
		return State{}, err
	}
	if !found {
		st = State{PortfolioID: portfolioID, LastResetDate: today}
		if err := g.store.SaveRiskState(ctx, st); err != nil {
			return State{}, err
		}
		return st, nil
	}
	if st.LastResetDate != today {
		st.DailyLoss = 0
		st.LastResetDate = today
		if err := g.store.SaveRiskState(ctx, st); err != nil {
			return State{}, err
		}
	}
	return st, nil
}

// Tripped reports whether the portfolio's circuit breakers (daily loss,
// consecutive losses) forbid any new entry right now. Agents use this as a
// cheap pre-check so a tripped breaker skips the whole trading step.
func (g *Gate) Tripped(ctx context.Context, portfolioID string, capital float64) (bool, string, error) {
	st, err := g.currentState(ctx, portfolioID)
	if err != nil {
		return false, "", err
	}
	if g.params.MaxDailyLossFrac > 0 && st.DailyLoss >= g.params.MaxDailyLossFrac*capital {
		return true, ReasonDailyLoss, nil
	}
	if g.params.MaxConsecutiveLosses > 0 && st.ConsecutiveLosses >= g.params.MaxConsecutiveLosses {
		return true, ReasonConsecutiveLosses, nil
	}
	return false, "", nil
}

// Evaluate runs the approval checks in order and returns the first
// rejection, or an allow verdict when every check passes.
func (g *Gate) Evaluate(ctx context.Context, portfolioID string, capital float64, prop Proposal) (Verdict, error) {
	st, err := g.currentState(ctx, portfolioID)
	if err != nil {
		return Verdict{}, err
	}

	if g.params.MaxDailyLossFrac > 0 && st.DailyLoss >= g.params.MaxDailyLossFrac*capital {
		return reject(ReasonDailyLoss), nil
	}
	if g.params.MaxConsecutiveLosses > 0 && st.ConsecutiveLosses >= g.params.MaxConsecutiveLosses {
		return reject(ReasonConsecutiveLosses), nil
	}
	if g.params.MaxPositionFrac > 0 && prop.Notional() > g.params.MaxPositionFrac*capital {
		return reject(ReasonPositionTooLarge), nil
	}

	expectedProfit := prop.Notional() * prop.ExpectedReturn
	if expectedProfit <= g.params.FeeMultiple*prop.EstimatedFee || expectedProfit <= g.params.MinProfitFloor {
		return reject(ReasonNotSensible), nil
	}

	return allow(), nil
}

// RecordOutcome updates the portfolio's counters for one closed position.
// Called exactly once per close: a win resets the consecutive-loss count,
// a loss increments it and feeds the daily accumulator.
func (g *Gate) RecordOutcome(ctx context.Context, portfolioID string, realizedPnL float64) error {
	st, err := g.currentState(ctx, portfolioID)
	if err != nil {
		return err
	}

	if realizedPnL < 0 {
		st.DailyLoss += -realizedPnL
		st.ConsecutiveLosses++
	} else {
		st.ConsecutiveLosses = 0
	}

	log.Debug().Str("portfolio", portfolioID).Float64("pnl", realizedPnL).
		Float64("daily_loss", st.DailyLoss).Int("consecutive_losses", st.ConsecutiveLosses).
		Msg("Recorded trade outcome")

	return g.store.SaveRiskState(ctx, st)
}
