// Package bot holds the persisted model of one user's trading agent run.
package bot

import (
	"context"
	"errors"
	"time"

	"botfleet/internal/config"
)

// Status is the lifecycle state of a bot instance.
type Status string

const (
	StatusCreated  Status = "created"
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusStopped  Status = "stopped"
	StatusError    Status = "error"
)

// Active reports whether the status counts against the one-active-bot-per-user
// invariant.
func (s Status) Active() bool {
	return s == StatusStarting || s == StatusRunning
}

// ErrAlreadyRunning is returned by the supervisor when a user who already
// has an active instance requests another start.
var ErrAlreadyRunning = errors.New("user already has an active bot")

// ErrValidation wraps configuration/ownership problems rejected before an
// agent is spawned.
var ErrValidation = errors.New("validation failed")

// Instance is the durable record of one agent run. Instances are never
// deleted; stopped and errored runs remain as history.
type Instance struct {
	ID           string
	UserID       string
	PortfolioID  string
	Status       Status
	CreatedAt    time.Time
	StartedAt    time.Time
	StoppedAt    time.Time
	ErrorMessage string

	// Inconsistent marks an instance whose agent missed the StopAll
	// deadline and was force-terminated; its last persisted state needs
	// manual reconciliation.
	Inconsistent bool

	TotalTrades   int64
	WinningTrades int64
	LosingTrades  int64
	TotalPnL      float64

	LastActivityAt time.Time

	Config config.BotConfig
}

// Capital is the portfolio capital the agent trades with: the configured
// base plus reinvested realized P&L.
func (i Instance) Capital() float64 {
	return i.Config.Capital + i.TotalPnL
}

// InstanceStore is the persistence surface for bot instances. Trade
// counters are bumped by the position store's closing unit, not here.
type InstanceStore interface {
	CreateInstance(ctx context.Context, inst Instance) error
	UpdateInstance(ctx context.Context, inst Instance) error
	GetInstance(ctx context.Context, id string) (Instance, bool, error)
	GetActiveInstance(ctx context.Context, userID string) (Instance, bool, error)
	GetLatestInstance(ctx context.Context, userID string) (Instance, bool, error)
}
