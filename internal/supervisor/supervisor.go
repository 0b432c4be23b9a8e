// Package supervisor manages the fleet of per-user trading agents.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"botfleet/internal/agent"
	"botfleet/internal/bot"
	"botfleet/internal/config"
	"botfleet/internal/exchange"
	"botfleet/internal/journal"
	"botfleet/internal/notifier"
	"botfleet/internal/position"
	"botfleet/internal/risk"
	"botfleet/internal/strategy"
)

// ErrNotFound is returned by Status when the user has no bot history.
var ErrNotFound = errors.New("no bot found for user")

// handle tracks one live agent goroutine.
type handle struct {
	agent  *agent.Agent
	instID string
	userID string
	cancel context.CancelFunc
	done   chan struct{}
}

// Supervisor starts, stops and inspects agents. It enforces the
// one-active-bot-per-user invariant against both its registry and the
// store, so a restart cannot double-run a user.
type Supervisor struct {
	store   agent.Store
	gateway exchange.Gateway
	eval    strategy.Evaluator
	sink    notifier.Sink

	shutdownGrace time.Duration

	mu     sync.Mutex
	agents map[string]*handle // by user ID
}

func New(store agent.Store, gateway exchange.Gateway, eval strategy.Evaluator,
	sink notifier.Sink, shutdownGrace time.Duration,
) *Supervisor {
	if shutdownGrace <= 0 {
		shutdownGrace = 30 * time.Second
	}
	return &Supervisor{
		store:         store,
		gateway:       gateway,
		eval:          eval,
		sink:          sink,
		shutdownGrace: shutdownGrace,
		agents:        make(map[string]*handle),
	}
}

// Start validates the request, persists a new instance and spawns its
// agent goroutine. It returns once the agent is launched; the loop runs on
// its own context, not the caller's.
func (s *Supervisor) Start(ctx context.Context, userID, portfolioID string, cfg config.BotConfig) (bot.Instance, error) {
	if userID == "" || portfolioID == "" {
		return bot.Instance{}, fmt.Errorf("%w: user and portfolio ids are required", bot.ErrValidation)
	}
	if err := cfg.Normalize(); err != nil {
		return bot.Instance{}, fmt.Errorf("%w: %v", bot.ErrValidation, err)
	}

	s.mu.Lock()
	if _, ok := s.agents[userID]; ok {
		s.mu.Unlock()
		return bot.Instance{}, bot.ErrAlreadyRunning
	}
	s.mu.Unlock()

	if _, found, err := s.store.GetActiveInstance(ctx, userID); err != nil {
		return bot.Instance{}, fmt.Errorf("active-instance check: %w", err)
	} else if found {
		return bot.Instance{}, bot.ErrAlreadyRunning
	}

	inst := bot.Instance{
		ID:          uuid.NewString(),
		UserID:      userID,
		PortfolioID: portfolioID,
		Status:      bot.StatusCreated,
		CreatedAt:   time.Now().UTC(),
		Config:      cfg,
	}
	if err := s.store.CreateInstance(ctx, inst); err != nil {
		return bot.Instance{}, fmt.Errorf("create instance: %w", err)
	}

	gate := risk.NewGate(s.store, cfg.Risk)
	ledger := position.NewLedger(s.store, gate, cfg.Risk.TrailingActivationPct, cfg.Risk.TrailingOffsetPct)
	ag := agent.New(inst, s.store, ledger, gate, s.gateway, s.eval, s.sink)

	runCtx, cancel := context.WithCancel(context.Background())
	h := &handle{
		agent:  ag,
		instID: inst.ID,
		userID: userID,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	s.mu.Lock()
	if _, ok := s.agents[userID]; ok {
		s.mu.Unlock()
		cancel()
		inst.Status = bot.StatusStopped
		inst.StoppedAt = time.Now().UTC()
		if err := s.store.UpdateInstance(ctx, inst); err != nil {
			log.Error().Err(err).Str("bot", inst.ID).Msg("Failed to retire raced instance")
		}
		return bot.Instance{}, bot.ErrAlreadyRunning
	}
	s.agents[userID] = h
	s.mu.Unlock()

	inst.Status = bot.StatusStarting
	if err := s.store.UpdateInstance(ctx, inst); err != nil {
		s.removeHandle(userID, h)
		cancel()
		return bot.Instance{}, fmt.Errorf("mark starting: %w", err)
	}

	go func() {
		defer close(h.done)
		defer s.removeHandle(userID, h)
		ag.Run(runCtx)
	}()

	log.Info().Str("bot", inst.ID).Str("user", userID).Str("portfolio", portfolioID).Msg("Bot started")
	return inst, nil
}

func (s *Supervisor) removeHandle(userID string, h *handle) {
	s.mu.Lock()
	if cur, ok := s.agents[userID]; ok && cur == h {
		delete(s.agents, userID)
	}
	s.mu.Unlock()
}

// Stop cancels the user's agent and waits until it has flushed and
// persisted its final status. Returns false when the user has no running
// bot; stopping twice is a no-op.
func (s *Supervisor) Stop(ctx context.Context, userID string) bool {
	s.mu.Lock()
	h, ok := s.agents[userID]
	s.mu.Unlock()
	if !ok {
		return false
	}

	h.cancel()
	select {
	case <-h.done:
	case <-ctx.Done():
		log.Warn().Str("user", userID).Msg("Stop wait interrupted by caller")
	}
	log.Info().Str("user", userID).Str("bot", h.instID).Msg("Bot stopped")
	return true
}

// StopAll cancels every agent concurrently and gives each the shutdown
// grace period to flush. Agents that miss the deadline are flagged
// inconsistent in the store.
func (s *Supervisor) StopAll(ctx context.Context) {
	s.mu.Lock()
	handles := make([]*handle, 0, len(s.agents))
	for _, h := range s.agents {
		handles = append(handles, h)
	}
	s.mu.Unlock()

	if len(handles) == 0 {
		return
	}
	log.Info().Int("count", len(handles)).Msg("Stopping all bots")

	var wg sync.WaitGroup
	for _, h := range handles {
		wg.Add(1)
		go func(h *handle) {
			defer wg.Done()
			h.cancel()
			select {
			case <-h.done:
			case <-time.After(s.shutdownGrace):
				log.Error().Str("bot", h.instID).Str("user", h.userID).Msg("Agent missed shutdown deadline")
				s.flagInconsistent(ctx, h.instID)
			}
		}(h)
	}
	wg.Wait()
}

func (s *Supervisor) flagInconsistent(ctx context.Context, instID string) {
	flushCtx := context.WithoutCancel(ctx)
	inst, found, err := s.store.GetInstance(flushCtx, instID)
	if err != nil || !found {
		log.Error().Err(err).Str("bot", instID).Msg("Cannot load instance to flag inconsistent")
		return
	}
	inst.Inconsistent = true
	inst.Status = bot.StatusError
	inst.StoppedAt = time.Now().UTC()
	inst.ErrorMessage = "missed shutdown deadline"
	if err := s.store.UpdateInstance(flushCtx, inst); err != nil {
		log.Error().Err(err).Str("bot", instID).Msg("Failed to flag instance inconsistent")
	}
}

// Status returns the user's current (or most recent) instance, with the
// live agent's last-activity time merged in when the bot is running.
func (s *Supervisor) Status(ctx context.Context, userID string) (bot.Instance, error) {
	inst, found, err := s.store.GetActiveInstance(ctx, userID)
	if err != nil {
		return bot.Instance{}, err
	}
	if !found {
		inst, found, err = s.store.GetLatestInstance(ctx, userID)
		if err != nil {
			return bot.Instance{}, err
		}
		if !found {
			return bot.Instance{}, ErrNotFound
		}
	}

	s.mu.Lock()
	h, ok := s.agents[userID]
	s.mu.Unlock()
	if ok && h.instID == inst.ID {
		if t := h.agent.LastActivity(); !t.IsZero() {
			inst.LastActivityAt = t
		}
	}
	return inst, nil
}

// Running reports how many agents are live.
func (s *Supervisor) Running() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.agents)
}

// EmergencyStop is the kill switch: stop every agent, cancel whatever
// orders are still open, close all positions at market and raise a
// critical notification. Reason and trigger are journaled for the
// post-mortem.
func (s *Supervisor) EmergencyStop(ctx context.Context, reason, triggeredBy string) {
	log.Error().Str("reason", reason).Str("triggered_by", triggeredBy).Msg("EMERGENCY STOP")

	s.mu.Lock()
	handles := make([]*handle, 0, len(s.agents))
	for _, h := range s.agents {
		handles = append(handles, h)
	}
	s.mu.Unlock()

	s.StopAll(ctx)

	flushCtx := context.WithoutCancel(ctx)
	for _, h := range handles {
		if err := h.agent.CancelOpenOrders(flushCtx); err != nil {
			log.Error().Err(err).Str("bot", h.instID).Msg("Emergency order cancellation incomplete")
		}
		if err := h.agent.CloseAllPositions(flushCtx, position.ReasonEmergency); err != nil {
			log.Error().Err(err).Str("bot", h.instID).Msg("Emergency position close incomplete")
		}
		if err := s.sink.Notify(flushCtx, h.userID, "emergency_stop", map[string]any{
			"reason": reason, "triggered_by": triggeredBy,
		}); err != nil {
			log.Warn().Err(err).Str("user", h.userID).Msg("Emergency notification failed")
		}
	}

	if err := s.store.LogEvent(flushCtx, journal.Event{
		Time:        time.Now().UTC(),
		Type:        "emergency_stop",
		Description: reason,
		Data:        map[string]any{"triggered_by": triggeredBy, "bots": len(handles)},
	}); err != nil {
		log.Error().Err(err).Msg("Failed to journal emergency stop")
	}
}
