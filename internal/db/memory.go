package db

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"sync"
	"time"

	"botfleet/internal/bot"
	"botfleet/internal/exchange"
	"botfleet/internal/journal"
	"botfleet/internal/position"
	"botfleet/internal/risk"
)

// Memory is an in-memory Storage with the same semantics as Postgres. It
// backs the tests and the sim mode.
type Memory struct {
	mu sync.RWMutex

	instances   map[string]bot.Instance
	positions   map[string]position.Position
	trades      []position.TradeRecord
	riskStates  map[string]risk.State
	orders      map[string]exchange.OrderRecord
	deadLetters []exchange.DeadLetter
	events      []journal.Event
}

func NewMemory() *Memory {
	return &Memory{
		instances:  make(map[string]bot.Instance),
		positions:  make(map[string]position.Position),
		riskStates: make(map[string]risk.State),
		orders:     make(map[string]exchange.OrderRecord),
	}
}

func (m *Memory) GetDB() *sql.DB { return nil }

// --- bot instances ---

func (m *Memory) CreateInstance(_ context.Context, inst bot.Instance) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.instances[inst.ID]; ok {
		return fmt.Errorf("bot instance %s already exists", inst.ID)
	}
	m.instances[inst.ID] = inst
	return nil
}

func (m *Memory) UpdateInstance(_ context.Context, inst bot.Instance) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.instances[inst.ID]; !ok {
		return fmt.Errorf("bot instance %s not found", inst.ID)
	}
	m.instances[inst.ID] = inst
	return nil
}

func (m *Memory) GetInstance(_ context.Context, id string) (bot.Instance, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	inst, ok := m.instances[id]
	return inst, ok, nil
}

func (m *Memory) GetActiveInstance(_ context.Context, userID string) (bot.Instance, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var (
		best  bot.Instance
		found bool
	)
	for _, inst := range m.instances {
		if inst.UserID != userID || !inst.Status.Active() {
			continue
		}
		if !found || inst.CreatedAt.After(best.CreatedAt) {
			best = inst
			found = true
		}
	}
	return best, found, nil
}

func (m *Memory) GetLatestInstance(_ context.Context, userID string) (bot.Instance, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var (
		best  bot.Instance
		found bool
	)
	for _, inst := range m.instances {
		if inst.UserID != userID {
			continue
		}
		if !found || inst.CreatedAt.After(best.CreatedAt) {
			best = inst
			found = true
		}
	}
	return best, found, nil
}

// --- positions and trades ---

func (m *Memory) SavePosition(_ context.Context, pos position.Position) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.positions[pos.ID]; ok {
		return fmt.Errorf("position %s already exists", pos.ID)
	}
	m.positions[pos.ID] = pos
	return nil
}

func (m *Memory) UpdatePosition(_ context.Context, pos position.Position) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.positions[pos.ID]; !ok {
		return fmt.Errorf("position %s not found", pos.ID)
	}
	m.positions[pos.ID] = pos
	return nil
}

func (m *Memory) GetOpenPosition(_ context.Context, portfolioID, symbol string) (position.Position, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, pos := range m.positions {
		if pos.PortfolioID == portfolioID && pos.Symbol == symbol && pos.Status == position.StatusOpen {
			return pos, true, nil
		}
	}
	return position.Position{}, false, nil
}

func (m *Memory) GetOpenPositions(_ context.Context, portfolioID string) ([]position.Position, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []position.Position
	for _, pos := range m.positions {
		if pos.PortfolioID == portfolioID && pos.Status == position.StatusOpen {
			out = append(out, pos)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OpenedAt.Before(out[j].OpenedAt) })
	return out, nil
}

func (m *Memory) AppendTrade(_ context.Context, t position.TradeRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.trades = append(m.trades, t)
	return nil
}

func (m *Memory) CloseTrade(_ context.Context, botID string, pos position.Position, t position.TradeRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.positions[pos.ID]; !ok {
		return fmt.Errorf("position %s not found", pos.ID)
	}
	inst, ok := m.instances[botID]
	if !ok {
		return fmt.Errorf("bot instance %s not found", botID)
	}

	m.positions[pos.ID] = pos
	m.trades = append(m.trades, t)

	inst.TotalTrades++
	if t.PnL > 0 {
		inst.WinningTrades++
	} else if t.PnL < 0 {
		inst.LosingTrades++
	}
	inst.TotalPnL += t.PnL
	inst.LastActivityAt = time.Now().UTC()
	m.instances[botID] = inst
	return nil
}

func (m *Memory) GetTrades(_ context.Context, botID string, limit int) ([]position.TradeRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if limit <= 0 {
		limit = 100
	}
	var out []position.TradeRecord
	for i := len(m.trades) - 1; i >= 0 && len(out) < limit; i-- {
		if m.trades[i].BotID == botID {
			out = append(out, m.trades[i])
		}
	}
	return out, nil
}

// --- risk state ---

func (m *Memory) GetRiskState(_ context.Context, portfolioID string) (risk.State, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.riskStates[portfolioID]
	return st, ok, nil
}

func (m *Memory) SaveRiskState(_ context.Context, st risk.State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.riskStates[st.PortfolioID] = st
	return nil
}

// --- orders and dead letters ---

func (m *Memory) SaveOrder(_ context.Context, rec exchange.OrderRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.orders[rec.OrderID]; ok {
		return fmt.Errorf("order %s already exists", rec.OrderID)
	}
	m.orders[rec.OrderID] = rec
	return nil
}

func (m *Memory) UpdateOrderStatus(_ context.Context, orderID, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.orders[orderID]
	if !ok {
		return fmt.Errorf("order %s not found", orderID)
	}
	rec.Status = status
	rec.ClosedAt = time.Now().UTC()
	m.orders[orderID] = rec
	return nil
}

func (m *Memory) GetOpenOrders(_ context.Context, botID string) ([]exchange.OrderRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []exchange.OrderRecord
	for _, rec := range m.orders {
		if rec.BotID == botID && rec.ClosedAt.IsZero() {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) SaveDeadLetter(_ context.Context, dl exchange.DeadLetter) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deadLetters = append(m.deadLetters, dl)
	return nil
}

func (m *Memory) GetDeadLetters(_ context.Context, botID string) ([]exchange.DeadLetter, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []exchange.DeadLetter
	for _, dl := range m.deadLetters {
		if dl.BotID == botID {
			out = append(out, dl)
		}
	}
	return out, nil
}

// --- journal ---

func (m *Memory) LogEvent(_ context.Context, e journal.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, e)
	return nil
}

func (m *Memory) GetEvents(_ context.Context, eventType string, start, end time.Time) ([]journal.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []journal.Event
	for _, e := range m.events {
		if e.Type != eventType {
			continue
		}
		if e.Time.Before(start) || !e.Time.Before(end) {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}
