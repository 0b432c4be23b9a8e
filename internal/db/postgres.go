package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"botfleet/internal/bot"
	"botfleet/internal/config"
	"botfleet/internal/exchange"
	"botfleet/internal/journal"
	"botfleet/internal/position"
	"botfleet/internal/risk"
)

type Postgres struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) (*Postgres, error) {
	if db == nil {
		return nil, fmt.Errorf("nil database handle")
	}
	return &Postgres{db: db}, nil
}

func (p *Postgres) GetDB() *sql.DB {
	return p.db
}

// nullTime maps zero times to NULL on the way in.
func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

func fromNullTime(nt sql.NullTime) time.Time {
	if nt.Valid {
		return nt.Time.UTC()
	}
	return time.Time{}
}

// --- bot instances ---

func (p *Postgres) CreateInstance(ctx context.Context, inst bot.Instance) error {
	cfg, err := json.Marshal(inst.Config)
	if err != nil {
		return fmt.Errorf("failed to marshal bot config: %w", err)
	}
	return p.executeWithTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO bot_instances
				(id, user_id, portfolio_id, status, created_at, started_at, stopped_at,
				 error_message, inconsistent, total_trades, winning_trades, losing_trades,
				 total_pnl, last_activity_at, config)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)`,
			inst.ID, inst.UserID, inst.PortfolioID, string(inst.Status),
			inst.CreatedAt, nullTime(inst.StartedAt), nullTime(inst.StoppedAt),
			inst.ErrorMessage, inst.Inconsistent,
			inst.TotalTrades, inst.WinningTrades, inst.LosingTrades,
			inst.TotalPnL, nullTime(inst.LastActivityAt), cfg)
		if err != nil {
			return fmt.Errorf("failed to create bot instance %s: %w", inst.ID, err)
		}
		return nil
	})
}

func (p *Postgres) UpdateInstance(ctx context.Context, inst bot.Instance) error {
	cfg, err := json.Marshal(inst.Config)
	if err != nil {
		return fmt.Errorf("failed to marshal bot config: %w", err)
	}
	return p.executeWithTransaction(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE bot_instances SET
				status=$2, started_at=$3, stopped_at=$4, error_message=$5,
				inconsistent=$6, total_trades=$7, winning_trades=$8,
				losing_trades=$9, total_pnl=$10, last_activity_at=$11, config=$12
			WHERE id=$1`,
			inst.ID, string(inst.Status), nullTime(inst.StartedAt), nullTime(inst.StoppedAt),
			inst.ErrorMessage, inst.Inconsistent,
			inst.TotalTrades, inst.WinningTrades, inst.LosingTrades,
			inst.TotalPnL, nullTime(inst.LastActivityAt), cfg)
		if err != nil {
			return fmt.Errorf("failed to update bot instance %s: %w", inst.ID, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to get rows affected for instance %s: %w", inst.ID, err)
		}
		if n == 0 {
			return fmt.Errorf("bot instance %s not found", inst.ID)
		}
		return nil
	})
}

const instanceColumns = `id, user_id, portfolio_id, status, created_at, started_at,
	stopped_at, error_message, inconsistent, total_trades, winning_trades,
	losing_trades, total_pnl, last_activity_at, config`

func scanInstance(rows *sql.Rows) (bot.Instance, error) {
	var (
		inst                             bot.Instance
		status                           string
		startedAt, stoppedAt, activityAt sql.NullTime
		cfg                              []byte
	)
	err := rows.Scan(&inst.ID, &inst.UserID, &inst.PortfolioID, &status,
		&inst.CreatedAt, &startedAt, &stoppedAt, &inst.ErrorMessage,
		&inst.Inconsistent, &inst.TotalTrades, &inst.WinningTrades,
		&inst.LosingTrades, &inst.TotalPnL, &activityAt, &cfg)
	if err != nil {
		return bot.Instance{}, fmt.Errorf("failed to scan bot instance: %w", err)
	}
	inst.Status = bot.Status(status)
	inst.CreatedAt = inst.CreatedAt.UTC()
	inst.StartedAt = fromNullTime(startedAt)
	inst.StoppedAt = fromNullTime(stoppedAt)
	inst.LastActivityAt = fromNullTime(activityAt)
	var bc config.BotConfig
	if len(cfg) > 0 {
		if err := json.Unmarshal(cfg, &bc); err != nil {
			return bot.Instance{}, fmt.Errorf("failed to unmarshal bot config for %s: %w", inst.ID, err)
		}
	}
	inst.Config = bc
	return inst, nil
}

func (p *Postgres) getInstanceWhere(ctx context.Context, where string, args ...any) (bot.Instance, bool, error) {
	rows, err := p.queryWithTransaction(ctx,
		`SELECT `+instanceColumns+` FROM bot_instances WHERE `+where, args...)
	if err != nil {
		return bot.Instance{}, false, fmt.Errorf("failed to query bot instance: %w", err)
	}
	defer rows.Close()

	if rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return bot.Instance{}, false, err
		}
		return inst, true, nil
	}
	return bot.Instance{}, false, rows.Err()
}

func (p *Postgres) GetInstance(ctx context.Context, id string) (bot.Instance, bool, error) {
	return p.getInstanceWhere(ctx, `id=$1`, id)
}

func (p *Postgres) GetActiveInstance(ctx context.Context, userID string) (bot.Instance, bool, error) {
	return p.getInstanceWhere(ctx,
		`user_id=$1 AND status IN ('starting','running') ORDER BY created_at DESC LIMIT 1`, userID)
}

func (p *Postgres) GetLatestInstance(ctx context.Context, userID string) (bot.Instance, bool, error) {
	return p.getInstanceWhere(ctx,
		`user_id=$1 ORDER BY created_at DESC LIMIT 1`, userID)
}

// --- positions and trades ---

func (p *Postgres) SavePosition(ctx context.Context, pos position.Position) error {
	return p.executeWithTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO positions
				(id, bot_id, portfolio_id, symbol, side, entry_price, quantity,
				 stop_loss, take_profit, trailing_armed, trailing_stop, high_water,
				 status, opened_at, closed_at, exit_price, close_reason, realized_pnl)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)`,
			pos.ID, pos.BotID, pos.PortfolioID, pos.Symbol, pos.Side,
			pos.EntryPrice, pos.Quantity, pos.StopLoss, pos.TakeProfit,
			pos.TrailingArmed, pos.TrailingStop, pos.HighWater,
			pos.Status, pos.OpenedAt, nullTime(pos.ClosedAt),
			pos.ExitPrice, pos.CloseReason, pos.RealizedPnL)
		if err != nil {
			return fmt.Errorf("failed to save position %s: %w", pos.ID, err)
		}
		return nil
	})
}

func updatePositionTx(ctx context.Context, tx *sql.Tx, pos position.Position) error {
	res, err := tx.ExecContext(ctx, `
		UPDATE positions SET
			trailing_armed=$2, trailing_stop=$3, high_water=$4, status=$5,
			closed_at=$6, exit_price=$7, close_reason=$8, realized_pnl=$9
		WHERE id=$1`,
		pos.ID, pos.TrailingArmed, pos.TrailingStop, pos.HighWater,
		pos.Status, nullTime(pos.ClosedAt), pos.ExitPrice, pos.CloseReason, pos.RealizedPnL)
	if err != nil {
		return fmt.Errorf("failed to update position %s: %w", pos.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected for position %s: %w", pos.ID, err)
	}
	if n == 0 {
		return fmt.Errorf("position %s not found", pos.ID)
	}
	return nil
}

func (p *Postgres) UpdatePosition(ctx context.Context, pos position.Position) error {
	return p.executeWithTransaction(ctx, func(tx *sql.Tx) error {
		return updatePositionTx(ctx, tx, pos)
	})
}

const positionColumns = `id, bot_id, portfolio_id, symbol, side, entry_price, quantity,
	stop_loss, take_profit, trailing_armed, trailing_stop, high_water,
	status, opened_at, closed_at, exit_price, close_reason, realized_pnl`

func scanPosition(rows *sql.Rows) (position.Position, error) {
	var (
		pos      position.Position
		closedAt sql.NullTime
	)
	err := rows.Scan(&pos.ID, &pos.BotID, &pos.PortfolioID, &pos.Symbol, &pos.Side,
		&pos.EntryPrice, &pos.Quantity, &pos.StopLoss, &pos.TakeProfit,
		&pos.TrailingArmed, &pos.TrailingStop, &pos.HighWater,
		&pos.Status, &pos.OpenedAt, &closedAt, &pos.ExitPrice,
		&pos.CloseReason, &pos.RealizedPnL)
	if err != nil {
		return position.Position{}, fmt.Errorf("failed to scan position: %w", err)
	}
	pos.OpenedAt = pos.OpenedAt.UTC()
	pos.ClosedAt = fromNullTime(closedAt)
	return pos, nil
}

func (p *Postgres) GetOpenPosition(ctx context.Context, portfolioID, symbol string) (position.Position, bool, error) {
	rows, err := p.queryWithTransaction(ctx,
		`SELECT `+positionColumns+` FROM positions
		 WHERE portfolio_id=$1 AND symbol=$2 AND status='open' LIMIT 1`,
		portfolioID, symbol)
	if err != nil {
		return position.Position{}, false, fmt.Errorf("failed to query open position: %w", err)
	}
	defer rows.Close()

	if rows.Next() {
		pos, err := scanPosition(rows)
		if err != nil {
			return position.Position{}, false, err
		}
		return pos, true, nil
	}
	return position.Position{}, false, rows.Err()
}

func (p *Postgres) GetOpenPositions(ctx context.Context, portfolioID string) ([]position.Position, error) {
	rows, err := p.queryWithTransaction(ctx,
		`SELECT `+positionColumns+` FROM positions
		 WHERE portfolio_id=$1 AND status='open' ORDER BY opened_at ASC`,
		portfolioID)
	if err != nil {
		return nil, fmt.Errorf("failed to query open positions: %w", err)
	}
	defer rows.Close()

	var out []position.Position
	for rows.Next() {
		pos, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, pos)
	}
	return out, rows.Err()
}

func insertTradeTx(ctx context.Context, tx *sql.Tx, t position.TradeRecord) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO trades
			(id, bot_id, portfolio_id, position_id, symbol, side, order_type,
			 kind, price, quantity, fee, pnl, reason, executed_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`,
		t.ID, t.BotID, t.PortfolioID, t.PositionID, t.Symbol, t.Side, t.OrderType,
		t.Kind, t.Price, t.Quantity, t.Fee, t.PnL, t.Reason, t.ExecutedAt)
	if err != nil {
		return fmt.Errorf("failed to save trade %s: %w", t.ID, err)
	}
	return nil
}

func (p *Postgres) AppendTrade(ctx context.Context, t position.TradeRecord) error {
	return p.executeWithTransaction(ctx, func(tx *sql.Tx) error {
		return insertTradeTx(ctx, tx, t)
	})
}

// CloseTrade applies the closing position update, the exit trade record and
// the owning instance's counter bumps in one transaction.
func (p *Postgres) CloseTrade(ctx context.Context, botID string, pos position.Position, t position.TradeRecord) error {
	return p.executeWithTransaction(ctx, func(tx *sql.Tx) error {
		if err := updatePositionTx(ctx, tx, pos); err != nil {
			return err
		}
		if err := insertTradeTx(ctx, tx, t); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, `
			UPDATE bot_instances SET
				total_trades = total_trades + 1,
				winning_trades = winning_trades + CASE WHEN $2 > 0 THEN 1 ELSE 0 END,
				losing_trades = losing_trades + CASE WHEN $2 < 0 THEN 1 ELSE 0 END,
				total_pnl = total_pnl + $2,
				last_activity_at = NOW()
			WHERE id=$1`,
			botID, t.PnL)
		if err != nil {
			return fmt.Errorf("failed to update counters for bot %s: %w", botID, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to get rows affected for bot %s: %w", botID, err)
		}
		if n == 0 {
			return fmt.Errorf("bot instance %s not found", botID)
		}
		return nil
	})
}

func (p *Postgres) GetTrades(ctx context.Context, botID string, limit int) ([]position.TradeRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.queryWithTransaction(ctx, `
		SELECT id, bot_id, portfolio_id, position_id, symbol, side, order_type,
		       kind, price, quantity, fee, pnl, reason, executed_at
		FROM trades WHERE bot_id=$1 ORDER BY executed_at DESC LIMIT $2`,
		botID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query trades: %w", err)
	}
	defer rows.Close()

	var out []position.TradeRecord
	for rows.Next() {
		var t position.TradeRecord
		if err := rows.Scan(&t.ID, &t.BotID, &t.PortfolioID, &t.PositionID,
			&t.Symbol, &t.Side, &t.OrderType, &t.Kind, &t.Price, &t.Quantity,
			&t.Fee, &t.PnL, &t.Reason, &t.ExecutedAt); err != nil {
			return nil, fmt.Errorf("failed to scan trade: %w", err)
		}
		t.ExecutedAt = t.ExecutedAt.UTC()
		out = append(out, t)
	}
	return out, rows.Err()
}

// --- risk state ---

func (p *Postgres) GetRiskState(ctx context.Context, portfolioID string) (risk.State, bool, error) {
	rows, err := p.queryWithTransaction(ctx, `
		SELECT portfolio_id, daily_loss, consecutive_losses, last_reset_date
		FROM risk_states WHERE portfolio_id=$1`, portfolioID)
	if err != nil {
		return risk.State{}, false, fmt.Errorf("failed to query risk state: %w", err)
	}
	defer rows.Close()

	if rows.Next() {
		var st risk.State
		if err := rows.Scan(&st.PortfolioID, &st.DailyLoss, &st.ConsecutiveLosses, &st.LastResetDate); err != nil {
			return risk.State{}, false, fmt.Errorf("failed to scan risk state: %w", err)
		}
		return st, true, nil
	}
	return risk.State{}, false, rows.Err()
}

func (p *Postgres) SaveRiskState(ctx context.Context, st risk.State) error {
	return p.executeWithTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO risk_states (portfolio_id, daily_loss, consecutive_losses, last_reset_date)
			VALUES ($1,$2,$3,$4)
			ON CONFLICT (portfolio_id) DO UPDATE SET
				daily_loss=EXCLUDED.daily_loss,
				consecutive_losses=EXCLUDED.consecutive_losses,
				last_reset_date=EXCLUDED.last_reset_date`,
			st.PortfolioID, st.DailyLoss, st.ConsecutiveLosses, st.LastResetDate)
		if err != nil {
			return fmt.Errorf("failed to save risk state for %s: %w", st.PortfolioID, err)
		}
		return nil
	})
}

// --- orders and dead letters ---

func (p *Postgres) SaveOrder(ctx context.Context, rec exchange.OrderRecord) error {
	return p.executeWithTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO orders
				(order_id, bot_id, venue, symbol, side, type, status, price, quantity, created_at, closed_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
			rec.OrderID, rec.BotID, rec.Venue, rec.Symbol, rec.Side, rec.Type,
			rec.Status, rec.Price, rec.Quantity, rec.CreatedAt, nullTime(rec.ClosedAt))
		if err != nil {
			return fmt.Errorf("failed to save order %s: %w", rec.OrderID, err)
		}
		return nil
	})
}

func (p *Postgres) UpdateOrderStatus(ctx context.Context, orderID, status string) error {
	return p.executeWithTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`UPDATE orders SET status=$2, closed_at=NOW() WHERE order_id=$1`,
			orderID, status)
		if err != nil {
			return fmt.Errorf("failed to update order %s: %w", orderID, err)
		}
		return nil
	})
}

func (p *Postgres) GetOpenOrders(ctx context.Context, botID string) ([]exchange.OrderRecord, error) {
	rows, err := p.queryWithTransaction(ctx, `
		SELECT order_id, bot_id, venue, symbol, side, type, status, price, quantity, created_at, closed_at
		FROM orders WHERE bot_id=$1 AND closed_at IS NULL ORDER BY created_at ASC`,
		botID)
	if err != nil {
		return nil, fmt.Errorf("failed to query open orders: %w", err)
	}
	defer rows.Close()

	var out []exchange.OrderRecord
	for rows.Next() {
		var (
			rec      exchange.OrderRecord
			closedAt sql.NullTime
		)
		if err := rows.Scan(&rec.OrderID, &rec.BotID, &rec.Venue, &rec.Symbol,
			&rec.Side, &rec.Type, &rec.Status, &rec.Price, &rec.Quantity,
			&rec.CreatedAt, &closedAt); err != nil {
			return nil, fmt.Errorf("failed to scan order: %w", err)
		}
		rec.CreatedAt = rec.CreatedAt.UTC()
		rec.ClosedAt = fromNullTime(closedAt)
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (p *Postgres) SaveDeadLetter(ctx context.Context, dl exchange.DeadLetter) error {
	payload, err := json.Marshal(dl.Payload)
	if err != nil {
		return fmt.Errorf("failed to marshal dead letter payload: %w", err)
	}
	return p.executeWithTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO dead_letters (id, bot_id, kind, reason, payload, created_at)
			VALUES ($1,$2,$3,$4,$5,$6)`,
			dl.ID, dl.BotID, dl.Kind, dl.Reason, payload, dl.CreatedAt)
		if err != nil {
			return fmt.Errorf("failed to save dead letter %s: %w", dl.ID, err)
		}
		return nil
	})
}

func (p *Postgres) GetDeadLetters(ctx context.Context, botID string) ([]exchange.DeadLetter, error) {
	rows, err := p.queryWithTransaction(ctx, `
		SELECT id, bot_id, kind, reason, payload, created_at
		FROM dead_letters WHERE bot_id=$1 ORDER BY created_at ASC`, botID)
	if err != nil {
		return nil, fmt.Errorf("failed to query dead letters: %w", err)
	}
	defer rows.Close()

	var out []exchange.DeadLetter
	for rows.Next() {
		var (
			dl      exchange.DeadLetter
			payload []byte
		)
		if err := rows.Scan(&dl.ID, &dl.BotID, &dl.Kind, &dl.Reason, &payload, &dl.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan dead letter: %w", err)
		}
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &dl.Payload); err != nil {
				return nil, fmt.Errorf("failed to unmarshal dead letter payload: %w", err)
			}
		}
		dl.CreatedAt = dl.CreatedAt.UTC()
		out = append(out, dl)
	}
	return out, rows.Err()
}

// --- journal ---

func (p *Postgres) LogEvent(ctx context.Context, e journal.Event) error {
	data, err := json.Marshal(e.Data)
	if err != nil {
		return fmt.Errorf("failed to marshal event data: %w", err)
	}
	return p.executeWithTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO events (time, type, description, data)
			VALUES ($1,$2,$3,$4)`,
			e.Time, e.Type, e.Description, data)
		if err != nil {
			return fmt.Errorf("failed to save event: %w", err)
		}
		return nil
	})
}

func (p *Postgres) GetEvents(ctx context.Context, eventType string, start, end time.Time) ([]journal.Event, error) {
	rows, err := p.queryWithTransaction(ctx, `
		SELECT time, type, description, data
		FROM events
		WHERE type=$1 AND time >= $2 AND time < $3
		ORDER BY time ASC`,
		eventType, start, end)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var out []journal.Event
	for rows.Next() {
		var (
			e    journal.Event
			data []byte
		)
		if err := rows.Scan(&e.Time, &e.Type, &e.Description, &data); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		if len(data) > 0 {
			if err := json.Unmarshal(data, &e.Data); err != nil {
				return nil, fmt.Errorf("failed to unmarshal event data: %w", err)
			}
		}
		e.Time = e.Time.UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}
