package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"dex-trading-engine/internal/events"
	"dex-trading-engine/internal/position"
	"dex-trading-engine/internal/signal"
)

func sideFromString(s string) signal.Direction {
	switch s {
	case string(signal.DirectionLong):
		return signal.DirectionLong
	case string(signal.DirectionShort):
		return signal.DirectionShort
	}
	return signal.DirectionNone
}

// PositionRepository persists position state and the lifecycle event log.
// It implements position.Repository.
type PositionRepository struct {
	pool   *pgxpool.Pool
	logger zerolog.Logger
}

// NewPositionRepository creates a position repository over the pool.
func NewPositionRepository(pool *pgxpool.Pool, logger zerolog.Logger) *PositionRepository {
	return &PositionRepository{
		pool:   pool,
		logger: logger.With().Str("component", "PositionRepository").Logger(),
	}
}

// SavePosition upserts the full position row.
func (r *PositionRepository) SavePosition(ctx context.Context, pos position.Position) error {
	ladder, err := json.Marshal(pos.Ladder)
	if err != nil {
		return fmt.Errorf("failed to marshal ladder: %w", err)
	}

	_, err = r.pool.Exec(ctx, `
		INSERT INTO positions (
			id, account_id, symbol, side, entry_price, initial_size,
			remaining_size, leverage, stop_loss, take_profit, status, mode,
			ladder, realized_pnl, realized_r, close_reason, frozen,
			opened_at, closed_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,NOW())
		ON CONFLICT (id) DO UPDATE SET
			remaining_size = EXCLUDED.remaining_size,
			status = EXCLUDED.status,
			ladder = EXCLUDED.ladder,
			realized_pnl = EXCLUDED.realized_pnl,
			realized_r = EXCLUDED.realized_r,
			close_reason = EXCLUDED.close_reason,
			frozen = EXCLUDED.frozen,
			closed_at = EXCLUDED.closed_at,
			updated_at = NOW()`,
		pos.ID, pos.AccountID, pos.Symbol, string(pos.Side), pos.EntryPrice,
		pos.InitialSize, pos.RemainingSize, pos.Leverage, pos.StopLoss,
		pos.TakeProfit, string(pos.Status), string(pos.Mode), ladder,
		pos.RealizedPnL, pos.RealizedR, string(pos.CloseReason), pos.Frozen,
		pos.OpenedAt, pos.ClosedAt)
	if err != nil {
		return fmt.Errorf("failed to save position %s: %w", pos.ID, err)
	}
	return nil
}

// RecordEvent appends a lifecycle event to the log. The primary key on
// (position_id, event_id) with DO NOTHING makes redelivery a no-op, so the
// event log stays exactly-once under at-least-once delivery.
func (r *PositionRepository) RecordEvent(ctx context.Context, e events.Event) error {
	payload, err := json.Marshal(e.Data)
	if err != nil {
		return fmt.Errorf("failed to marshal event payload: %w", err)
	}

	_, err = r.pool.Exec(ctx, `
		INSERT INTO position_events (
			position_id, event_id, event_type, account_id, symbol, payload, occurred_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (position_id, event_id) DO NOTHING`,
		e.PositionID, e.EventID, string(e.Type), e.AccountID, e.Symbol, payload, e.Timestamp)
	if err != nil {
		return fmt.Errorf("failed to record event %s: %w", e.EventID, err)
	}
	return nil
}

// Attach subscribes the repository to all position-scoped events on the bus.
func (r *PositionRepository) Attach(bus *events.Bus) {
	bus.SubscribeAll(func(e events.Event) {
		if e.PositionID == "" {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := r.RecordEvent(ctx, e); err != nil {
			r.logger.Error().Err(err).
				Str("event_id", e.EventID).
				Str("position_id", e.PositionID).
				Msg("Failed to record position event")
		}
	})
}

// LoadPositions returns all persisted positions for an account, newest
// first.
func (r *PositionRepository) LoadPositions(ctx context.Context, accountID string, limit int) ([]position.Position, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.pool.Query(ctx, `
		SELECT id, account_id, symbol, side, entry_price, initial_size,
			remaining_size, leverage, stop_loss, take_profit, status, mode,
			ladder, realized_pnl, realized_r, close_reason, frozen,
			opened_at, closed_at
		FROM positions
		WHERE account_id = $1
		ORDER BY opened_at DESC
		LIMIT $2`, accountID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to load positions: %w", err)
	}
	defer rows.Close()

	var out []position.Position
	for rows.Next() {
		var pos position.Position
		var side, status, mode, closeReason string
		var ladder []byte
		if err := rows.Scan(
			&pos.ID, &pos.AccountID, &pos.Symbol, &side, &pos.EntryPrice,
			&pos.InitialSize, &pos.RemainingSize, &pos.Leverage, &pos.StopLoss,
			&pos.TakeProfit, &status, &mode, &ladder, &pos.RealizedPnL,
			&pos.RealizedR, &closeReason, &pos.Frozen, &pos.OpenedAt, &pos.ClosedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan position: %w", err)
		}
		pos.Side = sideFromString(side)
		pos.Status = position.Status(status)
		pos.Mode = position.Mode(mode)
		pos.CloseReason = position.CloseReason(closeReason)
		if err := json.Unmarshal(ladder, &pos.Ladder); err != nil {
			return nil, fmt.Errorf("failed to unmarshal ladder for %s: %w", pos.ID, err)
		}
		out = append(out, pos)
	}
	return out, rows.Err()
}
