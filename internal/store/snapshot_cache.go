package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"dex-trading-engine/internal/events"
	"dex-trading-engine/internal/position"
	"dex-trading-engine/internal/risk"
)

// PositionBook reports a live position against a mark price. Implemented by
// the position manager.
type PositionBook interface {
	Status(positionID string, markPrice float64) (position.Snapshot, error)
}

// RiskReporter reports an account's current risk posture. Implemented by the
// risk aggregator.
type RiskReporter interface {
	RiskStatus(accountID string) (risk.Status, bool)
}

// SnapshotCache keeps the latest position and risk snapshots in Redis so
// operator tooling can read them without touching the engine. When Redis is
// unreachable it degrades to an in-process map and keeps probing in the
// background.
type SnapshotCache struct {
	client    *redis.Client
	available atomic.Bool
	ttl       time.Duration

	mu       sync.RWMutex
	fallback map[string][]byte

	logger zerolog.Logger
}

// NewSnapshotCache connects to Redis. A failed connection is not fatal; the
// cache starts in fallback mode.
func NewSnapshotCache(addr, password string, db int, logger zerolog.Logger) *SnapshotCache {
	c := &SnapshotCache{
		client: redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: password,
			DB:       db,
		}),
		ttl:      24 * time.Hour,
		fallback: make(map[string][]byte),
		logger:   logger.With().Str("component", "SnapshotCache").Logger(),
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := c.client.Ping(ctx).Err(); err != nil {
		c.logger.Warn().Err(err).Msg("Redis unavailable, using in-memory snapshots")
	} else {
		c.available.Store(true)
	}
	return c
}

func (c *SnapshotCache) set(ctx context.Context, key string, value interface{}) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	if c.available.Load() {
		if err := c.client.Set(ctx, key, data, c.ttl).Err(); err != nil {
			c.available.Store(false)
			c.logger.Warn().Err(err).Str("key", key).Msg("Redis write failed, falling back to memory")
		} else {
			return nil
		}
	}

	c.mu.Lock()
	c.fallback[key] = data
	c.mu.Unlock()
	return nil
}

func (c *SnapshotCache) get(ctx context.Context, key string, out interface{}) (bool, error) {
	if c.available.Load() {
		data, err := c.client.Get(ctx, key).Bytes()
		switch {
		case err == redis.Nil:
			return false, nil
		case err != nil:
			c.available.Store(false)
			c.logger.Warn().Err(err).Str("key", key).Msg("Redis read failed, falling back to memory")
		default:
			return true, json.Unmarshal(data, out)
		}
	}

	c.mu.RLock()
	data, ok := c.fallback[key]
	c.mu.RUnlock()
	if !ok {
		return false, nil
	}
	return true, json.Unmarshal(data, out)
}

func (c *SnapshotCache) del(ctx context.Context, key string) {
	if c.available.Load() {
		if err := c.client.Del(ctx, key).Err(); err != nil {
			c.available.Store(false)
			c.logger.Warn().Err(err).Str("key", key).Msg("Redis delete failed, falling back to memory")
		}
	}
	c.mu.Lock()
	delete(c.fallback, key)
	c.mu.Unlock()
}

func positionKey(id string) string    { return "snapshot:position:" + id }
func riskKey(accountID string) string { return "snapshot:risk:" + accountID }

// Attach subscribes the cache to the event stream so operator tooling always
// sees the latest position and risk state. Terminal positions leave the
// cache; their final state lives in the positions table.
func (c *SnapshotCache) Attach(bus *events.Bus, book PositionBook, risks RiskReporter) {
	bus.SubscribeAll(func(e events.Event) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		c.handleEvent(ctx, e, book, risks)
	})
}

func (c *SnapshotCache) handleEvent(ctx context.Context, e events.Event, book PositionBook, risks RiskReporter) {
	if e.PositionID != "" && book != nil {
		switch e.Type {
		case events.EventPositionClosed, events.EventPositionLiquidated:
			c.del(ctx, positionKey(e.PositionID))
		case events.EventPositionOpened, events.EventPositionPartial,
			events.EventLiquidationWarning, events.EventPositionFrozen:
			if snap, err := book.Status(e.PositionID, markPriceFrom(e)); err == nil {
				if err := c.SavePositionSnapshot(ctx, snap); err != nil {
					c.logger.Warn().Err(err).
						Str("position_id", e.PositionID).
						Msg("Failed to mirror position snapshot")
				}
			}
		}
	}

	if e.AccountID != "" && risks != nil {
		if status, ok := risks.RiskStatus(e.AccountID); ok {
			if err := c.SaveRiskStatus(ctx, status); err != nil {
				c.logger.Warn().Err(err).
					Str("account_id", e.AccountID).
					Msg("Failed to mirror risk status")
			}
		}
	}
}

// markPriceFrom pulls the most relevant price an event carries.
func markPriceFrom(e events.Event) float64 {
	for _, k := range []string{"fill_price", "price", "entry_price", "liquidation_price"} {
		if v, ok := e.Data[k].(float64); ok {
			return v
		}
	}
	return 0
}

// SavePositionSnapshot stores the latest view of a position.
func (c *SnapshotCache) SavePositionSnapshot(ctx context.Context, snap position.Snapshot) error {
	return c.set(ctx, positionKey(snap.Position.ID), snap)
}

// GetPositionSnapshot loads the latest view of a position.
func (c *SnapshotCache) GetPositionSnapshot(ctx context.Context, positionID string) (position.Snapshot, bool, error) {
	var snap position.Snapshot
	ok, err := c.get(ctx, positionKey(positionID), &snap)
	return snap, ok, err
}

// SaveRiskStatus stores the latest risk posture for an account.
func (c *SnapshotCache) SaveRiskStatus(ctx context.Context, status risk.Status) error {
	return c.set(ctx, riskKey(status.AccountID), status)
}

// GetRiskStatus loads the latest risk posture for an account.
func (c *SnapshotCache) GetRiskStatus(ctx context.Context, accountID string) (risk.Status, bool, error) {
	var status risk.Status
	ok, err := c.get(ctx, riskKey(accountID), &status)
	return status, ok, err
}

// Close releases the Redis connection.
func (c *SnapshotCache) Close() error {
	return c.client.Close()
}
