package pricecache

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"marketpulse/internal/cache"
	"marketpulse/internal/models"
	"marketpulse/internal/repository"
)

const keyPrefix = "mp:price:"

// Point is the latest observed price of one token.
type Point struct {
	TokenID   uint64           `json:"token_id"`
	Price     decimal.Decimal  `json:"price"`
	BestBid   *decimal.Decimal `json:"best_bid,omitempty"`
	BestAsk   *decimal.Decimal `json:"best_ask,omitempty"`
	Spread    *decimal.Decimal `json:"spread,omitempty"`
	Volume24h *decimal.Decimal `json:"volume_24h,omitempty"`
	TS        time.Time        `json:"ts"`
}

func FromTick(t models.Tick) Point {
	return Point{
		TokenID:   t.TokenID,
		Price:     t.Price,
		BestBid:   t.BestBid,
		BestAsk:   t.BestAsk,
		Spread:    t.Spread,
		Volume24h: t.Volume24h,
		TS:        t.TS.UTC(),
	}
}

// Cache keeps the latest price per token in a cache.Store and falls back to
// the newest stored tick for tokens it does not hold.
type Cache struct {
	store  cache.Store
	ticks  repository.TickRepository
	ttl    time.Duration
	logger *zap.Logger
}

func New(store cache.Store, ticks repository.TickRepository, ttl time.Duration, logger *zap.Logger) *Cache {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache{store: store, ticks: ticks, ttl: ttl, logger: logger}
}

func key(tokenID uint64) string {
	return keyPrefix + strconv.FormatUint(tokenID, 10)
}

// Put stores points. A point older than the cached one is ignored.
func (c *Cache) Put(ctx context.Context, points ...Point) error {
	if c == nil || c.store == nil || len(points) == 0 {
		return nil
	}
	keys := make([]string, 0, len(points))
	for _, p := range points {
		keys = append(keys, key(p.TokenID))
	}
	existing, err := c.store.MGet(ctx, keys)
	if err != nil {
		return fmt.Errorf("price cache read: %w", err)
	}
	for _, p := range points {
		if raw, ok := existing[key(p.TokenID)]; ok {
			var cur Point
			if json.Unmarshal(raw, &cur) == nil && cur.TS.After(p.TS) {
				continue
			}
		}
		b, err := json.Marshal(p)
		if err != nil {
			return err
		}
		if err := c.store.Set(ctx, key(p.TokenID), b, c.ttl); err != nil {
			return fmt.Errorf("price cache write: %w", err)
		}
	}
	return nil
}

// Latest returns the newest known price for each token. Tokens missing from
// both the cache and the tick table are absent from the result.
func (c *Cache) Latest(ctx context.Context, tokenIDs []uint64) (map[uint64]Point, error) {
	out := make(map[uint64]Point, len(tokenIDs))
	if len(tokenIDs) == 0 {
		return out, nil
	}
	var missing []uint64
	if c.store != nil {
		keys := make([]string, 0, len(tokenIDs))
		for _, id := range tokenIDs {
			keys = append(keys, key(id))
		}
		found, err := c.store.MGet(ctx, keys)
		if err != nil {
			c.logger.Warn("price cache unavailable, reading ticks", zap.Error(err))
			found = nil
		}
		for _, id := range tokenIDs {
			raw, ok := found[key(id)]
			if !ok {
				missing = append(missing, id)
				continue
			}
			var p Point
			if err := json.Unmarshal(raw, &p); err != nil {
				missing = append(missing, id)
				continue
			}
			out[id] = p
		}
	} else {
		missing = tokenIDs
	}
	if len(missing) == 0 || c.ticks == nil {
		return out, nil
	}
	ticks, err := c.ticks.LatestTicksForTokens(ctx, missing)
	if err != nil {
		return nil, fmt.Errorf("latest ticks: %w", err)
	}
	for id, t := range ticks {
		out[id] = FromTick(t)
	}
	return out, nil
}
