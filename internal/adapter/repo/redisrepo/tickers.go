package redisrepo

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/redis/go-redis/v9"

	"github.com/quantbed/backtestd/internal/domain"
)

const activeTickersKey = "tickers:active"

// cachedTicker is the hash-field wire format; activity is implied by
// membership in the active set.
type cachedTicker struct {
	Symbol  string `json:"symbol"`
	Name    string `json:"name"`
	LotSize int    `json:"lot_size"`
}

// TickerCache mirrors the active instrument list into a Redis hash so
// collectors and schedulers can read it without touching PostgreSQL.
type TickerCache struct {
	rdb *redis.Client
}

// NewTickerCache constructs the cache around an existing client.
func NewTickerCache(rdb *redis.Client) *TickerCache {
	return &TickerCache{rdb: rdb}
}

// ReplaceActive atomically swaps the mirror for the active subset of the
// given tickers.
func (c *TickerCache) ReplaceActive(ctx domain.Context, tickers []domain.Ticker) error {
	fields := make(map[string]any, len(tickers))
	for _, t := range tickers {
		if !t.IsActive {
			continue
		}
		raw, err := json.Marshal(cachedTicker{Symbol: t.Symbol, Name: t.Name, LotSize: t.LotSize})
		if err != nil {
			return fmt.Errorf("op=tickers.replace_active: %w", err)
		}
		fields[t.Symbol] = raw
	}

	_, err := c.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, activeTickersKey)
		if len(fields) > 0 {
			pipe.HSet(ctx, activeTickersKey, fields)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("op=tickers.replace_active: %w", err)
	}
	slog.InfoContext(ctx, "active ticker mirror refreshed", slog.Int("count", len(fields)))
	return nil
}

// ListActive returns the mirrored tickers sorted by symbol.
func (c *TickerCache) ListActive(ctx domain.Context) ([]domain.Ticker, error) {
	raw, err := c.rdb.HGetAll(ctx, activeTickersKey).Result()
	if err != nil {
		return nil, fmt.Errorf("op=tickers.list_active: %w", err)
	}
	out := make([]domain.Ticker, 0, len(raw))
	for symbol, value := range raw {
		var ct cachedTicker
		if err := json.Unmarshal([]byte(value), &ct); err != nil {
			return nil, fmt.Errorf("op=tickers.list_active: decode %s: %w", symbol, err)
		}
		out = append(out, domain.Ticker{Symbol: ct.Symbol, Name: ct.Name, LotSize: ct.LotSize, IsActive: true})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out, nil
}

// Get loads one mirrored ticker by symbol.
func (c *TickerCache) Get(ctx domain.Context, symbol string) (domain.Ticker, error) {
	value, err := c.rdb.HGet(ctx, activeTickersKey, symbol).Result()
	if errors.Is(err, redis.Nil) {
		return domain.Ticker{}, fmt.Errorf("op=tickers.get: %s: %w", symbol, domain.ErrNotFound)
	}
	if err != nil {
		return domain.Ticker{}, fmt.Errorf("op=tickers.get: %w", err)
	}
	var ct cachedTicker
	if err := json.Unmarshal([]byte(value), &ct); err != nil {
		return domain.Ticker{}, fmt.Errorf("op=tickers.get: decode %s: %w", symbol, err)
	}
	return domain.Ticker{Symbol: ct.Symbol, Name: ct.Name, LotSize: ct.LotSize, IsActive: true}, nil
}
