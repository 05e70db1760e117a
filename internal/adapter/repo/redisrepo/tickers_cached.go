package redisrepo

import (
	"errors"
	"log/slog"

	"github.com/quantbed/backtestd/internal/domain"
)

// CachedTickerRepo reads tickers through the Redis mirror and falls back to
// the relational repository when the mirror misses or errors. Writes go
// straight to the fallback; the scheduler owns mirror refreshes.
type CachedTickerRepo struct {
	Cache    *TickerCache
	Fallback domain.TickerRepository
}

// Get loads one ticker, mirror first. Inactive tickers are never mirrored,
// so they always come from the fallback.
func (r CachedTickerRepo) Get(ctx domain.Context, symbol string) (domain.Ticker, error) {
	t, err := r.Cache.Get(ctx, symbol)
	if err == nil {
		return t, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		slog.WarnContext(ctx, "ticker mirror read failed, falling back",
			slog.String("symbol", symbol), slog.Any("error", err))
	}
	return r.Fallback.Get(ctx, symbol)
}

// ListActive returns the mirrored actives, or the fallback's when the
// mirror is empty or unreachable.
func (r CachedTickerRepo) ListActive(ctx domain.Context) ([]domain.Ticker, error) {
	ts, err := r.Cache.ListActive(ctx)
	if err == nil && len(ts) > 0 {
		return ts, nil
	}
	if err != nil {
		slog.WarnContext(ctx, "ticker mirror list failed, falling back", slog.Any("error", err))
	}
	return r.Fallback.ListActive(ctx)
}

// Upsert writes through to the fallback only. The mirror stays as-is until
// the next scheduled refresh.
func (r CachedTickerRepo) Upsert(ctx domain.Context, tickers []domain.Ticker) error {
	return r.Fallback.Upsert(ctx, tickers)
}
