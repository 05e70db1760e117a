package indicator

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/quantbed/backtestd/internal/domain"
)

// Resolver decides which requested indicator series still need computing
// before a backtest can load its wide frame.
type Resolver struct {
	Candles    domain.CandleRepository
	Indicators domain.IndicatorValueRepository
	Registry   *Registry
}

// MissingPairs reports the requested pairs whose stored series do not fully
// cover the range. A base key is incomplete when it is absent, covers fewer
// points than there are candles, or carries duplicate rows. Request order
// is preserved and duplicate pairs are collapsed.
func (r Resolver) MissingPairs(ctx domain.Context, ticker string, tf domain.Timeframe, from, to time.Time, pairs []domain.IndicatorPair) ([]domain.IndicatorPair, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	required, err := r.Candles.CountRange(ctx, ticker, tf, from, to)
	if err != nil {
		return nil, fmt.Errorf("op=indicator.MissingPairs: count candles: %w", err)
	}
	if required == 0 {
		// Nothing to cover. The data-loading stage owns the empty-range
		// diagnostic.
		return nil, nil
	}

	baseKeys := make([]string, 0, len(pairs))
	seenBase := make(map[string]bool, len(pairs))
	for _, pair := range pairs {
		if seenBase[pair.BaseKey] {
			continue
		}
		seenBase[pair.BaseKey] = true
		baseKeys = append(baseKeys, pair.BaseKey)
	}
	stats, err := r.Indicators.Coverage(ctx, ticker, tf, from, to, baseKeys)
	if err != nil {
		return nil, fmt.Errorf("op=indicator.MissingPairs: coverage: %w", err)
	}

	incomplete := make(map[string]bool, len(baseKeys))
	for _, key := range baseKeys {
		stat, ok := stats[key]
		if !ok || stat.DistinctBegins < required || stat.HasDuplicates() {
			incomplete[key] = true
		}
	}

	var missing []domain.IndicatorPair
	seen := make(map[string]bool, len(pairs))
	for _, pair := range pairs {
		full := pair.FullKey()
		if !incomplete[pair.BaseKey] || seen[full] {
			continue
		}
		seen[full] = true
		missing = append(missing, pair)
	}
	return missing, nil
}

// Specs expands missing pairs into calculation specs, one per distinct base
// key. Pairs whose base key is not registered are skipped with a warning.
func (r Resolver) Specs(pairs []domain.IndicatorPair) []domain.IndicatorSpec {
	var specs []domain.IndicatorSpec
	seen := make(map[string]bool, len(pairs))
	for _, pair := range pairs {
		if seen[pair.BaseKey] {
			continue
		}
		seen[pair.BaseKey] = true
		spec, ok := r.Registry.Descriptor(pair.BaseKey)
		if !ok {
			slog.Warn("indicator key not in registry, cannot request calculation", slog.String("indicator_key", pair.BaseKey))
			continue
		}
		specs = append(specs, spec)
	}
	return specs
}
