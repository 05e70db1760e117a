package backtest

import (
	"math"

	"github.com/quantbed/backtestd/internal/domain"
)

// ComputeMetrics aggregates a chronological trade list into result metrics.
// Ratios undefined for the list (no trades, no losing trades, zero capital)
// come back nil, as does anything that would be NaN or infinite, so they
// persist as SQL NULLs.
func ComputeMetrics(trades []domain.Trade, initialCapital float64) domain.ResultMetrics {
	m := domain.ResultMetrics{TotalTrades: len(trades)}
	if len(trades) == 0 {
		return m
	}

	var grossProfit, grossLoss float64
	best, worst := trades[0].PnL, trades[0].PnL
	for _, t := range trades {
		m.TotalPnL += t.PnL
		switch {
		case t.PnL > 0:
			m.WinningTrades++
			grossProfit += t.PnL
		case t.PnL < 0:
			m.LosingTrades++
			grossLoss += -t.PnL
		}
		if t.PnL > best {
			best = t.PnL
		}
		if t.PnL < worst {
			worst = t.PnL
		}
	}

	m.WinRate = nullable(float64(m.WinningTrades) / float64(m.TotalTrades) * 100)
	if grossLoss > 0 {
		m.ProfitFactor = nullable(grossProfit / grossLoss)
	}
	if initialCapital > 0 {
		m.TotalPnLPct = nullable(m.TotalPnL / initialCapital * 100)
	}
	m.MaxDrawdownPct = nullable(maxDrawdownPct(trades, initialCapital))
	m.AvgTradePnL = nullable(m.TotalPnL / float64(m.TotalTrades))
	m.BestTradePnL = nullable(best)
	m.WorstTradePnL = nullable(worst)
	return m
}

// maxDrawdownPct walks the equity curve trade by trade and returns the
// largest peak-to-trough decline as a percentage of the peak.
func maxDrawdownPct(trades []domain.Trade, initialCapital float64) float64 {
	equity := initialCapital
	peak := initialCapital
	var maxDD float64
	for _, t := range trades {
		equity += t.PnL
		if equity > peak {
			peak = equity
		}
		if peak <= 0 {
			continue
		}
		if dd := (peak - equity) / peak * 100; dd > maxDD {
			maxDD = dd
		}
	}
	return maxDD
}

// nullable boxes v, dropping NaN and infinities.
func nullable(v float64) *float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return &v
}
