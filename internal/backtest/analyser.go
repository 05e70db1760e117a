package backtest

import (
	"github.com/quantbed/backtestd/internal/domain"
)

// KeySplitter resolves a full indicator key referenced by an AST into its
// (base_key, value_key) pair. The indicator registry implements it.
type KeySplitter interface {
	SplitFullKey(full string) (domain.IndicatorPair, bool)
}

// Analyser walks a strategy AST and collects the indicator pairs the
// evaluation needs.
type Analyser struct {
	Keys KeySplitter
}

// Analyse returns the referenced pairs in first-seen order plus the full
// keys that matched no registered indicator. OHLCV column references are
// candle fields, not indicators, and are dropped silently.
func (a Analyser) Analyse(def *domain.StrategyDefinition) ([]domain.IndicatorPair, []string) {
	var (
		pairs     []domain.IndicatorPair
		unmatched []string
	)
	seen := make(map[string]bool)
	visit := func(full string) {
		if full == "" || domain.IsOHLCVColumn(full) || seen[full] {
			return
		}
		seen[full] = true
		pair, ok := a.Keys.SplitFullKey(full)
		if !ok {
			unmatched = append(unmatched, full)
			return
		}
		pairs = append(pairs, pair)
	}
	for _, root := range def.Roots() {
		walkKeys(root, visit)
	}
	if sl := def.StopLoss; sl != nil && sl.Type == domain.StopLossIndicatorBased {
		visit(sl.IndicatorKey)
	}
	return pairs, unmatched
}

// walkKeys calls visit for every full indicator key referenced under n.
func walkKeys(n *domain.StrategyNode, visit func(string)) {
	if n == nil {
		return
	}
	switch n.Kind {
	case domain.NodeAnd, domain.NodeOr:
		for _, c := range n.Children {
			walkKeys(c, visit)
		}
	case domain.NodeGreaterThan, domain.NodeLessThan, domain.NodeEquals,
		domain.NodeCrossoverUp, domain.NodeCrossoverDown:
		walkKeys(n.Left, visit)
		walkKeys(n.Right, visit)
	case domain.NodeIndicatorValue, domain.NodePrevIndicator:
		visit(n.Key)
	case domain.NodeSuperTrendFlip:
		visit(n.IndicatorKey)
	case domain.NodeMACDCrossoverFlip:
		visit(n.IndicatorKey)
		visit(n.SignalKey)
	}
}
