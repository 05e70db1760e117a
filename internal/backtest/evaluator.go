package backtest

import (
	"fmt"
	"math"
	"time"

	"github.com/quantbed/backtestd/internal/domain"
)

// EvalParams carries the simulation knobs plus the instrument metadata the
// evaluator needs to size positions. CommissionPct and SlippagePct are
// fractions of the notional (0.01 = 1%), as are the stop-loss and
// take-profit distances in the strategy definition.
type EvalParams struct {
	InitialCapital float64
	CommissionPct  float64
	SlippagePct    float64
	LotSize        int
}

// Evaluator runs a strategy over a loaded frame and returns the closed
// trades in chronological order. Heavy external engines plug in behind this
// port; FrameEvaluator is the built-in reference.
type Evaluator interface {
	Evaluate(ctx domain.Context, f *domain.Frame, def *domain.StrategyDefinition, params EvalParams) ([]domain.Trade, error)
}

// FrameEvaluator is the reference single-position simulator. It walks the
// frame row by row: when flat it checks the entry conditions (long before
// short), when positioned it checks the protective stop, the profit target
// and the exit condition, in that order, starting on the bar after entry.
// Conditions over NaN cells are false, so an indicator's unfilled lookback
// header never trades. Equity compounds: each entry is sized from the
// capital left after the previous trades.
type FrameEvaluator struct{}

// Evaluate simulates the strategy over the frame.
func (FrameEvaluator) Evaluate(_ domain.Context, f *domain.Frame, def *domain.StrategyDefinition, params EvalParams) ([]domain.Trade, error) {
	if f == nil || f.Len() == 0 {
		return nil, fmt.Errorf("%w: empty frame", domain.ErrInvalidArgument)
	}
	if def == nil {
		return nil, fmt.Errorf("%w: nil strategy definition", domain.ErrInvalidArgument)
	}
	if params.InitialCapital <= 0 {
		return nil, fmt.Errorf("%w: initial capital must be positive", domain.ErrInvalidArgument)
	}
	lotSize := params.LotSize
	if lotSize <= 0 {
		lotSize = 1
	}

	var (
		trades []domain.Trade
		pos    *position
	)
	capital := params.InitialCapital
	for i := 0; i < f.Len(); i++ {
		if pos != nil {
			trade, closed := pos.check(f, def, params, i)
			if closed {
				capital += trade.PnL
				trades = append(trades, trade)
				pos = nil
			}
			continue
		}
		if i == f.Len()-1 {
			// No entries on the final bar; there is nothing left to exit
			// into.
			break
		}
		if truthy(evalNode(def.EntryLong, f, i)) {
			pos = openPosition(f, i, domain.TradeLong, capital, lotSize, params, def)
		} else if truthy(evalNode(def.EntryShort, f, i)) {
			pos = openPosition(f, i, domain.TradeShort, capital, lotSize, params, def)
		}
	}
	if pos != nil {
		last := f.Len() - 1
		trades = append(trades, pos.close(f, last, cell(f, domain.ColClose, last), domain.ExitEndOfRange, params))
	}
	return trades, nil
}

// position is one open simulated position. stopPrice and takePrice are zero
// while unarmed.
type position struct {
	direction  domain.TradeDirection
	entryTime  time.Time
	entryPrice float64
	lots       int
	stopPrice  float64
	takePrice  float64
}

func openPosition(f *domain.Frame, i int, dir domain.TradeDirection, capital float64, lotSize int, params EvalParams, def *domain.StrategyDefinition) *position {
	raw := cell(f, domain.ColClose, i)
	if math.IsNaN(raw) || raw <= 0 {
		return nil
	}
	entry := fill(raw, dir == domain.TradeLong, params.SlippagePct)
	lots := int(capital / (entry * float64(lotSize)))
	if lots < 1 {
		return nil
	}
	p := &position{
		direction:  dir,
		entryTime:  f.Index(i),
		entryPrice: entry,
		lots:       lots,
	}
	p.arm(f, i, def, entry)
	return p
}

// arm resolves the protective levels at entry time. INDICATOR_BASED stops
// freeze the referenced column's value on the entry bar.
func (p *position) arm(f *domain.Frame, i int, def *domain.StrategyDefinition, entry float64) {
	if sl := def.StopLoss; sl != nil {
		switch sl.Type {
		case domain.StopLossFixedPct:
			if p.direction == domain.TradeLong {
				p.stopPrice = entry * (1 - sl.Pct)
			} else {
				p.stopPrice = entry * (1 + sl.Pct)
			}
		case domain.StopLossIndicatorBased:
			if v := cell(f, sl.IndicatorKey, i); !math.IsNaN(v) && v > 0 {
				p.stopPrice = v
			}
		}
	}
	if tp := def.TakeProfit; tp != nil && tp.Pct > 0 {
		if p.direction == domain.TradeLong {
			p.takePrice = entry * (1 + tp.Pct)
		} else {
			p.takePrice = entry * (1 - tp.Pct)
		}
	}
}

// check tests the protective exits and the exit condition on bar i.
// Intrabar extremes trigger the stop and the target; the exit condition
// fires at the close.
func (p *position) check(f *domain.Frame, def *domain.StrategyDefinition, params EvalParams, i int) (domain.Trade, bool) {
	high := cell(f, domain.ColHigh, i)
	low := cell(f, domain.ColLow, i)
	if p.direction == domain.TradeLong {
		if p.stopPrice > 0 && low <= p.stopPrice {
			return p.close(f, i, p.stopPrice, domain.ExitStopLoss, params), true
		}
		if p.takePrice > 0 && high >= p.takePrice {
			return p.close(f, i, p.takePrice, domain.ExitTakeProfit, params), true
		}
		if truthy(evalNode(def.ExitLong, f, i)) {
			return p.close(f, i, cell(f, domain.ColClose, i), domain.ExitSignal, params), true
		}
		return domain.Trade{}, false
	}
	if p.stopPrice > 0 && high >= p.stopPrice {
		return p.close(f, i, p.stopPrice, domain.ExitStopLoss, params), true
	}
	if p.takePrice > 0 && low <= p.takePrice {
		return p.close(f, i, p.takePrice, domain.ExitTakeProfit, params), true
	}
	if truthy(evalNode(def.ExitShort, f, i)) {
		return p.close(f, i, cell(f, domain.ColClose, i), domain.ExitSignal, params), true
	}
	return domain.Trade{}, false
}

func (p *position) close(f *domain.Frame, i int, price float64, reason string, params EvalParams) domain.Trade {
	lotSize := params.LotSize
	if lotSize <= 0 {
		lotSize = 1
	}
	exit := fill(price, p.direction == domain.TradeShort, params.SlippagePct)
	units := float64(p.lots * lotSize)
	var pnl float64
	if p.direction == domain.TradeLong {
		pnl = (exit - p.entryPrice) * units
	} else {
		pnl = (p.entryPrice - exit) * units
	}
	pnl -= (p.entryPrice + exit) * units * params.CommissionPct
	pnlPct := 0.0
	if notional := p.entryPrice * units; notional > 0 {
		pnlPct = pnl / notional * 100
	}
	return domain.Trade{
		EntryTime:  p.entryTime,
		ExitTime:   f.Index(i),
		EntryPrice: p.entryPrice,
		ExitPrice:  exit,
		Direction:  p.direction,
		Lots:       p.lots,
		PnL:        pnl,
		PnLPct:     pnlPct,
		ExitReason: reason,
	}
}

// fill applies slippage against the taker: buys fill above the reference
// price, sells below it.
func fill(price float64, buy bool, slippagePct float64) float64 {
	if buy {
		return price * (1 + slippagePct)
	}
	return price * (1 - slippagePct)
}

// cell reads one frame cell; absent columns and out-of-range rows read as
// NaN.
func cell(f *domain.Frame, name string, i int) float64 {
	v, _ := f.Value(name, i)
	return v
}

// evalNode evaluates one AST node at row i. Predicate kinds return 1 or 0;
// leaf kinds return the raw number. NaN operands make every predicate
// false, and row -1 (the bar before the frame) reads as NaN so crossovers
// cannot fire on the first bar.
func evalNode(n *domain.StrategyNode, f *domain.Frame, i int) float64 {
	if n == nil || i < 0 {
		return math.NaN()
	}
	switch n.Kind {
	case domain.NodeValue:
		return n.Value
	case domain.NodeIndicatorValue:
		return cell(f, n.Key, i)
	case domain.NodePrevIndicator:
		return cell(f, n.Key, i-1)
	case domain.NodeGreaterThan:
		return pred(evalNode(n.Left, f, i) > evalNode(n.Right, f, i))
	case domain.NodeLessThan:
		return pred(evalNode(n.Left, f, i) < evalNode(n.Right, f, i))
	case domain.NodeEquals:
		return pred(evalNode(n.Left, f, i) == evalNode(n.Right, f, i))
	case domain.NodeCrossoverUp:
		return pred(evalNode(n.Left, f, i) > evalNode(n.Right, f, i) &&
			evalNode(n.Left, f, i-1) <= evalNode(n.Right, f, i-1))
	case domain.NodeCrossoverDown:
		return pred(evalNode(n.Left, f, i) < evalNode(n.Right, f, i) &&
			evalNode(n.Left, f, i-1) >= evalNode(n.Right, f, i-1))
	case domain.NodeAnd:
		for _, c := range n.Children {
			if !truthy(evalNode(c, f, i)) {
				return 0
			}
		}
		return 1
	case domain.NodeOr:
		for _, c := range n.Children {
			if truthy(evalNode(c, f, i)) {
				return 1
			}
		}
		return 0
	case domain.NodeSuperTrendFlip:
		cur := cell(f, n.IndicatorKey, i)
		prev := cell(f, n.IndicatorKey, i-1)
		if n.Direction == domain.FlipDown {
			return pred(prev > 0 && cur < 0)
		}
		return pred(prev < 0 && cur > 0)
	case domain.NodeMACDCrossoverFlip:
		line := cell(f, n.IndicatorKey, i)
		sig := cell(f, n.SignalKey, i)
		prevLine := cell(f, n.IndicatorKey, i-1)
		prevSig := cell(f, n.SignalKey, i-1)
		if n.Direction == domain.FlipDown {
			return pred(line < sig && prevLine >= prevSig)
		}
		return pred(line > sig && prevLine <= prevSig)
	}
	return math.NaN()
}

func pred(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// truthy is the condition contract: non-zero and not NaN.
func truthy(v float64) bool { return v != 0 && !math.IsNaN(v) }
