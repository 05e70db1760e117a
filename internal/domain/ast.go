package domain

import (
	"encoding/json"
	"fmt"
)

// NodeKind tags a strategy AST node.
type NodeKind string

const (
	NodeAnd               NodeKind = "AND"
	NodeOr                NodeKind = "OR"
	NodeGreaterThan       NodeKind = "GREATER_THAN"
	NodeLessThan          NodeKind = "LESS_THAN"
	NodeEquals            NodeKind = "EQUALS"
	NodeCrossoverUp       NodeKind = "CROSSOVER_UP"
	NodeCrossoverDown     NodeKind = "CROSSOVER_DOWN"
	NodeIndicatorValue    NodeKind = "INDICATOR_VALUE"
	NodePrevIndicator     NodeKind = "PREV_INDICATOR_VALUE"
	NodeValue             NodeKind = "VALUE"
	NodeSuperTrendFlip    NodeKind = "SUPER_TREND_FLIP"
	NodeMACDCrossoverFlip NodeKind = "MACD_CROSSOVER_FLIP"
)

// Flip directions for SUPER_TREND_FLIP and MACD_CROSSOVER_FLIP nodes.
const (
	FlipUp   = "UP"
	FlipDown = "DOWN"
)

// StrategyNode is one node of the condition AST. Which fields are meaningful
// depends on Kind:
//
//	AND / OR                      Children
//	comparisons / crossovers      Left, Right
//	INDICATOR_VALUE / PREV_...    Key (full indicator key or OHLCV name)
//	VALUE                         Value
//	SUPER_TREND_FLIP              IndicatorKey (direction channel), Direction
//	MACD_CROSSOVER_FLIP           IndicatorKey, SignalKey, Direction
type StrategyNode struct {
	Kind         NodeKind        `json:"kind"`
	Children     []*StrategyNode `json:"children,omitempty"`
	Left         *StrategyNode   `json:"left,omitempty"`
	Right        *StrategyNode   `json:"right,omitempty"`
	Key          string          `json:"key,omitempty"`
	Value        float64         `json:"value,omitempty"`
	IndicatorKey string          `json:"indicator_key,omitempty"`
	SignalKey    string          `json:"signal_key,omitempty"`
	Direction    string          `json:"direction,omitempty"`
}

// Stop-loss kinds.
const (
	StopLossFixedPct       = "FIXED_PCT"
	StopLossIndicatorBased = "INDICATOR_BASED"
)

// StopLossConfig configures position protection. INDICATOR_BASED stops read
// the referenced indicator column at entry time.
type StopLossConfig struct {
	Type         string  `json:"type"`
	Pct          float64 `json:"pct,omitempty"`
	IndicatorKey string  `json:"indicator_key,omitempty"`
}

// TakeProfitConfig configures a fixed-percentage profit target.
type TakeProfitConfig struct {
	Pct float64 `json:"pct"`
}

// StrategyDefinition is the root of a strategy snapshot: entry/exit
// conditions per side plus optional protective configs.
type StrategyDefinition struct {
	EntryLong  *StrategyNode     `json:"entry_long,omitempty"`
	ExitLong   *StrategyNode     `json:"exit_long,omitempty"`
	EntryShort *StrategyNode     `json:"entry_short,omitempty"`
	ExitShort  *StrategyNode     `json:"exit_short,omitempty"`
	StopLoss   *StopLossConfig   `json:"stop_loss,omitempty"`
	TakeProfit *TakeProfitConfig `json:"take_profit,omitempty"`
}

// Roots returns the non-nil condition roots in a fixed order.
func (d *StrategyDefinition) Roots() []*StrategyNode {
	roots := make([]*StrategyNode, 0, 4)
	for _, n := range []*StrategyNode{d.EntryLong, d.ExitLong, d.EntryShort, d.ExitShort} {
		if n != nil {
			roots = append(roots, n)
		}
	}
	return roots
}

// ParseStrategy decodes and structurally validates a strategy snapshot.
func ParseStrategy(raw []byte) (*StrategyDefinition, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("empty strategy definition: %w", ErrInvalidArgument)
	}
	var def StrategyDefinition
	if err := json.Unmarshal(raw, &def); err != nil {
		return nil, fmt.Errorf("decode strategy definition: %v: %w", err, ErrInvalidArgument)
	}
	if len(def.Roots()) == 0 {
		return nil, fmt.Errorf("strategy has no entry or exit conditions: %w", ErrInvalidArgument)
	}
	for _, root := range def.Roots() {
		if err := validateNode(root); err != nil {
			return nil, err
		}
	}
	if sl := def.StopLoss; sl != nil {
		switch sl.Type {
		case StopLossFixedPct:
			if sl.Pct <= 0 {
				return nil, fmt.Errorf("fixed stop loss requires positive pct: %w", ErrInvalidArgument)
			}
		case StopLossIndicatorBased:
			if sl.IndicatorKey == "" {
				return nil, fmt.Errorf("indicator stop loss requires indicator_key: %w", ErrInvalidArgument)
			}
		default:
			return nil, fmt.Errorf("unknown stop loss type %q: %w", sl.Type, ErrInvalidArgument)
		}
	}
	return &def, nil
}

func validateNode(n *StrategyNode) error {
	if n == nil {
		return fmt.Errorf("nil strategy node: %w", ErrInvalidArgument)
	}
	switch n.Kind {
	case NodeAnd, NodeOr:
		if len(n.Children) < 2 {
			return fmt.Errorf("%s node needs at least two children: %w", n.Kind, ErrInvalidArgument)
		}
		for _, c := range n.Children {
			if err := validateNode(c); err != nil {
				return err
			}
		}
	case NodeGreaterThan, NodeLessThan, NodeEquals, NodeCrossoverUp, NodeCrossoverDown:
		if n.Left == nil || n.Right == nil {
			return fmt.Errorf("%s node needs left and right operands: %w", n.Kind, ErrInvalidArgument)
		}
		if err := validateNode(n.Left); err != nil {
			return err
		}
		if err := validateNode(n.Right); err != nil {
			return err
		}
	case NodeIndicatorValue, NodePrevIndicator:
		if n.Key == "" {
			return fmt.Errorf("%s node needs a key: %w", n.Kind, ErrInvalidArgument)
		}
	case NodeValue:
		// literal, nothing to check
	case NodeSuperTrendFlip:
		if n.IndicatorKey == "" {
			return fmt.Errorf("SUPER_TREND_FLIP node needs indicator_key: %w", ErrInvalidArgument)
		}
	case NodeMACDCrossoverFlip:
		if n.IndicatorKey == "" || n.SignalKey == "" {
			return fmt.Errorf("MACD_CROSSOVER_FLIP node needs indicator_key and signal_key: %w", ErrInvalidArgument)
		}
	default:
		return fmt.Errorf("unknown node kind %q: %w", string(n.Kind), ErrInvalidArgument)
	}
	return nil
}
