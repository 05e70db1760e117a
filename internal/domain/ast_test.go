package domain

import (
	"errors"
	"testing"
)

func TestParseStrategyValid(t *testing.T) {
	raw := []byte(`{
		"entry_short": {
			"kind": "GREATER_THAN",
			"left": {"kind": "INDICATOR_VALUE", "key": "rsi_timeperiod_14_value"},
			"right": {"kind": "VALUE", "value": 70}
		},
		"exit_short": {
			"kind": "LESS_THAN",
			"left": {"kind": "INDICATOR_VALUE", "key": "rsi_timeperiod_14_value"},
			"right": {"kind": "VALUE", "value": 30}
		},
		"stop_loss": {"type": "FIXED_PCT", "pct": 2.5}
	}`)

	def, err := ParseStrategy(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if def.EntryShort == nil || def.EntryShort.Kind != NodeGreaterThan {
		t.Fatalf("entry_short not parsed: %+v", def.EntryShort)
	}
	if def.EntryShort.Left.Key != "rsi_timeperiod_14_value" {
		t.Fatalf("left key = %q", def.EntryShort.Left.Key)
	}
	if def.StopLoss.Type != StopLossFixedPct || def.StopLoss.Pct != 2.5 {
		t.Fatalf("stop loss = %+v", def.StopLoss)
	}
	if got := len(def.Roots()); got != 2 {
		t.Fatalf("roots = %d, want 2", got)
	}
}

func TestParseStrategyNestedLogic(t *testing.T) {
	raw := []byte(`{
		"entry_long": {
			"kind": "AND",
			"children": [
				{"kind": "CROSSOVER_UP",
				 "left": {"kind": "INDICATOR_VALUE", "key": "ema_timeperiod_9_value"},
				 "right": {"kind": "INDICATOR_VALUE", "key": "ema_timeperiod_21_value"}},
				{"kind": "GREATER_THAN",
				 "left": {"kind": "INDICATOR_VALUE", "key": "volume"},
				 "right": {"kind": "VALUE", "value": 1000}}
			]
		}
	}`)

	def, err := ParseStrategy(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(def.EntryLong.Children) != 2 {
		t.Fatalf("children = %d", len(def.EntryLong.Children))
	}
}

func TestParseStrategyRejects(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"empty", ``},
		{"not json", `{"entry_long": `},
		{"no conditions", `{"take_profit": {"pct": 5}}`},
		{"unknown kind", `{"entry_long": {"kind": "XOR", "children": [{"kind":"VALUE"},{"kind":"VALUE"}]}}`},
		{"and with one child", `{"entry_long": {"kind": "AND", "children": [{"kind": "VALUE", "value": 1}]}}`},
		{"comparison missing operand", `{"entry_long": {"kind": "GREATER_THAN", "left": {"kind": "VALUE", "value": 1}}}`},
		{"indicator without key", `{"entry_long": {"kind": "INDICATOR_VALUE"}}`},
		{"flip without key", `{"entry_long": {"kind": "SUPER_TREND_FLIP", "direction": "UP"}}`},
		{"macd flip without signal", `{"entry_long": {"kind": "MACD_CROSSOVER_FLIP", "indicator_key": "m", "direction": "UP"}}`},
		{"bad stop loss type", `{"entry_long": {"kind": "VALUE"}, "stop_loss": {"type": "TRAILING"}}`},
		{"indicator stop loss without key", `{"entry_long": {"kind": "VALUE"}, "stop_loss": {"type": "INDICATOR_BASED"}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseStrategy([]byte(tt.raw))
			if err == nil {
				t.Fatalf("expected error")
			}
			if !errors.Is(err, ErrInvalidArgument) {
				t.Fatalf("want ErrInvalidArgument, got %v", err)
			}
		})
	}
}
