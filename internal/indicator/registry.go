// Package indicator implements the indicator registry and the batch
// calculation engine behind the indicator worker.
package indicator

import (
	"fmt"
	"maps"
	"math"
	"slices"
	"sort"
	"strconv"
	"strings"

	"github.com/quantbed/backtestd/internal/domain"
)

// Entry is one registered indicator configuration: a family bound to
// concrete parameters under its canonical key.
type Entry struct {
	IndicatorKey string
	FamilyName   string
	Params       map[string]float64
	Hot          bool
}

// Registry holds the known indicator families and the configured entries.
// Register entries during startup; lookups are read-only afterwards and
// safe for concurrent use.
type Registry struct {
	families map[string]family
	entries  map[string]Entry
}

// NewRegistry returns a registry with every built-in family and no entries.
func NewRegistry() *Registry {
	r := &Registry{families: make(map[string]family), entries: make(map[string]Entry)}
	for _, f := range builtinFamilies() {
		r.families[f.name] = f
	}
	return r
}

// DefaultRegistry returns a registry seeded with the stock entry set.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	seeds := []struct {
		family string
		params map[string]float64
		hot    bool
	}{
		{"rsi", map[string]float64{"timeperiod": 14}, true},
		{"sma", map[string]float64{"timeperiod": 20}, true},
		{"sma", map[string]float64{"timeperiod": 50}, false},
		{"ema", map[string]float64{"timeperiod": 20}, false},
		{"macd", map[string]float64{"fast": 12, "signal": 9, "slow": 26}, true},
		{"bollinger", map[string]float64{"nbdev": 2, "timeperiod": 20}, false},
		{"atr", map[string]float64{"timeperiod": 14}, false},
		{"super_trend", map[string]float64{"multiplier": 3, "period": 10}, true},
	}
	for _, s := range seeds {
		if _, err := r.Register(s.family, s.params, s.hot); err != nil {
			panic(err)
		}
	}
	return r
}

// BaseKey renders the canonical key for a family and parameter set: the
// family name followed by each parameter as name_value, parameters sorted
// by name and values in their shortest decimal form. rsi with timeperiod=14
// becomes rsi_timeperiod_14.
func BaseKey(familyName string, params map[string]float64) string {
	names := make([]string, 0, len(params))
	for name := range params {
		names = append(names, name)
	}
	sort.Strings(names)
	var b strings.Builder
	b.WriteString(familyName)
	for _, name := range names {
		b.WriteByte('_')
		b.WriteString(name)
		b.WriteByte('_')
		b.WriteString(strconv.FormatFloat(params[name], 'f', -1, 64))
	}
	return b.String()
}

// Register adds an entry for the family with the given parameters. The
// canonical key doubles as the identity, so registering the same parameter
// set twice is a conflict.
func (r *Registry) Register(familyName string, params map[string]float64, hot bool) (Entry, error) {
	f, ok := r.families[familyName]
	if !ok {
		return Entry{}, fmt.Errorf("op=indicator.Register: %w: unknown family %q", domain.ErrInvalidArgument, familyName)
	}
	if err := f.validate(params); err != nil {
		return Entry{}, fmt.Errorf("op=indicator.Register: %w", err)
	}
	key := BaseKey(familyName, params)
	if _, exists := r.entries[key]; exists {
		return Entry{}, fmt.Errorf("op=indicator.Register: %w: entry %s already registered", domain.ErrConflict, key)
	}
	e := Entry{IndicatorKey: key, FamilyName: familyName, Params: maps.Clone(params), Hot: hot}
	r.entries[key] = e
	return e, nil
}

// Entries lists every registered entry sorted by key.
func (r *Registry) Entries() []Entry {
	out := make([]Entry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].IndicatorKey < out[j].IndicatorKey })
	return out
}

// HotEntries lists the entries flagged for scheduled warm-up, sorted by key.
func (r *Registry) HotEntries() []Entry {
	out := make([]Entry, 0, len(r.entries))
	for _, e := range r.entries {
		if e.Hot {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].IndicatorKey < out[j].IndicatorKey })
	return out
}

// Entry returns the entry registered under baseKey.
func (r *Registry) Entry(baseKey string) (Entry, bool) {
	e, ok := r.entries[baseKey]
	return e, ok
}

// Descriptor rebuilds the calculation spec for a registered base key.
func (r *Registry) Descriptor(baseKey string) (domain.IndicatorSpec, bool) {
	e, ok := r.entries[baseKey]
	if !ok {
		return domain.IndicatorSpec{}, false
	}
	return domain.IndicatorSpec{Name: e.FamilyName, Params: maps.Clone(e.Params)}, true
}

// Lookback reports the warm-up candle requirement of a registered base key.
func (r *Registry) Lookback(baseKey string) (int, bool) {
	e, ok := r.entries[baseKey]
	if !ok {
		return 0, false
	}
	return r.families[e.FamilyName].lookback(e.Params), true
}

// SplitFullKey resolves a full column key such as sma_timeperiod_20_value
// back to its registered base key and output name. Base keys embed
// underscores, so the longest registered prefix with a valid output wins.
func (r *Registry) SplitFullKey(full string) (domain.IndicatorPair, bool) {
	var best domain.IndicatorPair
	found := false
	for key, e := range r.entries {
		if len(full) < len(key)+2 || full[:len(key)] != key || full[len(key)] != '_' {
			continue
		}
		rest := full[len(key)+1:]
		if !slices.Contains(r.families[e.FamilyName].outputs, rest) {
			continue
		}
		if !found || len(key) > len(best.BaseKey) {
			best = domain.IndicatorPair{BaseKey: key, ValueKey: rest}
			found = true
		}
	}
	return best, found
}

// Instantiate binds a family to concrete parameters, ready to compute.
func (r *Registry) Instantiate(familyName string, params map[string]float64) (*Instance, error) {
	f, ok := r.families[familyName]
	if !ok {
		return nil, fmt.Errorf("op=indicator.Instantiate: %w: unknown family %q", domain.ErrInvalidArgument, familyName)
	}
	if err := f.validate(params); err != nil {
		return nil, fmt.Errorf("op=indicator.Instantiate: %w", err)
	}
	p := maps.Clone(params)
	return &Instance{
		Family:   familyName,
		BaseKey:  BaseKey(familyName, params),
		Params:   p,
		outputs:  f.outputs,
		lookback: f.lookback(p),
		kernel:   f.kernel,
	}, nil
}

// Instance is a family bound to concrete parameters.
type Instance struct {
	Family  string
	BaseKey string
	Params  map[string]float64

	outputs  []string
	lookback int
	kernel   kernelFunc
}

// Lookback is the number of candles before the requested start the kernel
// needs to have its first point defined at the start.
func (in *Instance) Lookback() int { return in.lookback }

// Outputs lists the value keys the kernel produces.
func (in *Instance) Outputs() []string { return in.outputs }

// Compute runs the kernel over the candle window.
func (in *Instance) Compute(candles []domain.Candle) (map[string][]float64, error) {
	out, err := in.kernel(in.Params, candles)
	if err != nil {
		return nil, fmt.Errorf("op=indicator.Compute: %s: %w", in.BaseKey, err)
	}
	for _, name := range in.outputs {
		if len(out[name]) != len(candles) {
			return nil, fmt.Errorf("op=indicator.Compute: %s: output %s has %d points, want %d", in.BaseKey, name, len(out[name]), len(candles))
		}
	}
	return out, nil
}

// family describes one indicator family: its parameter schema, output
// names, lookback requirement, and kernel.
type family struct {
	name     string
	params   []paramSpec
	outputs  []string
	lookback func(params map[string]float64) int
	kernel   kernelFunc
}

type paramSpec struct {
	name    string
	integer bool
}

func (f family) validate(params map[string]float64) error {
	if len(params) != len(f.params) {
		return fmt.Errorf("%w: %s takes %d params, got %d", domain.ErrInvalidArgument, f.name, len(f.params), len(params))
	}
	for _, p := range f.params {
		v, ok := params[p.name]
		if !ok {
			return fmt.Errorf("%w: %s requires param %s", domain.ErrInvalidArgument, f.name, p.name)
		}
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: %s param %s is not finite", domain.ErrInvalidArgument, f.name, p.name)
		}
		if p.integer && (v != math.Trunc(v) || v < 1) {
			return fmt.Errorf("%w: %s param %s must be a whole number >= 1, got %v", domain.ErrInvalidArgument, f.name, p.name, v)
		}
		if !p.integer && v <= 0 {
			return fmt.Errorf("%w: %s param %s must be positive, got %v", domain.ErrInvalidArgument, f.name, p.name, v)
		}
	}
	return nil
}
