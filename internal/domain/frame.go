package domain

import (
	"fmt"
	"math"
	"sort"
	"time"
)

// OHLCV column names in a frame (and the identifiers excluded from indicator
// analysis).
const (
	ColOpen   = "open"
	ColHigh   = "high"
	ColLow    = "low"
	ColClose  = "close"
	ColVolume = "volume"
)

// IsOHLCVColumn reports whether name is a base candle field.
func IsOHLCVColumn(name string) bool {
	switch name {
	case ColOpen, ColHigh, ColLow, ColClose, ColVolume:
		return true
	}
	return false
}

// Frame is a wide, timestamp-indexed table: one row per candle begin, one
// column per OHLCV field or "<base_key>_<value_key>" indicator channel.
// Missing cells are NaN.
type Frame struct {
	index   []time.Time
	rowByTS map[int64]int
	columns map[string][]float64
}

// NewFrame builds an empty frame over an ascending timestamp index.
func NewFrame(index []time.Time) *Frame {
	f := &Frame{
		index:   index,
		rowByTS: make(map[int64]int, len(index)),
		columns: make(map[string][]float64),
	}
	for i, ts := range index {
		f.rowByTS[ts.UnixNano()] = i
	}
	return f
}

// Len returns the number of rows.
func (f *Frame) Len() int { return len(f.index) }

// Index returns the timestamp at row i.
func (f *Frame) Index(i int) time.Time { return f.index[i] }

// Columns returns the column names sorted.
func (f *Frame) Columns() []string {
	names := make([]string, 0, len(f.columns))
	for n := range f.columns {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// HasColumn reports whether the named column exists.
func (f *Frame) HasColumn(name string) bool {
	_, ok := f.columns[name]
	return ok
}

// SetColumn installs a full column; its length must match the index.
func (f *Frame) SetColumn(name string, values []float64) error {
	if len(values) != len(f.index) {
		return fmt.Errorf("column %s has %d values, frame has %d rows: %w", name, len(values), len(f.index), ErrInvalidArgument)
	}
	f.columns[name] = values
	return nil
}

// Set writes one cell, creating the column (NaN-filled) on first use.
// Timestamps outside the index are ignored.
func (f *Frame) Set(ts time.Time, name string, value float64) {
	row, ok := f.rowByTS[ts.UnixNano()]
	if !ok {
		return
	}
	col, ok := f.columns[name]
	if !ok {
		col = make([]float64, len(f.index))
		for i := range col {
			col[i] = math.NaN()
		}
		f.columns[name] = col
	}
	col[row] = value
}

// Value reads one cell; ok=false means the column does not exist or i is
// out of range.
func (f *Frame) Value(name string, i int) (float64, bool) {
	col, ok := f.columns[name]
	if !ok || i < 0 || i >= len(col) {
		return math.NaN(), false
	}
	return col[i], true
}

// Column returns the raw backing slice for a column.
func (f *Frame) Column(name string) ([]float64, bool) {
	col, ok := f.columns[name]
	return col, ok
}
