// Package timeutil centralises market-timezone handling. All candle and
// indicator timestamps are normalised through these helpers; no component
// relies on the platform default zone.
package timeutil

import (
	"fmt"
	"time"
)

// DefaultZone is the exchange zone used when none is configured.
const DefaultZone = "Europe/Moscow"

// LoadZone resolves a zone name, defaulting to the exchange zone.
func LoadZone(name string) (*time.Location, error) {
	if name == "" {
		name = DefaultZone
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("op=timeutil.load_zone: %w", err)
	}
	return loc, nil
}

// ToMarket converts t into the market zone.
func ToMarket(t time.Time, loc *time.Location) time.Time {
	return t.In(loc)
}

// ParseDate parses "2006-01-02" or RFC 3339 input. Date-only strings carry
// no zone and are interpreted in the market zone at midnight; zoned inputs
// are converted.
func ParseDate(s string, loc *time.Location) (time.Time, error) {
	if t, err := time.ParseInLocation("2006-01-02", s, loc); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("op=timeutil.parse_date: %w", err)
	}
	return t.In(loc), nil
}

// FloorTo truncates t to the start of its candle interval in the market
// zone. Daily candles floor to local midnight.
func FloorTo(t time.Time, interval time.Duration, loc *time.Location) time.Time {
	t = t.In(loc)
	if interval >= 24*time.Hour {
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
	}
	midnight := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
	return midnight.Add(t.Sub(midnight).Truncate(interval))
}
