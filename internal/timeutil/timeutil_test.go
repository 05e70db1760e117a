package timeutil

import (
	"testing"
	"time"
)

func TestLoadZoneDefault(t *testing.T) {
	loc, err := LoadZone("")
	if err != nil {
		t.Fatalf("LoadZone: %v", err)
	}
	if loc.String() != DefaultZone {
		t.Fatalf("zone = %s, want %s", loc, DefaultZone)
	}
	if _, err := LoadZone("Not/AZone"); err == nil {
		t.Fatalf("expected error for unknown zone")
	}
}

func TestParseDateDateOnlyIsMarketMidnight(t *testing.T) {
	loc, _ := LoadZone(DefaultZone)

	got, err := ParseDate("2024-01-15", loc)
	if err != nil {
		t.Fatalf("ParseDate: %v", err)
	}
	want := time.Date(2024, 1, 15, 0, 0, 0, 0, loc)
	if !got.Equal(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	if got.Location() != loc {
		t.Fatalf("location = %v", got.Location())
	}
}

func TestParseDateZonedInputConverts(t *testing.T) {
	loc, _ := LoadZone(DefaultZone)

	got, err := ParseDate("2024-01-15T09:00:00Z", loc)
	if err != nil {
		t.Fatalf("ParseDate: %v", err)
	}
	// Moscow is UTC+3 year-round.
	want := time.Date(2024, 1, 15, 12, 0, 0, 0, loc)
	if !got.Equal(want) || got.Hour() != 12 {
		t.Fatalf("got %v, want %v", got, want)
	}

	if _, err := ParseDate("15.01.2024", loc); err == nil {
		t.Fatalf("expected error for unsupported format")
	}
}

func TestFloorTo(t *testing.T) {
	loc, _ := LoadZone(DefaultZone)
	ts := time.Date(2024, 3, 7, 14, 37, 11, 0, loc)

	tests := []struct {
		interval time.Duration
		want     time.Time
	}{
		{time.Minute, time.Date(2024, 3, 7, 14, 37, 0, 0, loc)},
		{10 * time.Minute, time.Date(2024, 3, 7, 14, 30, 0, 0, loc)},
		{time.Hour, time.Date(2024, 3, 7, 14, 0, 0, 0, loc)},
		{24 * time.Hour, time.Date(2024, 3, 7, 0, 0, 0, 0, loc)},
	}
	for _, tt := range tests {
		if got := FloorTo(ts, tt.interval, loc); !got.Equal(tt.want) {
			t.Fatalf("FloorTo(%v) = %v, want %v", tt.interval, got, tt.want)
		}
	}
}
