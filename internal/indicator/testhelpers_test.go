package indicator_test

import (
	"time"

	"github.com/quantbed/backtestd/internal/domain"
)

var candleBase = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

// hourlyCandles builds n hourly SBER candles whose closes ramp 1, 2, 3, ...
// so moving averages come out to round numbers.
func hourlyCandles(n int) []domain.Candle {
	out := make([]domain.Candle, n)
	for i := range out {
		c := float64(i + 1)
		out[i] = domain.Candle{
			Ticker:    "SBER",
			Timeframe: domain.Timeframe1h,
			Begin:     candleBase.Add(time.Duration(i) * time.Hour),
			Open:      c,
			High:      c + 1,
			Low:       c - 1,
			Close:     c,
			Volume:    1000,
		}
	}
	return out
}

func candlesFromCloses(values ...float64) []domain.Candle {
	out := make([]domain.Candle, len(values))
	for i, c := range values {
		out[i] = domain.Candle{
			Begin: candleBase.Add(time.Duration(i) * time.Hour),
			Open:  c,
			High:  c + 1,
			Low:   c - 1,
			Close: c,
		}
	}
	return out
}

type rangeCall struct {
	ticker   string
	tf       domain.Timeframe
	from, to time.Time
}

type nthCall struct {
	before time.Time
	n      int
}

type fakeCandles struct {
	candles    []domain.Candle
	countRange int64
	countErr   error
	selectErr  error
	nthErr     error

	selectCalls []rangeCall
	countCalls  []rangeCall
	nthCalls    []nthCall
}

func (f *fakeCandles) SelectRange(_ domain.Context, ticker string, tf domain.Timeframe, from, to time.Time) ([]domain.Candle, error) {
	f.selectCalls = append(f.selectCalls, rangeCall{ticker: ticker, tf: tf, from: from, to: to})
	if f.selectErr != nil {
		return nil, f.selectErr
	}
	var out []domain.Candle
	for _, c := range f.candles {
		if c.Begin.Before(from) || c.Begin.After(to) {
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

func (f *fakeCandles) CountRange(_ domain.Context, ticker string, tf domain.Timeframe, from, to time.Time) (int64, error) {
	f.countCalls = append(f.countCalls, rangeCall{ticker: ticker, tf: tf, from: from, to: to})
	if f.countErr != nil {
		return 0, f.countErr
	}
	return f.countRange, nil
}

func (f *fakeCandles) CountBefore(_ domain.Context, _ string, _ domain.Timeframe, before time.Time) (int64, error) {
	var n int64
	for _, c := range f.candles {
		if c.Begin.Before(before) {
			n++
		}
	}
	return n, nil
}

func (f *fakeCandles) NthBefore(_ domain.Context, _ string, _ domain.Timeframe, before time.Time, n int) (time.Time, bool, error) {
	f.nthCalls = append(f.nthCalls, nthCall{before: before, n: n})
	if f.nthErr != nil {
		return time.Time{}, false, f.nthErr
	}
	var prior []time.Time
	for _, c := range f.candles {
		if c.Begin.Before(before) {
			prior = append(prior, c.Begin)
		}
	}
	if len(prior) == 0 {
		return time.Time{}, false, nil
	}
	idx := len(prior) - n
	if idx < 0 {
		idx = 0
	}
	return prior[idx], true, nil
}

func (f *fakeCandles) InsertBatch(_ domain.Context, _ []domain.Candle) error { return nil }

type covCall struct {
	ticker   string
	tf       domain.Timeframe
	baseKeys []string
}

type fakeIndicators struct {
	insertErr error
	coverage  map[string]domain.CoverageStat
	covErr    error

	inserted [][]domain.IndicatorValueRow
	covCalls []covCall
}

func (f *fakeIndicators) InsertBatch(_ domain.Context, rows []domain.IndicatorValueRow) error {
	if f.insertErr != nil {
		return f.insertErr
	}
	f.inserted = append(f.inserted, rows)
	return nil
}

func (f *fakeIndicators) Coverage(_ domain.Context, ticker string, tf domain.Timeframe, _, _ time.Time, baseKeys []string) (map[string]domain.CoverageStat, error) {
	f.covCalls = append(f.covCalls, covCall{ticker: ticker, tf: tf, baseKeys: baseKeys})
	if f.covErr != nil {
		return nil, f.covErr
	}
	return f.coverage, nil
}

func (f *fakeIndicators) SelectWide(_ domain.Context, _ string, _ domain.Timeframe, _, _ time.Time, _ []domain.IndicatorPair) (*domain.Frame, error) {
	return domain.NewFrame(nil), nil
}

type lockCall struct {
	key     string
	maxWait time.Duration
	ttl     time.Duration
}

type fakeLocker struct {
	denied map[string]bool
	err    error

	acquires []lockCall
	releases []string
}

func (l *fakeLocker) Acquire(_ domain.Context, key string, maxWait, ttl time.Duration) (bool, error) {
	l.acquires = append(l.acquires, lockCall{key: key, maxWait: maxWait, ttl: ttl})
	if l.err != nil {
		return false, l.err
	}
	return !l.denied[key], nil
}

func (l *fakeLocker) Release(_ domain.Context, key string) error {
	l.releases = append(l.releases, key)
	return nil
}

type publishedMsg struct {
	topic   string
	key     string
	payload any
}

type fakePublisher struct {
	err       error
	published []publishedMsg
	batches   [][]domain.OutboundMessage
}

func (p *fakePublisher) Publish(_ domain.Context, topic, key string, payload any) error {
	if p.err != nil {
		return p.err
	}
	p.published = append(p.published, publishedMsg{topic: topic, key: key, payload: payload})
	return nil
}

func (p *fakePublisher) PublishBatch(_ domain.Context, _ string, msgs []domain.OutboundMessage) error {
	if p.err != nil {
		return p.err
	}
	p.batches = append(p.batches, msgs)
	return nil
}
