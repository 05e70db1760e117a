package scheduler

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/quantbed/backtestd/internal/domain"
)

// seedFile is the YAML shape of a ticker seed: a top-level tickers list. A
// bare list of entries is accepted too.
type seedFile struct {
	Tickers []domain.Ticker `yaml:"tickers"`
}

// LoadSeed reads instrument metadata from a YAML seed file. Entries without
// a symbol are dropped, symbols are upper-cased and a missing lot size
// defaults to 1.
func LoadSeed(path string) ([]domain.Ticker, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("op=scheduler.seed: seed file not found: %s", path)
		}
		return nil, fmt.Errorf("op=scheduler.seed: %w", err)
	}
	var doc seedFile
	if err := yaml.Unmarshal(b, &doc); err != nil {
		var bare []domain.Ticker
		if err2 := yaml.Unmarshal(b, &bare); err2 != nil {
			return nil, fmt.Errorf("op=scheduler.seed: parse %s: %w", path, err)
		}
		doc.Tickers = bare
	}

	out := make([]domain.Ticker, 0, len(doc.Tickers))
	for _, t := range doc.Tickers {
		t.Symbol = strings.ToUpper(strings.TrimSpace(t.Symbol))
		if t.Symbol == "" {
			continue
		}
		if t.LotSize < 1 {
			t.LotSize = 1
		}
		out = append(out, t)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("op=scheduler.seed: no tickers in %s", path)
	}
	return out, nil
}
