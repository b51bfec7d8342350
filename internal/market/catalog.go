package market

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// DefaultSymbols is the instrument set served when no catalog file is configured.
var DefaultSymbols = []string{
	"EURUSD", "GBPUSD", "USDJPY", "USDCHF", "AUDUSD", "USDCAD", "NZDUSD",
	"EURGBP", "EURJPY", "GBPJPY", "XAUUSD", "XAGUSD",
}

// Catalog is the set of symbols and timeframes admission accepts.
type Catalog struct {
	mu         sync.RWMutex
	symbols    map[string]struct{}
	timeframes map[Timeframe]struct{}
}

// NewCatalog creates a catalog. An empty timeframe list allows every timeframe.
func NewCatalog(symbols []string, timeframes []Timeframe) *Catalog {
	c := &Catalog{
		symbols:    make(map[string]struct{}),
		timeframes: make(map[Timeframe]struct{}),
	}
	for _, s := range symbols {
		c.Register(s)
	}
	if len(timeframes) == 0 {
		timeframes = Timeframes()
	}
	for _, tf := range timeframes {
		c.timeframes[tf] = struct{}{}
	}
	return c
}

// DefaultCatalog returns the built-in catalog.
func DefaultCatalog() *Catalog {
	return NewCatalog(DefaultSymbols, nil)
}

type catalogFile struct {
	Symbols    []string `yaml:"symbols"`
	Timeframes []string `yaml:"timeframes"`
}

// LoadCatalog reads a YAML catalog file.
func LoadCatalog(path string) (*Catalog, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	var f catalogFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	if len(f.Symbols) == 0 {
		return nil, fmt.Errorf("catalog %s lists no symbols", path)
	}
	tfs := make([]Timeframe, 0, len(f.Timeframes))
	for _, s := range f.Timeframes {
		tf, err := ParseTimeframe(s)
		if err != nil {
			return nil, fmt.Errorf("catalog %s: %w", path, err)
		}
		tfs = append(tfs, tf)
	}
	return NewCatalog(f.Symbols, tfs), nil
}

func (c *Catalog) Register(symbol string) {
	symbol = normalizeSymbol(symbol)
	if symbol == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.symbols[symbol] = struct{}{}
}

func (c *Catalog) HasSymbol(symbol string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.symbols[normalizeSymbol(symbol)]
	return ok
}

func (c *Catalog) HasTimeframe(tf Timeframe) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.timeframes[tf]
	return ok
}

// Symbols returns the known symbols in sorted order.
func (c *Catalog) Symbols() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.symbols))
	for s := range c.symbols {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Timeframes returns the allowed timeframes, finest first.
func (c *Catalog) Timeframes() []Timeframe {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Timeframe, 0, len(c.timeframes))
	for _, tf := range Timeframes() {
		if _, ok := c.timeframes[tf]; ok {
			out = append(out, tf)
		}
	}
	return out
}

func normalizeSymbol(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}
