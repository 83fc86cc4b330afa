// Package rates maps backend identifiers to exact per-token costs. The table
// is read-only on the request path and replaced wholesale on configuration
// reload, so lookups never observe a half-updated rate.
package rates

import (
	"fmt"
	"os"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Entry is the cost schedule for one backend. Costs are per 1000 tokens.
type Entry struct {
	BackendID       string
	InputCostPer1K  decimal.Decimal
	OutputCostPer1K decimal.Decimal
	AsOf            string
}

// NotFoundError is returned when no rate is configured for a backend.
type NotFoundError struct {
	BackendID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("no rate configured for backend %q", e.BackendID)
}

var kilo = decimal.NewFromInt(1000)

// Table is a thread-safe rate table.
type Table struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

// NewTable creates a Table from the given entries.
func NewTable(entries []Entry) *Table {
	t := &Table{entries: make(map[string]Entry, len(entries))}
	for _, e := range entries {
		t.entries[e.BackendID] = e
	}
	return t
}

// Replace swaps in a complete new rate set. Used by configuration reload.
func (t *Table) Replace(entries []Entry) {
	m := make(map[string]Entry, len(entries))
	for _, e := range entries {
		m[e.BackendID] = e
	}
	t.mu.Lock()
	t.entries = m
	t.mu.Unlock()
	log.Info().Int("backends", len(m)).Msg("Rate table replaced")
}

// Lookup returns the rate entry for a backend.
func (t *Table) Lookup(backendID string) (Entry, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.entries[backendID]
	if !ok {
		return Entry{}, &NotFoundError{BackendID: backendID}
	}
	return e, nil
}

// Cost prices measured usage: tokens/1000 * rate, summed over input and
// output. All arithmetic is exact decimal; no binary floating point.
func (t *Table) Cost(backendID string, inputTokens, outputTokens int64) (decimal.Decimal, error) {
	e, err := t.Lookup(backendID)
	if err != nil {
		return decimal.Zero, err
	}
	inputCost := decimal.NewFromInt(inputTokens).Div(kilo).Mul(e.InputCostPer1K)
	outputCost := decimal.NewFromInt(outputTokens).Div(kilo).Mul(e.OutputCostPer1K)
	return inputCost.Add(outputCost), nil
}

// Estimate prices a request before dispatch, assuming the caller's input size
// and the worst-case output allowance.
func (t *Table) Estimate(backendID string, inputTokens, maxOutputTokens int64) (decimal.Decimal, error) {
	return t.Cost(backendID, inputTokens, maxOutputTokens)
}

// Backends returns the configured backend IDs.
func (t *Table) Backends() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]string, 0, len(t.entries))
	for id := range t.entries {
		out = append(out, id)
	}
	return out
}

type rateFile struct {
	Rates []rateSpec `yaml:"rates"`
}

type rateSpec struct {
	Backend         string `yaml:"backend"`
	InputCostPer1K  string `yaml:"input_cost_per_1k"`
	OutputCostPer1K string `yaml:"output_cost_per_1k"`
	AsOf            string `yaml:"as_of"`
}

// Load reads rate entries from a YAML file. Costs are decimal strings so they
// survive parsing without float rounding.
func Load(path string) ([]Entry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rate table: %w", err)
	}
	return Parse(data)
}

// Parse decodes rate entries from YAML bytes.
func Parse(data []byte) ([]Entry, error) {
	var f rateFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse rate table: %w", err)
	}

	entries := make([]Entry, 0, len(f.Rates))
	for _, r := range f.Rates {
		if r.Backend == "" {
			return nil, fmt.Errorf("rate entry missing backend id")
		}
		in, err := decimal.NewFromString(r.InputCostPer1K)
		if err != nil {
			return nil, fmt.Errorf("backend %q: parse input cost: %w", r.Backend, err)
		}
		out, err := decimal.NewFromString(r.OutputCostPer1K)
		if err != nil {
			return nil, fmt.Errorf("backend %q: parse output cost: %w", r.Backend, err)
		}
		if in.IsNegative() || out.IsNegative() {
			return nil, fmt.Errorf("backend %q: negative rate", r.Backend)
		}
		entries = append(entries, Entry{
			BackendID:       r.Backend,
			InputCostPer1K:  in,
			OutputCostPer1K: out,
			AsOf:            r.AsOf,
		})
	}
	return entries, nil
}
