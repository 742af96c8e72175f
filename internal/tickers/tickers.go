// Package tickers holds the ticker blacklist and the broker-to-Digrin
// symbol remap table.
package tickers

import (
	_ "embed"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v2"
)

//go:embed default.yaml
var defaultTables []byte

// BlacklistEntry is a symbol excluded from transformed output.
type BlacklistEntry struct {
	Symbol string `yaml:"symbol"`
	Reason string `yaml:"reason"`
}

type file struct {
	Blacklist []BlacklistEntry `yaml:"blacklist"`
	Remap     map[string]string `yaml:"remap"`
}

// Table is the static ticker configuration. It is read-only after load.
type Table struct {
	blacklist map[string]string
	remap     map[string]string
}

// New builds a table from in-memory data. Symbols are trimmed.
func New(blacklist []BlacklistEntry, remap map[string]string) (*Table, error) {
	t := &Table{
		blacklist: make(map[string]string, len(blacklist)),
		remap:     make(map[string]string, len(remap)),
	}

	for i, e := range blacklist {
		sym := strings.TrimSpace(e.Symbol)
		if sym == "" {
			return nil, fmt.Errorf("blacklist entry %d: empty symbol", i)
		}
		t.blacklist[sym] = e.Reason
	}

	for from, to := range remap {
		f, d := strings.TrimSpace(from), strings.TrimSpace(to)
		if f == "" || d == "" {
			return nil, fmt.Errorf("remap entry %q -> %q: empty symbol", from, to)
		}
		t.remap[f] = d
	}

	return t, nil
}

// Parse decodes a YAML document with `blacklist` and `remap` keys.
func Parse(data []byte) (*Table, error) {
	var f file
	if err := yaml.UnmarshalStrict(data, &f); err != nil {
		return nil, fmt.Errorf("parse ticker tables: %w", err)
	}
	return New(f.Blacklist, f.Remap)
}

// Load reads ticker tables from a YAML file.
func Load(path string) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read ticker tables: %w", err)
	}
	return Parse(data)
}

// Default returns the built-in tables.
func Default() *Table {
	t, err := Parse(defaultTables)
	if err != nil {
		panic(fmt.Sprintf("tickers: built-in tables are invalid: %v", err))
	}
	return t
}

// LoadOrDefault loads path, or the built-in tables when path is empty.
func LoadOrDefault(path string) (*Table, error) {
	if path == "" {
		return Default(), nil
	}
	return Load(path)
}

// Blacklisted reports whether the (trimmed) symbol is excluded.
func (t *Table) Blacklisted(symbol string) bool {
	_, ok := t.blacklist[strings.TrimSpace(symbol)]
	return ok
}

// Reason returns why a symbol is blacklisted.
func (t *Table) Reason(symbol string) (string, bool) {
	r, ok := t.blacklist[strings.TrimSpace(symbol)]
	return r, ok
}

// Resolve maps a broker ticker to its Digrin symbol. The value is trimmed
// first; unmapped tickers come back unchanged and the empty (null) ticker
// stays empty.
func (t *Table) Resolve(ticker string) string {
	trimmed := strings.TrimSpace(ticker)
	if trimmed == "" {
		return ""
	}
	if mapped, ok := t.remap[trimmed]; ok {
		return mapped
	}
	return trimmed
}

// Blacklist returns the excluded symbols in sorted order.
func (t *Table) Blacklist() []string {
	out := make([]string, 0, len(t.blacklist))
	for s := range t.blacklist {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// RemapSize is the number of remapped symbols.
func (t *Table) RemapSize() int {
	return len(t.remap)
}
