// Package transform turns raw Trading 212 exports into Digrin-ready CSV
// files and merges export batches.
package transform

import (
	"github.com/dvloznov/t212-digrin/internal/tickers"
)

// Actions kept in the transformed output. Dividends, interest, deposits
// and the like are dropped.
const (
	ActionMarketBuy  = "Market buy"
	ActionMarketSell = "Market sell"
)

// Transformer filters and remaps export rows using fixed ticker tables.
type Transformer struct {
	tickers *tickers.Table
}

// NewTransformer creates a transformer over the given ticker tables.
func NewTransformer(t *tickers.Table) *Transformer {
	return &Transformer{tickers: t}
}

// Transform parses raw export bytes and returns the transformed CSV.
// Nothing is returned on error.
func (tr *Transformer) Transform(raw []byte) ([]byte, error) {
	in, err := ParseCSV(raw)
	if err != nil {
		return nil, err
	}
	out, err := tr.TransformTable(in)
	if err != nil {
		return nil, err
	}
	return out.Encode()
}

// TransformTable keeps market buy/sell rows whose ticker is not
// blacklisted and rewrites the ticker to its Digrin symbol. The header and
// row order are preserved and no other cell is touched.
func (tr *Transformer) TransformTable(in *Table) (*Table, error) {
	idx, err := in.require(ColumnTicker, ColumnAction)
	if err != nil {
		return nil, err
	}
	tickerCol, actionCol := idx[0], idx[1]

	header := make([]string, len(in.Header))
	copy(header, in.Header)
	out := &Table{Header: header, Rows: make([][]string, 0, len(in.Rows))}

	for _, row := range in.Rows {
		if !keepAction(row[actionCol]) {
			continue
		}
		if tr.tickers.Blacklisted(row[tickerCol]) {
			continue
		}

		kept := make([]string, len(row))
		copy(kept, row)
		kept[tickerCol] = tr.tickers.Resolve(row[tickerCol])
		out.Rows = append(out.Rows, kept)
	}

	return out, nil
}

func keepAction(action string) bool {
	return action == ActionMarketBuy || action == ActionMarketSell
}
