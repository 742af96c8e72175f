package transform

import (
	"fmt"
	"sort"
	"strings"

	"cloud.google.com/go/civil"
	"github.com/shopspring/decimal"
)

// Summary describes the contents of an export file. First and Last are
// zero when no row is dated.
type Summary struct {
	Rows    int            `json:"rows"`
	First   civil.Date     `json:"first,omitzero"`
	Last    civil.Date     `json:"last,omitzero"`
	Actions map[string]int `json:"actions"`
	// NetShares is bought minus sold shares per ticker, for files that
	// carry a share count column.
	NetShares map[string]decimal.Decimal `json:"net_shares"`
}

// Tickers returns the tickers with a net position, sorted.
func (s *Summary) Tickers() []string {
	out := make([]string, 0, len(s.NetShares))
	for t := range s.NetShares {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Summarize computes a Summary. The Time and Action columns are required;
// the share count column is optional.
func Summarize(t *Table) (*Summary, error) {
	idx, err := t.require(ColumnTime, ColumnAction)
	if err != nil {
		return nil, err
	}
	timeCol, actionCol := idx[0], idx[1]
	tickerCol := t.Column(ColumnTicker)
	sharesCol := t.Column(ColumnShares)

	s := &Summary{
		Rows:      len(t.Rows),
		Actions:   make(map[string]int),
		NetShares: make(map[string]decimal.Decimal),
	}

	for i, row := range t.Rows {
		action := row[actionCol]
		s.Actions[action]++

		if day, ok, err := rowDate(row[timeCol]); err != nil {
			return nil, fmt.Errorf("row %d: %w", i+1, err)
		} else if ok {
			if s.First.IsZero() || day.Before(s.First) {
				s.First = day
			}
			if s.Last.IsZero() || day.After(s.Last) {
				s.Last = day
			}
		}

		if tickerCol < 0 || sharesCol < 0 || !keepAction(action) {
			continue
		}
		ticker := strings.TrimSpace(row[tickerCol])
		raw := strings.TrimSpace(row[sharesCol])
		if ticker == "" || raw == "" {
			continue
		}
		qty, err := decimal.NewFromString(raw)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w: share count %q", i+1, ErrParse, raw)
		}
		if action == ActionMarketSell {
			qty = qty.Neg()
		}
		s.NetShares[ticker] = s.NetShares[ticker].Add(qty)
	}

	return s, nil
}

// LastTransactionDate returns the latest transaction day across tables.
// ok is false when no table has a dated row.
func LastTransactionDate(tables ...*Table) (last civil.Date, ok bool, err error) {
	for _, t := range tables {
		col := t.Column(ColumnTime)
		if col < 0 {
			return civil.Date{}, false, fmt.Errorf("%w: %q", ErrMissingColumn, ColumnTime)
		}
		for i, row := range t.Rows {
			day, has, err := rowDate(row[col])
			if err != nil {
				return civil.Date{}, false, fmt.Errorf("row %d: %w", i+1, err)
			}
			if has && (!ok || day.After(last)) {
				last, ok = day, true
			}
		}
	}
	return last, ok, nil
}

// rowDate reads the date part of a "2006-01-02 15:04:05" cell.
func rowDate(cell string) (civil.Date, bool, error) {
	fields := strings.Fields(cell)
	if len(fields) == 0 {
		return civil.Date{}, false, nil
	}
	day, err := civil.ParseDate(fields[0])
	if err != nil {
		return civil.Date{}, false, fmt.Errorf("%w: time %q", ErrParse, cell)
	}
	return day, true, nil
}
