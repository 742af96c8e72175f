package transform

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
)

// Column names of the broker export that this package reads.
const (
	ColumnTime   = "Time"
	ColumnAction = "Action"
	ColumnTicker = "Ticker"
	ColumnShares = "No. of shares"
)

var (
	// ErrParse is returned when input bytes are not valid CSV with a header row.
	ErrParse = errors.New("invalid CSV")

	// ErrMissingColumn is returned when a required column is absent.
	ErrMissingColumn = errors.New("missing required column")

	// ErrHeaderMismatch is returned when merged files have different columns.
	ErrHeaderMismatch = errors.New("header mismatch")
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// Table is a parsed CSV file. Cells are kept as raw strings; an empty cell
// stands for a missing (null) value.
type Table struct {
	Header []string
	Rows   [][]string
}

// ParseCSV parses UTF-8 CSV bytes with a header row. Every record must have
// as many fields as the header.
func ParseCSV(data []byte) (*Table, error) {
	data = bytes.TrimPrefix(data, utf8BOM)

	r := csv.NewReader(bytes.NewReader(data))
	r.FieldsPerRecord = 0

	records, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParse, err)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("%w: no header row", ErrParse)
	}

	return &Table{
		Header: records[0],
		Rows:   records[1:],
	}, nil
}

// Column returns the index of the named column, or -1.
func (t *Table) Column(name string) int {
	for i, h := range t.Header {
		if h == name {
			return i
		}
	}
	return -1
}

// require returns the indexes of the named columns or ErrMissingColumn.
func (t *Table) require(names ...string) ([]int, error) {
	idx := make([]int, len(names))
	for i, name := range names {
		idx[i] = t.Column(name)
		if idx[i] < 0 {
			return nil, fmt.Errorf("%w: %q", ErrMissingColumn, name)
		}
	}
	return idx, nil
}

// Encode writes the table back to CSV, header first.
func (t *Table) Encode() ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)

	if err := w.Write(t.Header); err != nil {
		return nil, fmt.Errorf("encode header: %w", err)
	}
	if err := w.WriteAll(t.Rows); err != nil {
		return nil, fmt.Errorf("encode rows: %w", err)
	}
	return buf.Bytes(), nil
}

func encodeRows(rows [][]string) ([]byte, error) {
	var buf bytes.Buffer
	if err := csv.NewWriter(&buf).WriteAll(rows); err != nil {
		return nil, fmt.Errorf("encode rows: %w", err)
	}
	return buf.Bytes(), nil
}

func sameHeader(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
