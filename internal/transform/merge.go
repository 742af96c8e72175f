package transform

import (
	"bytes"
	"fmt"
)

// Merge appends every data row of from to the end of to, after a blank
// line. Rows are not deduplicated: merging the same pair twice duplicates
// the from rows.
//
// TODO: skip rows already present in to once a dedup key is agreed on.
func Merge(to, from []byte) ([]byte, error) {
	dst, err := ParseCSV(to)
	if err != nil {
		return nil, fmt.Errorf("merge target: %w", err)
	}
	src, err := ParseCSV(from)
	if err != nil {
		return nil, fmt.Errorf("merge source: %w", err)
	}
	if !sameHeader(dst.Header, src.Header) {
		return nil, fmt.Errorf("%w: target has %d columns, source has %d", ErrHeaderMismatch, len(dst.Header), len(src.Header))
	}

	rows, err := encodeRows(src.Rows)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	buf.Grow(len(to) + len(rows) + 2)
	buf.Write(to)
	if len(to) > 0 && to[len(to)-1] != '\n' {
		buf.WriteByte('\n')
	}
	buf.WriteByte('\n')
	buf.Write(rows)

	return buf.Bytes(), nil
}
