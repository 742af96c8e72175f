// Package ledger records stored export files in BigQuery so the history
// of downloads, transforms and merges survives the local machine.
package ledger

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Actions recorded in the ledger.
const (
	ActionDownload  = "DOWNLOAD"
	ActionTransform = "TRANSFORM"
	ActionMerge     = "MERGE"
)

// StoredFileRow is one row of the stored_files table.
type StoredFileRow struct {
	FileID          string    `bigquery:"file_id" json:"file_id"`
	Action          string    `bigquery:"action" json:"action"`
	ReportID        int64     `bigquery:"report_id" json:"report_id,omitempty"` // 0 when not tied to an export
	Filename        string    `bigquery:"filename" json:"filename"`
	RawKey          string    `bigquery:"raw_key" json:"raw_key"`
	TransformedKey  string    `bigquery:"transformed_key" json:"transformed_key,omitempty"`
	Backend         string    `bigquery:"backend" json:"backend"`
	RawRows         int64     `bigquery:"raw_rows" json:"raw_rows"`
	TransformedRows int64     `bigquery:"transformed_rows" json:"transformed_rows"`
	StoredAt        time.Time `bigquery:"stored_ts" json:"stored_ts"`
}

// NewRow creates a row with a fresh id and timestamp.
func NewRow(action, filename string) *StoredFileRow {
	return &StoredFileRow{
		FileID:   uuid.NewString(),
		Action:   action,
		Filename: filename,
		StoredAt: time.Now().UTC(),
	}
}

// Recorder stores and lists ledger rows.
type Recorder interface {
	// Record appends a row.
	Record(ctx context.Context, row *StoredFileRow) error

	// List returns the most recent rows, newest first.
	List(ctx context.Context, limit int) ([]*StoredFileRow, error)
}

// Nop is the Recorder used when no BigQuery project is configured.
type Nop struct{}

// Record implements Recorder.
func (Nop) Record(ctx context.Context, row *StoredFileRow) error { return nil }

// List implements Recorder.
func (Nop) List(ctx context.Context, limit int) ([]*StoredFileRow, error) { return nil, nil }

var _ Recorder = Nop{}
