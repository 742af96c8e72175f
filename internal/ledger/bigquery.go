package ledger

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"cloud.google.com/go/bigquery"
	"github.com/google/uuid"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

// defaultListLimit caps List when the caller passes no limit.
const defaultListLimit = 50

// BigQueryLedger is the BigQuery implementation of Recorder. It holds a
// shared client; Close releases it.
type BigQueryLedger struct {
	client  *bigquery.Client
	project string
	dataset string
	table   string
}

// NewBigQueryLedger creates a ledger writing to project.dataset.table.
func NewBigQueryLedger(ctx context.Context, project, dataset, table string, opts ...option.ClientOption) (*BigQueryLedger, error) {
	if project == "" || dataset == "" || table == "" {
		return nil, errors.New("NewBigQueryLedger: project, dataset and table are required")
	}
	client, err := bigquery.NewClient(ctx, project, opts...)
	if err != nil {
		return nil, fmt.Errorf("NewBigQueryLedger: creating client: %w", err)
	}
	return &BigQueryLedger{
		client:  client,
		project: project,
		dataset: dataset,
		table:   table,
	}, nil
}

// Close closes the BigQuery client connection.
func (l *BigQueryLedger) Close() error {
	if l.client != nil {
		return l.client.Close()
	}
	return nil
}

// EnsureTable creates the stored_files table when it does not exist.
func (l *BigQueryLedger) EnsureTable(ctx context.Context) error {
	tbl := l.client.Dataset(l.dataset).Table(l.table)

	_, err := tbl.Metadata(ctx)
	if err == nil {
		return nil
	}
	var gerr *googleapi.Error
	if !errors.As(err, &gerr) || gerr.Code != http.StatusNotFound {
		return fmt.Errorf("EnsureTable: reading metadata: %w", err)
	}

	schema, err := bigquery.InferSchema(StoredFileRow{})
	if err != nil {
		return fmt.Errorf("EnsureTable: inferring schema: %w", err)
	}
	meta := &bigquery.TableMetadata{
		Schema: schema,
		TimePartitioning: &bigquery.TimePartitioning{
			Type:  bigquery.DayPartitioningType,
			Field: "stored_ts",
		},
	}
	if err := tbl.Create(ctx, meta); err != nil {
		return fmt.Errorf("EnsureTable: creating table: %w", err)
	}
	return nil
}

// Record implements Recorder.
func (l *BigQueryLedger) Record(ctx context.Context, row *StoredFileRow) error {
	if row.FileID == "" {
		row.FileID = uuid.NewString()
	}
	if row.StoredAt.IsZero() {
		row.StoredAt = time.Now().UTC()
	}

	inserter := l.client.Dataset(l.dataset).Table(l.table).Inserter()
	if err := inserter.Put(ctx, row); err != nil {
		return fmt.Errorf("Record: inserting row: %w", err)
	}
	return nil
}

// List implements Recorder.
func (l *BigQueryLedger) List(ctx context.Context, limit int) ([]*StoredFileRow, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}

	q := l.client.Query(fmt.Sprintf(`
		SELECT
			file_id,
			action,
			report_id,
			filename,
			raw_key,
			transformed_key,
			backend,
			raw_rows,
			transformed_rows,
			stored_ts
		FROM `+"`%s.%s.%s`"+`
		ORDER BY stored_ts DESC
		LIMIT @limit
	`, l.project, l.dataset, l.table))
	q.Parameters = []bigquery.QueryParameter{
		{Name: "limit", Value: limit},
	}

	it, err := q.Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("List: reading query: %w", err)
	}

	var rows []*StoredFileRow
	for {
		var row StoredFileRow
		err := it.Next(&row)
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("List: iterating: %w", err)
		}
		rows = append(rows, &row)
	}
	return rows, nil
}

var _ Recorder = (*BigQueryLedger)(nil)
