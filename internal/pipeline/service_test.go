package pipeline

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"cloud.google.com/go/civil"
	"github.com/rs/zerolog"

	"github.com/dvloznov/t212-digrin/internal/broker"
	"github.com/dvloznov/t212-digrin/internal/config"
	"github.com/dvloznov/t212-digrin/internal/ledger"
	"github.com/dvloznov/t212-digrin/internal/storage"
	"github.com/dvloznov/t212-digrin/internal/tickers"
	"github.com/dvloznov/t212-digrin/internal/transform"
)

const rawCSV = "Action,Time,Ticker,No. of shares\n" +
	"Market buy,2024-01-02 10:00:00,VWCE,1.5\n" +
	"Dividend (Ordinary),2024-01-03 09:00:00,AAPL,\n" +
	"Market buy,2024-01-04 10:00:00,VNTRF,10\n" +
	"Market sell,2024-01-05 11:00:00,AAPL,2\n"

const transformedCSV = "Action,Time,Ticker,No. of shares\n" +
	"Market buy,2024-01-02 10:00:00,VWCE.DE,1.5\n" +
	"Market sell,2024-01-05 11:00:00,AAPL,2\n"

const laterCSV = "Action,Time,Ticker,No. of shares\n" +
	"Market buy,2024-02-01 10:00:00,MC,3\n"

var finishedJob = broker.ExportJob{
	ReportID:     7,
	Status:       broker.StatusFinished,
	TimeFrom:     "2024-01-01T00:00:00.000Z",
	TimeTo:       "2024-01-31T23:59:59.000Z",
	DownloadLink: "https://example.test/exports/7.csv",
	DataIncluded: broker.AllData,
}

// MockExporter is a mock implementation of broker.Exporter for testing.
type MockExporter struct {
	ListExportsFunc  func(ctx context.Context) ([]broker.ExportJob, error)
	CreateExportFunc func(ctx context.Context, from, to time.Time) (int64, error)
	DownloadFunc     func(ctx context.Context, link string) ([]byte, error)

	listCalls int
}

func (m *MockExporter) ListExports(ctx context.Context) ([]broker.ExportJob, error) {
	m.listCalls++
	if m.ListExportsFunc != nil {
		return m.ListExportsFunc(ctx)
	}
	return []broker.ExportJob{finishedJob}, nil
}

func (m *MockExporter) CreateExport(ctx context.Context, from, to time.Time) (int64, error) {
	if m.CreateExportFunc != nil {
		return m.CreateExportFunc(ctx, from, to)
	}
	return 8, nil
}

func (m *MockExporter) Download(ctx context.Context, link string) ([]byte, error) {
	if m.DownloadFunc != nil {
		return m.DownloadFunc(ctx, link)
	}
	return []byte(rawCSV), nil
}

// MockRecorder is a mock implementation of ledger.Recorder for testing.
type MockRecorder struct {
	RecordFunc func(ctx context.Context, row *ledger.StoredFileRow) error
	rows       []*ledger.StoredFileRow
}

func (m *MockRecorder) Record(ctx context.Context, row *ledger.StoredFileRow) error {
	if m.RecordFunc != nil {
		if err := m.RecordFunc(ctx, row); err != nil {
			return err
		}
	}
	m.rows = append(m.rows, row)
	return nil
}

func (m *MockRecorder) List(ctx context.Context, limit int) ([]*ledger.StoredFileRow, error) {
	if limit > 0 && limit < len(m.rows) {
		return m.rows[:limit], nil
	}
	return m.rows, nil
}

// failingStore wraps a store and fails every write.
type failingStore struct {
	storage.Store
}

func (f failingStore) Write(ctx context.Context, key string, data []byte) error {
	return errors.New("disk full")
}

func newTestService(t *testing.T, exporter broker.Exporter, store storage.Store, rec ledger.Recorder) *Service {
	t.Helper()
	if store == nil {
		store = storage.NewLocalStore(t.TempDir())
	}
	svc, err := NewService(Options{
		Exporter:          exporter,
		Store:             store,
		Tickers:           tickers.Default(),
		Ledger:            rec,
		RawPrefix:         "from_t212",
		TransformedPrefix: "to_digrin",
		Logger:            zerolog.New(io.Discard),
	})
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	return svc
}

func readKey(t *testing.T, store storage.Store, key string) string {
	t.Helper()
	data, err := store.Read(context.Background(), key)
	if err != nil {
		t.Fatalf("Read(%q): %v", key, err)
	}
	return string(data)
}

func TestDownload(t *testing.T) {
	ctx := context.Background()
	exporter := &MockExporter{}
	rec := &MockRecorder{}
	store := storage.NewLocalStore(t.TempDir())
	svc := newTestService(t, exporter, store, rec)

	var gotLink string
	exporter.DownloadFunc = func(ctx context.Context, link string) ([]byte, error) {
		gotLink = link
		return []byte(rawCSV), nil
	}

	res, err := svc.Download(ctx, 7, "")
	if err != nil {
		t.Fatalf("Download: %v", err)
	}

	if gotLink != finishedJob.DownloadLink {
		t.Errorf("downloaded %q, want %q", gotLink, finishedJob.DownloadLink)
	}
	if res.Filename != "7_2024-01-01_2024-01-31.csv" {
		t.Errorf("Filename = %q", res.Filename)
	}
	if res.RawRows != 4 || res.TransformedRows != 2 {
		t.Errorf("rows = %d/%d, want 4/2", res.RawRows, res.TransformedRows)
	}
	if got := readKey(t, store, "from_t212/7_2024-01-01_2024-01-31.csv"); got != rawCSV {
		t.Errorf("raw file = %q, want the downloaded bytes", got)
	}
	if got := readKey(t, store, "to_digrin/7_2024-01-01_2024-01-31.csv"); got != transformedCSV {
		t.Errorf("transformed file = %q, want %q", got, transformedCSV)
	}

	if len(rec.rows) != 1 {
		t.Fatalf("ledger rows = %d, want 1", len(rec.rows))
	}
	row := rec.rows[0]
	if row.Action != ledger.ActionDownload || row.ReportID != 7 || row.TransformedRows != 2 {
		t.Errorf("unexpected ledger row: %+v", row)
	}
	if row.Backend != store.Name() {
		t.Errorf("Backend = %q, want %q", row.Backend, store.Name())
	}

	// The download invalidated the cached list.
	before := exporter.listCalls
	if _, err := svc.Exports(ctx); err != nil {
		t.Fatalf("Exports: %v", err)
	}
	if exporter.listCalls != before+1 {
		t.Errorf("expected a fresh ListExports after download")
	}
}

func TestDownloadCustomFilename(t *testing.T) {
	store := storage.NewLocalStore(t.TempDir())
	svc := newTestService(t, &MockExporter{}, store, nil)

	res, err := svc.Download(context.Background(), 7, "january.csv")
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	if res.RawKey != "from_t212/january.csv" || res.TransformedKey != "to_digrin/january.csv" {
		t.Errorf("keys = %q, %q", res.RawKey, res.TransformedKey)
	}

	if _, err := svc.Download(context.Background(), 7, "../january.csv"); !errors.Is(err, storage.ErrInvalidName) {
		t.Errorf("expected ErrInvalidName, got %v", err)
	}
}

func TestDownloadErrors(t *testing.T) {
	running := finishedJob
	running.ReportID = 9
	running.Status = broker.StatusRunning
	running.DownloadLink = ""

	exporter := &MockExporter{
		ListExportsFunc: func(ctx context.Context) ([]broker.ExportJob, error) {
			return []broker.ExportJob{finishedJob, running}, nil
		},
	}
	svc := newTestService(t, exporter, nil, nil)

	if _, err := svc.Download(context.Background(), 1234, ""); !errors.Is(err, ErrExportNotFound) {
		t.Errorf("expected ErrExportNotFound, got %v", err)
	}
	if _, err := svc.Download(context.Background(), 9, ""); !errors.Is(err, ErrExportNotReady) {
		t.Errorf("expected ErrExportNotReady, got %v", err)
	}

	upstream := &broker.StatusError{Op: "Download", StatusCode: 403}
	exporter.DownloadFunc = func(ctx context.Context, link string) ([]byte, error) {
		return nil, upstream
	}
	_, err := svc.Download(context.Background(), 7, "")
	var statusErr *broker.StatusError
	if !errors.As(err, &statusErr) || statusErr.StatusCode != 403 {
		t.Errorf("expected StatusError 403, got %v", err)
	}
}

func TestDownloadStorageFailure(t *testing.T) {
	rec := &MockRecorder{}
	store := failingStore{Store: storage.NewLocalStore(t.TempDir())}
	svc := newTestService(t, &MockExporter{}, store, rec)

	if _, err := svc.Download(context.Background(), 7, ""); err == nil {
		t.Fatal("expected error when the raw file cannot be written")
	}
	if len(rec.rows) != 0 {
		t.Errorf("nothing should be recorded for a failed download, got %d rows", len(rec.rows))
	}
}

func TestDownloadLedgerFailureIsNotFatal(t *testing.T) {
	rec := &MockRecorder{
		RecordFunc: func(ctx context.Context, row *ledger.StoredFileRow) error {
			return errors.New("bigquery unavailable")
		},
	}
	svc := newTestService(t, &MockExporter{}, nil, rec)

	if _, err := svc.Download(context.Background(), 7, ""); err != nil {
		t.Errorf("ledger failure should not fail the download: %v", err)
	}
}

func TestBrokerActionsWithoutExporter(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, nil, nil, nil)

	if _, err := svc.Exports(ctx); !errors.Is(err, config.ErrMissingAPIKey) {
		t.Errorf("Exports: expected ErrMissingAPIKey, got %v", err)
	}
	if _, err := svc.Refresh(ctx); !errors.Is(err, config.ErrMissingAPIKey) {
		t.Errorf("Refresh: expected ErrMissingAPIKey, got %v", err)
	}
	today := civil.DateOf(time.Now())
	if _, err := svc.CreateExport(ctx, today, today); !errors.Is(err, config.ErrMissingAPIKey) {
		t.Errorf("CreateExport: expected ErrMissingAPIKey, got %v", err)
	}
	if _, err := svc.Download(ctx, 7, ""); !errors.Is(err, config.ErrMissingAPIKey) {
		t.Errorf("Download: expected ErrMissingAPIKey, got %v", err)
	}

	// File actions do not need the broker.
	if _, err := svc.ListRaw(ctx); err != nil {
		t.Errorf("ListRaw: %v", err)
	}
}

func TestExportsCacheAndRefresh(t *testing.T) {
	ctx := context.Background()
	exporter := &MockExporter{}
	svc := newTestService(t, exporter, nil, nil)

	for i := 0; i < 3; i++ {
		if _, err := svc.Exports(ctx); err != nil {
			t.Fatalf("Exports: %v", err)
		}
	}
	if exporter.listCalls != 1 {
		t.Errorf("ListExports called %d times, want 1", exporter.listCalls)
	}

	jobs, err := svc.Refresh(ctx)
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if exporter.listCalls != 2 || len(jobs) != 1 {
		t.Errorf("after refresh: calls=%d jobs=%d", exporter.listCalls, len(jobs))
	}
}

func TestExportsFetchedAt(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, &MockExporter{}, nil, nil)

	if !svc.ExportsFetchedAt().IsZero() {
		t.Error("expected zero fetch time before the first listing")
	}
	if _, err := svc.Exports(ctx); err != nil {
		t.Fatalf("Exports: %v", err)
	}
	if svc.ExportsFetchedAt().IsZero() {
		t.Error("expected a fetch time after listing")
	}

	if got := newTestService(t, nil, nil, nil).ExportsFetchedAt(); !got.IsZero() {
		t.Errorf("without exporter: fetched at %v", got)
	}
}

func TestBlacklistedTickers(t *testing.T) {
	svc := newTestService(t, nil, nil, nil)

	got := svc.BlacklistedTickers([]string{"VWCE", "VNTRF", "BRK.A", ""})
	want := map[string]string{"VNTRF": "stock split", "BRK.A": "not available in Digrin"}
	if len(got) != len(want) {
		t.Fatalf("BlacklistedTickers() = %v, want %v", got, want)
	}
	for sym, reason := range want {
		if got[sym] != reason {
			t.Errorf("reason for %s = %q, want %q", sym, got[sym], reason)
		}
	}
}

func TestCreateExport(t *testing.T) {
	ctx := context.Background()
	var gotFrom, gotTo time.Time
	exporter := &MockExporter{
		CreateExportFunc: func(ctx context.Context, from, to time.Time) (int64, error) {
			gotFrom, gotTo = from, to
			return 42, nil
		},
	}
	svc := newTestService(t, exporter, nil, nil)

	if _, err := svc.Exports(ctx); err != nil {
		t.Fatalf("Exports: %v", err)
	}

	from := civil.Date{Year: 2024, Month: time.February, Day: 1}
	to := civil.Date{Year: 2024, Month: time.February, Day: 29}
	id, err := svc.CreateExport(ctx, from, to)
	if err != nil {
		t.Fatalf("CreateExport: %v", err)
	}
	if id != 42 {
		t.Errorf("id = %d, want 42", id)
	}
	if !gotFrom.Equal(time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("from = %v", gotFrom)
	}
	if !gotTo.Equal(time.Date(2024, 2, 29, 23, 59, 59, 0, time.UTC)) {
		t.Errorf("to = %v", gotTo)
	}

	if _, err := svc.Exports(ctx); err != nil {
		t.Fatalf("Exports: %v", err)
	}
	if exporter.listCalls != 2 {
		t.Errorf("expected the export list to be refetched after CreateExport, calls=%d", exporter.listCalls)
	}

	if _, err := svc.CreateExport(ctx, to, from); !errors.Is(err, ErrInvalidPeriod) {
		t.Errorf("expected ErrInvalidPeriod, got %v", err)
	}
}

func TestTransformFile(t *testing.T) {
	ctx := context.Background()
	store := storage.NewLocalStore(t.TempDir())
	rec := &MockRecorder{}
	svc := newTestService(t, nil, store, rec)

	if err := store.Write(ctx, "from_t212/manual.csv", []byte(rawCSV)); err != nil {
		t.Fatalf("Write: %v", err)
	}

	res, err := svc.TransformFile(ctx, "manual.csv")
	if err != nil {
		t.Fatalf("TransformFile: %v", err)
	}
	if res.TransformedKey != "to_digrin/manual.csv" {
		t.Errorf("TransformedKey = %q", res.TransformedKey)
	}
	if got := readKey(t, store, "to_digrin/manual.csv"); got != transformedCSV {
		t.Errorf("transformed file = %q", got)
	}
	if len(rec.rows) != 1 || rec.rows[0].Action != ledger.ActionTransform {
		t.Errorf("unexpected ledger rows: %+v", rec.rows)
	}
}

func TestTransformFileErrors(t *testing.T) {
	ctx := context.Background()
	store := storage.NewLocalStore(t.TempDir())
	svc := newTestService(t, nil, store, nil)

	if _, err := svc.TransformFile(ctx, "missing.csv"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	if err := store.Write(ctx, "from_t212/bad.csv", []byte("Time,Action\n2024-01-01,Market buy\n")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if _, err := svc.TransformFile(ctx, "bad.csv"); !errors.Is(err, transform.ErrMissingColumn) {
		t.Errorf("expected ErrMissingColumn, got %v", err)
	}
	if _, err := store.Read(ctx, "to_digrin/bad.csv"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("no transformed file should be written on failure, got %v", err)
	}
}

func TestMergeDuplicatesOnRepeat(t *testing.T) {
	ctx := context.Background()
	store := storage.NewLocalStore(t.TempDir())
	rec := &MockRecorder{}
	svc := newTestService(t, nil, store, rec)

	if err := store.Write(ctx, "from_t212/all.csv", []byte(rawCSV)); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := store.Write(ctx, "from_t212/feb.csv", []byte(laterCSV)); err != nil {
		t.Fatalf("Write: %v", err)
	}

	res, err := svc.Merge(ctx, "feb.csv", "all.csv")
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}
	if res.FromRows != 1 || res.Rows != 5 {
		t.Errorf("rows = %d from, %d total; want 1, 5", res.FromRows, res.Rows)
	}
	want := rawCSV + "\n" + "Market buy,2024-02-01 10:00:00,MC,3\n"
	if got := readKey(t, store, "from_t212/all.csv"); got != want {
		t.Errorf("merged file = %q, want %q", got, want)
	}

	res, err = svc.Merge(ctx, "feb.csv", "all.csv")
	if err != nil {
		t.Fatalf("second Merge: %v", err)
	}
	if res.Rows != 6 {
		t.Errorf("second merge should duplicate the source row: %d rows, want 6", res.Rows)
	}
	if len(rec.rows) != 2 || rec.rows[0].Action != ledger.ActionMerge {
		t.Errorf("unexpected ledger rows: %+v", rec.rows)
	}
}

func TestMergeErrors(t *testing.T) {
	ctx := context.Background()
	store := storage.NewLocalStore(t.TempDir())
	svc := newTestService(t, nil, store, nil)

	if _, err := svc.Merge(ctx, "a.csv", "a.csv"); !errors.Is(err, ErrSameFile) {
		t.Errorf("expected ErrSameFile, got %v", err)
	}
	if _, err := svc.Merge(ctx, "a.csv", "b.csv"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	if err := store.Write(ctx, "from_t212/a.csv", []byte(rawCSV)); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := store.Write(ctx, "from_t212/b.csv", []byte("Time,Ticker\n2024-01-01,X\n")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if _, err := svc.Merge(ctx, "b.csv", "a.csv"); !errors.Is(err, transform.ErrHeaderMismatch) {
		t.Errorf("expected ErrHeaderMismatch, got %v", err)
	}
	if got := readKey(t, store, "from_t212/a.csv"); got != rawCSV {
		t.Errorf("target must be unchanged after a failed merge")
	}
}

func TestListFiles(t *testing.T) {
	ctx := context.Background()
	store := storage.NewLocalStore(t.TempDir())
	svc := newTestService(t, nil, store, nil)

	for key, content := range map[string]string{
		"from_t212/2_2024-02-01_2024-02-29.csv": laterCSV,
		"from_t212/1_2024-01-01_2024-01-31.csv": rawCSV,
		"from_t212/notes.txt":                   "ignored",
		"to_digrin/1_2024-01-01_2024-01-31.csv": transformedCSV,
	} {
		if err := store.Write(ctx, key, []byte(content)); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}

	files, err := svc.ListRaw(ctx)
	if err != nil {
		t.Fatalf("ListRaw: %v", err)
	}
	if len(files) != 2 {
		t.Fatalf("ListRaw() = %+v, want 2 files", files)
	}
	if files[0].Name != "1_2024-01-01_2024-01-31.csv" || !files[0].Transformed {
		t.Errorf("files[0] = %+v", files[0])
	}
	if files[1].Name != "2_2024-02-01_2024-02-29.csv" || files[1].Transformed {
		t.Errorf("files[1] = %+v", files[1])
	}

	names, err := svc.ListTransformed(ctx)
	if err != nil {
		t.Fatalf("ListTransformed: %v", err)
	}
	if len(names) != 1 || names[0] != "1_2024-01-01_2024-01-31.csv" {
		t.Errorf("ListTransformed() = %v", names)
	}
}

func TestDefaultPeriod(t *testing.T) {
	ctx := context.Background()
	store := storage.NewLocalStore(t.TempDir())
	svc := newTestService(t, nil, store, nil)
	svc.now = func() time.Time { return time.Date(2024, 3, 10, 18, 0, 0, 0, time.UTC) }

	from, to, err := svc.DefaultPeriod(ctx)
	if err != nil {
		t.Fatalf("DefaultPeriod: %v", err)
	}
	if from.String() != "2023-03-10" || to.String() != "2024-03-10" {
		t.Errorf("empty store: period = %v..%v", from, to)
	}

	if err := store.Write(ctx, "from_t212/a.csv", []byte(rawCSV)); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := store.Write(ctx, "from_t212/b.csv", []byte(laterCSV)); err != nil {
		t.Fatalf("Write: %v", err)
	}

	from, _, err = svc.DefaultPeriod(ctx)
	if err != nil {
		t.Fatalf("DefaultPeriod: %v", err)
	}
	if want := (civil.Date{Year: 2024, Month: time.February, Day: 2}); from != want {
		t.Errorf("from = %v, want the day after the last transaction", from)
	}
}

func TestSummaryAndHistory(t *testing.T) {
	ctx := context.Background()
	store := storage.NewLocalStore(t.TempDir())
	rec := &MockRecorder{}
	svc := newTestService(t, nil, store, rec)

	if err := store.Write(ctx, "from_t212/a.csv", []byte(rawCSV)); err != nil {
		t.Fatalf("Write: %v", err)
	}

	sum, err := svc.Summary(ctx, "a.csv")
	if err != nil {
		t.Fatalf("Summary: %v", err)
	}
	if sum.Rows != 4 || sum.Actions["Market buy"] != 2 {
		t.Errorf("unexpected summary: %+v", sum)
	}
	if got := sum.NetShares["AAPL"].String(); got != "-2" {
		t.Errorf("AAPL net shares = %s, want -2", got)
	}

	if _, err := svc.TransformFile(ctx, "a.csv"); err != nil {
		t.Fatalf("TransformFile: %v", err)
	}
	rows, err := svc.History(ctx, 10)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(rows) != 1 || rows[0].Filename != "a.csv" {
		t.Errorf("History() = %+v", rows)
	}
}

func TestNewServiceValidation(t *testing.T) {
	if _, err := NewService(Options{Tickers: tickers.Default(), RawPrefix: "a", TransformedPrefix: "b"}); err == nil {
		t.Error("expected error without store")
	}
	if _, err := NewService(Options{Store: storage.NewLocalStore(t.TempDir()), RawPrefix: "a", TransformedPrefix: "b"}); err == nil {
		t.Error("expected error without tickers")
	}
}
