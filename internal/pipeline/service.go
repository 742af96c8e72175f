// Package pipeline drives the user actions: listing and creating broker
// exports, downloading them into storage, transforming and merging files.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"cloud.google.com/go/civil"
	"github.com/rs/zerolog"

	"github.com/dvloznov/t212-digrin/internal/broker"
	"github.com/dvloznov/t212-digrin/internal/config"
	"github.com/dvloznov/t212-digrin/internal/ledger"
	"github.com/dvloznov/t212-digrin/internal/logger"
	"github.com/dvloznov/t212-digrin/internal/storage"
	"github.com/dvloznov/t212-digrin/internal/tickers"
	"github.com/dvloznov/t212-digrin/internal/transform"
)

var (
	// ErrExportNotFound is returned when a report id is not in the export list.
	ErrExportNotFound = errors.New("export not found")

	// ErrExportNotReady is returned when downloading an unfinished export.
	ErrExportNotReady = errors.New("export is not finished")

	// ErrSameFile is returned when a file is merged into itself.
	ErrSameFile = errors.New("cannot merge a file into itself")

	// ErrInvalidPeriod is returned when an export period ends before it starts.
	ErrInvalidPeriod = errors.New("invalid export period")
)

// defaultLookbackYears is how far back the export period starts when no
// raw file has any transactions yet.
const defaultLookbackYears = 1

// Options configures a Service.
type Options struct {
	// Exporter is nil when no API key is configured; broker actions then
	// fail with config.ErrMissingAPIKey.
	Exporter          broker.Exporter
	Store             storage.Store
	Tickers           *tickers.Table
	Ledger            ledger.Recorder
	RawPrefix         string
	TransformedPrefix string
	Logger            zerolog.Logger
}

// Service implements every user action on top of the broker, storage and
// ledger collaborators.
type Service struct {
	exporter    broker.Exporter
	cache       *broker.ExportCache
	store       storage.Store
	tables      *tickers.Table
	transformer *transform.Transformer
	ledger      ledger.Recorder

	rawPrefix         string
	transformedPrefix string

	log zerolog.Logger
	now func() time.Time
}

// NewService creates a Service.
func NewService(opts Options) (*Service, error) {
	if opts.Store == nil {
		return nil, errors.New("NewService: store is required")
	}
	if opts.Tickers == nil {
		return nil, errors.New("NewService: ticker tables are required")
	}
	if opts.RawPrefix == "" || opts.TransformedPrefix == "" {
		return nil, errors.New("NewService: raw and transformed prefixes are required")
	}

	s := &Service{
		exporter:          opts.Exporter,
		store:             opts.Store,
		tables:            opts.Tickers,
		transformer:       transform.NewTransformer(opts.Tickers),
		ledger:            opts.Ledger,
		rawPrefix:         opts.RawPrefix,
		transformedPrefix: opts.TransformedPrefix,
		log:               logger.Component(opts.Logger, "pipeline"),
		now:               time.Now,
	}
	if s.ledger == nil {
		s.ledger = ledger.Nop{}
	}
	if s.exporter != nil {
		s.cache = broker.NewExportCache(s.exporter)
	}
	return s, nil
}

func (s *Service) requireExporter() error {
	if s.exporter == nil {
		return config.ErrMissingAPIKey
	}
	return nil
}

// invalidate drops the cached export list after a mutating action.
func (s *Service) invalidate() {
	if s.cache != nil {
		s.cache.Invalidate()
	}
}

// Exports returns the export list, served from the cache when possible.
func (s *Service) Exports(ctx context.Context) ([]broker.ExportJob, error) {
	if err := s.requireExporter(); err != nil {
		return nil, err
	}
	jobs, err := s.cache.Exports(ctx)
	if err != nil {
		s.log.Error().Err(err).Msg("Failed to list exports")
		return nil, fmt.Errorf("Exports: %w", err)
	}
	return jobs, nil
}

// ExportsFetchedAt returns when the cached export list was fetched. It is
// zero when nothing is cached.
func (s *Service) ExportsFetchedAt() time.Time {
	if s.cache == nil {
		return time.Time{}
	}
	return s.cache.FetchedAt()
}

// Refresh drops the cached export list and fetches it again.
func (s *Service) Refresh(ctx context.Context) ([]broker.ExportJob, error) {
	if err := s.requireExporter(); err != nil {
		return nil, err
	}
	s.invalidate()
	return s.Exports(ctx)
}

// DefaultPeriod proposes the next export period: the day after the latest
// transaction in the raw files through today. Without any dated raw
// transaction the period starts one year back.
func (s *Service) DefaultPeriod(ctx context.Context) (from, to civil.Date, err error) {
	today := civil.DateOf(s.now().UTC())

	files, err := s.ListRaw(ctx)
	if err != nil {
		return civil.Date{}, civil.Date{}, err
	}

	var tables []*transform.Table
	for _, f := range files {
		data, err := s.store.Read(ctx, f.RawKey)
		if err != nil {
			s.log.Error().Err(err).Str("key", f.RawKey).Msg("Failed to read raw file")
			return civil.Date{}, civil.Date{}, fmt.Errorf("DefaultPeriod: %w", err)
		}
		t, err := transform.ParseCSV(data)
		if err != nil {
			return civil.Date{}, civil.Date{}, fmt.Errorf("DefaultPeriod: %s: %w", f.Name, err)
		}
		tables = append(tables, t)
	}

	last, ok, err := transform.LastTransactionDate(tables...)
	if err != nil {
		return civil.Date{}, civil.Date{}, fmt.Errorf("DefaultPeriod: %w", err)
	}
	if !ok {
		return today.AddYears(-defaultLookbackYears), today, nil
	}
	return last.AddDays(1), today, nil
}

// CreateExport requests a new export covering the whole days from..to.
func (s *Service) CreateExport(ctx context.Context, from, to civil.Date) (int64, error) {
	if err := s.requireExporter(); err != nil {
		return 0, err
	}
	if to.Before(from) {
		return 0, fmt.Errorf("CreateExport: %w: %s is after %s", ErrInvalidPeriod, from, to)
	}
	start, end := broker.ExportPeriod(from, to)
	defer s.invalidate()

	id, err := s.exporter.CreateExport(ctx, start, end)
	if err != nil {
		s.log.Error().Err(err).Time("from", start).Time("to", end).Msg("Failed to create export")
		return 0, fmt.Errorf("CreateExport: %w", err)
	}
	s.log.Info().Int64("report_id", id).Time("from", start).Time("to", end).Msg("Export created")
	return id, nil
}

// DownloadResult describes a stored file pair.
type DownloadResult struct {
	ReportID        int64  `json:"report_id,omitempty"`
	Filename        string `json:"filename"`
	RawKey          string `json:"raw_key"`
	TransformedKey  string `json:"transformed_key"`
	RawRows         int    `json:"raw_rows"`
	TransformedRows int    `json:"transformed_rows"`
}

func resultFromState(state *PipelineState) *DownloadResult {
	return &DownloadResult{
		ReportID:        state.Job.ReportID,
		Filename:        state.Filename,
		RawKey:          state.RawKey,
		TransformedKey:  state.TransformedKey,
		RawRows:         state.RawRows,
		TransformedRows: state.TransformedRows,
	}
}

// Download fetches a finished export, stores it as a raw file and stores
// its transformed version under the same name. filename overrides the
// default {reportId}_{from}_{to}.csv name when not empty.
func (s *Service) Download(ctx context.Context, reportID int64, filename string) (*DownloadResult, error) {
	if err := s.requireExporter(); err != nil {
		return nil, err
	}
	defer s.invalidate()

	job, found, err := s.cache.Find(ctx, reportID)
	if err != nil {
		return nil, fmt.Errorf("Download: %w", err)
	}
	if !found {
		return nil, fmt.Errorf("Download: report %d: %w", reportID, ErrExportNotFound)
	}

	if filename == "" {
		filename, err = broker.Filename(job)
		if err != nil {
			return nil, fmt.Errorf("Download: %w", err)
		}
	}
	state, err := s.newState(ledger.ActionDownload, filename)
	if err != nil {
		return nil, fmt.Errorf("Download: %w", err)
	}
	state.Job = job

	log := s.log.With().Int64("report_id", reportID).Str("filename", filename).Logger()

	p := NewPipeline(
		&DownloadExportStep{Exporter: s.exporter},
		&StoreRawStep{Store: s.store},
		&TransformStep{Transformer: s.transformer},
		&StoreTransformedStep{Store: s.store},
		&RecordLedgerStep{Ledger: s.ledger, Backend: s.store.Name(), Log: log},
	)
	if err := p.Execute(ctx, state); err != nil {
		log.Error().Err(err).Msg("Download failed")
		return nil, fmt.Errorf("Download: %w", err)
	}

	log.Info().
		Int("raw_rows", state.RawRows).
		Int("transformed_rows", state.TransformedRows).
		Msg("Export downloaded and transformed")
	return resultFromState(state), nil
}

// TransformFile transforms a stored raw file into the transformed prefix.
func (s *Service) TransformFile(ctx context.Context, name string) (*DownloadResult, error) {
	state, err := s.newState(ledger.ActionTransform, name)
	if err != nil {
		return nil, fmt.Errorf("TransformFile: %w", err)
	}

	log := s.log.With().Str("filename", name).Logger()

	p := NewPipeline(
		&LoadRawStep{Store: s.store},
		&TransformStep{Transformer: s.transformer},
		&StoreTransformedStep{Store: s.store},
		&RecordLedgerStep{Ledger: s.ledger, Backend: s.store.Name(), Log: log},
	)
	if err := p.Execute(ctx, state); err != nil {
		log.Error().Err(err).Msg("Transform failed")
		return nil, fmt.Errorf("TransformFile: %w", err)
	}

	log.Info().
		Int("raw_rows", state.RawRows).
		Int("transformed_rows", state.TransformedRows).
		Msg("File transformed")
	return resultFromState(state), nil
}

// MergeResult describes a merged raw file.
type MergeResult struct {
	Key      string `json:"key"`
	FromRows int    `json:"from_rows"`
	Rows     int    `json:"rows"`
}

// Merge appends the rows of raw file from onto raw file to. Rows are not
// deduplicated: merging the same pair twice duplicates them.
func (s *Service) Merge(ctx context.Context, from, to string) (*MergeResult, error) {
	if from == to {
		return nil, fmt.Errorf("Merge: %q: %w", from, ErrSameFile)
	}
	fromKey, err := storage.Key(s.rawPrefix, from)
	if err != nil {
		return nil, fmt.Errorf("Merge: %w", err)
	}
	toKey, err := storage.Key(s.rawPrefix, to)
	if err != nil {
		return nil, fmt.Errorf("Merge: %w", err)
	}
	defer s.invalidate()

	log := s.log.With().Str("from", fromKey).Str("to", toKey).Logger()

	fromData, err := s.store.Read(ctx, fromKey)
	if err != nil {
		log.Error().Err(err).Msg("Failed to read merge source")
		return nil, fmt.Errorf("Merge: %w", err)
	}
	toData, err := s.store.Read(ctx, toKey)
	if err != nil {
		log.Error().Err(err).Msg("Failed to read merge target")
		return nil, fmt.Errorf("Merge: %w", err)
	}

	merged, err := transform.Merge(toData, fromData)
	if err != nil {
		return nil, fmt.Errorf("Merge: %w", err)
	}
	mergedTable, err := transform.ParseCSV(merged)
	if err != nil {
		return nil, fmt.Errorf("Merge: %w", err)
	}
	fromTable, err := transform.ParseCSV(fromData)
	if err != nil {
		return nil, fmt.Errorf("Merge: %w", err)
	}

	if err := s.store.Write(ctx, toKey, merged); err != nil {
		log.Error().Err(err).Msg("Failed to write merged file")
		return nil, fmt.Errorf("Merge: %w", err)
	}

	row := ledger.NewRow(ledger.ActionMerge, to)
	row.RawKey = toKey
	row.Backend = s.store.Name()
	row.RawRows = int64(len(mergedTable.Rows))
	if err := s.ledger.Record(ctx, row); err != nil {
		log.Warn().Err(err).Msg("Failed to record merge in ledger")
	}

	log.Info().Int("from_rows", len(fromTable.Rows)).Int("rows", len(mergedTable.Rows)).Msg("Files merged")
	return &MergeResult{Key: toKey, FromRows: len(fromTable.Rows), Rows: len(mergedTable.Rows)}, nil
}

// FileInfo is a stored raw file and whether its transformed version exists.
type FileInfo struct {
	Name        string `json:"name"`
	RawKey      string `json:"raw_key"`
	Transformed bool   `json:"transformed"`
}

// ListRaw lists the raw CSV files.
func (s *Service) ListRaw(ctx context.Context) ([]FileInfo, error) {
	raw, err := s.listCSV(ctx, s.rawPrefix)
	if err != nil {
		return nil, fmt.Errorf("ListRaw: %w", err)
	}
	transformed, err := s.listCSV(ctx, s.transformedPrefix)
	if err != nil {
		return nil, fmt.Errorf("ListRaw: %w", err)
	}

	done := make(map[string]bool, len(transformed))
	for _, key := range transformed {
		done[storage.BaseName(key)] = true
	}

	files := make([]FileInfo, 0, len(raw))
	for _, key := range raw {
		name := storage.BaseName(key)
		files = append(files, FileInfo{Name: name, RawKey: key, Transformed: done[name]})
	}
	return files, nil
}

// ListTransformed lists the transformed CSV file names.
func (s *Service) ListTransformed(ctx context.Context) ([]string, error) {
	keys, err := s.listCSV(ctx, s.transformedPrefix)
	if err != nil {
		return nil, fmt.Errorf("ListTransformed: %w", err)
	}
	names := make([]string, 0, len(keys))
	for _, key := range keys {
		names = append(names, storage.BaseName(key))
	}
	return names, nil
}

func (s *Service) listCSV(ctx context.Context, prefix string) ([]string, error) {
	keys, err := s.store.List(ctx, prefix)
	if err != nil {
		s.log.Error().Err(err).Str("prefix", prefix).Msg("Failed to list files")
		return nil, err
	}
	var out []string
	for _, key := range keys {
		if strings.HasSuffix(key, ".csv") {
			out = append(out, key)
		}
	}
	sort.Strings(out)
	return out, nil
}

// Summary summarizes a stored raw file.
func (s *Service) Summary(ctx context.Context, name string) (*transform.Summary, error) {
	key, err := storage.Key(s.rawPrefix, name)
	if err != nil {
		return nil, fmt.Errorf("Summary: %w", err)
	}
	data, err := s.store.Read(ctx, key)
	if err != nil {
		s.log.Error().Err(err).Str("key", key).Msg("Failed to read raw file")
		return nil, fmt.Errorf("Summary: %w", err)
	}
	t, err := transform.ParseCSV(data)
	if err != nil {
		return nil, fmt.Errorf("Summary: %w", err)
	}
	sum, err := transform.Summarize(t)
	if err != nil {
		return nil, fmt.Errorf("Summary: %w", err)
	}
	return sum, nil
}

// BlacklistedTickers returns the blacklist reason of each symbol that
// transforms drop. Other symbols are left out.
func (s *Service) BlacklistedTickers(symbols []string) map[string]string {
	out := make(map[string]string)
	for _, sym := range symbols {
		if reason, ok := s.tables.Reason(sym); ok {
			out[sym] = reason
		}
	}
	return out
}

// History returns the most recent ledger entries.
func (s *Service) History(ctx context.Context, limit int) ([]*ledger.StoredFileRow, error) {
	rows, err := s.ledger.List(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("History: %w", err)
	}
	return rows, nil
}

func (s *Service) newState(action, filename string) (*PipelineState, error) {
	rawKey, err := storage.Key(s.rawPrefix, filename)
	if err != nil {
		return nil, err
	}
	transformedKey, err := storage.Key(s.transformedPrefix, filename)
	if err != nil {
		return nil, err
	}
	return &PipelineState{
		Action:         action,
		Filename:       filename,
		RawKey:         rawKey,
		TransformedKey: transformedKey,
	}, nil
}
