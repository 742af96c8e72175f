package pipeline

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/dvloznov/t212-digrin/internal/broker"
	"github.com/dvloznov/t212-digrin/internal/ledger"
	"github.com/dvloznov/t212-digrin/internal/storage"
	"github.com/dvloznov/t212-digrin/internal/transform"
)

// PipelineStep represents a single step in the export pipeline.
type PipelineStep interface {
	Execute(ctx context.Context, state *PipelineState) error
}

// PipelineState holds the shared state across all pipeline steps.
type PipelineState struct {
	Action   string // ledger action of the run
	Job      broker.ExportJob
	Filename string

	RawKey         string
	TransformedKey string

	Raw         []byte
	Transformed []byte

	RawRows         int
	TransformedRows int
}

// DownloadExportStep fetches the CSV of a finished export job.
type DownloadExportStep struct {
	Exporter broker.Exporter
}

func (s *DownloadExportStep) Execute(ctx context.Context, state *PipelineState) error {
	if !state.Job.IsFinished() {
		return fmt.Errorf("export %d: %w", state.Job.ReportID, ErrExportNotReady)
	}
	data, err := s.Exporter.Download(ctx, state.Job.DownloadLink)
	if err != nil {
		return err
	}
	state.Raw = data
	return nil
}

// LoadRawStep reads a previously stored raw file.
type LoadRawStep struct {
	Store storage.Store
}

func (s *LoadRawStep) Execute(ctx context.Context, state *PipelineState) error {
	data, err := s.Store.Read(ctx, state.RawKey)
	if err != nil {
		return err
	}
	state.Raw = data
	return nil
}

// StoreRawStep writes the downloaded bytes unchanged.
type StoreRawStep struct {
	Store storage.Store
}

func (s *StoreRawStep) Execute(ctx context.Context, state *PipelineState) error {
	return s.Store.Write(ctx, state.RawKey, state.Raw)
}

// TransformStep filters and remaps the raw file.
type TransformStep struct {
	Transformer *transform.Transformer
}

func (s *TransformStep) Execute(ctx context.Context, state *PipelineState) error {
	in, err := transform.ParseCSV(state.Raw)
	if err != nil {
		return err
	}
	out, err := s.Transformer.TransformTable(in)
	if err != nil {
		return err
	}
	data, err := out.Encode()
	if err != nil {
		return err
	}
	state.Transformed = data
	state.RawRows = len(in.Rows)
	state.TransformedRows = len(out.Rows)
	return nil
}

// StoreTransformedStep writes the transformed file.
type StoreTransformedStep struct {
	Store storage.Store
}

func (s *StoreTransformedStep) Execute(ctx context.Context, state *PipelineState) error {
	return s.Store.Write(ctx, state.TransformedKey, state.Transformed)
}

// RecordLedgerStep records the stored pair. A ledger failure is logged and
// does not fail the run.
type RecordLedgerStep struct {
	Ledger  ledger.Recorder
	Backend string
	Log     zerolog.Logger
}

func (s *RecordLedgerStep) Execute(ctx context.Context, state *PipelineState) error {
	row := ledger.NewRow(state.Action, state.Filename)
	row.ReportID = state.Job.ReportID
	row.RawKey = state.RawKey
	row.TransformedKey = state.TransformedKey
	row.Backend = s.Backend
	row.RawRows = int64(state.RawRows)
	row.TransformedRows = int64(state.TransformedRows)

	if err := s.Ledger.Record(ctx, row); err != nil {
		s.Log.Warn().Err(err).
			Str("filename", state.Filename).
			Str("action", state.Action).
			Msg("Failed to record stored file in ledger")
	}
	return nil
}

// Pipeline executes a sequence of steps in order.
type Pipeline struct {
	steps []PipelineStep
}

// NewPipeline creates a new pipeline with the given steps.
func NewPipeline(steps ...PipelineStep) *Pipeline {
	return &Pipeline{steps: steps}
}

// Execute runs all steps in the pipeline sequentially.
func (p *Pipeline) Execute(ctx context.Context, state *PipelineState) error {
	for i, step := range p.steps {
		if err := step.Execute(ctx, state); err != nil {
			return fmt.Errorf("pipeline step %d failed: %w", i+1, err)
		}
	}
	return nil
}
