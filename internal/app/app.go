// Package app assembles the pipeline service from configuration. It is
// shared by the CLI and the API server.
package app

import (
	"context"
	"fmt"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/dvloznov/t212-digrin/internal/broker"
	"github.com/dvloznov/t212-digrin/internal/config"
	"github.com/dvloznov/t212-digrin/internal/ledger"
	"github.com/dvloznov/t212-digrin/internal/pipeline"
	"github.com/dvloznov/t212-digrin/internal/storage"
	"github.com/dvloznov/t212-digrin/internal/tickers"
)

// App holds the service and the resources it owns.
type App struct {
	Service *pipeline.Service
	Store   storage.Store

	closers []func() error
}

// New builds the service. A missing API key is not an error here: file
// actions still work and broker actions fail with config.ErrMissingAPIKey.
func New(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*App, error) {
	a := &App{}

	tables, err := tickers.LoadOrDefault(cfg.TickersFile)
	if err != nil {
		return nil, fmt.Errorf("app.New: %w", err)
	}

	store, closeStore, err := storage.Open(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("app.New: %w", err)
	}
	a.Store = store
	a.closers = append(a.closers, closeStore)

	var exporter broker.Exporter
	if cfg.RequireBrokerKey() == nil {
		client, err := broker.NewClient(cfg.T212BaseURL, cfg.T212APIKey, &http.Client{Timeout: cfg.HTTPTimeout})
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("app.New: %w", err)
		}
		exporter = client
	} else {
		log.Warn().Msg("T212_API_KEY is not set - broker actions are disabled")
	}

	var rec ledger.Recorder = ledger.Nop{}
	if cfg.LedgerEnabled() {
		bq, err := ledger.NewBigQueryLedger(ctx, cfg.BQProject, cfg.BQDataset, cfg.BQTable)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("app.New: %w", err)
		}
		rec = bq
		a.closers = append(a.closers, bq.Close)
	}

	svc, err := pipeline.NewService(pipeline.Options{
		Exporter:          exporter,
		Store:             store,
		Tickers:           tables,
		Ledger:            rec,
		RawPrefix:         cfg.RawPrefix,
		TransformedPrefix: cfg.TransformedPrefix,
		Logger:            log,
	})
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("app.New: %w", err)
	}
	a.Service = svc

	log.Info().
		Str("store", store.Name()).
		Bool("broker", exporter != nil).
		Bool("ledger", cfg.LedgerEnabled()).
		Int("blacklist", len(tables.Blacklist())).
		Int("remap", tables.RemapSize()).
		Msg("Application initialized")
	return a, nil
}

// Close releases the storage and ledger clients.
func (a *App) Close() error {
	var firstErr error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	a.closers = nil
	return firstErr
}
