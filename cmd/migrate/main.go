package main

import (
	"context"
	"flag"
	"time"

	"github.com/dvloznov/t212-digrin/internal/config"
	"github.com/dvloznov/t212-digrin/internal/ledger"
	"github.com/dvloznov/t212-digrin/internal/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log := logger.New()
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	var (
		projectID = flag.String("project", cfg.BQProject, "GCP project ID (or set BQ_PROJECT env)")
		datasetID = flag.String("dataset", cfg.BQDataset, "BigQuery dataset ID")
		tableID   = flag.String("table", cfg.BQTable, "Ledger table ID")
	)
	flag.Parse()

	log := logger.NewWithLevel(cfg.LogLevel)

	// Validate required flags
	if *projectID == "" {
		log.Fatal().Msg("Error: -project flag is required. Please specify your GCP project ID.")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	l, err := ledger.NewBigQueryLedger(ctx, *projectID, *datasetID, *tableID)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create BigQuery client")
	}
	defer l.Close()

	log.Info().
		Str("project", *projectID).
		Str("dataset", *datasetID).
		Str("table", *tableID).
		Msg("Ensuring ledger table")

	if err := l.EnsureTable(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to ensure ledger table")
	}

	log.Info().Msg("Ledger table is ready")
}
