package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"sort"
	"strconv"
	"text/tabwriter"
	"time"

	"cloud.google.com/go/civil"
	"github.com/rs/zerolog"

	"github.com/dvloznov/t212-digrin/internal/app"
	"github.com/dvloznov/t212-digrin/internal/config"
	"github.com/dvloznov/t212-digrin/internal/logger"
	"github.com/dvloznov/t212-digrin/internal/pipeline"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cfg, err := config.Load()
	if err != nil {
		log := logger.New()
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	log := logger.NewWithLevel(cfg.LogLevel)

	// Commands return instead of exiting so their deferred cleanup runs.
	switch os.Args[1] {
	case "exports":
		err = runExports(cfg, log)
	case "export":
		err = runExport(cfg, log)
	case "download":
		err = runDownload(cfg, log)
	case "transform":
		err = runTransform(cfg, log)
	case "merge":
		err = runMerge(cfg, log)
	case "files":
		err = runFiles(cfg, log)
	case "summary":
		err = runSummary(cfg, log)
	case "history":
		err = runHistory(cfg, log)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		log.Fatal().Err(err).Str("command", os.Args[1]).Msg("Command failed")
	}
}

func printUsage() {
	fmt.Println("T212 to Digrin converter CLI")
	fmt.Println("\nUsage:")
	fmt.Println("  cli <command> [options]")
	fmt.Println("\nCommands:")
	fmt.Println("  exports    List broker exports")
	fmt.Println("  export     Request a new export for a period")
	fmt.Println("  download   Download a finished export and transform it")
	fmt.Println("  transform  Transform a stored raw file")
	fmt.Println("  merge      Append one raw file to another")
	fmt.Println("  files      List stored raw and transformed files")
	fmt.Println("  summary    Summarize a stored raw file")
	fmt.Println("  history    Show recently stored files from the ledger")
	fmt.Println("  help       Show this help message")
	fmt.Println("\nRun 'cli <command> -h' for more information on a command.")
}

// setup builds the service with a bounded context for one command. The
// returned func releases both.
func setup(cfg *config.Config, log zerolog.Logger) (context.Context, *pipeline.Service, func(), error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	ctx = logger.WithContext(ctx, log)

	application, err := app.New(ctx, cfg, log)
	if err != nil {
		cancel()
		return nil, nil, nil, fmt.Errorf("initialize application: %w", err)
	}
	return ctx, application.Service, func() {
		if err := application.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close application")
		}
		cancel()
	}, nil
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func runExports(cfg *config.Config, log zerolog.Logger) error {
	fs := flag.NewFlagSet("exports", flag.ExitOnError)
	asJSON := fs.Bool("json", false, "Print JSON instead of a table")
	fs.Parse(os.Args[2:])

	ctx, svc, done, err := setup(cfg, log)
	if err != nil {
		return err
	}
	defer done()

	jobs, err := svc.Exports(ctx)
	if err != nil {
		return fmt.Errorf("list exports: %w", err)
	}
	if *asJSON {
		return printJSON(jobs)
	}
	if len(jobs) == 0 {
		fmt.Println("No exports.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "REPORT\tSTATUS\tFROM\tTO\tDOWNLOADABLE")
	for _, j := range jobs {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%t\n", j.ReportID, j.Status, j.TimeFrom, j.TimeTo, j.IsFinished())
	}
	if err := w.Flush(); err != nil {
		return err
	}
	fmt.Printf("\nFetched at %s\n", svc.ExportsFetchedAt().Format(time.RFC3339))
	return nil
}

func runExport(cfg *config.Config, log zerolog.Logger) error {
	fs := flag.NewFlagSet("export", flag.ExitOnError)
	fromStr := fs.String("from", "", "First day, YYYY-MM-DD (default: day after the last stored transaction)")
	toStr := fs.String("to", "", "Last day, YYYY-MM-DD (default: today)")
	fs.Parse(os.Args[2:])

	ctx, svc, done, err := setup(cfg, log)
	if err != nil {
		return err
	}
	defer done()

	from, to, err := svc.DefaultPeriod(ctx)
	if err != nil {
		return fmt.Errorf("compute default period: %w", err)
	}
	if *fromStr != "" {
		if from, err = civil.ParseDate(*fromStr); err != nil {
			return fmt.Errorf("invalid -from date: %w", err)
		}
	}
	if *toStr != "" {
		if to, err = civil.ParseDate(*toStr); err != nil {
			return fmt.Errorf("invalid -to date: %w", err)
		}
	}

	id, err := svc.CreateExport(ctx, from, to)
	if err != nil {
		return fmt.Errorf("create export: %w", err)
	}
	fmt.Printf("Requested export %d for %s .. %s\n", id, from, to)
	return nil
}

func runDownload(cfg *config.Config, log zerolog.Logger) error {
	fs := flag.NewFlagSet("download", flag.ExitOnError)
	reportID := fs.String("report-id", "", "Report ID of a finished export")
	filename := fs.String("filename", "", "Stored file name (default: {reportId}_{from}_{to}.csv)")
	fs.Parse(os.Args[2:])

	id, err := strconv.ParseInt(*reportID, 10, 64)
	if err != nil {
		return errors.New("-report-id is required and must be a number")
	}

	ctx, svc, done, err := setup(cfg, log)
	if err != nil {
		return err
	}
	defer done()

	res, err := svc.Download(ctx, id, *filename)
	if err != nil {
		return fmt.Errorf("download: %w", err)
	}
	fmt.Printf("Downloaded %s (%d rows) and transformed to %s (%d rows)\n",
		res.RawKey, res.RawRows, res.TransformedKey, res.TransformedRows)
	return nil
}

func runTransform(cfg *config.Config, log zerolog.Logger) error {
	fs := flag.NewFlagSet("transform", flag.ExitOnError)
	name := fs.String("name", "", "Raw file name")
	fs.Parse(os.Args[2:])

	if *name == "" {
		return errors.New("-name is required")
	}

	ctx, svc, done, err := setup(cfg, log)
	if err != nil {
		return err
	}
	defer done()

	res, err := svc.TransformFile(ctx, *name)
	if err != nil {
		return fmt.Errorf("transform: %w", err)
	}
	fmt.Printf("Transformed %s to %s: kept %d of %d rows\n",
		res.RawKey, res.TransformedKey, res.TransformedRows, res.RawRows)
	return nil
}

func runMerge(cfg *config.Config, log zerolog.Logger) error {
	fs := flag.NewFlagSet("merge", flag.ExitOnError)
	from := fs.String("from", "", "Raw file whose rows are appended")
	to := fs.String("to", "", "Raw file to append to")
	fs.Parse(os.Args[2:])

	if *from == "" || *to == "" {
		return errors.New("usage: cli merge -from NAME -to NAME")
	}

	ctx, svc, done, err := setup(cfg, log)
	if err != nil {
		return err
	}
	defer done()

	res, err := svc.Merge(ctx, *from, *to)
	if err != nil {
		return fmt.Errorf("merge: %w", err)
	}
	fmt.Printf("Appended %d rows to %s (%d rows total). Rows are not deduplicated.\n",
		res.FromRows, res.Key, res.Rows)
	return nil
}

func runFiles(cfg *config.Config, log zerolog.Logger) error {
	fs := flag.NewFlagSet("files", flag.ExitOnError)
	fs.Parse(os.Args[2:])

	ctx, svc, done, err := setup(cfg, log)
	if err != nil {
		return err
	}
	defer done()

	files, err := svc.ListRaw(ctx)
	if err != nil {
		return fmt.Errorf("list files: %w", err)
	}
	if len(files) == 0 {
		fmt.Printf("No raw files under %s.\n", cfg.RawPrefix)
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "FILE\tTRANSFORMED")
	for _, f := range files {
		fmt.Fprintf(w, "%s\t%t\n", f.Name, f.Transformed)
	}
	return w.Flush()
}

func runSummary(cfg *config.Config, log zerolog.Logger) error {
	fs := flag.NewFlagSet("summary", flag.ExitOnError)
	name := fs.String("name", "", "Raw file name")
	fs.Parse(os.Args[2:])

	if *name == "" {
		return errors.New("-name is required")
	}

	ctx, svc, done, err := setup(cfg, log)
	if err != nil {
		return err
	}
	defer done()

	sum, err := svc.Summary(ctx, *name)
	if err != nil {
		return fmt.Errorf("summarize file: %w", err)
	}

	fmt.Printf("File:  %s\n", *name)
	fmt.Printf("Rows:  %d\n", sum.Rows)
	if !sum.First.IsZero() {
		fmt.Printf("Range: %s .. %s\n", sum.First, sum.Last)
	}

	actions := make([]string, 0, len(sum.Actions))
	for action := range sum.Actions {
		actions = append(actions, action)
	}
	sort.Strings(actions)
	fmt.Println("\nActions:")
	for _, action := range actions {
		fmt.Printf("  %-30s %d\n", action, sum.Actions[action])
	}

	if len(sum.NetShares) > 0 {
		symbols := sum.Tickers()
		dropped := svc.BlacklistedTickers(symbols)
		fmt.Println("\nNet shares:")
		for _, ticker := range symbols {
			line := fmt.Sprintf("  %-10s %s", ticker, sum.NetShares[ticker].String())
			if reason, ok := dropped[ticker]; ok {
				line += fmt.Sprintf("  (dropped: %s)", reason)
			}
			fmt.Println(line)
		}
	}
	return nil
}

func runHistory(cfg *config.Config, log zerolog.Logger) error {
	fs := flag.NewFlagSet("history", flag.ExitOnError)
	limit := fs.Int("limit", 20, "Number of entries")
	fs.Parse(os.Args[2:])

	if !cfg.LedgerEnabled() {
		fmt.Println("Ledger is disabled (set BQ_PROJECT to enable it).")
		return nil
	}

	ctx, svc, done, err := setup(cfg, log)
	if err != nil {
		return err
	}
	defer done()

	rows, err := svc.History(ctx, *limit)
	if err != nil {
		return fmt.Errorf("read history: %w", err)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "STORED\tACTION\tFILE\tRAW ROWS\tTRANSFORMED ROWS")
	for _, r := range rows {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\n",
			r.StoredAt.Format(time.RFC3339), r.Action, r.Filename, r.RawRows, r.TransformedRows)
	}
	return w.Flush()
}
