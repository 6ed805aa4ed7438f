package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	"kharcha/internal/aggregate"
	"kharcha/internal/auth"
	"kharcha/internal/cli"
	"kharcha/internal/core"
	"kharcha/internal/currency"
	"kharcha/internal/export"
	"kharcha/internal/history"
	"kharcha/internal/log"
)

// Upper bound on rows fetched for one month.
const monthLimit = 1000

func main() {
	now := time.Now()
	kindStr := flag.String("kind", "expense", "expense or income")
	year := flag.Int("year", now.Year(), "year to export")
	month := flag.Int("month", int(now.Month()), "month to export (1-12)")
	code := flag.String("currency", "", "display currency (default DEFAULT_CURRENCY)")
	format := flag.String("format", "csv", "csv or sheets")
	out := flag.String("out", "", "CSV output path (default the download file name)")
	sheet := flag.String("sheet", "", "sheet tab name (default <kind>-YYYY-MM)")
	userID := flag.String("user", "", "user id to export (required)")
	flag.Parse()

	cfg := cli.LoadConfig()
	logger := cli.SetupLogger(cfg, log.ComponentExport)

	var extra []func() error
	if *format == "sheets" {
		extra = append(extra, cfg.ValidateExport)
	}
	cli.MustValidate(logger, cfg, extra...)

	if *userID == "" {
		logger.Error("--user is required")
		os.Exit(2)
	}
	if *format != "csv" && *format != "sheets" {
		logger.Error("Unknown export format", "format", *format)
		os.Exit(2)
	}
	kind, err := core.ParseKind(*kindStr)
	if err != nil {
		logger.Error("Invalid kind", log.FieldError, err)
		os.Exit(2)
	}
	if *month < 1 || *month > 12 {
		logger.Error("Invalid month", log.FieldMonth, *month)
		os.Exit(2)
	}
	if *code == "" {
		*code = cfg.DefaultCurrency
	}
	target, err := currency.ParseSupported(*code)
	if err != nil {
		logger.Error("Invalid currency", log.FieldError, err)
		os.Exit(2)
	}

	ctx, cancel := cli.ShutdownContext(logger)
	defer cancel()
	ctx, timeoutCancel := context.WithTimeout(ctx, 2*time.Minute)
	defer timeoutCancel()

	sess := auth.Session{UserID: *userID, AccessToken: cfg.HistoryServiceToken}
	historyClient := history.NewClient(cfg.HistoryAPIURL, cfg.UpstreamTimeout, logger)

	start, end := core.MonthRange(*year, *month)
	rows, err := historyClient.TransactionsInRange(ctx, sess, start, end, monthLimit)
	if err != nil {
		logger.Error("Failed to fetch transactions", log.FieldError, err, log.FieldUserID, *userID)
		os.Exit(1)
	}
	aggs, report := aggregate.ByCategory(rows, kind)
	report.Log(ctx, log.NewStructuredLogger(logger), log.OpExport)

	// Base amounts are still written when rates are unreachable.
	rates := currency.NewNormalizer(currency.Base,
		currency.NewHTTPProvider(cfg.RatesAPIURL, &http.Client{Timeout: cfg.UpstreamTimeout}),
		currency.WithLogger(logger))
	if err := rates.Refresh(ctx); err != nil {
		logger.Warn("Exchange rates unavailable, exporting base amounts", log.FieldError, err)
	}

	table := export.CategoryTable(kind, aggs, target, rates)

	switch *format {
	case "csv":
		path := *out
		if path == "" {
			path = export.FileName(kind, now)
		}
		if err := writeFile(path, table); err != nil {
			logger.Error("Failed to write CSV", log.FieldError, err, "path", path)
			os.Exit(1)
		}
		logger.Info("CSV written", "path", path, "rows", len(aggs), log.FieldOperation, log.OpExport)
	case "sheets":
		name := *sheet
		if name == "" {
			name = fmt.Sprintf("%s-%04d-%02d", kind.String(), *year, *month)
		}
		exp, err := export.NewSheetsExporter(ctx, cfg.GoogleSpreadsheetID, export.Credentials{
			JSON: cfg.GoogleServiceAccountJSON,
			File: cfg.GoogleServiceAccountFile,
		}, logger)
		if err != nil {
			logger.Error("Failed to create Sheets exporter", log.FieldError, err)
			os.Exit(1)
		}
		rng, err := exp.Export(ctx, name, table)
		if err != nil {
			logger.Error("Failed to export to Sheets", log.FieldError, err)
			os.Exit(1)
		}
		logger.Info("Sheet written", "range", rng, log.FieldOperation, log.OpExport)
	}
}

func writeFile(path string, t export.Table) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := export.WriteCSV(f, t); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
