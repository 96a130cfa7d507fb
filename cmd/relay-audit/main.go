package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"time"

	"gasrelay/observability/logging"
	"gasrelay/storage/audit"
)

func main() {
	dsn := flag.String("dsn", "", "audit database DSN (postgres:// URL or SQLite path)")
	out := flag.String("out", "executions.parquet", "parquet output path")
	requester := flag.String("requester", "", "only export requests from this address")
	network := flag.Uint64("network", 0, "only export requests on this chain id")
	status := flag.String("status", "", "only export executed or failed requests")
	since := flag.String("since", "", "RFC3339 lower bound on finalization time")
	until := flag.String("until", "", "RFC3339 upper bound on finalization time")
	limit := flag.Int("limit", 0, "maximum rows to export")
	env := flag.String("env", os.Getenv("GASRELAY_ENV"), "environment label for log lines")
	flag.Parse()

	logger := logging.Setup("relay-audit", *env)

	filter := audit.Filter{Requester: *requester, Network: *network, Status: *status, Limit: *limit}
	var err error
	if filter.Since, err = parseTime(*since); err != nil {
		fail(logger, "invalid -since", err)
	}
	if filter.Until, err = parseTime(*until); err != nil {
		fail(logger, "invalid -until", err)
	}

	db, err := audit.Open(*dsn)
	if err != nil {
		fail(logger, "open audit database", err)
	}
	rows, err := audit.NewRecorder(db, logger).ExportParquet(context.Background(), *out, filter)
	if err != nil {
		fail(logger, "export parquet", err)
	}
	logger.Info("export complete", slog.Int("rows", rows), slog.String("path", *out))
}

func parseTime(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, raw)
}

func fail(logger *slog.Logger, msg string, err error) {
	logger.Error(msg, slog.Any("error", err))
	os.Exit(1)
}
