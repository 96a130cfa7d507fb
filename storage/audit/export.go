package audit

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/xitongsys/parquet-go-source/writerfile"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"
)

type parquetRow struct {
	RequestID   int64  `parquet:"name=request_id, type=INT64"`
	Requester   string `parquet:"name=requester, type=BYTE_ARRAY, convertedtype=UTF8"`
	Network     int64  `parquet:"name=network, type=INT64"`
	Target      string `parquet:"name=target, type=BYTE_ARRAY, convertedtype=UTF8"`
	Asset       string `parquet:"name=asset, type=BYTE_ARRAY, convertedtype=UTF8"`
	Status      string `parquet:"name=status, type=BYTE_ARRAY, convertedtype=UTF8"`
	Reason      string `parquet:"name=reason, type=BYTE_ARRAY, convertedtype=UTF8"`
	GasUsed     int64  `parquet:"name=gas_used, type=INT64"`
	GasCost     string `parquet:"name=gas_cost, type=BYTE_ARRAY, convertedtype=UTF8"`
	PlatformFee string `parquet:"name=platform_fee, type=BYTE_ARRAY, convertedtype=UTF8"`
	ProviderFee string `parquet:"name=provider_fee, type=BYTE_ARRAY, convertedtype=UTF8"`
	Refund      string `parquet:"name=refund, type=BYTE_ARRAY, convertedtype=UTF8"`
	DurationMs  int64  `parquet:"name=duration_ms, type=INT64"`
	FinalizedAt string `parquet:"name=finalized_at, type=BYTE_ARRAY, convertedtype=UTF8"`
}

// ExportParquet writes the matching records to path and returns the row
// count.
func (r *Recorder) ExportParquet(ctx context.Context, path string, f Filter) (int, error) {
	records, err := r.List(ctx, f)
	if err != nil {
		return 0, err
	}
	file, err := os.Create(path)
	if err != nil {
		return 0, fmt.Errorf("audit: create parquet: %w", err)
	}
	fw := writerfile.NewWriterFile(file)
	pw, err := writer.NewParquetWriter(fw, new(parquetRow), 1)
	if err != nil {
		file.Close()
		return 0, fmt.Errorf("audit: parquet schema: %w", err)
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for _, rec := range records {
		row := &parquetRow{
			RequestID:   int64(rec.RequestID),
			Requester:   rec.Requester,
			Network:     int64(rec.Network),
			Target:      rec.Target,
			Asset:       rec.Asset,
			Status:      rec.Status,
			Reason:      rec.Reason,
			GasUsed:     int64(rec.GasUsed),
			GasCost:     rec.GasCost,
			PlatformFee: rec.PlatformFee,
			ProviderFee: rec.ProviderFee,
			Refund:      rec.Refund,
			DurationMs:  rec.DurationMs,
			FinalizedAt: rec.FinalizedAt.UTC().Format(time.RFC3339Nano),
		}
		if err := pw.Write(row); err != nil {
			pw.WriteStop()
			file.Close()
			return 0, fmt.Errorf("audit: write parquet row: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		file.Close()
		return 0, fmt.Errorf("audit: finalize parquet: %w", err)
	}
	if err := file.Close(); err != nil {
		return 0, fmt.Errorf("audit: close parquet: %w", err)
	}
	return len(records), nil
}
