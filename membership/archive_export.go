package membership

import (
	"fmt"
	"os"

	"github.com/xitongsys/parquet-go-source/writerfile"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"
)

// auditParquetRow is the on-disk schema for an exported audit record.
type auditParquetRow struct {
	WorldID     string `parquet:"name=world_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	NodeID      string `parquet:"name=node_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	AuditedAtMs int64  `parquet:"name=audited_at_ms, type=INT64"`
	Kind        string `parquet:"name=kind, type=BYTE_ARRAY, convertedtype=UTF8"`
	Details     string `parquet:"name=details, type=BYTE_ARRAY, convertedtype=UTF8"`
}

// ExportAuditArchiveParquet writes the cold tier's current audit records for
// (worldID, nodeID) to a Parquet file at path, supplementing the retention
// policy with a durable, query-friendly export format for offline analysis.
func ExportAuditArchiveParquet(store AuditRetentionStore, worldID, nodeID, path string) (int, error) {
	records, err := store.List(worldID, nodeID)
	if err != nil {
		return 0, err
	}

	file, err := os.Create(path)
	if err != nil {
		return 0, fmt.Errorf("membership: create parquet export: %w", err)
	}
	fw := writerfile.NewWriterFile(file)
	pw, err := writer.NewParquetWriter(fw, new(auditParquetRow), 1)
	if err != nil {
		file.Close()
		return 0, fmt.Errorf("membership: parquet schema: %w", err)
	}
	pw.RowGroupSize = 32 * 1024 * 1024
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for _, r := range records {
		row := &auditParquetRow{WorldID: r.WorldID, NodeID: r.NodeID, AuditedAtMs: r.AuditedAtMs, Kind: r.Kind, Details: r.Details}
		if err := pw.Write(row); err != nil {
			pw.WriteStop()
			file.Close()
			return 0, fmt.Errorf("membership: parquet write: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		file.Close()
		return 0, fmt.Errorf("membership: parquet flush: %w", err)
	}
	if err := file.Close(); err != nil {
		return 0, fmt.Errorf("membership: close parquet export: %w", err)
	}
	return len(records), nil
}
