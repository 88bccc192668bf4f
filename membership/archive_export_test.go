package membership

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestExportAuditArchiveParquetWritesAllRecords(t *testing.T) {
	store := NewInMemoryAuditRetentionStore()
	require.NoError(t, store.Replace("w1", "n1", []AuditRecord{
		{WorldID: "w1", NodeID: "n1", AuditedAtMs: 1, Kind: "rollback", Details: "first"},
		{WorldID: "w1", NodeID: "n1", AuditedAtMs: 2, Kind: "drill", Details: "second"},
	}))

	path := filepath.Join(t.TempDir(), "audit.parquet")
	n, err := ExportAuditArchiveParquet(store, "w1", "n1", path)
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.FileExists(t, path)
}

func TestExportAuditArchiveParquetEmptyStoreStillWritesFile(t *testing.T) {
	store := NewInMemoryAuditRetentionStore()
	path := filepath.Join(t.TempDir(), "empty.parquet")
	n, err := ExportAuditArchiveParquet(store, "w1", "n1", path)
	require.NoError(t, err)
	require.Equal(t, 0, n)
	require.FileExists(t, path)
}
