package membership

import (
	"fmt"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func setupColdArchiveDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file::memory:?cache=shared"), &gorm.Config{})
	if err != nil {
		t.Fatalf("sqlite open: %v", err)
	}
	if err := AutoMigrateColdArchive(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func TestColdAuditStoreListEmptyInitially(t *testing.T) {
	store := NewColdAuditStore(setupColdArchiveDB(t))
	records, err := store.List("w1", "n1")
	require.NoError(t, err)
	require.Empty(t, records)
}

func TestColdAuditStoreReplaceAndListOrdersByTime(t *testing.T) {
	store := NewColdAuditStore(setupColdArchiveDB(t))
	require.NoError(t, store.Replace("w1", "n1", []AuditRecord{
		{WorldID: "w1", NodeID: "n1", AuditedAtMs: 200, Kind: "b"},
		{WorldID: "w1", NodeID: "n1", AuditedAtMs: 100, Kind: "a"},
	}))

	records, err := store.List("w1", "n1")
	require.NoError(t, err)
	require.Len(t, records, 2)
	require.Equal(t, "a", records[0].Kind)
	require.Equal(t, "b", records[1].Kind)
}

func TestColdAuditStoreReplaceClearsPreviousGeneration(t *testing.T) {
	store := NewColdAuditStore(setupColdArchiveDB(t))
	require.NoError(t, store.Replace("w1", "n1", []AuditRecord{{WorldID: "w1", NodeID: "n1", AuditedAtMs: 1, Kind: "old"}}))
	require.NoError(t, store.Replace("w1", "n1", []AuditRecord{{WorldID: "w1", NodeID: "n1", AuditedAtMs: 2, Kind: "new"}}))

	records, err := store.List("w1", "n1")
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, "new", records[0].Kind)
}

func TestColdAuditStoreIsolatedPerWorldAndNode(t *testing.T) {
	store := NewColdAuditStore(setupColdArchiveDB(t))
	require.NoError(t, store.Replace("w1", "n1", []AuditRecord{{WorldID: "w1", NodeID: "n1", AuditedAtMs: 1, Kind: "a"}}))
	require.NoError(t, store.Replace("w1", "n2", []AuditRecord{{WorldID: "w1", NodeID: "n2", AuditedAtMs: 1, Kind: "b"}}))

	n1, err := store.List("w1", "n1")
	require.NoError(t, err)
	require.Len(t, n1, 1)
	require.Equal(t, "a", n1[0].Kind)
}

type failingReplaceStore struct {
	AuditRetentionStore
	failOnReplace bool
}

func (f *failingReplaceStore) Replace(worldID, nodeID string, records []AuditRecord) error {
	if f.failOnReplace {
		return fmt.Errorf("simulated hot-tier replace failure")
	}
	return f.AuditRetentionStore.Replace(worldID, nodeID, records)
}

func TestOffloadTieredAuditArchiveByAge(t *testing.T) {
	hot := NewInMemoryAuditRetentionStore()
	cold := NewColdAuditStore(setupColdArchiveDB(t))
	require.NoError(t, hot.Replace("w1", "n1", []AuditRecord{
		{WorldID: "w1", NodeID: "n1", AuditedAtMs: 0, Kind: "ancient"},
		{WorldID: "w1", NodeID: "n1", AuditedAtMs: 9_900, Kind: "recent"},
	}))

	policy := TieredOffloadPolicy{HotMaxRecords: 100, OffloadMinAgeMs: 1000, MaxOffloadRecords: 100}
	report, err := OffloadTieredAuditArchive("w1", "n1", 10_000, policy, hot, cold)
	require.NoError(t, err)
	require.Equal(t, 1, report.Offloaded)
	require.Equal(t, 1, report.OffloadedByAge)
	require.Equal(t, 0, report.OffloadedByCapacity)

	hotRecords, err := hot.List("w1", "n1")
	require.NoError(t, err)
	require.Len(t, hotRecords, 1)
	require.Equal(t, "recent", hotRecords[0].Kind)

	coldRecords, err := cold.List("w1", "n1")
	require.NoError(t, err)
	require.Len(t, coldRecords, 1)
	require.Equal(t, "ancient", coldRecords[0].Kind)
}

func TestOffloadTieredAuditArchiveByCapacity(t *testing.T) {
	hot := NewInMemoryAuditRetentionStore()
	cold := NewColdAuditStore(setupColdArchiveDB(t))
	require.NoError(t, hot.Replace("w1", "n1", []AuditRecord{
		{WorldID: "w1", NodeID: "n1", AuditedAtMs: 9_990, Kind: "r1"},
		{WorldID: "w1", NodeID: "n1", AuditedAtMs: 9_991, Kind: "r2"},
		{WorldID: "w1", NodeID: "n1", AuditedAtMs: 9_992, Kind: "r3"},
	}))

	policy := TieredOffloadPolicy{HotMaxRecords: 1, OffloadMinAgeMs: 100_000, MaxOffloadRecords: 100}
	report, err := OffloadTieredAuditArchive("w1", "n1", 10_000, policy, hot, cold)
	require.NoError(t, err)
	require.Equal(t, 2, report.Offloaded)
	require.Equal(t, 0, report.OffloadedByAge)
	require.Equal(t, 2, report.OffloadedByCapacity)

	hotRecords, err := hot.List("w1", "n1")
	require.NoError(t, err)
	require.Len(t, hotRecords, 1)
}

func TestOffloadTieredAuditArchiveRateLimited(t *testing.T) {
	hot := NewInMemoryAuditRetentionStore()
	cold := NewColdAuditStore(setupColdArchiveDB(t))
	require.NoError(t, hot.Replace("w1", "n1", []AuditRecord{
		{WorldID: "w1", NodeID: "n1", AuditedAtMs: 0, Kind: "r1"},
		{WorldID: "w1", NodeID: "n1", AuditedAtMs: 1, Kind: "r2"},
		{WorldID: "w1", NodeID: "n1", AuditedAtMs: 2, Kind: "r3"},
	}))

	policy := TieredOffloadPolicy{HotMaxRecords: 100, OffloadMinAgeMs: 1, MaxOffloadRecords: 1}
	report, err := OffloadTieredAuditArchive("w1", "n1", 10_000, policy, hot, cold)
	require.NoError(t, err)
	require.Equal(t, 1, report.Offloaded)
	require.Equal(t, 2, report.KeptDueToRateLimit)

	hotRecords, err := hot.List("w1", "n1")
	require.NoError(t, err)
	require.Len(t, hotRecords, 2)
}

func TestOffloadTieredAuditArchiveNoOpWhenNothingSelected(t *testing.T) {
	hot := NewInMemoryAuditRetentionStore()
	cold := NewColdAuditStore(setupColdArchiveDB(t))
	require.NoError(t, hot.Replace("w1", "n1", []AuditRecord{
		{WorldID: "w1", NodeID: "n1", AuditedAtMs: 9_999, Kind: "recent"},
	}))

	policy := TieredOffloadPolicy{HotMaxRecords: 100, OffloadMinAgeMs: 1000, MaxOffloadRecords: 100}
	report, err := OffloadTieredAuditArchive("w1", "n1", 10_000, policy, hot, cold)
	require.NoError(t, err)
	require.Equal(t, 0, report.Offloaded)

	hotRecords, err := hot.List("w1", "n1")
	require.NoError(t, err)
	require.Len(t, hotRecords, 1)
}

func TestOffloadTieredAuditArchiveRollsBackColdOnHotFailure(t *testing.T) {
	realHot := NewInMemoryAuditRetentionStore()
	require.NoError(t, realHot.Replace("w1", "n1", []AuditRecord{
		{WorldID: "w1", NodeID: "n1", AuditedAtMs: 0, Kind: "ancient"},
	}))
	hot := &failingReplaceStore{AuditRetentionStore: realHot, failOnReplace: true}
	cold := NewColdAuditStore(setupColdArchiveDB(t))
	require.NoError(t, cold.Replace("w1", "n1", []AuditRecord{
		{WorldID: "w1", NodeID: "n1", AuditedAtMs: -100, Kind: "already-cold"},
	}))

	policy := TieredOffloadPolicy{HotMaxRecords: 100, OffloadMinAgeMs: 1000, MaxOffloadRecords: 100}
	_, err := OffloadTieredAuditArchive("w1", "n1", 10_000, policy, hot, cold)
	require.Error(t, err)

	coldAfter, listErr := cold.List("w1", "n1")
	require.NoError(t, listErr)
	require.Len(t, coldAfter, 1, "cold tier must be rolled back to its pre-offload snapshot")
	require.Equal(t, "already-cold", coldAfter[0].Kind)
}

func TestOffloadTieredAuditArchiveRejectsInvalidPolicy(t *testing.T) {
	hot := NewInMemoryAuditRetentionStore()
	cold := NewColdAuditStore(setupColdArchiveDB(t))
	_, err := OffloadTieredAuditArchive("w1", "n1", 0, TieredOffloadPolicy{}, hot, cold)
	require.Error(t, err)
}
