package membership

import (
	"fmt"
	"strings"

	glebarezsqlite "github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

// OpenColdArchiveDB opens the cold-tier database from a DSN. A dsn beginning
// with "postgres://" or "postgresql://" uses gorm's postgres driver;
// anything else is treated as a sqlite file path, driven by glebarez/sqlite's
// pure-Go (modernc.org/sqlite-backed) dialector, so standing up a cold
// archive never requires a cgo toolchain on the operator's machine.
func OpenColdArchiveDB(dsn string) (*gorm.DB, error) {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
		if err != nil {
			return nil, fmt.Errorf("membership: open postgres cold archive: %w", err)
		}
		return db, nil
	}
	db, err := gorm.Open(glebarezsqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("membership: open sqlite cold archive: %w", err)
	}
	return db, nil
}

// ColdAuditRecord is the gorm row backing a world/node's cold-tier audit
// archive: the durable destination for records offloaded out of the
// in-memory hot tier.
type ColdAuditRecord struct {
	ID          uint   `gorm:"primaryKey;autoIncrement"`
	WorldID     string `gorm:"size:128;index"`
	NodeID      string `gorm:"size:128;index"`
	AuditedAtMs int64  `gorm:"index"`
	Kind        string `gorm:"size:64"`
	Details     string `gorm:"type:text"`
}

// AutoMigrateColdArchive creates the cold-tier audit table.
func AutoMigrateColdArchive(db *gorm.DB) error {
	return db.AutoMigrate(&ColdAuditRecord{})
}

// ColdAuditStore is a gorm-backed AuditRetentionStore: the cold tier of the
// hot/cold audit archive.
type ColdAuditStore struct {
	db *gorm.DB
}

// NewColdAuditStore constructs a cold-tier store over an already-migrated
// gorm database.
func NewColdAuditStore(db *gorm.DB) *ColdAuditStore {
	return &ColdAuditStore{db: db}
}

func (s *ColdAuditStore) List(worldID, nodeID string) ([]AuditRecord, error) {
	world, node, err := scheduleKeyStrings(worldID, nodeID)
	if err != nil {
		return nil, err
	}
	var rows []ColdAuditRecord
	if err := s.db.Where("world_id = ? AND node_id = ?", world, node).
		Order("audited_at_ms ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("membership: list cold audit records: %w", err)
	}
	out := make([]AuditRecord, 0, len(rows))
	for _, row := range rows {
		out = append(out, AuditRecord{WorldID: row.WorldID, NodeID: row.NodeID, AuditedAtMs: row.AuditedAtMs, Kind: row.Kind, Details: row.Details})
	}
	return out, nil
}

// Replace overwrites the cold tier's records for (worldID, nodeID) within a
// single transaction, matching the hot-tier semantics records depend on.
func (s *ColdAuditStore) Replace(worldID, nodeID string, records []AuditRecord) error {
	world, node, err := scheduleKeyStrings(worldID, nodeID)
	if err != nil {
		return err
	}
	return s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("world_id = ? AND node_id = ?", world, node).Delete(&ColdAuditRecord{}).Error; err != nil {
			return fmt.Errorf("membership: clear cold audit records: %w", err)
		}
		if len(records) == 0 {
			return nil
		}
		rows := make([]ColdAuditRecord, 0, len(records))
		for _, r := range records {
			rows = append(rows, ColdAuditRecord{WorldID: r.WorldID, NodeID: r.NodeID, AuditedAtMs: r.AuditedAtMs, Kind: r.Kind, Details: r.Details})
		}
		if err := tx.Create(&rows).Error; err != nil {
			return fmt.Errorf("membership: insert cold audit records: %w", err)
		}
		return nil
	})
}

func scheduleKeyStrings(worldID, nodeID string) (string, string, error) {
	key, err := scheduleKey(worldID, nodeID)
	if err != nil {
		return "", "", err
	}
	return key[0], key[1], nil
}

// TieredOffloadPolicy governs the hot->cold audit archive offload.
type TieredOffloadPolicy struct {
	HotMaxRecords     int
	OffloadMinAgeMs   int64
	MaxOffloadRecords int
}

func (p TieredOffloadPolicy) validate() error {
	if p.HotMaxRecords <= 0 {
		return fmt.Errorf("membership: hot_max_records must be positive")
	}
	if p.OffloadMinAgeMs <= 0 {
		return fmt.Errorf("membership: offload_min_age_ms must be positive, got %d", p.OffloadMinAgeMs)
	}
	if p.MaxOffloadRecords <= 0 {
		return fmt.Errorf("membership: max_offload_records must be positive")
	}
	return nil
}

// TieredOffloadReport summarizes one OffloadTieredAuditArchive invocation.
type TieredOffloadReport struct {
	WorldID             string
	NodeID              string
	OffloadedAtMs       int64
	HotBefore           int
	HotAfter            int
	ColdBefore          int
	ColdAfter           int
	Offloaded           int
	OffloadedByAge      int
	OffloadedByCapacity int
	KeptDueToRateLimit  int
}

type offloadPlan struct {
	hotAfter            []AuditRecord
	offloaded           []AuditRecord
	offloadedByAge      int
	offloadedByCapacity int
	keptDueToRateLimit  int
}

// OffloadTieredAuditArchive moves records from hot to cold by age or capacity
// overflow, bounded by MaxOffloadRecords. The move is transactional: cold is
// appended to first; only then is hot replaced. If the hot replace fails,
// cold is rolled back to its prior snapshot; if that rollback also fails,
// both errors surface.
func OffloadTieredAuditArchive(
	worldID, nodeID string,
	offloadedAtMs int64,
	policy TieredOffloadPolicy,
	hotStore AuditRetentionStore,
	coldStore AuditRetentionStore,
) (TieredOffloadReport, error) {
	if err := policy.validate(); err != nil {
		return TieredOffloadReport{}, err
	}
	world, node, err := scheduleKeyStrings(worldID, nodeID)
	if err != nil {
		return TieredOffloadReport{}, err
	}

	hotBefore, err := hotStore.List(world, node)
	if err != nil {
		return TieredOffloadReport{}, err
	}
	coldBefore, err := coldStore.List(world, node)
	if err != nil {
		return TieredOffloadReport{}, err
	}

	plan := planTieredOffload(hotBefore, offloadedAtMs, policy)
	if len(plan.offloaded) == 0 {
		return TieredOffloadReport{
			WorldID: world, NodeID: node, OffloadedAtMs: offloadedAtMs,
			HotBefore: len(hotBefore), HotAfter: len(hotBefore),
			ColdBefore: len(coldBefore), ColdAfter: len(coldBefore),
			KeptDueToRateLimit: plan.keptDueToRateLimit,
		}, nil
	}

	coldAfter := append(append([]AuditRecord(nil), coldBefore...), plan.offloaded...)
	if err := coldStore.Replace(world, node, coldAfter); err != nil {
		return TieredOffloadReport{}, fmt.Errorf("membership: append cold tier: %w", err)
	}
	if err := hotStore.Replace(world, node, plan.hotAfter); err != nil {
		if rollbackErr := coldStore.Replace(world, node, coldBefore); rollbackErr != nil {
			return TieredOffloadReport{}, fmt.Errorf("membership: hot replace failed (%v) and cold rollback failed (%v)", err, rollbackErr)
		}
		return TieredOffloadReport{}, fmt.Errorf("membership: hot replace failed and cold layer rolled back: %w", err)
	}

	return TieredOffloadReport{
		WorldID: world, NodeID: node, OffloadedAtMs: offloadedAtMs,
		HotBefore: len(hotBefore), HotAfter: len(plan.hotAfter),
		ColdBefore: len(coldBefore), ColdAfter: len(coldAfter),
		Offloaded: len(plan.offloaded), OffloadedByAge: plan.offloadedByAge,
		OffloadedByCapacity: plan.offloadedByCapacity, KeptDueToRateLimit: plan.keptDueToRateLimit,
	}, nil
}

func planTieredOffload(records []AuditRecord, nowMs int64, policy TieredOffloadPolicy) offloadPlan {
	selected := make([]bool, len(records))
	selectedByAge := make([]bool, len(records))
	selectedByCapacity := make([]bool, len(records))
	for i, r := range records {
		if nowMs-r.AuditedAtMs >= policy.OffloadMinAgeMs {
			selected[i] = true
			selectedByAge[i] = true
		}
	}

	unselectedCount := 0
	for _, marked := range selected {
		if !marked {
			unselectedCount++
		}
	}
	if unselectedCount > policy.HotMaxRecords {
		needMove := unselectedCount - policy.HotMaxRecords
		for i := range selected {
			if needMove == 0 {
				break
			}
			if !selected[i] {
				selected[i] = true
				selectedByCapacity[i] = true
				needMove--
			}
		}
	}

	var plan offloadPlan
	for i, r := range records {
		if selected[i] && len(plan.offloaded) < policy.MaxOffloadRecords {
			if selectedByAge[i] {
				plan.offloadedByAge++
			} else if selectedByCapacity[i] {
				plan.offloadedByCapacity++
			}
			plan.offloaded = append(plan.offloaded, r)
			continue
		}
		if selected[i] {
			plan.keptDueToRateLimit++
		}
		plan.hotAfter = append(plan.hotAfter, r)
	}
	return plan
}
