package membership

import (
	"fmt"
	"sync"
)

// AuditRecord captures one rollback/recovery-drill event for later review.
type AuditRecord struct {
	WorldID     string
	NodeID      string
	AuditedAtMs int64
	Kind        string
	Details     string
}

// AuditRetentionPolicy bounds how long hot-tier audit records are kept.
type AuditRetentionPolicy struct {
	RetentionMs int64
}

func (p AuditRetentionPolicy) validate() error {
	if p.RetentionMs <= 0 {
		return fmt.Errorf("membership: retention_ms must be positive, got %d", p.RetentionMs)
	}
	return nil
}

// AuditRetentionStore persists a tier (hot or cold) of audit records for a
// (world, node) pair.
type AuditRetentionStore interface {
	List(worldID, nodeID string) ([]AuditRecord, error)
	Replace(worldID, nodeID string, records []AuditRecord) error
}

// InMemoryAuditRetentionStore is an AuditRetentionStore for tests and the
// default hot tier in single-process deployments.
type InMemoryAuditRetentionStore struct {
	mu      sync.Mutex
	records map[[2]string][]AuditRecord
}

// NewInMemoryAuditRetentionStore constructs an empty store.
func NewInMemoryAuditRetentionStore() *InMemoryAuditRetentionStore {
	return &InMemoryAuditRetentionStore{records: make(map[[2]string][]AuditRecord)}
}

func (s *InMemoryAuditRetentionStore) List(worldID, nodeID string) ([]AuditRecord, error) {
	key, err := scheduleKey(worldID, nodeID)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]AuditRecord, len(s.records[key]))
	copy(out, s.records[key])
	return out, nil
}

func (s *InMemoryAuditRetentionStore) Replace(worldID, nodeID string, records []AuditRecord) error {
	key, err := scheduleKey(worldID, nodeID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]AuditRecord, len(records))
	copy(out, records)
	s.records[key] = out
	return nil
}

// Append adds a single audit record to store, a thin convenience built on
// List+Replace.
func Append(store AuditRetentionStore, record AuditRecord) error {
	existing, err := store.List(record.WorldID, record.NodeID)
	if err != nil {
		return err
	}
	return store.Replace(record.WorldID, record.NodeID, append(existing, record))
}

// AuditPruneReport summarizes one PruneAuditArchive invocation.
type AuditPruneReport struct {
	Before int
	After  int
	Pruned int
}

// PruneAuditArchive drops hot-tier records whose AuditedAtMs is older than
// now - policy.RetentionMs.
func PruneAuditArchive(store AuditRetentionStore, worldID, nodeID string, nowMs int64, policy AuditRetentionPolicy) (AuditPruneReport, error) {
	if err := policy.validate(); err != nil {
		return AuditPruneReport{}, err
	}
	records, err := store.List(worldID, nodeID)
	if err != nil {
		return AuditPruneReport{}, err
	}
	kept := make([]AuditRecord, 0, len(records))
	for _, r := range records {
		if nowMs-r.AuditedAtMs < policy.RetentionMs {
			kept = append(kept, r)
		}
	}
	if err := store.Replace(worldID, nodeID, kept); err != nil {
		return AuditPruneReport{}, err
	}
	return AuditPruneReport{Before: len(records), After: len(kept), Pruned: len(records) - len(kept)}, nil
}
