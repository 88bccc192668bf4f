package membership

import (
	"fmt"
	"sync"
)

// SchedulePolicy configures how often checkpoints publish and reconciliation
// runs, in milliseconds.
type SchedulePolicy struct {
	CheckpointIntervalMs int64
	ReconcileIntervalMs  int64
}

func (p SchedulePolicy) validate() error {
	if p.CheckpointIntervalMs <= 0 {
		return fmt.Errorf("membership: checkpoint_interval_ms must be positive, got %d", p.CheckpointIntervalMs)
	}
	if p.ReconcileIntervalMs <= 0 {
		return fmt.Errorf("membership: reconcile_interval_ms must be positive, got %d", p.ReconcileIntervalMs)
	}
	return nil
}

// ScheduleState records when each scheduled action last ran, persisted across
// restarts via a ScheduleStateStore.
type ScheduleState struct {
	LastCheckpointAtMs *int64 `json:"last_checkpoint_at_ms,omitempty"`
	LastReconcileAtMs  *int64 `json:"last_reconcile_at_ms,omitempty"`
}

func scheduleDue(lastRunMs *int64, nowMs, intervalMs int64) bool {
	if lastRunMs == nil {
		return true
	}
	return nowMs-*lastRunMs >= intervalMs
}

// ScheduleStateStore persists per-(world, node) schedule state.
type ScheduleStateStore interface {
	Load(worldID, nodeID string) (ScheduleState, error)
	Save(worldID, nodeID string, state ScheduleState) error
}

// InMemoryScheduleStateStore is a ScheduleStateStore for tests and
// single-process deployments.
type InMemoryScheduleStateStore struct {
	mu     sync.Mutex
	states map[[2]string]ScheduleState
}

// NewInMemoryScheduleStateStore constructs an empty store.
func NewInMemoryScheduleStateStore() *InMemoryScheduleStateStore {
	return &InMemoryScheduleStateStore{states: make(map[[2]string]ScheduleState)}
}

func (s *InMemoryScheduleStateStore) Load(worldID, nodeID string) (ScheduleState, error) {
	key, err := scheduleKey(worldID, nodeID)
	if err != nil {
		return ScheduleState{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.states[key], nil
}

func (s *InMemoryScheduleStateStore) Save(worldID, nodeID string, state ScheduleState) error {
	key, err := scheduleKey(worldID, nodeID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[key] = state
	return nil
}

func scheduleKey(worldID, nodeID string) ([2]string, error) {
	world, err := normalizedWorldID(worldID)
	if err != nil {
		return [2]string{}, err
	}
	node, err := normalizedNodeID(nodeID)
	if err != nil {
		return [2]string{}, err
	}
	return [2]string{world, node}, nil
}

// ScheduledRunReport summarizes one RunSchedule invocation.
type ScheduledRunReport struct {
	CheckpointPublished bool
	ReconcileExecuted   bool
	ReconcileReport     *ReconcileReport
}

// RunSchedule publishes a checkpoint and/or runs reconciliation if their
// respective intervals have elapsed since scheduleState's last run.
func RunSchedule(
	pub Publisher,
	sub Subscription,
	keyring *Keyring,
	nodeID string,
	nowMs int64,
	reconcilePolicy ReconcilePolicy,
	schedulePolicy SchedulePolicy,
	scheduleState *ScheduleState,
) (ScheduledRunReport, error) {
	if err := schedulePolicy.validate(); err != nil {
		return ScheduledRunReport{}, err
	}

	var report ScheduledRunReport
	if scheduleDue(scheduleState.LastCheckpointAtMs, nowMs, schedulePolicy.CheckpointIntervalMs) {
		if _, err := PublishCheckpoint(pub, keyring, nodeID, nowMs); err != nil {
			return ScheduledRunReport{}, err
		}
		scheduleState.LastCheckpointAtMs = &nowMs
		report.CheckpointPublished = true
	}

	if scheduleDue(scheduleState.LastReconcileAtMs, nowMs, schedulePolicy.ReconcileIntervalMs) {
		reconcileReport, err := ReconcileRevocationsWithPolicy(sub, keyring, reconcilePolicy, nowMs)
		if err != nil {
			return ScheduledRunReport{}, err
		}
		scheduleState.LastReconcileAtMs = &nowMs
		report.ReconcileExecuted = true
		report.ReconcileReport = &reconcileReport
	}

	return report, nil
}

// RunScheduleWithStoreAndAlerts loads schedule state, runs RunSchedule, saves
// the advanced state, and evaluates/emits alerts from any reconcile report.
func RunScheduleWithStoreAndAlerts(
	pub Publisher,
	sub Subscription,
	keyring *Keyring,
	nodeID string,
	nowMs int64,
	reconcilePolicy ReconcilePolicy,
	schedulePolicy SchedulePolicy,
	alertPolicy AlertPolicy,
	scheduleStore ScheduleStateStore,
	alertSink AlertSink,
) (ScheduledRunReport, error) {
	worldID := keyring.WorldID()
	state, err := scheduleStore.Load(worldID, nodeID)
	if err != nil {
		return ScheduledRunReport{}, err
	}
	report, err := RunSchedule(pub, sub, keyring, nodeID, nowMs, reconcilePolicy, schedulePolicy, &state)
	if err != nil {
		return ScheduledRunReport{}, err
	}
	if err := scheduleStore.Save(worldID, nodeID, state); err != nil {
		return ScheduledRunReport{}, err
	}

	if report.ReconcileReport != nil {
		alerts, err := EvaluateReconcileAlerts(worldID, nodeID, nowMs, *report.ReconcileReport, alertPolicy)
		if err != nil {
			return ScheduledRunReport{}, err
		}
		if _, err := EmitAlerts(alertSink, alerts); err != nil {
			return ScheduledRunReport{}, err
		}
	}
	return report, nil
}

// ScheduleCoordinator serializes scheduled runs across a cluster with a
// leader lease per world.
type ScheduleCoordinator interface {
	Acquire(worldID, nodeID string, nowMs, leaseTTLMs int64) (bool, error)
	Release(worldID, nodeID string) error
}

type coordinatorLease struct {
	holderNodeID string
	expiresAtMs  int64
}

// InMemoryScheduleCoordinator is a ScheduleCoordinator for tests and
// single-process deployments.
type InMemoryScheduleCoordinator struct {
	mu     sync.Mutex
	leases map[string]coordinatorLease
}

// NewInMemoryScheduleCoordinator constructs a coordinator with no active leases.
func NewInMemoryScheduleCoordinator() *InMemoryScheduleCoordinator {
	return &InMemoryScheduleCoordinator{leases: make(map[string]coordinatorLease)}
}

// HolderNode returns the node currently holding worldID's lease, if any.
func (c *InMemoryScheduleCoordinator) HolderNode(worldID string) (string, bool, error) {
	world, err := normalizedWorldID(worldID)
	if err != nil {
		return "", false, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	lease, ok := c.leases[world]
	if !ok {
		return "", false, nil
	}
	return lease.holderNodeID, true, nil
}

func (c *InMemoryScheduleCoordinator) Acquire(worldID, nodeID string, nowMs, leaseTTLMs int64) (bool, error) {
	if leaseTTLMs <= 0 {
		return false, fmt.Errorf("membership: lease_ttl_ms must be positive, got %d", leaseTTLMs)
	}
	world, err := normalizedWorldID(worldID)
	if err != nil {
		return false, err
	}
	node, err := normalizedNodeID(nodeID)
	if err != nil {
		return false, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.leases[world]; ok {
		active := nowMs < existing.expiresAtMs
		if active && existing.holderNodeID != node {
			return false, nil
		}
	}
	c.leases[world] = coordinatorLease{holderNodeID: node, expiresAtMs: nowMs + leaseTTLMs}
	return true, nil
}

func (c *InMemoryScheduleCoordinator) Release(worldID, nodeID string) error {
	world, err := normalizedWorldID(worldID)
	if err != nil {
		return err
	}
	node, err := normalizedNodeID(nodeID)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.leases[world]; ok && existing.holderNodeID == node {
		delete(c.leases, world)
	}
	return nil
}

// CoordinatedRunReport summarizes a RunCoordinated invocation.
type CoordinatedRunReport struct {
	Acquired      bool
	EmittedAlerts int
	RunReport     *ScheduledRunReport
}

// RunCoordinated acquires coordinator's lease before running the schedule,
// optionally deduplicating alerts, and always releases the lease afterward
// (even on error), returning whichever error occurred first.
func RunCoordinated(
	pub Publisher,
	sub Subscription,
	keyring *Keyring,
	nodeID string,
	nowMs int64,
	reconcilePolicy ReconcilePolicy,
	schedulePolicy SchedulePolicy,
	alertPolicy AlertPolicy,
	dedupPolicy *AlertDedupPolicy,
	dedupState *AlertDedupState,
	scheduleStore ScheduleStateStore,
	alertSink AlertSink,
	coordinator ScheduleCoordinator,
	coordinatorLeaseTTLMs int64,
) (CoordinatedRunReport, error) {
	worldID := keyring.WorldID()
	acquired, err := coordinator.Acquire(worldID, nodeID, nowMs, coordinatorLeaseTTLMs)
	if err != nil {
		return CoordinatedRunReport{}, err
	}
	if !acquired {
		return CoordinatedRunReport{Acquired: false}, nil
	}

	report, runErr := runCoordinatedBody(pub, sub, keyring, nodeID, nowMs, reconcilePolicy, schedulePolicy, alertPolicy, dedupPolicy, dedupState, scheduleStore, alertSink)
	releaseErr := coordinator.Release(worldID, nodeID)
	if runErr != nil {
		return CoordinatedRunReport{}, runErr
	}
	if releaseErr != nil {
		return CoordinatedRunReport{}, releaseErr
	}
	return report, nil
}

func runCoordinatedBody(
	pub Publisher,
	sub Subscription,
	keyring *Keyring,
	nodeID string,
	nowMs int64,
	reconcilePolicy ReconcilePolicy,
	schedulePolicy SchedulePolicy,
	alertPolicy AlertPolicy,
	dedupPolicy *AlertDedupPolicy,
	dedupState *AlertDedupState,
	scheduleStore ScheduleStateStore,
	alertSink AlertSink,
) (CoordinatedRunReport, error) {
	worldID := keyring.WorldID()
	state, err := scheduleStore.Load(worldID, nodeID)
	if err != nil {
		return CoordinatedRunReport{}, err
	}
	runReport, err := RunSchedule(pub, sub, keyring, nodeID, nowMs, reconcilePolicy, schedulePolicy, &state)
	if err != nil {
		return CoordinatedRunReport{}, err
	}
	if err := scheduleStore.Save(worldID, nodeID, state); err != nil {
		return CoordinatedRunReport{}, err
	}

	emitted := 0
	if runReport.ReconcileReport != nil {
		alerts, err := EvaluateReconcileAlerts(worldID, nodeID, nowMs, *runReport.ReconcileReport, alertPolicy)
		if err != nil {
			return CoordinatedRunReport{}, err
		}
		if dedupPolicy != nil {
			if dedupState == nil {
				return CoordinatedRunReport{}, fmt.Errorf("membership: dedup_state is required when dedup_policy is configured")
			}
			alerts, err = DeduplicateAlerts(alerts, nowMs, *dedupPolicy, dedupState)
			if err != nil {
				return CoordinatedRunReport{}, err
			}
		}
		emitted, err = EmitAlerts(alertSink, alerts)
		if err != nil {
			return CoordinatedRunReport{}, err
		}
	}

	return CoordinatedRunReport{Acquired: true, EmittedAlerts: emitted, RunReport: &runReport}, nil
}
