package membership

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestKeyring(t *testing.T, worldID string) *Keyring {
	t.Helper()
	k, err := NewKeyring(worldID, nil)
	require.NoError(t, err)
	return k
}

func TestRunScheduleRunsCheckpointAndReconcileOnFirstCall(t *testing.T) {
	k := newTestKeyring(t, "w1")
	bus := newFakeCheckpointBus()
	state := &ScheduleState{}

	report, err := RunSchedule(bus, bus, k, "n1", 1000, ReconcilePolicy{}, SchedulePolicy{CheckpointIntervalMs: 100, ReconcileIntervalMs: 100}, state)
	require.NoError(t, err)
	require.True(t, report.CheckpointPublished)
	require.True(t, report.ReconcileExecuted)
	require.NotNil(t, state.LastCheckpointAtMs)
	require.NotNil(t, state.LastReconcileAtMs)
}

func TestRunScheduleRespectsIntervals(t *testing.T) {
	k := newTestKeyring(t, "w1")
	bus := newFakeCheckpointBus()
	state := &ScheduleState{}
	policy := SchedulePolicy{CheckpointIntervalMs: 1000, ReconcileIntervalMs: 1000}

	_, err := RunSchedule(bus, bus, k, "n1", 0, ReconcilePolicy{}, policy, state)
	require.NoError(t, err)

	report, err := RunSchedule(bus, bus, k, "n1", 500, ReconcilePolicy{}, policy, state)
	require.NoError(t, err)
	require.False(t, report.CheckpointPublished)
	require.False(t, report.ReconcileExecuted)

	report, err = RunSchedule(bus, bus, k, "n1", 1500, ReconcilePolicy{}, policy, state)
	require.NoError(t, err)
	require.True(t, report.CheckpointPublished)
	require.True(t, report.ReconcileExecuted)
}

func TestRunScheduleRejectsInvalidPolicy(t *testing.T) {
	k := newTestKeyring(t, "w1")
	bus := newFakeCheckpointBus()
	_, err := RunSchedule(bus, bus, k, "n1", 0, ReconcilePolicy{}, SchedulePolicy{}, &ScheduleState{})
	require.Error(t, err)
}

func TestRunScheduleWithStoreAndAlertsEmitsOnDivergence(t *testing.T) {
	k := newTestKeyring(t, "w1")
	bus := newFakeCheckpointBus()
	require.NoError(t, bus.PublishCheckpoint("w1", mustCheckpoint(t, "w1", "peer", 0, []string{"k1"})))

	store := NewInMemoryScheduleStateStore()
	sink := NewInMemoryAlertSink()
	policy := SchedulePolicy{CheckpointIntervalMs: 100, ReconcileIntervalMs: 100}
	alertPolicy := AlertPolicy{WarnDivergedThreshold: 1}

	_, err := RunScheduleWithStoreAndAlerts(bus, bus, k, "n1", 1000, ReconcilePolicy{}, policy, alertPolicy, store, sink)
	require.NoError(t, err)
	require.Len(t, sink.List(), 1)
	require.Equal(t, "reconcile_diverged", sink.List()[0].Code)
}

func TestInMemoryScheduleCoordinatorAcquireAndRelease(t *testing.T) {
	c := NewInMemoryScheduleCoordinator()

	acquired, err := c.Acquire("w1", "n1", 0, 1000)
	require.NoError(t, err)
	require.True(t, acquired)

	acquired, err = c.Acquire("w1", "n2", 100, 1000)
	require.NoError(t, err)
	require.False(t, acquired, "a different node cannot acquire an active lease")

	acquired, err = c.Acquire("w1", "n1", 200, 1000)
	require.NoError(t, err)
	require.True(t, acquired, "the current holder can re-acquire and refresh its own lease")

	require.NoError(t, c.Release("w1", "n1"))
	holder, held, err := c.HolderNode("w1")
	require.NoError(t, err)
	require.False(t, held)
	require.Empty(t, holder)
}

func TestInMemoryScheduleCoordinatorLeaseExpires(t *testing.T) {
	c := NewInMemoryScheduleCoordinator()
	acquired, err := c.Acquire("w1", "n1", 0, 100)
	require.NoError(t, err)
	require.True(t, acquired)

	acquired, err = c.Acquire("w1", "n2", 200, 100)
	require.NoError(t, err)
	require.True(t, acquired, "an expired lease can be acquired by a different node")
}

func TestInMemoryScheduleCoordinatorReleaseIsIdempotentAndOwnerOnly(t *testing.T) {
	c := NewInMemoryScheduleCoordinator()
	require.NoError(t, c.Release("w1", "n1"))

	acquired, err := c.Acquire("w1", "n1", 0, 1000)
	require.NoError(t, err)
	require.True(t, acquired)

	require.NoError(t, c.Release("w1", "n2"))
	holder, held, err := c.HolderNode("w1")
	require.NoError(t, err)
	require.True(t, held)
	require.Equal(t, "n1", holder)
}

func TestInMemoryScheduleCoordinatorRejectsNonPositiveTTL(t *testing.T) {
	c := NewInMemoryScheduleCoordinator()
	_, err := c.Acquire("w1", "n1", 0, 0)
	require.Error(t, err)
}

func TestRunCoordinatedSkipsWorkWhenLeaseNotAcquired(t *testing.T) {
	k := newTestKeyring(t, "w1")
	bus := newFakeCheckpointBus()
	store := NewInMemoryScheduleStateStore()
	sink := NewInMemoryAlertSink()
	coordinator := NewInMemoryScheduleCoordinator()

	held, err := coordinator.Acquire("w1", "other-node", 0, 10_000)
	require.NoError(t, err)
	require.True(t, held)

	report, err := RunCoordinated(bus, bus, k, "n1", 100, ReconcilePolicy{}, SchedulePolicy{CheckpointIntervalMs: 1, ReconcileIntervalMs: 1}, AlertPolicy{}, nil, nil, store, sink, coordinator, 10_000)
	require.NoError(t, err)
	require.False(t, report.Acquired)
	require.Nil(t, report.RunReport)
	require.Empty(t, sink.List())
}

func TestRunCoordinatedRunsAndReleasesLease(t *testing.T) {
	k := newTestKeyring(t, "w1")
	bus := newFakeCheckpointBus()
	store := NewInMemoryScheduleStateStore()
	sink := NewInMemoryAlertSink()
	coordinator := NewInMemoryScheduleCoordinator()

	report, err := RunCoordinated(bus, bus, k, "n1", 100, ReconcilePolicy{}, SchedulePolicy{CheckpointIntervalMs: 1, ReconcileIntervalMs: 1}, AlertPolicy{}, nil, nil, store, sink, coordinator, 10_000)
	require.NoError(t, err)
	require.True(t, report.Acquired)
	require.NotNil(t, report.RunReport)

	_, held, err := coordinator.HolderNode("w1")
	require.NoError(t, err)
	require.False(t, held, "RunCoordinated must release its lease after running")
}

func TestRunCoordinatedAppliesDedupPolicy(t *testing.T) {
	k := newTestKeyring(t, "w1")
	bus := newFakeCheckpointBus()
	require.NoError(t, bus.PublishCheckpoint("w1", mustCheckpoint(t, "w1", "peer", 0, []string{"k1"})))

	store := NewInMemoryScheduleStateStore()
	sink := NewInMemoryAlertSink()
	coordinator := NewInMemoryScheduleCoordinator()
	dedupPolicy := AlertDedupPolicy{SuppressWindowMs: 10_000}
	dedupState := NewAlertDedupState()
	alertPolicy := AlertPolicy{WarnDivergedThreshold: 1}
	schedulePolicy := SchedulePolicy{CheckpointIntervalMs: 1, ReconcileIntervalMs: 1}

	report, err := RunCoordinated(bus, bus, k, "n1", 100, ReconcilePolicy{}, schedulePolicy, alertPolicy, &dedupPolicy, dedupState, store, sink, coordinator, 10_000)
	require.NoError(t, err)
	require.Equal(t, 1, report.EmittedAlerts)

	require.NoError(t, bus.PublishCheckpoint("w1", mustCheckpoint(t, "w1", "peer", 0, []string{"k1"})))
	report, err = RunCoordinated(bus, bus, k, "n1", 200, ReconcilePolicy{}, schedulePolicy, alertPolicy, &dedupPolicy, dedupState, store, sink, coordinator, 10_000)
	require.NoError(t, err)
	require.Equal(t, 0, report.EmittedAlerts, "repeated alert within suppress window must be deduped")
}

func TestRunCoordinatedRequiresDedupStateWhenDedupPolicySet(t *testing.T) {
	k := newTestKeyring(t, "w1")
	bus := newFakeCheckpointBus()
	require.NoError(t, bus.PublishCheckpoint("w1", mustCheckpoint(t, "w1", "peer", 0, []string{"k1"})))
	store := NewInMemoryScheduleStateStore()
	sink := NewInMemoryAlertSink()
	coordinator := NewInMemoryScheduleCoordinator()
	dedupPolicy := AlertDedupPolicy{SuppressWindowMs: 10_000}

	_, err := RunCoordinated(bus, bus, k, "n1", 100, ReconcilePolicy{}, SchedulePolicy{CheckpointIntervalMs: 1, ReconcileIntervalMs: 1}, AlertPolicy{WarnDivergedThreshold: 1}, &dedupPolicy, nil, store, sink, coordinator, 10_000)
	require.Error(t, err)
}
