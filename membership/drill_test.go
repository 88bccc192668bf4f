package membership

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type stubDrillRunner struct {
	report DrillReport
	err    error
	calls  int
}

func (r *stubDrillRunner) RunDrill(worldID, nodeID string, nowMs int64) (DrillReport, error) {
	r.calls++
	return r.report, r.err
}

func TestRunDrillScheduleRespectsInterval(t *testing.T) {
	runner := &stubDrillRunner{report: DrillReport{}}
	state := &DrillScheduleState{}
	policy := DrillSchedulePolicy{DrillIntervalMs: 1000}

	report, err := RunDrillSchedule(runner, "w1", "n1", 0, policy, state)
	require.NoError(t, err)
	require.True(t, report.DrillExecuted)
	require.Equal(t, 1, runner.calls)

	report, err = RunDrillSchedule(runner, "w1", "n1", 500, policy, state)
	require.NoError(t, err)
	require.False(t, report.DrillExecuted)
	require.Equal(t, 1, runner.calls)

	report, err = RunDrillSchedule(runner, "w1", "n1", 1500, policy, state)
	require.NoError(t, err)
	require.True(t, report.DrillExecuted)
	require.Equal(t, 2, runner.calls)
}

func TestRunDrillScheduleRejectsInvalidPolicy(t *testing.T) {
	runner := &stubDrillRunner{}
	_, err := RunDrillSchedule(runner, "w1", "n1", 0, DrillSchedulePolicy{}, &DrillScheduleState{})
	require.Error(t, err)
}

func baseDrillAlertPolicy() DrillAlertPolicy {
	return DrillAlertPolicy{MaxAlertSilenceMs: 10_000, RollbackStreakThreshold: 3, AlertCooldownMs: 5_000}
}

func TestEmitDrillAlertIfNeededNoOpWhenDrillDidNotRun(t *testing.T) {
	store := NewInMemoryDrillAlertStateStore()
	sink := NewInMemoryAlertSink()
	report, err := EmitDrillAlertIfNeeded("w1", "n1", 100, DrillScheduledRunReport{DrillExecuted: false}, baseDrillAlertPolicy(), store, sink)
	require.NoError(t, err)
	require.False(t, report.DrillExecuted)
	require.Empty(t, sink.List())
}

func TestEmitDrillAlertIfNeededNoAnomalyWhenHealthy(t *testing.T) {
	store := NewInMemoryDrillAlertStateStore()
	sink := NewInMemoryAlertSink()
	lastAlert := int64(95_000)
	drillReport := DrillReport{
		GovernanceState: GovernanceState{RollbackStreak: 0, LastLevel: GovernanceNormal},
		AlertState:      DrillAlertState{LastAlertAtMs: &lastAlert},
	}
	runReport := DrillScheduledRunReport{DrillExecuted: true, DrillReport: &drillReport}

	report, err := EmitDrillAlertIfNeeded("w1", "n1", 100_000, runReport, baseDrillAlertPolicy(), store, sink)
	require.NoError(t, err)
	require.True(t, report.DrillExecuted)
	require.False(t, report.AnomalyDetected)
	require.Empty(t, sink.List())
}

func TestEmitDrillAlertIfNeededSilenceExceededFiresWarn(t *testing.T) {
	store := NewInMemoryDrillAlertStateStore()
	sink := NewInMemoryAlertSink()
	drillReport := DrillReport{GovernanceState: GovernanceState{LastLevel: GovernanceNormal}}
	runReport := DrillScheduledRunReport{DrillExecuted: true, DrillReport: &drillReport}

	report, err := EmitDrillAlertIfNeeded("w1", "n1", 100_000, runReport, baseDrillAlertPolicy(), store, sink)
	require.NoError(t, err)
	require.True(t, report.AnomalyDetected)
	require.True(t, report.AlertEmitted)
	require.Contains(t, report.Reasons, "alert_state_silence_exceeded")
	require.Len(t, sink.List(), 1)
	require.Equal(t, SeverityWarn, sink.List()[0].Severity)
}

func TestEmitDrillAlertIfNeededEmergencyHistoryEscalatesToCritical(t *testing.T) {
	store := NewInMemoryDrillAlertStateStore()
	sink := NewInMemoryAlertSink()
	lastAlert := int64(99_999)
	drillReport := DrillReport{
		GovernanceState:     GovernanceState{LastLevel: GovernanceNormal},
		AlertState:          DrillAlertState{LastAlertAtMs: &lastAlert},
		HasEmergencyHistory: true,
	}
	runReport := DrillScheduledRunReport{DrillExecuted: true, DrillReport: &drillReport}

	report, err := EmitDrillAlertIfNeeded("w1", "n1", 100_000, runReport, baseDrillAlertPolicy(), store, sink)
	require.NoError(t, err)
	require.Contains(t, report.Reasons, "emergency_history_detected")
	require.Len(t, sink.List(), 1)
	require.Equal(t, SeverityCritical, sink.List()[0].Severity)
}

func TestEmitDrillAlertIfNeededRollbackStreakThresholdFires(t *testing.T) {
	store := NewInMemoryDrillAlertStateStore()
	sink := NewInMemoryAlertSink()
	lastAlert := int64(99_999)
	drillReport := DrillReport{
		GovernanceState: GovernanceState{RollbackStreak: 3, LastLevel: GovernanceWarn},
		AlertState:      DrillAlertState{LastAlertAtMs: &lastAlert},
	}
	runReport := DrillScheduledRunReport{DrillExecuted: true, DrillReport: &drillReport}

	report, err := EmitDrillAlertIfNeeded("w1", "n1", 100_000, runReport, baseDrillAlertPolicy(), store, sink)
	require.NoError(t, err)
	require.Contains(t, report.Reasons, "rollback_streak_threshold_exceeded")
	require.Equal(t, SeverityWarn, sink.List()[0].Severity)
}

func TestEmitDrillAlertIfNeededCooldownBlocksRefire(t *testing.T) {
	store := NewInMemoryDrillAlertStateStore()
	sink := NewInMemoryAlertSink()
	drillReport := DrillReport{GovernanceState: GovernanceState{LastLevel: GovernanceNormal}}
	runReport := DrillScheduledRunReport{DrillExecuted: true, DrillReport: &drillReport}
	policy := baseDrillAlertPolicy()

	first, err := EmitDrillAlertIfNeeded("w1", "n1", 100_000, runReport, policy, store, sink)
	require.NoError(t, err)
	require.True(t, first.AlertEmitted)

	second, err := EmitDrillAlertIfNeeded("w1", "n1", 102_000, runReport, policy, store, sink)
	require.NoError(t, err)
	require.True(t, second.AnomalyDetected)
	require.True(t, second.CooldownBlocked)
	require.False(t, second.AlertEmitted)
	require.Len(t, sink.List(), 1, "cooldown must block the second emission")

	third, err := EmitDrillAlertIfNeeded("w1", "n1", 106_000, runReport, policy, store, sink)
	require.NoError(t, err)
	require.True(t, third.AlertEmitted)
	require.Len(t, sink.List(), 2)
}

func TestEmitDrillAlertIfNeededErrorsWhenReportMissing(t *testing.T) {
	store := NewInMemoryDrillAlertStateStore()
	sink := NewInMemoryAlertSink()
	_, err := EmitDrillAlertIfNeeded("w1", "n1", 100, DrillScheduledRunReport{DrillExecuted: true, DrillReport: nil}, baseDrillAlertPolicy(), store, sink)
	require.Error(t, err)
}
