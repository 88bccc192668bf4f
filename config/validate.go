package config

import "fmt"

// MinReconcileIntervalMs is the smallest reconcile cadence ValidateGlobal
// accepts; anything tighter risks starving the scheduler goroutine.
var MinReconcileIntervalMs = int64(1000)

// ValidateGlobal checks that every policy knob handed to the consensus,
// membership, and kernel constructors is within the bounds those packages'
// own validate() methods require, so a misconfigured node fails fast at
// startup instead of inside the scheduler loop.
func ValidateGlobal(g Global) error {
	if g.Membership.CheckpointIntervalMs <= 0 {
		return fmt.Errorf("config: membership.checkpoint_interval_ms must be positive, got %d", g.Membership.CheckpointIntervalMs)
	}
	if g.Membership.ReconcileIntervalMs < MinReconcileIntervalMs {
		return fmt.Errorf("config: membership.reconcile_interval_ms must be >= %d, got %d", MinReconcileIntervalMs, g.Membership.ReconcileIntervalMs)
	}
	if g.Membership.DrillIntervalMs <= 0 {
		return fmt.Errorf("config: membership.drill_interval_ms must be positive, got %d", g.Membership.DrillIntervalMs)
	}
	if g.Membership.MaxAlertSilenceMs <= 0 {
		return fmt.Errorf("config: membership.max_alert_silence_ms must be positive, got %d", g.Membership.MaxAlertSilenceMs)
	}
	if g.Membership.RollbackStreakThreshold <= 0 {
		return fmt.Errorf("config: membership.rollback_streak_threshold must be positive, got %d", g.Membership.RollbackStreakThreshold)
	}
	if g.Membership.AlertCooldownMs <= 0 {
		return fmt.Errorf("config: membership.alert_cooldown_ms must be positive, got %d", g.Membership.AlertCooldownMs)
	}
	if g.Membership.CoordinatorLeaseTTLMs <= 0 {
		return fmt.Errorf("config: membership.coordinator_lease_ttl_ms must be positive, got %d", g.Membership.CoordinatorLeaseTTLMs)
	}
	if g.Reducer.TickIntervalMs <= 0 {
		return fmt.Errorf("config: reducer.tick_interval_ms must be positive, got %d", g.Reducer.TickIntervalMs)
	}
	return nil
}
