package config

// Consensus configures the quorum-voting head-commit protocol (consensus/bft).
// QuorumThreshold of zero selects the package default of floor(n/2)+1.
type Consensus struct {
	QuorumThreshold uint64
}

// Membership configures the reconciliation scheduler, anomaly alerting, and
// recovery-drill thresholds consumed by the membership package.
type Membership struct {
	CheckpointIntervalMs      int64
	ReconcileIntervalMs       int64
	WarnDivergedThreshold     int
	CriticalRejectedThreshold int
	DrillIntervalMs           int64
	MaxAlertSilenceMs         int64
	RollbackStreakThreshold   int
	AlertCooldownMs           int64
	CoordinatorLeaseTTLMs     int64
}

// Reducer configures the world kernel's tick cadence.
type Reducer struct {
	TickIntervalMs int64
}

// Global bundles the node-wide policy knobs loaded from TOML and handed to
// the consensus, membership, and kernel constructors at startup.
type Global struct {
	Consensus  Consensus
	Membership Membership
	Reducer    Reducer
}
