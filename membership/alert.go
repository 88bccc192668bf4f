package membership

import (
	"fmt"
	"log/slog"
	"sync"
)

// AlertSeverity ranks a membership anomaly alert.
type AlertSeverity string

const (
	SeverityWarn     AlertSeverity = "warn"
	SeverityCritical AlertSeverity = "critical"
)

// AnomalyAlert is emitted when a reconcile pass (or recovery drill) observes
// behavior outside its configured policy thresholds.
type AnomalyAlert struct {
	WorldID      string
	NodeID       string
	DetectedAtMs int64
	Severity     AlertSeverity
	Code         string
	Message      string
	Drained      int
	Diverged     int
	Rejected     int
}

// AlertPolicy configures when EvaluateReconcileAlerts fires.
type AlertPolicy struct {
	WarnDivergedThreshold     int
	CriticalRejectedThreshold int
}

// EvaluateReconcileAlerts turns a ReconcileReport into up to two alerts:
// Critical:reconcile_rejected then Warn:reconcile_diverged, per spec.md §4.5.
func EvaluateReconcileAlerts(worldID, nodeID string, detectedAtMs int64, report ReconcileReport, policy AlertPolicy) ([]AnomalyAlert, error) {
	world, err := normalizedWorldID(worldID)
	if err != nil {
		return nil, err
	}
	node, err := normalizedNodeID(nodeID)
	if err != nil {
		return nil, err
	}

	var alerts []AnomalyAlert
	if policy.CriticalRejectedThreshold > 0 && report.Rejected >= policy.CriticalRejectedThreshold {
		alerts = append(alerts, AnomalyAlert{
			WorldID: world, NodeID: node, DetectedAtMs: detectedAtMs,
			Severity: SeverityCritical,
			Code:     "reconcile_rejected",
			Message:  fmt.Sprintf("membership revocation reconcile rejected %d checkpoint(s)", report.Rejected),
			Drained:  report.Drained, Diverged: report.Diverged, Rejected: report.Rejected,
		})
	}
	if policy.WarnDivergedThreshold > 0 && report.Diverged >= policy.WarnDivergedThreshold {
		alerts = append(alerts, AnomalyAlert{
			WorldID: world, NodeID: node, DetectedAtMs: detectedAtMs,
			Severity: SeverityWarn,
			Code:     "reconcile_diverged",
			Message:  fmt.Sprintf("membership revocation reconcile diverged on %d checkpoint(s)", report.Diverged),
			Drained:  report.Drained, Diverged: report.Diverged, Rejected: report.Rejected,
		})
	}
	return alerts, nil
}

// AlertDedupPolicy bounds how often an identical alert may re-fire.
type AlertDedupPolicy struct {
	SuppressWindowMs int64
}

// AlertDedupState remembers the last time each dedup key fired.
type AlertDedupState struct {
	mu                 sync.Mutex
	lastEmittedAtByKey map[string]int64
}

// NewAlertDedupState constructs an empty dedup state.
func NewAlertDedupState() *AlertDedupState {
	return &AlertDedupState{lastEmittedAtByKey: make(map[string]int64)}
}

// alertDedupKey includes severity: a Warn->Critical escalation for the same
// (world_id, node_id, code) is treated as a distinct alert, not suppressed by
// an existing Warn's cooldown.
func alertDedupKey(a AnomalyAlert) string {
	return fmt.Sprintf("%s:%s:%s:%s", a.WorldID, a.NodeID, a.Code, a.Severity)
}

// DeduplicateAlerts drops alerts whose dedup key last fired within
// policy.SuppressWindowMs of nowMs.
func DeduplicateAlerts(alerts []AnomalyAlert, nowMs int64, policy AlertDedupPolicy, state *AlertDedupState) ([]AnomalyAlert, error) {
	if policy.SuppressWindowMs < 0 {
		return nil, fmt.Errorf("membership: suppress_window_ms must be non-negative, got %d", policy.SuppressWindowMs)
	}
	if policy.SuppressWindowMs == 0 {
		return alerts, nil
	}

	state.mu.Lock()
	defer state.mu.Unlock()

	filtered := make([]AnomalyAlert, 0, len(alerts))
	for _, alert := range alerts {
		key := alertDedupKey(alert)
		if last, ok := state.lastEmittedAtByKey[key]; ok && nowMs-last < policy.SuppressWindowMs {
			continue
		}
		state.lastEmittedAtByKey[key] = nowMs
		filtered = append(filtered, alert)
	}
	return filtered, nil
}

// AlertSink delivers an anomaly alert to an operator-facing channel.
type AlertSink interface {
	Emit(alert AnomalyAlert) error
}

// InMemoryAlertSink collects alerts for tests and local tooling.
type InMemoryAlertSink struct {
	mu     sync.Mutex
	alerts []AnomalyAlert
}

// NewInMemoryAlertSink constructs an empty in-memory sink.
func NewInMemoryAlertSink() *InMemoryAlertSink {
	return &InMemoryAlertSink{}
}

func (s *InMemoryAlertSink) Emit(alert AnomalyAlert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alerts = append(s.alerts, alert)
	return nil
}

// List returns every alert emitted so far.
func (s *InMemoryAlertSink) List() []AnomalyAlert {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]AnomalyAlert, len(s.alerts))
	copy(out, s.alerts)
	return out
}

// SlogAlertSink emits alerts as structured log lines through the node's
// standard logger, matching observability/logging's slog-based setup.
type SlogAlertSink struct {
	logger *slog.Logger
}

// NewSlogAlertSink constructs a sink that logs through logger.
func NewSlogAlertSink(logger *slog.Logger) *SlogAlertSink {
	return &SlogAlertSink{logger: logger}
}

func (s *SlogAlertSink) Emit(alert AnomalyAlert) error {
	logger := s.logger
	if logger == nil {
		logger = slog.Default()
	}
	attrs := []any{
		slog.String("world_id", alert.WorldID),
		slog.String("node_id", alert.NodeID),
		slog.String("code", alert.Code),
		slog.Int("drained", alert.Drained),
		slog.Int("diverged", alert.Diverged),
		slog.Int("rejected", alert.Rejected),
	}
	if alert.Severity == SeverityCritical {
		logger.Error(alert.Message, attrs...)
	} else {
		logger.Warn(alert.Message, attrs...)
	}
	return nil
}

// EmitAlerts delivers every alert to sink, returning the count emitted.
func EmitAlerts(sink AlertSink, alerts []AnomalyAlert) (int, error) {
	for _, alert := range alerts {
		if err := sink.Emit(alert); err != nil {
			return 0, err
		}
	}
	return len(alerts), nil
}
