// Command reconciled runs the membership reconciliation scheduler on a
// lease-coordinated interval and raises anomaly alerts from each run's
// report. Checkpoints are published and drained through no-op stand-ins
// (noopPublisher/noopSubscription below), so no peer checkpoint is received,
// and AutoRevokeMissingKeys is off, so no remote revocation is merged into
// the local keyring.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/eng-cc/agent-world/config"
	"github.com/eng-cc/agent-world/membership"
	"github.com/eng-cc/agent-world/observability/logging"
)

func main() {
	configFile := flag.String("config", "./reconciled.toml", "Path to the configuration file")
	nodeIDFlag := flag.String("node-id", "", "This node's identifier in the reconciliation coordinator")
	flag.Parse()

	env := strings.TrimSpace(os.Getenv("AGENT_WORLD_ENV"))
	logger := logging.Setup("reconciled", env)

	cfg, err := config.Load(*configFile, config.WithKeystorePassphrase(os.Getenv("AGENT_WORLD_VALIDATOR_PASS")))
	if err != nil {
		panic(fmt.Sprintf("reconciled: load config: %v", err))
	}
	if err := config.ValidateGlobal(cfg.Global); err != nil {
		panic(fmt.Sprintf("reconciled: invalid configuration: %v", err))
	}

	nodeID := strings.TrimSpace(*nodeIDFlag)
	if nodeID == "" {
		nodeID = cfg.ListenAddress
	}

	keyring, err := membership.NewKeyring(cfg.WorldID, nil)
	if err != nil {
		panic(fmt.Sprintf("reconciled: construct keyring: %v", err))
	}

	pub := noopPublisher{}
	sub := noopSubscription{}
	coordinator := membership.NewInMemoryScheduleCoordinator()
	scheduleStore := membership.NewInMemoryScheduleStateStore()
	alertSink := membership.NewSlogAlertSink(logger)
	dedupState := membership.NewAlertDedupState()
	dedupPolicy := &membership.AlertDedupPolicy{SuppressWindowMs: cfg.Global.Membership.AlertCooldownMs}

	schedulePolicy := membership.SchedulePolicy{
		CheckpointIntervalMs: cfg.Global.Membership.CheckpointIntervalMs,
		ReconcileIntervalMs:  cfg.Global.Membership.ReconcileIntervalMs,
	}
	reconcilePolicy := membership.ReconcilePolicy{AutoRevokeMissingKeys: false}
	alertPolicy := membership.AlertPolicy{
		WarnDivergedThreshold:     cfg.Global.Membership.WarnDivergedThreshold,
		CriticalRejectedThreshold: cfg.Global.Membership.CriticalRejectedThreshold,
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	runInterval := time.Duration(cfg.Global.Membership.ReconcileIntervalMs) * time.Millisecond
	if runInterval <= 0 {
		runInterval = time.Minute
	}
	ticker := time.NewTicker(runInterval)
	defer ticker.Stop()

	logger.Info("reconciled started", "world_id", cfg.WorldID, "node_id", nodeID)

	for {
		select {
		case <-ctx.Done():
			logger.Info("reconciled shutting down")
			return
		case <-ticker.C:
			nowMs := time.Now().UnixMilli()
			report, err := membership.RunCoordinated(
				pub, sub, keyring, nodeID, nowMs,
				reconcilePolicy, schedulePolicy, alertPolicy,
				dedupPolicy, dedupState,
				scheduleStore, alertSink, coordinator,
				cfg.Global.Membership.CoordinatorLeaseTTLMs,
			)
			if err != nil {
				logger.Warn("reconcile run failed", "error", err.Error())
				continue
			}
			if !report.Acquired {
				continue
			}
			logger.Info("reconcile run completed", "emitted_alerts", report.EmittedAlerts)
		}
	}
}

// noopPublisher and noopSubscription stand in for the replication
// transport's checkpoint gossip topic until cmd/worldd's p2p.Server wires a
// PublishCheckpoint/DrainCheckpoints bridge over MsgTypeCheckpoint.
type noopPublisher struct{}

func (noopPublisher) PublishCheckpoint(worldID string, announce membership.RevocationCheckpointAnnounce) error {
	return nil
}

type noopSubscription struct{}

func (noopSubscription) DrainCheckpoints() ([]membership.RevocationCheckpointAnnounce, error) {
	return nil, nil
}
