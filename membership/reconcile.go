package membership

import (
	"fmt"
	"sort"
)

// ReconcilePolicy governs how remote checkpoints are validated and merged.
type ReconcilePolicy struct {
	// TrustedNodes restricts reconciliation to checkpoints announced by one
	// of these node ids. Empty means trust any node.
	TrustedNodes []string
	// AutoRevokeMissingKeys, when true, revokes locally every key_id present
	// in a diverged remote checkpoint but not yet revoked locally.
	AutoRevokeMissingKeys bool
}

// ReconcileReport summarizes one drain-and-reconcile pass over received
// checkpoints.
type ReconcileReport struct {
	Drained  int
	InSync   int
	Diverged int
	Merged   int
	Rejected int
}

// ReconcileRevocationsWithPolicy drains subscription, validates each
// checkpoint against policy, and merges divergent revocation sets into
// keyring per spec.md §4.5.
func ReconcileRevocationsWithPolicy(sub Subscription, keyring *Keyring, policy ReconcilePolicy, nowMs int64) (ReconcileReport, error) {
	checkpoints, err := sub.DrainCheckpoints()
	if err != nil {
		return ReconcileReport{}, fmt.Errorf("membership: drain checkpoints: %w", err)
	}

	report := ReconcileReport{Drained: len(checkpoints)}
	for _, checkpoint := range checkpoints {
		remote, err := validateCheckpoint(keyring.WorldID(), checkpoint, policy)
		if err != nil {
			report.Rejected++
			continue
		}

		local := make(map[string]struct{})
		for _, id := range keyring.RevokedKeys() {
			local[id] = struct{}{}
		}

		if sameSet(local, remote) {
			report.InSync++
			continue
		}

		report.Diverged++
		if !policy.AutoRevokeMissingKeys {
			continue
		}
		for id := range remote {
			if _, already := local[id]; already {
				continue
			}
			changed, err := keyring.RevokeKey(id, nowMs)
			if err != nil {
				return ReconcileReport{}, err
			}
			if changed {
				report.Merged++
			}
		}
	}
	return report, nil
}

func sameSet(local map[string]struct{}, remote map[string]struct{}) bool {
	if len(local) != len(remote) {
		return false
	}
	for id := range local {
		if _, ok := remote[id]; !ok {
			return false
		}
	}
	return true
}

func validateCheckpoint(worldID string, checkpoint RevocationCheckpointAnnounce, policy ReconcilePolicy) (map[string]struct{}, error) {
	if checkpoint.WorldID != worldID {
		return nil, fmt.Errorf("membership: reconcile world mismatch: expected=%s got=%s", worldID, checkpoint.WorldID)
	}
	nodeID, err := normalizedNodeID(checkpoint.NodeID)
	if err != nil {
		return nil, err
	}
	if len(policy.TrustedNodes) > 0 && !contains(policy.TrustedNodes, nodeID) {
		return nil, fmt.Errorf("membership: checkpoint node %s is not trusted", nodeID)
	}

	normalized := dedupe(checkpoint.RevokedKeyIDs)
	sort.Strings(normalized)
	hash, err := revokedKeysHash(normalized)
	if err != nil {
		return nil, err
	}
	if hash != checkpoint.RevokedSetHash {
		return nil, fmt.Errorf("membership: checkpoint hash mismatch for node %s", nodeID)
	}

	out := make(map[string]struct{}, len(normalized))
	for _, id := range normalized {
		out[id] = struct{}{}
	}
	return out, nil
}

func contains(haystack []string, needle string) bool {
	for _, v := range haystack {
		if v == needle {
			return true
		}
	}
	return false
}
