package membership

import (
	"fmt"

	"github.com/eng-cc/agent-world/cas"
)

// RevocationCheckpointAnnounce is the pubsub payload a node publishes on the
// reconcile topic: its current revoked-key set, hashed for tamper detection.
type RevocationCheckpointAnnounce struct {
	WorldID        string   `cbor:"world_id"`
	NodeID         string   `cbor:"node_id"`
	AnnouncedAtMs  int64    `cbor:"announced_at_ms"`
	RevokedKeyIDs  []string `cbor:"revoked_key_ids"`
	RevokedSetHash string   `cbor:"revoked_set_hash"`
}

// NewRevocationCheckpoint builds a checkpoint announce from a keyring's
// current revoked-key set.
func NewRevocationCheckpoint(worldID, nodeID string, announcedAtMs int64, revokedKeyIDs []string) (RevocationCheckpointAnnounce, error) {
	world, err := normalizedWorldID(worldID)
	if err != nil {
		return RevocationCheckpointAnnounce{}, err
	}
	node, err := normalizedNodeID(nodeID)
	if err != nil {
		return RevocationCheckpointAnnounce{}, err
	}
	normalized := cas.SortedStrings(dedupe(revokedKeyIDs))
	hash, err := revokedKeysHash(normalized)
	if err != nil {
		return RevocationCheckpointAnnounce{}, err
	}
	return RevocationCheckpointAnnounce{
		WorldID:        world,
		NodeID:         node,
		AnnouncedAtMs:  announcedAtMs,
		RevokedKeyIDs:  normalized,
		RevokedSetHash: hash,
	}, nil
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// revokedKeysHash computes sha256_hex(canonical_cbor(sorted unique
// revoked_key_ids)), the hash spec.md §4.1 calls revoked_set_hash.
func revokedKeysHash(sortedUniqueIDs []string) (string, error) {
	encoded, err := cas.CanonicalCBOR(sortedUniqueIDs)
	if err != nil {
		return "", err
	}
	return string(cas.HashBytes(encoded)), nil
}

// Publisher broadcasts a checkpoint announce over a world's reconcile topic.
type Publisher interface {
	PublishCheckpoint(worldID string, announce RevocationCheckpointAnnounce) error
}

// Subscription drains checkpoint announces received since the last drain.
type Subscription interface {
	DrainCheckpoints() ([]RevocationCheckpointAnnounce, error)
}

// PublishCheckpoint builds and publishes a checkpoint from the keyring's
// current revoked-key set.
func PublishCheckpoint(pub Publisher, keyring *Keyring, nodeID string, announcedAtMs int64) (RevocationCheckpointAnnounce, error) {
	checkpoint, err := NewRevocationCheckpoint(keyring.WorldID(), nodeID, announcedAtMs, keyring.RevokedKeys())
	if err != nil {
		return RevocationCheckpointAnnounce{}, err
	}
	if err := pub.PublishCheckpoint(keyring.WorldID(), checkpoint); err != nil {
		return RevocationCheckpointAnnounce{}, fmt.Errorf("membership: publish checkpoint: %w", err)
	}
	return checkpoint, nil
}
