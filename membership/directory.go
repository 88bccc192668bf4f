// Package membership distributes signing-key directories across nodes,
// reconciles revocation divergence, alerts on anomalies, and archives audit
// history of rollback/recovery drills. It implements spec.md's §4.5
// membership reconciliation component: every node keeps a keyring of known
// signer public keys, periodically publishes a revocation checkpoint, and
// reconciles against checkpoints received from peers.
package membership

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/eng-cc/agent-world/storage"
)

// SignerKey is one entry in a membership directory: a signer's public key
// material plus whether it has been revoked.
type SignerKey struct {
	KeyID       string `json:"key_id"`
	PublicKey   []byte `json:"public_key"`
	Revoked     bool   `json:"revoked"`
	RevokedAtMs int64  `json:"revoked_at_ms,omitempty"`
}

func directoryKey(worldID string) []byte {
	return []byte("membership/directory/" + worldID)
}

// Directory persists the per-world signer-key directory backing a Keyring.
type Directory struct {
	db storage.Database
}

// NewDirectory constructs a Directory backed by db.
func NewDirectory(db storage.Database) *Directory {
	return &Directory{db: db}
}

// Load returns the directory's keys for a world, or an empty slice if none
// has ever been saved.
func (d *Directory) Load(worldID string) ([]SignerKey, error) {
	raw, err := d.db.Get(directoryKey(worldID))
	if err != nil {
		return nil, nil
	}
	var keys []SignerKey
	if err := json.Unmarshal(raw, &keys); err != nil {
		return nil, fmt.Errorf("membership: decode directory for %s: %w", worldID, err)
	}
	return keys, nil
}

// Save persists the directory's keys for a world.
func (d *Directory) Save(worldID string, keys []SignerKey) error {
	encoded, err := json.Marshal(keys)
	if err != nil {
		return err
	}
	return d.db.Put(directoryKey(worldID), encoded)
}

// normalizedWorldID rejects empty or path-hostile world identifiers, mirroring
// the validation every consensus-facing identifier in this node receives.
func normalizedWorldID(raw string) (string, error) {
	normalized := strings.TrimSpace(raw)
	if normalized == "" {
		return "", fmt.Errorf("membership: world_id cannot be empty")
	}
	if strings.ContainsAny(normalized, "/\\") || strings.Contains(normalized, "..") {
		return "", fmt.Errorf("membership: world_id is invalid: %s", normalized)
	}
	return normalized, nil
}

func normalizedNodeID(raw string) (string, error) {
	normalized := strings.TrimSpace(raw)
	if normalized == "" {
		return "", fmt.Errorf("membership: node_id cannot be empty")
	}
	if strings.ContainsAny(normalized, "/\\") || strings.Contains(normalized, "..") {
		return "", fmt.Errorf("membership: node_id is invalid: %s", normalized)
	}
	return normalized, nil
}

func normalizedKeyID(raw string) (string, error) {
	normalized := strings.TrimSpace(raw)
	if normalized == "" {
		return "", fmt.Errorf("membership: key_id cannot be empty")
	}
	return normalized, nil
}
