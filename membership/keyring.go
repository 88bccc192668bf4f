package membership

import (
	"sort"
	"sync"
)

// Keyring tracks one node's view of a world's signer-key directory and the
// subset of keys it considers revoked. It is the mutable, in-process
// counterpart to the persisted Directory: reconciliation mutates a Keyring,
// and callers decide when to flush it back to a Directory.
type Keyring struct {
	mu      sync.RWMutex
	worldID string
	keys    map[string]*SignerKey
}

// NewKeyring builds a Keyring for worldID, seeded from an existing snapshot
// (e.g. loaded from a Directory). A nil or empty seed starts empty.
func NewKeyring(worldID string, seed []SignerKey) (*Keyring, error) {
	world, err := normalizedWorldID(worldID)
	if err != nil {
		return nil, err
	}
	k := &Keyring{worldID: world, keys: make(map[string]*SignerKey, len(seed))}
	for _, s := range seed {
		copyOf := s
		k.keys[s.KeyID] = &copyOf
	}
	return k, nil
}

// AddKey registers a signer's public key. It is a no-op (not an error) if the
// key id already exists, whatever key material is passed; the existing
// material is kept.
func (k *Keyring) AddKey(keyID string, publicKey []byte) error {
	id, err := normalizedKeyID(keyID)
	if err != nil {
		return err
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	if _, exists := k.keys[id]; !exists {
		k.keys[id] = &SignerKey{KeyID: id, PublicKey: append([]byte(nil), publicKey...)}
	}
	return nil
}

// RevokeKey marks keyID revoked at revokedAtMs. It returns true if this call
// actually changed the key's state (false if already revoked); an unknown key
// id is added as a revoked entry.
func (k *Keyring) RevokeKey(keyID string, revokedAtMs int64) (bool, error) {
	id, err := normalizedKeyID(keyID)
	if err != nil {
		return false, err
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	key, ok := k.keys[id]
	if !ok {
		key = &SignerKey{KeyID: id}
		k.keys[id] = key
	}
	if key.Revoked {
		return false, nil
	}
	key.Revoked = true
	key.RevokedAtMs = revokedAtMs
	return true, nil
}

// RevokedKeys returns the sorted list of currently-revoked key ids.
func (k *Keyring) RevokedKeys() []string {
	k.mu.RLock()
	defer k.mu.RUnlock()
	out := make([]string, 0, len(k.keys))
	for id, key := range k.keys {
		if key.Revoked {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// Snapshot returns a copy of every key in the keyring, suitable for
// persisting via Directory.Save.
func (k *Keyring) Snapshot() []SignerKey {
	k.mu.RLock()
	defer k.mu.RUnlock()
	out := make([]SignerKey, 0, len(k.keys))
	ids := make([]string, 0, len(k.keys))
	for id := range k.keys {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		out = append(out, *k.keys[id])
	}
	return out
}

// WorldID returns the world this keyring tracks.
func (k *Keyring) WorldID() string {
	return k.worldID
}
