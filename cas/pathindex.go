package cas

import (
	"fmt"
	"strings"

	"github.com/syndtr/goleveldb/leveldb/util"
)

// PathIndex is the secondary (world_id, category, logical_name) -> hash map
// described in spec.md §4.1 and persisted under path_index/<world>/<category>/<name>.
// It allows cold-start bootstrap (e.g. loading the last snapshot manifest for
// a world) without needing the network.
type PathIndex struct {
	store *Store
}

// NewPathIndex wraps a Store with path-indexing helpers.
func NewPathIndex(store *Store) *PathIndex {
	return &PathIndex{store: store}
}

func pathIndexKey(worldID, category, name string) []byte {
	return []byte(fmt.Sprintf("path_index/%s/%s/%s", worldID, category, name))
}

// PutPath atomically associates (worldID, category, name) with hash h.
func (p *PathIndex) PutPath(worldID, category, name string, h Hash) error {
	if p == nil || p.store == nil {
		return fmt.Errorf("cas: nil path index")
	}
	return p.store.db.Put(pathIndexKey(worldID, category, name), []byte(h))
}

// GetPath resolves a logical name to its current content hash.
func (p *PathIndex) GetPath(worldID, category, name string) (Hash, error) {
	if p == nil || p.store == nil {
		return "", fmt.Errorf("cas: nil path index")
	}
	raw, err := p.store.db.Get(pathIndexKey(worldID, category, name))
	if err != nil {
		return "", ErrNotFound
	}
	return Hash(raw), nil
}

// lister is implemented by backing databases that can enumerate their keys;
// used by list_files/exists enumerators for GC and challenge probes.
type lister interface {
	Iterate(prefix []byte, fn func(key, value []byte) error) error
}

func (l *levelDBAdapter) Iterate(prefix []byte, fn func(key, value []byte) error) error {
	iter := l.db.NewIterator(util.BytesPrefix(prefix), nil)
	defer iter.Release()
	for iter.Next() {
		key := append([]byte(nil), iter.Key()...)
		value := append([]byte(nil), iter.Value()...)
		if err := fn(key, value); err != nil {
			return err
		}
	}
	return iter.Error()
}

func (m *MemDB) Iterate(prefix []byte, fn func(key, value []byte) error) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for k, v := range m.data {
		if !strings.HasPrefix(k, string(prefix)) {
			continue
		}
		if err := fn([]byte(k), append([]byte(nil), v...)); err != nil {
			return err
		}
	}
	return nil
}

// ListFiles enumerates every stored content hash, for GC and challenge probes.
func (s *Store) ListFiles() ([]Hash, error) {
	l, ok := s.db.(lister)
	if !ok {
		return nil, fmt.Errorf("cas: backing database does not support enumeration")
	}
	var hashes []Hash
	prefix := []byte("blob:")
	err := l.Iterate(prefix, func(key, _ []byte) error {
		hashes = append(hashes, Hash(key[len(prefix):]))
		return nil
	})
	return hashes, err
}
