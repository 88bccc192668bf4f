package cas

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fxamacker/cbor/v2"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/syndtr/goleveldb/leveldb"
)

// ErrNotFound is returned when a requested content hash has no blob.
var ErrNotFound = errors.New("cas: blob not found")

// ErrHashMismatch is returned when a read blob no longer hashes to its key,
// signalling on-disk corruption (spec.md §4.1 failure modes).
var ErrHashMismatch = errors.New("cas: hash mismatch on read")

const readCacheSize = 4096

// Database is the minimal key-value contract the store needs from its
// backing engine. It mirrors the teacher's storage.Database interface so the
// same LevelDB/MemDB implementations serve both the legacy and CAS paths.
type Database interface {
	Put(key []byte, value []byte) error
	Get(key []byte) ([]byte, error)
	Close()
}

// Store is the hash-indexed blob store of spec.md §4.1 (C1). It is safe for
// concurrent use: writes are idempotent and reads are served from a bounded
// LRU cache in front of the backing database.
type Store struct {
	mu    sync.RWMutex
	db    Database
	cache *lru.Cache[Hash, []byte]
}

// New wraps an existing Database as a content-addressed blob store.
func New(db Database) (*Store, error) {
	if db == nil {
		return nil, errors.New("cas: nil backing database")
	}
	cache, err := lru.New[Hash, []byte](readCacheSize)
	if err != nil {
		return nil, fmt.Errorf("cas: building read cache: %w", err)
	}
	return &Store{db: db, cache: cache}, nil
}

// Open opens (or creates) a LevelDB-backed store rooted at dir/store.
func Open(dir string) (*Store, error) {
	storeDir := filepath.Join(dir, "store")
	if err := os.MkdirAll(storeDir, 0o755); err != nil {
		return nil, fmt.Errorf("cas: preparing store directory: %w", err)
	}
	ldb, err := leveldb.OpenFile(storeDir, nil)
	if err != nil {
		return nil, fmt.Errorf("cas: opening leveldb: %w", err)
	}
	return New(&levelDBAdapter{db: ldb})
}

func blobKey(h Hash) []byte {
	return append([]byte("blob:"), []byte(h)...)
}

// Put computes hash(bytes) and durably stores it, returning the content hash.
// Concurrent Put of identical bytes is safe and idempotent.
func (s *Store) Put(b []byte) (Hash, error) {
	if s == nil {
		return "", errors.New("cas: nil store")
	}
	h := HashBytes(b)
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.db.Put(blobKey(h), b); err != nil {
		return "", fmt.Errorf("cas: put %s: %w", h, err)
	}
	stored := append([]byte(nil), b...)
	s.cache.Add(h, stored)
	return h, nil
}

// Get returns the bytes for hash h, verifying the digest matches on every
// read so torn or corrupted blobs are never silently returned (the caller
// need not re-verify, but challenge-gate callers do so anyway per spec.md).
func (s *Store) Get(h Hash) ([]byte, error) {
	if s == nil {
		return nil, errors.New("cas: nil store")
	}
	s.mu.RLock()
	if cached, ok := s.cache.Get(h); ok {
		s.mu.RUnlock()
		return append([]byte(nil), cached...), nil
	}
	s.mu.RUnlock()

	raw, err := s.db.Get(blobKey(h))
	if err != nil {
		return nil, ErrNotFound
	}
	if HashBytes(raw) != h {
		return nil, ErrHashMismatch
	}
	s.mu.Lock()
	s.cache.Add(h, append([]byte(nil), raw...))
	s.mu.Unlock()
	return raw, nil
}

// Exists reports whether a blob for h is present, without returning its bytes.
func (s *Store) Exists(h Hash) bool {
	_, err := s.Get(h)
	return err == nil
}

// PutValue canonically CBOR-encodes v, stores the resulting blob, and returns
// its content hash — the common path for snapshots, journal segments, and
// module artifacts referenced by hash elsewhere in the system.
func (s *Store) PutValue(v any) (Hash, error) {
	h, encoded, err := HashPayload(v)
	if err != nil {
		return "", err
	}
	if _, err := s.Put(encoded); err != nil {
		return "", err
	}
	return h, nil
}

// GetValue fetches the blob for h and decodes it as CBOR into out.
func (s *Store) GetValue(h Hash, out any) error {
	raw, err := s.Get(h)
	if err != nil {
		return err
	}
	return cbor.Unmarshal(raw, out)
}

// Close releases the backing database.
func (s *Store) Close() {
	if s == nil || s.db == nil {
		return
	}
	s.db.Close()
}

type levelDBAdapter struct {
	db *leveldb.DB
}

func (l *levelDBAdapter) Put(key, value []byte) error { return l.db.Put(key, value, nil) }
func (l *levelDBAdapter) Get(key []byte) ([]byte, error) {
	return l.db.Get(key, nil)
}
func (l *levelDBAdapter) Close() { l.db.Close() }

// MemDB is an in-memory Database, used for tests and ephemeral nodes.
type MemDB struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewMemDB constructs an empty in-memory database.
func NewMemDB() *MemDB {
	return &MemDB{data: make(map[string][]byte)}
}

func (m *MemDB) Put(key, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[string(key)] = append([]byte(nil), value...)
	return nil
}

func (m *MemDB) Get(key []byte) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[string(key)]
	if !ok {
		return nil, fmt.Errorf("cas: key not found")
	}
	return append([]byte(nil), v...), nil
}

func (m *MemDB) Close() {}
