package membership

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeCheckpointBus struct {
	mu      sync.Mutex
	pending map[string][]RevocationCheckpointAnnounce
}

func newFakeCheckpointBus() *fakeCheckpointBus {
	return &fakeCheckpointBus{pending: make(map[string][]RevocationCheckpointAnnounce)}
}

func (b *fakeCheckpointBus) PublishCheckpoint(worldID string, announce RevocationCheckpointAnnounce) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pending[worldID] = append(b.pending[worldID], announce)
	return nil
}

func (b *fakeCheckpointBus) DrainCheckpoints() ([]RevocationCheckpointAnnounce, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var all []RevocationCheckpointAnnounce
	for world, items := range b.pending {
		all = append(all, items...)
		delete(b.pending, world)
	}
	return all, nil
}

func TestNewRevocationCheckpointDedupesAndSortsAndHashes(t *testing.T) {
	c1, err := NewRevocationCheckpoint("w1", "n1", 100, []string{"b", "a", "a"})
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b"}, c1.RevokedKeyIDs)
	require.NotEmpty(t, c1.RevokedSetHash)

	c2, err := NewRevocationCheckpoint("w1", "n1", 200, []string{"a", "b"})
	require.NoError(t, err)
	require.Equal(t, c1.RevokedSetHash, c2.RevokedSetHash, "hash depends only on the revoked set, not announce time")
}

func TestNewRevocationCheckpointRejectsInvalidIDs(t *testing.T) {
	_, err := NewRevocationCheckpoint("", "n1", 100, nil)
	require.Error(t, err)
	_, err = NewRevocationCheckpoint("w1", "", 100, nil)
	require.Error(t, err)
}

func TestPublishCheckpointBuildsFromKeyringRevokedKeys(t *testing.T) {
	k, err := NewKeyring("w1", nil)
	require.NoError(t, err)
	require.NoError(t, k.AddKey("k1", []byte{1}))
	_, err = k.RevokeKey("k1", 50)
	require.NoError(t, err)

	bus := newFakeCheckpointBus()
	announce, err := PublishCheckpoint(bus, k, "n1", 100)
	require.NoError(t, err)
	require.Equal(t, []string{"k1"}, announce.RevokedKeyIDs)

	drained, err := bus.DrainCheckpoints()
	require.NoError(t, err)
	require.Len(t, drained, 1)
	require.Equal(t, announce, drained[0])
}
