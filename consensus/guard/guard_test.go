package guard

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/eng-cc/agent-world/consensus"
	"github.com/eng-cc/agent-world/crypto"
	"github.com/eng-cc/agent-world/storage"
)

func signedCommit(t *testing.T, key *crypto.PrivateKey, worldID string, height, epoch, seq uint64) *consensus.CommitMessage {
	t.Helper()
	msg := &consensus.CommitMessage{
		WorldID:     worldID,
		Height:      height,
		BlockHash:   []byte("hash"),
		StateRoot:   []byte("root"),
		Sequence:    seq,
		WriterEpoch: epoch,
	}
	require.NoError(t, msg.Sign(key))
	return msg
}

func TestGuardAcceptsFirstCommitForAWorld(t *testing.T) {
	key, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	g := New(storage.NewMemDB())

	msg := signedCommit(t, key, "w1", 1, 1, 1)
	require.NoError(t, g.Accept(msg))

	rec, err := g.Load("w1")
	require.NoError(t, err)
	require.Equal(t, uint64(1), rec.WriterEpoch)
	require.Equal(t, uint64(1), rec.LastSequence)
}

func TestGuardAcceptsIncreasingSequenceSameEpoch(t *testing.T) {
	key, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	g := New(storage.NewMemDB())

	require.NoError(t, g.Accept(signedCommit(t, key, "w1", 1, 1, 1)))
	require.NoError(t, g.Accept(signedCommit(t, key, "w1", 2, 1, 2)))
}

func TestGuardRejectsReplaySameEpoch(t *testing.T) {
	key, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	g := New(storage.NewMemDB())

	require.NoError(t, g.Accept(signedCommit(t, key, "w1", 1, 1, 5)))
	err = g.Accept(signedCommit(t, key, "w1", 2, 1, 5))
	require.ErrorIs(t, err, ErrForkOrStale)
}

func TestGuardRejectsLowerEpochFromSameWriter(t *testing.T) {
	key, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	g := New(storage.NewMemDB())

	require.NoError(t, g.Accept(signedCommit(t, key, "w1", 1, 2, 1)))
	err = g.Accept(signedCommit(t, key, "w1", 2, 1, 2))
	require.ErrorIs(t, err, ErrForkOrStale)
}

func TestGuardAcceptsNewWriterWithHigherEpoch(t *testing.T) {
	key1, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	key2, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	g := New(storage.NewMemDB())

	require.NoError(t, g.Accept(signedCommit(t, key1, "w1", 1, 1, 10)))
	require.NoError(t, g.Accept(signedCommit(t, key2, "w1", 2, 2, 1)))

	rec, err := g.Load("w1")
	require.NoError(t, err)
	require.Equal(t, uint64(2), rec.WriterEpoch)
	require.Equal(t, uint64(1), rec.LastSequence)
}

func TestGuardRejectsNewWriterWithSameOrLowerEpoch(t *testing.T) {
	key1, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	key2, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	g := New(storage.NewMemDB())

	require.NoError(t, g.Accept(signedCommit(t, key1, "w1", 1, 2, 10)))
	err = g.Accept(signedCommit(t, key2, "w1", 2, 2, 1))
	require.ErrorIs(t, err, ErrForkOrStale)
}

func TestGuardKeepsWorldsIndependent(t *testing.T) {
	key, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	g := New(storage.NewMemDB())

	require.NoError(t, g.Accept(signedCommit(t, key, "w1", 1, 1, 5)))
	require.NoError(t, g.Accept(signedCommit(t, key, "w2", 1, 1, 1)))
}
