package membership

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewKeyringRejectsInvalidWorldID(t *testing.T) {
	_, err := NewKeyring("", nil)
	require.Error(t, err)
}

func TestKeyringAddKeyIsIdempotent(t *testing.T) {
	k, err := NewKeyring("w1", nil)
	require.NoError(t, err)

	require.NoError(t, k.AddKey("k1", []byte{1, 2}))
	require.NoError(t, k.AddKey("k1", []byte{9, 9}))

	snap := k.Snapshot()
	require.Len(t, snap, 1)
	require.Equal(t, []byte{1, 2}, snap[0].PublicKey)
}

func TestKeyringRevokeKeyReportsChange(t *testing.T) {
	k, err := NewKeyring("w1", nil)
	require.NoError(t, err)
	require.NoError(t, k.AddKey("k1", []byte{1}))

	changed, err := k.RevokeKey("k1", 1000)
	require.NoError(t, err)
	require.True(t, changed)

	changed, err = k.RevokeKey("k1", 2000)
	require.NoError(t, err)
	require.False(t, changed)

	require.Equal(t, []string{"k1"}, k.RevokedKeys())
}

func TestKeyringRevokeUnknownKeyCreatesIt(t *testing.T) {
	k, err := NewKeyring("w1", nil)
	require.NoError(t, err)

	changed, err := k.RevokeKey("ghost", 500)
	require.NoError(t, err)
	require.True(t, changed)
	require.Equal(t, []string{"ghost"}, k.RevokedKeys())
}

func TestKeyringSnapshotSortedAndSeeded(t *testing.T) {
	seed := []SignerKey{
		{KeyID: "b"},
		{KeyID: "a", Revoked: true, RevokedAtMs: 10},
	}
	k, err := NewKeyring("w1", seed)
	require.NoError(t, err)

	snap := k.Snapshot()
	require.Len(t, snap, 2)
	require.Equal(t, "a", snap[0].KeyID)
	require.Equal(t, "b", snap[1].KeyID)
	require.Equal(t, []string{"a"}, k.RevokedKeys())
	require.Equal(t, "w1", k.WorldID())
}

func TestKeyringMutatingSnapshotDoesNotAffectKeyring(t *testing.T) {
	k, err := NewKeyring("w1", []SignerKey{{KeyID: "a"}})
	require.NoError(t, err)

	snap := k.Snapshot()
	snap[0].Revoked = true

	require.Empty(t, k.RevokedKeys())
}
