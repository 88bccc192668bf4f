package challenge

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/eng-cc/agent-world/cas"
)

type fakeLocal struct {
	blobs map[cas.Hash][]byte
}

func (f *fakeLocal) GetBlob(ctx context.Context, hash cas.Hash) ([]byte, error) {
	raw, ok := f.blobs[hash]
	if !ok {
		return nil, fmt.Errorf("not found")
	}
	return raw, nil
}

type fakeNetwork struct {
	matches map[cas.Hash]int
}

func (f *fakeNetwork) ProbeBlob(ctx context.Context, hash cas.Hash) (int, error) {
	return f.matches[hash], nil
}

func blobSet(contents ...string) (*fakeLocal, []cas.Hash) {
	local := &fakeLocal{blobs: map[cas.Hash][]byte{}}
	var hashes []cas.Hash
	for _, c := range contents {
		h := cas.HashBytes([]byte(c))
		local.blobs[h] = []byte(c)
		hashes = append(hashes, h)
	}
	return local, hashes
}

func TestCheckPassesWhenLocalRehashMatchesAndNoNetworkProbe(t *testing.T) {
	local, hashes := blobSet("a", "b", "c")
	g := NewGate(local, nil, 10, 1)
	require.NoError(t, g.Check(context.Background(), hashes))
}

func TestCheckFailsLocalProbeOnCorruptBlob(t *testing.T) {
	local, hashes := blobSet("a", "b")
	local.blobs[hashes[0]] = []byte("corrupted")
	g := NewGate(local, nil, 10, 1)
	err := g.Check(context.Background(), hashes)
	require.ErrorContains(t, err, "storage challenge gate failed")
}

func TestCheckFailsNetworkProbeBelowThreshold(t *testing.T) {
	local, hashes := blobSet("a", "b")
	net := &fakeNetwork{matches: map[cas.Hash]int{hashes[0]: 3, hashes[1]: 1}}
	g := NewGate(local, net, 10, 2)
	err := g.Check(context.Background(), hashes)
	require.ErrorContains(t, err, "network threshold unmet")
}

func TestCheckPassesNetworkProbeAtThreshold(t *testing.T) {
	local, hashes := blobSet("a", "b")
	net := &fakeNetwork{matches: map[cas.Hash]int{hashes[0]: 2, hashes[1]: 2}}
	g := NewGate(local, net, 10, 2)
	require.NoError(t, g.Check(context.Background(), hashes))
}

func TestCheckOnlyProbesSampledSubset(t *testing.T) {
	local, hashes := blobSet("a", "b", "c", "d")
	calls := map[cas.Hash]int{}
	net := &recordingNetwork{calls: calls, matches: map[cas.Hash]int{}}
	for _, h := range hashes {
		net.matches[h] = 5
	}
	g := NewGate(local, net, 2, 1)
	require.NoError(t, g.Check(context.Background(), hashes))
	require.Len(t, calls, 2)
}

type recordingNetwork struct {
	calls   map[cas.Hash]int
	matches map[cas.Hash]int
}

func (r *recordingNetwork) ProbeBlob(ctx context.Context, hash cas.Hash) (int, error) {
	r.calls[hash]++
	return r.matches[hash], nil
}
