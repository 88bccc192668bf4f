// Package challenge implements the Merkle challenge gate: before a follower
// accepts a commit, it re-hashes a sampled subset of referenced blobs
// locally, then asks peers to confirm the same hashes over the network.
package challenge

import (
	"context"
	"fmt"
	"sort"

	"github.com/eng-cc/agent-world/cas"
)

// LocalSource fetches blob bytes from the follower's own content-addressed
// store for re-hashing.
type LocalSource interface {
	GetBlob(ctx context.Context, hash cas.Hash) ([]byte, error)
}

// NetworkProbe asks peers for a blob and reports how many independent
// responses hashed to exactly the expected value.
type NetworkProbe interface {
	ProbeBlob(ctx context.Context, hash cas.Hash) (matchCount int, err error)
}

// Gate runs the two-phase local/network challenge over a sampled subset of
// a commit's referenced blob hashes.
type Gate struct {
	local            LocalSource
	network          NetworkProbe // nil disables the network phase
	sampleSize       int
	networkThreshold int
}

// NewGate constructs a Gate. sampleSize bounds how many of the referenced
// blobs are probed per check; networkThreshold is the minimum number of
// matching peer responses required per sampled blob. network may be nil to
// run the local phase only (e.g. a single-node deployment).
func NewGate(local LocalSource, network NetworkProbe, sampleSize, networkThreshold int) *Gate {
	if sampleSize <= 0 {
		sampleSize = 1
	}
	return &Gate{local: local, network: network, sampleSize: sampleSize, networkThreshold: networkThreshold}
}

// Check runs the challenge gate over referencedBlobHashes. It returns a
// descriptive error naming "storage challenge gate failed" for a local
// rehash mismatch, or "network threshold unmet" for an insufficient peer
// confirmation count.
func (g *Gate) Check(ctx context.Context, referencedBlobHashes []cas.Hash) error {
	sample := g.sample(referencedBlobHashes)

	for _, h := range sample {
		raw, err := g.local.GetBlob(ctx, h)
		if err != nil {
			return fmt.Errorf("storage challenge gate failed: fetch %s: %w", h, err)
		}
		if cas.HashBytes(raw) != h {
			return fmt.Errorf("storage challenge gate failed: local rehash mismatch for %s", h)
		}
	}

	if g.network == nil {
		return nil
	}
	for _, h := range sample {
		matches, err := g.network.ProbeBlob(ctx, h)
		if err != nil {
			return fmt.Errorf("network threshold unmet: probe %s: %w", h, err)
		}
		if matches < g.networkThreshold {
			return fmt.Errorf("network threshold unmet: blob %s got %d/%d matching peer responses", h, matches, g.networkThreshold)
		}
	}
	return nil
}

// sample deterministically selects up to sampleSize hashes, sorted so the
// same input set always yields the same probe set regardless of the
// referencing slice's original order.
func (g *Gate) sample(hashes []cas.Hash) []cas.Hash {
	sorted := append([]cas.Hash(nil), hashes...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	if len(sorted) <= g.sampleSize {
		return sorted
	}
	return sorted[:g.sampleSize]
}
