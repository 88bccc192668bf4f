package p2p

import (
	"context"
	"time"

	"github.com/eng-cc/agent-world/p2p/seeds"
)

// ApplySeedRegistry resolves a governance-published network.seeds registry
// (DNS authorities plus static fallbacks) and merges the result into this
// server's bootstrap seed list. Call it before Start so the connection
// manager is constructed with the merged set; resolution after Start has no
// effect on the already-running dialer loops.
func (s *Server) ApplySeedRegistry(ctx context.Context, reg *seeds.Registry, resolver seeds.Resolver, now time.Time) error {
	if reg == nil {
		return nil
	}
	resolved, err := reg.Resolve(ctx, now, resolver)

	s.mu.Lock()
	merged := append([]seedEndpoint(nil), s.seeds...)
	seen := make(map[string]struct{}, len(merged))
	for _, seed := range merged {
		seen[seed.NodeID+"@"+seed.Address] = struct{}{}
	}
	for _, r := range resolved {
		nodeID := normalizeHex(r.NodeID)
		if nodeID == "" || r.Address == "" {
			continue
		}
		key := nodeID + "@" + r.Address
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		merged = append(merged, seedEndpoint{NodeID: nodeID, Address: r.Address})
	}
	s.seeds = merged
	s.mu.Unlock()

	return err
}
