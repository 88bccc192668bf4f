package modules

import (
	"context"

	"github.com/eng-cc/agent-world/cas"
)

// CASResolver adapts the content-addressed store (component C1) to
// WASMResolver: a module's wasm_hash is just another cas.Hash, and fetching
// its bytecode is an ordinary store resolve (spec.md §4.4's three-tier
// local -> providers -> path-index fallback already lives in cas.Resolver).
type CASResolver struct {
	resolver *cas.Resolver
}

// NewCASResolver wraps a cas.Resolver for use as a Dispatcher's WASMResolver.
func NewCASResolver(r *cas.Resolver) *CASResolver {
	return &CASResolver{resolver: r}
}

// ResolveWASM implements WASMResolver.
func (c *CASResolver) ResolveWASM(ctx context.Context, wasmHash string) ([]byte, error) {
	return c.resolver.Resolve(ctx, cas.Hash(wasmHash), nil)
}
