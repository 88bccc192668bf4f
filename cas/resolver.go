package cas

import (
	"context"
	"fmt"
)

// ResolveMode selects which fallback strategies a Resolver may use, matching
// the follower fetch modes of spec.md §4.4: direct CAS, DHT provider list, or
// local path-index fallback.
type ResolveMode int

const (
	// ResolveDirect only consults the local store.
	ResolveDirect ResolveMode = iota
	// ResolveWithProviders also queries a DHT-style provider list.
	ResolveWithProviders
	// ResolveWithPathIndex also falls back to the local path index.
	ResolveWithPathIndex
)

// ProviderFetcher fetches a blob for a hash from a remote peer, used as the
// "DHT provider list" strategy. Implemented by the replication/network layer.
type ProviderFetcher interface {
	FetchFromProviders(ctx context.Context, h Hash) ([]byte, error)
}

// Resolver fetches blobs using a configured fallback chain, never performing
// blocking network I/O unless ResolveWithProviders is enabled.
type Resolver struct {
	store     *Store
	index     *PathIndex
	providers ProviderFetcher
	mode      ResolveMode
}

// NewResolver builds a Resolver over store, optionally wired with a path
// index and a provider fetcher.
func NewResolver(store *Store, index *PathIndex, providers ProviderFetcher, mode ResolveMode) *Resolver {
	return &Resolver{store: store, index: index, providers: providers, mode: mode}
}

// Resolve fetches bytes for h, trying local storage first, then (depending on
// mode) a provider list, then the path index of a logical fallback name.
func (r *Resolver) Resolve(ctx context.Context, h Hash, fallback *PathRef) ([]byte, error) {
	if r == nil || r.store == nil {
		return nil, fmt.Errorf("cas: nil resolver")
	}
	if b, err := r.store.Get(h); err == nil {
		return b, nil
	}
	if r.mode >= ResolveWithProviders && r.providers != nil {
		if b, err := r.providers.FetchFromProviders(ctx, h); err == nil {
			if HashBytes(b) != h {
				return nil, ErrHashMismatch
			}
			if _, putErr := r.store.Put(b); putErr != nil {
				return nil, putErr
			}
			return b, nil
		}
	}
	if r.mode >= ResolveWithPathIndex && r.index != nil && fallback != nil {
		resolved, err := r.index.GetPath(fallback.WorldID, fallback.Category, fallback.Name)
		if err == nil && resolved == h {
			if b, err := r.store.Get(resolved); err == nil {
				return b, nil
			}
		}
	}
	return nil, ErrNotFound
}

// PathRef names a logical path-index entry usable as a Resolve fallback.
type PathRef struct {
	WorldID  string
	Category string
	Name     string
}
