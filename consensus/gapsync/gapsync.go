// Package gapsync fills replication gaps: when a follower observes a commit
// at a height beyond committed_height+1, it requests the missing commits by
// height from a replication peer, retrying with exponential backoff up to a
// bounded number of attempts.
package gapsync

import (
	"context"
	"fmt"
	"sync"

	"github.com/cenkalti/backoff/v4"

	"github.com/eng-cc/agent-world/consensus"
)

// PeerRequester fetches a single missing commit message by height from any
// replication peer.
type PeerRequester interface {
	RequestCommit(ctx context.Context, worldID string, height uint64) (*consensus.CommitMessage, error)
}

// GapError records the last failure encountered while filling a gap, with
// the number of attempts made before giving up.
type GapError struct {
	WorldID  string
	Height   uint64
	Attempts int
	Err      error
}

func (e *GapError) Error() string {
	return fmt.Sprintf("gapsync: world=%s height=%d failed after %d attempts: %v", e.WorldID, e.Height, e.Attempts, e.Err)
}

func (e *GapError) Unwrap() error { return e.Err }

// Syncer drives gap-fill requests against a PeerRequester.
type Syncer struct {
	requester   PeerRequester
	maxAttempts int
	newBackoff  func() backoff.BackOff

	mu        sync.Mutex
	lastError map[string]*GapError
}

// NewSyncer constructs a Syncer. maxAttempts bounds retries per height
// (spec's example default is 3); values <= 0 are treated as 1.
func NewSyncer(requester PeerRequester, maxAttempts int) *Syncer {
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	return &Syncer{
		requester:   requester,
		maxAttempts: maxAttempts,
		newBackoff:  func() backoff.BackOff { return backoff.NewExponentialBackOff() },
		lastError:   make(map[string]*GapError),
	}
}

// SyncGap fills every height in (committedHeight, observedHeight) by
// requesting it from a peer, stopping at the first height that exhausts its
// attempt budget. Messages fetched before the failure are returned alongside
// the error so the caller can apply what succeeded.
func (s *Syncer) SyncGap(ctx context.Context, worldID string, committedHeight, observedHeight uint64) ([]*consensus.CommitMessage, error) {
	if observedHeight <= committedHeight+1 {
		return nil, nil
	}
	var out []*consensus.CommitMessage
	for h := committedHeight + 1; h < observedHeight; h++ {
		msg, attempts, err := s.fetchWithBackoff(ctx, worldID, h)
		if err != nil {
			gapErr := &GapError{WorldID: worldID, Height: h, Attempts: attempts, Err: err}
			s.recordLastError(worldID, gapErr)
			return out, gapErr
		}
		out = append(out, msg)
	}
	s.clearLastError(worldID)
	return out, nil
}

func (s *Syncer) fetchWithBackoff(ctx context.Context, worldID string, height uint64) (*consensus.CommitMessage, int, error) {
	var result *consensus.CommitMessage
	attempts := 0

	bo := backoff.WithContext(backoff.WithMaxRetries(s.newBackoff(), uint64(s.maxAttempts-1)), ctx)
	op := func() error {
		attempts++
		msg, err := s.requester.RequestCommit(ctx, worldID, height)
		if err != nil {
			return err
		}
		result = msg
		return nil
	}
	if err := backoff.Retry(op, bo); err != nil {
		return nil, attempts, err
	}
	return result, attempts, nil
}

func (s *Syncer) recordLastError(worldID string, err *GapError) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastError[worldID] = err
}

func (s *Syncer) clearLastError(worldID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.lastError, worldID)
}

// LastError returns the most recent gap-fill failure recorded for worldID,
// if any, preserved until the next successful SyncGap for that world.
func (s *Syncer) LastError(worldID string) (*GapError, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	err, ok := s.lastError[worldID]
	return err, ok
}
