// Package guard implements the replication single-writer guard: each
// follower persists {writer_id, writer_epoch, last_sequence} per world and
// rejects commit messages that would fork or replay the replication stream.
package guard

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/eng-cc/agent-world/consensus"
	"github.com/eng-cc/agent-world/storage"
)

// ErrForkOrStale is returned when a commit message fails every acceptance
// rule: neither a valid continuation from the current writer nor a valid
// epoch handover to a new one.
var ErrForkOrStale = errors.New("guard: commit message rejected as fork or stale")

// Record is the persisted single-writer guard state for one world.
type Record struct {
	WriterID     string `json:"writerId"`
	WriterEpoch  uint64 `json:"writerEpoch"`
	LastSequence uint64 `json:"lastSequence"`
}

// Guard enforces the single-writer invariants over a persisted Record per
// world, backed by the same storage.Database interface the rest of the node
// uses (spec's "protected by an exclusive on-disk lock" is satisfied by the
// database's own write serialization; Guard additionally serializes Accept
// calls in-process via mu).
type Guard struct {
	mu sync.Mutex
	db storage.Database
}

// New constructs a Guard over db.
func New(db storage.Database) *Guard {
	return &Guard{db: db}
}

func recordKey(worldID string) []byte {
	return []byte("consensus/guard/" + worldID)
}

// Load returns the persisted record for worldID, or the zero Record if none
// exists yet (a world that has never accepted a commit).
func (g *Guard) Load(worldID string) (Record, error) {
	raw, err := g.db.Get(recordKey(worldID))
	if err != nil {
		return Record{}, nil
	}
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return Record{}, fmt.Errorf("guard: decode record for %s: %w", worldID, err)
	}
	return rec, nil
}

// Accept validates msg against the persisted guard record for its world and,
// if accepted, advances the record. The writer identity is the address that
// msg's signature recovers to.
//
// Same writer_id: accept iff writer_epoch == stored_epoch and
// sequence > stored_sequence. Different writer_id: accept iff
// writer_epoch > stored_epoch. Otherwise: reject as fork/stale.
func (g *Guard) Accept(msg *consensus.CommitMessage) error {
	signer, err := msg.RecoverSigner()
	if err != nil {
		return err
	}
	writerID := signer.String()

	g.mu.Lock()
	defer g.mu.Unlock()

	current, err := g.Load(msg.WorldID)
	if err != nil {
		return err
	}

	accept := false
	switch {
	case current.WriterID == "":
		// First commit ever observed for this world: any epoch/sequence
		// establishes the initial writer.
		accept = true
	case current.WriterID == writerID:
		accept = msg.WriterEpoch == current.WriterEpoch && msg.Sequence > current.LastSequence
	default:
		accept = msg.WriterEpoch > current.WriterEpoch
	}
	if !accept {
		return fmt.Errorf("%w: world=%s writer=%s epoch=%d sequence=%d stored_writer=%s stored_epoch=%d stored_sequence=%d",
			ErrForkOrStale, msg.WorldID, writerID, msg.WriterEpoch, msg.Sequence,
			current.WriterID, current.WriterEpoch, current.LastSequence)
	}

	next := Record{WriterID: writerID, WriterEpoch: msg.WriterEpoch, LastSequence: msg.Sequence}
	encoded, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("guard: encode record: %w", err)
	}
	return g.db.Put(recordKey(msg.WorldID), encoded)
}
