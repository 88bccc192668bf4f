package bft

import (
	"encoding/json"
)

// RecordStatus is the lifecycle state of a proposed world head.
type RecordStatus string

const (
	StatusPending   RecordStatus = "pending"
	StatusCommitted RecordStatus = "committed"
	StatusRejected  RecordStatus = "rejected"
)

// SignatureScheme enumerates supported signature algorithms for consensus
// messages.
type SignatureScheme string

const (
	SignatureSchemeSecp256k1 SignatureScheme = "secp256k1"
	SignatureSchemeEd25519   SignatureScheme = "ed25519"
)

// Signature encapsulates a validator's signature together with the key type
// metadata required for verification.
type Signature struct {
	Scheme    SignatureScheme `json:"scheme"`
	Signature []byte          `json:"signature"`
	PublicKey []byte          `json:"publicKey,omitempty"`
}

// HeadProposal is the payload of a propose_head call.
type HeadProposal struct {
	WorldID   string `json:"worldId"`
	Height    uint64 `json:"height"`
	BlockHash []byte `json:"blockHash"`
	Proposer  string `json:"proposer"`
	Timestamp int64  `json:"timestamp"`
}

// HeadVote is the payload of a vote_head call.
type HeadVote struct {
	WorldID   string `json:"worldId"`
	Height    uint64 `json:"height"`
	BlockHash []byte `json:"blockHash"`
	Validator string `json:"validator"`
	Approve   bool   `json:"approve"`
	Timestamp int64  `json:"timestamp"`
	Reason    string `json:"reason,omitempty"`
}

// SignedHeadVote bundles a vote with its signature, mirroring the wire shape
// of gossiped consensus messages.
type SignedHeadVote struct {
	Vote      *HeadVote  `json:"vote"`
	Signature *Signature `json:"signature"`
}

// HeadRecord tracks a proposed-or-settled head at a given world/height.
type HeadRecord struct {
	WorldID    string          `json:"worldId"`
	Height     uint64          `json:"height"`
	BlockHash  []byte          `json:"blockHash"`
	Proposer   string          `json:"proposer"`
	Status     RecordStatus    `json:"status"`
	Approvals  map[string]bool `json:"approvals"`
	Rejections map[string]bool `json:"rejections"`
	CreatedAt  int64           `json:"createdAt"`
}

func (r *HeadRecord) clone() *HeadRecord {
	out := &HeadRecord{
		WorldID:   r.WorldID,
		Height:    r.Height,
		BlockHash: append([]byte(nil), r.BlockHash...),
		Proposer:  r.Proposer,
		Status:    r.Status,
		CreatedAt: r.CreatedAt,
	}
	out.Approvals = make(map[string]bool, len(r.Approvals))
	for k, v := range r.Approvals {
		out.Approvals[k] = v
	}
	out.Rejections = make(map[string]bool, len(r.Rejections))
	for k, v := range r.Rejections {
		out.Rejections[k] = v
	}
	return out
}

func (v *HeadVote) bytes() []byte { b, _ := json.Marshal(v); return b }

// LeaseGrant records that a validator has been auto-admitted for the
// duration of an active single-writer lease window (spec's "auto-add
// ensures an active lease holder is admitted as a validator for its lease
// window").
type LeaseGrant struct {
	ValidatorID string
	ExpiresUnix int64
}
