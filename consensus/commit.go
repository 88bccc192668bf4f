package consensus

import (
	"crypto/sha256"
	"fmt"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/eng-cc/agent-world/cas"
	"github.com/eng-cc/agent-world/crypto"
)

// CommitMessage is the replication payload broadcast once a head settles
// Committed: "commit messages carry {world_id, height, block_hash,
// state_root, sequence, writer_epoch, signature, referenced_blob_hashes}."
type CommitMessage struct {
	WorldID              string   `cbor:"world_id"`
	Height               uint64   `cbor:"height"`
	BlockHash            []byte   `cbor:"block_hash"`
	StateRoot            []byte   `cbor:"state_root"`
	Sequence             uint64   `cbor:"sequence"`
	WriterEpoch          uint64   `cbor:"writer_epoch"`
	ReferencedBlobHashes []string `cbor:"referenced_blob_hashes"`
	Signature            []byte   `cbor:"-"`
}

// signingFields is the subset of CommitMessage that is actually signed: the
// signature itself is obviously excluded.
type signingFields struct {
	WorldID              string   `cbor:"world_id"`
	Height               uint64   `cbor:"height"`
	BlockHash            []byte   `cbor:"block_hash"`
	StateRoot            []byte   `cbor:"state_root"`
	Sequence             uint64   `cbor:"sequence"`
	WriterEpoch          uint64   `cbor:"writer_epoch"`
	ReferencedBlobHashes []string `cbor:"referenced_blob_hashes"`
}

func (m *CommitMessage) signingHash() ([32]byte, error) {
	fields := signingFields{
		WorldID:              m.WorldID,
		Height:               m.Height,
		BlockHash:            m.BlockHash,
		StateRoot:            m.StateRoot,
		Sequence:             m.Sequence,
		WriterEpoch:          m.WriterEpoch,
		ReferencedBlobHashes: cas.SortedStrings(m.ReferencedBlobHashes),
	}
	encoded, err := cas.CanonicalCBOR(fields)
	if err != nil {
		return [32]byte{}, err
	}
	return sha256.Sum256(encoded), nil
}

// Sign computes the commit message's signature over its canonical encoding.
func (m *CommitMessage) Sign(key *crypto.PrivateKey) error {
	if key == nil {
		return fmt.Errorf("consensus: nil signing key")
	}
	hash, err := m.signingHash()
	if err != nil {
		return err
	}
	sig, err := ethcrypto.Sign(hash[:], key.PrivateKey)
	if err != nil {
		return fmt.Errorf("consensus: sign commit message: %w", err)
	}
	m.Signature = sig
	return nil
}

// RecoverSigner recovers the writer identity from the message's signature.
// The single-writer guard uses this recovered address as writer_id: the
// wire format has no separate writer_id field because the signature already
// commits to one.
func (m *CommitMessage) RecoverSigner() (crypto.Address, error) {
	if len(m.Signature) != 65 {
		return crypto.Address{}, fmt.Errorf("consensus: invalid commit signature length %d", len(m.Signature))
	}
	hash, err := m.signingHash()
	if err != nil {
		return crypto.Address{}, err
	}
	pub, err := ethcrypto.SigToPub(hash[:], m.Signature)
	if err != nil {
		return crypto.Address{}, fmt.Errorf("consensus: recover commit signer: %w", err)
	}
	return crypto.NewAddress(crypto.ValidatorPrefix, ethcrypto.PubkeyToAddress(*pub).Bytes())
}

// VerifySignedBy reports whether the message's signature recovers to
// writerAddr, the replication writer's identity.
func (m *CommitMessage) VerifySignedBy(writerAddr crypto.Address) error {
	recovered, err := m.RecoverSigner()
	if err != nil {
		return err
	}
	if recovered.String() != writerAddr.String() {
		return fmt.Errorf("consensus: commit message signer mismatch")
	}
	return nil
}
