package p2p

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/eng-cc/agent-world/consensus"
	"github.com/eng-cc/agent-world/membership"
)

// Message type identifiers. Control types (ping/pong/handshake/PEX) are
// consumed by the peer's read loop; domain types are forwarded to the
// server's MessageHandler.
const (
	MsgTypeHandshake    byte = 0x01
	MsgTypeHandshakeAck byte = 0x02
	MsgTypePing         byte = 0x03
	MsgTypePong         byte = 0x04
	MsgTypePexRequest   byte = 0x05
	MsgTypePexAddresses byte = 0x06
	MsgTypeCommit       byte = 0x10
	MsgTypeCheckpoint   byte = 0x11
)

// PingPayload is sent on the keepalive interval; Pong echoes Nonce back.
type PingPayload struct {
	Nonce     uint64 `json:"nonce"`
	Timestamp int64  `json:"timestamp"`
}

// PongPayload replies to a PingPayload.
type PongPayload struct {
	Nonce     uint64 `json:"nonce"`
	Timestamp int64  `json:"timestamp"`
}

// NewPingMessage builds a ping control message stamped with sentAt.
func NewPingMessage(nonce uint64, sentAt time.Time) (*Message, error) {
	payload, err := json.Marshal(PingPayload{Nonce: nonce, Timestamp: sentAt.UnixNano()})
	if err != nil {
		return nil, fmt.Errorf("marshal ping: %w", err)
	}
	return &Message{Type: MsgTypePing, Payload: payload}, nil
}

// NewPongMessage builds a pong control message echoing nonce.
func NewPongMessage(nonce uint64, sentAt time.Time) (*Message, error) {
	payload, err := json.Marshal(PongPayload{Nonce: nonce, Timestamp: sentAt.UnixNano()})
	if err != nil {
		return nil, fmt.Errorf("marshal pong: %w", err)
	}
	return &Message{Type: MsgTypePong, Payload: payload}, nil
}

// NewPexRequestMessage asks a peer to share up to limit known addresses,
// tagging the exchange with token so a reflected response can be suppressed.
func NewPexRequestMessage(limit int, token string) (*Message, error) {
	payload, err := json.Marshal(PexRequestPayload{Limit: limit, Token: token})
	if err != nil {
		return nil, fmt.Errorf("marshal pex request: %w", err)
	}
	return &Message{Type: MsgTypePexRequest, Payload: payload}, nil
}

// NewPexAddressesMessage replies to a PEX request with addrs.
func NewPexAddressesMessage(token string, addrs []PexAddress) (*Message, error) {
	payload, err := json.Marshal(PexAddressesPayload{Token: token, Addresses: addrs})
	if err != nil {
		return nil, fmt.Errorf("marshal pex addresses: %w", err)
	}
	return &Message{Type: MsgTypePexAddresses, Payload: payload}, nil
}

// NewCommitMessage wraps a consensus commit for gossip to replication peers.
func NewCommitMessage(commit consensus.CommitMessage) (*Message, error) {
	payload, err := json.Marshal(commit)
	if err != nil {
		return nil, fmt.Errorf("marshal commit message: %w", err)
	}
	return &Message{Type: MsgTypeCommit, Payload: payload}, nil
}

// DecodeCommitMessage unmarshals a gossiped commit message.
func DecodeCommitMessage(msg *Message) (consensus.CommitMessage, error) {
	var commit consensus.CommitMessage
	if msg == nil || msg.Type != MsgTypeCommit {
		return commit, fmt.Errorf("p2p: not a commit message")
	}
	if err := json.Unmarshal(msg.Payload, &commit); err != nil {
		return commit, fmt.Errorf("decode commit message: %w", err)
	}
	return commit, nil
}

// NewCheckpointMessage wraps a revocation checkpoint announce for gossip to
// membership-reconciliation peers.
func NewCheckpointMessage(checkpoint membership.RevocationCheckpointAnnounce) (*Message, error) {
	payload, err := json.Marshal(checkpoint)
	if err != nil {
		return nil, fmt.Errorf("marshal checkpoint message: %w", err)
	}
	return &Message{Type: MsgTypeCheckpoint, Payload: payload}, nil
}

// DecodeCheckpointMessage unmarshals a gossiped checkpoint announce message.
func DecodeCheckpointMessage(msg *Message) (membership.RevocationCheckpointAnnounce, error) {
	var checkpoint membership.RevocationCheckpointAnnounce
	if msg == nil || msg.Type != MsgTypeCheckpoint {
		return checkpoint, fmt.Errorf("p2p: not a checkpoint message")
	}
	if err := json.Unmarshal(msg.Payload, &checkpoint); err != nil {
		return checkpoint, fmt.Errorf("decode checkpoint message: %w", err)
	}
	return checkpoint, nil
}
