package p2p

import (
	"bufio"
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net"
	"strings"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

const (
	handshakeProtocolVersion uint32        = 1
	handshakeMaxClockSkew    time.Duration = 5 * time.Minute
)

// handshakeMessage is the signed portion of a handshake exchange.
type handshakeMessage struct {
	ProtocolVersion uint32   `json:"protocolVersion"`
	ChainID         uint64   `json:"chainId"`
	GenesisHash     string   `json:"genesisHash"`
	NodeID          string   `json:"nodeId"`
	ListenAddrs     []string `json:"listenAddrs"`
	Nonce           string   `json:"nonce"`
	Timestamp       int64    `json:"timestamp"`
	ClientVersion   string   `json:"clientVersion"`
}

// handshakePacket is the wire form of a handshake: the signed message plus
// its signature, and (once verified) the locally-trusted node ID and
// listen-address cache derived from it.
type handshakePacket struct {
	handshakeMessage
	Signature string `json:"signature"`

	nodeID string
	addrs  []string
}

// buildHandshake assembles and signs this server's handshake packet.
func (s *Server) buildHandshake() (*handshakePacket, error) {
	nonce := make([]byte, handshakeNonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate handshake nonce: %w", err)
	}

	payload := handshakeMessage{
		ProtocolVersion: handshakeProtocolVersion,
		ChainID:         s.cfg.ChainID,
		GenesisHash:     encodeHex(s.genesis),
		NodeID:          s.nodeID,
		ListenAddrs:     s.ListenAddresses(),
		Nonce:           encodeHex(nonce),
		Timestamp:       s.now().Unix(),
		ClientVersion:   s.cfg.ClientVersion,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal handshake payload: %w", err)
	}
	digest := handshakeDigest(body, payload.Timestamp)
	sig, err := ethcrypto.Sign(digest, s.privKey.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("sign handshake: %w", err)
	}

	packet := &handshakePacket{
		handshakeMessage: payload,
		Signature:        encodeHex(sig),
	}
	packet.nodeID = s.nodeID
	packet.addrs = append([]string(nil), payload.ListenAddrs...)
	return packet, nil
}

// verifyHandshake validates a remote handshake packet's protocol
// compatibility, genesis/chain agreement, clock skew, signature, and nonce
// freshness. Any failure bans and records a peerstore violation against the
// packet's claimed node ID before returning the error.
func (s *Server) verifyHandshake(packet *handshakePacket) error {
	if packet == nil {
		return fmt.Errorf("nil handshake packet")
	}
	now := s.now()
	claimed := normalizeHex(packet.NodeID)

	fail := func(err error) error {
		if claimed != "" {
			s.banPeer(claimed)
			if s.peerstore != nil {
				_, _ = s.peerstore.RecordViolation(claimed, now, s.cfg.PeerBanDuration)
			}
		}
		return err
	}

	if packet.ProtocolVersion != handshakeProtocolVersion {
		return fail(fmt.Errorf("unsupported protocol version %d", packet.ProtocolVersion))
	}
	if claimed == "" {
		return fail(fmt.Errorf("handshake missing node id"))
	}
	if strings.TrimSpace(packet.ClientVersion) == "" {
		return fail(fmt.Errorf("handshake missing client version"))
	}
	if len(packet.Signature) == 0 {
		return fail(fmt.Errorf("handshake missing signature"))
	}

	nonceBytes, err := decodeHex(packet.Nonce)
	if err != nil {
		return fail(fmt.Errorf("invalid nonce encoding: %w", err))
	}
	if len(nonceBytes) != handshakeNonceSize {
		return fail(fmt.Errorf("invalid handshake nonce length: %d", len(nonceBytes)))
	}

	if packet.ChainID != s.cfg.ChainID {
		return fail(fmt.Errorf("chain ID mismatch: remote %d local %d", packet.ChainID, s.cfg.ChainID))
	}

	remoteGenesis, err := decodeHex(packet.GenesisHash)
	if err != nil {
		return fail(fmt.Errorf("invalid genesis hash encoding: %w", err))
	}
	if !bytes.Equal(remoteGenesis, s.genesis) {
		return fail(fmt.Errorf("genesis hash mismatch: remote %x local %x", remoteGenesis, s.genesis))
	}

	ts := time.Unix(packet.Timestamp, 0)
	if skew := now.Sub(ts); skew > handshakeMaxClockSkew || -skew > handshakeMaxClockSkew {
		return fail(fmt.Errorf("handshake timestamp skew too large"))
	}

	sigBytes, err := decodeHex(packet.Signature)
	if err != nil {
		return fail(fmt.Errorf("invalid signature encoding: %w", err))
	}
	if len(sigBytes) != 65 {
		return fail(fmt.Errorf("invalid handshake signature length: %d", len(sigBytes)))
	}

	body, err := json.Marshal(packet.handshakeMessage)
	if err != nil {
		return fail(fmt.Errorf("marshal handshake for verification: %w", err))
	}
	digest := handshakeDigest(body, packet.Timestamp)

	recovered, err := ethcrypto.SigToPub(digest, sigBytes)
	if err != nil {
		return fail(fmt.Errorf("recover signature: %w", err))
	}
	derived := normalizeHex(deriveNodeIDFromPub(recovered))
	if derived == "" || !strings.EqualFold(derived, claimed) {
		return fail(fmt.Errorf("handshake node id mismatch: claimed %s derived %s", claimed, derived))
	}

	s.nonceGuard.RunJanitorSweep(now)
	if !s.nonceGuard.Remember(claimed, packet.Nonce, now) {
		return fail(fmt.Errorf("handshake nonce replay detected"))
	}

	packet.nodeID = claimed
	packet.addrs = append([]string(nil), packet.ListenAddrs...)
	return nil
}

// performHandshake exchanges handshake packets with a freshly dialed or
// accepted connection, writing this server's packet before reading and
// verifying the remote's.
func (s *Server) performHandshake(ctx context.Context, conn net.Conn, reader *bufio.Reader) (*handshakePacket, error) {
	local, err := s.buildHandshake()
	if err != nil {
		return nil, fmt.Errorf("prepare handshake: %w", err)
	}
	if err := writeHandshakeFrame(ctx, conn, local); err != nil {
		return nil, fmt.Errorf("send handshake: %w", err)
	}

	payload, err := readHandshakeFrame(ctx, conn, reader, s.cfg.MaxMessageBytes)
	if err != nil {
		return nil, fmt.Errorf("read handshake: %w", err)
	}

	var remote handshakePacket
	if err := json.Unmarshal(payload, &remote); err != nil {
		return nil, fmt.Errorf("decode handshake: %w", err)
	}
	if err := s.verifyHandshake(&remote); err != nil {
		return nil, err
	}
	return &remote, nil
}

func encodeHex(data []byte) string {
	if len(data) == 0 {
		return "0x"
	}
	return "0x" + hex.EncodeToString(data)
}

func decodeHex(value string) ([]byte, error) {
	value = strings.TrimSpace(value)
	if strings.HasPrefix(value, "0x") || strings.HasPrefix(value, "0X") {
		value = value[2:]
	}
	if value == "" {
		return []byte{}, nil
	}
	if len(value)%2 == 1 {
		value = "0" + value
	}
	return hex.DecodeString(value)
}

func handshakeDigest(payload []byte, timestamp int64) []byte {
	digestInput := fmt.Sprintf("agent-world-p2p|hello|%s|%d", payload, timestamp)
	return ethcrypto.Keccak256([]byte(digestInput))
}

func writeHandshakeFrame(ctx context.Context, conn net.Conn, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if deadline, ok := ctx.Deadline(); ok {
		if err := conn.SetWriteDeadline(deadline); err != nil {
			return err
		}
		defer conn.SetWriteDeadline(time.Time{})
	}
	_, err = conn.Write(append(data, '\n'))
	return err
}

// readHandshakeFrame reads a newline-delimited handshake frame one byte at a
// time so a peer that never sends a newline within maxBytes is caught at
// maxBytes+1 read bytes rather than buffering an unbounded line.
func readHandshakeFrame(ctx context.Context, conn net.Conn, reader *bufio.Reader, maxBytes int) ([]byte, error) {
	if deadline, ok := ctx.Deadline(); ok {
		if err := conn.SetReadDeadline(deadline); err != nil {
			return nil, err
		}
		defer conn.SetReadDeadline(time.Time{})
	}

	var buf []byte
	for {
		b, err := reader.ReadByte()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			default:
			}
			return nil, err
		}
		if b == '\n' {
			return bytes.TrimSpace(buf), nil
		}
		buf = append(buf, b)
		if maxBytes > 0 && len(buf) > maxBytes {
			return nil, errHandshakeFrameTooLarge
		}
	}
}
