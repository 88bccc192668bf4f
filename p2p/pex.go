package p2p

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/eng-cc/agent-world/observability/logging"
)

// pexAddressTTL bounds how stale a peer-exchange address can be before it is
// dropped from a PEX response rather than re-advertised.
const pexAddressTTL = 30 * time.Minute

type seedEndpoint struct {
	NodeID  string
	Address string
}

func parseSeedList(values []string, logger *slog.Logger) []seedEndpoint {
	if logger == nil {
		logger = slog.Default()
	}
	seeds := make([]seedEndpoint, 0, len(values))
	seen := make(map[string]struct{})
	for _, raw := range values {
		trimmed := strings.TrimSpace(raw)
		if trimmed == "" {
			continue
		}
		nodePart, addrPart, found := strings.Cut(trimmed, "@")
		if !found {
			logger.Warn("ignoring seed entry: missing node ID", logging.MaskField("seed", trimmed))
			continue
		}
		node := normalizeHex(nodePart)
		if node == "" {
			logger.Warn("ignoring seed entry: empty node ID", logging.MaskField("seed", trimmed))
			continue
		}
		addr := strings.TrimSpace(addrPart)
		if _, _, err := net.SplitHostPort(addr); err != nil {
			logger.Warn("ignoring seed entry: invalid address", logging.MaskField("seed", trimmed))
			continue
		}
		key := node + "@" + addr
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		seeds = append(seeds, seedEndpoint{NodeID: node, Address: addr})
	}
	return seeds
}

// pexPeerInterface is the minimal surface a pexManager needs from a
// connected peer to send it a peer-exchange response.
type pexPeerInterface interface {
	ID() string
	Enqueue(msg *Message) error
}

type pexBookEntry struct {
	addr     string
	lastSeen time.Time
}

// pexManager maintains a gossiped address book used to bootstrap new
// connections without relying solely on bootnodes or DNS seeds.
type pexManager struct {
	server *Server

	mu           sync.Mutex
	book         map[string]pexBookEntry
	servedTokens map[string]time.Time
}

func newPexManager(server *Server) *pexManager {
	return &pexManager{
		server:       server,
		book:         make(map[string]pexBookEntry),
		servedTokens: make(map[string]time.Time),
	}
}

func (m *pexManager) now() time.Time {
	if m.server != nil && m.server.now != nil {
		return m.server.now()
	}
	return time.Now()
}

// recordPeer stores addr for nodeID, keeping the entry with the latest
// lastSeen when one already exists.
func (m *pexManager) recordPeer(nodeID, addr string, lastSeen time.Time) {
	nodeID = normalizeHex(nodeID)
	addr = strings.TrimSpace(addr)
	if nodeID == "" || addr == "" {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.book[nodeID]
	if ok && existing.lastSeen.After(lastSeen) {
		return
	}
	m.book[nodeID] = pexBookEntry{addr: addr, lastSeen: lastSeen}
}

// handleRequest replies to peer with a filtered, deduped set of known
// addresses, remembering payload.Token so a looped-back response from the
// same peer can be suppressed by handleAddresses.
func (m *pexManager) handleRequest(peer pexPeerInterface, payload PexRequestPayload) error {
	now := m.now()
	m.mu.Lock()
	if payload.Token != "" {
		m.servedTokens[payload.Token] = now
	}
	addrs := make([]PexAddress, 0, len(m.book))
	for nodeID, entry := range m.book {
		if now.Sub(entry.lastSeen) > pexAddressTTL {
			continue
		}
		addrs = append(addrs, PexAddress{Addr: entry.addr, NodeID: nodeID, LastSeen: entry.lastSeen})
	}
	m.mu.Unlock()

	if payload.Limit > 0 && len(addrs) > payload.Limit {
		addrs = addrs[:payload.Limit]
	}

	body, err := json.Marshal(PexAddressesPayload{Token: payload.Token, Addresses: addrs})
	if err != nil {
		return fmt.Errorf("marshal pex response: %w", err)
	}
	msg := &Message{Type: MsgTypePexAddresses, Payload: body}
	if err := peer.Enqueue(msg); err != nil {
		return fmt.Errorf("send pex response: %w", err)
	}
	return nil
}

// handleAddresses merges an incoming address advertisement into the book,
// unless its token matches one this manager itself served (a reflected
// loop), in which case it is dropped.
func (m *pexManager) handleAddresses(peer pexPeerInterface, payload PexAddressesPayload) {
	if payload.Token != "" {
		m.mu.Lock()
		_, served := m.servedTokens[payload.Token]
		m.mu.Unlock()
		if served {
			return
		}
	}
	now := m.now()
	for _, addr := range payload.Addresses {
		lastSeen := addr.LastSeen
		if lastSeen.IsZero() {
			lastSeen = now
		}
		if now.Sub(lastSeen) > pexAddressTTL {
			continue
		}
		m.recordPeer(addr.NodeID, addr.Addr, lastSeen)
	}
}
