package p2p

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/eng-cc/agent-world/crypto"
	"github.com/eng-cc/agent-world/observability/logging"
)

const (
	outboundQueueSize      = 64
	handshakeNonceSize     = 32
	greylistRateMultiplier = 0.25
	slowPenalty            = 2
	maxDialBackoff         = 5 * time.Minute

	violationScorePenalty = 50.0
	maxPeerScore          = 1000.0
	minPeerScore          = -1000.0
)

var (
	errQueueFull              = errors.New("peer outbound queue full")
	errHandshakeFrameTooLarge = errors.New("p2p: handshake frame exceeds max message size")
)

// clampScore bounds a reputation/peerstore score to [minPeerScore, maxPeerScore].
func clampScore(v float64) float64 {
	if v > maxPeerScore {
		return maxPeerScore
	}
	if v < minPeerScore {
		return minPeerScore
	}
	return v
}

// PeerRecord tracks liveness bookkeeping for a connected peer.
type PeerRecord struct {
	LastSeen time.Time
}

type peerMsgStats struct {
	valid   int
	invalid int
}

// PeerInfo is a snapshot of a connected peer's identity.
type PeerInfo struct {
	NodeID string
}

// NetPeerInfo is a snapshot of a connected peer's network state, used by
// operator-facing status endpoints.
type NetPeerInfo struct {
	NodeID string
	State  string
}

// Server coordinates peer connections, handshakes, gossip dispatch, and
// connection-manager lifecycle for one node's replication transport.
type Server struct {
	cfg     ServerConfig
	handler MessageHandler
	privKey *crypto.PrivateKey
	nodeID  string
	genesis []byte

	now    func() time.Time
	dialFn func(ctx context.Context, addr string) (net.Conn, error)

	logger           *slog.Logger
	metricsCollector *networkMetrics

	mu           sync.RWMutex
	peers        map[string]*Peer
	byAddr       map[string]*Peer
	records      map[string]*PeerRecord
	metrics      map[string]*peerMsgStats
	listenAddrs  []string
	inboundCount int
	outboundCount int

	dialMu      sync.Mutex
	pendingDial map[string]struct{}
	backoff     map[string]time.Duration
	persistent  map[string]struct{}

	seeds     []seedEndpoint
	peerstore *Peerstore
	reputation *ReputationManager
	nonceGuard *nonceGuard

	ipLimiter     *ipRateLimiter
	globalLimiter *tokenBucket
	ratePerPeer   float64
	rateBurst     float64

	pex *pexManager

	listener net.Listener
	connMgr  *connManager

	closeOnce sync.Once
	quit      chan struct{}
}

// NewServer constructs a Server. The server does not begin listening or
// dialing until Start (or SetPeerstore + startConnManager for tests) runs.
func NewServer(handler MessageHandler, privKey *crypto.PrivateKey, cfg ServerConfig) *Server {
	cfg = cfg.withDefaults()

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	persistent := make(map[string]struct{}, len(cfg.PersistentPeers))
	for _, addr := range cfg.PersistentPeers {
		addr = strings.TrimSpace(addr)
		if addr != "" {
			persistent[addr] = struct{}{}
		}
	}

	s := &Server{
		cfg:           cfg,
		handler:       handler,
		privKey:       privKey,
		nodeID:        deriveNodeID(privKey),
		genesis:       append([]byte{}, cfg.GenesisHash...),
		now:           time.Now,
		logger:        logger,
		metricsCollector: newNetworkMetrics(),
		peers:         make(map[string]*Peer),
		byAddr:        make(map[string]*Peer),
		records:       make(map[string]*PeerRecord),
		metrics:       make(map[string]*peerMsgStats),
		pendingDial:   make(map[string]struct{}),
		backoff:       make(map[string]time.Duration),
		persistent:    persistent,
		seeds:         parseSeedList(cfg.Seeds, logger),
		reputation: NewReputationManager(ReputationConfig{
			GreyScore:        cfg.GreyScore,
			BanScore:         cfg.BanScore,
			BanDuration:      cfg.PeerBanDuration,
			GreylistDuration: cfg.PeerBanDuration,
			DecayHalfLife:    time.Hour,
		}),
		nonceGuard:    newNonceGuard(10 * time.Minute),
		ipLimiter:     newIPRateLimiter(cfg.RateMsgsPerSec, cfg.RateBurst),
		globalLimiter: newTokenBucket(cfg.RateMsgsPerSec*4, cfg.RateBurst*4),
		ratePerPeer:   cfg.RateMsgsPerSec,
		rateBurst:     cfg.RateBurst,
		quit:          make(chan struct{}),
	}
	s.pex = newPexManager(s)
	s.dialFn = func(ctx context.Context, addr string) (net.Conn, error) {
		var dialer net.Dialer
		return dialer.DialContext(ctx, "tcp", addr)
	}
	return s
}

// NodeID returns this server's derived identity.
func (s *Server) NodeID() string {
	return s.nodeID
}

func (s *Server) addListenAddress(addr string) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.listenAddrs {
		if existing == addr {
			return
		}
	}
	s.listenAddrs = append(s.listenAddrs, addr)
}

// ListenAddresses returns every address this server is known to be
// reachable at.
func (s *Server) ListenAddresses() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string{}, s.listenAddrs...)
}

// SetPeerstore attaches persistent peer/dial bookkeeping.
func (s *Server) SetPeerstore(store *Peerstore) {
	s.mu.Lock()
	s.peerstore = store
	s.mu.Unlock()
}

// Start opens the listen socket and accepts inbound connections until the
// listener is closed.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddress)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	s.addListenAddress(ln.Addr().String())
	s.startDialers()
	s.startConnManager()

	s.logger.Info("p2p server listening", slog.String("node_id", s.nodeID), slog.String("listen_addr", ln.Addr().String()))
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-s.quit:
				return nil
			default:
			}
			return err
		}
		go s.handleInbound(conn)
	}
}

func (s *Server) startConnManager() {
	s.mu.Lock()
	if s.connMgr != nil {
		s.mu.Unlock()
		return
	}
	mgr := newConnManager(s)
	s.connMgr = mgr
	s.mu.Unlock()
	if mgr != nil {
		mgr.start()
	}
}

func (s *Server) handleInbound(conn net.Conn) {
	if err := s.initPeer(conn, true, ""); err != nil {
		s.logger.Warn("inbound handshake rejected", slog.String("error", err.Error()))
		conn.Close()
	}
}

func (s *Server) initPeer(conn net.Conn, inbound bool, dialAddr string) error {
	reader := bufio.NewReader(conn)
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.HandshakeTimeout)
	defer cancel()

	remote, err := s.performHandshake(ctx, conn, reader)
	if err != nil {
		return err
	}
	if remote.nodeID == s.nodeID {
		return fmt.Errorf("self connection not allowed")
	}
	if s.isBanned(remote.nodeID) {
		return fmt.Errorf("peer %s is currently banned", remote.nodeID)
	}

	peer := newPeer(remote.nodeID, remote.ClientVersion, conn, reader, s, inbound, s.isPersistent(dialAddr), dialAddr)
	if err := s.registerPeer(peer); err != nil {
		return err
	}
	s.logger.Info("peer connected", slog.String("peer_id", logging.MaskValue(peer.id)), slog.Bool("inbound", inbound))
	if s.peerstore != nil {
		addr := strings.TrimSpace(dialAddr)
		if addr == "" && !inbound {
			addr = peer.remoteAddr
		}
		if addr != "" {
			_ = s.peerstore.Put(PeerstoreEntry{Addr: addr, NodeID: peer.id})
		}
		if _, err := s.peerstore.RecordSuccess(peer.id, s.now()); err != nil {
			_ = s.peerstore.Put(PeerstoreEntry{NodeID: peer.id, LastSeen: s.now()})
		}
	}
	peer.start()
	return nil
}

// Connect dials addr and negotiates a handshake.
func (s *Server) Connect(addr string) error {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.HandshakeTimeout)
	defer cancel()
	conn, err := s.dialFn(ctx, addr)
	if err != nil {
		s.markDialFailure(addr)
		return err
	}
	s.mu.Lock()
	s.outboundCount++
	s.mu.Unlock()
	if err := s.initPeer(conn, false, addr); err != nil {
		s.mu.Lock()
		s.outboundCount--
		s.mu.Unlock()
		conn.Close()
		s.markDialFailure(addr)
		return fmt.Errorf("handshake with %s failed: %w", addr, err)
	}
	return nil
}

// DialPeer dials the address on record for a known node ID.
func (s *Server) DialPeer(nodeID string) error {
	nodeID = normalizeHex(nodeID)
	if nodeID == "" {
		return fmt.Errorf("nodeID required")
	}
	s.mu.RLock()
	store := s.peerstore
	s.mu.RUnlock()
	if store == nil {
		return fmt.Errorf("no peerstore configured")
	}
	entry, ok := store.ByNodeID(nodeID)
	if !ok || strings.TrimSpace(entry.Addr) == "" {
		return fmt.Errorf("no known address for peer %s", nodeID)
	}
	return s.Connect(entry.Addr)
}

// Broadcast enqueues msg on every connected peer.
func (s *Server) Broadcast(msg *Message) error {
	s.mu.RLock()
	peers := make([]*Peer, 0, len(s.peers))
	for _, peer := range s.peers {
		peers = append(peers, peer)
	}
	s.mu.RUnlock()

	var errs []error
	for _, peer := range peers {
		if err := peer.Enqueue(msg); err != nil {
			errs = append(errs, fmt.Errorf("peer %s: %w", peer.id, err))
			peer.terminate(false, err)
		}
	}
	return errors.Join(errs...)
}

func (s *Server) registerPeer(peer *Peer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.peers[peer.id]; exists {
		return fmt.Errorf("peer %s already connected", peer.id)
	}
	if peer.inbound && s.inboundCount >= s.cfg.MaxInbound {
		return fmt.Errorf("inbound peer limit reached")
	}
	s.peers[peer.id] = peer
	if peer.remoteAddr != "" {
		s.byAddr[peer.remoteAddr] = peer
	}
	if peer.dialAddr != "" {
		s.byAddr[peer.dialAddr] = peer
	}
	s.records[peer.id] = &PeerRecord{LastSeen: s.now()}
	if s.metrics[peer.id] == nil {
		s.metrics[peer.id] = &peerMsgStats{}
	}
	if peer.inbound {
		s.inboundCount++
	}
	return nil
}

func (s *Server) removePeer(peer *Peer, ban bool, reason error) {
	s.mu.Lock()
	if current, ok := s.peers[peer.id]; ok && current == peer {
		delete(s.peers, peer.id)
		if peer.remoteAddr != "" {
			delete(s.byAddr, peer.remoteAddr)
		}
		if peer.dialAddr != "" {
			delete(s.byAddr, peer.dialAddr)
		}
		if peer.inbound && s.inboundCount > 0 {
			s.inboundCount--
		}
		if !peer.inbound && s.outboundCount > 0 {
			s.outboundCount--
		}
	}
	s.mu.Unlock()

	if s.metricsCollector != nil {
		s.metricsCollector.removePeer(peer.id)
	}

	attrs := []any{
		logging.MaskField("peer_id", peer.id),
		logging.MaskField("peer_address", peer.remoteAddr),
	}
	if reason != nil {
		attrs = append(attrs, slog.String("error", reason.Error()))
	}
	logger := s.logger
	if logger == nil {
		logger = slog.Default()
	}
	if ban {
		s.banPeer(peer.id)
		logger.Warn("peer disconnected and banned", attrs...)
		return
	}
	logger.Info("peer disconnected", attrs...)
}

func (s *Server) isBanned(id string) bool {
	if id == "" {
		return false
	}
	return s.reputation.IsBanned(id, s.now())
}

func (s *Server) banPeer(id string) {
	if id == "" {
		return
	}
	now := s.now()
	s.reputation.SetBan(id, now.Add(s.cfg.PeerBanDuration), now)
}

func (s *Server) adjustScore(id string, delta int) int {
	status := s.reputation.Adjust(id, delta, s.now(), false)
	if s.metricsCollector != nil {
		s.metricsCollector.observePeerStatus(id, status)
	}
	return status.Score
}

func (s *Server) allowGlobal(now time.Time) bool {
	if s.globalLimiter == nil {
		return true
	}
	return s.globalLimiter.allow(now)
}

func (s *Server) allowIP(addr string, now time.Time) bool {
	if s.ipLimiter == nil {
		return true
	}
	host := addr
	if h, _, err := net.SplitHostPort(addr); err == nil {
		host = h
	}
	return s.ipLimiter.allow(host, now)
}

func (s *Server) handleRateLimit(peer *Peer, global bool) {
	status := s.reputation.PenalizeSpam(peer.id, s.now(), peer.persistent)
	if s.metricsCollector != nil {
		s.metricsCollector.observePeerStatus(peer.id, status)
	}
	peer.setGreylisted(status.Greylisted)
	reason := fmt.Errorf("rate limit exceeded (global=%v)", global)
	peer.terminate(status.Banned, reason)
}

func (s *Server) handleProtocolViolation(peer *Peer, err error) {
	s.mu.Lock()
	if stats := s.metrics[peer.id]; stats != nil {
		stats.invalid++
	}
	s.mu.Unlock()

	s.reputation.MarkMisbehavior(peer.id, s.now())
	status := s.reputation.PenalizeMalformed(peer.id, s.now(), peer.persistent)
	if s.metricsCollector != nil {
		s.metricsCollector.observePeerStatus(peer.id, status)
		s.metricsCollector.recordHandshake("violation")
	}
	peer.terminate(status.Banned, err)
}

func (s *Server) recordGossip(direction string, msgType byte) {
	if s.metricsCollector != nil {
		s.metricsCollector.recordGossip(direction, msgType)
	}
}

func (s *Server) recordValidMessage(id string) {
	s.mu.Lock()
	if stats := s.metrics[id]; stats != nil {
		stats.valid++
	}
	s.mu.Unlock()
	status := s.reputation.MarkUseful(id, s.now())
	if s.metricsCollector != nil {
		s.metricsCollector.observePeerStatus(id, status)
	}
}

func (s *Server) observeLatency(id string, d time.Duration) {
	status := s.reputation.ObserveLatency(id, d, s.now())
	if s.metricsCollector != nil {
		s.metricsCollector.observePeerStatus(id, status)
	}
}

func (s *Server) touchPeer(id string) {
	s.mu.Lock()
	if rec, ok := s.records[id]; ok {
		rec.LastSeen = s.now()
	}
	s.mu.Unlock()
	s.reputation.MarkHeartbeat(id, s.now())
}

func (s *Server) handlePexRequest(peer *Peer, payload PexRequestPayload) error {
	if !s.cfg.EnablePEX {
		return nil
	}
	return s.pex.handleRequest(peer, payload)
}

func (s *Server) handlePexAddresses(peer *Peer, payload PexAddressesPayload) {
	if !s.cfg.EnablePEX {
		return
	}
	s.pex.handleAddresses(peer, payload)
	if s.peerstore != nil {
		now := s.now()
		for _, addr := range payload.Addresses {
			if time.Since(addr.LastSeen) > pexAddressTTL {
				continue
			}
			_ = s.peerstore.Put(PeerstoreEntry{Addr: addr.Addr, NodeID: normalizeHex(addr.NodeID), LastSeen: now})
		}
	}
}

// SnapshotPeers returns every currently connected peer's identity.
func (s *Server) SnapshotPeers() []PeerInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]PeerInfo, 0, len(s.peers))
	for id := range s.peers {
		out = append(out, PeerInfo{NodeID: id})
	}
	return out
}

// NetPeers returns connection-state information for every connected peer.
func (s *Server) NetPeers() []NetPeerInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]NetPeerInfo, 0, len(s.peers))
	for id := range s.peers {
		out = append(out, NetPeerInfo{NodeID: id, State: "connected"})
	}
	return out
}
