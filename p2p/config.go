package p2p

import (
	"log/slog"
	"time"
)

// ServerConfig configures a Server: listen address, chain identity, peer
// limits, timeouts, and dial behavior. Zero values are filled in with
// conservative defaults by NewServer.
type ServerConfig struct {
	ListenAddress string
	ChainID       uint64
	GenesisHash   []byte
	ClientVersion string

	MaxPeers    int
	MaxInbound  int
	MaxOutbound int
	MinPeers    int

	OutboundPeers int

	Bootnodes       []string
	PersistentPeers []string
	Seeds           []string
	EnablePEX       bool

	MaxMessageBytes int

	ReadTimeout      time.Duration
	WriteTimeout     time.Duration
	PingInterval     time.Duration
	HandshakeTimeout time.Duration

	RateMsgsPerSec float64
	RateBurst      float64

	BanScore  int
	GreyScore int

	PeerBanDuration time.Duration
	DialBackoff     time.Duration
	MaxDialBackoff  time.Duration

	Logger *slog.Logger
}

func (c ServerConfig) withDefaults() ServerConfig {
	if c.MaxPeers <= 0 {
		c.MaxPeers = 32
	}
	if c.MaxInbound <= 0 {
		c.MaxInbound = c.MaxPeers
	}
	if c.MaxOutbound <= 0 {
		c.MaxOutbound = c.MaxPeers
	}
	if c.MaxMessageBytes <= 0 {
		c.MaxMessageBytes = 1 << 20
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 90 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 5 * time.Second
	}
	if c.RateMsgsPerSec <= 0 {
		c.RateMsgsPerSec = 32
	}
	if c.RateBurst <= 0 {
		c.RateBurst = c.RateMsgsPerSec * 2
	}
	if c.BanScore == 0 {
		c.BanScore = -60
	}
	if c.GreyScore == 0 {
		c.GreyScore = -20
	}
	if c.PeerBanDuration <= 0 {
		c.PeerBanDuration = 15 * time.Minute
	}
	if c.DialBackoff <= 0 {
		c.DialBackoff = time.Second
	}
	if c.MaxDialBackoff <= 0 {
		c.MaxDialBackoff = maxDialBackoff
	}
	return c
}
