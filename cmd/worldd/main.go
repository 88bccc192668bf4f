// Command worldd runs the sequencer+reducer+consensus-gate node: it steps the
// world kernel on a tick interval and persists each resulting snapshot to the
// content-addressed store, and it feeds commits gossiped by peers into the
// quorum-voting engine. It has no action-submission input, does not propose
// its own heads, and does not broadcast commits.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"math/big"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/eng-cc/agent-world/cas"
	"github.com/eng-cc/agent-world/cmd/internal/passphrase"
	"github.com/eng-cc/agent-world/config"
	"github.com/eng-cc/agent-world/consensus/bft"
	"github.com/eng-cc/agent-world/crypto"
	"github.com/eng-cc/agent-world/kernel"
	"github.com/eng-cc/agent-world/observability/logging"
	telemetry "github.com/eng-cc/agent-world/observability/otel"
	"github.com/eng-cc/agent-world/p2p"
	"github.com/eng-cc/agent-world/p2p/seeds"
)

const validatorPassEnv = "AGENT_WORLD_VALIDATOR_PASS"

func main() {
	configFile := flag.String("config", "./worldd.toml", "Path to the configuration file")
	listenFlag := flag.String("listen", "", "Override the replication transport listen address")
	flag.Parse()

	env := strings.TrimSpace(os.Getenv("AGENT_WORLD_ENV"))
	logger := logging.Setup("worldd", env)

	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.Config{
		ServiceName: "worldd",
		Environment: env,
		Endpoint:    strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")),
		Insecure:    otlpInsecure(),
		Metrics:     true,
		Traces:      true,
	})
	if err != nil {
		panic(fmt.Sprintf("worldd: init telemetry: %v", err))
	}
	defer func() {
		if shutdownTelemetry != nil {
			_ = shutdownTelemetry(context.Background())
		}
	}()

	passSource := passphrase.NewSource(validatorPassEnv)
	cfg, err := config.Load(*configFile, config.WithKeystorePassphraseSource(passSource.Get))
	if err != nil {
		panic(fmt.Sprintf("worldd: load config: %v", err))
	}
	if err := config.ValidateGlobal(cfg.Global); err != nil {
		panic(fmt.Sprintf("worldd: invalid configuration: %v", err))
	}

	pass, err := passSource.Get()
	if err != nil {
		panic(fmt.Sprintf("worldd: resolve validator passphrase: %v", err))
	}
	validatorKey, err := crypto.LoadFromKeystore(cfg.ValidatorKeystorePath, pass)
	if err != nil {
		panic(fmt.Sprintf("worldd: load validator keystore: %v", err))
	}

	store, err := cas.Open(cfg.CASRoot)
	if err != nil {
		panic(fmt.Sprintf("worldd: open content-addressed store: %v", err))
	}
	defer store.Close()

	reducer := kernel.NewReducer()

	selfValidator := crypto.MustNewAddress(crypto.ValidatorPrefix, validatorKey.PubKey().Address().Bytes()).String()
	validators := map[string]*big.Int{
		selfValidator: big.NewInt(1),
	}
	engine, err := bft.NewEngine(validators, bft.WithQuorumThreshold(cfg.Global.Consensus.QuorumThreshold))
	if err != nil {
		panic(fmt.Sprintf("worldd: construct consensus engine: %v", err))
	}

	p2pCfg := p2p.ServerConfig{
		ListenAddress:   cfg.ListenAddress,
		ChainID:         worldIDChainID(cfg.WorldID),
		ClientVersion:   cfg.ClientVersion,
		Bootnodes:       cfg.Bootnodes,
		PersistentPeers: cfg.PersistentPeers,
		Seeds:           cfg.Seeds,
	}
	if *listenFlag != "" {
		p2pCfg.ListenAddress = *listenFlag
	}
	server := p2p.NewServer(commitRelay{engine: engine, selfValidator: selfValidator}, validatorKey, p2pCfg)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := applySeedRegistry(ctx, server, cfg.SeedRegistryPath); err != nil {
		logger.Warn("seed registry resolution incomplete", "path", cfg.SeedRegistryPath, "error", err.Error())
	}

	go func() {
		if err := server.Start(); err != nil {
			logger.Warn("replication transport stopped", "error", err.Error())
		}
	}()

	tickInterval := time.Duration(cfg.Global.Reducer.TickIntervalMs) * time.Millisecond
	if tickInterval <= 0 {
		tickInterval = time.Second
	}
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	logger.Info("worldd started", "world_id", cfg.WorldID, "listen", p2pCfg.ListenAddress)

	for {
		select {
		case <-ctx.Done():
			logger.Info("worldd shutting down")
			return
		case <-ticker.C:
			events := reducer.Step()
			if len(events) == 0 {
				continue
			}
			if _, err := store.PutValue(reducer.Snapshot()); err != nil {
				logger.Warn("snapshot persist failed", "error", err.Error())
			}
		}
	}
}

// applySeedRegistry reads a governance-published network.seeds payload from
// path, if configured, and merges its resolved DNS and static seeds into the
// server's bootstrap set. A resolution error from one or more DNS authorities
// is logged by the caller but never blocks startup: whatever seeds were
// successfully resolved (or the static fallbacks alone) still apply.
func applySeedRegistry(ctx context.Context, server *p2p.Server, path string) error {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read seed registry %s: %w", path, err)
	}
	reg, err := seeds.Parse(raw)
	if err != nil {
		return fmt.Errorf("parse seed registry %s: %w", path, err)
	}
	return server.ApplySeedRegistry(ctx, reg, seeds.DefaultResolver(), time.Now())
}

func otlpInsecure() bool {
	if value := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_INSECURE")); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return true
}

// worldIDChainID derives a stable numeric chain identifier from the
// configured world id so unrelated worlds never accidentally handshake with
// each other over the replication transport.
func worldIDChainID(worldID string) uint64 {
	var sum uint64
	for _, r := range worldID {
		sum = sum*131 + uint64(r)
	}
	if sum == 0 {
		return 1
	}
	return sum
}

// commitRelay routes incoming replication-transport messages into the
// consensus engine's vote-collection path: a gossiped commit is treated as
// its signer's head proposal, which this validator then ratifies with its
// own approving vote. Ping/pong/PEX control messages are handled by p2p
// itself before reaching a MessageHandler.
type commitRelay struct {
	engine        *bft.Engine
	selfValidator string
}

func (r commitRelay) HandleMessage(msg *p2p.Message) error {
	if msg.Type != p2p.MsgTypeCommit {
		return nil
	}
	commit, err := p2p.DecodeCommitMessage(msg)
	if err != nil {
		return fmt.Errorf("%w: decode commit: %v", p2p.ErrInvalidPayload, err)
	}
	signer, err := commit.RecoverSigner()
	if err != nil {
		return fmt.Errorf("%w: recover commit signer: %v", p2p.ErrInvalidPayload, err)
	}

	if _, err := r.engine.ProposeHead(bft.HeadProposal{
		WorldID:   commit.WorldID,
		Height:    commit.Height,
		BlockHash: commit.BlockHash,
		Proposer:  signer.String(),
		Timestamp: time.Now().Unix(),
	}); err != nil && !errors.Is(err, bft.ErrStaleHeight) && !errors.Is(err, bft.ErrNotValidator) {
		return fmt.Errorf("propose gossiped head: %w", err)
	}

	if signer.String() == r.selfValidator {
		return nil
	}
	if _, err := r.engine.VoteHead(bft.HeadVote{
		WorldID:   commit.WorldID,
		Height:    commit.Height,
		BlockHash: commit.BlockHash,
		Validator: r.selfValidator,
		Approve:   true,
		Timestamp: time.Now().Unix(),
	}); err != nil && !errors.Is(err, bft.ErrNotValidator) && !errors.Is(err, bft.ErrUnknownRecord) {
		return fmt.Errorf("vote on gossiped head: %w", err)
	}
	return nil
}
