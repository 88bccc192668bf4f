// Command observerd runs a replay-only follower: for each commit it receives
// over the replication transport it steps its own local reducer once,
// stores the resulting snapshot, and compares that snapshot's hash with the
// commit's state root, logging a warning on mismatch. It does not fetch the
// referenced block or blobs from peers or from the content-addressed store,
// and it does not take part in voting.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/eng-cc/agent-world/cas"
	"github.com/eng-cc/agent-world/config"
	"github.com/eng-cc/agent-world/crypto"
	"github.com/eng-cc/agent-world/kernel"
	"github.com/eng-cc/agent-world/observability/logging"
	"github.com/eng-cc/agent-world/p2p"
	"github.com/eng-cc/agent-world/p2p/seeds"
)

func main() {
	configFile := flag.String("config", "./observerd.toml", "Path to the configuration file")
	listenFlag := flag.String("listen", "", "Override the replication transport listen address")
	flag.Parse()

	env := strings.TrimSpace(os.Getenv("AGENT_WORLD_ENV"))
	logger := logging.Setup("observerd", env)

	cfg, err := config.Load(*configFile, config.WithKeystorePassphrase(os.Getenv("AGENT_WORLD_VALIDATOR_PASS")))
	if err != nil {
		panic(fmt.Sprintf("observerd: load config: %v", err))
	}

	store, err := cas.Open(cfg.CASRoot)
	if err != nil {
		panic(fmt.Sprintf("observerd: open content-addressed store: %v", err))
	}
	defer store.Close()

	reducer := kernel.NewReducer()

	followerKey, err := crypto.GeneratePrivateKey()
	if err != nil {
		panic(fmt.Sprintf("observerd: generate follower identity: %v", err))
	}

	p2pCfg := p2p.ServerConfig{
		ListenAddress:   cfg.ListenAddress,
		ClientVersion:   cfg.ClientVersion,
		Bootnodes:       cfg.Bootnodes,
		PersistentPeers: cfg.PersistentPeers,
		Seeds:           cfg.Seeds,
	}
	if *listenFlag != "" {
		p2pCfg.ListenAddress = *listenFlag
	}
	follower := &replayFollower{reducer: reducer, store: store, logger: logger}
	server := p2p.NewServer(follower, followerKey, p2pCfg)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if path := strings.TrimSpace(cfg.SeedRegistryPath); path != "" {
		if raw, err := os.ReadFile(path); err != nil {
			logger.Warn("seed registry unreadable", "path", path, "error", err.Error())
		} else if reg, err := seeds.Parse(raw); err != nil {
			logger.Warn("seed registry invalid", "path", path, "error", err.Error())
		} else if err := server.ApplySeedRegistry(ctx, reg, seeds.DefaultResolver(), time.Now()); err != nil {
			logger.Warn("seed registry resolution incomplete", "path", path, "error", err.Error())
		}
	}

	go func() {
		if err := server.Start(); err != nil {
			logger.Warn("replication transport stopped", "error", err.Error())
		}
	}()

	logger.Info("observerd started", "world_id", cfg.WorldID, "listen", p2pCfg.ListenAddress)
	<-ctx.Done()
	logger.Info("observerd shutting down")
}

// replayFollower steps its local reducer once per committed head and
// checks the resulting snapshot hash against the commit's state root,
// the verification half of spec.md §4.4's replication pipeline.
type replayFollower struct {
	reducer *kernel.Reducer
	store   *cas.Store
	logger  interface {
		Warn(msg string, args ...any)
		Info(msg string, args ...any)
	}
}

func (f *replayFollower) HandleMessage(msg *p2p.Message) error {
	if msg.Type != p2p.MsgTypeCommit {
		return nil
	}
	commit, err := p2p.DecodeCommitMessage(msg)
	if err != nil {
		return fmt.Errorf("%w: decode commit: %v", p2p.ErrInvalidPayload, err)
	}

	f.reducer.Step()
	snapshot := f.reducer.Snapshot()
	snapshotHash, err := f.store.PutValue(snapshot)
	if err != nil {
		return fmt.Errorf("persist replayed snapshot: %w", err)
	}
	if string(snapshotHash) != string(commit.StateRoot) {
		f.logger.Warn("state root mismatch on replay",
			"world_id", commit.WorldID, "height", commit.Height,
			"expected", string(commit.StateRoot), "got", string(snapshotHash))
	}
	return nil
}
