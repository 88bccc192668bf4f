package config

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/BurntSushi/toml"

	"github.com/eng-cc/agent-world/crypto"
)

const testKeystorePassphrase = "test-passphrase"

func TestLoadParsesTopLevelSettings(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	keystorePath := filepath.Join(dir, "validator.keystore")
	contents := fmt.Sprintf(`WorldID = "world-1"
ListenAddress = "0.0.0.0:7000"
RPCAddress = "0.0.0.0:9000"
DataDir = "./data"
CASRoot = "./data/cas"
ValidatorKeystorePath = "%s"
ClientVersion = "agent-world/test"
Bootnodes = ["1.1.1.1:6001"]
PersistentPeers = ["2.2.2.2:6001"]
Seeds = ["0xabc123@seed-1.agent-world.local:7000"]

[global.consensus]
QuorumThreshold = 3

[global.membership]
CheckpointIntervalMs = 15000
ReconcileIntervalMs = 30000
WarnDivergedThreshold = 2
CriticalRejectedThreshold = 1
DrillIntervalMs = 1800000
MaxAlertSilenceMs = 1800000
RollbackStreakThreshold = 3
AlertCooldownMs = 60000
CoordinatorLeaseTTLMs = 10000

[global.reducer]
TickIntervalMs = 500
`, keystorePath)
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path, WithKeystorePassphrase(testKeystorePassphrase))
	if err != nil {
		t.Fatalf("load config: %v", err)
	}

	if cfg.WorldID != "world-1" {
		t.Fatalf("unexpected world id: %s", cfg.WorldID)
	}
	if cfg.ListenAddress != "0.0.0.0:7000" || cfg.RPCAddress != "0.0.0.0:9000" {
		t.Fatalf("unexpected addresses: %+v", cfg)
	}
	if cfg.CASRoot != "./data/cas" {
		t.Fatalf("unexpected CAS root: %s", cfg.CASRoot)
	}
	if len(cfg.Bootnodes) != 1 || cfg.Bootnodes[0] != "1.1.1.1:6001" {
		t.Fatalf("bootnodes not parsed: %v", cfg.Bootnodes)
	}
	if len(cfg.PersistentPeers) != 1 || cfg.PersistentPeers[0] != "2.2.2.2:6001" {
		t.Fatalf("persistent peers not parsed: %v", cfg.PersistentPeers)
	}
	if len(cfg.Seeds) != 1 || cfg.Seeds[0] != "0xabc123@seed-1.agent-world.local:7000" {
		t.Fatalf("unexpected seeds: %v", cfg.Seeds)
	}
	if cfg.Global.Consensus.QuorumThreshold != 3 {
		t.Fatalf("unexpected quorum threshold: %d", cfg.Global.Consensus.QuorumThreshold)
	}
	if cfg.Global.Membership.CheckpointIntervalMs != 15000 || cfg.Global.Membership.ReconcileIntervalMs != 30000 {
		t.Fatalf("unexpected membership schedule: %+v", cfg.Global.Membership)
	}
	if cfg.Global.Membership.CoordinatorLeaseTTLMs != 10000 {
		t.Fatalf("unexpected coordinator lease ttl: %d", cfg.Global.Membership.CoordinatorLeaseTTLMs)
	}
	if cfg.Global.Reducer.TickIntervalMs != 500 {
		t.Fatalf("unexpected tick interval: %d", cfg.Global.Reducer.TickIntervalMs)
	}
}

func TestLoadAppliesDefaultsWhenSectionsOmitted(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	keystorePath := filepath.Join(dir, "validator.keystore")
	contents := fmt.Sprintf(`ListenAddress = "0.0.0.0:6001"
ValidatorKeystorePath = "%s"
`, keystorePath)
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path, WithKeystorePassphrase(testKeystorePassphrase))
	if err != nil {
		t.Fatalf("load config: %v", err)
	}

	want := defaultGlobal()
	if cfg.Global != want {
		t.Fatalf("unexpected global defaults: %+v", cfg.Global)
	}
	if cfg.RPCAddress != defaultRPCAddress {
		t.Fatalf("unexpected default RPC address: %s", cfg.RPCAddress)
	}
	if cfg.CASRoot != filepath.Join(defaultDataDir, "cas") {
		t.Fatalf("unexpected default CAS root: %s", cfg.CASRoot)
	}
}

func TestLoadRejectsInvalidGlobal(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	keystorePath := filepath.Join(dir, "validator.keystore")
	contents := fmt.Sprintf(`ListenAddress = "0.0.0.0:6001"
ValidatorKeystorePath = "%s"

[global.membership]
CheckpointIntervalMs = 15000
ReconcileIntervalMs = 30000
DrillIntervalMs = 1800000
MaxAlertSilenceMs = 1800000
RollbackStreakThreshold = 3
AlertCooldownMs = 60000
CoordinatorLeaseTTLMs = 10000

[global.reducer]
TickIntervalMs = 0
`, keystorePath)
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	if _, err := Load(path, WithKeystorePassphrase(testKeystorePassphrase)); err == nil {
		t.Fatalf("expected error for zero tick interval")
	}
}

func TestLoadWithoutPassphraseFailsToCreateDefault(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")

	if _, err := Load(path); err == nil {
		t.Fatalf("expected error when no keystore passphrase is provided")
	}
}

func TestLoadCreatesKeystoreWithPassphrase(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	passphrase := "strong-passphrase"

	cfg, err := Load(path, WithKeystorePassphrase(passphrase))
	if err != nil {
		t.Fatalf("load config: %v", err)
	}

	if cfg.ValidatorKeystorePath == "" {
		t.Fatalf("expected validator keystore path to be set")
	}
	if _, err := os.Stat(cfg.ValidatorKeystorePath); err != nil {
		t.Fatalf("expected keystore file to exist: %v", err)
	}

	key, err := crypto.LoadFromKeystore(cfg.ValidatorKeystorePath, passphrase)
	if err != nil {
		t.Fatalf("failed to decrypt keystore: %v", err)
	}
	if key == nil {
		t.Fatalf("expected decrypted key")
	}
}

func TestValidateGlobalRejectsShortReconcileInterval(t *testing.T) {
	g := defaultGlobal()
	g.Membership.ReconcileIntervalMs = MinReconcileIntervalMs - 1
	if err := ValidateGlobal(g); err == nil {
		t.Fatalf("expected error for reconcile interval below minimum")
	}
}

func TestDefaultGlobalRoundTripsThroughTOML(t *testing.T) {
	cfg := Config{Global: defaultGlobal()}
	path := filepath.Join(t.TempDir(), "roundtrip.toml")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := toml.NewEncoder(f).Encode(cfg); err != nil {
		f.Close()
		t.Fatalf("encode: %v", err)
	}
	f.Close()

	var decoded Config
	if _, err := toml.DecodeFile(path, &decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.Global != cfg.Global {
		t.Fatalf("round-tripped global mismatch: %+v != %+v", decoded.Global, cfg.Global)
	}
}
