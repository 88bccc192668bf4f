package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"

	"github.com/eng-cc/agent-world/crypto"
)

const (
	defaultListenAddress = "0.0.0.0:26700"
	defaultRPCAddress    = "0.0.0.0:26701"
	defaultDataDir       = "./agent-world-data"
	defaultClientVersion = "agent-world/dev"
)

// Config is the root daemon configuration, decoded from a TOML file by Load.
// worldd, observerd, and reconciled all load the same shape; each daemon
// only reads the sections it needs.
type Config struct {
	WorldID               string   `toml:"WorldID"`
	ListenAddress         string   `toml:"ListenAddress"`
	RPCAddress            string   `toml:"RPCAddress"`
	DataDir               string   `toml:"DataDir"`
	CASRoot               string   `toml:"CASRoot"`
	ValidatorKeystorePath string   `toml:"ValidatorKeystorePath"`
	ClientVersion         string   `toml:"ClientVersion"`
	Bootnodes             []string `toml:"Bootnodes"`
	PersistentPeers       []string `toml:"PersistentPeers"`
	Seeds                 []string `toml:"Seeds"`
	SeedRegistryPath      string   `toml:"SeedRegistryPath"`

	Global Global `toml:"global"`
}

type loadOptions struct {
	keystorePassphrase       string
	keystorePassphraseSource func() (string, error)
}

// LoadOption customizes Load's behavior when no config file exists yet.
type LoadOption func(*loadOptions)

// WithKeystorePassphrase supplies the passphrase used to encrypt a freshly
// generated validator key when createDefault has to mint one.
func WithKeystorePassphrase(passphrase string) LoadOption {
	return func(o *loadOptions) { o.keystorePassphrase = passphrase }
}

// WithKeystorePassphraseSource defers passphrase resolution (env lookup or
// terminal prompt) until a default config actually needs to be created,
// rather than resolving it eagerly on every daemon startup.
func WithKeystorePassphraseSource(source func() (string, error)) LoadOption {
	return func(o *loadOptions) { o.keystorePassphraseSource = source }
}

func (o loadOptions) resolvePassphrase() (string, error) {
	if o.keystorePassphrase != "" {
		return o.keystorePassphrase, nil
	}
	if o.keystorePassphraseSource != nil {
		return o.keystorePassphraseSource()
	}
	return "", nil
}

// Load decodes the TOML file at path. If no file exists yet it creates one
// with default values and a freshly generated, keystore-encrypted validator
// key, which requires WithKeystorePassphrase.
func Load(path string, opts ...LoadOption) (*Config, error) {
	var options loadOptions
	for _, opt := range opts {
		opt(&options)
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path, options)
	}

	var cfg Config
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, fmt.Errorf("config: decode %s: %w", path, err)
	}
	applyDefaults(&cfg)
	if err := ValidateGlobal(cfg.Global); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func createDefault(path string, options loadOptions) (*Config, error) {
	passphrase, err := options.resolvePassphrase()
	if err != nil {
		return nil, fmt.Errorf("config: resolve keystore passphrase: %w", err)
	}
	if passphrase == "" {
		return nil, fmt.Errorf("config: no config file at %s and no keystore passphrase provided to create one", path)
	}

	dir := filepath.Dir(path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("config: create config dir: %w", err)
		}
	}

	keystorePath := filepath.Join(dir, "validator.keystore")
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		return nil, fmt.Errorf("config: generate validator key: %w", err)
	}
	if err := crypto.SaveToKeystore(keystorePath, key, passphrase); err != nil {
		return nil, fmt.Errorf("config: save validator keystore: %w", err)
	}

	cfg := &Config{
		ListenAddress:         defaultListenAddress,
		RPCAddress:            defaultRPCAddress,
		DataDir:               defaultDataDir,
		CASRoot:               filepath.Join(defaultDataDir, "cas"),
		ValidatorKeystorePath: keystorePath,
		ClientVersion:         defaultClientVersion,
		Bootnodes:             []string{},
		PersistentPeers:       []string{},
		Seeds:                 []string{},
		Global:                defaultGlobal(),
	}

	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("config: create %s: %w", path, err)
	}
	defer f.Close()

	if err := toml.NewEncoder(f).Encode(cfg); err != nil {
		return nil, fmt.Errorf("config: write default config: %w", err)
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = defaultListenAddress
	}
	if cfg.RPCAddress == "" {
		cfg.RPCAddress = defaultRPCAddress
	}
	if cfg.DataDir == "" {
		cfg.DataDir = defaultDataDir
	}
	if cfg.CASRoot == "" {
		cfg.CASRoot = filepath.Join(cfg.DataDir, "cas")
	}
	if cfg.ClientVersion == "" {
		cfg.ClientVersion = defaultClientVersion
	}
	if (cfg.Global == Global{}) {
		cfg.Global = defaultGlobal()
	}
}

func defaultGlobal() Global {
	return Global{
		Consensus: Consensus{QuorumThreshold: 0},
		Membership: Membership{
			CheckpointIntervalMs:      30_000,
			ReconcileIntervalMs:       60_000,
			WarnDivergedThreshold:     1,
			CriticalRejectedThreshold: 1,
			DrillIntervalMs:           3_600_000,
			MaxAlertSilenceMs:         3_600_000,
			RollbackStreakThreshold:   3,
			AlertCooldownMs:           300_000,
			CoordinatorLeaseTTLMs:     15_000,
		},
		Reducer: Reducer{TickIntervalMs: 1_000},
	}
}
