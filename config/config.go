package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"xcallvote/storage"
)

// Secret is a value given inline, through an environment variable or in a
// file. The first non-empty source wins in that order.
type Secret struct {
	Value string `toml:"Value,omitempty"`
	Env   string `toml:"Env,omitempty"`
	File  string `toml:"File,omitempty"`
}

// IsSet reports whether any source is configured.
func (s Secret) IsSet() bool {
	return strings.TrimSpace(s.Value) != "" || strings.TrimSpace(s.Env) != "" || strings.TrimSpace(s.File) != ""
}

// Resolve returns the secret value.
func (s Secret) Resolve() (string, error) {
	if v := strings.TrimSpace(s.Value); v != "" {
		return v, nil
	}
	if env := strings.TrimSpace(s.Env); env != "" {
		if v := strings.TrimSpace(os.Getenv(env)); v != "" {
			return v, nil
		}
		if strings.TrimSpace(s.File) == "" {
			return "", fmt.Errorf("environment variable %s is empty", env)
		}
	}
	if path := strings.TrimSpace(s.File); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("read secret file: %w", err)
		}
		if v := strings.TrimSpace(string(raw)); v != "" {
			return v, nil
		}
		return "", fmt.Errorf("secret file %s is empty", path)
	}
	return "", fmt.Errorf("secret not configured")
}

// Key locates a signing key: a raw hex secret or an encrypted v3 keystore
// whose passphrase is read from PassphraseEnv or the terminal.
type Key struct {
	PrivateKey    Secret `toml:"PrivateKey"`
	Keystore      string `toml:"Keystore,omitempty"`
	PassphraseEnv string `toml:"PassphraseEnv,omitempty"`
}

// IsSet reports whether a key source is configured.
func (k Key) IsSet() bool {
	return k.PrivateKey.IsSet() || strings.TrimSpace(k.Keystore) != ""
}

// ICON configures the origin ledger.
type ICON struct {
	Network      string        `toml:"Network"`
	Label        string        `toml:"Label"`
	RPC          string        `toml:"RPC"`
	NID          int64         `toml:"NID"`
	StepLimit    int64         `toml:"StepLimit"`
	XCall        string        `toml:"XCall"`
	Dapp         string        `toml:"Dapp,omitempty"`
	Tracker      string        `toml:"Tracker"`
	TrackerPages int           `toml:"TrackerPages"`
	TrackerRPS   float64       `toml:"TrackerRPS"`
	Timeout      time.Duration `toml:"Timeout"`
	Key          Key           `toml:"Key"`
}

// EVM configures the destination ledger.
type EVM struct {
	Network   string `toml:"Network"`
	Label     string `toml:"Label"`
	RPC       Secret `toml:"RPC"`
	ChainID   int64  `toml:"ChainID"`
	XCall     string `toml:"XCall"`
	Dapp      string `toml:"Dapp,omitempty"`
	GasLimit  uint64 `toml:"GasLimit"`
	GasTipWei int64  `toml:"GasTipWei,omitempty"`
	Key       Key    `toml:"Key"`
}

// Policy configures the rollback decision.
type Policy struct {
	// Checkpoint is before_submit or after_execute.
	Checkpoint     string   `toml:"Checkpoint"`
	CountersMethod string   `toml:"CountersMethod"`
	Fields         []string `toml:"Fields"`
	CapMethod      string   `toml:"CapMethod,omitempty"`
	StaticCap      int64    `toml:"StaticCap"`
}

// Waiters configures event and receipt polling.
type Waiters struct {
	DestinationTimeout  time.Duration `toml:"DestinationTimeout"`
	DestinationInterval time.Duration `toml:"DestinationInterval"`
	MaxRange            uint64        `toml:"MaxRange"`
	OriginTimeout       time.Duration `toml:"OriginTimeout"`
	OriginInterval      time.Duration `toml:"OriginInterval"`
	ReceiptAttempts     int           `toml:"ReceiptAttempts"`
	ReceiptDelay        time.Duration `toml:"ReceiptDelay"`
	RollbackIDPosition  int           `toml:"RollbackIDPosition"`
}

// Config is the chain and lifecycle configuration shared by the daemon and
// the CLI.
type Config struct {
	DeploymentsFile string                `toml:"DeploymentsFile"`
	ICON            ICON                  `toml:"ICON"`
	EVM             EVM                   `toml:"EVM"`
	Policy          Policy                `toml:"Policy"`
	Waiters         Waiters               `toml:"Waiters"`
	Journal         storage.JournalConfig `toml:"Journal"`
}

// Load loads the configuration from the given path. A missing file is
// created with the defaults for the berlin and sepolia testnets.
func Load(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}
	cfg := &Config{}
	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("config file %s has unknown keys %v", path, undecoded)
	}
	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}
	if !filepath.IsAbs(cfg.DeploymentsFile) {
		cfg.DeploymentsFile = filepath.Join(filepath.Dir(path), cfg.DeploymentsFile)
	}
	return cfg, nil
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	cfg := &Config{
		ICON: ICON{Network: "berlin", Key: Key{PrivateKey: Secret{Env: "PK_BERLIN"}}},
		EVM: EVM{
			Network: "sepolia",
			RPC:     Secret{Env: "SEPOLIA_RPC_URL"},
			Dapp:    DefaultDestinationDapp,
			Key:     Key{PrivateKey: Secret{Env: "PK_SEPOLIA"}},
		},
	}
	// presets are known to exist
	_ = cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() error {
	if strings.TrimSpace(c.DeploymentsFile) == "" {
		c.DeploymentsFile = "deployments.toml"
	}
	if c.ICON.Network != "" {
		preset, err := LookupNetwork(c.ICON.Network)
		if err != nil {
			return fmt.Errorf("ICON: %w", err)
		}
		c.ICON.Label = fallback(c.ICON.Label, preset.Label)
		c.ICON.RPC = fallback(c.ICON.RPC, preset.RPC)
		c.ICON.XCall = fallback(c.ICON.XCall, preset.XCall)
		c.ICON.Tracker = fallback(c.ICON.Tracker, preset.Tracker)
		if c.ICON.NID == 0 {
			c.ICON.NID = preset.NID
		}
	}
	if c.ICON.StepLimit == 0 {
		c.ICON.StepLimit = 20_000_000
	}
	if c.ICON.TrackerPages == 0 {
		c.ICON.TrackerPages = 1
	}
	if c.ICON.Timeout == 0 {
		c.ICON.Timeout = 10 * time.Second
	}
	if c.EVM.Network != "" {
		preset, err := LookupNetwork(c.EVM.Network)
		if err != nil {
			return fmt.Errorf("EVM: %w", err)
		}
		c.EVM.Label = fallback(c.EVM.Label, preset.Label)
		c.EVM.XCall = fallback(c.EVM.XCall, preset.XCall)
		if c.EVM.RPC.Value == "" && c.EVM.RPC.Env == "" && c.EVM.RPC.File == "" {
			c.EVM.RPC.Value = preset.RPC
		}
		if c.EVM.ChainID == 0 {
			c.EVM.ChainID = preset.ChainID
		}
	}
	if c.Policy.Checkpoint == "" {
		c.Policy.Checkpoint = "before_submit"
	}
	if c.Policy.CountersMethod == "" {
		c.Policy.CountersMethod = "getVotes"
	}
	if len(c.Policy.Fields) == 0 {
		c.Policy.Fields = []string{"yes", "no"}
	}
	if c.Policy.StaticCap == 0 && c.Policy.CapMethod == "" {
		c.Policy.StaticCap = 10
	}
	w := &c.Waiters
	if w.DestinationTimeout == 0 {
		w.DestinationTimeout = 30 * time.Minute
	}
	if w.DestinationInterval == 0 {
		w.DestinationInterval = time.Second
	}
	if w.MaxRange == 0 {
		w.MaxRange = 500
	}
	if w.OriginTimeout == 0 {
		w.OriginTimeout = 40 * time.Minute
	}
	if w.OriginInterval == 0 {
		w.OriginInterval = 5 * time.Second
	}
	if w.ReceiptAttempts == 0 {
		w.ReceiptAttempts = 10
	}
	if w.ReceiptDelay == 0 {
		w.ReceiptDelay = time.Second
	}
	if w.RollbackIDPosition == 0 {
		w.RollbackIDPosition = 1
	}
	if c.Journal.Driver == "" {
		c.Journal.Driver = "memory"
	}
	return nil
}

// Save writes cfg to path.
func Save(path string, cfg *Config) error {
	return persist(path, cfg)
}

// createDefault creates and saves a default configuration file.
func createDefault(path string) (*Config, error) {
	cfg := Default()
	if err := persist(path, cfg); err != nil {
		return nil, err
	}
	cfg.DeploymentsFile = filepath.Join(filepath.Dir(path), cfg.DeploymentsFile)
	return cfg, nil
}

func persist(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(cfg)
}

func fallback(value, def string) string {
	if strings.TrimSpace(value) == "" {
		return def
	}
	return strings.TrimSpace(value)
}
