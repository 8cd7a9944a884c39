// Package config holds the spend planner configuration: which network and
// node to talk to, where the spend journal and keystore live, logging, and
// the defaults the scenario runner funds and spends with.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"gopkg.in/yaml.v3"

	"github.com/Klingon-tech/spendplanner/internal/backend"
	"github.com/Klingon-tech/spendplanner/internal/chain"
	"github.com/Klingon-tech/spendplanner/pkg/logging"
)

// ConfigFileName is the default config file name.
const ConfigFileName = "config.yaml"

// Defaults
const (
	DefaultDataDir       = "~/.spendplanner"
	DefaultRPCUser       = "bitcoin"
	DefaultRPCPass       = "localtest"
	DefaultWallet        = "spendplanner"
	DefaultFeeSats       = 100_000 // 0.001 BTC
	DefaultFundAmountBTC = 0.1
	DefaultConfirmBlocks = 1
	DefaultKeystoreFile  = "keys.json"
)

// Config errors
var (
	ErrUnknownNetwork = errors.New("unknown network")
	ErrInvalidFee     = errors.New("fee must be positive")
	ErrNoNodeURL      = errors.New("node url is required")
	ErrInvalidAmount  = errors.New("fund amount must be positive")
)

// Config holds all configuration for the spend planner.
type Config struct {
	// Network is mainnet, testnet, signet or regtest.
	Network string `yaml:"network"`

	// Node is the bitcoind JSON-RPC (or Esplora) endpoint.
	Node backend.Config `yaml:"node"`

	// Sim runs against the in-process simulated node instead of Node.
	Sim bool `yaml:"sim"`

	Storage  StorageConfig  `yaml:"storage"`
	Logging  LoggingConfig  `yaml:"logging"`
	Planner  PlannerConfig  `yaml:"planner"`
	Keystore KeystoreConfig `yaml:"keystore"`
}

// StorageConfig holds storage settings.
type StorageConfig struct {
	// DataDir is the directory for the spend journal and config file.
	DataDir string `yaml:"data_dir"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// Level is the log level (debug, info, warn, error).
	Level string `yaml:"level"`

	// Format is text or json.
	Format string `yaml:"format"`
}

// PlannerConfig holds the values scenarios fund and spend with.
type PlannerConfig struct {
	FeeSats       int64   `yaml:"fee_sats"`
	FundAmountBTC float64 `yaml:"fund_amount_btc"`
	ConfirmBlocks int     `yaml:"confirm_blocks"`
}

// FundAmount returns the funding amount in satoshis.
func (p PlannerConfig) FundAmount() (btcutil.Amount, error) {
	amt, err := btcutil.NewAmount(p.FundAmountBTC)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidAmount, err)
	}
	if amt <= 0 {
		return 0, ErrInvalidAmount
	}
	return amt, nil
}

// KeystoreConfig points at an optional encrypted keystore. Keys it does not
// hold fall back to the fixed seed keys.
type KeystoreConfig struct {
	// Path is relative to the data dir unless absolute. Empty disables it.
	Path string `yaml:"path"`

	// PasswordEnv names the environment variable holding the password.
	PasswordEnv string `yaml:"password_env,omitempty"`
}

// DefaultConfig returns a Config with regtest defaults.
func DefaultConfig() *Config {
	params := chain.MustGet(chain.Regtest)
	return &Config{
		Network: string(chain.Regtest),
		Node: backend.Config{
			Type:    backend.TypeJSONRPC,
			URL:     params.DefaultRPCURL(),
			User:    DefaultRPCUser,
			Pass:    DefaultRPCPass,
			Wallet:  DefaultWallet,
			Timeout: backend.DefaultTimeout,
		},
		Storage: StorageConfig{
			DataDir: DefaultDataDir,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: logging.FormatText,
		},
		Planner: PlannerConfig{
			FeeSats:       DefaultFeeSats,
			FundAmountBTC: DefaultFundAmountBTC,
			ConfirmBlocks: DefaultConfirmBlocks,
		},
		Keystore: KeystoreConfig{
			PasswordEnv: "SPENDPLANNER_KEYSTORE_PASSWORD",
		},
	}
}

// Params returns the chain parameters for the configured network.
func (c *Config) Params() (*chain.Params, error) {
	n, err := chain.ParseNetwork(c.Network)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrUnknownNetwork, c.Network)
	}
	p, ok := chain.Get(n)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownNetwork, c.Network)
	}
	return p, nil
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if _, err := c.Params(); err != nil {
		return err
	}
	if c.Planner.FeeSats <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidFee, c.Planner.FeeSats)
	}
	if _, err := c.Planner.FundAmount(); err != nil {
		return err
	}
	if !c.Sim && strings.TrimSpace(c.Node.URL) == "" {
		return ErrNoNodeURL
	}
	if c.Node.Timeout < 0 {
		return fmt.Errorf("node timeout %s is negative", c.Node.Timeout)
	}
	return nil
}

// KeystorePath returns the absolute keystore path, or "" when no keystore is
// configured.
func (c *Config) KeystorePath() string {
	if c.Keystore.Path == "" {
		return ""
	}
	p := ExpandPath(c.Keystore.Path)
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(ExpandPath(c.Storage.DataDir), p)
}

// NodeTimeout returns the request timeout, falling back to the default.
func (c *Config) NodeTimeout() time.Duration {
	if c.Node.Timeout <= 0 {
		return backend.DefaultTimeout
	}
	return c.Node.Timeout
}

// LoadConfig loads configuration from the YAML file in dataDir.
// If the file doesn't exist, it creates one with default values.
func LoadConfig(dataDir string) (*Config, error) {
	return LoadConfigFile(ConfigPath(dataDir), dataDir)
}

// LoadConfigFile loads configuration from configPath, creating it with
// default values when missing. A freshly created file records dataDir as
// its data directory.
func LoadConfigFile(configPath, dataDir string) (*Config, error) {
	configPath = ExpandPath(configPath)

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		cfg := DefaultConfig()
		cfg.Storage.DataDir = dataDir

		if err := cfg.Save(configPath); err != nil {
			return nil, fmt.Errorf("failed to create default config: %w", err)
		}
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if cfg.Storage.DataDir == "" {
		cfg.Storage.DataDir = dataDir
	}

	return cfg, nil
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	header := []byte("# Spend planner configuration\n# Generated automatically on first run\n\n")
	data = append(header, data...)

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// ConfigPath returns the full path to the config file for the given data directory.
func ConfigPath(dataDir string) string {
	return filepath.Join(ExpandPath(dataDir), ConfigFileName)
}

// ExpandPath expands a leading ~ to the home directory.
func ExpandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[1:])
	}
	return path
}
