package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcutil"

	"github.com/Klingon-tech/spendplanner/internal/backend"
	"github.com/Klingon-tech/spendplanner/internal/chain"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Network != "regtest" {
		t.Errorf("expected regtest, got %s", cfg.Network)
	}
	if cfg.Node.URL != "http://localhost:18443" {
		t.Errorf("expected http://localhost:18443, got %s", cfg.Node.URL)
	}
	if cfg.Node.User != "bitcoin" || cfg.Node.Pass != "localtest" {
		t.Errorf("unexpected credentials %s/%s", cfg.Node.User, cfg.Node.Pass)
	}
	if cfg.Node.Wallet != "spendplanner" {
		t.Errorf("expected wallet spendplanner, got %s", cfg.Node.Wallet)
	}
	if cfg.Node.Timeout != 30*time.Second {
		t.Errorf("expected timeout 30s, got %v", cfg.Node.Timeout)
	}
	if cfg.Planner.FeeSats != 100_000 {
		t.Errorf("expected fee 100000, got %d", cfg.Planner.FeeSats)
	}
	if cfg.Planner.ConfirmBlocks != 1 {
		t.Errorf("expected 1 confirm block, got %d", cfg.Planner.ConfirmBlocks)
	}
	if cfg.Logging.Level != "info" {
		t.Errorf("expected log level info, got %s", cfg.Logging.Level)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() error = %v", err)
	}
}

func TestFundAmount(t *testing.T) {
	cfg := DefaultConfig()
	amt, err := cfg.Planner.FundAmount()
	if err != nil {
		t.Fatalf("FundAmount() error = %v", err)
	}
	if amt != btcutil.Amount(10_000_000) {
		t.Errorf("FundAmount() = %d, want 10000000", amt)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
		want   error
	}{
		{"default", func(*Config) {}, nil},
		{"testnet alias", func(c *Config) { c.Network = "testnet3" }, nil},
		{"unknown network", func(c *Config) { c.Network = "litecoin" }, ErrUnknownNetwork},
		{"zero fee", func(c *Config) { c.Planner.FeeSats = 0 }, ErrInvalidFee},
		{"negative fee", func(c *Config) { c.Planner.FeeSats = -1 }, ErrInvalidFee},
		{"zero amount", func(c *Config) { c.Planner.FundAmountBTC = 0 }, ErrInvalidAmount},
		{"no url", func(c *Config) { c.Node.URL = " " }, ErrNoNodeURL},
		{"no url when simulating", func(c *Config) { c.Node.URL = ""; c.Sim = true }, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)
			err := cfg.Validate()
			if tt.want == nil {
				if err != nil {
					t.Errorf("Validate() error = %v, want nil", err)
				}
				return
			}
			if !errors.Is(err, tt.want) {
				t.Errorf("Validate() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestParams(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Network = "signet"
	p, err := cfg.Params()
	if err != nil {
		t.Fatalf("Params() error = %v", err)
	}
	if p.Network != chain.Signet {
		t.Errorf("Params().Network = %s, want signet", p.Network)
	}
}

func TestLoadConfigCreatesDefault(t *testing.T) {
	tmpDir := t.TempDir()

	cfg, err := LoadConfig(tmpDir)
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}

	configPath := filepath.Join(tmpDir, ConfigFileName)
	info, err := os.Stat(configPath)
	if err != nil {
		t.Fatalf("config file was not created: %v", err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("config file mode = %v, want 0600", info.Mode().Perm())
	}
	if cfg.Storage.DataDir != tmpDir {
		t.Errorf("expected DataDir %s, got %s", tmpDir, cfg.Storage.DataDir)
	}
}

func TestLoadConfigReadsExisting(t *testing.T) {
	tmpDir := t.TempDir()

	customConfig := `network: testnet
node:
  type: esplora
  url: https://mempool.space/testnet/api
  timeout: 5s
planner:
  fee_sats: 2000
logging:
  level: debug
  format: json
keystore:
  path: custom.json
`
	configPath := filepath.Join(tmpDir, ConfigFileName)
	if err := os.WriteFile(configPath, []byte(customConfig), 0600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := LoadConfig(tmpDir)
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}

	if cfg.Network != "testnet" {
		t.Errorf("expected testnet, got %s", cfg.Network)
	}
	if cfg.Node.Type != backend.TypeEsplora {
		t.Errorf("expected esplora backend, got %s", cfg.Node.Type)
	}
	if cfg.Node.Timeout != 5*time.Second {
		t.Errorf("expected timeout 5s, got %v", cfg.Node.Timeout)
	}
	if cfg.Planner.FeeSats != 2000 {
		t.Errorf("expected fee 2000, got %d", cfg.Planner.FeeSats)
	}
	// Unset fields keep their defaults.
	if cfg.Planner.FundAmountBTC != DefaultFundAmountBTC {
		t.Errorf("expected default fund amount, got %v", cfg.Planner.FundAmountBTC)
	}
	if cfg.Logging.Format != "json" {
		t.Errorf("expected json format, got %s", cfg.Logging.Format)
	}
	if got, want := cfg.KeystorePath(), filepath.Join(ExpandPath(DefaultDataDir), "custom.json"); got != want {
		t.Errorf("KeystorePath() = %s, want %s", got, want)
	}
}

func TestLoadConfigFileCustomName(t *testing.T) {
	tmpDir := t.TempDir()
	custom := filepath.Join(tmpDir, "custom.yaml")
	if err := os.WriteFile(custom, []byte("network: signet\n"), 0600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := LoadConfigFile(custom, tmpDir)
	if err != nil {
		t.Fatalf("LoadConfigFile() error = %v", err)
	}
	if cfg.Network != "signet" {
		t.Errorf("expected signet from custom.yaml, got %s", cfg.Network)
	}
	if _, err := os.Stat(ConfigPath(tmpDir)); !os.IsNotExist(err) {
		t.Errorf("config.yaml was created next to custom.yaml: %v", err)
	}

	missing := filepath.Join(tmpDir, "other", "fresh.yaml")
	if _, err := LoadConfigFile(missing, tmpDir); err != nil {
		t.Fatalf("LoadConfigFile() error = %v", err)
	}
	if _, err := os.Stat(missing); err != nil {
		t.Errorf("missing config was not created: %v", err)
	}
}

func TestLoadConfigInvalidYAML(t *testing.T) {
	tmpDir := t.TempDir()
	if err := os.WriteFile(ConfigPath(tmpDir), []byte("network: [\n"), 0600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	if _, err := LoadConfig(tmpDir); err == nil {
		t.Error("LoadConfig() expected parse error")
	}
}

func TestConfigSaveRoundTrip(t *testing.T) {
	tmpDir := t.TempDir()

	cfg := DefaultConfig()
	cfg.Network = "signet"
	cfg.Logging.Level = "debug"
	cfg.Node.Timeout = 90 * time.Second

	configPath := filepath.Join(tmpDir, "sub", ConfigFileName)
	if err := cfg.Save(configPath); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		t.Fatalf("failed to read config: %v", err)
	}
	content := string(data)
	if !strings.HasPrefix(content, "# Spend planner configuration") {
		t.Error("config file missing header comment")
	}
	if !strings.Contains(content, "network: signet") {
		t.Error("config file missing network")
	}

	loaded, err := LoadConfig(filepath.Dir(configPath))
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	if loaded.Network != "signet" || loaded.Logging.Level != "debug" || loaded.Node.Timeout != 90*time.Second {
		t.Errorf("round trip mismatch: %+v", loaded)
	}
}

func TestKeystorePath(t *testing.T) {
	tests := []struct {
		name    string
		dataDir string
		path    string
		want    string
	}{
		{"disabled", "/data", "", ""},
		{"relative", "/data", "keys.json", "/data/keys.json"},
		{"absolute", "/data", "/etc/keys.json", "/etc/keys.json"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.Storage.DataDir = tt.dataDir
			cfg.Keystore.Path = tt.path
			if got := cfg.KeystorePath(); got != tt.want {
				t.Errorf("KeystorePath() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestExpandPath(t *testing.T) {
	home, _ := os.UserHomeDir()

	tests := []struct {
		input    string
		expected string
	}{
		{"~/.spendplanner", filepath.Join(home, ".spendplanner")},
		{"/absolute/path", "/absolute/path"},
		{"relative/path", "relative/path"},
		{"", ""},
	}

	for _, tt := range tests {
		got := ExpandPath(tt.input)
		if got != tt.expected {
			t.Errorf("ExpandPath(%q) = %q, want %q", tt.input, got, tt.expected)
		}
	}
}

func TestConfigPath(t *testing.T) {
	home, _ := os.UserHomeDir()

	tests := []struct {
		dataDir  string
		expected string
	}{
		{"~/.spendplanner", filepath.Join(home, ".spendplanner", ConfigFileName)},
		{"/tmp/test", filepath.Join("/tmp/test", ConfigFileName)},
	}

	for _, tt := range tests {
		got := ConfigPath(tt.dataDir)
		if got != tt.expected {
			t.Errorf("ConfigPath(%q) = %q, want %q", tt.dataDir, got, tt.expected)
		}
	}
}
