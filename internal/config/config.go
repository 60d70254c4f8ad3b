package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the daemon.
type Config struct {
	// NetworkType is the network to operate on.
	NetworkType NetworkType `yaml:"network_type"`

	// Wallet settings
	Wallet WalletConfig `yaml:"wallet"`

	// Storage settings
	Storage StorageConfig `yaml:"storage"`

	// Logging settings
	Logging LoggingConfig `yaml:"logging"`

	// SwapService overrides the default swap service endpoints.
	SwapService SwapServiceConfig `yaml:"swap_service,omitempty"`

	// Backend overrides the default block explorer endpoint.
	Backend BackendConfig `yaml:"backend,omitempty"`

	// Fees holds fee rate settings.
	Fees FeeConfig `yaml:"fees"`
}

// WalletConfig holds wallet settings.
type WalletConfig struct {
	// SeedFile is the path to the encrypted seed file, relative to the
	// data directory unless absolute.
	SeedFile string `yaml:"seed_file"`
}

// StorageConfig holds storage settings.
type StorageConfig struct {
	// DataDir is the directory for all data files.
	DataDir string `yaml:"data_dir"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// Level is the log level (debug, info, warn, error).
	Level string `yaml:"level"`
}

// SwapServiceConfig holds swap service endpoint overrides.
type SwapServiceConfig struct {
	// URL is the REST endpoint. Empty means the network default.
	URL string `yaml:"url,omitempty"`

	// WSURL is the websocket endpoint. Empty means the network default.
	WSURL string `yaml:"ws_url,omitempty"`

	// AcceptZeroConf claims lockup transactions before confirmation.
	AcceptZeroConf bool `yaml:"accept_zero_conf"`
}

// BackendConfig holds block explorer endpoint overrides.
type BackendConfig struct {
	// EsploraURL is the explorer API endpoint. Empty means the
	// network default.
	EsploraURL string `yaml:"esplora_url,omitempty"`
}

// FeeConfig holds fee rate settings.
type FeeConfig struct {
	// SatsPerVByte is the fee rate for claim and refund transactions.
	SatsPerVByte float64 `yaml:"sats_per_vbyte"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		NetworkType: NetworkMainnet,
		Wallet: WalletConfig{
			SeedFile: "seed.json",
		},
		Storage: StorageConfig{
			DataDir: "~/.tidewallet",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		Fees: FeeConfig{
			SatsPerVByte: DefaultSatsPerVByte,
		},
	}
}

// Params resolves the network parameters for the configured network,
// applying any endpoint overrides.
func (c *Config) Params() (*NetworkParams, error) {
	params, err := NetworkParamsFor(c.NetworkType)
	if err != nil {
		return nil, err
	}
	if c.SwapService.URL != "" {
		params.SwapAPIURL = c.SwapService.URL
	}
	if c.SwapService.WSURL != "" {
		params.SwapWSURL = c.SwapService.WSURL
	}
	if c.Backend.EsploraURL != "" {
		params.EsploraURL = c.Backend.EsploraURL
	}
	return params, nil
}

// ConfigFileName is the default config file name.
const ConfigFileName = "config.yaml"

// Load reads configuration from the config file in dataDir. If the
// file doesn't exist, a default one is written first.
func Load(dataDir string) (*Config, error) {
	expandedDir := ExpandPath(dataDir)
	configPath := filepath.Join(expandedDir, ConfigFileName)

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		cfg := DefaultConfig()
		cfg.Storage.DataDir = dataDir
		if err := cfg.Save(configPath); err != nil {
			return nil, fmt.Errorf("create default config: %w", err)
		}
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	if cfg.Fees.SatsPerVByte < LowballSatsPerVByte {
		return nil, fmt.Errorf("fee rate %.3f below network minimum %.3f",
			cfg.Fees.SatsPerVByte, LowballSatsPerVByte)
	}

	return cfg, nil
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	header := []byte("# tidewallet daemon configuration\n# Generated automatically on first run\n\n")
	data = append(header, data...)

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}
	return nil
}

// ExpandPath expands a leading ~ to the home directory.
func ExpandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[1:])
	}
	return path
}
