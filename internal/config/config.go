// Package config loads engine-level defaults for a long-running clidm
// process: concurrency, timeouts, proxy, and BitTorrent listen
// port/DHT toggles. Per-download options always come from the CLI flags or
// a stored Download's Options — this package only supplies the defaults
// those flags fall back to.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the engine-level defaults file.
type Config struct {
	General    GeneralConfig    `yaml:"general"`
	Proxy      ProxyConfig      `yaml:"proxy"`
	BitTorrent BitTorrentConfig `yaml:"bittorrent"`
}

// GeneralConfig holds the HTTP engine's connection defaults.
type GeneralConfig struct {
	Concurrency    int           `yaml:"concurrency"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	Retries        int           `yaml:"retries"`
	ChunkSize      string        `yaml:"chunk_size"`
}

// ProxyConfig holds proxy settings shared by the HTTP client.
type ProxyConfig struct {
	HTTP    string `yaml:"http"`
	HTTPS   string `yaml:"https"`
	NoProxy string `yaml:"no_proxy"`
}

// BitTorrentConfig holds torrent adapter defaults.
type BitTorrentConfig struct {
	ListenPort int  `yaml:"listen_port"`
	NoDHT      bool `yaml:"no_dht"`
}

// DefaultConfig returns clidm's out-of-the-box engine defaults.
func DefaultConfig() *Config {
	return &Config{
		General: GeneralConfig{
			Concurrency:    8,
			ConnectTimeout: 15 * time.Second,
			ReadTimeout:    60 * time.Second,
			Retries:        5,
			ChunkSize:      "4MB",
		},
		Proxy: ProxyConfig{
			NoProxy: "localhost,127.0.0.1",
		},
		BitTorrent: BitTorrentConfig{
			ListenPort: 0,
			NoDHT:      false,
		},
	}
}

// ConfigPaths returns the list of config file paths in priority order.
func ConfigPaths() []string {
	paths := make([]string, 0, 5)

	if envPath := os.Getenv("CLIDM_CONFIG"); envPath != "" {
		paths = append(paths, envPath)
	}

	paths = append(paths, ".clidm.yaml")
	paths = append(paths, ".clidm.yml")

	if configDir, err := os.UserConfigDir(); err == nil {
		paths = append(paths, filepath.Join(configDir, "clidm", "config.yaml"))
	}

	if homeDir, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(homeDir, ".clidmrc"))
	}

	if runtime.GOOS != "windows" {
		paths = append(paths, "/etc/clidm/config.yaml")
	}

	return paths
}

// Load loads configuration from the first available config file, falling
// back to DefaultConfig if none exists.
func Load() (*Config, error) {
	cfg := DefaultConfig()

	for _, path := range ConfigPaths() {
		if _, err := os.Stat(path); err == nil {
			if err := cfg.LoadFile(path); err != nil {
				return nil, fmt.Errorf("loading config from %s: %w", path, err)
			}
			return cfg, nil
		}
	}

	return cfg, nil
}

// LoadFile loads configuration from a specific file, overlaying it on c's
// existing values.
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parsing config file: %w", err)
	}
	return nil
}

// Save writes c to path as YAML, creating parent directories as needed.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}

// GetDefaultConfigPath returns the default path for saving user config.
func GetDefaultConfigPath() (string, error) {
	configDir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(configDir, "clidm", "config.yaml"), nil
}

// GenerateDefaultConfig returns the starter config file content, the
// defaults written out as YAML.
func GenerateDefaultConfig() string {
	return `# clidm engine defaults

general:
  concurrency: 8           # chunk worker count (1-8)
  connect_timeout: 15s
  read_timeout: 60s
  retries: 5
  chunk_size: "4MB"

proxy:
  http: ""
  https: ""
  no_proxy: "localhost,127.0.0.1"

bittorrent:
  listen_port: 0            # 0 = let the engine pick
  no_dht: false
`
}
