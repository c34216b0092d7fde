package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.General.Concurrency != 8 {
		t.Errorf("Concurrency = %d, want 8", cfg.General.Concurrency)
	}

	if cfg.General.ConnectTimeout != 15*time.Second {
		t.Errorf("ConnectTimeout = %v, want 15s", cfg.General.ConnectTimeout)
	}

	if cfg.General.Retries != 5 {
		t.Errorf("Retries = %d, want 5", cfg.General.Retries)
	}

	if cfg.BitTorrent.ListenPort != 0 {
		t.Errorf("BitTorrent.ListenPort = %d, want 0", cfg.BitTorrent.ListenPort)
	}

	if cfg.BitTorrent.NoDHT {
		t.Error("BitTorrent.NoDHT should be false by default")
	}
}

func TestLoadFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	content := `
general:
  concurrency: 4
  connect_timeout: 30s
  retries: 3
  chunk_size: "8MB"

proxy:
  http: "http://proxy:8080"

bittorrent:
  listen_port: 6881
  no_dht: true
`

	if err := os.WriteFile(configPath, []byte(content), 0644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	cfg := DefaultConfig()
	if err := cfg.LoadFile(configPath); err != nil {
		t.Fatalf("LoadFile() error = %v", err)
	}

	if cfg.General.Concurrency != 4 {
		t.Errorf("Concurrency = %d, want 4", cfg.General.Concurrency)
	}
	if cfg.General.ConnectTimeout != 30*time.Second {
		t.Errorf("ConnectTimeout = %v, want 30s", cfg.General.ConnectTimeout)
	}
	if cfg.General.ChunkSize != "8MB" {
		t.Errorf("ChunkSize = %s, want 8MB", cfg.General.ChunkSize)
	}
	if cfg.Proxy.HTTP != "http://proxy:8080" {
		t.Errorf("Proxy.HTTP = %s, want http://proxy:8080", cfg.Proxy.HTTP)
	}
	if cfg.BitTorrent.ListenPort != 6881 {
		t.Errorf("BitTorrent.ListenPort = %d, want 6881", cfg.BitTorrent.ListenPort)
	}
	if !cfg.BitTorrent.NoDHT {
		t.Error("BitTorrent.NoDHT should be true")
	}
}

func TestSave(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "subdir", "config.yaml")

	cfg := DefaultConfig()
	cfg.General.Concurrency = 16
	cfg.BitTorrent.ListenPort = 51413

	if err := cfg.Save(configPath); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	loaded := DefaultConfig()
	if err := loaded.LoadFile(configPath); err != nil {
		t.Fatalf("LoadFile() error = %v", err)
	}

	if loaded.General.Concurrency != 16 {
		t.Errorf("Loaded Concurrency = %d, want 16", loaded.General.Concurrency)
	}
	if loaded.BitTorrent.ListenPort != 51413 {
		t.Errorf("Loaded BitTorrent.ListenPort = %d, want 51413", loaded.BitTorrent.ListenPort)
	}
}

func TestConfigPaths(t *testing.T) {
	paths := ConfigPaths()

	if len(paths) == 0 {
		t.Error("ConfigPaths() returned empty slice")
	}

	found := false
	for _, p := range paths {
		if p == ".clidm.yaml" || p == ".clidm.yml" {
			found = true
			break
		}
	}

	if !found {
		t.Error("ConfigPaths() should contain .clidm.yaml")
	}
}

func TestLoad_NoConfigFile(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.General.Concurrency != 8 {
		t.Errorf("Default Concurrency = %d, want 8", cfg.General.Concurrency)
	}
}

func TestGenerateDefaultConfig(t *testing.T) {
	content := GenerateDefaultConfig()

	if content == "" {
		t.Error("GenerateDefaultConfig() returned empty string")
	}

	sections := []string{"general:", "proxy:", "bittorrent:"}
	for _, section := range sections {
		if !contains(content, section) {
			t.Errorf("GenerateDefaultConfig() should contain %s", section)
		}
	}
}

func contains(s, substr string) bool {
	return len(s) >= len(substr) && (s == substr || len(s) > 0 && containsHelper(s, substr))
}

func containsHelper(s, substr string) bool {
	for i := 0; i <= len(s)-len(substr); i++ {
		if s[i:i+len(substr)] == substr {
			return true
		}
	}
	return false
}
