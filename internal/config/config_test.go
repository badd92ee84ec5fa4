package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "config.toml"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Gateway.DefaultProvider != "whatsmeow" {
		t.Errorf("default provider = %q, want whatsmeow", cfg.Gateway.DefaultProvider)
	}
	if cfg.Gateway.HotKeyTTLDays != 7 {
		t.Errorf("hot key TTL = %d days, want 7", cfg.Gateway.HotKeyTTLDays)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")

	cfg := Default()
	cfg.Redis.Addr = "redis.internal:6379"
	cfg.Gateway.MaxAuthRetries = 5
	if err := Save(path, cfg); err != nil {
		t.Fatal(err)
	}

	got, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if got.Redis.Addr != "redis.internal:6379" {
		t.Errorf("redis addr = %q", got.Redis.Addr)
	}
	if got.Gateway.MaxAuthRetries != 5 {
		t.Errorf("max auth retries = %d, want 5", got.Gateway.MaxAuthRetries)
	}
}

func TestLoadPartialFileKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte("[redis]\naddr = \"10.0.0.5:6379\"\n"), 0600); err != nil {
		t.Fatal(err)
	}

	got, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if got.Redis.Addr != "10.0.0.5:6379" {
		t.Errorf("redis addr = %q", got.Redis.Addr)
	}
	if got.Gateway.ReconnectDelaySeconds != 2 {
		t.Errorf("reconnect delay = %d, want default 2", got.Gateway.ReconnectDelaySeconds)
	}
	if got.DataDir == "" {
		t.Error("data dir not defaulted")
	}
}
