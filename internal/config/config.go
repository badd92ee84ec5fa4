package config

import (
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Config represents the wagated config file (~/.wagate/config.toml).
type Config struct {
	DataDir string  `toml:"data_dir"`
	Redis   Redis   `toml:"redis"`
	Gateway Gateway `toml:"gateway"`
}

// Redis holds the hot key cache connection settings.
type Redis struct {
	Addr     string `toml:"addr"`
	Password string `toml:"password"`
	DB       int    `toml:"db"`
	Prefix   string `toml:"prefix"`
}

// Gateway holds per-connection session tuning.
type Gateway struct {
	// DefaultProvider selects the adapter implementation for connections
	// that do not name one ("whatsmeow" or "loopback").
	DefaultProvider string `toml:"default_provider"`
	// ReconnectDelaySeconds is the mandatory pause between a transient
	// disconnect and the next init attempt.
	ReconnectDelaySeconds int `toml:"reconnect_delay_seconds"`
	// HandshakeTimeoutSeconds bounds the initial connect handshake.
	HandshakeTimeoutSeconds int `toml:"handshake_timeout_seconds"`
	// MaxAuthRetries is the auth failure threshold before stored
	// credentials are wiped and a fresh QR cycle is forced.
	MaxAuthRetries int `toml:"max_auth_retries"`
	// CredentialDebounceMillis is the settle delay before a credential
	// burst is flushed to the durable store.
	CredentialDebounceMillis int `toml:"credential_debounce_millis"`
	// HotKeyTTLDays is the cache expiry for hot key types.
	HotKeyTTLDays int `toml:"hot_key_ttl_days"`
	// MessageCacheTTLMinutes bounds the recent-message caches.
	MessageCacheTTLMinutes int `toml:"message_cache_ttl_minutes"`
	// MessageCacheSize caps entries per recent-message cache.
	MessageCacheSize int `toml:"message_cache_size"`
}

// Default returns the built-in configuration.
func Default() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		DataDir: filepath.Join(home, ".wagate"),
		Redis: Redis{
			Addr:   "127.0.0.1:6379",
			Prefix: "wagate:",
		},
		Gateway: Gateway{
			DefaultProvider:          "whatsmeow",
			ReconnectDelaySeconds:    2,
			HandshakeTimeoutSeconds:  30,
			MaxAuthRetries:           3,
			CredentialDebounceMillis: 1000,
			HotKeyTTLDays:            7,
			MessageCacheTTLMinutes:   60,
			MessageCacheSize:         4096,
		},
	}
}

// Load reads config from the given path, layered over defaults. A missing
// file is not an error; the defaults are returned as-is.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}
