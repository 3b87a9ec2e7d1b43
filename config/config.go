package config

import (
	"os"
	"path/filepath"
	"time"
)

// Config holds encryption engine configuration
type Config struct {
	HomeserverURL    string
	AccessToken      string
	StorePath        string
	UploadInterval   time.Duration
	MaxKeysPerCycle  int
	AnnounceInterval time.Duration
	MetricsAddress   string
}

// DefaultConfig returns default configuration
func DefaultConfig() *Config {
	homeDir, _ := os.UserHomeDir()
	storePath := filepath.Join(homeDir, ".local", "share", "quillchat", "e2ee.db")

	return &Config{
		HomeserverURL:    "http://127.0.0.1:8008",
		StorePath:        storePath,
		UploadInterval:   10 * time.Minute,
		MaxKeysPerCycle:  5,
		AnnounceInterval: time.Hour,
		MetricsAddress:   "127.0.0.1:9464",
	}
}

// LoadConfig loads configuration, applying environment overrides to defaults
func LoadConfig() (*Config, error) {
	cfg := DefaultConfig()

	if v := os.Getenv("QUILLCHAT_HOMESERVER_URL"); v != "" {
		cfg.HomeserverURL = v
	}
	if v := os.Getenv("QUILLCHAT_ACCESS_TOKEN"); v != "" {
		cfg.AccessToken = v
	}
	if v := os.Getenv("QUILLCHAT_STORE_PATH"); v != "" {
		cfg.StorePath = v
	}
	if v := os.Getenv("QUILLCHAT_METRICS_ADDRESS"); v != "" {
		cfg.MetricsAddress = v
	}

	return cfg, nil
}
