package config

import (
	"fmt"
	"os"
	"path/filepath"
)

type Config struct {
	Server   ServerConfig
	Provider ProviderConfig
	Storage  StorageConfig
	Search   SearchConfig
	Log      LogConfig
}

type ServerConfig struct {
	Port int
}

type ProviderConfig struct {
	BaseURL    string
	APIKey     string
	EmbedModel string
	ChatModel  string
	Dimensions int
}

type StorageConfig struct {
	DataDir string
	// DefaultOwner is the namespace used when a request does not name one.
	DefaultOwner string
}

type SearchConfig struct {
	TopK     int
	MinScore float64
}

type LogConfig struct {
	Level string
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port: 4600,
		},
		Provider: ProviderConfig{
			EmbedModel: "text-embedding-3-small",
			ChatModel:  "gpt-4o-mini",
			Dimensions: 1536,
		},
		Storage: StorageConfig{
			DataDir:      defaultDataDir(),
			DefaultOwner: "primary",
		},
		Search: SearchConfig{
			TopK:     20,
			MinScore: 0,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

func defaultDataDir() string {
	dir := os.Getenv("XDG_DATA_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".local", "share")
		} else {
			return "mailvault-data"
		}
	}
	return filepath.Join(dir, "mailvault")
}

// Load reads configuration from the JSON config file at
// $XDG_CONFIG_HOME/mailvault/config.json, then applies MAILVAULT_* env
// overrides on top. The provider API key is required; everything else has
// a default.
func Load() (Config, error) {
	return loadWith(newFileBackend())
}

func loadWith(b Backend) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	if cfg.Provider.APIKey == "" {
		return Config{}, fmt.Errorf("missing required config: provider API key. Set it via environment variable MAILVAULT_PROVIDER_API_KEY")
	}

	return cfg, nil
}
