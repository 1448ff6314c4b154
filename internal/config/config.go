// Package config loads service configuration. Values come from an optional
// YAML file plus environment variables with the MEMKB_ prefix; the
// environment always wins, and every setting has a usable default.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so YAML can express it as "3s" or "500ms".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", value.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config holds all settings of the service.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Storage    StorageConfig    `yaml:"storage"`
	Extraction ExtractionConfig `yaml:"extraction"`
	Embedding  EmbeddingConfig  `yaml:"embedding"`
	Security   SecurityConfig   `yaml:"security"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Host string `yaml:"host"` // default 127.0.0.1
	Port int    `yaml:"port"` // default 8480

	// RateLimit is the sustained request rate per second; RateBurst the
	// burst allowance above it.
	RateLimit float64 `yaml:"rate_limit"`
	RateBurst int     `yaml:"rate_burst"`

	// EnableNotify exposes the websocket notification endpoint.
	EnableNotify bool `yaml:"enable_notify"`
}

// StorageConfig selects and configures the storage engine.
type StorageConfig struct {
	// Engine is sqlite or postgres.
	Engine string `yaml:"engine"`

	// DataPath is the sqlite database location.
	DataPath string `yaml:"data_path"`

	// PostgresDSN is the postgres connection string, used when Engine is
	// postgres.
	PostgresDSN string `yaml:"postgres_dsn"`
}

// ExtractionConfig configures the candidate-event extractor.
type ExtractionConfig struct {
	// EndpointURL is the remote extraction service. Empty selects the
	// built-in heuristic extractor.
	EndpointURL string   `yaml:"endpoint_url"`
	Model       string   `yaml:"model"`
	Timeout     Duration `yaml:"timeout"`
}

// EmbeddingConfig configures the retrieval embedder.
type EmbeddingConfig struct {
	// EndpointURL is an Ollama-compatible embedding service. Empty selects
	// the built-in hash embedder.
	EndpointURL string `yaml:"endpoint_url"`
	Model       string `yaml:"model"`
}

// SecurityConfig contains authentication settings.
type SecurityConfig struct {
	// Mode is development (no auth) or production (Bearer token required).
	Mode     string `yaml:"mode"`
	APIToken string `yaml:"api_token"`
}

// Load reads the optional YAML file at path, overlays MEMKB_ environment
// variables, and fills in defaults. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: failed to read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: failed to parse %s: %w", path, err)
		}
	}
	applyEnv(cfg)
	applyDefaults(cfg)

	if cfg.Storage.Engine != "sqlite" && cfg.Storage.Engine != "postgres" {
		return nil, fmt.Errorf("config: unknown storage engine %q", cfg.Storage.Engine)
	}
	if cfg.Security.Mode == "production" && cfg.Security.APIToken == "" {
		return nil, fmt.Errorf("config: production mode requires MEMKB_API_TOKEN")
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	cfg.Server.Host = getEnv("MEMKB_HOST", cfg.Server.Host)
	cfg.Server.Port = getEnvInt("MEMKB_PORT", cfg.Server.Port)
	cfg.Server.RateLimit = getEnvFloat("MEMKB_RATE_LIMIT", cfg.Server.RateLimit)
	cfg.Server.RateBurst = getEnvInt("MEMKB_RATE_BURST", cfg.Server.RateBurst)
	cfg.Server.EnableNotify = getEnvBool("MEMKB_ENABLE_NOTIFY", cfg.Server.EnableNotify)

	cfg.Storage.Engine = getEnv("MEMKB_STORAGE_ENGINE", cfg.Storage.Engine)
	cfg.Storage.DataPath = getEnv("MEMKB_DATA_PATH", cfg.Storage.DataPath)
	cfg.Storage.PostgresDSN = getEnv("MEMKB_POSTGRES_DSN", cfg.Storage.PostgresDSN)

	cfg.Extraction.EndpointURL = getEnv("MEMKB_EXTRACTION_URL", cfg.Extraction.EndpointURL)
	cfg.Extraction.Model = getEnv("MEMKB_EXTRACTION_MODEL", cfg.Extraction.Model)
	if v := os.Getenv("MEMKB_EXTRACTION_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Extraction.Timeout = Duration(d)
		}
	}

	cfg.Embedding.EndpointURL = getEnv("MEMKB_EMBEDDING_URL", cfg.Embedding.EndpointURL)
	cfg.Embedding.Model = getEnv("MEMKB_EMBEDDING_MODEL", cfg.Embedding.Model)

	cfg.Security.Mode = getEnv("MEMKB_SECURITY_MODE", cfg.Security.Mode)
	cfg.Security.APIToken = getEnv("MEMKB_API_TOKEN", cfg.Security.APIToken)
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "127.0.0.1"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8480
	}
	if cfg.Server.RateLimit == 0 {
		cfg.Server.RateLimit = 50
	}
	if cfg.Server.RateBurst == 0 {
		cfg.Server.RateBurst = 100
	}
	if cfg.Storage.Engine == "" {
		cfg.Storage.Engine = "sqlite"
	}
	if cfg.Storage.DataPath == "" {
		cfg.Storage.DataPath = "./data/memkb.db"
	}
	if cfg.Extraction.Timeout == 0 {
		cfg.Extraction.Timeout = Duration(10 * time.Second)
	}
	if cfg.Security.Mode == "" {
		cfg.Security.Mode = "development"
	}
}

func getEnv(key, current string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return current
}

func getEnvInt(key string, current int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return current
}

func getEnvFloat(key string, current float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return current
}

func getEnvBool(key string, current bool) bool {
	switch os.Getenv(key) {
	case "true", "1", "yes", "True", "TRUE", "Yes", "YES":
		return true
	case "false", "0", "no", "False", "FALSE", "No", "NO":
		return false
	}
	return current
}
