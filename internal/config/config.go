// Package config provides YAML-based configuration for kbsearch.
// Configuration is loaded with a layered precedence: defaults → YAML file → env vars.
// Environment variables always win, so existing workflows are unaffected.
//
// File search order:
//  1. --config CLI flag (explicit path)
//  2. KBSEARCH_CONFIG environment variable
//  3. ~/.kbsearch/config.yaml
//  4. ./kbsearch.yaml
//
// If no file is found the system runs entirely from env vars (backwards compatible).
package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the top-level YAML configuration structure.
// Field names use yaml tags that mirror the env var naming (lowercase, underscored).
type Config struct {
	// Storage configures the canonical SQLite record store.
	Storage StorageConfig `yaml:"storage"`

	// Embedding configures the embedding provider.
	Embedding EmbeddingConfig `yaml:"embedding"`

	// Qdrant configures the Qdrant vector index connection.
	Qdrant QdrantConfig `yaml:"qdrant"`

	// Rerank configures the rerank provider and model chain.
	Rerank RerankConfig `yaml:"rerank"`

	// Sync configures the store-to-index sync engine.
	Sync SyncConfig `yaml:"sync"`

	// Server configures the HTTP server.
	Server ServerConfig `yaml:"server"`

	// Logging configures structured logging.
	Logging LoggingConfig `yaml:"logging"`
}

// StorageConfig holds canonical store settings.
type StorageConfig struct {
	// DBPath is the SQLite database path.
	DBPath string `yaml:"db_path"`
}

// EmbeddingConfig holds embedding provider settings.
type EmbeddingConfig struct {
	// Provider selects the embedding backend (none, ollama, openai, azure).
	Provider string `yaml:"provider"`
	// Model is the embedding model name.
	Model string `yaml:"model"`
	// Dimensions overrides the embedding vector size.
	Dimensions int `yaml:"dimensions"`
	// APIKey is the embedding API key. Prefer env var EMBEDDING_API_KEY.
	APIKey string `yaml:"api_key"`
	// Endpoint is the embedding API endpoint.
	Endpoint string `yaml:"endpoint"`
}

// QdrantConfig holds Qdrant vector index settings.
type QdrantConfig struct {
	// Host is the Qdrant server hostname.
	Host string `yaml:"host"`
	// Port is the Qdrant gRPC port.
	Port int `yaml:"port"`
	// Collection is the Qdrant collection name.
	Collection string `yaml:"collection"`
	// APIKey is the Qdrant API key. Prefer env var QDRANT_API_KEY.
	APIKey string `yaml:"api_key"`
	// TLS enables TLS for the Qdrant connection.
	TLS bool `yaml:"tls"`
}

// RerankConfig holds rerank provider settings.
type RerankConfig struct {
	// Endpoint is the rerank API base URL.
	Endpoint string `yaml:"endpoint"`
	// APIKey is the rerank API key. Prefer env var RERANK_API_KEY.
	APIKey string `yaml:"api_key"`
	// Models is the prioritized model chain; the first model that
	// answers wins.
	Models []string `yaml:"models"`
	// DailyLimit caps rerank usage units per calendar day. 0 means
	// unlimited.
	DailyLimit int `yaml:"daily_limit"`
	// MinScore is the confidence gate threshold on the rerank score.
	MinScore float64 `yaml:"min_score"`
}

// SyncConfig holds sync engine settings.
type SyncConfig struct {
	// MaxAttempts is the per-record embed/upsert attempt budget.
	MaxAttempts int `yaml:"max_attempts"`
	// RetryDelaySeconds is the base delay between attempts.
	RetryDelaySeconds int `yaml:"retry_delay_seconds"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	// Host is the bind address.
	Host string `yaml:"host"`
	// Port is the TCP port.
	Port int `yaml:"port"`
	// RateLimit is the per-client sustained requests per second.
	RateLimit float64 `yaml:"rate_limit"`
	// RateBurst is the per-client burst allowance.
	RateBurst int `yaml:"rate_burst"`
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	// Level is the minimum log level: debug, info, warn, error.
	Level string `yaml:"level"`
	// Format is the log output format: json, text.
	Format string `yaml:"format"`
}

// envMapping maps YAML config fields to their corresponding env var names.
// Only non-empty YAML values are applied; env vars always take precedence.
var envMapping = []struct {
	envKey string
	value  func(*Config) string
}{
	{"KBSEARCH_DB", func(c *Config) string { return c.Storage.DBPath }},
	{"EMBEDDING_PROVIDER", func(c *Config) string { return c.Embedding.Provider }},
	{"EMBEDDING_MODEL", func(c *Config) string { return c.Embedding.Model }},
	{"EMBEDDING_DIMENSIONS", func(c *Config) string { return intStr(c.Embedding.Dimensions) }},
	{"EMBEDDING_API_KEY", func(c *Config) string { return c.Embedding.APIKey }},
	{"EMBEDDING_ENDPOINT", func(c *Config) string { return c.Embedding.Endpoint }},
	{"QDRANT_HOST", func(c *Config) string { return c.Qdrant.Host }},
	{"QDRANT_PORT", func(c *Config) string { return intStr(c.Qdrant.Port) }},
	{"QDRANT_COLLECTION", func(c *Config) string { return c.Qdrant.Collection }},
	{"QDRANT_API_KEY", func(c *Config) string { return c.Qdrant.APIKey }},
	{"QDRANT_TLS", func(c *Config) string { return boolStr(c.Qdrant.TLS) }},
	{"RERANK_ENDPOINT", func(c *Config) string { return c.Rerank.Endpoint }},
	{"RERANK_API_KEY", func(c *Config) string { return c.Rerank.APIKey }},
	{"RERANK_MODELS", func(c *Config) string { return strings.Join(c.Rerank.Models, ",") }},
	{"RERANK_DAILY_LIMIT", func(c *Config) string { return intStr(c.Rerank.DailyLimit) }},
	{"RERANK_MIN_SCORE", func(c *Config) string { return floatStr(c.Rerank.MinScore) }},
	{"SYNC_MAX_ATTEMPTS", func(c *Config) string { return intStr(c.Sync.MaxAttempts) }},
	{"SYNC_RETRY_DELAY_SECONDS", func(c *Config) string { return intStr(c.Sync.RetryDelaySeconds) }},
	{"KBSEARCH_HOST", func(c *Config) string { return c.Server.Host }},
	{"KBSEARCH_PORT", func(c *Config) string { return intStr(c.Server.Port) }},
	{"KBSEARCH_RATE_LIMIT", func(c *Config) string { return floatStr(c.Server.RateLimit) }},
	{"KBSEARCH_RATE_BURST", func(c *Config) string { return intStr(c.Server.RateBurst) }},
	{"LOG_LEVEL", func(c *Config) string { return c.Logging.Level }},
	{"LOG_FORMAT", func(c *Config) string { return c.Logging.Format }},
}

// Load reads a YAML config file and applies non-empty values as environment
// variables. Existing env vars are never overwritten (env always wins).
// Returns the path that was loaded, or empty string if no file was found.
func Load(explicitPath string, log *slog.Logger) (string, error) {
	path := resolveConfigPath(explicitPath)
	if path == "" {
		log.Debug("config: no YAML config file found, using env vars only")
		return "", nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("config: failed to read %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return "", fmt.Errorf("config: failed to parse %s: %w", path, err)
	}

	applied := 0
	for _, m := range envMapping {
		yamlVal := m.value(&cfg)
		if yamlVal == "" || yamlVal == "0" || yamlVal == "false" {
			continue
		}
		if os.Getenv(m.envKey) != "" {
			continue // env var already set — do not override
		}
		os.Setenv(m.envKey, yamlVal)
		applied++
	}

	log.Info("config: loaded YAML config",
		slog.String("path", path),
		slog.Int("keys_applied", applied),
	)

	return path, nil
}

// resolveConfigPath returns the first config file path that exists.
func resolveConfigPath(explicit string) string {
	if explicit != "" {
		if _, err := os.Stat(explicit); err == nil {
			return explicit
		}
		return ""
	}

	if envPath := os.Getenv("KBSEARCH_CONFIG"); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
	}

	home, err := os.UserHomeDir()
	if err == nil {
		p := filepath.Join(home, ".kbsearch", "config.yaml")
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}

	if _, err := os.Stat("kbsearch.yaml"); err == nil {
		return "kbsearch.yaml"
	}

	return ""
}

// intStr converts an int to string, returning "" for zero values.
func intStr(v int) string {
	if v == 0 {
		return ""
	}
	return fmt.Sprintf("%d", v)
}

// floatStr converts a float64 to string, returning "" for zero values.
func floatStr(v float64) string {
	if v == 0 {
		return ""
	}
	return strings.TrimRight(strings.TrimRight(fmt.Sprintf("%.4f", v), "0"), ".")
}

// boolStr converts a bool to string, returning "" for false.
func boolStr(v bool) string {
	if !v {
		return ""
	}
	return "true"
}
