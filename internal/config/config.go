// Copyright 2025 KrakLabs
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.
//
// For commercial licensing, contact: licensing@kraklabs.com
//
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package config loads and persists the server configuration file at
// {dataPath}/config.yaml. Environment variables override file values
// after loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/kraklabs/cks/internal/errors"
	"github.com/kraklabs/cks/pkg/embedding"
	"github.com/kraklabs/cks/pkg/vectorstore"
)

const (
	defaultDataDir    = ".cks"
	defaultConfigFile = "config.yaml"
	configVersion     = "1"
)

// Config is the config.yaml file.
type Config struct {
	Version   string          `yaml:"version"`
	DataPath  string          `yaml:"data_path"`
	Qdrant    QdrantConfig    `yaml:"qdrant"`
	Embedding EmbeddingConfig `yaml:"embedding"`
	Indexing  IndexingConfig  `yaml:"indexing"`
	Server    ServerConfig    `yaml:"server"`
	Watch     []WatchFolder   `yaml:"watch,omitempty"`
}

// QdrantConfig locates the vector store.
type QdrantConfig struct {
	Host   string `yaml:"host"`
	Port   int    `yaml:"port"`
	APIKey string `yaml:"api_key,omitempty"`
	UseTLS bool   `yaml:"use_tls,omitempty"`
}

// EmbeddingConfig selects and tunes the embedding provider.
type EmbeddingConfig struct {
	Provider   string `yaml:"provider"` // openai, ollama, local, mock
	Model      string `yaml:"model,omitempty"`
	Dimensions int    `yaml:"dimensions,omitempty"`
	BaseURL    string `yaml:"base_url,omitempty"`
	APIKey     string `yaml:"api_key,omitempty"`
	BatchSize  int    `yaml:"batch_size,omitempty"`
	MaxRetries int    `yaml:"max_retries,omitempty"`
	TimeoutMs  int    `yaml:"timeout_ms,omitempty"`
	KeepAlive  string `yaml:"keep_alive,omitempty"`
	ModelPath  string `yaml:"model_path,omitempty"`
}

// IndexingConfig contains defaults applied to every index run.
type IndexingConfig struct {
	MaxFileSizeBytes  int64    `yaml:"max_file_size_bytes"`
	IncludeExtensions []string `yaml:"include_extensions,omitempty"`
	ExcludePatterns   []string `yaml:"exclude_patterns,omitempty"`
	FileWorkers       int      `yaml:"file_workers,omitempty"`
}

// ServerConfig tunes the MCP HTTP server.
type ServerConfig struct {
	Host                 string `yaml:"host"`
	Port                 int    `yaml:"port"`
	MaxSessions          int    `yaml:"max_sessions,omitempty"`
	SessionTTLMinutes    int    `yaml:"session_ttl_minutes,omitempty"`
	UpdateTimeoutMinutes int    `yaml:"update_timeout_minutes,omitempty"`
}

// WatchFolder is one folder watched for live re-indexing.
type WatchFolder struct {
	ID              string   `yaml:"id"`
	Path            string   `yaml:"path"`
	Repository      string   `yaml:"repository,omitempty"`
	IncludePatterns []string `yaml:"include_patterns,omitempty"`
	ExcludePatterns []string `yaml:"exclude_patterns,omitempty"`
	DebounceSeconds int      `yaml:"debounce_seconds,omitempty"`
}

// DefaultDataPath is ~/.cks unless CKS_DATA_PATH overrides it.
func DefaultDataPath() (string, error) {
	if p := os.Getenv("CKS_DATA_PATH"); p != "" {
		return p, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", errors.NewConfigError(
			"Cannot determine home directory",
			"The data path defaults to ~/.cks but the home directory is unknown",
			"Set CKS_DATA_PATH to an absolute path",
			err,
		)
	}
	return filepath.Join(home, defaultDataDir), nil
}

// Path returns {dataPath}/config.yaml.
func Path(dataPath string) string {
	return filepath.Join(dataPath, defaultConfigFile)
}

// DefaultConfig returns a config with local-development defaults.
func DefaultConfig(dataPath string) *Config {
	return &Config{
		Version:  configVersion,
		DataPath: dataPath,
		Qdrant: QdrantConfig{
			Host: "localhost",
			Port: 6334,
		},
		Embedding: EmbeddingConfig{
			Provider:   "ollama",
			Model:      "nomic-embed-text",
			Dimensions: 768,
			BaseURL:    "http://localhost:11434",
		},
		Indexing: IndexingConfig{
			MaxFileSizeBytes: 1048576, // 1MB
			ExcludePatterns: []string{
				".git/**",
				"node_modules/**",
				"vendor/**",
				"dist/**",
				"build/**",
			},
		},
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 8181,
		},
	}
}

// Load reads the config file, validates its version, and applies
// environment overrides. An empty path resolves to the default
// location.
func Load(path string) (*Config, error) {
	if path == "" {
		dataPath, err := DefaultDataPath()
		if err != nil {
			return nil, err
		}
		path = Path(dataPath)
	}

	data, err := os.ReadFile(path) //nolint:gosec // G304: path comes from user config
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.NewConfigError(
				"Configuration not found",
				fmt.Sprintf("No config file at %s", path),
				"Run `cks init` to create one",
				err,
			)
		}
		return nil, errors.NewConfigError(
			"Cannot read configuration file",
			fmt.Sprintf("Failed to read %s", path),
			"Check file permissions",
			err,
		)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, errors.NewConfigError(
			"Invalid configuration format",
			"YAML parsing failed",
			fmt.Sprintf("Fix syntax errors in %s or run `cks init --force` to recreate it", path),
			err,
		)
	}
	if cfg.Version != configVersion {
		return nil, errors.NewConfigError(
			"Unsupported configuration version",
			fmt.Sprintf("Config version %q is not supported (expected %q)", cfg.Version, configVersion),
			"Run `cks init --force` to regenerate the configuration file",
			nil,
		)
	}
	if cfg.DataPath == "" {
		cfg.DataPath = filepath.Dir(path)
	}

	cfg.applyEnvOverrides()
	return &cfg, nil
}

// Save writes the config as YAML, creating the data directory first.
// File mode is 0600 because the file may hold API keys.
func Save(cfg *Config, path string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return errors.NewInternalError(
			"Cannot encode configuration",
			"YAML marshaling failed unexpectedly",
			"This is a bug. Please report it with your configuration details",
			err,
		)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return errors.NewConfigError(
			"Cannot create configuration directory",
			fmt.Sprintf("Failed to create %s", filepath.Dir(path)),
			"Check directory permissions",
			err,
		)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return errors.NewConfigError(
			"Cannot write configuration file",
			fmt.Sprintf("Failed to write %s", path),
			"Check file permissions and disk space",
			err,
		)
	}
	return nil
}

// EmbeddingOptions converts the embedding section to provider options.
func (c *Config) EmbeddingOptions() embedding.Options {
	return embedding.Options{
		Provider:   c.Embedding.Provider,
		Model:      c.Embedding.Model,
		Dimensions: c.Embedding.Dimensions,
		BatchSize:  c.Embedding.BatchSize,
		MaxRetries: c.Embedding.MaxRetries,
		TimeoutMs:  c.Embedding.TimeoutMs,
		APIKey:     c.Embedding.APIKey,
		BaseURL:    c.Embedding.BaseURL,
		KeepAlive:  c.Embedding.KeepAlive,
		ModelPath:  c.Embedding.ModelPath,
	}
}

// QdrantOptions converts the qdrant section to store options.
func (c *Config) QdrantOptions() vectorstore.Config {
	return vectorstore.Config{
		Host:   c.Qdrant.Host,
		Port:   c.Qdrant.Port,
		APIKey: c.Qdrant.APIKey,
		UseTLS: c.Qdrant.UseTLS,
	}
}

// GraphPath is the bbolt file under the data directory.
func (c *Config) GraphPath() string {
	return filepath.Join(c.DataPath, "graph.db")
}

// applyEnvOverrides lets environment variables win over file values.
//
// Supported variables: CKS_DATA_PATH, QDRANT_HOST, QDRANT_PORT,
// QDRANT_API_KEY, CKS_EMBEDDING_PROVIDER, OPENAI_API_KEY, OLLAMA_HOST,
// OLLAMA_EMBED_MODEL.
func (c *Config) applyEnvOverrides() {
	if p := os.Getenv("CKS_DATA_PATH"); p != "" {
		c.DataPath = p
	}
	if host := os.Getenv("QDRANT_HOST"); host != "" {
		c.Qdrant.Host = host
	}
	if port := os.Getenv("QDRANT_PORT"); port != "" {
		if n, err := strconv.Atoi(port); err == nil {
			c.Qdrant.Port = n
		}
	}
	if key := os.Getenv("QDRANT_API_KEY"); key != "" {
		c.Qdrant.APIKey = key
	}
	if provider := os.Getenv("CKS_EMBEDDING_PROVIDER"); provider != "" {
		c.Embedding.Provider = provider
	}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" && c.Embedding.APIKey == "" {
		c.Embedding.APIKey = key
	}
	if host := os.Getenv("OLLAMA_HOST"); host != "" {
		c.Embedding.BaseURL = host
	}
	if model := os.Getenv("OLLAMA_EMBED_MODEL"); model != "" {
		c.Embedding.Model = model
	}
}
