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

// Package embedding generates fixed-dimension vectors for text batches.
//
// Three provider families share one contract: a remote HTTP API (openai),
// a local in-process model (local), and a local HTTP daemon (ollama).
// Providers batch their inputs, retry transient failures with exponential
// backoff, and scrub API keys from every surfaced error.
package embedding

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/kraklabs/cks/internal/errors"
)

// Capabilities describes the operational envelope of a provider.
type Capabilities struct {
	// MaxBatchSize is the largest sub-batch sent in a single provider call.
	MaxBatchSize int

	// MaxTokensPerText is the per-text token budget. Texts estimated to
	// exceed it are rejected with a validation error before any call.
	MaxTokensPerText int

	// RequiresNetwork is true when the provider cannot work offline.
	RequiresNetwork bool

	// SupportsGPU is true when the backing model can use an accelerator.
	SupportsGPU bool

	// EstimatedLatencyMs is a rough per-batch latency for scheduling hints.
	EstimatedLatencyMs int
}

// Provider generates embeddings for batches of text.
//
// Embed preserves order: the i-th output vector corresponds to the i-th
// input text, across sub-batch boundaries. Every vector has exactly
// Dimensions() elements.
type Provider interface {
	// Embed generates one vector per input text.
	Embed(ctx context.Context, texts []string) ([][]float32, error)

	// ProviderID identifies the provider family (openai, local, ollama, mock).
	ProviderID() string

	// ModelID identifies the concrete model.
	ModelID() string

	// Dimensions is the width of every produced vector.
	Dimensions() int

	// Capabilities describes batch and token limits.
	Capabilities() Capabilities

	// HealthCheck reports whether the provider can serve requests now.
	HealthCheck(ctx context.Context) bool
}

// Options configures provider construction.
//
// Provider accepts the identifiers openai, ollama, and local (with the
// aliases transformersjs and transformers), plus mock for tests. Unknown
// identifiers fail validation.
type Options struct {
	Provider   string
	Model      string
	Dimensions int
	BatchSize  int
	MaxRetries int
	TimeoutMs  int
	APIKey     string
	BaseURL    string
	KeepAlive  string
	ModelPath  string
}

// Defaults per provider family.
const (
	defaultOpenAIModel     = "text-embedding-3-small"
	defaultOpenAIDims      = 1536
	defaultOpenAIBatch     = 100
	defaultOllamaModel     = "nomic-embed-text"
	defaultOllamaDims      = 768
	defaultLocalModel      = "builtin-minihash-384"
	defaultLocalDims       = 384
	defaultLocalBatch      = 32
	defaultMaxRetries      = 3
	defaultTimeoutMs       = 60000
	defaultMaxTokensText   = 8192
	approxCharsPerToken    = 4
	defaultOpenAIBaseURL   = "https://api.openai.com/v1"
	defaultOllamaBaseURL   = "http://localhost:11434"
	defaultOllamaKeepAlive = "5m"
)

// NewProvider creates an embedding provider from options.
//
// Supported provider identifiers:
//   - "openai": remote HTTP API (requires APIKey)
//   - "ollama": local HTTP daemon
//   - "local", "transformersjs", "transformers": in-process model
//   - "mock": deterministic embeddings for testing
func NewProvider(opts Options, logger *slog.Logger) (Provider, error) {
	if logger == nil {
		logger = slog.Default()
	}

	switch normalizeProviderID(opts.Provider) {
	case "openai":
		return newOpenAIProvider(opts, logger)
	case "ollama":
		return newOllamaProvider(opts, logger)
	case "local":
		return newLocalProvider(opts, logger)
	case "mock":
		return NewMockProvider(orInt(opts.Dimensions, defaultLocalDims)), nil
	default:
		return nil, errors.NewInputError(
			fmt.Sprintf("Unknown embedding provider: %s", opts.Provider),
			"Recognized providers are openai, ollama, local (aliases: transformersjs, transformers), and mock",
			"Set embedding.provider in the config to one of the recognized identifiers",
		)
	}
}

// normalizeProviderID maps configuration aliases to canonical provider ids.
func normalizeProviderID(id string) string {
	switch strings.ToLower(strings.TrimSpace(id)) {
	case "openai":
		return "openai"
	case "ollama":
		return "ollama"
	case "local", "transformersjs", "transformers":
		return "local"
	case "mock":
		return "mock"
	default:
		return ""
	}
}

// validateTexts enforces the input contract shared by all providers:
// a non-empty list of non-whitespace strings, each within the token budget.
func validateTexts(texts []string, caps Capabilities) error {
	if len(texts) == 0 {
		return errors.NewInputError(
			"Empty embedding input",
			"The text list must contain at least one entry",
			"Pass one or more non-empty strings",
		)
	}
	maxChars := caps.MaxTokensPerText * approxCharsPerToken
	for i, t := range texts {
		if strings.TrimSpace(t) == "" {
			return errors.NewInputError(
				fmt.Sprintf("Empty embedding input at index %d", i),
				"Each text must contain non-whitespace content",
				"Filter blank chunks before embedding",
			)
		}
		if maxChars > 0 && len(t) > maxChars {
			return errors.NewInputError(
				fmt.Sprintf("Text at index %d exceeds the provider token budget", i),
				fmt.Sprintf("Estimated %d tokens, limit is %d", len(t)/approxCharsPerToken, caps.MaxTokensPerText),
				"Chunk the text below the provider limit before embedding",
			)
		}
	}
	return nil
}

// splitBatches partitions texts into sub-batches of at most size entries,
// preserving order.
func splitBatches(texts []string, size int) [][]string {
	if size <= 0 {
		size = 1
	}
	batches := make([][]string, 0, (len(texts)+size-1)/size)
	for start := 0; start < len(texts); start += size {
		end := start + size
		if end > len(texts) {
			end = len(texts)
		}
		batches = append(batches, texts[start:end])
	}
	return batches
}

func orInt(v, fallback int) int {
	if v > 0 {
		return v
	}
	return fallback
}

func orStr(v, fallback string) string {
	if v != "" {
		return v
	}
	return fallback
}
