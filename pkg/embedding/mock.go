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

package embedding

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"sync/atomic"
)

// MockProvider produces deterministic embeddings for testing.
// The same text always yields the same normalized vector.
type MockProvider struct {
	dimensions int
	callCount  atomic.Int64
}

// NewMockProvider creates a mock provider with the given dimensions.
func NewMockProvider(dimensions int) *MockProvider {
	if dimensions <= 0 {
		dimensions = defaultLocalDims
	}
	return &MockProvider{dimensions: dimensions}
}

// ProviderID implements Provider.
func (m *MockProvider) ProviderID() string { return "mock" }

// ModelID implements Provider.
func (m *MockProvider) ModelID() string { return "mock-deterministic" }

// Dimensions implements Provider.
func (m *MockProvider) Dimensions() int { return m.dimensions }

// Capabilities implements Provider.
func (m *MockProvider) Capabilities() Capabilities {
	return Capabilities{
		MaxBatchSize:       defaultLocalBatch,
		MaxTokensPerText:   defaultMaxTokensText,
		RequiresNetwork:    false,
		SupportsGPU:        false,
		EstimatedLatencyMs: 0,
	}
}

// Embed generates deterministic hash-derived vectors.
func (m *MockProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if err := validateTexts(texts, m.Capabilities()); err != nil {
		return nil, err
	}
	m.callCount.Add(1)
	out := make([][]float32, len(texts))
	for i, text := range texts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out[i] = m.vectorFor(text)
	}
	return out, nil
}

// vectorFor derives the vector by chaining sha256 over the text digest.
func (m *MockProvider) vectorFor(text string) []float32 {
	vec := make([]float32, m.dimensions)
	seed := sha256.Sum256([]byte(text))
	block := seed
	for i := 0; i < m.dimensions; i++ {
		off := (i * 4) % (len(block) - 4)
		if i > 0 && off == 0 {
			block = sha256.Sum256(block[:])
		}
		u := binary.BigEndian.Uint32(block[off : off+4])
		vec[i] = float32(u%2000)/1000.0 - 1.0
	}
	return normalizeVector(vec)
}

// CallCount reports how many Embed calls were made.
func (m *MockProvider) CallCount() int64 { return m.callCount.Load() }

// HealthCheck implements Provider.
func (m *MockProvider) HealthCheck(ctx context.Context) bool { return true }
