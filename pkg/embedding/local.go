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
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"log/slog"
	"math"
	"os"
	"strconv"
	"strings"
	"sync"
	"unicode"
)

// LocalProvider generates embeddings in-process without network access.
//
// It is a feature-hashing embedder: word and character trigram features are
// hashed into a fixed number of buckets and the result is L2-normalized.
// An optional IDF vocabulary file (one "term weight" pair per line) can be
// loaded from ModelPath to weight informative terms; without one, all terms
// weigh equally. Quality is below a learned model but it is deterministic,
// fast, and always available, which is what the default offline path needs.
type LocalProvider struct {
	model      string
	dimensions int
	caps       Capabilities
	modelPath  string
	logger     *slog.Logger

	// Vocabulary is loaded on first Embed, not at construction, so
	// creating the provider never touches the filesystem.
	loadOnce sync.Once
	loadErr  error
	idf      map[string]float32
}

func newLocalProvider(opts Options, logger *slog.Logger) (*LocalProvider, error) {
	dims := orInt(opts.Dimensions, defaultLocalDims)
	return &LocalProvider{
		model:      orStr(opts.Model, defaultLocalModel),
		dimensions: dims,
		caps: Capabilities{
			MaxBatchSize:       orInt(opts.BatchSize, defaultLocalBatch),
			MaxTokensPerText:   defaultMaxTokensText,
			RequiresNetwork:    false,
			SupportsGPU:        false,
			EstimatedLatencyMs: 1,
		},
		modelPath: opts.ModelPath,
		logger:    logger,
	}, nil
}

// ProviderID implements Provider.
func (l *LocalProvider) ProviderID() string { return "local" }

// ModelID implements Provider.
func (l *LocalProvider) ModelID() string { return l.model }

// Dimensions implements Provider.
func (l *LocalProvider) Dimensions() int { return l.dimensions }

// Capabilities implements Provider.
func (l *LocalProvider) Capabilities() Capabilities { return l.caps }

// Embed generates one vector per text. The local path never retries:
// there is no transient failure mode, only validation.
func (l *LocalProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if err := validateTexts(texts, l.caps); err != nil {
		return nil, err
	}
	l.loadOnce.Do(l.loadVocabulary)
	if l.loadErr != nil {
		return nil, l.loadErr
	}

	out := make([][]float32, len(texts))
	for i, text := range texts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out[i] = l.embedText(text)
	}
	return out, nil
}

// loadVocabulary reads the optional IDF table from modelPath.
func (l *LocalProvider) loadVocabulary() {
	if l.modelPath == "" {
		return
	}
	f, err := os.Open(l.modelPath)
	if err != nil {
		// A missing vocabulary degrades quality, not availability.
		l.logger.Warn("embedding.local.vocab_missing", "path", l.modelPath, "err", err)
		return
	}
	defer func() { _ = f.Close() }()

	idf := make(map[string]float32)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) != 2 {
			continue
		}
		w, err := strconv.ParseFloat(fields[1], 32)
		if err != nil {
			continue
		}
		idf[fields[0]] = float32(w)
	}
	if err := scanner.Err(); err != nil {
		l.logger.Warn("embedding.local.vocab_read", "path", l.modelPath, "err", err)
		return
	}
	l.idf = idf
	l.logger.Info("embedding.local.vocab_loaded", "path", l.modelPath, "terms", len(idf))
}

// embedText hashes word and trigram features into the vector buckets.
func (l *LocalProvider) embedText(text string) []float32 {
	vec := make([]float32, l.dimensions)
	for _, tok := range tokenize(text) {
		weight := float32(1.0)
		if l.idf != nil {
			if w, ok := l.idf[tok]; ok {
				weight = w
			}
		}
		addFeature(vec, tok, weight)
		for _, tri := range trigrams(tok) {
			addFeature(vec, tri, weight*0.5)
		}
	}
	return normalizeVector(vec)
}

// addFeature hashes the feature into a bucket with a sign bit, the usual
// hashing-trick construction that keeps collisions unbiased.
func addFeature(vec []float32, feature string, weight float32) {
	sum := sha256.Sum256([]byte(feature))
	bucket := binary.BigEndian.Uint32(sum[0:4]) % uint32(len(vec))
	if sum[4]&1 == 1 {
		weight = -weight
	}
	vec[bucket] += weight
}

// tokenize splits text into lowercase identifier-ish tokens, breaking
// camelCase so code identifiers share features with prose.
func tokenize(text string) []string {
	var tokens []string
	var cur strings.Builder
	flush := func() {
		if cur.Len() > 0 {
			tokens = append(tokens, strings.ToLower(cur.String()))
			cur.Reset()
		}
	}
	var prev rune
	for _, r := range text {
		switch {
		case unicode.IsLetter(r):
			if unicode.IsUpper(r) && unicode.IsLower(prev) {
				flush()
			}
			cur.WriteRune(r)
		case unicode.IsDigit(r):
			cur.WriteRune(r)
		default:
			flush()
		}
		prev = r
	}
	flush()
	return tokens
}

// trigrams returns the character trigrams of a token.
func trigrams(tok string) []string {
	if len(tok) < 3 {
		return nil
	}
	out := make([]string, 0, len(tok)-2)
	for i := 0; i+3 <= len(tok); i++ {
		out = append(out, tok[i:i+3])
	}
	return out
}

// normalizeVector L2-normalizes in place and returns the slice. Zero
// vectors are returned unchanged.
func normalizeVector(vec []float32) []float32 {
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	if sum == 0 {
		return vec
	}
	norm := float32(math.Sqrt(sum))
	for i := range vec {
		vec[i] /= norm
	}
	return vec
}

// HealthCheck always succeeds once construction succeeded.
func (l *LocalProvider) HealthCheck(ctx context.Context) bool {
	return ctx.Err() == nil
}
