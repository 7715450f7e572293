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
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ckserrors "github.com/kraklabs/cks/internal/errors"
)

const testAPIKey = "sk-test-very-secret-key-1234567890abcdef"

// embedHandler serves the embeddings endpoint, failing the first
// failCount requests with failStatus.
func embedHandler(t *testing.T, dims int, failStatus int, failCount int, calls *atomic.Int64) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		if n <= int64(failCount) {
			if failStatus == http.StatusTooManyRequests {
				w.Header().Set("Retry-After", "0")
			}
			w.WriteHeader(failStatus)
			fmt.Fprintf(w, `{"error":{"message":"simulated failure for key %s"}}`, testAPIKey)
			return
		}

		var req openAIEmbedRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		resp := map[string]any{"object": "list", "model": req.Model}
		data := make([]map[string]any, len(req.Input))
		for i, text := range req.Input {
			vec := make([]float64, dims)
			// Encode the input position so order is observable downstream.
			vec[0] = float64(len(text))
			vec[1] = 1
			data[i] = map[string]any{"object": "embedding", "index": i, "embedding": vec}
		}
		resp["data"] = data
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	}
}

func newTestOpenAI(t *testing.T, srv *httptest.Server, batchSize int) *OpenAIProvider {
	t.Helper()
	p, err := newOpenAIProvider(Options{
		Provider:  "openai",
		APIKey:    testAPIKey,
		BaseURL:   srv.URL,
		BatchSize: batchSize,
	}, discardLogger())
	require.NoError(t, err)
	// Keep test backoffs short.
	p.retry.baseDelay = time.Millisecond
	p.retry.maxDelay = 5 * time.Millisecond
	return p
}

func TestOpenAIRateLimitRetriesThenSucceeds(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(embedHandler(t, 8, http.StatusTooManyRequests, 2, &calls))
	defer srv.Close()

	p := newTestOpenAI(t, srv, 100)
	vecs, err := p.Embed(context.Background(), []string{"alpha", "beta"})
	require.NoError(t, err)
	require.Len(t, vecs, 2)

	// Two rate limits, then success: exactly three calls.
	assert.Equal(t, int64(3), calls.Load())
}

func TestOpenAIExhaustsRetryBudget(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(embedHandler(t, 8, http.StatusServiceUnavailable, 100, &calls))
	defer srv.Close()

	p := newTestOpenAI(t, srv, 100)
	_, err := p.Embed(context.Background(), []string{"alpha"})
	require.Error(t, err)

	// maxRetries=3 means 4 attempts total.
	assert.Equal(t, int64(4), calls.Load())
	assert.True(t, isRetryable(err))
}

func TestOpenAIAuthFailureDoesNotRetry(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(embedHandler(t, 8, http.StatusUnauthorized, 100, &calls))
	defer srv.Close()

	p := newTestOpenAI(t, srv, 100)
	_, err := p.Embed(context.Background(), []string{"alpha"})
	require.Error(t, err)
	assert.Equal(t, int64(1), calls.Load())
	assert.False(t, isRetryable(err))
}

func TestOpenAIErrorsNeverLeakAPIKey(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(embedHandler(t, 8, http.StatusBadRequest, 100, &calls))
	defer srv.Close()

	p := newTestOpenAI(t, srv, 100)
	_, err := p.Embed(context.Background(), []string{"alpha"})
	require.Error(t, err)
	assert.NotContains(t, err.Error(), testAPIKey)
	assert.Contains(t, err.Error(), "sk-***")
}

func TestOpenAIPreservesOrderAcrossSubBatches(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(embedHandler(t, 8, 0, 0, &calls))
	defer srv.Close()

	// Batch size 2 over 5 texts forces three API calls.
	p := newTestOpenAI(t, srv, 2)

	texts := []string{"a", "bb", "ccc", "dddd", "eeeee"}
	vecs, err := p.Embed(context.Background(), texts)
	require.NoError(t, err)
	require.Len(t, vecs, 5)
	assert.Equal(t, int64(3), calls.Load())

	// The handler writes len(text) into the first component; check before
	// normalization scaling by comparing ratios.
	for i, text := range texts {
		ratio := vecs[i][0] / vecs[i][1]
		assert.InDelta(t, float32(len(text)), ratio, 1e-3, "vector %d out of order", i)
	}
}

func TestClassifyHTTPStatus(t *testing.T) {
	assert.Equal(t, ckserrors.KindTransient, classifyHTTPStatus(http.StatusTooManyRequests))
	assert.Equal(t, ckserrors.KindTransient, classifyHTTPStatus(http.StatusInternalServerError))
	assert.Equal(t, ckserrors.KindTransient, classifyHTTPStatus(http.StatusBadGateway))
	assert.Equal(t, ckserrors.KindTransient, classifyHTTPStatus(http.StatusGatewayTimeout))
	assert.Equal(t, ckserrors.KindAuth, classifyHTTPStatus(http.StatusUnauthorized))
	assert.Equal(t, ckserrors.KindAuth, classifyHTTPStatus(http.StatusForbidden))
	assert.Equal(t, ckserrors.KindValidation, classifyHTTPStatus(http.StatusBadRequest))
	assert.Equal(t, ckserrors.KindUnknown, classifyHTTPStatus(http.StatusNotFound))
}

func TestBackoffDelayHonorsRetryAfter(t *testing.T) {
	policy := retryPolicy{maxRetries: 3, baseDelay: 10 * time.Millisecond, maxDelay: 80 * time.Millisecond}

	// Without Retry-After: jittered value in (0, base<<attempt].
	for attempt := 0; attempt < 4; attempt++ {
		d := policy.backoffDelay(attempt, 0)
		assert.Greater(t, d, time.Duration(0))
		assert.LessOrEqual(t, d, policy.maxDelay)
	}

	// A longer Retry-After wins over the computed delay.
	d := policy.backoffDelay(0, 500*time.Millisecond)
	assert.Equal(t, 500*time.Millisecond, d)
}

func TestParseRetryAfter(t *testing.T) {
	assert.Equal(t, time.Duration(0), parseRetryAfter(""))
	assert.Equal(t, time.Duration(0), parseRetryAfter("soon"))
	assert.Equal(t, 7*time.Second, parseRetryAfter("7"))
}

func TestEmbedWithRetryNeverReturnsPartialResults(t *testing.T) {
	caps := Capabilities{MaxBatchSize: 1, MaxTokensPerText: 100}
	policy := retryPolicy{maxRetries: 0, baseDelay: time.Millisecond, maxDelay: time.Millisecond}

	var call int
	vecs, err := embedWithRetry(context.Background(), []string{"a", "b", "c"}, caps, policy, discardLogger(),
		func(ctx context.Context, batch []string) ([][]float32, error) {
			call++
			if call == 3 {
				return nil, &ProviderError{Kind: ckserrors.KindValidation, Message: "boom"}
			}
			return [][]float32{{1}}, nil
		})

	require.Error(t, err)
	assert.Nil(t, vecs)
}
