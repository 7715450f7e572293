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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// OllamaProvider generates embeddings through a local Ollama daemon.
//
// Ollama's embeddings endpoint takes one prompt per call, so the sub-batch
// size is fixed at 1 and throughput comes from the daemon keeping the model
// resident (keep_alive).
type OllamaProvider struct {
	baseURL    string
	model      string
	keepAlive  string
	dimensions int
	caps       Capabilities
	retry      retryPolicy
	httpClient *http.Client
	logger     *slog.Logger
}

type ollamaEmbedRequest struct {
	Model     string `json:"model"`
	Prompt    string `json:"prompt"`
	KeepAlive string `json:"keep_alive,omitempty"`
}

type ollamaEmbedResponse struct {
	Embedding []float64 `json:"embedding"`
}

type ollamaErrorResponse struct {
	Error string `json:"error"`
}

func newOllamaProvider(opts Options, logger *slog.Logger) (*OllamaProvider, error) {
	timeout := time.Duration(orInt(opts.TimeoutMs, defaultTimeoutMs)) * time.Millisecond
	return &OllamaProvider{
		baseURL:    orStr(opts.BaseURL, defaultOllamaBaseURL),
		model:      orStr(opts.Model, defaultOllamaModel),
		keepAlive:  orStr(opts.KeepAlive, defaultOllamaKeepAlive),
		dimensions: orInt(opts.Dimensions, defaultOllamaDims),
		caps: Capabilities{
			MaxBatchSize:       1,
			MaxTokensPerText:   defaultMaxTokensText,
			RequiresNetwork:    false,
			SupportsGPU:        true,
			EstimatedLatencyMs: 100,
		},
		retry:      defaultRetryPolicy(orInt(opts.MaxRetries, defaultMaxRetries)),
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}, nil
}

// ProviderID implements Provider.
func (o *OllamaProvider) ProviderID() string { return "ollama" }

// ModelID implements Provider.
func (o *OllamaProvider) ModelID() string { return o.model }

// Dimensions implements Provider.
func (o *OllamaProvider) Dimensions() int { return o.dimensions }

// Capabilities implements Provider.
func (o *OllamaProvider) Capabilities() Capabilities { return o.caps }

// Embed generates embeddings one text at a time through the daemon.
func (o *OllamaProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	return embedWithRetry(ctx, texts, o.caps, o.retry, o.logger, o.embedBatch)
}

func (o *OllamaProvider) embedBatch(ctx context.Context, batch []string) ([][]float32, error) {
	vectors := make([][]float32, 0, len(batch))
	for _, text := range batch {
		vec, err := o.embedOne(ctx, text)
		if err != nil {
			return nil, err
		}
		vectors = append(vectors, vec)
	}
	return vectors, nil
}

func (o *OllamaProvider) embedOne(ctx context.Context, text string) ([]float32, error) {
	reqBody := ollamaEmbedRequest{
		Model:     o.model,
		Prompt:    text,
		KeepAlive: o.keepAlive,
	}

	jsonBody, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	url := o.baseURL + "/api/embeddings"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.httpClient.Do(req)
	if err != nil {
		return nil, newTransportError(err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, newTransportError(err)
	}

	if resp.StatusCode != http.StatusOK {
		var errResp ollamaErrorResponse
		if jsonErr := json.Unmarshal(body, &errResp); jsonErr == nil && errResp.Error != "" {
			return nil, newHTTPError(resp.StatusCode, errResp.Error, resp.Header)
		}
		return nil, newHTTPError(resp.StatusCode, string(body), resp.Header)
	}

	var embedResp ollamaEmbedResponse
	if err := json.Unmarshal(body, &embedResp); err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}
	if len(embedResp.Embedding) == 0 {
		return nil, fmt.Errorf("ollama returned an empty embedding for model %s", o.model)
	}

	vec := make([]float32, len(embedResp.Embedding))
	for i, v := range embedResp.Embedding {
		vec[i] = float32(v)
	}
	return normalizeVector(vec), nil
}

// HealthCheck probes /api/tags, the cheapest endpoint the daemon serves.
func (o *OllamaProvider) HealthCheck(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.baseURL+"/api/tags", nil)
	if err != nil {
		return false
	}
	resp, err := o.httpClient.Do(req)
	if err != nil {
		return false
	}
	defer func() { _ = resp.Body.Close() }()
	return resp.StatusCode == http.StatusOK
}
