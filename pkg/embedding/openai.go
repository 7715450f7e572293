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
	"sort"
	"time"

	"github.com/kraklabs/cks/internal/errors"
)

// OpenAIProvider generates embeddings using OpenAI or compatible APIs.
// Works with OpenAI, Azure OpenAI, Anyscale, Together AI, etc.
type OpenAIProvider struct {
	apiKey     string
	baseURL    string
	model      string
	dimensions int
	caps       Capabilities
	retry      retryPolicy
	httpClient *http.Client
	logger     *slog.Logger
}

// openAIEmbedRequest represents the request body for the embeddings API.
// Input is the full sub-batch; the API embeds all entries in one call.
type openAIEmbedRequest struct {
	Input          []string `json:"input"`
	Model          string   `json:"model"`
	EncodingFormat string   `json:"encoding_format,omitempty"`
}

// openAIEmbedResponse represents the response from the embeddings API.
type openAIEmbedResponse struct {
	Object string `json:"object"`
	Data   []struct {
		Object    string    `json:"object"`
		Index     int       `json:"index"`
		Embedding []float64 `json:"embedding"`
	} `json:"data"`
	Model string `json:"model"`
	Usage struct {
		PromptTokens int `json:"prompt_tokens"`
		TotalTokens  int `json:"total_tokens"`
	} `json:"usage"`
}

// openAIErrorResponse represents an error response from the API.
type openAIErrorResponse struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	} `json:"error"`
}

func newOpenAIProvider(opts Options, logger *slog.Logger) (*OpenAIProvider, error) {
	if opts.APIKey == "" {
		return nil, errors.NewConfigError(
			"OpenAI embedding provider requires an API key",
			"No apiKey was given in the embedding configuration",
			"Set embedding.apiKey in the config or export OPENAI_API_KEY",
			nil,
		)
	}
	timeout := time.Duration(orInt(opts.TimeoutMs, defaultTimeoutMs)) * time.Millisecond
	return &OpenAIProvider{
		apiKey:     opts.APIKey,
		baseURL:    orStr(opts.BaseURL, defaultOpenAIBaseURL),
		model:      orStr(opts.Model, defaultOpenAIModel),
		dimensions: orInt(opts.Dimensions, defaultOpenAIDims),
		caps: Capabilities{
			MaxBatchSize:       orInt(opts.BatchSize, defaultOpenAIBatch),
			MaxTokensPerText:   defaultMaxTokensText,
			RequiresNetwork:    true,
			SupportsGPU:        false,
			EstimatedLatencyMs: 500,
		},
		retry:      defaultRetryPolicy(orInt(opts.MaxRetries, defaultMaxRetries)),
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}, nil
}

// ProviderID implements Provider.
func (o *OpenAIProvider) ProviderID() string { return "openai" }

// ModelID implements Provider.
func (o *OpenAIProvider) ModelID() string { return o.model }

// Dimensions implements Provider.
func (o *OpenAIProvider) Dimensions() int { return o.dimensions }

// Capabilities implements Provider.
func (o *OpenAIProvider) Capabilities() Capabilities { return o.caps }

// Embed generates embeddings for the given texts, batching and retrying
// per the shared policy. Output order matches input order.
func (o *OpenAIProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	return embedWithRetry(ctx, texts, o.caps, o.retry, o.logger, o.embedBatch)
}

// embedBatch performs one API call for a single sub-batch.
func (o *OpenAIProvider) embedBatch(ctx context.Context, batch []string) ([][]float32, error) {
	reqBody := openAIEmbedRequest{
		Input:          batch,
		Model:          o.model,
		EncodingFormat: "float",
	}

	jsonBody, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	url := o.baseURL + "/embeddings"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+o.apiKey)

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
		var errResp openAIErrorResponse
		if jsonErr := json.Unmarshal(body, &errResp); jsonErr == nil && errResp.Error.Message != "" {
			return nil, newHTTPError(resp.StatusCode, errResp.Error.Message, resp.Header)
		}
		return nil, newHTTPError(resp.StatusCode, string(body), resp.Header)
	}

	var embedResp openAIEmbedResponse
	if err := json.Unmarshal(body, &embedResp); err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}

	if len(embedResp.Data) != len(batch) {
		return nil, fmt.Errorf("openai returned %d embeddings for %d inputs", len(embedResp.Data), len(batch))
	}

	// The API documents index-ordered data, but sort defensively on the
	// declared index so output order is the input order.
	sort.Slice(embedResp.Data, func(i, j int) bool {
		return embedResp.Data[i].Index < embedResp.Data[j].Index
	})

	vectors := make([][]float32, len(embedResp.Data))
	for i, d := range embedResp.Data {
		if len(d.Embedding) == 0 {
			return nil, fmt.Errorf("openai returned empty embedding at index %d", i)
		}
		vec := make([]float32, len(d.Embedding))
		for j, v := range d.Embedding {
			vec[j] = float32(v)
		}
		vectors[i] = normalizeVector(vec)
	}

	return vectors, nil
}

// HealthCheck probes the models endpoint with a short deadline.
func (o *OpenAIProvider) HealthCheck(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.baseURL+"/models", nil)
	if err != nil {
		return false
	}
	req.Header.Set("Authorization", "Bearer "+o.apiKey)

	resp, err := o.httpClient.Do(req)
	if err != nil {
		return false
	}
	defer func() { _ = resp.Body.Close() }()
	return resp.StatusCode == http.StatusOK
}
