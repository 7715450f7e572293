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

package mcp

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kraklabs/cks/pkg/embedding"
	"github.com/kraklabs/cks/pkg/graph"
	"github.com/kraklabs/cks/pkg/graphquery"
	"github.com/kraklabs/cks/pkg/ingestion"
	"github.com/kraklabs/cks/pkg/search"
	"github.com/kraklabs/cks/pkg/session"
	"github.com/kraklabs/cks/pkg/vectorstore"
)

// memStore is an in-memory vectorstore.Store. SimilaritySearch returns
// every stored chunk at a fixed score so search results only depend on
// what was indexed.
type memStore struct {
	mu          sync.Mutex
	collections map[string]map[string]vectorstore.Document
}

func newMemStore() *memStore {
	return &memStore{collections: make(map[string]map[string]vectorstore.Document)}
}

func (m *memStore) GetOrCreateCollection(_ context.Context, name string, _ int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.collections[name]; !ok {
		m.collections[name] = make(map[string]vectorstore.Document)
	}
	return nil
}

func (m *memStore) DeleteCollection(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.collections, name)
	return nil
}

func (m *memStore) Upsert(_ context.Context, collection string, docs []vectorstore.Document) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	col := m.collections[collection]
	if col == nil {
		col = make(map[string]vectorstore.Document)
		m.collections[collection] = col
	}
	for _, doc := range docs {
		col[doc.ID] = doc
	}
	return nil
}

func (m *memStore) Delete(_ context.Context, collection string, ids []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		delete(m.collections[collection], id)
	}
	return nil
}

func (m *memStore) DeleteByFilePrefix(_ context.Context, collection, repo, pathPrefix string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	prefix := repo + ":" + pathPrefix
	removed := 0
	for id := range m.collections[collection] {
		if strings.HasPrefix(id, prefix) {
			delete(m.collections[collection], id)
			removed++
		}
	}
	return removed, nil
}

func (m *memStore) SimilaritySearch(_ context.Context, collection string, _ []float32, k int, threshold float32, _ *vectorstore.Filter) ([]vectorstore.SearchResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	const score = 0.9
	if threshold > score {
		return nil, nil
	}
	var out []vectorstore.SearchResult
	for id, doc := range m.collections[collection] {
		out = append(out, vectorstore.SearchResult{
			ID:       id,
			Score:    score,
			Content:  doc.Content,
			Metadata: doc.Metadata,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if len(out) > k {
		out = out[:k]
	}
	return out, nil
}

func (m *memStore) GetStats(_ context.Context, collection string) (*vectorstore.Stats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return &vectorstore.Stats{Name: collection, PointsCount: uint64(len(m.collections[collection])), Status: "green"}, nil
}

func (m *memStore) HealthCheck(context.Context) bool { return true }
func (m *memStore) Close() error                     { return nil }

type fixture struct {
	server *Server
	ingest *ingestion.Service
	jobs   *session.Tracker
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := slog.New(slog.DiscardHandler)

	gs, err := graph.Open(filepath.Join(t.TempDir(), "graph.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = gs.Close() })

	provider := embedding.NewMockProvider(8)
	vectors := newMemStore()
	catalog := ingestion.NewCatalog(t.TempDir())

	ingest := ingestion.NewService(provider, vectors, graph.NewIngestor(gs, logger), catalog, ingestion.Config{FileWorkers: 2}, logger)
	coord := ingestion.NewCoordinator(ingest, logger)
	searchSvc := search.NewService(provider, vectors, catalog, logger)
	graphSvc, err := graphquery.NewService(gs, logger)
	require.NoError(t, err)
	jobs := session.NewTracker(session.TrackerConfig{}, logger)

	server := NewServer(Config{
		Search:      searchSvc,
		Graph:       graphSvc,
		Ingest:      ingest,
		Coordinator: coord,
		Jobs:        jobs,
		Logger:      logger,
	})
	return &fixture{server: server, ingest: ingest, jobs: jobs}
}

func seedRepo(t *testing.T, f *fixture, name string) string {
	t.Helper()
	src := t.TempDir()
	write := func(rel, content string) {
		full := filepath.Join(src, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
		require.NoError(t, os.WriteFile(full, []byte(content), 0o644))
	}
	write("src/main.go", "package main\n\nfunc Run() {\n\thelper()\n}\n")
	write("src/util.go", "package main\n\nfunc helper() {\n}\n")

	_, err := f.ingest.IndexRepository(context.Background(), src, ingestion.IndexOptions{Name: name})
	require.NoError(t, err)
	return src
}

func call(t *testing.T, f *fixture, method string, params any) jsonRPCResponse {
	t.Helper()
	var raw json.RawMessage
	if params != nil {
		data, err := json.Marshal(params)
		require.NoError(t, err)
		raw = data
	}
	return f.server.HandleRequest(context.Background(), jsonRPCRequest{
		JSONRPC: "2.0",
		ID:      1,
		Method:  method,
		Params:  raw,
	})
}

func callTool(t *testing.T, f *fixture, name string, args map[string]any) *toolResult {
	t.Helper()
	resp := call(t, f, "tools/call", toolCallParams{Name: name, Arguments: args})
	require.Nil(t, resp.Error)
	result, ok := resp.Result.(*toolResult)
	require.True(t, ok)
	require.NotEmpty(t, result.Content)
	return result
}

func decodeResult(t *testing.T, result *toolResult, into any) {
	t.Helper()
	require.False(t, result.IsError, "tool returned error: %s", result.Content[0].Text)
	require.NoError(t, json.Unmarshal([]byte(result.Content[0].Text), into))
}

func TestInitialize(t *testing.T) {
	f := newFixture(t)
	resp := call(t, f, "initialize", nil)

	require.Nil(t, resp.Error)
	init, ok := resp.Result.(initializeResult)
	require.True(t, ok)
	assert.Equal(t, protocolVersion, init.ProtocolVersion)
	assert.Equal(t, serverName, init.ServerInfo.Name)
	assert.Contains(t, init.Capabilities.Tools, "listChanged")
}

func TestInitializedNotificationHasNoResponse(t *testing.T) {
	f := newFixture(t)
	resp := f.server.HandleRequest(context.Background(), jsonRPCRequest{
		JSONRPC: "2.0",
		Method:  "notifications/initialized",
	})
	assert.True(t, resp.empty())
}

func TestToolsList(t *testing.T) {
	f := newFixture(t)
	resp := call(t, f, "tools/list", nil)

	require.Nil(t, resp.Error)
	list, ok := resp.Result.(toolsListResult)
	require.True(t, ok)

	names := make(map[string]bool)
	for _, tl := range list.Tools {
		names[tl.Name] = true
		assert.NotEmpty(t, tl.Description)
		assert.Equal(t, "object", tl.InputSchema["type"])
	}
	for _, want := range []string{
		"semantic_search", "get_dependencies", "get_dependents", "get_path",
		"get_architecture", "get_graph_metrics", "index_repository",
		"update_repository", "list_repositories", "remove_repository",
		"get_job_status",
	} {
		assert.True(t, names[want], "missing tool %s", want)
	}
}

func TestUnknownMethod(t *testing.T) {
	f := newFixture(t)
	resp := call(t, f, "resources/list", nil)
	require.NotNil(t, resp.Error)
	assert.Equal(t, codeMethodNotFound, resp.Error.Code)
}

func TestToolsCallMalformedParams(t *testing.T) {
	f := newFixture(t)
	resp := f.server.HandleRequest(context.Background(), jsonRPCRequest{
		JSONRPC: "2.0",
		ID:      1,
		Method:  "tools/call",
		Params:  json.RawMessage(`{"name": 42}`),
	})
	require.NotNil(t, resp.Error)
	assert.Equal(t, codeInvalidParams, resp.Error.Code)
}

func TestUnknownToolIsToolError(t *testing.T) {
	f := newFixture(t)
	result := callTool(t, f, "does_not_exist", nil)
	assert.True(t, result.IsError)
	assert.Contains(t, result.Content[0].Text, "Unknown tool")
}

func TestSemanticSearchTool(t *testing.T) {
	f := newFixture(t)
	seedRepo(t, f, "demo")

	result := callTool(t, f, "semantic_search", map[string]any{
		"query": "run the application",
		"limit": float64(10),
	})

	var out search.Result
	decodeResult(t, result, &out)
	require.NotEmpty(t, out.Results)
	assert.Equal(t, "demo", out.Results[0].Repository)
	assert.Equal(t, []string{"demo"}, out.Metadata.RepositoriesSearched)
}

func TestSemanticSearchValidationError(t *testing.T) {
	f := newFixture(t)
	result := callTool(t, f, "semantic_search", map[string]any{"query": "   "})
	assert.True(t, result.IsError)
}

func TestSemanticSearchExplicitZeroLimit(t *testing.T) {
	f := newFixture(t)
	seedRepo(t, f, "demo")

	// The default limit applies only when the argument is absent; an
	// explicit 0 is rejected, not coerced.
	result := callTool(t, f, "semantic_search", map[string]any{
		"query": "run the application",
		"limit": float64(0),
	})
	assert.True(t, result.IsError)
	assert.Contains(t, result.Content[0].Text, "Limit out of range")

	result = callTool(t, f, "semantic_search", map[string]any{
		"query": "run the application",
	})
	var out search.Result
	decodeResult(t, result, &out)
	assert.NotEmpty(t, out.Results)
}

func TestGraphToolArgumentBounds(t *testing.T) {
	f := newFixture(t)
	seedRepo(t, f, "demo")

	result := callTool(t, f, "get_dependencies", map[string]any{
		"entity": "Run", "repository": "demo", "depth": float64(6),
	})
	assert.True(t, result.IsError)
	assert.Contains(t, result.Content[0].Text, "depth")

	result = callTool(t, f, "get_path", map[string]any{
		"from_entity": "Run", "to_entity": "helper", "repository": "demo",
		"max_hops": float64(21),
	})
	assert.True(t, result.IsError)
	assert.Contains(t, result.Content[0].Text, "max_hops")

	result = callTool(t, f, "get_dependents", map[string]any{"entity": "Run"})
	assert.True(t, result.IsError)
}

func TestGetDependenciesTool(t *testing.T) {
	f := newFixture(t)
	seedRepo(t, f, "demo")

	result := callTool(t, f, "get_dependencies", map[string]any{
		"entity": "Run", "repository": "demo",
	})

	var out graphquery.DependenciesResult
	decodeResult(t, result, &out)
	assert.Equal(t, "Run", out.Entity)

	names := make([]string, 0, len(out.Dependencies))
	for _, d := range out.Dependencies {
		names = append(names, d.Name)
	}
	assert.Contains(t, names, "helper")
}

func TestGetPathTool(t *testing.T) {
	f := newFixture(t)
	seedRepo(t, f, "demo")

	result := callTool(t, f, "get_path", map[string]any{
		"from_entity": "Run", "to_entity": "helper", "repository": "demo",
	})

	var out graphquery.PathResult
	decodeResult(t, result, &out)
	assert.True(t, out.PathExists)
	assert.GreaterOrEqual(t, out.Hops, 1)
}

func TestGetGraphMetricsTool(t *testing.T) {
	f := newFixture(t)
	seedRepo(t, f, "demo")

	result := callTool(t, f, "get_graph_metrics", map[string]any{"repository": "demo"})
	var out graphquery.MetricsResult
	decodeResult(t, result, &out)
}

func TestIndexAndJobStatusTools(t *testing.T) {
	f := newFixture(t)
	src := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(src, "app.go"), []byte("package app\n\nfunc App() {}\n"), 0o644))

	result := callTool(t, f, "index_repository", map[string]any{"source": src, "name": "bg"})
	var started struct {
		JobID      string `json:"job_id"`
		Repository string `json:"repository"`
		Status     string `json:"status"`
	}
	decodeResult(t, result, &started)
	require.NotEmpty(t, started.JobID)
	assert.Equal(t, "bg", started.Repository)

	job := waitForJob(t, f, started.JobID)
	assert.Equal(t, session.JobCompleted, job.Status)
	require.NotNil(t, job.Result)

	listed := callTool(t, f, "list_repositories", nil)
	var repos struct {
		Total        int `json:"total"`
		Repositories []struct {
			Name   string `json:"name"`
			Status string `json:"status"`
		} `json:"repositories"`
	}
	decodeResult(t, listed, &repos)
	require.Equal(t, 1, repos.Total)
	assert.Equal(t, "bg", repos.Repositories[0].Name)
	assert.Equal(t, "ready", repos.Repositories[0].Status)
}

func TestUpdateRepositoryToolUnknownRepo(t *testing.T) {
	f := newFixture(t)
	result := callTool(t, f, "update_repository", map[string]any{"repository": "ghost"})
	assert.True(t, result.IsError)
	assert.Contains(t, result.Content[0].Text, "not found")
}

func TestUpdateRepositoryTool(t *testing.T) {
	f := newFixture(t)
	src := seedRepo(t, f, "demo")
	require.NoError(t, os.WriteFile(filepath.Join(src, "src", "extra.go"), []byte("package main\n\nfunc extra() {}\n"), 0o644))

	result := callTool(t, f, "update_repository", map[string]any{"repository": "demo"})
	var started struct {
		JobID string `json:"job_id"`
	}
	decodeResult(t, result, &started)

	job := waitForJob(t, f, started.JobID)
	require.Equal(t, session.JobCompleted, job.Status)

	res, ok := job.Result.(*ingestion.UpdateResult)
	require.True(t, ok)
	assert.Equal(t, ingestion.UpdateUpdated, res.Status)
	assert.Equal(t, 1, res.Stats.FilesAdded)
}

func TestRemoveRepositoryTool(t *testing.T) {
	f := newFixture(t)
	seedRepo(t, f, "demo")

	result := callTool(t, f, "remove_repository", map[string]any{"repository": "demo"})
	var out struct {
		Removed bool `json:"removed"`
	}
	decodeResult(t, result, &out)
	assert.True(t, out.Removed)

	result = callTool(t, f, "remove_repository", map[string]any{"repository": "demo"})
	assert.True(t, result.IsError)
	assert.Contains(t, result.Content[0].Text, "not found")
}

func TestJobStatusUnknown(t *testing.T) {
	f := newFixture(t)
	result := callTool(t, f, "get_job_status", map[string]any{"job_id": "nope"})
	assert.True(t, result.IsError)
}

func waitForJob(t *testing.T, f *fixture, jobID string) *session.Job {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		job, ok := f.jobs.Get(jobID)
		require.True(t, ok)
		if job.Status == session.JobCompleted || job.Status == session.JobFailed || job.Status == session.JobTimeout {
			return job
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("job did not finish in time")
	return nil
}
