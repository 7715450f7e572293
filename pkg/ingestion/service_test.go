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

package ingestion

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ckserrors "github.com/kraklabs/cks/internal/errors"
	"github.com/kraklabs/cks/pkg/embedding"
	"github.com/kraklabs/cks/pkg/graph"
	"github.com/kraklabs/cks/pkg/vectorstore"
)

// memStore is an in-memory vectorstore.Store for pipeline tests.
type memStore struct {
	mu          sync.Mutex
	collections map[string]map[string]vectorstore.Document

	// failPath makes Upsert fail for documents of one file path.
	failPath string
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
		if m.failPath != "" && doc.Metadata.FilePath == m.failPath {
			return fmt.Errorf("simulated upsert failure for %s", m.failPath)
		}
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

func (m *memStore) SimilaritySearch(_ context.Context, _ string, _ []float32, _ int, _ float32, _ *vectorstore.Filter) ([]vectorstore.SearchResult, error) {
	return nil, nil
}

func (m *memStore) GetStats(_ context.Context, collection string) (*vectorstore.Stats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return &vectorstore.Stats{
		Name:        collection,
		PointsCount: uint64(len(m.collections[collection])),
		Status:      "green",
	}, nil
}

func (m *memStore) HealthCheck(context.Context) bool { return true }
func (m *memStore) Close() error                     { return nil }

func (m *memStore) paths(collection string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := make(map[string]bool)
	for _, doc := range m.collections[collection] {
		seen[doc.Metadata.FilePath] = true
	}
	var out []string
	for p := range seen {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

func (m *memStore) count(collection string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.collections[collection])
}

type pipeline struct {
	svc     *Service
	coord   *Coordinator
	catalog *Catalog
	vectors *memStore
	graph   *graph.Store
}

func newPipeline(t *testing.T) *pipeline {
	t.Helper()
	logger := discardLogger()
	gs, err := graph.Open(filepath.Join(t.TempDir(), "graph.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = gs.Close() })

	catalog := NewCatalog(t.TempDir())
	vectors := newMemStore()
	svc := NewService(
		embedding.NewMockProvider(8),
		vectors,
		graph.NewIngestor(gs, logger),
		catalog,
		Config{FileWorkers: 2},
		logger,
	)
	return &pipeline{
		svc:     svc,
		coord:   NewCoordinator(svc, logger),
		catalog: catalog,
		vectors: vectors,
		graph:   gs,
	}
}

func seedSource(t *testing.T) string {
	t.Helper()
	src := t.TempDir()
	writeFile(t, src, "src/main.go", "package main\n\nfunc Run() {\n\thelper()\n}\n")
	writeFile(t, src, "src/util.go", "package main\n\nfunc helper() {\n}\n")
	return src
}

func runGit(t *testing.T, dir string, args ...string) {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	require.NoError(t, err, "git %v: %s", args, out)
}

func gitInit(t *testing.T, dir string) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
	runGit(t, dir, "init", "-q")
	gitCommit(t, dir, "initial")
}

func gitCommit(t *testing.T, dir, msg string) {
	t.Helper()
	runGit(t, dir, "add", "-A")
	runGit(t, dir,
		"-c", "user.email=dev@example.com",
		"-c", "user.name=dev",
		"commit", "-q", "-m", msg, "--no-gpg-sign")
}

func TestIndexRepositoryLocalFolder(t *testing.T) {
	p := newPipeline(t)
	src := seedSource(t)

	var phases []string
	res, err := p.svc.IndexRepository(context.Background(), src, IndexOptions{
		Name: "demo",
		OnProgress: func(pr Progress) {
			if len(phases) == 0 || phases[len(phases)-1] != pr.Phase {
				phases = append(phases, pr.Phase)
			}
		},
	})
	require.NoError(t, err)

	assert.Equal(t, StatusSuccess, res.Status)
	assert.Equal(t, "demo", res.Repository)
	assert.Equal(t, "repo_demo", res.CollectionName)
	assert.Equal(t, 2, res.Stats.FilesScanned)
	assert.Equal(t, 2, res.Stats.FilesProcessed)
	assert.Zero(t, res.Stats.FilesFailed)
	assert.Equal(t, 2, res.Stats.ChunksCreated)
	assert.Empty(t, res.Errors)
	assert.Contains(t, phases, PhaseCloning)
	assert.Contains(t, phases, PhaseScanning)
	assert.Contains(t, phases, PhaseFinalizing)

	assert.Equal(t, []string{"src/main.go", "src/util.go"}, p.vectors.paths("repo_demo"))

	meta, err := p.catalog.Get("demo")
	require.NoError(t, err)
	require.NotNil(t, meta)
	assert.Equal(t, string(graph.StatusReady), meta.Status)
	assert.True(t, meta.IsLocal())
	assert.Len(t, meta.FileHashes, 2)
	assert.Equal(t, 2, meta.FileCount)

	repo, err := p.svc.graph.Repository(context.Background(), "demo")
	require.NoError(t, err)
	require.NotNil(t, repo)
	assert.Equal(t, graph.StatusReady, repo.Status)
	assert.Equal(t, 2, repo.FileCount)
	assert.Equal(t, 2, repo.ChunkCount)
}

func TestIndexRepositoryConflictWithoutForce(t *testing.T) {
	p := newPipeline(t)
	src := seedSource(t)
	ctx := context.Background()

	_, err := p.svc.IndexRepository(ctx, src, IndexOptions{Name: "demo"})
	require.NoError(t, err)

	_, err = p.svc.IndexRepository(ctx, src, IndexOptions{Name: "demo"})
	var uerr *ckserrors.UserError
	require.ErrorAs(t, err, &uerr)
	assert.Equal(t, ckserrors.KindConflict, uerr.Kind)

	res, err := p.svc.IndexRepository(ctx, src, IndexOptions{Name: "demo", Force: true})
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, res.Status)
	assert.Equal(t, 2, p.vectors.count("repo_demo"))
}

func TestIndexRepositoryMissingFolder(t *testing.T) {
	p := newPipeline(t)
	_, err := p.svc.IndexRepository(context.Background(), filepath.Join(t.TempDir(), "nope"), IndexOptions{Name: "ghost"})
	var uerr *ckserrors.UserError
	require.ErrorAs(t, err, &uerr)
	assert.Equal(t, ckserrors.KindNotFound, uerr.Kind)
}

func TestIndexRepositoryPartialOnFileFailure(t *testing.T) {
	p := newPipeline(t)
	src := seedSource(t)
	p.vectors.failPath = "src/util.go"

	res, err := p.svc.IndexRepository(context.Background(), src, IndexOptions{Name: "demo"})
	require.NoError(t, err)

	assert.Equal(t, StatusPartial, res.Status)
	assert.Equal(t, 1, res.Stats.FilesProcessed)
	assert.Equal(t, 1, res.Stats.FilesFailed)
	require.Len(t, res.Errors, 1)
	assert.Equal(t, "src/util.go", res.Errors[0].Path)
	assert.Contains(t, res.Errors[0].Error, "upsert")
	assert.Equal(t, []string{"src/main.go"}, p.vectors.paths("repo_demo"))
}

func TestIndexFailureRecordsNoCommit(t *testing.T) {
	p := newPipeline(t)
	src := t.TempDir()
	writeFile(t, src, "main.go", "package main\n\nfunc Run() {\n}\n")
	gitInit(t, src)
	p.vectors.failPath = "main.go"

	res, err := p.svc.IndexRepository(context.Background(), src, IndexOptions{Name: "demo"})
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, res.Status)

	meta, err := p.catalog.Get("demo")
	require.NoError(t, err)
	require.NotNil(t, meta)
	assert.Equal(t, string(graph.StatusError), meta.Status)
	assert.Empty(t, meta.LastIndexedCommitSHA)
}

func TestUpdateUnknownRepository(t *testing.T) {
	p := newPipeline(t)
	_, err := p.coord.UpdateRepository(context.Background(), "ghost", false)
	var uerr *ckserrors.UserError
	require.ErrorAs(t, err, &uerr)
	assert.Equal(t, ckserrors.KindNotFound, uerr.Kind)
}

func TestUpdateNoChanges(t *testing.T) {
	p := newPipeline(t)
	src := seedSource(t)
	ctx := context.Background()

	_, err := p.svc.IndexRepository(ctx, src, IndexOptions{Name: "demo"})
	require.NoError(t, err)

	res, err := p.coord.UpdateRepository(ctx, "demo", false)
	require.NoError(t, err)
	assert.Equal(t, UpdateNoChanges, res.Status)
	assert.Zero(t, res.Stats.FilesAdded)
	assert.Zero(t, res.Stats.FilesModified)
	assert.Zero(t, res.Stats.FilesDeleted)
}

func TestUpdateAppliesHashDelta(t *testing.T) {
	p := newPipeline(t)
	src := seedSource(t)
	ctx := context.Background()

	_, err := p.svc.IndexRepository(ctx, src, IndexOptions{Name: "demo"})
	require.NoError(t, err)

	// One modification, one addition, one deletion.
	writeFile(t, src, "src/main.go", "package main\n\nfunc Run() {\n\thelper()\n\thelper()\n}\n")
	writeFile(t, src, "src/extra.go", "package main\n\nfunc extra() {\n}\n")
	require.NoError(t, os.Remove(filepath.Join(src, "src", "util.go")))

	res, err := p.coord.UpdateRepository(ctx, "demo", false)
	require.NoError(t, err)

	assert.Equal(t, UpdateUpdated, res.Status)
	assert.Equal(t, 1, res.Stats.FilesAdded)
	assert.Equal(t, 1, res.Stats.FilesModified)
	assert.Equal(t, 1, res.Stats.FilesDeleted)
	assert.Equal(t, 1, res.Stats.ChunksDeleted)
	assert.Equal(t, 2, res.Stats.ChunksUpserted)
	assert.Empty(t, res.Errors)

	assert.Equal(t, []string{"src/extra.go", "src/main.go"}, p.vectors.paths("repo_demo"))

	meta, err := p.catalog.Get("demo")
	require.NoError(t, err)
	assert.Len(t, meta.FileHashes, 2)
	assert.Contains(t, meta.FileHashes, "src/extra.go")
	assert.NotContains(t, meta.FileHashes, "src/util.go")

	// Deleted file is gone from the graph too.
	require.NoError(t, p.graph.View(ctx, func(tx *graph.Tx) error {
		assert.False(t, tx.NodeExists(graph.FileID("demo", "src/util.go")))
		assert.True(t, tx.NodeExists(graph.FileID("demo", "src/extra.go")))
		return nil
	}))

	// Running again with no further edits is a no-op.
	res, err = p.coord.UpdateRepository(ctx, "demo", false)
	require.NoError(t, err)
	assert.Equal(t, UpdateNoChanges, res.Status)
}

func TestUpdateFailureKeepsCommitPointer(t *testing.T) {
	p := newPipeline(t)
	src := seedSource(t)
	gitInit(t, src)
	ctx := context.Background()

	_, err := p.svc.IndexRepository(ctx, src, IndexOptions{Name: "demo"})
	require.NoError(t, err)

	meta, err := p.catalog.Get("demo")
	require.NoError(t, err)
	base := meta.LastIndexedCommitSHA
	require.NotEmpty(t, base)

	writeFile(t, src, "src/util.go", "package main\n\nfunc helper() {\n\thelper2()\n}\n\nfunc helper2() {\n}\n")
	gitCommit(t, src, "split helper")

	// Every changed file fails, so nothing reached the stores and the
	// indexed commit must not move.
	p.vectors.failPath = "src/util.go"
	res, err := p.coord.UpdateRepository(ctx, "demo", false)
	require.NoError(t, err)
	assert.Equal(t, UpdateFailed, res.Status)
	require.NotEmpty(t, res.Errors)
	assert.Equal(t, "src/util.go", res.Errors[0].Path)

	meta, err = p.catalog.Get("demo")
	require.NoError(t, err)
	assert.Equal(t, base, meta.LastIndexedCommitSHA)
	assert.Equal(t, string(graph.StatusReady), meta.Status)

	// Once the store recovers, the same commit is picked up again
	// instead of being reported as no_changes.
	p.vectors.failPath = ""
	res, err = p.coord.UpdateRepository(ctx, "demo", false)
	require.NoError(t, err)
	assert.Equal(t, UpdateUpdated, res.Status)
	assert.Equal(t, 1, res.Stats.FilesModified)

	meta, err = p.catalog.Get("demo")
	require.NoError(t, err)
	assert.Equal(t, res.CommitSHA, meta.LastIndexedCommitSHA)
	assert.NotEqual(t, base, meta.LastIndexedCommitSHA)
}

func TestUpdateForceDelegatesToFullIndex(t *testing.T) {
	p := newPipeline(t)
	src := seedSource(t)
	ctx := context.Background()

	_, err := p.svc.IndexRepository(ctx, src, IndexOptions{Name: "demo"})
	require.NoError(t, err)

	res, err := p.coord.UpdateRepository(ctx, "demo", true)
	require.NoError(t, err)
	assert.Equal(t, UpdateUpdated, res.Status)
	assert.Equal(t, 2, res.Stats.FilesAdded)
	assert.Equal(t, 2, p.vectors.count("repo_demo"))
}

func TestUpdateRejectsConcurrentOperation(t *testing.T) {
	p := newPipeline(t)
	src := seedSource(t)
	ctx := context.Background()

	_, err := p.svc.IndexRepository(ctx, src, IndexOptions{Name: "demo"})
	require.NoError(t, err)

	release, err := p.svc.Locks().TryAcquire("demo")
	require.NoError(t, err)
	defer release()

	_, err = p.coord.UpdateRepository(ctx, "demo", false)
	var uerr *ckserrors.UserError
	require.ErrorAs(t, err, &uerr)
	assert.Equal(t, ckserrors.KindConflict, uerr.Kind)
}
