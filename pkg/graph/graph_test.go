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

package graph

import (
	"context"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ckserrors "github.com/kraklabs/cks/internal/errors"
	"github.com/kraklabs/cks/pkg/parser"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "graph.db"), slog.New(slog.DiscardHandler))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func upsert(t *testing.T, s *Store, nodes ...*Node) {
	t.Helper()
	require.NoError(t, s.Update(context.Background(), func(tx *Tx) error {
		for _, n := range nodes {
			if err := tx.UpsertNode(n); err != nil {
				return err
			}
		}
		return nil
	}))
}

func relate(t *testing.T, s *Store, edgeType EdgeType, from, to string) {
	t.Helper()
	require.NoError(t, s.Update(context.Background(), func(tx *Tx) error {
		_, err := tx.CreateRelationship(from, to, edgeType, nil)
		return err
	}))
}

func fileNode(repo, path string) *Node {
	return &Node{
		ID:   FileID(repo, path),
		Kind: KindFile,
		File: &FileNode{Repo: repo, Path: path, Extension: filepath.Ext(path), Hash: "h"},
	}
}

func funcNode(repo, file, name string, line int) *Node {
	return &Node{
		ID:   FunctionID(repo, file, name, line),
		Kind: KindFunction,
		Function: &FunctionNode{
			Repo: repo, File: file, Name: name, StartLine: line, EndLine: line + 5,
		},
	}
}

func TestNodeValidate(t *testing.T) {
	n := funcNode("app", "a.go", "Run", 10)
	assert.NoError(t, n.Validate())

	n.Class = &ClassNode{Repo: "app", File: "a.go", Name: "Run", Kind: ClassKindClass}
	assert.Error(t, n.Validate(), "two payloads must be rejected")

	assert.Error(t, (&Node{ID: "x", Kind: KindFile}).Validate(), "missing payload must be rejected")
	assert.Error(t, (&Node{Kind: KindFile, File: &FileNode{}}).Validate(), "empty id must be rejected")
}

func TestEdgeUpsertIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	upsert(t, s, fileNode("app", "a.go"), funcNode("app", "a.go", "Run", 1))

	from := FileID("app", "a.go")
	to := FunctionID("app", "a.go", "Run", 1)
	relate(t, s, EdgeDefines, from, to)
	relate(t, s, EdgeDefines, from, to)

	require.NoError(t, s.View(context.Background(), func(tx *Tx) error {
		edges, err := tx.OutEdges(from, nil)
		require.NoError(t, err)
		assert.Len(t, edges, 1)
		return nil
	}))
}

func TestDeleteNodeRemovesTouchingEdges(t *testing.T) {
	s := newTestStore(t)
	f := fileNode("app", "a.go")
	fn := funcNode("app", "a.go", "Run", 1)
	upsert(t, s, f, fn)
	relate(t, s, EdgeDefines, f.ID, fn.ID)

	require.NoError(t, s.Update(context.Background(), func(tx *Tx) error {
		return tx.DeleteNode(fn.ID)
	}))

	require.NoError(t, s.View(context.Background(), func(tx *Tx) error {
		assert.False(t, tx.NodeExists(fn.ID))
		edges, err := tx.OutEdges(f.ID, nil)
		require.NoError(t, err)
		assert.Empty(t, edges)
		return nil
	}))
}

func TestEdgePropsRoundTripIntegers(t *testing.T) {
	s := newTestStore(t)
	upsert(t, s, fileNode("app", "a.go"), funcNode("app", "a.go", "Run", 1))

	require.NoError(t, s.Update(context.Background(), func(tx *Tx) error {
		_, err := tx.CreateRelationship(
			FileID("app", "a.go"), FunctionID("app", "a.go", "Run", 1),
			EdgeDefines, map[string]any{"start_line": int64(1), "score": 0.5},
		)
		return err
	}))

	require.NoError(t, s.View(context.Background(), func(tx *Tx) error {
		edges, err := tx.OutEdges(FileID("app", "a.go"), nil)
		require.NoError(t, err)
		require.Len(t, edges, 1)
		assert.Equal(t, int64(1), edges[0].Props["start_line"])
		assert.Equal(t, 0.5, edges[0].Props["score"])
		return nil
	}))
}

// chainStore builds a -> b -> c -> d with CALLS edges, plus a DEFINES
// edge a -> x.
func chainStore(t *testing.T) (*Store, []string) {
	s := newTestStore(t)
	ids := []string{
		FunctionID("app", "f.go", "a", 1),
		FunctionID("app", "f.go", "b", 10),
		FunctionID("app", "f.go", "c", 20),
		FunctionID("app", "f.go", "d", 30),
	}
	upsert(t, s,
		funcNode("app", "f.go", "a", 1),
		funcNode("app", "f.go", "b", 10),
		funcNode("app", "f.go", "c", 20),
		funcNode("app", "f.go", "d", 30),
		fileNode("app", "x.go"),
	)
	relate(t, s, EdgeCalls, ids[0], ids[1])
	relate(t, s, EdgeCalls, ids[1], ids[2])
	relate(t, s, EdgeCalls, ids[2], ids[3])
	relate(t, s, EdgeDefines, ids[0], FileID("app", "x.go"))
	return s, ids
}

func TestTraverseDepthAndDirection(t *testing.T) {
	s, ids := chainStore(t)
	ctx := context.Background()

	out, err := s.Traverse(ctx, TraverseInput{StartID: ids[0], MaxDepth: 2, Types: []EdgeType{EdgeCalls}})
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, ids[1], out[0].Node.ID)
	assert.Equal(t, 1, out[0].Depth)
	assert.Equal(t, ids[2], out[1].Node.ID)
	assert.Equal(t, 2, out[1].Depth)

	in, err := s.Traverse(ctx, TraverseInput{StartID: ids[3], Direction: DirectionIn, MaxDepth: 5, Types: []EdgeType{EdgeCalls}})
	require.NoError(t, err)
	require.Len(t, in, 3)
	assert.Equal(t, ids[2], in[0].Node.ID)
}

func TestTraverseRejectsOutOfRangeDepth(t *testing.T) {
	s, ids := chainStore(t)
	for _, depth := range []int{0, 6, -1} {
		_, err := s.Traverse(context.Background(), TraverseInput{StartID: ids[0], MaxDepth: depth})
		var ue *ckserrors.UserError
		require.ErrorAs(t, err, &ue, "depth %d", depth)
		assert.Equal(t, ckserrors.KindValidation, ue.Kind)
	}
}

func TestTraverseUnknownStart(t *testing.T) {
	s, _ := chainStore(t)
	_, err := s.Traverse(context.Background(), TraverseInput{StartID: "Function:app:nope.go:f:1", MaxDepth: 1})
	var ue *ckserrors.UserError
	require.ErrorAs(t, err, &ue)
	assert.Equal(t, ckserrors.KindNotFound, ue.Kind)
}

func TestTraverseHonorsLimit(t *testing.T) {
	s, ids := chainStore(t)
	out, err := s.Traverse(context.Background(), TraverseInput{StartID: ids[0], MaxDepth: 5, Limit: 2, Types: []EdgeType{EdgeCalls}})
	require.NoError(t, err)
	assert.Len(t, out, 2)
}

func TestAnalyzeDependenciesSplitsDirectAndTransitive(t *testing.T) {
	s, ids := chainStore(t)
	a, err := s.AnalyzeDependencies(context.Background(), TraverseInput{StartID: ids[0], MaxDepth: 3, Types: []EdgeType{EdgeCalls}})
	require.NoError(t, err)
	assert.Equal(t, 1, a.Direct)
	assert.Equal(t, 2, a.Transitive)
}

func TestFindPath(t *testing.T) {
	s, ids := chainStore(t)
	ctx := context.Background()

	path, err := s.FindPath(ctx, ids[0], ids[3], 10, []EdgeType{EdgeCalls})
	require.NoError(t, err)
	assert.Equal(t, []string{ids[0], ids[1], ids[2], ids[3]}, path)

	// Bound too tight: no path.
	path, err = s.FindPath(ctx, ids[0], ids[3], 2, []EdgeType{EdgeCalls})
	require.NoError(t, err)
	assert.Nil(t, path)

	// No route in this direction.
	path, err = s.FindPath(ctx, ids[3], ids[0], 10, nil)
	require.NoError(t, err)
	assert.Nil(t, path)

	_, err = s.FindPath(ctx, ids[0], ids[3], 0, nil)
	assert.Error(t, err)
	_, err = s.FindPath(ctx, ids[0], ids[3], 21, nil)
	assert.Error(t, err)
}

func TestGetContext(t *testing.T) {
	s, ids := chainStore(t)
	nc, err := s.GetContext(context.Background(), ids[1])
	require.NoError(t, err)
	assert.Equal(t, ids[1], nc.Node.ID)
	assert.Len(t, nc.Outgoing, 1)
	assert.Len(t, nc.Incoming, 1)

	_, err = s.GetContext(context.Background(), "Function:app:missing.go:x:1")
	assert.Error(t, err)
}

func TestRunQueryNamedSet(t *testing.T) {
	s, _ := chainStore(t)
	ctx := context.Background()

	rows, err := s.RunQuery(ctx, "count_nodes", nil)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, int64(5), rows[0]["count"])

	rows, err = s.RunQuery(ctx, "entities_by_name", map[string]any{"repo": "app", "name": "b"})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, FunctionID("app", "f.go", "b", 10), rows[0]["id"])

	_, err = s.RunQuery(ctx, "drop_everything", nil)
	var ue *ckserrors.UserError
	require.ErrorAs(t, err, &ue)
	assert.Contains(t, ue.Fix, "count_nodes")
}

func parsedFile(path string) *parser.ParseResult {
	return &parser.ParseResult{
		FilePath: path,
		Language: "go",
		Success:  true,
		Entities: []parser.Entity{
			{Kind: parser.KindFunction, Name: "Run", StartLine: 5, EndLine: 20, Exported: true},
			{Kind: parser.KindStruct, Name: "Server", StartLine: 25, EndLine: 40, Exported: true},
		},
		Imports: []parser.Import{
			{Module: "fmt", Kind: "static", Line: 3},
			{Module: "github.com/spf13/pflag", Kind: "static", Line: 4},
		},
		Calls: []parser.Call{
			{Caller: "Run", Callee: "helper", Count: 2},
			{Caller: "Run", Callee: "Missing", Count: 1},
		},
	}
}

func helperFile(path string) *parser.ParseResult {
	return &parser.ParseResult{
		FilePath: path,
		Language: "go",
		Success:  true,
		Entities: []parser.Entity{
			{Kind: parser.KindFunction, Name: "helper", StartLine: 3, EndLine: 9},
		},
	}
}

func TestIngestFilesBuildsGraph(t *testing.T) {
	s := newTestStore(t)
	ing := NewIngestor(s, slog.New(slog.DiscardHandler))
	ctx := context.Background()

	require.NoError(t, ing.BeginRepository(ctx, RepoInfo{Name: "app", URL: "https://example.com/app.git", Branch: "main"}))

	meta := FileMeta{Hash: "abc", SizeBytes: 120, ModTime: time.Now()}
	stats, err := ing.IngestFiles(ctx, "app", []FileIngest{
		{Result: parsedFile("main.go"), Meta: meta, Chunks: []ChunkRef{{Index: 0, VectorID: "v0", StartLine: 1, EndLine: 40}}},
		{Result: helperFile("util.go"), Meta: meta},
	})
	require.NoError(t, err)

	assert.Equal(t, 2, stats.FilesWritten)
	assert.Equal(t, 3, stats.EntitiesWritten)
	assert.Equal(t, 2, stats.ModulesWritten)
	assert.Equal(t, 1, stats.ChunksWritten)
	assert.Equal(t, 1, stats.Resolution.ResolvedCalls, "Run -> helper resolves across files")
	assert.Equal(t, 1, stats.Resolution.UnresolvedCalls, "Run -> Missing goes to the sentinel")

	require.NoError(t, ing.FinishRepository(ctx, "app", StatusReady))
	repo, err := ing.Repository(ctx, "app")
	require.NoError(t, err)
	assert.Equal(t, StatusReady, repo.Status)
	assert.Equal(t, 2, repo.FileCount)
	assert.Equal(t, 1, repo.ChunkCount)
	assert.False(t, repo.LastIndexed.IsZero())

	require.NoError(t, s.View(ctx, func(tx *Tx) error {
		// Run CALLS helper with the aggregated count.
		runID := FunctionID("app", "main.go", "Run", 5)
		edges, err := tx.OutEdges(runID, map[EdgeType]bool{EdgeCalls: true})
		require.NoError(t, err)
		require.Len(t, edges, 2)
		byTo := map[string]Edge{}
		for _, e := range edges {
			byTo[e.To] = e
		}
		helperID := FunctionID("app", "util.go", "helper", 3)
		require.Contains(t, byTo, helperID)
		assert.Equal(t, int64(2), byTo[helperID].Props["count"])
		require.Contains(t, byTo, UnknownModuleID("app"))
		assert.Equal(t, "Missing", byTo[UnknownModuleID("app")].Props["callee"])

		// Module classification.
		fmtMod, err := tx.GetNode(ModuleID("app", "fmt"))
		require.NoError(t, err)
		require.NotNil(t, fmtMod)
		assert.Equal(t, ModuleBuiltin, fmtMod.Module.Type)
		pflagMod, err := tx.GetNode(ModuleID("app", "github.com/spf13/pflag"))
		require.NoError(t, err)
		require.NotNil(t, pflagMod)
		assert.Equal(t, ModuleNPM, pflagMod.Module.Type)
		return nil
	}))
}

func TestReingestReplacesFileState(t *testing.T) {
	s := newTestStore(t)
	ing := NewIngestor(s, slog.New(slog.DiscardHandler))
	ctx := context.Background()
	require.NoError(t, ing.BeginRepository(ctx, RepoInfo{Name: "app"}))

	meta := FileMeta{Hash: "v1"}
	_, err := ing.IngestFiles(ctx, "app", []FileIngest{
		{Result: parsedFile("main.go"), Meta: meta, Chunks: []ChunkRef{{Index: 0, VectorID: "v0"}, {Index: 1, VectorID: "v1"}}},
	})
	require.NoError(t, err)

	// The file shrinks to a single entity and one chunk.
	smaller := &parser.ParseResult{
		FilePath: "main.go",
		Language: "go",
		Success:  true,
		Entities: []parser.Entity{
			{Kind: parser.KindFunction, Name: "Run", StartLine: 5, EndLine: 10, Exported: true},
		},
	}
	_, err = ing.IngestFiles(ctx, "app", []FileIngest{
		{Result: smaller, Meta: FileMeta{Hash: "v2"}, Chunks: []ChunkRef{{Index: 0, VectorID: "v2"}}},
	})
	require.NoError(t, err)

	require.NoError(t, s.View(ctx, func(tx *Tx) error {
		assert.False(t, tx.NodeExists(ClassID("app", "main.go", "Server", 25)), "stale entity must be deleted")
		assert.False(t, tx.NodeExists(ChunkID("app", "main.go", 1)), "stale chunk must be deleted")
		assert.True(t, tx.NodeExists(ChunkID("app", "main.go", 0)))
		f, err := tx.GetNode(FileID("app", "main.go"))
		require.NoError(t, err)
		assert.Equal(t, "v2", f.File.Hash)
		return nil
	}))
}

func TestRemoveFile(t *testing.T) {
	s := newTestStore(t)
	ing := NewIngestor(s, slog.New(slog.DiscardHandler))
	ctx := context.Background()
	require.NoError(t, ing.BeginRepository(ctx, RepoInfo{Name: "app"}))
	_, err := ing.IngestFiles(ctx, "app", []FileIngest{
		{Result: parsedFile("main.go"), Meta: FileMeta{Hash: "h"}, Chunks: []ChunkRef{{Index: 0, VectorID: "v"}}},
	})
	require.NoError(t, err)

	require.NoError(t, ing.RemoveFile(ctx, "app", "main.go"))
	require.NoError(t, s.View(ctx, func(tx *Tx) error {
		assert.False(t, tx.NodeExists(FileID("app", "main.go")))
		assert.Equal(t, 0, tx.CountByPrefix("Function:app:main.go:"))
		assert.Equal(t, 0, tx.CountByPrefix("Chunk:app:main.go:"))
		return nil
	}))
}

func TestPurgeRepositoryLeavesOthersIntact(t *testing.T) {
	s := newTestStore(t)
	ing := NewIngestor(s, slog.New(slog.DiscardHandler))
	ctx := context.Background()

	for _, repo := range []string{"app", "lib"} {
		require.NoError(t, ing.BeginRepository(ctx, RepoInfo{Name: repo}))
		_, err := ing.IngestFiles(ctx, repo, []FileIngest{
			{Result: parsedFile("main.go"), Meta: FileMeta{Hash: "h"}},
		})
		require.NoError(t, err)
	}

	require.NoError(t, ing.PurgeRepository(ctx, "app"))

	require.NoError(t, s.View(ctx, func(tx *Tx) error {
		assert.False(t, tx.NodeExists(RepositoryID("app")))
		assert.Equal(t, 0, tx.CountByPrefix("Function:app:"))
		assert.Equal(t, 0, tx.CountByPrefix("File:app:"))
		assert.True(t, tx.NodeExists(RepositoryID("lib")))
		assert.NotZero(t, tx.CountByPrefix("Function:lib:"))
		return nil
	}))
}

func TestClassifyModule(t *testing.T) {
	cases := []struct {
		language, module string
		want             ModuleType
	}{
		{"typescript", "./auth", ModuleLocal},
		{"typescript", "../lib/util", ModuleLocal},
		{"typescript", "fs", ModuleBuiltin},
		{"typescript", "node:path", ModuleBuiltin},
		{"typescript", "axios", ModuleNPM},
		{"typescript", "@nestjs/core", ModuleNPM},
		{"python", "os.path", ModuleBuiltin},
		{"python", "requests", ModuleNPM},
		{"go", "fmt", ModuleBuiltin},
		{"go", "net/http", ModuleBuiltin},
		{"go", "github.com/stretchr/testify", ModuleNPM},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, classifyModule(tc.language, tc.module), "%s %s", tc.language, tc.module)
	}
}

func TestResolverPrefersSmallestID(t *testing.T) {
	r := newResolver("app")
	r.register(r.functionsByName, "helper", "Function:app:z.go:helper:9")
	r.register(r.functionsByName, "helper", "Function:app:a.go:helper:3")
	r.register(r.functionsByName, "helper", "Function:app:m.go:helper:5")
	assert.Equal(t, "Function:app:a.go:helper:3", r.functionsByName["helper"])
}

func TestResolverSupertypeSentinel(t *testing.T) {
	r := newResolver("app")
	ex := &Extraction{
		PendingSupertypes: []PendingSupertype{
			{ClassID: ClassID("app", "a.ts", "UserService", 1), Name: "BaseService", EdgeType: EdgeExtends},
		},
	}
	edges, sentinels := r.resolveInto(ex)
	require.Len(t, edges, 1)
	require.Len(t, sentinels, 1)
	assert.Equal(t, ExternalClassID("app", "BaseService"), edges[0].To)
	assert.Equal(t, 1, r.stats.ExternalTypes)

	// Same supertype again: edge repeats, sentinel does not.
	edges, sentinels = r.resolveInto(ex)
	assert.Len(t, edges, 1)
	assert.Empty(t, sentinels)
}
