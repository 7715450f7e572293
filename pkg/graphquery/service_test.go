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

package graphquery

import (
	"context"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kraklabs/cks/pkg/graph"
	"github.com/kraklabs/cks/pkg/parser"
)

// fixtureService ingests a small two-file repository:
//
//	src/main.go   defines Run (calls helper, Missing) and struct Server
//	src/util.go   defines helper
func fixtureService(t *testing.T) *Service {
	t.Helper()
	store, err := graph.Open(filepath.Join(t.TempDir(), "graph.db"), slog.New(slog.DiscardHandler))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	ing := graph.NewIngestor(store, slog.New(slog.DiscardHandler))
	ctx := context.Background()
	require.NoError(t, ing.BeginRepository(ctx, graph.RepoInfo{Name: "app", URL: "https://example.com/app.git"}))

	main := &parser.ParseResult{
		FilePath: "src/main.go",
		Language: "go",
		Success:  true,
		Entities: []parser.Entity{
			{Kind: parser.KindFunction, Name: "Run", StartLine: 5, EndLine: 30, Exported: true},
			{Kind: parser.KindStruct, Name: "Server", StartLine: 35, EndLine: 50, Exported: true},
		},
		Imports: []parser.Import{
			{Module: "fmt", Kind: "static", Line: 3},
			{Module: "github.com/spf13/pflag", Kind: "static", Line: 4},
		},
		Calls: []parser.Call{
			{Caller: "Run", Callee: "helper", Count: 2},
		},
	}
	util := &parser.ParseResult{
		FilePath: "src/util.go",
		Language: "go",
		Success:  true,
		Entities: []parser.Entity{
			{Kind: parser.KindFunction, Name: "helper", StartLine: 3, EndLine: 12},
		},
	}
	_, err = ing.IngestFiles(ctx, "app", []graph.FileIngest{
		{Result: main, Meta: graph.FileMeta{Hash: "h1"}},
		{Result: util, Meta: graph.FileMeta{Hash: "h2"}},
	})
	require.NoError(t, err)
	require.NoError(t, ing.FinishRepository(ctx, "app", graph.StatusReady))

	svc, err := NewService(store, slog.New(slog.DiscardHandler))
	require.NoError(t, err)
	return svc
}

func TestGetDependencies(t *testing.T) {
	svc := fixtureService(t)
	res, err := svc.GetDependencies(context.Background(), DependenciesInput{
		Entity: "Run", Repository: "app", Depth: 1,
	})
	require.NoError(t, err)
	require.Len(t, res.Dependencies, 1)
	dep := res.Dependencies[0]
	assert.Equal(t, "helper", dep.Name)
	assert.Equal(t, "CALLS", dep.RelationshipType)
	assert.Equal(t, 1, dep.Depth)
	assert.Equal(t, "src/util.go", dep.Path)
	assert.Equal(t, int64(2), dep.Metadata["count"])
	assert.False(t, res.FromCache)
}

func TestGetDependenciesCaches(t *testing.T) {
	svc := fixtureService(t)
	in := DependenciesInput{Entity: "Run", Repository: "app", Depth: 1}

	first, err := svc.GetDependencies(context.Background(), in)
	require.NoError(t, err)
	assert.False(t, first.FromCache)

	second, err := svc.GetDependencies(context.Background(), in)
	require.NoError(t, err)
	assert.True(t, second.FromCache)
	assert.Equal(t, first.Dependencies, second.Dependencies)

	svc.InvalidateRepository("app")
	third, err := svc.GetDependencies(context.Background(), in)
	require.NoError(t, err)
	assert.False(t, third.FromCache)
}

func TestGetDependenciesUnknownEntity(t *testing.T) {
	svc := fixtureService(t)
	_, err := svc.GetDependencies(context.Background(), DependenciesInput{
		Entity: "NoSuchThing", Repository: "app", Depth: 1,
	})
	assert.Error(t, err)
}

func TestGetDependenciesRejectsBadDepth(t *testing.T) {
	svc := fixtureService(t)
	_, err := svc.GetDependencies(context.Background(), DependenciesInput{
		Entity: "Run", Repository: "app", Depth: 9,
	})
	assert.Error(t, err)
}

func TestGetDependents(t *testing.T) {
	svc := fixtureService(t)
	res, err := svc.GetDependents(context.Background(), DependentsInput{
		Entity: "helper", Repository: "app", Depth: 2,
	})
	require.NoError(t, err)
	require.Len(t, res.Dependents, 1)
	assert.Equal(t, "Run", res.Dependents[0].Name)
	assert.Equal(t, 1, res.ImpactAnalysis.DirectImpactCount)
	assert.Equal(t, 0, res.ImpactAnalysis.TransitiveImpactCount)
	assert.InDelta(t, 0.04, res.ImpactAnalysis.ImpactScore, 1e-9)
}

func TestImpactScoreBounds(t *testing.T) {
	assert.Equal(t, 0.0, impactScore(0, 0))
	assert.Equal(t, 1.0, impactScore(100, 0), "saturates at 1")
	assert.Greater(t, impactScore(4, 2), impactScore(2, 2), "direct weighs more")
}

func TestGetPath(t *testing.T) {
	svc := fixtureService(t)
	ctx := context.Background()

	res, err := svc.GetPath(ctx, PathInput{From: "Run", To: "helper", Repository: "app", MaxHops: 5})
	require.NoError(t, err)
	assert.True(t, res.PathExists)
	assert.Equal(t, 1, res.Hops)
	require.Len(t, res.Path, 2)
	assert.Equal(t, "Run", res.Path[0].Name)
	assert.Equal(t, "helper", res.Path[1].Name)

	// Wrong direction: no path, null payload.
	res, err = svc.GetPath(ctx, PathInput{From: "helper", To: "Run", Repository: "app", MaxHops: 5})
	require.NoError(t, err)
	assert.False(t, res.PathExists)
	assert.Nil(t, res.Path)
	assert.Zero(t, res.Hops)
}

func TestGetArchitecturePackages(t *testing.T) {
	svc := fixtureService(t)
	res, err := svc.GetArchitecture(context.Background(), ArchitectureInput{
		Repository: "app", DetailLevel: DetailPackages,
	})
	require.NoError(t, err)
	require.Len(t, res.Structure, 1)
	assert.Equal(t, "src", res.Structure[0].Name)
	assert.Equal(t, 2, res.Structure[0].FileCount)
	assert.Equal(t, 3, res.Structure[0].EntityCount)
	assert.Equal(t, 2, res.Metrics.Files)
	assert.Equal(t, 2, res.Metrics.Functions)
	assert.Equal(t, 1, res.Metrics.Classes)

	// Builtins always show; npm modules only on request.
	require.Len(t, res.Dependencies, 1)
	assert.Equal(t, "fmt", res.Dependencies[0].To)

	withExternal, err := svc.GetArchitecture(context.Background(), ArchitectureInput{
		Repository: "app", DetailLevel: DetailPackages, IncludeExternal: true,
	})
	require.NoError(t, err)
	assert.Len(t, withExternal.Dependencies, 2)
}

func TestGetArchitectureModulesAndEntities(t *testing.T) {
	svc := fixtureService(t)
	ctx := context.Background()

	mods, err := svc.GetArchitecture(ctx, ArchitectureInput{
		Repository: "app", DetailLevel: DetailModules, IncludeExternal: true,
	})
	require.NoError(t, err)
	names := make([]string, 0, len(mods.Structure))
	for _, g := range mods.Structure {
		names = append(names, g.Name)
	}
	assert.Equal(t, []string{"fmt", "github.com/spf13/pflag"}, names)

	ents, err := svc.GetArchitecture(ctx, ArchitectureInput{
		Repository: "app", DetailLevel: DetailEntities,
	})
	require.NoError(t, err)
	require.Len(t, ents.Structure, 2)
	assert.Equal(t, "src/main.go", ents.Structure[0].Name)
	require.Len(t, ents.Structure[0].Items, 2)
	assert.Equal(t, "Run", ents.Structure[0].Items[0].Name)
	assert.Equal(t, "Server", ents.Structure[0].Items[1].Name)
}

func TestGetArchitectureScope(t *testing.T) {
	svc := fixtureService(t)
	res, err := svc.GetArchitecture(context.Background(), ArchitectureInput{
		Repository: "app", Scope: "src/u", DetailLevel: DetailFiles,
	})
	require.NoError(t, err)
	require.Len(t, res.Structure, 1)
	assert.Equal(t, "src/util.go", res.Structure[0].Name)
}

func TestGetArchitectureRejectsBadDetailLevel(t *testing.T) {
	svc := fixtureService(t)
	_, err := svc.GetArchitecture(context.Background(), ArchitectureInput{
		Repository: "app", DetailLevel: "galaxies",
	})
	assert.Error(t, err)
}

func TestGetArchitectureUnknownRepository(t *testing.T) {
	svc := fixtureService(t)
	_, err := svc.GetArchitecture(context.Background(), ArchitectureInput{Repository: "ghost"})
	assert.Error(t, err)
}

func TestGetMetrics(t *testing.T) {
	svc := fixtureService(t)
	res, err := svc.GetMetrics(context.Background(), "app")
	require.NoError(t, err)
	assert.Positive(t, res.Nodes)
	assert.Positive(t, res.Edges)
	assert.Equal(t, 2, res.Files)
	assert.Equal(t, 2, res.Functions)
	assert.Equal(t, 1, res.Classes)
	assert.Equal(t, 2, res.Modules)
}
