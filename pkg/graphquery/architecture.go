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
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/kraklabs/cks/internal/errors"
	"github.com/kraklabs/cks/pkg/graph"
)

// Detail levels for architecture queries, coarse to fine.
const (
	DetailPackages = "packages"
	DetailModules  = "modules"
	DetailFiles    = "files"
	DetailEntities = "entities"
)

// ArchitectureInput parameterizes a structure query. Scope narrows the
// walk to a path prefix inside the repository.
type ArchitectureInput struct {
	Repository      string
	Scope           string
	DetailLevel     string
	IncludeExternal bool
}

// ArchGroup is one structural unit at the requested detail level.
type ArchGroup struct {
	Name        string     `json:"name"`
	Kind        string     `json:"kind"`
	FileCount   int        `json:"file_count,omitempty"`
	EntityCount int        `json:"entity_count,omitempty"`
	Items       []ArchItem `json:"items,omitempty"`
}

// ArchItem is one member of a group.
type ArchItem struct {
	Name      string `json:"name"`
	Type      string `json:"type"`
	Path      string `json:"path,omitempty"`
	StartLine int    `json:"start_line,omitempty"`
}

// ArchDependency is one aggregated import relation between a package
// and a module.
type ArchDependency struct {
	From     string `json:"from"`
	To       string `json:"to"`
	Count    int    `json:"count"`
	External bool   `json:"external"`
}

// ArchMetrics aggregates repository-level counts.
type ArchMetrics struct {
	Files     int `json:"files"`
	Functions int `json:"functions"`
	Classes   int `json:"classes"`
	Modules   int `json:"modules"`
	Chunks    int `json:"chunks"`
}

// ArchitectureResult is the structure query outcome.
type ArchitectureResult struct {
	Repository   string           `json:"repository"`
	DetailLevel  string           `json:"detail_level"`
	Structure    []ArchGroup      `json:"structure"`
	Dependencies []ArchDependency `json:"dependencies"`
	Metrics      ArchMetrics      `json:"metrics"`
	QueryMeta
}

// GetArchitecture summarizes a repository's structure at the requested
// granularity, with inter-module dependencies and aggregate counts.
func (s *Service) GetArchitecture(ctx context.Context, in ArchitectureInput) (*ArchitectureResult, error) {
	if in.DetailLevel == "" {
		in.DetailLevel = DetailPackages
	}
	switch in.DetailLevel {
	case DetailPackages, DetailModules, DetailFiles, DetailEntities:
	default:
		return nil, errors.NewInputError(
			fmt.Sprintf("Invalid detail_level: %s", in.DetailLevel),
			"detail_level selects the architecture granularity",
			"Use one of: packages, modules, files, entities",
		)
	}

	key := cacheKey("arch", in.Repository, in.Scope, in.DetailLevel, fmt.Sprint(in.IncludeExternal))
	if cached, ok := s.cache.Get(key); ok {
		r := cached.(ArchitectureResult)
		r.FromCache = true
		r.QueryTimeMs = 0
		return &r, nil
	}

	start := time.Now()
	result := ArchitectureResult{Repository: in.Repository, DetailLevel: in.DetailLevel}

	err := s.store.View(ctx, func(tx *graph.Tx) error {
		if !tx.NodeExists(graph.RepositoryID(in.Repository)) {
			return errors.NewNotFoundError(
				fmt.Sprintf("Repository not found: %s", in.Repository),
				"the repository has not been indexed",
				"Run `cks index` for it first",
			)
		}

		files, err := tx.NodesByPrefix("File:" + in.Repository + ":")
		if err != nil {
			return err
		}
		if in.Scope != "" {
			scoped := files[:0]
			for _, f := range files {
				if strings.HasPrefix(f.File.Path, in.Scope) {
					scoped = append(scoped, f)
				}
			}
			files = scoped
		}

		entitiesByFile := make(map[string][]*graph.Node)
		for _, kind := range []graph.NodeKind{graph.KindFunction, graph.KindClass} {
			nodes, err := tx.NodesByPrefix(string(kind) + ":" + in.Repository + ":")
			if err != nil {
				return err
			}
			for _, n := range nodes {
				path := graph.FilePathOfEntity(n)
				entitiesByFile[path] = append(entitiesByFile[path], n)
			}
		}

		if in.DetailLevel == DetailModules {
			modules, err := tx.NodesByPrefix("Module:" + in.Repository + ":")
			if err != nil {
				return err
			}
			result.Structure = moduleStructure(in, modules)
		} else {
			result.Structure = buildStructure(in, files, entitiesByFile)
		}

		deps, err := moduleDependencies(tx, in, files)
		if err != nil {
			return err
		}
		result.Dependencies = deps

		result.Metrics = ArchMetrics{
			Files:     tx.CountByPrefix("File:" + in.Repository + ":"),
			Functions: tx.CountByPrefix("Function:" + in.Repository + ":"),
			Classes:   tx.CountByPrefix("Class:" + in.Repository + ":"),
			Modules:   tx.CountByPrefix("Module:" + in.Repository + ":"),
			Chunks:    tx.CountByPrefix("Chunk:" + in.Repository + ":"),
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	result.QueryTimeMs = time.Since(start).Milliseconds()
	s.cache.Add(key, result)
	return &result, nil
}

// buildStructure groups files at the requested detail level.
func buildStructure(in ArchitectureInput, files []*graph.Node, entitiesByFile map[string][]*graph.Node) []ArchGroup {
	switch in.DetailLevel {
	case DetailFiles:
		groups := make([]ArchGroup, 0, len(files))
		for _, f := range files {
			groups = append(groups, ArchGroup{
				Name:        f.File.Path,
				Kind:        "file",
				EntityCount: len(entitiesByFile[f.File.Path]),
			})
		}
		return groups

	case DetailEntities:
		groups := make([]ArchGroup, 0, len(files))
		for _, f := range files {
			g := ArchGroup{Name: f.File.Path, Kind: "file"}
			for _, e := range entitiesByFile[f.File.Path] {
				item := ArchItem{Type: string(e.Kind), Path: f.File.Path}
				if e.Function != nil {
					item.Name = e.Function.Name
					item.StartLine = e.Function.StartLine
				} else if e.Class != nil {
					item.Name = e.Class.Name
					item.StartLine = e.Class.StartLine
				}
				g.Items = append(g.Items, item)
			}
			sort.Slice(g.Items, func(i, j int) bool {
				if g.Items[i].StartLine != g.Items[j].StartLine {
					return g.Items[i].StartLine < g.Items[j].StartLine
				}
				return g.Items[i].Name < g.Items[j].Name
			})
			g.EntityCount = len(g.Items)
			groups = append(groups, g)
		}
		return groups

	default: // packages
		byPackage := make(map[string]*ArchGroup)
		var order []string
		for _, f := range files {
			pkg := packageOf(f.File.Path)
			g, ok := byPackage[pkg]
			if !ok {
				g = &ArchGroup{Name: pkg, Kind: "package"}
				byPackage[pkg] = g
				order = append(order, pkg)
			}
			g.FileCount++
			g.EntityCount += len(entitiesByFile[f.File.Path])
		}
		sort.Strings(order)
		groups := make([]ArchGroup, 0, len(order))
		for _, pkg := range order {
			groups = append(groups, *byPackage[pkg])
		}
		return groups
	}
}

// moduleStructure lists the repository's imported modules as groups.
func moduleStructure(in ArchitectureInput, modules []*graph.Node) []ArchGroup {
	groups := make([]ArchGroup, 0, len(modules))
	for _, m := range modules {
		if m.Module == nil || m.Module.Name == "unknown" {
			continue
		}
		if m.Module.Type == graph.ModuleNPM && !in.IncludeExternal {
			continue
		}
		groups = append(groups, ArchGroup{Name: m.Module.Name, Kind: string(m.Module.Type)})
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i].Name < groups[j].Name })
	return groups
}

// packageOf is the top-level directory of a path, "." at the root.
func packageOf(path string) string {
	if idx := strings.IndexByte(path, '/'); idx >= 0 {
		return path[:idx]
	}
	return "."
}

// moduleDependencies aggregates IMPORTS edges into package -> module
// relations. External modules (npm) are filtered unless requested.
func moduleDependencies(tx *graph.Tx, in ArchitectureInput, files []*graph.Node) ([]ArchDependency, error) {
	type depKey struct{ from, to string }
	agg := make(map[depKey]*ArchDependency)

	for _, f := range files {
		edges, err := tx.OutEdges(f.ID, map[graph.EdgeType]bool{graph.EdgeImports: true})
		if err != nil {
			return nil, err
		}
		for _, e := range edges {
			mod, err := tx.GetNode(e.To)
			if err != nil {
				return nil, err
			}
			if mod == nil || mod.Module == nil {
				continue
			}
			external := mod.Module.Type == graph.ModuleNPM
			if external && !in.IncludeExternal {
				continue
			}
			k := depKey{from: packageOf(f.File.Path), to: mod.Module.Name}
			if d, ok := agg[k]; ok {
				d.Count++
				continue
			}
			agg[k] = &ArchDependency{From: k.from, To: k.to, Count: 1, External: external}
		}
	}

	deps := make([]ArchDependency, 0, len(agg))
	for _, d := range agg {
		deps = append(deps, *d)
	}
	sort.Slice(deps, func(i, j int) bool {
		if deps[i].From != deps[j].From {
			return deps[i].From < deps[j].From
		}
		return deps[i].To < deps[j].To
	})
	return deps, nil
}

// MetricsResult is the graph-wide health summary.
type MetricsResult struct {
	Repository string `json:"repository,omitempty"`
	Nodes      int    `json:"nodes"`
	Edges      int    `json:"edges"`
	ArchMetrics
	QueryMeta
}

// GetMetrics reports node and edge counts, optionally scoped to one
// repository.
func (s *Service) GetMetrics(ctx context.Context, repository string) (*MetricsResult, error) {
	start := time.Now()
	result := MetricsResult{Repository: repository}

	rows, err := s.store.RunQuery(ctx, "count_nodes", nil)
	if err != nil {
		return nil, err
	}
	result.Nodes = int(rows[0]["count"].(int64))

	rows, err = s.store.RunQuery(ctx, "count_edges", nil)
	if err != nil {
		return nil, err
	}
	result.Edges = int(rows[0]["count"].(int64))

	if repository != "" {
		rows, err = s.store.RunQuery(ctx, "repo_stats", map[string]any{"repo": repository})
		if err != nil {
			return nil, err
		}
		stats := rows[0]
		result.ArchMetrics = ArchMetrics{
			Files:     int(stats["files"].(int64)),
			Functions: int(stats["functions"].(int64)),
			Classes:   int(stats["classes"].(int64)),
			Modules:   int(stats["modules"].(int64)),
			Chunks:    int(stats["chunks"].(int64)),
		}
	}

	result.QueryTimeMs = time.Since(start).Milliseconds()
	return &result, nil
}
