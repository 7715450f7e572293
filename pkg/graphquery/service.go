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

// Package graphquery answers read questions over the code knowledge
// graph: what an entity depends on, what depends on it, how two
// entities connect, and how a repository is structured. Results carry
// timing and cache provenance, and repeated queries serve from a small
// LRU.
package graphquery

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/kraklabs/cks/internal/errors"
	"github.com/kraklabs/cks/pkg/graph"
)

const cacheSize = 128

// Service executes graph queries with caching.
type Service struct {
	store  *graph.Store
	cache  *lru.Cache[string, any]
	logger *slog.Logger
}

// NewService builds a query service over an open graph store.
func NewService(store *graph.Store, logger *slog.Logger) (*Service, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cache, err := lru.New[string, any](cacheSize)
	if err != nil {
		return nil, err
	}
	return &Service{store: store, cache: cache, logger: logger}, nil
}

// InvalidateRepository drops cached results after the repository's
// graph changes. The cache has no per-repo index, so the whole thing
// goes; it refills on the next queries.
func (s *Service) InvalidateRepository(repo string) {
	s.cache.Purge()
}

// QueryMeta reports how the result was produced.
type QueryMeta struct {
	QueryTimeMs int64 `json:"query_time_ms"`
	FromCache   bool  `json:"from_cache"`
}

// DependencyItem is one node reached by a dependency walk.
type DependencyItem struct {
	Type             string         `json:"type"`
	Name             string         `json:"name"`
	Path             string         `json:"path"`
	RelationshipType string         `json:"relationship_type"`
	Depth            int            `json:"depth"`
	Metadata         map[string]any `json:"metadata,omitempty"`
}

// DependenciesInput parameterizes a forward dependency query.
type DependenciesInput struct {
	Entity            string
	Repository        string
	Depth             int
	RelationshipTypes []string
}

// DependenciesResult is the forward walk outcome.
type DependenciesResult struct {
	Entity       string           `json:"entity"`
	Repository   string           `json:"repository"`
	Dependencies []DependencyItem `json:"dependencies"`
	Total        int              `json:"total"`
	QueryMeta
}

// GetDependencies lists what an entity uses, directly or transitively.
func (s *Service) GetDependencies(ctx context.Context, in DependenciesInput) (*DependenciesResult, error) {
	key := cacheKey("deps", in.Repository, in.Entity, fmt.Sprint(in.Depth), strings.Join(in.RelationshipTypes, ","))
	if cached, ok := s.cache.Get(key); ok {
		r := cached.(DependenciesResult)
		r.FromCache = true
		r.QueryTimeMs = 0
		return &r, nil
	}

	start := time.Now()
	startID, err := s.resolveEntity(ctx, in.Repository, in.Entity)
	if err != nil {
		return nil, err
	}
	nodes, err := s.store.Traverse(ctx, graph.TraverseInput{
		StartID:   startID,
		Direction: graph.DirectionOut,
		Types:     edgeTypes(in.RelationshipTypes, defaultDependencyTypes),
		MaxDepth:  in.Depth,
	})
	if err != nil {
		return nil, err
	}

	result := DependenciesResult{
		Entity:       in.Entity,
		Repository:   in.Repository,
		Dependencies: itemsOf(nodes),
		Total:        len(nodes),
	}
	result.QueryTimeMs = time.Since(start).Milliseconds()
	s.cache.Add(key, result)
	return &result, nil
}

// ImpactAnalysis quantifies blast radius for a change to an entity.
type ImpactAnalysis struct {
	DirectImpactCount     int     `json:"direct_impact_count"`
	TransitiveImpactCount int     `json:"transitive_impact_count"`
	ImpactScore           float64 `json:"impact_score"`
}

// DependentsInput parameterizes a reverse dependency query.
type DependentsInput struct {
	Entity           string
	Repository       string
	Depth            int
	IncludeCrossRepo bool
}

// DependentsResult is the reverse walk outcome.
type DependentsResult struct {
	Entity         string           `json:"entity"`
	Repository     string           `json:"repository"`
	Dependents     []DependencyItem `json:"dependents"`
	Total          int              `json:"total"`
	ImpactAnalysis ImpactAnalysis   `json:"impact_analysis"`
	QueryMeta
}

// GetDependents lists what uses an entity, with an impact summary.
func (s *Service) GetDependents(ctx context.Context, in DependentsInput) (*DependentsResult, error) {
	key := cacheKey("dependents", in.Repository, in.Entity, fmt.Sprint(in.Depth), fmt.Sprint(in.IncludeCrossRepo))
	if cached, ok := s.cache.Get(key); ok {
		r := cached.(DependentsResult)
		r.FromCache = true
		r.QueryTimeMs = 0
		return &r, nil
	}

	start := time.Now()
	startID, err := s.resolveEntity(ctx, in.Repository, in.Entity)
	if err != nil {
		return nil, err
	}
	analysis, err := s.store.AnalyzeDependencies(ctx, graph.TraverseInput{
		StartID:   startID,
		Direction: graph.DirectionIn,
		Types:     edgeTypes(nil, defaultDependencyTypes),
		MaxDepth:  in.Depth,
	})
	if err != nil {
		return nil, err
	}

	nodes := analysis.Nodes
	if !in.IncludeCrossRepo && in.Repository != "" {
		filtered := nodes[:0]
		for _, n := range nodes {
			if graph.RepoOfNodeID(n.Node.ID) == in.Repository {
				filtered = append(filtered, n)
			}
		}
		nodes = filtered
	}

	direct, transitive := 0, 0
	for _, n := range nodes {
		if n.Depth == 1 {
			direct++
		} else {
			transitive++
		}
	}

	result := DependentsResult{
		Entity:     in.Entity,
		Repository: in.Repository,
		Dependents: itemsOf(nodes),
		Total:      len(nodes),
		ImpactAnalysis: ImpactAnalysis{
			DirectImpactCount:     direct,
			TransitiveImpactCount: transitive,
			ImpactScore:           impactScore(direct, transitive),
		},
	}
	result.QueryTimeMs = time.Since(start).Milliseconds()
	s.cache.Add(key, result)
	return &result, nil
}

// impactScore maps dependent counts onto [0,1]. Direct dependents
// weigh double transitive ones; 25 weighted dependents saturate the
// scale.
func impactScore(direct, transitive int) float64 {
	weighted := float64(direct) + 0.5*float64(transitive)
	score := weighted / 25.0
	if score > 1 {
		return 1
	}
	return score
}

// PathNode is one step of a connection path.
type PathNode struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Name string `json:"name"`
	Path string `json:"path"`
}

// PathInput parameterizes a connection query.
type PathInput struct {
	From              string
	To                string
	Repository        string
	MaxHops           int
	RelationshipTypes []string
}

// PathResult reports whether and how two entities connect. Path is
// null and Hops zero when no route exists.
type PathResult struct {
	PathExists bool       `json:"path_exists"`
	Path       []PathNode `json:"path"`
	Hops       int        `json:"hops"`
	QueryMeta
}

// GetPath finds the shortest forward route between two entities.
func (s *Service) GetPath(ctx context.Context, in PathInput) (*PathResult, error) {
	key := cacheKey("path", in.Repository, in.From, in.To, fmt.Sprint(in.MaxHops), strings.Join(in.RelationshipTypes, ","))
	if cached, ok := s.cache.Get(key); ok {
		r := cached.(PathResult)
		r.FromCache = true
		r.QueryTimeMs = 0
		return &r, nil
	}

	start := time.Now()
	fromID, err := s.resolveEntity(ctx, in.Repository, in.From)
	if err != nil {
		return nil, err
	}
	toID, err := s.resolveEntity(ctx, in.Repository, in.To)
	if err != nil {
		return nil, err
	}

	ids, err := s.store.FindPath(ctx, fromID, toID, in.MaxHops, edgeTypes(in.RelationshipTypes, nil))
	if err != nil {
		return nil, err
	}

	result := PathResult{}
	if ids != nil {
		result.PathExists = true
		result.Hops = len(ids) - 1
		for _, id := range ids {
			node, err := s.getNode(ctx, id)
			if err != nil {
				return nil, err
			}
			pn := PathNode{ID: id}
			if node != nil {
				pn.Type = string(node.Kind)
				pn.Name = nodeName(node)
				pn.Path = graph.FilePathOfEntity(node)
			}
			result.Path = append(result.Path, pn)
		}
	}
	result.QueryTimeMs = time.Since(start).Milliseconds()
	s.cache.Add(key, result)
	return &result, nil
}

// resolveEntity maps a bare entity name to its node id. Full node ids
// pass through untouched. Ambiguous names resolve to the
// lexicographically smallest id.
func (s *Service) resolveEntity(ctx context.Context, repo, entity string) (string, error) {
	if strings.Contains(entity, ":") {
		return entity, nil
	}
	var best string
	err := s.store.View(ctx, func(tx *graph.Tx) error {
		for _, kind := range []graph.NodeKind{graph.KindFunction, graph.KindClass, graph.KindFile} {
			nodes, err := tx.NodesByPrefix(string(kind) + ":" + repo + ":")
			if err != nil {
				return err
			}
			for _, n := range nodes {
				if nodeName(n) != entity {
					continue
				}
				if best == "" || n.ID < best {
					best = n.ID
				}
			}
			if best != "" {
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	if best == "" {
		return "", errors.NewNotFoundError(
			fmt.Sprintf("Entity not found: %s", entity),
			fmt.Sprintf("no function, class, or file named %q in repository %q", entity, repo),
			"Check the name, or re-index the repository",
		)
	}
	return best, nil
}

func (s *Service) getNode(ctx context.Context, id string) (*graph.Node, error) {
	var node *graph.Node
	err := s.store.View(ctx, func(tx *graph.Tx) error {
		n, err := tx.GetNode(id)
		node = n
		return err
	})
	return node, err
}

// defaultDependencyTypes are the edge types that express "depends on".
var defaultDependencyTypes = []string{"CALLS", "IMPORTS", "EXTENDS", "IMPLEMENTS", "REFERENCES"}

func edgeTypes(requested, fallback []string) []graph.EdgeType {
	src := requested
	if len(src) == 0 {
		src = fallback
	}
	types := make([]graph.EdgeType, 0, len(src))
	for _, t := range src {
		types = append(types, graph.EdgeType(strings.ToUpper(t)))
	}
	return types
}

func itemsOf(nodes []graph.TraversedNode) []DependencyItem {
	items := make([]DependencyItem, 0, len(nodes))
	for _, n := range nodes {
		item := DependencyItem{
			Type:             string(n.Node.Kind),
			Name:             nodeName(n.Node),
			Path:             graph.FilePathOfEntity(n.Node),
			RelationshipType: string(n.EdgeType),
			Depth:            n.Depth,
		}
		if len(n.Props) > 0 {
			item.Metadata = n.Props
		}
		items = append(items, item)
	}
	return items
}

// nodeName reads the human name of any node kind.
func nodeName(n *graph.Node) string {
	switch {
	case n.Function != nil:
		return n.Function.Name
	case n.Class != nil:
		return n.Class.Name
	case n.File != nil:
		return n.File.Path
	case n.Module != nil:
		return n.Module.Name
	case n.Repository != nil:
		return n.Repository.Name
	case n.Concept != nil:
		return n.Concept.Name
	case n.Chunk != nil:
		return fmt.Sprintf("%s#%d", n.Chunk.File, n.Chunk.ChunkIndex)
	default:
		return ""
	}
}

func cacheKey(parts ...string) string {
	return strings.Join(parts, "\x1f")
}
