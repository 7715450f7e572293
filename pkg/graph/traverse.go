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
	"fmt"
	"sort"

	"github.com/kraklabs/cks/internal/errors"
)

// Traversal depth and size bounds.
const (
	MinDepth     = 1
	MaxDepth     = 5
	DefaultLimit = 100
)

// Direction selects edge orientation for a traversal.
type Direction string

const (
	DirectionOut Direction = "out"
	DirectionIn  Direction = "in"
)

// TraverseInput parameterizes a bounded BFS.
type TraverseInput struct {
	StartID   string
	Direction Direction
	// Types whitelists relationship types; empty means all.
	Types    []EdgeType
	MaxDepth int
	Limit    int
}

// TraversedNode is one node reached by a traversal.
type TraversedNode struct {
	Node     *Node
	EdgeType EdgeType
	From     string
	Depth    int
	Props    map[string]any
}

// Traverse runs a breadth-first walk from the start node. Neighbors
// expand in lexicographic id order so results are deterministic; the
// walk stops at MaxDepth or after Limit nodes.
func (s *Store) Traverse(ctx context.Context, in TraverseInput) ([]TraversedNode, error) {
	if in.MaxDepth < MinDepth || in.MaxDepth > MaxDepth {
		return nil, errors.NewInputError(
			fmt.Sprintf("Invalid traversal depth: %d", in.MaxDepth),
			fmt.Sprintf("depth must be between %d and %d", MinDepth, MaxDepth),
			"Pass a depth in range",
		)
	}
	if in.Limit <= 0 {
		in.Limit = DefaultLimit
	}
	if in.Direction == "" {
		in.Direction = DirectionOut
	}

	var typeSet map[EdgeType]bool
	if len(in.Types) > 0 {
		typeSet = make(map[EdgeType]bool, len(in.Types))
		for _, t := range in.Types {
			typeSet[t] = true
		}
	}

	var out []TraversedNode
	err := s.View(ctx, func(tx *Tx) error {
		if !tx.NodeExists(in.StartID) {
			return errors.NewNotFoundError(
				"Graph node not found",
				fmt.Sprintf("no node with id %q", in.StartID),
				"Check the entity name and repository, or re-index",
			)
		}

		visited := map[string]bool{in.StartID: true}
		frontier := []string{in.StartID}

		for depth := 1; depth <= in.MaxDepth && len(frontier) > 0 && len(out) < in.Limit; depth++ {
			type hop struct {
				edge Edge
				next string
			}
			var hops []hop
			for _, id := range frontier {
				var edges []Edge
				var err error
				if in.Direction == DirectionIn {
					edges, err = tx.InEdges(id, typeSet)
				} else {
					edges, err = tx.OutEdges(id, typeSet)
				}
				if err != nil {
					return err
				}
				for _, e := range edges {
					next := e.To
					if in.Direction == DirectionIn {
						next = e.From
					}
					hops = append(hops, hop{edge: e, next: next})
				}
			}
			sort.Slice(hops, func(i, j int) bool { return hops[i].next < hops[j].next })

			frontier = frontier[:0]
			for _, h := range hops {
				if visited[h.next] {
					continue
				}
				visited[h.next] = true
				node, err := tx.GetNode(h.next)
				if err != nil {
					return err
				}
				if node == nil {
					continue // dangling edge
				}
				out = append(out, TraversedNode{
					Node:     node,
					EdgeType: h.edge.Type,
					From:     h.edge.From,
					Depth:    depth,
					Props:    h.edge.Props,
				})
				if len(out) >= in.Limit {
					return nil
				}
				frontier = append(frontier, h.next)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// DependencyAnalysis summarizes forward or reverse reachability.
type DependencyAnalysis struct {
	Direct     int
	Transitive int
	Nodes      []TraversedNode
}

// AnalyzeDependencies traverses and splits the result into direct
// (depth 1) and transitive counts.
func (s *Store) AnalyzeDependencies(ctx context.Context, in TraverseInput) (*DependencyAnalysis, error) {
	nodes, err := s.Traverse(ctx, in)
	if err != nil {
		return nil, err
	}
	analysis := &DependencyAnalysis{Nodes: nodes}
	for _, n := range nodes {
		if n.Depth == 1 {
			analysis.Direct++
		} else {
			analysis.Transitive++
		}
	}
	return analysis, nil
}

// NodeContext is a node with its immediate neighborhood.
type NodeContext struct {
	Node     *Node
	Outgoing []Edge
	Incoming []Edge
}

// GetContext reads one node and its adjacent edges.
func (s *Store) GetContext(ctx context.Context, id string) (*NodeContext, error) {
	var nc *NodeContext
	err := s.View(ctx, func(tx *Tx) error {
		node, err := tx.GetNode(id)
		if err != nil {
			return err
		}
		if node == nil {
			return errors.NewNotFoundError(
				"Graph node not found",
				fmt.Sprintf("no node with id %q", id),
				"Check the id, or re-index the repository",
			)
		}
		outgoing, err := tx.OutEdges(id, nil)
		if err != nil {
			return err
		}
		incoming, err := tx.InEdges(id, nil)
		if err != nil {
			return err
		}
		nc = &NodeContext{Node: node, Outgoing: outgoing, Incoming: incoming}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return nc, nil
}

// FindPath returns the shortest undirected-type path between two nodes
// following forward edges, bounded by maxHops. A nil path means no
// route exists within the bound.
func (s *Store) FindPath(ctx context.Context, from, to string, maxHops int, types []EdgeType) ([]string, error) {
	if maxHops < 1 || maxHops > 20 {
		return nil, errors.NewInputError(
			fmt.Sprintf("Invalid max_hops: %d", maxHops),
			"max_hops must be between 1 and 20",
			"Pass a bound in range",
		)
	}

	var typeSet map[EdgeType]bool
	if len(types) > 0 {
		typeSet = make(map[EdgeType]bool, len(types))
		for _, t := range types {
			typeSet[t] = true
		}
	}

	var path []string
	err := s.View(ctx, func(tx *Tx) error {
		if !tx.NodeExists(from) || !tx.NodeExists(to) {
			return errors.NewNotFoundError(
				"Graph node not found",
				fmt.Sprintf("path endpoints %q -> %q", from, to),
				"Check both entity ids",
			)
		}

		// BFS with parent links; neighbors visit in lexicographic order
		// so equal-length paths resolve deterministically.
		parent := map[string]string{from: ""}
		frontier := []string{from}
		for hops := 1; hops <= maxHops && len(frontier) > 0; hops++ {
			var next []string
			for _, id := range frontier {
				edges, err := tx.OutEdges(id, typeSet)
				if err != nil {
					return err
				}
				neighbors := make([]string, 0, len(edges))
				for _, e := range edges {
					neighbors = append(neighbors, e.To)
				}
				sort.Strings(neighbors)
				for _, n := range neighbors {
					if _, seen := parent[n]; seen {
						continue
					}
					parent[n] = id
					if n == to {
						for cur := to; cur != ""; cur = parent[cur] {
							path = append([]string{cur}, path...)
						}
						return nil
					}
					next = append(next, n)
				}
			}
			frontier = next
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return path, nil
}
