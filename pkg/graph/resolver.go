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

// resolver turns by-name references into edges using repo-wide name
// tables. Names that resolve to nothing become edges onto per-repo
// sentinel nodes, so cross-repo and third-party references stay
// visible in the graph without fabricating entities for them.
type resolver struct {
	repo string

	// functionsByName and classesByName map bare names to node ids.
	// Duplicate names across files keep the lexicographically smallest
	// id, which makes resolution independent of file order.
	functionsByName map[string]string
	classesByName   map[string]string

	// seenSentinel dedupes sentinel creation across files.
	seenSentinel map[string]bool

	stats ResolutionStats
}

func newResolver(repo string) *resolver {
	return &resolver{
		repo:            repo,
		functionsByName: make(map[string]string),
		classesByName:   make(map[string]string),
		seenSentinel:    make(map[string]bool),
	}
}

// observe registers one file's entities in the name tables.
func (r *resolver) observe(ex *Extraction) {
	for _, n := range ex.Entities {
		switch n.Kind {
		case KindFunction:
			r.register(r.functionsByName, n.Function.Name, n.ID)
		case KindClass:
			r.register(r.classesByName, n.Class.Name, n.ID)
		}
	}
}

func (r *resolver) register(table map[string]string, name, id string) {
	if prev, ok := table[name]; !ok || id < prev {
		table[name] = id
	}
}

// ResolutionStats reports how many references landed on real entities
// versus sentinels.
type ResolutionStats struct {
	ResolvedCalls    int
	UnresolvedCalls  int
	ResolvedTypes    int
	ExternalTypes    int
	SentinelsCreated int
}

// resolveInto converts one file's pending references into edges,
// accumulating stats across calls. Sentinel nodes created along the
// way are returned for upsert alongside the edges.
func (r *resolver) resolveInto(ex *Extraction) (edges []Edge, sentinels []*Node) {
	e, s, stats := r.resolve(ex)
	r.stats.add(stats)
	return e, s
}

// resolve converts one file's pending references into edges. Sentinel
// nodes created along the way are returned for upsert alongside the
// edges.
func (r *resolver) resolve(ex *Extraction) (edges []Edge, sentinels []*Node, stats ResolutionStats) {
	for _, pc := range ex.PendingCalls {
		props := map[string]any{
			"count": int64(pc.Count),
			"async": pc.Async,
		}
		if target, ok := r.functionsByName[pc.Callee]; ok {
			stats.ResolvedCalls++
			edges = append(edges, NewEdge(EdgeCalls, pc.CallerID, target, props))
			continue
		}
		if target, ok := r.classesByName[pc.Callee]; ok {
			// Constructor-style call onto a type.
			stats.ResolvedCalls++
			edges = append(edges, NewEdge(EdgeCalls, pc.CallerID, target, props))
			continue
		}
		stats.UnresolvedCalls++
		sentinelID := UnknownModuleID(r.repo)
		if !r.seenSentinel[sentinelID] {
			r.seenSentinel[sentinelID] = true
			stats.SentinelsCreated++
			sentinels = append(sentinels, &Node{
				ID:     sentinelID,
				Kind:   KindModule,
				Module: &ModuleNode{Repo: r.repo, Name: "unknown", Type: ModuleBuiltin},
			})
		}
		props["callee"] = pc.Callee
		edges = append(edges, NewEdge(EdgeCalls, pc.CallerID, sentinelID, props))
	}

	for _, ps := range ex.PendingSupertypes {
		if target, ok := r.classesByName[ps.Name]; ok {
			stats.ResolvedTypes++
			edges = append(edges, NewEdge(ps.EdgeType, ps.ClassID, target, nil))
			continue
		}
		stats.ExternalTypes++
		sentinelID := ExternalClassID(r.repo, ps.Name)
		if !r.seenSentinel[sentinelID] {
			r.seenSentinel[sentinelID] = true
			stats.SentinelsCreated++
			sentinels = append(sentinels, &Node{
				ID:   sentinelID,
				Kind: KindClass,
				Class: &ClassNode{
					Repo: r.repo,
					File: "external",
					Name: ps.Name,
					Kind: ClassKindClass,
				},
			})
		}
		edges = append(edges, NewEdge(ps.EdgeType, ps.ClassID, sentinelID, nil))
	}

	return edges, sentinels, stats
}

func (s *ResolutionStats) add(other ResolutionStats) {
	s.ResolvedCalls += other.ResolvedCalls
	s.UnresolvedCalls += other.UnresolvedCalls
	s.ResolvedTypes += other.ResolvedTypes
	s.ExternalTypes += other.ExternalTypes
	s.SentinelsCreated += other.SentinelsCreated
}
