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
	"log/slog"
	"sync"
	"time"

	"github.com/kraklabs/cks/pkg/parser"
)

// Write batching bounds. Each bbolt transaction stays small so readers
// are never starved during a long ingest.
const (
	filesPerTx = 50
	edgesPerTx = 100
)

// ChunkRef ties a graph chunk node to its vector store point.
type ChunkRef struct {
	Index     int
	VectorID  string
	StartLine int
	EndLine   int
}

// FileIngest is one parsed file plus its chunking outcome.
type FileIngest struct {
	Result *parser.ParseResult
	Meta   FileMeta
	Chunks []ChunkRef
}

// RepoInfo identifies the repository being ingested.
type RepoInfo struct {
	Name   string
	URL    string
	Branch string
}

// IngestStats counts what one ingest pass wrote.
type IngestStats struct {
	FilesWritten    int
	EntitiesWritten int
	ModulesWritten  int
	ChunksWritten   int
	EdgesWritten    int
	Resolution      ResolutionStats
}

// Ingestor writes parse results into the graph. Writes for one
// repository are serialized; different repositories ingest
// concurrently.
type Ingestor struct {
	store  *Store
	logger *slog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewIngestor wraps a store with ingest operations.
func NewIngestor(store *Store, logger *slog.Logger) *Ingestor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ingestor{
		store:  store,
		logger: logger,
		locks:  make(map[string]*sync.Mutex),
	}
}

func (g *Ingestor) repoLock(repo string) *sync.Mutex {
	g.mu.Lock()
	defer g.mu.Unlock()
	l, ok := g.locks[repo]
	if !ok {
		l = &sync.Mutex{}
		g.locks[repo] = l
	}
	return l
}

// RepositoryExists reports whether the repository node is present.
func (g *Ingestor) RepositoryExists(ctx context.Context, name string) (bool, error) {
	exists := false
	err := g.store.View(ctx, func(tx *Tx) error {
		exists = tx.NodeExists(RepositoryID(name))
		return nil
	})
	return exists, err
}

// Repository reads the repository node, nil when absent.
func (g *Ingestor) Repository(ctx context.Context, name string) (*RepositoryNode, error) {
	var repo *RepositoryNode
	err := g.store.View(ctx, func(tx *Tx) error {
		n, err := tx.GetNode(RepositoryID(name))
		if err != nil {
			return err
		}
		if n != nil {
			repo = n.Repository
		}
		return nil
	})
	return repo, err
}

// BeginRepository upserts the repository node in indexing state.
func (g *Ingestor) BeginRepository(ctx context.Context, info RepoInfo) error {
	lock := g.repoLock(info.Name)
	lock.Lock()
	defer lock.Unlock()

	return g.store.Update(ctx, func(tx *Tx) error {
		existing, err := tx.GetNode(RepositoryID(info.Name))
		if err != nil {
			return err
		}
		node := &Node{
			ID:   RepositoryID(info.Name),
			Kind: KindRepository,
			Repository: &RepositoryNode{
				Name:   info.Name,
				URL:    info.URL,
				Branch: info.Branch,
				Status: StatusIndexing,
			},
		}
		if existing != nil && existing.Repository != nil {
			node.Repository.LastIndexed = existing.Repository.LastIndexed
			node.Repository.FileCount = existing.Repository.FileCount
			node.Repository.ChunkCount = existing.Repository.ChunkCount
		}
		return tx.UpsertNode(node)
	})
}

// FinishRepository records the terminal state of an ingest run along
// with the verified counts.
func (g *Ingestor) FinishRepository(ctx context.Context, name string, status RepoStatus) error {
	lock := g.repoLock(name)
	lock.Lock()
	defer lock.Unlock()

	return g.store.Update(ctx, func(tx *Tx) error {
		n, err := tx.GetNode(RepositoryID(name))
		if err != nil {
			return err
		}
		if n == nil || n.Repository == nil {
			return fmt.Errorf("repository node %s missing at finish", name)
		}
		n.Repository.Status = status
		n.Repository.FileCount = tx.CountByPrefix(FileID(name, ""))
		n.Repository.ChunkCount = tx.CountByPrefix("Chunk:" + name + ":")
		if status == StatusReady {
			n.Repository.LastIndexed = time.Now().UTC()
		}
		return tx.UpsertNode(n)
	})
}

// IngestFiles writes a batch of parsed files. Per file, stale state is
// deleted and the fresh state inserted inside one transaction, so a
// reader sees either the old file or the new one, never a mix. The
// batch splits across transactions to keep each one short.
func (g *Ingestor) IngestFiles(ctx context.Context, repo string, files []FileIngest) (*IngestStats, error) {
	lock := g.repoLock(repo)
	lock.Lock()
	defer lock.Unlock()

	start := time.Now()
	stats := &IngestStats{}

	res := newResolver(repo)
	if err := g.seedResolver(ctx, res); err != nil {
		return nil, err
	}

	extractions := make([]*Extraction, 0, len(files))
	for _, f := range files {
		ex := ExtractFile(repo, f.Meta, f.Result)
		res.observe(ex)
		extractions = append(extractions, ex)
	}

	for i := 0; i < len(extractions); i += filesPerTx {
		end := min(i+filesPerTx, len(extractions))
		err := g.store.Update(ctx, func(tx *Tx) error {
			for j := i; j < end; j++ {
				if err := g.writeFile(tx, repo, files[j], extractions[j], res, stats); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}

	stats.Resolution = res.stats
	g.logger.Info("graph.ingest.batch_complete",
		"repository", repo,
		"files", stats.FilesWritten,
		"entities", stats.EntitiesWritten,
		"edges", stats.EdgesWritten,
		"unresolved_calls", stats.Resolution.UnresolvedCalls,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return stats, nil
}

// seedResolver loads the existing per-repo name tables so incremental
// batches resolve against entities ingested in earlier runs.
func (g *Ingestor) seedResolver(ctx context.Context, res *resolver) error {
	return g.store.View(ctx, func(tx *Tx) error {
		for _, kind := range []NodeKind{KindFunction, KindClass} {
			nodes, err := tx.NodesByPrefix(string(kind) + ":" + res.repo + ":")
			if err != nil {
				return err
			}
			for _, n := range nodes {
				switch kind {
				case KindFunction:
					res.register(res.functionsByName, n.Function.Name, n.ID)
				case KindClass:
					res.register(res.classesByName, n.Class.Name, n.ID)
				}
			}
		}
		return nil
	})
}

// writeFile replaces one file's graph state inside the transaction.
func (g *Ingestor) writeFile(tx *Tx, repo string, f FileIngest, ex *Extraction, res *resolver, stats *IngestStats) error {
	path := f.Result.FilePath
	if err := deleteFileState(tx, repo, path); err != nil {
		return err
	}

	if err := tx.UpsertNode(ex.File); err != nil {
		return err
	}
	stats.FilesWritten++
	if _, err := tx.CreateRelationship(RepositoryID(repo), ex.File.ID, EdgeContains, nil); err != nil {
		return err
	}
	stats.EdgesWritten++

	for _, n := range ex.Entities {
		if err := tx.UpsertNode(n); err != nil {
			return err
		}
		stats.EntitiesWritten++
	}
	for _, n := range ex.Modules {
		if err := tx.UpsertNode(n); err != nil {
			return err
		}
		stats.ModulesWritten++
	}

	edges, sentinels := res.resolveInto(ex)
	for _, n := range sentinels {
		if err := tx.UpsertNode(n); err != nil {
			return err
		}
	}
	for _, e := range append(ex.Edges, edges...) {
		if _, err := tx.CreateRelationship(e.From, e.To, e.Type, e.Props); err != nil {
			return err
		}
		stats.EdgesWritten++
	}

	for _, c := range f.Chunks {
		chunkID := ChunkID(repo, path, c.Index)
		err := tx.UpsertNode(&Node{
			ID:   chunkID,
			Kind: KindChunk,
			Chunk: &ChunkNode{
				Repo:       repo,
				File:       path,
				ChunkIndex: c.Index,
				VectorID:   c.VectorID,
				StartLine:  c.StartLine,
				EndLine:    c.EndLine,
			},
		})
		if err != nil {
			return err
		}
		stats.ChunksWritten++
		if _, err := tx.CreateRelationship(ex.File.ID, chunkID, EdgeHasChunk, nil); err != nil {
			return err
		}
		stats.EdgesWritten++
	}
	return nil
}

// RemoveFile deletes one file's graph state, for deleted paths in an
// incremental update.
func (g *Ingestor) RemoveFile(ctx context.Context, repo, path string) error {
	lock := g.repoLock(repo)
	lock.Lock()
	defer lock.Unlock()

	return g.store.Update(ctx, func(tx *Tx) error {
		return deleteFileState(tx, repo, path)
	})
}

// deleteFileState removes the file node and everything it defines. Id
// prefixes rather than edges drive the sweep, so state from an
// interrupted earlier run is cleaned up too.
func deleteFileState(tx *Tx, repo, path string) error {
	for _, prefix := range []string{
		"Function:" + repo + ":" + path + ":",
		"Class:" + repo + ":" + path + ":",
		"Chunk:" + repo + ":" + path + ":",
	} {
		nodes, err := tx.NodesByPrefix(prefix)
		if err != nil {
			return err
		}
		for _, n := range nodes {
			if err := tx.DeleteNode(n.ID); err != nil {
				return err
			}
		}
	}
	return tx.DeleteNode(FileID(repo, path))
}

// PurgeRepository removes every node and edge belonging to one
// repository. Used by force re-index and by repository removal.
func (g *Ingestor) PurgeRepository(ctx context.Context, name string) error {
	lock := g.repoLock(name)
	lock.Lock()
	defer lock.Unlock()

	prefixes := []string{
		"Function:" + name + ":",
		"Class:" + name + ":",
		"Chunk:" + name + ":",
		"Module:" + name + ":",
		"File:" + name + ":",
		"Concept:" + name + ":",
	}
	for _, prefix := range prefixes {
		for {
			// Deletions run in bounded slices so no single transaction
			// grows with repository size.
			deleted := 0
			err := g.store.Update(ctx, func(tx *Tx) error {
				nodes, err := tx.NodesByPrefix(prefix)
				if err != nil {
					return err
				}
				for _, n := range nodes {
					if deleted >= edgesPerTx {
						break
					}
					if err := tx.DeleteNode(n.ID); err != nil {
						return err
					}
					deleted++
				}
				return nil
			})
			if err != nil {
				return err
			}
			if deleted < edgesPerTx {
				break
			}
		}
	}
	return g.store.Update(ctx, func(tx *Tx) error {
		return tx.DeleteNode(RepositoryID(name))
	})
}
