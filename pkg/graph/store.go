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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/kraklabs/cks/internal/errors"
)

var (
	bucketNodes    = []byte("nodes")
	bucketEdges    = []byte("edges")
	bucketEdgesOut = []byte("edges_out")
	bucketEdgesIn  = []byte("edges_in")
)

// idxSep separates a node id from an edge id in index keys. Node ids
// are printable composites, so a NUL byte never collides.
const idxSep = "\x00"

// Store is the bbolt-backed property graph.
type Store struct {
	db     *bolt.DB
	logger *slog.Logger
}

// Open opens (or creates) the graph database file.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.NewStoreError(
			"Cannot create graph database directory",
			fmt.Sprintf("mkdir %s failed", filepath.Dir(path)),
			"Check dataPath permissions",
			err,
		)
	}

	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, errors.NewStoreError(
			"Cannot open graph database",
			fmt.Sprintf("bolt open %s failed", path),
			"Close other processes using the database and retry",
			err,
		)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketNodes, bucketEdges, bucketEdgesOut, bucketEdgesIn} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return fmt.Errorf("create bucket %s: %w", b, err)
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, errors.NewStoreError("Cannot initialize graph database", err.Error(), "", err)
	}

	return &Store{db: db, logger: logger}, nil
}

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// Tx is one graph transaction. All mutations happen inside Update; the
// transaction commits only if the callback returns nil.
type Tx struct {
	btx *bolt.Tx
}

// Update runs fn in a single read-write transaction.
func (s *Store) Update(ctx context.Context, fn func(tx *Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(btx *bolt.Tx) error {
		return fn(&Tx{btx: btx})
	})
}

// View runs fn in a read-only transaction.
func (s *Store) View(ctx context.Context, fn func(tx *Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.View(func(btx *bolt.Tx) error {
		return fn(&Tx{btx: btx})
	})
}

// UpsertNode writes a node, replacing any previous version.
func (tx *Tx) UpsertNode(n *Node) error {
	if err := n.Validate(); err != nil {
		return err
	}
	data, err := n.marshal()
	if err != nil {
		return fmt.Errorf("marshal node %s: %w", n.ID, err)
	}
	return tx.btx.Bucket(bucketNodes).Put([]byte(n.ID), data)
}

// GetNode reads a node, returning nil when absent.
func (tx *Tx) GetNode(id string) (*Node, error) {
	data := tx.btx.Bucket(bucketNodes).Get([]byte(id))
	if data == nil {
		return nil, nil
	}
	return unmarshalNode(data)
}

// NodeExists reports presence without decoding.
func (tx *Tx) NodeExists(id string) bool {
	return tx.btx.Bucket(bucketNodes).Get([]byte(id)) != nil
}

// DeleteNode removes a node and every edge touching it.
func (tx *Tx) DeleteNode(id string) error {
	if err := tx.deleteEdgesTouching(id); err != nil {
		return err
	}
	return tx.btx.Bucket(bucketNodes).Delete([]byte(id))
}

// CreateRelationship upserts a typed edge. The deterministic edge id
// makes repeated ingests of the same relationship idempotent.
func (tx *Tx) CreateRelationship(from, to string, edgeType EdgeType, props map[string]any) (Edge, error) {
	edge := NewEdge(edgeType, from, to, props)
	data, err := json.Marshal(edge)
	if err != nil {
		return Edge{}, fmt.Errorf("marshal edge %s: %w", edge.ID, err)
	}
	if err := tx.btx.Bucket(bucketEdges).Put([]byte(edge.ID), data); err != nil {
		return Edge{}, err
	}
	if err := tx.btx.Bucket(bucketEdgesOut).Put([]byte(from+idxSep+edge.ID), []byte(edge.ID)); err != nil {
		return Edge{}, err
	}
	if err := tx.btx.Bucket(bucketEdgesIn).Put([]byte(to+idxSep+edge.ID), []byte(edge.ID)); err != nil {
		return Edge{}, err
	}
	return edge, nil
}

// DeleteRelationship removes one edge by id.
func (tx *Tx) DeleteRelationship(id string) error {
	data := tx.btx.Bucket(bucketEdges).Get([]byte(id))
	if data == nil {
		return nil
	}
	var edge Edge
	if err := json.Unmarshal(data, &edge); err != nil {
		return err
	}
	if err := tx.btx.Bucket(bucketEdgesOut).Delete([]byte(edge.From + idxSep + id)); err != nil {
		return err
	}
	if err := tx.btx.Bucket(bucketEdgesIn).Delete([]byte(edge.To + idxSep + id)); err != nil {
		return err
	}
	return tx.btx.Bucket(bucketEdges).Delete([]byte(id))
}

// OutEdges lists edges leaving a node, optionally restricted by type.
func (tx *Tx) OutEdges(id string, types map[EdgeType]bool) ([]Edge, error) {
	return tx.edgesByIndex(bucketEdgesOut, id, types)
}

// InEdges lists edges arriving at a node, optionally restricted by type.
func (tx *Tx) InEdges(id string, types map[EdgeType]bool) ([]Edge, error) {
	return tx.edgesByIndex(bucketEdgesIn, id, types)
}

func (tx *Tx) edgesByIndex(bucket []byte, id string, types map[EdgeType]bool) ([]Edge, error) {
	var edges []Edge
	prefix := []byte(id + idxSep)
	c := tx.btx.Bucket(bucket).Cursor()
	edgeBucket := tx.btx.Bucket(bucketEdges)
	for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
		data := edgeBucket.Get(v)
		if data == nil {
			continue
		}
		var edge Edge
		if err := json.Unmarshal(data, &edge); err != nil {
			return nil, err
		}
		if types != nil && !types[edge.Type] {
			continue
		}
		edge.Props = normalizeProps(edge.Props)
		edges = append(edges, edge)
	}
	return edges, nil
}

// deleteEdgesTouching removes every edge where id is source or target.
func (tx *Tx) deleteEdgesTouching(id string) error {
	for _, bucket := range [][]byte{bucketEdgesOut, bucketEdgesIn} {
		prefix := []byte(id + idxSep)
		c := tx.btx.Bucket(bucket).Cursor()
		var edgeIDs []string
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			edgeIDs = append(edgeIDs, string(v))
		}
		for _, eid := range edgeIDs {
			if err := tx.DeleteRelationship(eid); err != nil {
				return err
			}
		}
	}
	return nil
}

// NodesByPrefix lists nodes whose id starts with prefix, in id order.
func (tx *Tx) NodesByPrefix(prefix string) ([]*Node, error) {
	var nodes []*Node
	p := []byte(prefix)
	c := tx.btx.Bucket(bucketNodes).Cursor()
	for k, v := c.Seek(p); k != nil && bytes.HasPrefix(k, p); k, v = c.Next() {
		n, err := unmarshalNode(v)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, n)
	}
	return nodes, nil
}

// CountByPrefix counts nodes under an id prefix without decoding.
func (tx *Tx) CountByPrefix(prefix string) int {
	count := 0
	p := []byte(prefix)
	c := tx.btx.Bucket(bucketNodes).Cursor()
	for k, _ := c.Seek(p); k != nil && bytes.HasPrefix(k, p); k, _ = c.Next() {
		count++
	}
	return count
}

// HealthCheck reports whether the database answers a read.
func (s *Store) HealthCheck(ctx context.Context) bool {
	err := s.View(ctx, func(tx *Tx) error {
		_ = tx.btx.Bucket(bucketNodes).Stats()
		return nil
	})
	return err == nil
}

// RunQuery executes a named read query. bbolt has no query language, so
// the read surface is a fixed set of parameterized queries.
//
// Supported: count_nodes, count_edges, nodes_by_kind{kind},
// files_by_repo{repo}, entities_by_name{repo,name}, modules_by_repo{repo},
// repo_stats{repo}.
func (s *Store) RunQuery(ctx context.Context, query string, params map[string]any) ([]map[string]any, error) {
	var rows []map[string]any
	err := s.View(ctx, func(tx *Tx) error {
		switch query {
		case "count_nodes":
			count := 0
			c := tx.btx.Bucket(bucketNodes).Cursor()
			for k, _ := c.First(); k != nil; k, _ = c.Next() {
				count++
			}
			rows = append(rows, map[string]any{"count": int64(count)})
		case "count_edges":
			count := 0
			c := tx.btx.Bucket(bucketEdges).Cursor()
			for k, _ := c.First(); k != nil; k, _ = c.Next() {
				count++
			}
			rows = append(rows, map[string]any{"count": int64(count)})
		case "nodes_by_kind":
			kind, _ := params["kind"].(string)
			nodes, err := tx.NodesByPrefix(kind + ":")
			if err != nil {
				return err
			}
			for _, n := range nodes {
				rows = append(rows, map[string]any{"id": n.ID, "kind": string(n.Kind)})
			}
		case "files_by_repo":
			repo, _ := params["repo"].(string)
			nodes, err := tx.NodesByPrefix(FileID(repo, ""))
			if err != nil {
				return err
			}
			for _, n := range nodes {
				rows = append(rows, map[string]any{"id": n.ID, "path": n.File.Path, "hash": n.File.Hash})
			}
		case "entities_by_name":
			repo, _ := params["repo"].(string)
			name, _ := params["name"].(string)
			for _, kind := range []NodeKind{KindFunction, KindClass} {
				nodes, err := tx.NodesByPrefix(string(kind) + ":" + repo + ":")
				if err != nil {
					return err
				}
				for _, n := range nodes {
					if entityName(n) == name {
						rows = append(rows, map[string]any{"id": n.ID, "kind": string(n.Kind)})
					}
				}
			}
		case "modules_by_repo":
			repo, _ := params["repo"].(string)
			nodes, err := tx.NodesByPrefix("Module:" + repo + ":")
			if err != nil {
				return err
			}
			for _, n := range nodes {
				rows = append(rows, map[string]any{"id": n.ID, "name": n.Module.Name, "type": string(n.Module.Type)})
			}
		case "repo_stats":
			repo, _ := params["repo"].(string)
			rows = append(rows, map[string]any{
				"files":     int64(tx.CountByPrefix(FileID(repo, ""))),
				"functions": int64(tx.CountByPrefix("Function:" + repo + ":")),
				"classes":   int64(tx.CountByPrefix("Class:" + repo + ":")),
				"modules":   int64(tx.CountByPrefix("Module:" + repo + ":")),
				"chunks":    int64(tx.CountByPrefix("Chunk:" + repo + ":")),
			})
		default:
			return errors.NewInputError(
				fmt.Sprintf("Unknown graph query: %s", query),
				"The graph store supports a fixed set of named queries",
				"Use one of: count_nodes, count_edges, nodes_by_kind, files_by_repo, entities_by_name, modules_by_repo, repo_stats",
			)
		}
		return nil
	})
	return rows, err
}

// entityName reads the name of a Function or Class node.
func entityName(n *Node) string {
	switch {
	case n.Function != nil:
		return n.Function.Name
	case n.Class != nil:
		return n.Class.Name
	default:
		return ""
	}
}

// FilePathOfEntity reads the owning file path of an entity node.
func FilePathOfEntity(n *Node) string {
	switch {
	case n.Function != nil:
		return n.Function.File
	case n.Class != nil:
		return n.Class.File
	case n.File != nil:
		return n.File.Path
	case n.Chunk != nil:
		return n.Chunk.File
	default:
		return ""
	}
}

// normalizeProps converts JSON float64 values that are integral back to
// int64, so counters round-trip as integers across the storage boundary.
func normalizeProps(props map[string]any) map[string]any {
	for k, v := range props {
		if f, ok := v.(float64); ok {
			if f == math.Trunc(f) && math.Abs(f) < 1e15 {
				props[k] = int64(f)
			}
		}
	}
	return props
}

// RepoOfNodeID extracts the repository segment of a composite node id.
func RepoOfNodeID(id string) string {
	parts := strings.SplitN(id, ":", 3)
	if len(parts) < 2 {
		return ""
	}
	return parts[1]
}
