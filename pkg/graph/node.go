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

// Package graph stores the code knowledge graph: typed nodes for
// repositories, files, code entities, modules and chunks, and directed
// typed edges between them, persisted in bbolt. Node ids are
// deterministic composites so re-ingest is idempotent.
package graph

import (
	"encoding/json"
	"fmt"
	"time"
)

// NodeKind tags the node variant.
type NodeKind string

const (
	KindRepository NodeKind = "Repository"
	KindFile       NodeKind = "File"
	KindFunction   NodeKind = "Function"
	KindClass      NodeKind = "Class"
	KindModule     NodeKind = "Module"
	KindChunk      NodeKind = "Chunk"
	KindConcept    NodeKind = "Concept"
)

// EdgeType tags the relationship variant.
type EdgeType string

const (
	EdgeContains   EdgeType = "CONTAINS"
	EdgeDefines    EdgeType = "DEFINES"
	EdgeImports    EdgeType = "IMPORTS"
	EdgeCalls      EdgeType = "CALLS"
	EdgeExtends    EdgeType = "EXTENDS"
	EdgeImplements EdgeType = "IMPLEMENTS"
	EdgeReferences EdgeType = "REFERENCES"
	EdgeHasChunk   EdgeType = "HAS_CHUNK"
	EdgeTaggedWith EdgeType = "TAGGED_WITH"
	EdgeRelatedTo  EdgeType = "RELATED_TO"
)

// RepoStatus is the Repository node lifecycle state.
type RepoStatus string

const (
	StatusPending  RepoStatus = "pending"
	StatusIndexing RepoStatus = "indexing"
	StatusReady    RepoStatus = "ready"
	StatusError    RepoStatus = "error"
)

// Node is one vertex in the knowledge graph. Exactly one of the typed
// payload pointers is set, matching Kind.
type Node struct {
	ID   string   `json:"id"`
	Kind NodeKind `json:"kind"`

	Repository *RepositoryNode `json:"repository,omitempty"`
	File       *FileNode       `json:"file,omitempty"`
	Function   *FunctionNode   `json:"function,omitempty"`
	Class      *ClassNode      `json:"class,omitempty"`
	Module     *ModuleNode     `json:"module,omitempty"`
	Chunk      *ChunkNode      `json:"chunk,omitempty"`
	Concept    *ConceptNode    `json:"concept,omitempty"`
}

type RepositoryNode struct {
	Name        string     `json:"name"`
	URL         string     `json:"url"`
	Branch      string     `json:"branch,omitempty"`
	Status      RepoStatus `json:"status"`
	LastIndexed time.Time  `json:"last_indexed,omitzero"`
	FileCount   int        `json:"file_count,omitempty"`
	ChunkCount  int        `json:"chunk_count,omitempty"`
}

type FileNode struct {
	Repo      string    `json:"repo"`
	Path      string    `json:"path"`
	Extension string    `json:"extension"`
	Hash      string    `json:"hash"`
	SizeBytes int64     `json:"size_bytes,omitempty"`
	ModTime   time.Time `json:"mod_time,omitzero"`
}

type FunctionNode struct {
	Repo      string `json:"repo"`
	File      string `json:"file"`
	Name      string `json:"name"`
	Signature string `json:"signature,omitempty"`
	StartLine int    `json:"start_line"`
	EndLine   int    `json:"end_line"`
	Async     bool   `json:"async,omitempty"`
	Exported  bool   `json:"exported,omitempty"`
}

// ClassKind distinguishes the class-like variants stored in one node kind.
type ClassKind string

const (
	ClassKindClass     ClassKind = "class"
	ClassKindInterface ClassKind = "interface"
	ClassKindEnum      ClassKind = "enum"
	ClassKindType      ClassKind = "type"
)

type ClassNode struct {
	Repo      string    `json:"repo"`
	File      string    `json:"file"`
	Name      string    `json:"name"`
	Kind      ClassKind `json:"kind"`
	StartLine int       `json:"start_line"`
	EndLine   int       `json:"end_line"`
	Exported  bool      `json:"exported,omitempty"`
}

// ModuleType classifies an imported module's origin.
type ModuleType string

const (
	ModuleNPM     ModuleType = "npm"
	ModuleLocal   ModuleType = "local"
	ModuleBuiltin ModuleType = "builtin"
)

type ModuleNode struct {
	Repo    string     `json:"repo"`
	Name    string     `json:"name"`
	Type    ModuleType `json:"type"`
	Version string     `json:"version,omitempty"`
}

type ChunkNode struct {
	Repo       string `json:"repo"`
	File       string `json:"file"`
	ChunkIndex int    `json:"chunk_index"`
	VectorID   string `json:"vector_id"`
	StartLine  int    `json:"start_line,omitempty"`
	EndLine    int    `json:"end_line,omitempty"`
}

type ConceptNode struct {
	Name        string  `json:"name"`
	Description string  `json:"description,omitempty"`
	Confidence  float64 `json:"confidence,omitempty"`
}

// Edge is one directed typed relationship.
type Edge struct {
	ID    string         `json:"id"`
	From  string         `json:"from"`
	To    string         `json:"to"`
	Type  EdgeType       `json:"type"`
	Props map[string]any `json:"props,omitempty"`
}

// Node id constructors. Format: {Kind}:{repo}:{filePath}[:name[:startLine]].

func RepositoryID(name string) string { return fmt.Sprintf("Repository:%s", name) }

func FileID(repo, path string) string { return fmt.Sprintf("File:%s:%s", repo, path) }

func FunctionID(repo, file, name string, startLine int) string {
	return fmt.Sprintf("Function:%s:%s:%s:%d", repo, file, name, startLine)
}

func ClassID(repo, file, name string, startLine int) string {
	return fmt.Sprintf("Class:%s:%s:%s:%d", repo, file, name, startLine)
}

func ModuleID(repo, name string) string { return fmt.Sprintf("Module:%s:%s", repo, name) }

func ChunkID(repo, file string, chunkIndex int) string {
	return fmt.Sprintf("Chunk:%s:%s:%d", repo, file, chunkIndex)
}

func ConceptID(name string) string { return fmt.Sprintf("Concept:%s", name) }

// ExternalClassID is the sentinel target for supertypes that resolve to
// nothing inside the repository.
func ExternalClassID(repo, name string) string {
	return fmt.Sprintf("Class:%s:external:%s:0", repo, name)
}

// UnknownModuleID is the sentinel target for unresolved call targets.
func UnknownModuleID(repo string) string { return fmt.Sprintf("Module:%s:unknown", repo) }

// EdgeID is deterministic over the endpoints and type, making edge
// upserts idempotent.
func EdgeID(edgeType EdgeType, from, to string) string {
	return fmt.Sprintf("%s|%s|%s", edgeType, from, to)
}

// NewEdge builds an edge with its deterministic id.
func NewEdge(edgeType EdgeType, from, to string, props map[string]any) Edge {
	return Edge{
		ID:    EdgeID(edgeType, from, to),
		From:  from,
		To:    to,
		Type:  edgeType,
		Props: props,
	}
}

// Validate checks that exactly one payload matches the kind.
func (n *Node) Validate() error {
	if n.ID == "" {
		return fmt.Errorf("node has empty id")
	}
	set := 0
	for _, ok := range []bool{
		n.Repository != nil, n.File != nil, n.Function != nil,
		n.Class != nil, n.Module != nil, n.Chunk != nil, n.Concept != nil,
	} {
		if ok {
			set++
		}
	}
	if set != 1 {
		return fmt.Errorf("node %s: exactly one payload must be set, got %d", n.ID, set)
	}
	expect := map[NodeKind]bool{
		KindRepository: n.Repository != nil,
		KindFile:       n.File != nil,
		KindFunction:   n.Function != nil,
		KindClass:      n.Class != nil,
		KindModule:     n.Module != nil,
		KindChunk:      n.Chunk != nil,
		KindConcept:    n.Concept != nil,
	}
	if !expect[n.Kind] {
		return fmt.Errorf("node %s: payload does not match kind %s", n.ID, n.Kind)
	}
	return nil
}

func (n *Node) marshal() ([]byte, error) { return json.Marshal(n) }

func unmarshalNode(data []byte) (*Node, error) {
	var n Node
	if err := json.Unmarshal(data, &n); err != nil {
		return nil, err
	}
	return &n, nil
}
