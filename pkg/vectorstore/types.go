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

// Package vectorstore persists embedded text chunks in Qdrant and serves
// similarity queries over them. One collection per repository, named
// repo_{name}; document ids are {repo}:{filePath}:{chunkIndex}.
package vectorstore

import (
	"context"
	"regexp"
	"strings"
	"time"
)

// Metadata is the payload stored alongside every chunk vector.
type Metadata struct {
	FilePath       string    `json:"file_path"`
	Repository     string    `json:"repository"`
	ChunkIndex     int       `json:"chunk_index"`
	TotalChunks    int       `json:"total_chunks"`
	FileExtension  string    `json:"file_extension"`
	FileSizeBytes  int64     `json:"file_size_bytes"`
	ChunkStartLine int       `json:"chunk_start_line"`
	ChunkEndLine   int       `json:"chunk_end_line"`
	ContentHash    string    `json:"content_hash"`
	IndexedAt      time.Time `json:"indexed_at"`
	FileModifiedAt time.Time `json:"file_modified_at"`
}

// Document is one embedded chunk ready for upsert.
type Document struct {
	// ID is the logical id {repo}:{filePath}:{chunkIndex}. The store maps
	// it to a deterministic UUID point id; the logical id stays in the
	// payload for round-tripping.
	ID       string
	Vector   []float32
	Content  string
	Metadata Metadata
}

// SearchResult is one similarity hit.
type SearchResult struct {
	ID       string
	Score    float32
	Content  string
	Metadata Metadata
}

// Filter narrows a similarity search by payload fields. Zero values
// mean no constraint.
type Filter struct {
	Repository    string
	FilePrefix    string
	FileExtension string
}

// Stats summarizes a collection.
type Stats struct {
	Name        string
	PointsCount uint64
	Status      string
}

// Store is the vector store contract. Ingestion and search depend on
// this interface so tests can substitute an in-memory fake.
type Store interface {
	// GetOrCreateCollection ensures the collection exists with the given
	// vector width. Existing collections are left untouched.
	GetOrCreateCollection(ctx context.Context, name string, dims int) error

	// DeleteCollection drops a collection and all its points.
	DeleteCollection(ctx context.Context, name string) error

	// Upsert writes documents, idempotent by document id.
	Upsert(ctx context.Context, collection string, docs []Document) error

	// Delete removes documents by logical id.
	Delete(ctx context.Context, collection string, ids []string) error

	// DeleteByFilePrefix removes every chunk whose logical id starts
	// with {repo}:{pathPrefix}, returning the number removed. Passing
	// "{filePath}:" sweeps exactly one file; passing a directory prefix
	// sweeps a subtree.
	DeleteByFilePrefix(ctx context.Context, collection, repo, pathPrefix string) (int, error)

	// SimilaritySearch returns up to k results with score >= threshold,
	// ordered by descending score, ties broken by id ascending.
	SimilaritySearch(ctx context.Context, collection string, queryVector []float32, k int, threshold float32, filter *Filter) ([]SearchResult, error)

	// GetStats reports point counts for a collection.
	GetStats(ctx context.Context, collection string) (*Stats, error)

	// HealthCheck reports whether the store answers requests.
	HealthCheck(ctx context.Context) bool

	// Close releases the underlying connection.
	Close() error
}

var collectionCleanRe = regexp.MustCompile(`[^a-z0-9_-]+`)

// CollectionName derives the collection for a repository: repo_{name},
// lowercased with unsupported characters collapsed to underscores.
func CollectionName(repository string) string {
	name := strings.ToLower(strings.TrimSpace(repository))
	name = collectionCleanRe.ReplaceAllString(name, "_")
	name = strings.Trim(name, "_")
	if name == "" {
		name = "default"
	}
	return "repo_" + name
}

// maxSnippetLen caps the content returned to search consumers.
const maxSnippetLen = 500

// Snippet truncates content to at most 500 characters, cutting at the
// last whitespace boundary and appending "..." when truncated.
func Snippet(content string) string {
	if len(content) <= maxSnippetLen {
		return content
	}
	cut := content[:maxSnippetLen]
	if idx := strings.LastIndexFunc(cut, func(r rune) bool {
		return r == ' ' || r == '\t' || r == '\n' || r == '\r'
	}); idx > 0 {
		cut = cut[:idx]
	}
	return strings.TrimRight(cut, " \t\n\r") + "..."
}
