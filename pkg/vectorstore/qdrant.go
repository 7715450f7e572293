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

package vectorstore

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/qdrant/go-client/qdrant"

	"github.com/kraklabs/cks/internal/errors"
)

// Config holds the Qdrant connection settings.
type Config struct {
	Host   string `yaml:"host"`
	Port   int    `yaml:"port"`
	APIKey string `yaml:"apiKey"`
	UseTLS bool   `yaml:"useTLS"`
}

// QdrantStore implements Store over the Qdrant gRPC API.
type QdrantStore struct {
	client *qdrant.Client
	logger *slog.Logger
}

// scrollPageSize bounds each page when sweeping points by file prefix.
const scrollPageSize = 512

// NewQdrantStore connects to Qdrant. The gRPC dial is lazy; use
// HealthCheck to verify reachability.
func NewQdrantStore(cfg Config, logger *slog.Logger) (*QdrantStore, error) {
	if cfg.Host == "" {
		cfg.Host = "localhost"
	}
	if cfg.Port == 0 {
		cfg.Port = 6334
	}
	if logger == nil {
		logger = slog.Default()
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   cfg.Host,
		Port:   cfg.Port,
		APIKey: cfg.APIKey,
		UseTLS: cfg.UseTLS,
	})
	if err != nil {
		return nil, errors.NewStoreError(
			"Cannot create vector store client",
			fmt.Sprintf("qdrant client for %s:%d failed to initialize", cfg.Host, cfg.Port),
			"Check the vectorStore host and port in the config",
			err,
		)
	}
	return &QdrantStore{client: client, logger: logger}, nil
}

// GetOrCreateCollection implements Store.
func (s *QdrantStore) GetOrCreateCollection(ctx context.Context, name string, dims int) error {
	exists, err := s.client.CollectionExists(ctx, name)
	if err != nil {
		return storeErr("check collection", name, err)
	}
	if exists {
		return nil
	}

	err = s.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: name,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     uint64(dims),
			Distance: qdrant.Distance_Cosine,
		}),
	})
	if err != nil {
		// A concurrent creator winning the race is fine.
		if already, checkErr := s.client.CollectionExists(ctx, name); checkErr == nil && already {
			return nil
		}
		return storeErr("create collection", name, err)
	}
	s.logger.Info("vectorstore.collection_created", "collection", name, "dims", dims)
	return nil
}

// DeleteCollection implements Store.
func (s *QdrantStore) DeleteCollection(ctx context.Context, name string) error {
	if err := s.client.DeleteCollection(ctx, name); err != nil {
		return storeErr("delete collection", name, err)
	}
	return nil
}

// Upsert implements Store. Writes wait for durability so a subsequent
// search sees the new points.
func (s *QdrantStore) Upsert(ctx context.Context, collection string, docs []Document) error {
	if len(docs) == 0 {
		return nil
	}
	points := make([]*qdrant.PointStruct, len(docs))
	for i, doc := range docs {
		points[i] = &qdrant.PointStruct{
			Id:      qdrant.NewIDUUID(PointID(doc.ID)),
			Vectors: qdrant.NewVectors(doc.Vector...),
			Payload: qdrant.NewValueMap(payloadFromDoc(doc)),
		}
	}

	_, err := s.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: collection,
		Points:         points,
		Wait:           qdrant.PtrOf(true),
	})
	if err != nil {
		return storeErr("upsert", collection, err)
	}
	return nil
}

// Delete implements Store.
func (s *QdrantStore) Delete(ctx context.Context, collection string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	pointIDs := make([]*qdrant.PointId, len(ids))
	for i, id := range ids {
		pointIDs[i] = qdrant.NewIDUUID(PointID(id))
	}

	_, err := s.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: collection,
		Points:         qdrant.NewPointsSelector(pointIDs...),
		Wait:           qdrant.PtrOf(true),
	})
	if err != nil {
		return storeErr("delete", collection, err)
	}
	return nil
}

// DeleteByFilePrefix implements Store. Qdrant has no keyword prefix
// filter without a text index, so the sweep scrolls the repository's
// points and matches the logical id prefix client-side, deleting page
// by page.
func (s *QdrantStore) DeleteByFilePrefix(ctx context.Context, collection, repo, pathPrefix string) (int, error) {
	filter := &qdrant.Filter{
		Must: []*qdrant.Condition{qdrant.NewMatch("repository", repo)},
	}

	deleted := 0
	var offset *qdrant.PointId
	seen := make(map[string]struct{})
	for {
		points, err := s.client.Scroll(ctx, &qdrant.ScrollPoints{
			CollectionName: collection,
			Filter:         filter,
			Limit:          qdrant.PtrOf(uint32(scrollPageSize)),
			Offset:         offset,
			WithPayload:    qdrant.NewWithPayload(true),
		})
		if err != nil {
			return deleted, storeErr("scroll", collection, err)
		}
		if len(points) == 0 {
			break
		}

		var matched []*qdrant.PointId
		progressed := false
		for _, p := range points {
			key := p.GetId().String()
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			progressed = true
			docID := p.GetPayload()["doc_id"].GetStringValue()
			if strings.HasPrefix(docID, repo+":"+pathPrefix) {
				matched = append(matched, p.GetId())
			}
		}
		if len(matched) > 0 {
			_, err := s.client.Delete(ctx, &qdrant.DeletePoints{
				CollectionName: collection,
				Points:         qdrant.NewPointsSelector(matched...),
				Wait:           qdrant.PtrOf(true),
			})
			if err != nil {
				return deleted, storeErr("delete by prefix", collection, err)
			}
			deleted += len(matched)
		}
		if len(points) < scrollPageSize || !progressed {
			break
		}
		// Resume from the last id of the page; the duplicate first entry
		// on the next page is skipped via seen.
		offset = points[len(points)-1].GetId()
	}
	return deleted, nil
}

// SimilaritySearch implements Store.
func (s *QdrantStore) SimilaritySearch(ctx context.Context, collection string, queryVector []float32, k int, threshold float32, filter *Filter) ([]SearchResult, error) {
	query := &qdrant.QueryPoints{
		CollectionName: collection,
		Query:          qdrant.NewQuery(queryVector...),
		Limit:          qdrant.PtrOf(uint64(k)),
		WithPayload:    qdrant.NewWithPayload(true),
	}
	if threshold > 0 {
		query.ScoreThreshold = qdrant.PtrOf(threshold)
	}
	if qf := buildFilter(filter); qf != nil {
		query.Filter = qf
	}

	points, err := s.client.Query(ctx, query)
	if err != nil {
		return nil, storeErr("query", collection, err)
	}

	results := make([]SearchResult, 0, len(points))
	for _, p := range points {
		r := resultFromPayload(p.GetPayload())
		r.Score = p.GetScore()
		if r.Score < threshold {
			continue
		}
		// The prefix constraint is applied client-side, same as deletion.
		if filter != nil && filter.FilePrefix != "" && !strings.HasPrefix(r.Metadata.FilePath, filter.FilePrefix) {
			continue
		}
		results = append(results, r)
	}
	sortResults(results)
	return results, nil
}

// GetStats implements Store.
func (s *QdrantStore) GetStats(ctx context.Context, collection string) (*Stats, error) {
	info, err := s.client.GetCollectionInfo(ctx, collection)
	if err != nil {
		return nil, storeErr("collection info", collection, err)
	}
	stats := &Stats{Name: collection, Status: info.GetStatus().String()}
	if pc := info.GetPointsCount(); pc != 0 {
		stats.PointsCount = pc
	}
	return stats, nil
}

// HealthCheck implements Store.
func (s *QdrantStore) HealthCheck(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	_, err := s.client.HealthCheck(ctx)
	return err == nil
}

// Close implements Store.
func (s *QdrantStore) Close() error {
	return s.client.Close()
}

// buildFilter converts the portable filter to a Qdrant filter. The
// FilePrefix constraint stays client-side.
func buildFilter(f *Filter) *qdrant.Filter {
	if f == nil {
		return nil
	}
	var must []*qdrant.Condition
	if f.Repository != "" {
		must = append(must, qdrant.NewMatch("repository", f.Repository))
	}
	if f.FileExtension != "" {
		must = append(must, qdrant.NewMatch("file_extension", f.FileExtension))
	}
	if len(must) == 0 {
		return nil
	}
	return &qdrant.Filter{Must: must}
}

// sortResults orders by score descending, ties broken by id ascending.
// Qdrant already sorts by score; the pass pins the tie order.
func sortResults(results []SearchResult) {
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].ID < results[j].ID
	})
}

// payloadFromDoc flattens a document into the stored payload map.
func payloadFromDoc(doc Document) map[string]any {
	m := doc.Metadata
	return map[string]any{
		"doc_id":           doc.ID,
		"content":          doc.Content,
		"file_path":        m.FilePath,
		"repository":       m.Repository,
		"chunk_index":      int64(m.ChunkIndex),
		"total_chunks":     int64(m.TotalChunks),
		"file_extension":   m.FileExtension,
		"file_size_bytes":  m.FileSizeBytes,
		"chunk_start_line": int64(m.ChunkStartLine),
		"chunk_end_line":   int64(m.ChunkEndLine),
		"content_hash":     m.ContentHash,
		"indexed_at":       m.IndexedAt.UTC().Format(time.RFC3339),
		"file_modified_at": m.FileModifiedAt.UTC().Format(time.RFC3339),
	}
}

// resultFromPayload reverses payloadFromDoc.
func resultFromPayload(p map[string]*qdrant.Value) SearchResult {
	r := SearchResult{
		ID:      p["doc_id"].GetStringValue(),
		Content: p["content"].GetStringValue(),
		Metadata: Metadata{
			FilePath:       p["file_path"].GetStringValue(),
			Repository:     p["repository"].GetStringValue(),
			ChunkIndex:     int(p["chunk_index"].GetIntegerValue()),
			TotalChunks:    int(p["total_chunks"].GetIntegerValue()),
			FileExtension:  p["file_extension"].GetStringValue(),
			FileSizeBytes:  p["file_size_bytes"].GetIntegerValue(),
			ChunkStartLine: int(p["chunk_start_line"].GetIntegerValue()),
			ChunkEndLine:   int(p["chunk_end_line"].GetIntegerValue()),
			ContentHash:    p["content_hash"].GetStringValue(),
		},
	}
	if t, err := time.Parse(time.RFC3339, p["indexed_at"].GetStringValue()); err == nil {
		r.Metadata.IndexedAt = t
	}
	if t, err := time.Parse(time.RFC3339, p["file_modified_at"].GetStringValue()); err == nil {
		r.Metadata.FileModifiedAt = t
	}
	return r
}

// storeErr wraps a Qdrant failure as a retryable store error.
func storeErr(op, collection string, err error) error {
	return errors.NewStoreError(
		fmt.Sprintf("Vector store %s failed", op),
		fmt.Sprintf("collection %q: %v", collection, err),
		"Verify qdrant is running and reachable, then retry",
		err,
	)
}
