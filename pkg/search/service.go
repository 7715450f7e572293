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

// Package search answers semantic queries over the embedded chunks.
// A query is embedded once and run against each target repository's
// collection; merged results are ranked by similarity with snippet
// truncation applied before they leave the package.
package search

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/kraklabs/cks/internal/errors"
	"github.com/kraklabs/cks/internal/redact"
	"github.com/kraklabs/cks/pkg/embedding"
	"github.com/kraklabs/cks/pkg/ingestion"
	"github.com/kraklabs/cks/pkg/vectorstore"
)

// Input bounds.
const (
	MaxQueryLength = 1000
	MaxLimit       = 50
	DefaultLimit   = 10
)

// Options is one semantic search request. Zero Threshold means no
// similarity floor. Limit must be within [1, MaxLimit]; callers that
// want the default pass DefaultLimit explicitly, so an out-of-range
// value is always a validation error rather than silently coerced.
type Options struct {
	Query      string
	Repository string
	Limit      int
	Threshold  float32
	PathPrefix string
	Extension  string
}

// Match is one ranked hit.
type Match struct {
	Repository string  `json:"repository"`
	FilePath   string  `json:"file_path"`
	Score      float32 `json:"score"`
	Snippet    string  `json:"snippet"`
	ChunkIndex int     `json:"chunk_index"`
	StartLine  int     `json:"start_line"`
	EndLine    int     `json:"end_line"`
}

// Meta describes how a search was answered.
type Meta struct {
	TotalMatches         int      `json:"total_matches"`
	RepositoriesSearched []string `json:"repositories_searched"`
	QueryTimeMs          int64    `json:"query_time_ms"`
}

// Result is the full search response.
type Result struct {
	Results  []Match `json:"results"`
	Metadata Meta    `json:"metadata"`
}

// RepositoryLister enumerates indexed repositories. *ingestion.Catalog
// satisfies it.
type RepositoryLister interface {
	List() ([]*ingestion.RepoMetadata, error)
	Get(name string) (*ingestion.RepoMetadata, error)
}

// Service runs semantic searches.
type Service struct {
	provider embedding.Provider
	store    vectorstore.Store
	catalog  RepositoryLister
	logger   *slog.Logger
}

func NewService(provider embedding.Provider, store vectorstore.Store, catalog RepositoryLister, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{provider: provider, store: store, catalog: catalog, logger: logger}
}

// Search embeds the query and ranks matching chunks across the target
// repositories.
func (s *Service) Search(ctx context.Context, opts Options) (*Result, error) {
	if err := validate(&opts); err != nil {
		return nil, err
	}

	repos, err := s.targetRepos(opts.Repository)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	result := &Result{
		Results:  []Match{},
		Metadata: Meta{RepositoriesSearched: repos},
	}
	if len(repos) == 0 {
		return result, nil
	}

	vectors, err := s.provider.Embed(ctx, []string{opts.Query})
	if err != nil {
		return nil, errors.NewNetworkError(
			"Embedding the query failed",
			redact.String(err.Error()),
			"Check the embedding provider configuration and connectivity",
			redact.Error(err),
		)
	}
	queryVector := vectors[0]

	filter := &vectorstore.Filter{
		FilePrefix:    opts.PathPrefix,
		FileExtension: opts.Extension,
	}

	var all []Match
	for _, repo := range repos {
		collection := vectorstore.CollectionName(repo)
		hits, err := s.store.SimilaritySearch(ctx, collection, queryVector, opts.Limit, opts.Threshold, filter)
		if err != nil {
			// A repository whose collection is missing or unreachable
			// costs its results, not the whole search.
			s.logger.Warn("search.repo.failed", "repository", repo, "err", redact.Error(err))
			continue
		}
		for _, hit := range hits {
			all = append(all, Match{
				Repository: hit.Metadata.Repository,
				FilePath:   hit.Metadata.FilePath,
				Score:      hit.Score,
				Snippet:    vectorstore.Snippet(hit.Content),
				ChunkIndex: hit.Metadata.ChunkIndex,
				StartLine:  hit.Metadata.ChunkStartLine,
				EndLine:    hit.Metadata.ChunkEndLine,
			})
		}
	}

	sort.SliceStable(all, func(i, j int) bool {
		if all[i].Score != all[j].Score {
			return all[i].Score > all[j].Score
		}
		if all[i].Repository != all[j].Repository {
			return all[i].Repository < all[j].Repository
		}
		if all[i].FilePath != all[j].FilePath {
			return all[i].FilePath < all[j].FilePath
		}
		return all[i].ChunkIndex < all[j].ChunkIndex
	})
	if len(all) > opts.Limit {
		all = all[:opts.Limit]
	}

	result.Results = all
	result.Metadata.TotalMatches = len(all)
	result.Metadata.QueryTimeMs = time.Since(start).Milliseconds()
	recordSearch(time.Since(start).Seconds())
	s.logger.Debug("search.complete",
		"repositories", len(repos),
		"matches", len(all),
		"duration_ms", result.Metadata.QueryTimeMs,
	)
	return result, nil
}

// targetRepos resolves the search scope: one named repository, or all
// cataloged ones.
func (s *Service) targetRepos(name string) ([]string, error) {
	if name != "" {
		meta, err := s.catalog.Get(name)
		if err != nil {
			return nil, err
		}
		if meta == nil {
			return nil, errors.NewNotFoundError(
				fmt.Sprintf("Repository not found: %s", name),
				"no indexed repository has that name",
				"Run `cks status` to list indexed repositories",
			)
		}
		return []string{name}, nil
	}

	metas, err := s.catalog.List()
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(metas))
	for _, m := range metas {
		names = append(names, m.Name)
	}
	return names, nil
}

func validate(opts *Options) error {
	query := strings.TrimSpace(opts.Query)
	if query == "" {
		return errors.NewInputError(
			"Query must not be empty",
			"an empty query matches nothing",
			"Provide a search query between 1 and 1000 characters",
		)
	}
	if len(opts.Query) > MaxQueryLength {
		return errors.NewInputError(
			fmt.Sprintf("Query too long: %d characters", len(opts.Query)),
			fmt.Sprintf("the maximum query length is %d characters", MaxQueryLength),
			"Shorten the query",
		)
	}
	if opts.Limit < 1 || opts.Limit > MaxLimit {
		return errors.NewInputError(
			fmt.Sprintf("Limit out of range: %d", opts.Limit),
			fmt.Sprintf("limit must be between 1 and %d", MaxLimit),
			"Use a limit within range",
		)
	}
	if opts.Threshold < 0 || opts.Threshold > 1 {
		return errors.NewInputError(
			fmt.Sprintf("Threshold out of range: %g", opts.Threshold),
			"similarity thresholds are between 0 and 1",
			"Use a threshold within [0, 1]",
		)
	}
	return nil
}
