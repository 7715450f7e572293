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

package search

import (
	"context"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ckserrors "github.com/kraklabs/cks/internal/errors"
	"github.com/kraklabs/cks/pkg/embedding"
	"github.com/kraklabs/cks/pkg/ingestion"
	"github.com/kraklabs/cks/pkg/vectorstore"
)

type fakeCatalog struct {
	repos []string
}

func (f *fakeCatalog) List() ([]*ingestion.RepoMetadata, error) {
	var out []*ingestion.RepoMetadata
	for _, name := range f.repos {
		out = append(out, &ingestion.RepoMetadata{Name: name, Status: "ready"})
	}
	return out, nil
}

func (f *fakeCatalog) Get(name string) (*ingestion.RepoMetadata, error) {
	for _, r := range f.repos {
		if r == name {
			return &ingestion.RepoMetadata{Name: name, Status: "ready"}, nil
		}
	}
	return nil, nil
}

// fakeSearchStore serves canned results per collection and applies the
// threshold the way the real store does.
type fakeSearchStore struct {
	vectorstore.Store
	hits map[string][]vectorstore.SearchResult
}

func (f *fakeSearchStore) SimilaritySearch(_ context.Context, collection string, _ []float32, k int, threshold float32, _ *vectorstore.Filter) ([]vectorstore.SearchResult, error) {
	var out []vectorstore.SearchResult
	for _, hit := range f.hits[collection] {
		if hit.Score >= threshold {
			out = append(out, hit)
		}
	}
	if len(out) > k {
		out = out[:k]
	}
	return out, nil
}

func hit(repo, path string, idx int, score float32, content string) vectorstore.SearchResult {
	return vectorstore.SearchResult{
		ID:      repo + ":" + path + ":0",
		Score:   score,
		Content: content,
		Metadata: vectorstore.Metadata{
			Repository: repo,
			FilePath:   path,
			ChunkIndex: idx,
		},
	}
}

func newSearchService(store *fakeSearchStore, repos ...string) *Service {
	return NewService(
		embedding.NewMockProvider(8),
		store,
		&fakeCatalog{repos: repos},
		slog.New(slog.DiscardHandler),
	)
}

func TestSearchEmptyRepository(t *testing.T) {
	svc := newSearchService(&fakeSearchStore{hits: map[string][]vectorstore.SearchResult{}}, "r1")

	res, err := svc.Search(context.Background(), Options{Query: "anything", Limit: DefaultLimit})
	require.NoError(t, err)
	assert.Empty(t, res.Results)
	assert.Equal(t, 0, res.Metadata.TotalMatches)
	assert.Equal(t, []string{"r1"}, res.Metadata.RepositoriesSearched)
}

func TestSearchThresholdFiltersResults(t *testing.T) {
	store := &fakeSearchStore{hits: map[string][]vectorstore.SearchResult{
		"repo_r1": {hit("r1", "a.go", 0, 0.6, "some content")},
	}}
	svc := newSearchService(store, "r1")

	res, err := svc.Search(context.Background(), Options{Query: "x", Limit: DefaultLimit, Threshold: 0.7})
	require.NoError(t, err)
	assert.Empty(t, res.Results)
	assert.Equal(t, 0, res.Metadata.TotalMatches)

	res, err = svc.Search(context.Background(), Options{Query: "x", Limit: DefaultLimit, Threshold: 0.5})
	require.NoError(t, err)
	require.Len(t, res.Results, 1)
	assert.Equal(t, "a.go", res.Results[0].FilePath)
}

func TestSearchMergesAcrossRepositories(t *testing.T) {
	store := &fakeSearchStore{hits: map[string][]vectorstore.SearchResult{
		"repo_alpha": {
			hit("alpha", "a.go", 0, 0.9, "top"),
			hit("alpha", "b.go", 0, 0.5, "low"),
		},
		"repo_beta": {
			hit("beta", "c.go", 0, 0.7, "mid"),
		},
	}}
	svc := newSearchService(store, "alpha", "beta")

	res, err := svc.Search(context.Background(), Options{Query: "q", Limit: 2})
	require.NoError(t, err)
	require.Len(t, res.Results, 2)
	assert.Equal(t, "a.go", res.Results[0].FilePath)
	assert.Equal(t, "c.go", res.Results[1].FilePath)
	assert.Equal(t, []string{"alpha", "beta"}, res.Metadata.RepositoriesSearched)
}

func TestSearchScopedToOneRepository(t *testing.T) {
	store := &fakeSearchStore{hits: map[string][]vectorstore.SearchResult{
		"repo_alpha": {hit("alpha", "a.go", 0, 0.9, "x")},
		"repo_beta":  {hit("beta", "c.go", 0, 0.95, "y")},
	}}
	svc := newSearchService(store, "alpha", "beta")

	res, err := svc.Search(context.Background(), Options{Query: "q", Limit: DefaultLimit, Repository: "beta"})
	require.NoError(t, err)
	require.Len(t, res.Results, 1)
	assert.Equal(t, "beta", res.Results[0].Repository)
}

func TestSearchUnknownRepository(t *testing.T) {
	svc := newSearchService(&fakeSearchStore{}, "alpha")
	_, err := svc.Search(context.Background(), Options{Query: "q", Limit: DefaultLimit, Repository: "ghost"})
	var uerr *ckserrors.UserError
	require.ErrorAs(t, err, &uerr)
	assert.Equal(t, ckserrors.KindNotFound, uerr.Kind)
}

func TestSearchSnippetTruncation(t *testing.T) {
	long := strings.Repeat("word ", 200)
	store := &fakeSearchStore{hits: map[string][]vectorstore.SearchResult{
		"repo_r1": {hit("r1", "a.go", 0, 0.9, long)},
	}}
	svc := newSearchService(store, "r1")

	res, err := svc.Search(context.Background(), Options{Query: "q", Limit: DefaultLimit})
	require.NoError(t, err)
	require.Len(t, res.Results, 1)
	assert.LessOrEqual(t, len(res.Results[0].Snippet), 503)
	assert.True(t, strings.HasSuffix(res.Results[0].Snippet, "..."))
}

func TestSearchValidation(t *testing.T) {
	svc := newSearchService(&fakeSearchStore{}, "r1")
	ctx := context.Background()

	cases := []struct {
		name string
		opts Options
	}{
		{"empty query", Options{Query: ""}},
		{"whitespace query", Options{Query: "   "}},
		{"query too long", Options{Query: strings.Repeat("a", 1001)}},
		{"limit zero", Options{Query: "q", Limit: 0}},
		{"limit too high", Options{Query: "q", Limit: 51}},
		{"limit negative", Options{Query: "q", Limit: -1}},
		{"threshold below zero", Options{Query: "q", Threshold: -0.01}},
		{"threshold above one", Options{Query: "q", Threshold: 1.01}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.Search(ctx, tc.opts)
			var uerr *ckserrors.UserError
			require.ErrorAs(t, err, &uerr)
			assert.Equal(t, ckserrors.KindValidation, uerr.Kind)
		})
	}

	// Boundary values that must be accepted.
	accepted := []Options{
		{Query: "a", Limit: DefaultLimit},
		{Query: strings.Repeat("a", 1000), Limit: DefaultLimit},
		{Query: "q", Limit: 1},
		{Query: "q", Limit: 50},
		{Query: "q", Limit: DefaultLimit, Threshold: 0},
		{Query: "q", Limit: DefaultLimit, Threshold: 1},
	}
	for _, opts := range accepted {
		_, err := svc.Search(ctx, opts)
		assert.NoError(t, err)
	}
}
