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

package mcp

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/kraklabs/cks/internal/redact"
	"github.com/kraklabs/cks/pkg/graphquery"
	"github.com/kraklabs/cks/pkg/ingestion"
	"github.com/kraklabs/cks/pkg/search"
)

// Query bounds enforced at the tool boundary.
const (
	defaultDepth   = 3
	maxDepth       = 5
	defaultMaxHops = 10
	maxHopLimit    = 20
)

// toolCatalog lists every exposed tool with its input schema.
func toolCatalog() []tool {
	return []tool{
		{
			Name:        "semantic_search",
			Description: "Search indexed code by meaning. Returns the best-matching chunks with file paths, line ranges and similarity scores.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"query":            map[string]any{"type": "string", "description": "Natural-language or code query (1-1000 characters)"},
					"repository":       map[string]any{"type": "string", "description": "Limit the search to one repository; all repositories when omitted"},
					"limit":            map[string]any{"type": "integer", "description": "Maximum results (1-50, default 10)"},
					"score_threshold":  map[string]any{"type": "number", "description": "Minimum similarity score (0-1)"},
					"file_path_prefix": map[string]any{"type": "string", "description": "Only match files under this path prefix"},
					"file_extension":   map[string]any{"type": "string", "description": "Only match files with this extension, e.g. .go"},
				},
				"required": []string{"query"},
			},
		},
		{
			Name:        "get_dependencies",
			Description: "List what a class, function or file depends on, directly or transitively.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"entity":             map[string]any{"type": "string", "description": "Entity name or file path"},
					"repository":         map[string]any{"type": "string", "description": "Repository to query"},
					"depth":              map[string]any{"type": "integer", "description": "Traversal depth (1-5, default 3)"},
					"relationship_types": map[string]any{"type": "array", "items": map[string]any{"type": "string"}, "description": "Edge types to follow, e.g. calls, imports, inherits"},
				},
				"required": []string{"entity", "repository"},
			},
		},
		{
			Name:        "get_dependents",
			Description: "List what depends on an entity, with an impact analysis of changing it.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"entity":             map[string]any{"type": "string", "description": "Entity name or file path"},
					"repository":         map[string]any{"type": "string", "description": "Repository to query"},
					"depth":              map[string]any{"type": "integer", "description": "Traversal depth (1-5, default 3)"},
					"include_cross_repo": map[string]any{"type": "boolean", "description": "Include dependents from other repositories"},
				},
				"required": []string{"entity", "repository"},
			},
		},
		{
			Name:        "get_path",
			Description: "Find the shortest dependency path between two entities.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"from_entity":        map[string]any{"type": "string", "description": "Start entity name or file path"},
					"to_entity":          map[string]any{"type": "string", "description": "Target entity name or file path"},
					"repository":         map[string]any{"type": "string", "description": "Repository to query"},
					"max_hops":           map[string]any{"type": "integer", "description": "Longest path considered (1-20, default 10)"},
					"relationship_types": map[string]any{"type": "array", "items": map[string]any{"type": "string"}, "description": "Edge types to follow"},
				},
				"required": []string{"from_entity", "to_entity", "repository"},
			},
		},
		{
			Name:        "get_architecture",
			Description: "Summarize a repository's structure: modules, packages, files or entities with their relationships.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"repository":       map[string]any{"type": "string", "description": "Repository to summarize"},
					"scope":            map[string]any{"type": "string", "description": "Restrict to files under this path prefix"},
					"detail_level":     map[string]any{"type": "string", "description": "modules, packages, files or entities (default packages)"},
					"include_external": map[string]any{"type": "boolean", "description": "Include external/third-party nodes"},
				},
				"required": []string{"repository"},
			},
		},
		{
			Name:        "get_graph_metrics",
			Description: "Report knowledge-graph statistics for a repository: node and edge counts, most-connected entities.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"repository": map[string]any{"type": "string", "description": "Repository to inspect"},
				},
				"required": []string{"repository"},
			},
		},
		{
			Name:        "index_repository",
			Description: "Index a git URL or local folder into the knowledge base. Runs in the background; poll get_job_status with the returned job_id.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"source": map[string]any{"type": "string", "description": "Clone URL or absolute local path"},
					"name":   map[string]any{"type": "string", "description": "Repository name override"},
					"branch": map[string]any{"type": "string", "description": "Branch to index (remote sources)"},
					"force":  map[string]any{"type": "boolean", "description": "Purge existing state and re-index from scratch"},
				},
				"required": []string{"source"},
			},
		},
		{
			Name:        "update_repository",
			Description: "Incrementally re-index a repository: pull new commits or re-hash a folder and apply only the delta. Runs in the background.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"repository": map[string]any{"type": "string", "description": "Repository to update"},
					"force":      map[string]any{"type": "boolean", "description": "Full re-index instead of a delta"},
				},
				"required": []string{"repository"},
			},
		},
		{
			Name:        "list_repositories",
			Description: "List indexed repositories with their status and index statistics.",
			InputSchema: map[string]any{
				"type":       "object",
				"properties": map[string]any{},
			},
		},
		{
			Name:        "remove_repository",
			Description: "Remove a repository and all of its indexed data.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"repository": map[string]any{"type": "string", "description": "Repository to remove"},
				},
				"required": []string{"repository"},
			},
		},
		{
			Name:        "get_job_status",
			Description: "Check a background indexing job. Returns its status and, once finished, the full result.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"job_id": map[string]any{"type": "string", "description": "Job id returned by index_repository or update_repository"},
				},
				"required": []string{"job_id"},
			},
		},
	}
}

func (s *Server) handleSemanticSearch(ctx context.Context, args map[string]any) *toolResult {
	// The default applies only when the key is absent; an explicit
	// limit of 0 passes through and fails validation.
	limit := search.DefaultLimit
	if _, ok := args["limit"]; ok {
		limit = intArg(args, "limit", 0)
	}
	res, err := s.search.Search(ctx, search.Options{
		Query:      stringArg(args, "query", ""),
		Repository: stringArg(args, "repository", ""),
		Limit:      limit,
		Threshold:  float32(floatArg(args, "score_threshold", 0)),
		PathPrefix: stringArg(args, "file_path_prefix", ""),
		Extension:  stringArg(args, "file_extension", ""),
	})
	if err != nil {
		return serviceError(err)
	}
	return jsonResult(res)
}

func (s *Server) handleGetDependencies(ctx context.Context, args map[string]any) *toolResult {
	entity, repo, bad := entityAndRepo(args, "entity")
	if bad != nil {
		return bad
	}
	depth := intArg(args, "depth", defaultDepth)
	if depth < 1 || depth > maxDepth {
		return errorResult(fmt.Sprintf("depth must be between 1 and %d", maxDepth))
	}
	res, err := s.graph.GetDependencies(ctx, graphquery.DependenciesInput{
		Entity:            entity,
		Repository:        repo,
		Depth:             depth,
		RelationshipTypes: stringListArg(args, "relationship_types"),
	})
	if err != nil {
		return serviceError(err)
	}
	return jsonResult(res)
}

func (s *Server) handleGetDependents(ctx context.Context, args map[string]any) *toolResult {
	entity, repo, bad := entityAndRepo(args, "entity")
	if bad != nil {
		return bad
	}
	depth := intArg(args, "depth", defaultDepth)
	if depth < 1 || depth > maxDepth {
		return errorResult(fmt.Sprintf("depth must be between 1 and %d", maxDepth))
	}
	res, err := s.graph.GetDependents(ctx, graphquery.DependentsInput{
		Entity:           entity,
		Repository:       repo,
		Depth:            depth,
		IncludeCrossRepo: boolArg(args, "include_cross_repo", false),
	})
	if err != nil {
		return serviceError(err)
	}
	return jsonResult(res)
}

func (s *Server) handleGetPath(ctx context.Context, args map[string]any) *toolResult {
	from := strings.TrimSpace(stringArg(args, "from_entity", ""))
	to := strings.TrimSpace(stringArg(args, "to_entity", ""))
	repo := strings.TrimSpace(stringArg(args, "repository", ""))
	if from == "" || to == "" || repo == "" {
		return errorResult("from_entity, to_entity and repository are required")
	}
	hops := intArg(args, "max_hops", defaultMaxHops)
	if hops < 1 || hops > maxHopLimit {
		return errorResult(fmt.Sprintf("max_hops must be between 1 and %d", maxHopLimit))
	}
	res, err := s.graph.GetPath(ctx, graphquery.PathInput{
		From:              from,
		To:                to,
		Repository:        repo,
		MaxHops:           hops,
		RelationshipTypes: stringListArg(args, "relationship_types"),
	})
	if err != nil {
		return serviceError(err)
	}
	return jsonResult(res)
}

func (s *Server) handleGetArchitecture(ctx context.Context, args map[string]any) *toolResult {
	repo := strings.TrimSpace(stringArg(args, "repository", ""))
	if repo == "" {
		return errorResult("repository is required")
	}
	res, err := s.graph.GetArchitecture(ctx, graphquery.ArchitectureInput{
		Repository:      repo,
		Scope:           stringArg(args, "scope", ""),
		DetailLevel:     stringArg(args, "detail_level", ""),
		IncludeExternal: boolArg(args, "include_external", false),
	})
	if err != nil {
		return serviceError(err)
	}
	return jsonResult(res)
}

func (s *Server) handleGetGraphMetrics(ctx context.Context, args map[string]any) *toolResult {
	repo := strings.TrimSpace(stringArg(args, "repository", ""))
	if repo == "" {
		return errorResult("repository is required")
	}
	res, err := s.graph.GetMetrics(ctx, repo)
	if err != nil {
		return serviceError(err)
	}
	return jsonResult(res)
}

func (s *Server) handleIndexRepository(ctx context.Context, args map[string]any) *toolResult {
	source := strings.TrimSpace(stringArg(args, "source", ""))
	if source == "" {
		return errorResult("source is required")
	}
	name := strings.TrimSpace(stringArg(args, "name", ""))
	if name == "" {
		name = repoNameFromSource(source)
	}
	opts := ingestion.IndexOptions{
		Name:   name,
		Branch: stringArg(args, "branch", ""),
		Force:  boolArg(args, "force", false),
	}

	job, err := s.jobs.Begin(name)
	if err != nil {
		return serviceError(err)
	}
	go s.runJob(job.ID, name, func(ctx context.Context) (any, error) {
		return s.ingest.IndexRepository(ctx, source, opts)
	})

	return jsonResult(map[string]any{
		"job_id":     job.ID,
		"repository": name,
		"status":     string(job.Status),
	})
}

func (s *Server) handleUpdateRepository(ctx context.Context, args map[string]any) *toolResult {
	repo := strings.TrimSpace(stringArg(args, "repository", ""))
	if repo == "" {
		return errorResult("repository is required")
	}
	force := boolArg(args, "force", false)

	// Unknown repositories fail fast instead of through a job.
	meta, err := s.ingest.Catalog().Get(repo)
	if err != nil {
		return serviceError(err)
	}
	if meta == nil {
		return errorResult(fmt.Sprintf("Repository not found: %s", repo))
	}

	job, err := s.jobs.Begin(repo)
	if err != nil {
		return serviceError(err)
	}
	go s.runJob(job.ID, repo, func(ctx context.Context) (any, error) {
		return s.coord.UpdateRepository(ctx, repo, force)
	})

	return jsonResult(map[string]any{
		"job_id":     job.ID,
		"repository": repo,
		"status":     string(job.Status),
	})
}

// runJob drives one background ingestion job through the tracker.
func (s *Server) runJob(jobID, repo string, run func(context.Context) (any, error)) {
	ctx, cancel := context.WithTimeout(context.Background(), s.updateTimeout)
	defer cancel()

	s.jobs.MarkRunning(jobID)
	result, err := run(ctx)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			s.jobs.MarkTimeout(jobID)
		} else {
			s.jobs.Fail(jobID, redact.String(err.Error()))
		}
		s.logger.Warn("mcp.job.failed", "job_id", jobID, "repository", repo, "error", redact.Error(err))
		return
	}
	s.jobs.Complete(jobID, result)
	s.graph.InvalidateRepository(repo)
	s.logger.Info("mcp.job.completed", "job_id", jobID, "repository", repo)
}

func (s *Server) handleListRepositories(ctx context.Context, args map[string]any) *toolResult {
	metas, err := s.ingest.Catalog().List()
	if err != nil {
		return serviceError(err)
	}

	type repoSummary struct {
		Name          string    `json:"name"`
		URL           string    `json:"url,omitempty"`
		SourcePath    string    `json:"source_path,omitempty"`
		Branch        string    `json:"branch,omitempty"`
		Status        string    `json:"status"`
		FileCount     int       `json:"file_count"`
		ChunkCount    int       `json:"chunk_count"`
		CommitSHA     string    `json:"last_indexed_commit_sha,omitempty"`
		LastIndexedAt time.Time `json:"last_indexed_at,omitzero"`
	}
	summaries := make([]repoSummary, 0, len(metas))
	for _, m := range metas {
		summaries = append(summaries, repoSummary{
			Name:          m.Name,
			URL:           m.URL,
			SourcePath:    m.SourcePath,
			Branch:        m.Branch,
			Status:        m.Status,
			FileCount:     m.FileCount,
			ChunkCount:    m.ChunkCount,
			CommitSHA:     m.LastIndexedCommitSHA,
			LastIndexedAt: m.LastIndexedAt,
		})
	}
	return jsonResult(map[string]any{
		"repositories": summaries,
		"total":        len(summaries),
	})
}

func (s *Server) handleRemoveRepository(ctx context.Context, args map[string]any) *toolResult {
	repo := strings.TrimSpace(stringArg(args, "repository", ""))
	if repo == "" {
		return errorResult("repository is required")
	}
	if err := s.ingest.RemoveRepository(ctx, repo); err != nil {
		return serviceError(err)
	}
	s.graph.InvalidateRepository(repo)
	return jsonResult(map[string]any{
		"repository": repo,
		"removed":    true,
	})
}

func (s *Server) handleGetJobStatus(ctx context.Context, args map[string]any) *toolResult {
	jobID := strings.TrimSpace(stringArg(args, "job_id", ""))
	if jobID == "" {
		return errorResult("job_id is required")
	}
	job, ok := s.jobs.Get(jobID)
	if !ok {
		return errorResult(fmt.Sprintf("Unknown job: %s", jobID))
	}
	return jsonResult(job)
}

// entityAndRepo pulls the two arguments every graph walk needs.
func entityAndRepo(args map[string]any, entityKey string) (entity, repo string, bad *toolResult) {
	entity = strings.TrimSpace(stringArg(args, entityKey, ""))
	repo = strings.TrimSpace(stringArg(args, "repository", ""))
	if entity == "" || repo == "" {
		return "", "", errorResult(entityKey + " and repository are required")
	}
	return entity, repo, nil
}

// repoNameFromSource mirrors how the ingestion pipeline names
// repositories when no override is given.
func repoNameFromSource(source string) string {
	for _, prefix := range []string{"http://", "https://", "git@", "ssh://", "file://"} {
		if strings.HasPrefix(source, prefix) {
			return ingestion.RepoNameFromURL(source)
		}
	}
	return filepath.Base(filepath.Clean(source))
}
