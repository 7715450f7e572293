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

package ingestion

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/kraklabs/cks/internal/errors"
	"github.com/kraklabs/cks/internal/redact"
	"github.com/kraklabs/cks/pkg/graph"
	"github.com/kraklabs/cks/pkg/parser"
	"github.com/kraklabs/cks/pkg/vectorstore"
)

// Update outcome statuses.
const (
	UpdateNoChanges  = "no_changes"
	UpdateUpdated    = "updated"
	UpdateWithErrors = "updated_with_errors"
	UpdateFailed     = "failed"
)

// UpdateStats counts what one incremental update did.
type UpdateStats struct {
	FilesAdded     int   `json:"files_added"`
	FilesModified  int   `json:"files_modified"`
	FilesDeleted   int   `json:"files_deleted"`
	ChunksUpserted int   `json:"chunks_upserted"`
	ChunksDeleted  int   `json:"chunks_deleted"`
	DurationMs     int64 `json:"duration_ms"`
}

// UpdateResult is the outcome of one incremental update.
type UpdateResult struct {
	Status        string      `json:"status"`
	Repository    string      `json:"repository"`
	CommitSHA     string      `json:"commit_sha,omitempty"`
	CommitMessage string      `json:"commit_message,omitempty"`
	Stats         UpdateStats `json:"stats"`
	Errors        []FileError `json:"errors,omitempty"`
	DurationMs    int64       `json:"duration_ms"`
}

// Coordinator applies incremental updates: it computes the changed
// file set since the last indexed commit and replays the pipeline for
// just those paths. Within one update, file mutations run sequentially
// so the vector store and the graph stay in lockstep per file.
type Coordinator struct {
	svc    *Service
	logger *slog.Logger
}

func NewCoordinator(svc *Service, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{svc: svc, logger: logger}
}

// UpdateRepository brings one repository's index up to the current
// head. Force purges everything and delegates to the full pipeline.
func (c *Coordinator) UpdateRepository(ctx context.Context, name string, force bool) (*UpdateResult, error) {
	meta, err := c.svc.catalog.Get(name)
	if err != nil {
		return nil, err
	}
	if meta == nil {
		return nil, errors.NewNotFoundError(
			fmt.Sprintf("Repository not found: %s", name),
			"the repository has never been indexed",
			"Run `cks index` for it first",
		)
	}

	if force {
		source := meta.URL
		if meta.IsLocal() {
			source = meta.SourcePath
		}
		res, err := c.svc.IndexRepository(ctx, source, IndexOptions{
			Name:              name,
			Branch:            meta.Branch,
			Force:             true,
			IncludeExtensions: meta.IncludeExtensions,
			ExcludePatterns:   meta.ExcludePatterns,
		})
		if err != nil {
			return nil, err
		}
		return &UpdateResult{
			Status:     UpdateUpdated,
			Repository: name,
			Stats: UpdateStats{
				FilesAdded:     res.Stats.FilesProcessed,
				ChunksUpserted: res.Stats.ChunksCreated,
				DurationMs:     res.Stats.DurationMs,
			},
			Errors:     res.Errors,
			DurationMs: res.Stats.DurationMs,
		}, nil
	}

	release, err := c.svc.locks.TryAcquire(name)
	if err != nil {
		return nil, err
	}
	defer release()

	start := time.Now()
	root := meta.SourcePath
	if !meta.IsLocal() {
		root = c.svc.catalog.WorktreeDir(name)
	}

	scanOpts := ScanOptions{
		IncludeExtensions: meta.IncludeExtensions,
		ExcludePatterns:   meta.ExcludePatterns,
	}

	git := NewGit(root, c.logger)
	useGit := git.IsRepository(ctx)

	result := &UpdateResult{Repository: name}
	var delta *Delta

	if useGit {
		if !meta.IsLocal() {
			if err := git.Fetch(ctx); err != nil {
				return nil, err
			}
			if err := git.Pull(ctx); err != nil {
				return nil, err
			}
		}
		head, err := git.HeadSHA(ctx)
		if err != nil {
			return nil, err
		}
		result.CommitSHA = head
		if msg, msgErr := git.CommitMessage(ctx, head); msgErr == nil {
			result.CommitMessage = msg
		}

		if head == meta.LastIndexedCommitSHA {
			result.Status = UpdateNoChanges
			result.DurationMs = time.Since(start).Milliseconds()
			return result, nil
		}

		delta, err = DetectGitDelta(ctx, git, meta.LastIndexedCommitSHA, head, c.logger)
		if err != nil {
			return nil, err
		}
		delta = FilterDelta(delta, root, scanOpts)
	} else {
		// No usable git history: fall back to comparing content hashes
		// against the previous index.
		files, _, scanErr := c.svc.scanner.Scan(root, scanOpts)
		if scanErr != nil {
			return nil, scanErr
		}
		delta, err = DetectHashDelta(files, meta.FileHashes, c.logger)
		if err != nil {
			return nil, err
		}
	}

	if !delta.HasChanges() {
		result.Status = UpdateNoChanges
		result.DurationMs = time.Since(start).Milliseconds()
		return result, nil
	}

	collection := vectorstore.CollectionName(name)
	if meta.FileHashes == nil {
		meta.FileHashes = make(map[string]string)
	}

	// Deletions first: removed paths and rename sources.
	for _, path := range delta.Deleted {
		c.deleteFile(ctx, name, collection, path, meta, result)
	}
	for _, old := range delta.RenamedOldPaths() {
		renamed := delta.Renamed[old]
		if old == "" {
			result.Errors = append(result.Errors, FileError{
				Path:  renamed,
				Error: "renamed without an old path; re-index with force",
			})
			continue
		}
		c.deleteFile(ctx, name, collection, old, meta, result)
	}

	// Then additions and modifications, sequentially per file.
	upsert := func(path string, added bool) {
		full := filepath.Join(root, filepath.FromSlash(path))
		hash, hashErr := HashFile(full)
		if hashErr != nil {
			result.Errors = append(result.Errors, FileError{Path: path, Error: redact.String(hashErr.Error())})
			return
		}
		if meta.FileHashes[path] == hash {
			return // content identical, nothing to redo
		}
		info, statErr := os.Stat(full)
		if statErr != nil {
			result.Errors = append(result.Errors, FileError{Path: path, Error: redact.String(statErr.Error())})
			return
		}
		file := ScannedFile{
			Path:      path,
			FullPath:  full,
			SizeBytes: info.Size(),
			Language:  parser.LanguageForPath(path),
		}
		outcome, procErr := c.svc.processFile(ctx, name, collection, root, file)
		if procErr != nil {
			recordFileFailed()
			result.Errors = append(result.Errors, FileError{Path: path, Error: redact.String(procErr.Error())})
			c.logger.Warn("update.file.failed", "repository", name, "path", path, "err", redact.Error(procErr))
			return
		}
		recordFileProcessed(outcome.chunks)
		meta.FileHashes[path] = outcome.hash
		result.Stats.ChunksUpserted += outcome.chunks
		if added {
			result.Stats.FilesAdded++
		} else {
			result.Stats.FilesModified++
		}
	}
	for _, path := range delta.Added {
		upsert(path, true)
	}
	for _, old := range delta.RenamedOldPaths() {
		if old != "" {
			upsert(delta.Renamed[old], true)
		}
	}
	for _, path := range delta.Modified {
		upsert(path, false)
	}

	mutated := result.Stats.FilesAdded + result.Stats.FilesModified + result.Stats.FilesDeleted
	switch {
	case mutated == 0 && len(result.Errors) > 0:
		result.Status = UpdateFailed
	case len(result.Errors) > 0:
		result.Status = UpdateWithErrors
	case mutated == 0:
		result.Status = UpdateNoChanges
	default:
		result.Status = UpdateUpdated
	}

	// A fully-failed update leaves the catalog untouched: the stores
	// still hold the previous commit's content, so the base pointer must
	// stay put or the next run would report no_changes and mask the
	// failure permanently.
	if result.Status != UpdateFailed {
		if result.CommitSHA != "" {
			meta.LastIndexedCommitSHA = result.CommitSHA
		}
		meta.FileCount = len(meta.FileHashes)
		meta.LastIndexedAt = time.Now().UTC()
		meta.Status = string(graph.StatusReady)
		if err := c.svc.catalog.Put(meta); err != nil {
			return nil, err
		}
		if err := c.svc.graph.FinishRepository(ctx, name, graph.StatusReady); err != nil {
			return nil, err
		}
	}

	result.Stats.DurationMs = time.Since(start).Milliseconds()
	result.DurationMs = result.Stats.DurationMs
	recordUpdateDuration(time.Since(start).Seconds())
	c.logger.Info("update.complete",
		"repository", name,
		"status", result.Status,
		"added", result.Stats.FilesAdded,
		"modified", result.Stats.FilesModified,
		"deleted", result.Stats.FilesDeleted,
		"errors", len(result.Errors),
		"duration_ms", result.DurationMs,
	)
	return result, nil
}

// deleteFile removes one path from both stores.
func (c *Coordinator) deleteFile(ctx context.Context, repo, collection, path string, meta *RepoMetadata, result *UpdateResult) {
	removed, err := c.svc.vectors.DeleteByFilePrefix(ctx, collection, repo, path+":")
	if err != nil {
		result.Errors = append(result.Errors, FileError{Path: path, Error: redact.String(err.Error())})
		return
	}
	if err := c.svc.graph.RemoveFile(ctx, repo, path); err != nil {
		result.Errors = append(result.Errors, FileError{Path: path, Error: redact.String(err.Error())})
		return
	}
	delete(meta.FileHashes, path)
	result.Stats.FilesDeleted++
	result.Stats.ChunksDeleted += removed
}
