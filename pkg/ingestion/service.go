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
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/kraklabs/cks/internal/errors"
	"github.com/kraklabs/cks/internal/redact"
	"github.com/kraklabs/cks/pkg/embedding"
	"github.com/kraklabs/cks/pkg/graph"
	"github.com/kraklabs/cks/pkg/parser"
	"github.com/kraklabs/cks/pkg/vectorstore"
)

// Pipeline phases, in order, as reported to progress callbacks.
const (
	PhaseCloning        = "cloning"
	PhaseScanning       = "scanning"
	PhaseChunking       = "chunking"
	PhaseEmbedding      = "embedding"
	PhaseStoring        = "storing"
	PhaseGraphIngesting = "graph-ingesting"
	PhaseFinalizing     = "finalizing"
)

// Index outcome statuses.
const (
	StatusSuccess = "success"
	StatusPartial = "partial"
	StatusFailed  = "failed"
)

// Progress is one pipeline progress event.
type Progress struct {
	Phase   string
	Detail  string
	Current int
	Total   int
}

// FileError records a per-file failure that did not abort the run.
type FileError struct {
	Path  string `json:"path"`
	Error string `json:"error"`
}

// IndexStats counts what one index run did.
type IndexStats struct {
	FilesScanned        int   `json:"files_scanned"`
	FilesProcessed      int   `json:"files_processed"`
	FilesFailed         int   `json:"files_failed"`
	ChunksCreated       int   `json:"chunks_created"`
	EmbeddingsGenerated int   `json:"embeddings_generated"`
	DocumentsStored     int   `json:"documents_stored"`
	DurationMs          int64 `json:"duration_ms"`
}

// IndexResult is the outcome of a full repository index.
type IndexResult struct {
	Status         string      `json:"status"`
	Repository     string      `json:"repository"`
	CollectionName string      `json:"collection_name"`
	Stats          IndexStats  `json:"stats"`
	Errors         []FileError `json:"errors,omitempty"`
	CompletedAt    time.Time   `json:"completed_at"`
}

// IndexOptions tunes one index run.
type IndexOptions struct {
	// Name overrides the repository name derived from the source.
	Name   string
	Branch string
	// Force purges all existing state for the repository first.
	Force             bool
	IncludeExtensions []string
	ExcludePatterns   []string
	MaxFileSizeBytes  int64
	OnProgress        func(Progress)
}

// Config sizes the pipeline.
type Config struct {
	// FileWorkers bounds the per-file worker pool. Zero means NumCPU.
	FileWorkers int
	Chunking    ChunkConfig
}

// Service runs the full indexing pipeline.
type Service struct {
	scanner  *Scanner
	parsers  *parser.Router
	provider embedding.Provider
	vectors  vectorstore.Store
	graph    *graph.Ingestor
	catalog  *Catalog
	locks    *repoLocks
	cfg      Config
	logger   *slog.Logger
}

// NewService wires the pipeline over its stores.
func NewService(provider embedding.Provider, vectors vectorstore.Store, ingestor *graph.Ingestor, catalog *Catalog, cfg Config, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.FileWorkers <= 0 {
		cfg.FileWorkers = runtime.NumCPU()
	}
	if cfg.Chunking.MaxChars <= 0 {
		cfg.Chunking = DefaultChunkConfig
	}
	return &Service{
		scanner:  NewScanner(logger),
		parsers:  parser.NewRouter(parser.DefaultLimits, logger),
		provider: provider,
		vectors:  vectors,
		graph:    ingestor,
		catalog:  catalog,
		locks:    newRepoLocks(),
		cfg:      cfg,
		logger:   logger,
	}
}

// Locks exposes the repository lock table so the update coordinator
// shares it.
func (s *Service) Locks() *repoLocks { return s.locks }

// Catalog exposes the metadata store.
func (s *Service) Catalog() *Catalog { return s.catalog }

// IndexRepository clones or opens source, scans it, and indexes every
// selected file into the vector store and the knowledge graph.
func (s *Service) IndexRepository(ctx context.Context, source string, opts IndexOptions) (*IndexResult, error) {
	name := opts.Name
	isRemote := looksLikeURL(source)
	if name == "" {
		if isRemote {
			name = RepoNameFromURL(source)
		} else {
			name = filepath.Base(strings.TrimSuffix(source, "/"))
		}
	}
	if err := validRepoName(name); err != nil {
		return nil, err
	}

	release, err := s.locks.TryAcquire(name)
	if err != nil {
		return nil, err
	}
	defer release()

	existing, err := s.catalog.Get(name)
	if err != nil {
		return nil, err
	}
	if existing != nil && !opts.Force {
		return nil, errors.NewConflictError(
			fmt.Sprintf("Repository %q is already indexed", name),
			"indexing again would duplicate state",
			"Run `cks update "+name+"` for changes, or re-index with --force",
		)
	}

	start := time.Now()
	collection := vectorstore.CollectionName(name)

	// Short run id correlates every log line of one indexing run.
	runLog := s.logger.With("run_id", uuid.NewString()[:8], "repository", name)
	runLog.Info("ingest.index.start", "source", source, "force", opts.Force)

	if opts.Force {
		if err := s.purge(ctx, name, collection); err != nil {
			return nil, err
		}
	}

	// Stage: cloning (or opening a local folder).
	s.progress(opts, Progress{Phase: PhaseCloning, Detail: name})
	root, commitSHA, err := s.materialize(ctx, source, name, opts, isRemote)
	if err != nil {
		return nil, err
	}

	meta := &RepoMetadata{
		Name:              name,
		Branch:            opts.Branch,
		Status:            string(graph.StatusIndexing),
		IncludeExtensions: opts.IncludeExtensions,
		ExcludePatterns:   opts.ExcludePatterns,
		Provider:          s.provider.ProviderID(),
		FileHashes:        make(map[string]string),
	}
	if isRemote {
		meta.URL = source
	} else {
		meta.SourcePath = root
	}
	if err := s.catalog.Put(meta); err != nil {
		return nil, err
	}
	if err := s.graph.BeginRepository(ctx, graph.RepoInfo{Name: name, URL: meta.URL, Branch: opts.Branch}); err != nil {
		return nil, err
	}

	// Stage: scanning.
	s.progress(opts, Progress{Phase: PhaseScanning, Detail: root})
	files, scanStats, err := s.scanner.Scan(root, ScanOptions{
		IncludeExtensions: opts.IncludeExtensions,
		ExcludePatterns:   opts.ExcludePatterns,
		MaxFileSizeBytes:  opts.MaxFileSizeBytes,
		OnProgress: func(scanned, total int) {
			s.progress(opts, Progress{Phase: PhaseScanning, Current: scanned, Total: total})
		},
	})
	if err != nil {
		s.failRepository(ctx, meta)
		return nil, err
	}

	if err := s.vectors.GetOrCreateCollection(ctx, collection, s.provider.Dimensions()); err != nil {
		s.failRepository(ctx, meta)
		return nil, err
	}

	result := &IndexResult{Repository: name, CollectionName: collection}
	result.Stats.FilesScanned = scanStats.Scanned

	var mu sync.Mutex
	hashes := make(map[string]string, len(files))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.FileWorkers)
	processed := 0
	for _, file := range files {
		g.Go(func() error {
			outcome, ferr := s.processFile(gctx, name, collection, root, file)

			mu.Lock()
			defer mu.Unlock()
			processed++
			s.progress(opts, Progress{Phase: PhaseEmbedding, Detail: file.Path, Current: processed, Total: len(files)})
			if ferr != nil {
				recordFileFailed()
				result.Stats.FilesFailed++
				result.Errors = append(result.Errors, FileError{Path: file.Path, Error: redact.String(ferr.Error())})
				runLog.Warn("ingest.file.failed", "path", file.Path, "err", redact.Error(ferr))
				return nil
			}
			recordFileProcessed(outcome.chunks)
			result.Stats.FilesProcessed++
			result.Stats.ChunksCreated += outcome.chunks
			result.Stats.EmbeddingsGenerated += outcome.chunks
			result.Stats.DocumentsStored += outcome.chunks
			hashes[file.Path] = outcome.hash
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		s.failRepository(ctx, meta)
		return nil, err
	}

	sort.Slice(result.Errors, func(i, j int) bool { return result.Errors[i].Path < result.Errors[j].Path })

	// Stage: finalizing.
	s.progress(opts, Progress{Phase: PhaseFinalizing, Detail: name})
	switch {
	case result.Stats.FilesProcessed == 0 && result.Stats.FilesFailed > 0:
		result.Status = StatusFailed
	case result.Stats.FilesFailed > 0:
		result.Status = StatusPartial
	default:
		result.Status = StatusSuccess
	}

	repoStatus := graph.StatusReady
	if result.Status == StatusFailed {
		repoStatus = graph.StatusError
	}
	if err := s.graph.FinishRepository(ctx, name, repoStatus); err != nil {
		return nil, err
	}

	meta.Status = string(repoStatus)
	// The commit pointer records only commits whose content actually
	// made it into the stores; a fully-failed run leaves it unchanged.
	if result.Status != StatusFailed {
		meta.LastIndexedCommitSHA = commitSHA
	}
	meta.FileCount = result.Stats.FilesProcessed
	meta.ChunkCount = result.Stats.ChunksCreated
	meta.FileHashes = hashes
	meta.LastIndexedAt = time.Now().UTC()
	if err := s.catalog.Put(meta); err != nil {
		return nil, err
	}

	result.Stats.DurationMs = time.Since(start).Milliseconds()
	result.CompletedAt = time.Now().UTC()
	recordIndexDuration(time.Since(start).Seconds())
	runLog.Info("ingest.index.complete",
		"status", result.Status,
		"files", result.Stats.FilesProcessed,
		"chunks", result.Stats.ChunksCreated,
		"failed", result.Stats.FilesFailed,
		"duration_ms", result.Stats.DurationMs,
	)
	return result, nil
}

type fileOutcome struct {
	chunks int
	hash   string
}

// processFile runs chunk -> embed, then writes the vector store and
// the graph concurrently. Stale state for the path is removed first on
// both sides, so re-index is idempotent.
func (s *Service) processFile(ctx context.Context, repo, collection, root string, file ScannedFile) (*fileOutcome, error) {
	content, err := os.ReadFile(file.FullPath)
	if err != nil {
		return nil, fmt.Errorf("read file: %w", err)
	}
	hash := HashBytes(content)

	info, err := os.Stat(file.FullPath)
	if err != nil {
		return nil, fmt.Errorf("stat file: %w", err)
	}

	chunks := SplitIntoChunks(string(content), s.cfg.Chunking)

	var vectors [][]float32
	if len(chunks) > 0 {
		texts := make([]string, len(chunks))
		for i, c := range chunks {
			texts[i] = c.Content
		}
		vectors, err = s.provider.Embed(ctx, texts)
		if err != nil {
			return nil, fmt.Errorf("embed: %w", err)
		}
	}

	docs := make([]vectorstore.Document, len(chunks))
	chunkRefs := make([]graph.ChunkRef, len(chunks))
	now := time.Now().UTC()
	for i, c := range chunks {
		id := fmt.Sprintf("%s:%s:%d", repo, file.Path, c.Index)
		docs[i] = vectorstore.Document{
			ID:      id,
			Vector:  vectors[i],
			Content: c.Content,
			Metadata: vectorstore.Metadata{
				FilePath:       file.Path,
				Repository:     repo,
				ChunkIndex:     c.Index,
				TotalChunks:    len(chunks),
				FileExtension:  filepath.Ext(file.Path),
				FileSizeBytes:  info.Size(),
				ChunkStartLine: c.StartLine,
				ChunkEndLine:   c.EndLine,
				ContentHash:    hash,
				IndexedAt:      now,
				FileModifiedAt: info.ModTime().UTC(),
			},
		}
		chunkRefs[i] = graph.ChunkRef{
			Index:     c.Index,
			VectorID:  vectorstore.PointID(id),
			StartLine: c.StartLine,
			EndLine:   c.EndLine,
		}
	}

	parseResult := s.parseFile(ctx, file, content)

	// Vector upsert and graph ingest proceed in parallel once the
	// file's chunks and extraction are ready.
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if _, err := s.vectors.DeleteByFilePrefix(gctx, collection, repo, file.Path+":"); err != nil {
			return fmt.Errorf("delete stale vectors: %w", err)
		}
		if len(docs) == 0 {
			return nil
		}
		if err := s.vectors.Upsert(gctx, collection, docs); err != nil {
			return fmt.Errorf("vector upsert: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		_, err := s.graph.IngestFiles(gctx, repo, []graph.FileIngest{{
			Result: parseResult,
			Meta: graph.FileMeta{
				Hash:      hash,
				SizeBytes: info.Size(),
				ModTime:   info.ModTime().UTC(),
			},
			Chunks: chunkRefs,
		}})
		if err != nil {
			return fmt.Errorf("graph ingest: %w", err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return &fileOutcome{chunks: len(chunks), hash: hash}, nil
}

// parseFile runs the language parser, degrading to an empty result for
// unsupported or unparseable files. Parse failures cost graph detail,
// not the file's searchability.
func (s *Service) parseFile(ctx context.Context, file ScannedFile, content []byte) *parser.ParseResult {
	result := s.parsers.Parse(ctx, file.Path, content)
	if result == nil {
		return &parser.ParseResult{FilePath: file.Path, Language: file.Language, Success: false}
	}
	return result
}

// materialize makes the working tree available locally and resolves
// its commit SHA when it is a git tree.
func (s *Service) materialize(ctx context.Context, source, name string, opts IndexOptions, isRemote bool) (root, commitSHA string, err error) {
	if isRemote {
		root = s.catalog.WorktreeDir(name)
		if _, statErr := os.Stat(filepath.Join(root, ".git")); statErr == nil {
			g := NewGit(root, s.logger)
			if err := g.Fetch(ctx); err != nil {
				return "", "", err
			}
			if err := g.Pull(ctx); err != nil {
				return "", "", err
			}
		} else {
			if err := Clone(ctx, source, root, opts.Branch, s.logger); err != nil {
				return "", "", err
			}
		}
	} else {
		root, err = filepath.Abs(source)
		if err != nil {
			return "", "", fmt.Errorf("resolve path: %w", err)
		}
		info, statErr := os.Stat(root)
		if statErr != nil || !info.IsDir() {
			return "", "", errors.NewNotFoundError(
				fmt.Sprintf("Folder not found: %s", source),
				"the path does not exist or is not a directory",
				"Check the path and try again",
			)
		}
	}

	g := NewGit(root, s.logger)
	if g.IsRepository(ctx) {
		if sha, shaErr := g.HeadSHA(ctx); shaErr == nil {
			commitSHA = sha
		}
	}
	return root, commitSHA, nil
}

// purge removes every trace of the repository from both stores and the
// catalog before a force re-index.
func (s *Service) purge(ctx context.Context, name, collection string) error {
	s.logger.Info("ingest.purge", "repository", name)
	if err := s.vectors.DeleteCollection(ctx, collection); err != nil {
		return err
	}
	if err := s.graph.PurgeRepository(ctx, name); err != nil {
		return err
	}
	meta, err := s.catalog.Get(name)
	if err != nil || meta == nil {
		return err
	}
	meta.FileHashes = nil
	meta.LastIndexedCommitSHA = ""
	meta.Status = string(graph.StatusPending)
	return s.catalog.Put(meta)
}

// RemoveRepository deletes every trace of a repository: the vector
// collection, the graph subtree, the managed worktree, and the catalog
// entry.
func (s *Service) RemoveRepository(ctx context.Context, name string) error {
	meta, err := s.catalog.Get(name)
	if err != nil {
		return err
	}
	if meta == nil {
		return errors.NewNotFoundError(
			fmt.Sprintf("Repository not found: %s", name),
			"the repository has never been indexed",
			"Run `cks list` to see indexed repositories",
		)
	}

	release, err := s.locks.TryAcquire(name)
	if err != nil {
		return err
	}
	defer release()

	s.logger.Info("ingest.remove", "repository", name)
	if err := s.vectors.DeleteCollection(ctx, vectorstore.CollectionName(name)); err != nil {
		return err
	}
	if err := s.graph.PurgeRepository(ctx, name); err != nil {
		return err
	}
	if !meta.IsLocal() {
		if err := os.RemoveAll(s.catalog.WorktreeDir(name)); err != nil {
			s.logger.Warn("ingest.remove.worktree_failed", "repository", name, "error", err)
		}
	}
	return s.catalog.Delete(name)
}

func (s *Service) failRepository(ctx context.Context, meta *RepoMetadata) {
	_ = s.graph.FinishRepository(ctx, meta.Name, graph.StatusError)
	meta.Status = string(graph.StatusError)
	_ = s.catalog.Put(meta)
}

func (s *Service) progress(opts IndexOptions, p Progress) {
	if opts.OnProgress != nil {
		opts.OnProgress(p)
	}
}

// looksLikeURL distinguishes clone URLs from local paths.
func looksLikeURL(source string) bool {
	return strings.HasPrefix(source, "http://") ||
		strings.HasPrefix(source, "https://") ||
		strings.HasPrefix(source, "git@") ||
		strings.HasPrefix(source, "ssh://") ||
		strings.HasPrefix(source, "file://")
}
