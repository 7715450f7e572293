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

// Package ingestion drives the indexing pipeline: scan a working tree,
// chunk and embed file contents into the vector store, and in parallel
// parse and ingest code structure into the knowledge graph. The
// incremental coordinator replays the same pipeline for just the files
// a commit range touched.
package ingestion

import (
	"bytes"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	gitignore "github.com/sabhiram/go-gitignore"

	"github.com/kraklabs/cks/pkg/parser"
)

// DefaultMaxFileSize caps how large a file the scanner will hand to
// the pipeline.
const DefaultMaxFileSize int64 = 2 * 1024 * 1024

// DefaultExcludePatterns skip dependency trees and build output.
var DefaultExcludePatterns = []string{
	"**/node_modules/**",
	"**/vendor/**",
	"**/.git/**",
	"**/dist/**",
	"**/build/**",
	"**/target/**",
	"**/__pycache__/**",
	"**/*.min.js",
	"**/*.lock",
}

// ScanOptions controls a working-tree walk.
type ScanOptions struct {
	// IncludeExtensions allowlists file extensions (with dot). Empty
	// means every supported language extension.
	IncludeExtensions []string
	ExcludePatterns   []string
	MaxFileSizeBytes  int64

	// ProgressEvery fires the callback every N scanned files.
	ProgressEvery int
	OnProgress    func(scanned, totalEstimated int)
}

// ScannedFile is one file selected by the scanner. Path is relative
// with POSIX separators.
type ScannedFile struct {
	Path      string
	FullPath  string
	SizeBytes int64
	Language  string
}

// ScanStats summarizes a walk.
type ScanStats struct {
	Scanned     int
	Selected    int
	SkipReasons map[string]int
	Languages   map[string]int
}

// Scanner walks working trees.
type Scanner struct {
	logger *slog.Logger
}

func NewScanner(logger *slog.Logger) *Scanner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scanner{logger: logger}
}

// Scan walks root and returns the files eligible for indexing.
// Symlinks are never followed; gitignore rules from the tree root
// apply on top of the configured exclusions.
func (s *Scanner) Scan(root string, opts ScanOptions) ([]ScannedFile, *ScanStats, error) {
	if opts.MaxFileSizeBytes <= 0 {
		opts.MaxFileSizeBytes = DefaultMaxFileSize
	}
	if len(opts.ExcludePatterns) == 0 {
		opts.ExcludePatterns = DefaultExcludePatterns
	}
	if opts.ProgressEvery <= 0 {
		opts.ProgressEvery = 50
	}

	include := make(map[string]bool)
	if len(opts.IncludeExtensions) > 0 {
		for _, ext := range opts.IncludeExtensions {
			include[strings.ToLower(ext)] = true
		}
	} else {
		for _, ext := range parser.SupportedExtensions() {
			include[ext] = true
		}
	}

	ignorer := loadGitignore(root)

	// First pass estimates the total so progress has a denominator.
	totalEstimated := 0
	_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err == nil && !d.IsDir() {
			totalEstimated++
		}
		return nil
	})

	var files []ScannedFile
	stats := &ScanStats{
		SkipReasons: make(map[string]int),
		Languages:   make(map[string]int),
	}

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			s.logger.Warn("scan.walk.error", "path", path, "err", err)
			return nil
		}

		rel, relErr := filepath.Rel(root, path)
		if relErr != nil {
			return nil
		}
		rel = filepath.ToSlash(rel)
		if rel == "." {
			return nil
		}

		if d.IsDir() {
			if excluded(rel+"/", opts.ExcludePatterns) || (ignorer != nil && ignorer.MatchesPath(rel+"/")) {
				stats.SkipReasons["excluded_dir"]++
				return filepath.SkipDir
			}
			return nil
		}

		stats.Scanned++
		if opts.OnProgress != nil && stats.Scanned%opts.ProgressEvery == 0 {
			opts.OnProgress(stats.Scanned, totalEstimated)
		}

		if d.Type()&fs.ModeSymlink != 0 {
			stats.SkipReasons["symlink"]++
			return nil
		}
		if excluded(rel, opts.ExcludePatterns) {
			stats.SkipReasons["excluded"]++
			return nil
		}
		if ignorer != nil && ignorer.MatchesPath(rel) {
			stats.SkipReasons["gitignored"]++
			return nil
		}

		ext := strings.ToLower(filepath.Ext(rel))
		if !include[ext] {
			stats.SkipReasons["unsupported_extension"]++
			return nil
		}

		info, infoErr := d.Info()
		if infoErr != nil {
			return nil
		}
		if info.Size() > opts.MaxFileSizeBytes {
			stats.SkipReasons["too_large"]++
			s.logger.Warn("scan.skip_large_file", "path", rel, "size", info.Size(), "limit", opts.MaxFileSizeBytes)
			return nil
		}
		if isBinary(path) {
			stats.SkipReasons["binary"]++
			return nil
		}

		lang := parser.LanguageForPath(rel)
		files = append(files, ScannedFile{
			Path:      rel,
			FullPath:  path,
			SizeBytes: info.Size(),
			Language:  lang,
		})
		stats.Selected++
		if lang != "" {
			stats.Languages[lang]++
		}
		return nil
	})
	if err != nil {
		return nil, nil, fmt.Errorf("walk %s: %w", root, err)
	}

	if opts.OnProgress != nil {
		opts.OnProgress(stats.Scanned, totalEstimated)
	}
	s.logger.Info("scan.complete",
		"root", root,
		"scanned", stats.Scanned,
		"selected", stats.Selected,
		"languages", stats.Languages,
	)
	return files, stats, nil
}

// excluded matches a relative path against exclusion globs. Patterns
// without a slash match the basename; patterns with one match the full
// relative path.
func excluded(rel string, patterns []string) bool {
	base := filepath.Base(strings.TrimSuffix(rel, "/"))
	for _, pattern := range patterns {
		if !strings.Contains(pattern, "/") {
			if ok, _ := doublestar.Match(pattern, base); ok {
				return true
			}
			continue
		}
		if ok, _ := doublestar.Match(pattern, rel); ok {
			return true
		}
		if ok, _ := doublestar.Match(pattern, strings.TrimSuffix(rel, "/")); ok {
			return true
		}
	}
	return false
}

// loadGitignore compiles the tree's .gitignore if present.
func loadGitignore(root string) *gitignore.GitIgnore {
	ig, err := gitignore.CompileIgnoreFile(filepath.Join(root, ".gitignore"))
	if err != nil {
		return nil
	}
	return ig
}

// isBinary sniffs the first 8 KB for a NUL byte.
func isBinary(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()
	buf := make([]byte, 8192)
	n, err := io.ReadFull(f, buf)
	if n <= 0 && err != nil {
		return false
	}
	return bytes.IndexByte(buf[:n], 0x00) >= 0
}
