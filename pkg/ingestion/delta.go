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
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/kraklabs/cks/pkg/parser"
)

// emptyTreeSHA is git's well-known empty tree object, used as the base
// when no previous commit was indexed.
const emptyTreeSHA = "4b825dc642cb6eb9a060e54bf8d69288fbee4904"

// Delta is the set of paths changed between two states of a tree.
type Delta struct {
	BaseSHA  string
	HeadSHA  string
	Added    []string
	Modified []string
	Deleted  []string
	// Renamed maps old path to new path.
	Renamed map[string]string
}

// HasChanges reports whether anything changed.
func (d *Delta) HasChanges() bool {
	return len(d.Added)+len(d.Modified)+len(d.Deleted)+len(d.Renamed) > 0
}

// sortBuckets pins deterministic per-bucket ordering.
func (d *Delta) sortBuckets() {
	sort.Strings(d.Added)
	sort.Strings(d.Modified)
	sort.Strings(d.Deleted)
}

// RenamedOldPaths lists rename sources in sorted order.
func (d *Delta) RenamedOldPaths() []string {
	olds := make([]string, 0, len(d.Renamed))
	for old := range d.Renamed {
		olds = append(olds, old)
	}
	sort.Strings(olds)
	return olds
}

// DetectGitDelta diffs base..head with rename detection. An empty base
// compares against the empty tree, classifying every file as added.
func DetectGitDelta(ctx context.Context, git *Git, base, head string, logger *slog.Logger) (*Delta, error) {
	if logger == nil {
		logger = slog.Default()
	}
	resolvedHead, err := git.ResolveRef(ctx, head)
	if err != nil {
		return nil, fmt.Errorf("resolve head: %w", err)
	}
	resolvedBase := base
	if resolvedBase == "" {
		resolvedBase = emptyTreeSHA
	} else {
		resolvedBase, err = git.ResolveRef(ctx, base)
		if err != nil {
			return nil, fmt.Errorf("resolve base: %w", err)
		}
	}

	out, err := git.run(ctx, "diff", "--name-status", "-M", resolvedBase, resolvedHead)
	if err != nil {
		return nil, err
	}

	delta := &Delta{BaseSHA: resolvedBase, HeadSHA: resolvedHead, Renamed: make(map[string]string)}
	for _, line := range strings.Split(out, "\n") {
		if line == "" {
			continue
		}
		status, paths := parseDiffLine(line)
		if status == "" || len(paths) == 0 {
			continue
		}
		switch status[0] {
		case 'A':
			delta.Added = append(delta.Added, paths[0])
		case 'M':
			delta.Modified = append(delta.Modified, paths[0])
		case 'D':
			delta.Deleted = append(delta.Deleted, paths[0])
		case 'R':
			if len(paths) >= 2 {
				delta.Renamed[paths[0]] = paths[1]
			}
		case 'C':
			if len(paths) >= 2 {
				delta.Added = append(delta.Added, paths[1])
			}
		}
	}
	delta.sortBuckets()

	logger.Info("delta.git.complete",
		"base", shortSHA(resolvedBase),
		"head", shortSHA(resolvedHead),
		"added", len(delta.Added),
		"modified", len(delta.Modified),
		"deleted", len(delta.Deleted),
		"renamed", len(delta.Renamed),
	)
	return delta, nil
}

// parseDiffLine splits one `git diff --name-status` line into its
// status letter and paths.
func parseDiffLine(line string) (status string, paths []string) {
	parts := strings.Split(line, "\t")
	if len(parts) < 2 {
		return "", nil
	}
	paths = parts[1:]
	for i, p := range paths {
		paths[i] = unquoteGitPath(p)
	}
	return parts[0], paths
}

// unquoteGitPath strips git's quoting of paths with special characters.
func unquoteGitPath(path string) string {
	if len(path) >= 2 && path[0] == '"' && path[len(path)-1] == '"' {
		unquoted := path[1 : len(path)-1]
		unquoted = strings.ReplaceAll(unquoted, `\n`, "\n")
		unquoted = strings.ReplaceAll(unquoted, `\t`, "\t")
		unquoted = strings.ReplaceAll(unquoted, `\\`, `\`)
		unquoted = strings.ReplaceAll(unquoted, `\"`, `"`)
		return unquoted
	}
	return path
}

// DetectHashDelta compares scanned files against previously stored
// content hashes. It serves plain folders and any tree where git
// history is unavailable; renames appear as delete+add.
func DetectHashDelta(current []ScannedFile, storedHashes map[string]string, logger *slog.Logger) (*Delta, error) {
	if logger == nil {
		logger = slog.Default()
	}
	delta := &Delta{Renamed: make(map[string]string)}

	currentSet := make(map[string]bool, len(current))
	for _, f := range current {
		currentSet[f.Path] = true
		stored, exists := storedHashes[f.Path]
		if !exists {
			delta.Added = append(delta.Added, f.Path)
			continue
		}
		hash, err := HashFile(f.FullPath)
		if err != nil {
			logger.Warn("delta.hash.read_error", "path", f.Path, "err", err)
			continue
		}
		if hash != stored {
			delta.Modified = append(delta.Modified, f.Path)
		}
	}
	for path := range storedHashes {
		if !currentSet[path] {
			delta.Deleted = append(delta.Deleted, path)
		}
	}
	delta.sortBuckets()

	logger.Info("delta.hash.complete",
		"added", len(delta.Added),
		"modified", len(delta.Modified),
		"deleted", len(delta.Deleted),
	)
	return delta, nil
}

// HashFile is the SHA-256 of a file's raw bytes, hex encoded.
func HashFile(fullPath string) (string, error) {
	content, err := os.ReadFile(fullPath)
	if err != nil {
		return "", err
	}
	return HashBytes(content), nil
}

// HashBytes is the SHA-256 of raw bytes, hex encoded.
func HashBytes(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// FilterDelta drops changed paths that the scanner would not index:
// excluded globs, oversized files, unsupported extensions. A rename
// whose new path is filtered out degrades to a deletion of the old
// path so stale state still gets cleaned.
func FilterDelta(delta *Delta, root string, opts ScanOptions) *Delta {
	eligible := func(path string) bool {
		return !excluded(path, effectiveExcludes(opts)) && supportedPath(path, opts)
	}
	filtered := &Delta{
		BaseSHA: delta.BaseSHA,
		HeadSHA: delta.HeadSHA,
		Renamed: make(map[string]string),
	}
	for _, p := range delta.Added {
		if eligible(p) {
			filtered.Added = append(filtered.Added, p)
		}
	}
	for _, p := range delta.Modified {
		if eligible(p) {
			filtered.Modified = append(filtered.Modified, p)
		}
	}
	for _, p := range delta.Deleted {
		if !excluded(p, effectiveExcludes(opts)) {
			filtered.Deleted = append(filtered.Deleted, p)
		}
	}
	for old, renamed := range delta.Renamed {
		if eligible(renamed) {
			filtered.Renamed[old] = renamed
			continue
		}
		if !excluded(old, effectiveExcludes(opts)) {
			filtered.Deleted = append(filtered.Deleted, old)
		}
	}
	filtered.sortBuckets()
	return filtered
}

func effectiveExcludes(opts ScanOptions) []string {
	if len(opts.ExcludePatterns) == 0 {
		return DefaultExcludePatterns
	}
	return opts.ExcludePatterns
}

func supportedPath(path string, opts ScanOptions) bool {
	ext := strings.ToLower(filepath.Ext(path))
	if len(opts.IncludeExtensions) > 0 {
		for _, e := range opts.IncludeExtensions {
			if strings.ToLower(e) == ext {
				return true
			}
		}
		return false
	}
	return parser.LanguageForPath(path) != ""
}
