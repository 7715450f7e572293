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
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/kraklabs/cks/internal/errors"
)

// RepoMetadata is the on-disk record for one indexed repository.
type RepoMetadata struct {
	Name                 string    `json:"name"`
	URL                  string    `json:"url,omitempty"`
	Branch               string    `json:"branch,omitempty"`
	SourcePath           string    `json:"source_path,omitempty"`
	LastIndexedCommitSHA string    `json:"last_indexed_commit_sha,omitempty"`
	Status               string    `json:"status"`
	FileCount            int       `json:"file_count"`
	ChunkCount           int       `json:"chunk_count"`
	IncludeExtensions    []string  `json:"include_extensions,omitempty"`
	ExcludePatterns      []string  `json:"exclude_patterns,omitempty"`
	Provider             string    `json:"provider,omitempty"`
	LastIndexedAt        time.Time `json:"last_indexed_at,omitzero"`

	// FileHashes backs hash-based delta detection for folders without
	// usable git history.
	FileHashes map[string]string `json:"file_hashes,omitempty"`
}

// IsLocal reports whether the repository indexes a local folder rather
// than a clone.
func (m *RepoMetadata) IsLocal() bool { return m.SourcePath != "" }

// Catalog persists repository metadata under {dataPath}/repos/{name}.
type Catalog struct {
	dataPath string
	mu       sync.Mutex
}

func NewCatalog(dataPath string) *Catalog {
	return &Catalog{dataPath: dataPath}
}

// RepoDir is the per-repository state directory.
func (c *Catalog) RepoDir(name string) string {
	return filepath.Join(c.dataPath, "repos", name)
}

// WorktreeDir is where clones of remote repositories live.
func (c *Catalog) WorktreeDir(name string) string {
	return filepath.Join(c.RepoDir(name), "worktree")
}

func (c *Catalog) metadataPath(name string) string {
	return filepath.Join(c.RepoDir(name), "metadata.json")
}

// validRepoName guards against path traversal through repository names.
func validRepoName(name string) error {
	if name == "" || name == "." || name == ".." ||
		strings.ContainsAny(name, "/\\") {
		return errors.NewInputError(
			fmt.Sprintf("Invalid repository name: %q", name),
			"repository names become directory names",
			"Use a simple name without path separators",
		)
	}
	return nil
}

// Get reads one repository's metadata, nil when unknown.
func (c *Catalog) Get(name string) (*RepoMetadata, error) {
	if err := validRepoName(name); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	data, err := os.ReadFile(c.metadataPath(name))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.NewStoreError(
			"Cannot read repository metadata",
			fmt.Sprintf("read %s failed", c.metadataPath(name)),
			"Check dataPath permissions",
			err,
		)
	}
	var meta RepoMetadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, errors.NewStoreError(
			"Repository metadata is corrupt",
			fmt.Sprintf("parse %s failed", c.metadataPath(name)),
			"Re-index the repository with --force",
			err,
		)
	}
	return &meta, nil
}

// Put writes metadata atomically via rename.
func (c *Catalog) Put(meta *RepoMetadata) error {
	if err := validRepoName(meta.Name); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	dir := c.RepoDir(meta.Name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.NewStoreError(
			"Cannot create repository state directory",
			fmt.Sprintf("mkdir %s failed", dir),
			"Check dataPath permissions",
			err,
		)
	}
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal metadata for %s: %w", meta.Name, err)
	}
	tmp := c.metadataPath(meta.Name) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return errors.NewStoreError(
			"Cannot write repository metadata",
			fmt.Sprintf("write %s failed", tmp),
			"Check dataPath permissions",
			err,
		)
	}
	return os.Rename(tmp, c.metadataPath(meta.Name))
}

// List reads metadata for every cataloged repository, sorted by name.
func (c *Catalog) List() ([]*RepoMetadata, error) {
	entries, err := os.ReadDir(filepath.Join(c.dataPath, "repos"))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var repos []*RepoMetadata
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		meta, err := c.Get(entry.Name())
		if err != nil || meta == nil {
			continue
		}
		repos = append(repos, meta)
	}
	sort.Slice(repos, func(i, j int) bool { return repos[i].Name < repos[j].Name })
	return repos, nil
}

// Delete removes all on-disk state for a repository.
func (c *Catalog) Delete(name string) error {
	if err := validRepoName(name); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return os.RemoveAll(c.RepoDir(name))
}
