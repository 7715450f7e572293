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
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/kraklabs/cks/internal/errors"
	"github.com/kraklabs/cks/internal/redact"
)

var (
	validGitURLPattern    = regexp.MustCompile(`^(https?://|git@|ssh://|file://)[\w.\-@:/%~]+$`)
	dangerousCharsPattern = regexp.MustCompile(`[;&|$` + "`" + `\n\r\\]`)
)

// ValidateGitURL rejects URLs that could smuggle shell metacharacters
// or embedded credentials into a git invocation.
func ValidateGitURL(gitURL string) error {
	if gitURL == "" {
		return fmt.Errorf("git URL is empty")
	}
	if dangerousCharsPattern.MatchString(gitURL) {
		return fmt.Errorf("git URL contains dangerous characters")
	}
	if strings.HasPrefix(gitURL, "http://") || strings.HasPrefix(gitURL, "https://") {
		parsed, err := url.Parse(gitURL)
		if err != nil {
			return fmt.Errorf("invalid URL format: %w", err)
		}
		if parsed.Host == "" {
			return fmt.Errorf("git URL missing host")
		}
		if parsed.User != nil {
			if _, hasPassword := parsed.User.Password(); hasPassword {
				return fmt.Errorf("git URL should not contain an embedded password")
			}
		}
		return nil
	}
	if strings.HasPrefix(gitURL, "git@") || strings.HasPrefix(gitURL, "ssh://") {
		if !validGitURLPattern.MatchString(gitURL) {
			return fmt.Errorf("invalid SSH git URL format")
		}
		return nil
	}
	if strings.HasPrefix(gitURL, "file://") {
		return nil
	}
	return fmt.Errorf("unsupported git URL protocol: must be https://, git@, ssh://, or file://")
}

// RepoNameFromURL derives a repository name from its clone URL.
func RepoNameFromURL(gitURL string) string {
	name := strings.TrimSuffix(gitURL, "/")
	name = strings.TrimSuffix(name, ".git")
	if idx := strings.LastIndexAny(name, "/:"); idx >= 0 {
		name = name[idx+1:]
	}
	if name == "" {
		return "repository"
	}
	return name
}

// sanitizeURLForLog strips query parameters and user info before a URL
// reaches the log stream.
func sanitizeURLForLog(gitURL string) string {
	if parsed, err := url.Parse(gitURL); err == nil {
		parsed.RawQuery = ""
		if parsed.User != nil {
			parsed.User = url.User("***")
		}
		return parsed.String()
	}
	return redact.String(gitURL)
}

// Git runs git subcommands against one working tree.
type Git struct {
	dir    string
	logger *slog.Logger
}

func NewGit(dir string, logger *slog.Logger) *Git {
	if logger == nil {
		logger = slog.Default()
	}
	return &Git{dir: dir, logger: logger}
}

func (g *Git) run(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = g.dir
	out, err := cmd.Output()
	if err != nil {
		detail := err.Error()
		if exitErr, ok := err.(*exec.ExitError); ok && len(exitErr.Stderr) > 0 {
			detail = strings.TrimSpace(string(exitErr.Stderr))
		}
		return "", fmt.Errorf("git %s: %s", args[0], redact.String(detail))
	}
	return strings.TrimSpace(string(out)), nil
}

// Clone clones into dest. Branch, when set, checks out that branch.
func Clone(ctx context.Context, gitURL, dest, branch string, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	if err := ValidateGitURL(gitURL); err != nil {
		return errors.NewInputError(
			"Invalid repository URL",
			err.Error(),
			"Use an https://, git@, ssh://, or file:// URL without embedded credentials",
		)
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("create clone parent dir: %w", err)
	}

	args := []string{"clone", "--quiet", gitURL, dest}
	if branch != "" {
		args = []string{"clone", "--quiet", "--branch", branch, gitURL, dest}
	}
	logger.Info("git.clone.start", "url", sanitizeURLForLog(gitURL), "dest", dest)

	// #nosec G204 -- gitURL is validated above.
	cmd := exec.CommandContext(ctx, "git", args...)
	if out, err := cmd.CombinedOutput(); err != nil {
		_ = os.RemoveAll(dest)
		return errors.NewNetworkError(
			"Git clone failed",
			redact.String(strings.TrimSpace(string(out))),
			"Check the URL, your network, and repository access",
			err,
		)
	}
	logger.Info("git.clone.success", "url", sanitizeURLForLog(gitURL), "dest", dest)
	return nil
}

// IsRepository reports whether dir is inside a git work tree.
func (g *Git) IsRepository(ctx context.Context) bool {
	_, err := g.run(ctx, "rev-parse", "--git-dir")
	return err == nil
}

// Fetch updates remote tracking refs.
func (g *Git) Fetch(ctx context.Context) error {
	if _, err := g.run(ctx, "fetch", "--quiet", "origin"); err != nil {
		return errors.NewNetworkError(
			"Git fetch failed",
			err.Error(),
			"Check your network and repository access",
			err,
		)
	}
	return nil
}

// Pull fast-forwards the work tree to the remote branch.
func (g *Git) Pull(ctx context.Context) error {
	if _, err := g.run(ctx, "pull", "--quiet", "--ff-only"); err != nil {
		return errors.NewNetworkError(
			"Git pull failed",
			err.Error(),
			"Resolve local changes in the working tree, or re-index with --force",
			err,
		)
	}
	return nil
}

// ResolveRef resolves a ref to its commit SHA.
func (g *Git) ResolveRef(ctx context.Context, ref string) (string, error) {
	return g.run(ctx, "rev-parse", ref)
}

// HeadSHA returns the current HEAD commit.
func (g *Git) HeadSHA(ctx context.Context) (string, error) {
	return g.ResolveRef(ctx, "HEAD")
}

// CommitMessage returns the subject line of a commit.
func (g *Git) CommitMessage(ctx context.Context, sha string) (string, error) {
	return g.run(ctx, "log", "-1", "--format=%s", sha)
}

// shortSHA truncates a SHA for log lines.
func shortSHA(sha string) string {
	if len(sha) > 8 {
		return sha[:8]
	}
	return sha
}
