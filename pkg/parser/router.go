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

package parser

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Backend parses files of the languages it declares.
type Backend interface {
	// Parse analyzes content and returns a structural summary. Syntax
	// problems land in result.Errors, not in the error return; a non-nil
	// error means the backend itself failed.
	Parse(ctx context.Context, filePath, language string, content []byte) (*ParseResult, error)

	// Languages lists the language identifiers this backend handles.
	Languages() []string
}

// Limits bound per-file parsing work. Violations produce a result with
// a recoverable error, never a panic or a hard failure.
type Limits struct {
	MaxFileSizeBytes int64
	ParseTimeoutMs   int
}

// DefaultLimits matches typical source trees: nothing legitimate is
// bigger than 2 MB, nothing legitimate parses longer than 30 s.
var DefaultLimits = Limits{
	MaxFileSizeBytes: 2 * 1024 * 1024,
	ParseTimeoutMs:   30000,
}

// Router dispatches files to backends by extension.
type Router struct {
	limits   Limits
	backends map[string]Backend
	logger   *slog.Logger
}

// NewRouter builds a router with both required backends registered:
// tree-sitter for the AST languages and the managed scanner for C#.
func NewRouter(limits Limits, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	if limits.MaxFileSizeBytes <= 0 {
		limits.MaxFileSizeBytes = DefaultLimits.MaxFileSizeBytes
	}
	if limits.ParseTimeoutMs <= 0 {
		limits.ParseTimeoutMs = DefaultLimits.ParseTimeoutMs
	}

	r := &Router{
		limits:   limits,
		backends: make(map[string]Backend),
		logger:   logger,
	}
	r.Register(newTreeSitterBackend(logger))
	r.Register(newManagedBackend(logger))
	return r
}

// Register binds a backend to every language it declares.
func (r *Router) Register(b Backend) {
	for _, lang := range b.Languages() {
		r.backends[lang] = b
	}
}

// Supports reports whether any backend handles the file's language.
func (r *Router) Supports(filePath string) bool {
	lang := LanguageForPath(filePath)
	_, ok := r.backends[lang]
	return lang != "" && ok
}

// Parse routes one file to its backend, enforcing size and time limits.
func (r *Router) Parse(ctx context.Context, filePath string, content []byte) *ParseResult {
	lang := LanguageForPath(filePath)
	start := time.Now()

	failed := func(msg string) *ParseResult {
		return &ParseResult{
			FilePath:    filePath,
			Language:    lang,
			Errors:      []ParseError{{Message: msg}},
			ParseTimeMs: time.Since(start).Milliseconds(),
			Success:     false,
		}
	}

	backend, ok := r.backends[lang]
	if lang == "" || !ok {
		return failed(fmt.Sprintf("unsupported file type: %s", filePath))
	}
	if int64(len(content)) > r.limits.MaxFileSizeBytes {
		return failed(fmt.Sprintf("file exceeds size limit (%d > %d bytes)", len(content), r.limits.MaxFileSizeBytes))
	}

	ctx, cancel := context.WithTimeout(ctx, time.Duration(r.limits.ParseTimeoutMs)*time.Millisecond)
	defer cancel()

	result, err := backend.Parse(ctx, filePath, lang, content)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			r.logger.Warn("parser.timeout", "path", filePath, "timeout_ms", r.limits.ParseTimeoutMs)
			return failed(fmt.Sprintf("parse timed out after %dms", r.limits.ParseTimeoutMs))
		}
		r.logger.Warn("parser.backend_error", "path", filePath, "err", err)
		return failed(err.Error())
	}

	result.ParseTimeMs = time.Since(start).Milliseconds()
	return result
}
