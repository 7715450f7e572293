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

// Package parser turns source files into a uniform structural summary:
// entities (functions, classes, interfaces), imports, exports, and
// same-file call edges. A router picks the backend per file extension;
// tree-sitter covers the AST languages and a line scanner covers C#.
package parser

import "path/filepath"

// EntityKind classifies an extracted entity.
type EntityKind string

const (
	KindFunction  EntityKind = "function"
	KindMethod    EntityKind = "method"
	KindClass     EntityKind = "class"
	KindInterface EntityKind = "interface"
	KindStruct    EntityKind = "struct"
	KindTypeAlias EntityKind = "type_alias"
	KindEnum      EntityKind = "enum"
)

// Entity is one named declaration in a source file.
type Entity struct {
	Kind      EntityKind `json:"kind"`
	Name      string     `json:"name"`
	Signature string     `json:"signature,omitempty"`
	Parent    string     `json:"parent,omitempty"`
	StartLine int        `json:"start_line"`
	EndLine   int        `json:"end_line"`
	StartCol  int        `json:"start_col"`
	EndCol    int        `json:"end_col"`
	Async     bool       `json:"async,omitempty"`
	Exported  bool       `json:"exported,omitempty"`

	// Extends and Implements carry unresolved supertype names; the graph
	// resolution pass binds them to in-repo entities or sentinels.
	Extends    []string `json:"extends,omitempty"`
	Implements []string `json:"implements,omitempty"`
}

// Import is one module import in a source file.
type Import struct {
	Module  string   `json:"module"`
	Kind    string   `json:"kind"` // static, from, side_effect, using
	Symbols []string `json:"symbols,omitempty"`
	Line    int      `json:"line"`
}

// Export is one exported symbol.
type Export struct {
	Name string `json:"name"`
	Kind string `json:"kind,omitempty"`
	Line int    `json:"line"`
}

// Call is a same-file call edge from a named entity to a callee name.
type Call struct {
	Caller string `json:"caller"`
	Callee string `json:"callee"`
	Count  int    `json:"count"`
	Async  bool   `json:"async,omitempty"`
	Line   int    `json:"line"`
}

// ParseError is a recoverable problem found while parsing one file.
// Files with errors still produce a (possibly partial) result.
type ParseError struct {
	Message string `json:"message"`
	Line    int    `json:"line,omitempty"`
}

// ParseResult is the uniform output of every backend.
type ParseResult struct {
	FilePath    string       `json:"file_path"`
	Language    string       `json:"language"`
	Entities    []Entity     `json:"entities"`
	Imports     []Import     `json:"imports"`
	Exports     []Export     `json:"exports"`
	Calls       []Call       `json:"calls"`
	Errors      []ParseError `json:"errors,omitempty"`
	ParseTimeMs int64        `json:"parse_time_ms"`
	Success     bool         `json:"success"`
}

// languageByExt maps file extensions to language identifiers.
var languageByExt = map[string]string{
	".ts":   "typescript",
	".tsx":  "tsx",
	".js":   "javascript",
	".jsx":  "javascript",
	".mjs":  "javascript",
	".cjs":  "javascript",
	".py":   "python",
	".java": "java",
	".go":   "go",
	".rs":   "rust",
	".c":    "c",
	".h":    "c",
	".cc":   "cpp",
	".cpp":  "cpp",
	".cxx":  "cpp",
	".hpp":  "cpp",
	".rb":   "ruby",
	".cs":   "csharp",
}

// LanguageForPath returns the language identifier for a file path, or ""
// when the extension is not a supported source language.
func LanguageForPath(path string) string {
	return languageByExt[filepath.Ext(path)]
}

// SupportedExtensions lists every extension a backend handles.
func SupportedExtensions() []string {
	exts := make([]string, 0, len(languageByExt))
	for ext := range languageByExt {
		exts = append(exts, ext)
	}
	return exts
}
