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

package graph

import (
	"path/filepath"
	"strings"
	"time"

	"github.com/kraklabs/cks/pkg/parser"
)

// Extraction is a parsed file converted to graph shape: its nodes, the
// edges that can be created immediately, and the references that need
// the cross-file resolution pass.
type Extraction struct {
	File     *Node
	Entities []*Node
	Modules  []*Node
	Edges    []Edge

	// PendingCalls are CALLS edges whose callee is still a bare name.
	PendingCalls []PendingCall

	// PendingSupertypes are EXTENDS/IMPLEMENTS edges whose target is a
	// bare type name.
	PendingSupertypes []PendingSupertype
}

// PendingCall references a callee by name, resolved per-repo later.
type PendingCall struct {
	CallerID string
	Callee   string
	Count    int
	Async    bool
}

// PendingSupertype references a supertype by name.
type PendingSupertype struct {
	ClassID  string
	Name     string
	EdgeType EdgeType // EXTENDS or IMPLEMENTS
}

// FileMeta carries file facts the parser does not know.
type FileMeta struct {
	Hash      string
	SizeBytes int64
	ModTime   time.Time
}

// ExtractFile converts one parse result into graph shape.
func ExtractFile(repo string, meta FileMeta, pr *parser.ParseResult) *Extraction {
	fileID := FileID(repo, pr.FilePath)
	ex := &Extraction{
		File: &Node{
			ID:   fileID,
			Kind: KindFile,
			File: &FileNode{
				Repo:      repo,
				Path:      pr.FilePath,
				Extension: filepath.Ext(pr.FilePath),
				Hash:      meta.Hash,
				SizeBytes: meta.SizeBytes,
				ModTime:   meta.ModTime,
			},
		},
	}

	// entityIDByName backs call-edge attribution within this file.
	entityIDByName := make(map[string]string)

	for _, e := range pr.Entities {
		switch e.Kind {
		case parser.KindFunction, parser.KindMethod:
			id := FunctionID(repo, pr.FilePath, e.Name, e.StartLine)
			ex.Entities = append(ex.Entities, &Node{
				ID:   id,
				Kind: KindFunction,
				Function: &FunctionNode{
					Repo:      repo,
					File:      pr.FilePath,
					Name:      e.Name,
					Signature: e.Signature,
					StartLine: e.StartLine,
					EndLine:   e.EndLine,
					Async:     e.Async,
					Exported:  e.Exported,
				},
			})
			if _, dup := entityIDByName[e.Name]; !dup {
				entityIDByName[e.Name] = id
			}
			ex.Edges = append(ex.Edges, NewEdge(EdgeDefines, fileID, id, map[string]any{
				"start_line": int64(e.StartLine),
				"end_line":   int64(e.EndLine),
			}))
		default:
			id := ClassID(repo, pr.FilePath, e.Name, e.StartLine)
			ex.Entities = append(ex.Entities, &Node{
				ID:   id,
				Kind: KindClass,
				Class: &ClassNode{
					Repo:      repo,
					File:      pr.FilePath,
					Name:      e.Name,
					Kind:      classKindOf(e.Kind),
					StartLine: e.StartLine,
					EndLine:   e.EndLine,
					Exported:  e.Exported,
				},
			})
			ex.Edges = append(ex.Edges, NewEdge(EdgeDefines, fileID, id, map[string]any{
				"start_line": int64(e.StartLine),
				"end_line":   int64(e.EndLine),
			}))
			for _, sup := range e.Extends {
				ex.PendingSupertypes = append(ex.PendingSupertypes, PendingSupertype{
					ClassID: id, Name: sup, EdgeType: EdgeExtends,
				})
			}
			for _, sup := range e.Implements {
				ex.PendingSupertypes = append(ex.PendingSupertypes, PendingSupertype{
					ClassID: id, Name: sup, EdgeType: EdgeImplements,
				})
			}
		}
	}

	seenModules := make(map[string]bool)
	for _, imp := range pr.Imports {
		modID := ModuleID(repo, imp.Module)
		if !seenModules[modID] {
			seenModules[modID] = true
			ex.Modules = append(ex.Modules, &Node{
				ID:   modID,
				Kind: KindModule,
				Module: &ModuleNode{
					Repo: repo,
					Name: imp.Module,
					Type: classifyModule(pr.Language, imp.Module),
				},
			})
		}
		ex.Edges = append(ex.Edges, NewEdge(EdgeImports, fileID, modID, map[string]any{
			"import_type": importTypeOf(imp),
			"symbols":     imp.Symbols,
		}))
	}

	for _, call := range pr.Calls {
		callerID, ok := entityIDByName[call.Caller]
		if !ok {
			continue
		}
		ex.PendingCalls = append(ex.PendingCalls, PendingCall{
			CallerID: callerID,
			Callee:   call.Callee,
			Count:    call.Count,
			Async:    call.Async,
		})
	}

	return ex
}

// classKindOf maps parser entity kinds to the stored class kind.
func classKindOf(kind parser.EntityKind) ClassKind {
	switch kind {
	case parser.KindInterface:
		return ClassKindInterface
	case parser.KindEnum:
		return ClassKindEnum
	case parser.KindTypeAlias:
		return ClassKindType
	default:
		return ClassKindClass
	}
}

// importTypeOf maps parser import shapes to the stored import_type.
func importTypeOf(imp parser.Import) string {
	switch {
	case imp.Kind == "side_effect":
		return "side-effect"
	case len(imp.Symbols) == 1 && imp.Symbols[0] == "*":
		return "namespace"
	default:
		return "named"
	}
}

// nodeBuiltins are module names resolved by the Node.js runtime itself.
var nodeBuiltins = map[string]bool{
	"assert": true, "buffer": true, "child_process": true, "crypto": true,
	"events": true, "fs": true, "http": true, "https": true, "net": true,
	"os": true, "path": true, "process": true, "stream": true, "url": true,
	"util": true, "zlib": true, "worker_threads": true,
}

// pyBuiltins are common Python standard-library top-level modules.
var pyBuiltins = map[string]bool{
	"os": true, "sys": true, "re": true, "json": true, "typing": true,
	"math": true, "time": true, "datetime": true, "collections": true,
	"itertools": true, "functools": true, "pathlib": true, "logging": true,
	"subprocess": true, "threading": true, "asyncio": true, "abc": true,
	"dataclasses": true, "enum": true, "io": true, "unittest": true,
}

// classifyModule decides npm/local/builtin from the import path shape.
func classifyModule(language, module string) ModuleType {
	if strings.HasPrefix(module, ".") || strings.HasPrefix(module, "/") {
		return ModuleLocal
	}
	switch language {
	case "javascript", "typescript", "tsx":
		base := strings.TrimPrefix(module, "node:")
		if nodeBuiltins[strings.SplitN(base, "/", 2)[0]] {
			return ModuleBuiltin
		}
		return ModuleNPM
	case "python":
		if pyBuiltins[strings.SplitN(module, ".", 2)[0]] {
			return ModuleBuiltin
		}
		return ModuleNPM
	case "go":
		// Standard library packages have no dot in the first segment.
		first := strings.SplitN(module, "/", 2)[0]
		if !strings.Contains(first, ".") {
			return ModuleBuiltin
		}
		return ModuleNPM
	default:
		return ModuleNPM
	}
}
