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
	"sync"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/c"
	"github.com/smacker/go-tree-sitter/cpp"
	"github.com/smacker/go-tree-sitter/golang"
	"github.com/smacker/go-tree-sitter/java"
	"github.com/smacker/go-tree-sitter/javascript"
	"github.com/smacker/go-tree-sitter/python"
	"github.com/smacker/go-tree-sitter/ruby"
	"github.com/smacker/go-tree-sitter/rust"
	"github.com/smacker/go-tree-sitter/typescript/tsx"
	"github.com/smacker/go-tree-sitter/typescript/typescript"
)

// grammarSpec describes how to read one language's AST: which node types
// declare entities, imports, and calls, and which fields carry names.
type grammarSpec struct {
	language *sitter.Language

	// functions maps function-like node types to the entity kind.
	functions map[string]EntityKind

	// types maps type-like node types to the entity kind.
	types map[string]EntityKind

	// imports maps import node types to the import kind recorded.
	imports map[string]string

	// calls lists call-expression node types.
	calls map[string]bool

	// calleeField is the field holding the called expression.
	calleeField string

	// exportedByCase marks languages where capitalization means exported.
	exportedByCase bool
}

// Grammar specs cover the AST language family. Node type names follow
// each tree-sitter grammar.
var grammarSpecs = map[string]*grammarSpec{
	"go": {
		language: golang.GetLanguage(),
		functions: map[string]EntityKind{
			"function_declaration": KindFunction,
			"method_declaration":   KindMethod,
		},
		types: map[string]EntityKind{
			"type_spec": KindStruct, // refined to interface/alias by inspection
		},
		imports:        map[string]string{"import_spec": "static"},
		calls:          map[string]bool{"call_expression": true},
		calleeField:    "function",
		exportedByCase: true,
	},
	"javascript": {
		language: javascript.GetLanguage(),
		functions: map[string]EntityKind{
			"function_declaration":           KindFunction,
			"generator_function_declaration": KindFunction,
			"method_definition":              KindMethod,
		},
		types: map[string]EntityKind{
			"class_declaration": KindClass,
		},
		imports:     map[string]string{"import_statement": "static"},
		calls:       map[string]bool{"call_expression": true},
		calleeField: "function",
	},
	"typescript": {
		language: typescript.GetLanguage(),
		functions: map[string]EntityKind{
			"function_declaration":           KindFunction,
			"generator_function_declaration": KindFunction,
			"method_definition":              KindMethod,
			"function_signature":             KindFunction,
			"method_signature":               KindMethod,
		},
		types: map[string]EntityKind{
			"class_declaration":      KindClass,
			"interface_declaration":  KindInterface,
			"type_alias_declaration": KindTypeAlias,
			"enum_declaration":       KindEnum,
		},
		imports:     map[string]string{"import_statement": "static"},
		calls:       map[string]bool{"call_expression": true},
		calleeField: "function",
	},
	"python": {
		language: python.GetLanguage(),
		functions: map[string]EntityKind{
			"function_definition": KindFunction,
		},
		types: map[string]EntityKind{
			"class_definition": KindClass,
		},
		imports: map[string]string{
			"import_statement":      "static",
			"import_from_statement": "from",
		},
		calls:       map[string]bool{"call": true},
		calleeField: "function",
	},
	"java": {
		language: java.GetLanguage(),
		functions: map[string]EntityKind{
			"method_declaration":      KindMethod,
			"constructor_declaration": KindMethod,
		},
		types: map[string]EntityKind{
			"class_declaration":     KindClass,
			"interface_declaration": KindInterface,
			"enum_declaration":      KindEnum,
		},
		imports:     map[string]string{"import_declaration": "static"},
		calls:       map[string]bool{"method_invocation": true},
		calleeField: "name",
	},
	"rust": {
		language: rust.GetLanguage(),
		functions: map[string]EntityKind{
			"function_item": KindFunction,
		},
		types: map[string]EntityKind{
			"struct_item": KindStruct,
			"enum_item":   KindEnum,
			"trait_item":  KindInterface,
			"type_item":   KindTypeAlias,
		},
		imports:     map[string]string{"use_declaration": "static"},
		calls:       map[string]bool{"call_expression": true},
		calleeField: "function",
	},
	"c": {
		language: c.GetLanguage(),
		functions: map[string]EntityKind{
			"function_definition": KindFunction,
		},
		types: map[string]EntityKind{
			"struct_specifier": KindStruct,
			"enum_specifier":   KindEnum,
			"type_definition":  KindTypeAlias,
		},
		imports:     map[string]string{"preproc_include": "static"},
		calls:       map[string]bool{"call_expression": true},
		calleeField: "function",
	},
	"cpp": {
		language: cpp.GetLanguage(),
		functions: map[string]EntityKind{
			"function_definition": KindFunction,
		},
		types: map[string]EntityKind{
			"class_specifier":  KindClass,
			"struct_specifier": KindStruct,
			"enum_specifier":   KindEnum,
			"type_definition":  KindTypeAlias,
		},
		imports:     map[string]string{"preproc_include": "static"},
		calls:       map[string]bool{"call_expression": true},
		calleeField: "function",
	},
	"ruby": {
		language: ruby.GetLanguage(),
		functions: map[string]EntityKind{
			"method":           KindMethod,
			"singleton_method": KindMethod,
		},
		types: map[string]EntityKind{
			"class":  KindClass,
			"module": KindInterface,
		},
		imports:     map[string]string{},
		calls:       map[string]bool{"call": true},
		calleeField: "method",
	},
}

func init() {
	// TSX shares the TypeScript spec with its own grammar.
	tsxSpec := *grammarSpecs["typescript"]
	tsxSpec.language = tsx.GetLanguage()
	grammarSpecs["tsx"] = &tsxSpec
}

// treeSitterBackend parses the AST language family.
//
// sitter.Parser instances are not safe for concurrent use, so each
// language keeps a pool. Pools are built once, on first need.
type treeSitterBackend struct {
	logger   *slog.Logger
	pools    map[string]*sync.Pool
	initOnce sync.Once
}

func newTreeSitterBackend(logger *slog.Logger) *treeSitterBackend {
	return &treeSitterBackend{logger: logger}
}

// Languages implements Backend.
func (b *treeSitterBackend) Languages() []string {
	langs := make([]string, 0, len(grammarSpecs))
	for lang := range grammarSpecs {
		langs = append(langs, lang)
	}
	return langs
}

// initPools builds the per-language parser pools. Safe to invoke
// concurrently; runs at most once.
func (b *treeSitterBackend) initPools() {
	b.initOnce.Do(func() {
		b.pools = make(map[string]*sync.Pool, len(grammarSpecs))
		for lang, spec := range grammarSpecs {
			language := spec.language
			b.pools[lang] = &sync.Pool{New: func() any {
				p := sitter.NewParser()
				p.SetLanguage(language)
				return p
			}}
		}
	})
}

// Parse implements Backend.
func (b *treeSitterBackend) Parse(ctx context.Context, filePath, language string, content []byte) (*ParseResult, error) {
	b.initPools()

	spec, ok := grammarSpecs[language]
	if !ok {
		return nil, fmt.Errorf("no grammar for language %q", language)
	}
	pool := b.pools[language]
	p := pool.Get().(*sitter.Parser)
	defer pool.Put(p)

	tree, err := p.ParseCtx(ctx, nil, content)
	if err != nil {
		return nil, fmt.Errorf("tree-sitter parse: %w", err)
	}
	defer tree.Close()

	result := &ParseResult{FilePath: filePath, Language: language, Success: true}

	root := tree.RootNode()
	if root.HasError() {
		if n := countErrorNodes(root); n > 0 {
			b.logger.Warn("parser.treesitter.syntax_errors", "path", filePath, "language", language, "error_count", n)
			result.Errors = append(result.Errors, ParseError{
				Message: fmt.Sprintf("%d syntax error(s); extraction is partial", n),
			})
		}
	}

	ex := &extraction{spec: spec, content: content, result: result}
	ex.walk(root)
	ex.finish()
	return result, nil
}

// countErrorNodes counts ERROR nodes in the tree.
func countErrorNodes(node *sitter.Node) int {
	if node == nil {
		return 0
	}
	count := 0
	if node.Type() == "ERROR" {
		count++
	}
	for i := 0; i < int(node.ChildCount()); i++ {
		count += countErrorNodes(node.Child(i))
	}
	return count
}
