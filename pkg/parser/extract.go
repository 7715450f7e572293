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
	"sort"
	"strings"
	"unicode"

	sitter "github.com/smacker/go-tree-sitter"
)

// extraction accumulates one file's entities, imports, and calls while
// walking the AST.
type extraction struct {
	spec    *grammarSpec
	content []byte
	result  *ParseResult

	// rawCalls keeps call sites until entities are known; finish()
	// attributes each to the innermost enclosing entity.
	rawCalls []rawCall
}

type rawCall struct {
	callee string
	line   int
	async  bool
}

func (ex *extraction) walk(node *sitter.Node) {
	if node == nil {
		return
	}
	nodeType := node.Type()

	if kind, ok := ex.spec.functions[nodeType]; ok {
		ex.addEntity(node, kind)
	} else if kind, ok := ex.spec.types[nodeType]; ok {
		ex.addEntity(node, ex.refineTypeKind(node, kind))
	} else if impKind, ok := ex.spec.imports[nodeType]; ok {
		ex.addImport(node, impKind)
	} else if ex.spec.calls[nodeType] {
		ex.addCall(node)
	} else if nodeType == "export_statement" {
		ex.addExport(node)
	}

	for i := 0; i < int(node.ChildCount()); i++ {
		ex.walk(node.Child(i))
	}
}

// refineTypeKind distinguishes Go's interface and alias type_specs,
// which share one node type.
func (ex *extraction) refineTypeKind(node *sitter.Node, kind EntityKind) EntityKind {
	if node.Type() != "type_spec" {
		return kind
	}
	if t := node.ChildByFieldName("type"); t != nil {
		switch t.Type() {
		case "interface_type":
			return KindInterface
		case "struct_type":
			return KindStruct
		default:
			return KindTypeAlias
		}
	}
	return kind
}

func (ex *extraction) addEntity(node *sitter.Node, kind EntityKind) {
	name := ex.entityName(node)
	if name == "" {
		return
	}

	e := Entity{
		Kind:      kind,
		Name:      name,
		Signature: ex.signature(node),
		StartLine: int(node.StartPoint().Row) + 1,
		EndLine:   int(node.EndPoint().Row) + 1,
		StartCol:  int(node.StartPoint().Column) + 1,
		EndCol:    int(node.EndPoint().Column) + 1,
		Async:     hasAsyncKeyword(node, ex.content),
	}
	e.Exported = ex.isExported(node, name)
	e.Extends, e.Implements = ex.heritage(node)
	ex.result.Entities = append(ex.result.Entities, e)
}

// entityName resolves the declared name. Most grammars put it in the
// "name" field; C/C++ bury it in a declarator chain.
func (ex *extraction) entityName(node *sitter.Node) string {
	if n := node.ChildByFieldName("name"); n != nil {
		return ex.text(n)
	}
	if decl := node.ChildByFieldName("declarator"); decl != nil {
		return ex.declaratorName(decl)
	}
	return ""
}

// declaratorName digs through C/C++ declarators for the identifier.
func (ex *extraction) declaratorName(node *sitter.Node) string {
	for node != nil {
		switch node.Type() {
		case "identifier", "field_identifier", "qualified_identifier":
			return ex.text(node)
		}
		if d := node.ChildByFieldName("declarator"); d != nil {
			node = d
			continue
		}
		return ""
	}
	return ""
}

// signature is the declaration head: node text up to the body.
func (ex *extraction) signature(node *sitter.Node) string {
	end := node.EndByte()
	if body := node.ChildByFieldName("body"); body != nil {
		end = body.StartByte()
	}
	sig := strings.TrimSpace(string(ex.content[node.StartByte():end]))
	if idx := strings.IndexByte(sig, '\n'); idx > 0 && len(sig) > 200 {
		sig = sig[:idx]
	}
	if len(sig) > 300 {
		sig = sig[:300]
	}
	return sig
}

// hasAsyncKeyword detects an async modifier token on the declaration.
func hasAsyncKeyword(node *sitter.Node, content []byte) bool {
	for i := 0; i < int(node.ChildCount()); i++ {
		child := node.Child(i)
		if child.Type() == "async" || (child.Type() == "modifier" && string(content[child.StartByte():child.EndByte()]) == "async") {
			return true
		}
	}
	return false
}

func (ex *extraction) isExported(node *sitter.Node, name string) bool {
	if ex.spec.exportedByCase {
		for _, r := range name {
			return unicode.IsUpper(r)
		}
		return false
	}
	// Python convention: leading underscore means private.
	if ex.result.Language == "python" {
		return !strings.HasPrefix(name, "_")
	}
	// JS/TS: inside an export statement.
	for p := node.Parent(); p != nil; p = p.Parent() {
		if p.Type() == "export_statement" {
			return true
		}
	}
	return false
}

// heritage collects supertype names from extends/implements clauses.
func (ex *extraction) heritage(node *sitter.Node) (extends, implements []string) {
	// Field-based grammars (java: superclass/interfaces, python:
	// superclasses, ruby: superclass).
	if sc := node.ChildByFieldName("superclass"); sc != nil {
		extends = append(extends, ex.typeNames(sc)...)
	}
	if sc := node.ChildByFieldName("superclasses"); sc != nil {
		extends = append(extends, ex.typeNames(sc)...)
	}
	if ifaces := node.ChildByFieldName("interfaces"); ifaces != nil {
		implements = append(implements, ex.typeNames(ifaces)...)
	}

	// Clause-based grammars (ts/js: class_heritage, extends_clause,
	// implements_clause).
	for i := 0; i < int(node.ChildCount()); i++ {
		child := node.Child(i)
		switch child.Type() {
		case "class_heritage":
			for j := 0; j < int(child.ChildCount()); j++ {
				cl := child.Child(j)
				switch cl.Type() {
				case "extends_clause":
					extends = append(extends, ex.typeNames(cl)...)
				case "implements_clause":
					implements = append(implements, ex.typeNames(cl)...)
				}
			}
			// JS grammar puts the expression directly under class_heritage.
			if child.NamedChildCount() > 0 && child.NamedChild(0).Type() == "identifier" {
				extends = append(extends, ex.text(child.NamedChild(0)))
			}
		case "extends_clause":
			extends = append(extends, ex.typeNames(child)...)
		case "implements_clause":
			implements = append(implements, ex.typeNames(child)...)
		}
	}
	return dedupe(extends), dedupe(implements)
}

// typeNames collects type identifiers under a heritage clause node.
func (ex *extraction) typeNames(node *sitter.Node) []string {
	var names []string
	var visit func(n *sitter.Node)
	visit = func(n *sitter.Node) {
		if n == nil {
			return
		}
		switch n.Type() {
		case "type_identifier", "identifier", "constant", "scoped_type_identifier", "scoped_identifier":
			names = append(names, ex.text(n))
			return
		}
		for i := 0; i < int(n.NamedChildCount()); i++ {
			visit(n.NamedChild(i))
		}
	}
	visit(node)
	return names
}

func (ex *extraction) addImport(node *sitter.Node, kind string) {
	imp := Import{Kind: kind, Line: int(node.StartPoint().Row) + 1}

	switch node.Type() {
	case "import_spec": // go
		if p := node.ChildByFieldName("path"); p != nil {
			imp.Module = strings.Trim(ex.text(p), `"`)
		}
	case "import_statement": // js/ts, python
		if src := node.ChildByFieldName("source"); src != nil {
			imp.Module = strings.Trim(ex.text(src), `"'`)
			imp.Symbols = ex.importedSymbols(node)
			if len(imp.Symbols) == 0 {
				imp.Kind = "side_effect"
			}
		} else if n := node.ChildByFieldName("name"); n != nil {
			imp.Module = ex.text(n)
		} else {
			// python: import a.b.c [as d]
			for i := 0; i < int(node.NamedChildCount()); i++ {
				c := node.NamedChild(i)
				if c.Type() == "dotted_name" || c.Type() == "aliased_import" {
					imp.Module = ex.text(c)
					break
				}
			}
		}
	case "import_from_statement": // python
		if mod := node.ChildByFieldName("module_name"); mod != nil {
			imp.Module = ex.text(mod)
		}
		for i := 0; i < int(node.NamedChildCount()); i++ {
			c := node.NamedChild(i)
			if c.Type() == "dotted_name" && ex.text(c) != imp.Module {
				imp.Symbols = append(imp.Symbols, ex.text(c))
			}
		}
	case "import_declaration": // java
		for i := 0; i < int(node.NamedChildCount()); i++ {
			c := node.NamedChild(i)
			if c.Type() == "scoped_identifier" || c.Type() == "identifier" {
				imp.Module = ex.text(c)
				break
			}
		}
	case "use_declaration": // rust
		if arg := node.ChildByFieldName("argument"); arg != nil {
			imp.Module = ex.text(arg)
		}
	case "preproc_include": // c/cpp
		if p := node.ChildByFieldName("path"); p != nil {
			imp.Module = strings.Trim(ex.text(p), `"<>`)
		}
	}

	if imp.Module != "" {
		ex.result.Imports = append(ex.result.Imports, imp)
	}
}

// importedSymbols reads the named bindings of a JS/TS import clause.
func (ex *extraction) importedSymbols(node *sitter.Node) []string {
	var symbols []string
	var visit func(n *sitter.Node)
	visit = func(n *sitter.Node) {
		if n == nil {
			return
		}
		switch n.Type() {
		case "import_specifier":
			if name := n.ChildByFieldName("name"); name != nil {
				symbols = append(symbols, ex.text(name))
			}
			return
		case "identifier": // default import
			symbols = append(symbols, ex.text(n))
			return
		case "namespace_import":
			symbols = append(symbols, "*")
			return
		case "string": // the source, not a binding
			return
		}
		for i := 0; i < int(n.NamedChildCount()); i++ {
			visit(n.NamedChild(i))
		}
	}
	for i := 0; i < int(node.NamedChildCount()); i++ {
		c := node.NamedChild(i)
		if c.Type() == "import_clause" {
			visit(c)
		}
	}
	return symbols
}

func (ex *extraction) addCall(node *sitter.Node) {
	calleeNode := node.ChildByFieldName(ex.spec.calleeField)
	if calleeNode == nil {
		return
	}
	callee := ex.calleeName(calleeNode)
	if callee == "" {
		return
	}
	async := node.Parent() != nil && node.Parent().Type() == "await_expression"
	ex.rawCalls = append(ex.rawCalls, rawCall{
		callee: callee,
		line:   int(node.StartPoint().Row) + 1,
		async:  async,
	})
}

// calleeName reduces a called expression to its rightmost identifier:
// a.b.c() and this.save() both attribute to the member name.
func (ex *extraction) calleeName(node *sitter.Node) string {
	switch node.Type() {
	case "identifier", "field_identifier", "property_identifier", "attribute_identifier":
		return ex.text(node)
	case "member_expression", "attribute":
		if prop := node.ChildByFieldName("property"); prop != nil {
			return ex.text(prop)
		}
		if attr := node.ChildByFieldName("attribute"); attr != nil {
			return ex.text(attr)
		}
	case "selector_expression": // go
		if f := node.ChildByFieldName("field"); f != nil {
			return ex.text(f)
		}
	case "scoped_identifier": // rust paths
		if n := node.ChildByFieldName("name"); n != nil {
			return ex.text(n)
		}
	case "field_expression": // rust/c++ method calls
		if f := node.ChildByFieldName("field"); f != nil {
			return ex.text(f)
		}
	case "parenthesized_expression":
		if node.NamedChildCount() > 0 {
			return ex.calleeName(node.NamedChild(0))
		}
	}
	return ""
}

func (ex *extraction) addExport(node *sitter.Node) {
	line := int(node.StartPoint().Row) + 1
	// export { a, b }
	for i := 0; i < int(node.NamedChildCount()); i++ {
		c := node.NamedChild(i)
		if c.Type() == "export_clause" {
			for j := 0; j < int(c.NamedChildCount()); j++ {
				spec := c.NamedChild(j)
				if name := spec.ChildByFieldName("name"); name != nil {
					ex.result.Exports = append(ex.result.Exports, Export{Name: ex.text(name), Line: line})
				}
			}
			return
		}
	}
	// export [default] <declaration>
	if decl := node.ChildByFieldName("declaration"); decl != nil {
		if name := decl.ChildByFieldName("name"); name != nil {
			ex.result.Exports = append(ex.result.Exports, Export{
				Name: ex.text(name),
				Kind: decl.Type(),
				Line: line,
			})
		}
	}
}

// finish attributes raw calls to the innermost enclosing entity and
// aggregates duplicates into counted edges.
func (ex *extraction) finish() {
	if len(ex.rawCalls) == 0 {
		return
	}

	type key struct {
		caller, callee string
		async          bool
	}
	agg := make(map[key]*Call)
	order := make([]key, 0, len(ex.rawCalls))

	for _, rc := range ex.rawCalls {
		caller := ex.enclosingEntity(rc.line)
		if caller == "" {
			continue // top-level call, no owning entity
		}
		k := key{caller: caller, callee: rc.callee, async: rc.async}
		if c, ok := agg[k]; ok {
			c.Count++
			continue
		}
		agg[k] = &Call{Caller: caller, Callee: rc.callee, Count: 1, Async: rc.async, Line: rc.line}
		order = append(order, k)
	}

	for _, k := range order {
		ex.result.Calls = append(ex.result.Calls, *agg[k])
	}
}

// enclosingEntity finds the function-like entity with the smallest span
// containing the line.
func (ex *extraction) enclosingEntity(line int) string {
	best := ""
	bestSpan := -1
	for _, e := range ex.result.Entities {
		if e.Kind != KindFunction && e.Kind != KindMethod {
			continue
		}
		if line < e.StartLine || line > e.EndLine {
			continue
		}
		span := e.EndLine - e.StartLine
		if bestSpan == -1 || span < bestSpan {
			best = e.Name
			bestSpan = span
		}
	}
	return best
}

func (ex *extraction) text(node *sitter.Node) string {
	return string(ex.content[node.StartByte():node.EndByte()])
}

func dedupe(in []string) []string {
	if len(in) < 2 {
		return in
	}
	seen := make(map[string]struct{}, len(in))
	out := in[:0]
	for _, s := range in {
		if _, dup := seen[s]; dup {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
