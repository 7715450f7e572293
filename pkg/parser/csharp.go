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
	"log/slog"
	"regexp"
	"strings"
)

// managedBackend parses C# with line scanning and brace tracking.
//
// C# needs Roslyn for a faithful AST and there is no Go binding, so this
// backend extracts the structural surface - using directives, type
// declarations with base lists, methods, same-file calls - the way the
// simplified pattern parser does. Nested local functions and expression
// trees are beyond it; those limitations surface as missing entities,
// never as errors.
type managedBackend struct {
	logger *slog.Logger
}

func newManagedBackend(logger *slog.Logger) *managedBackend {
	return &managedBackend{logger: logger}
}

// Languages implements Backend.
func (b *managedBackend) Languages() []string { return []string{"csharp"} }

var (
	csUsingRe = regexp.MustCompile(`^\s*(?:global\s+)?using\s+(static\s+)?([\w.]+)\s*;`)
	csTypeRe  = regexp.MustCompile(`^\s*(?:\[[\w(), ."=]*\]\s*)*((?:public|private|protected|internal|static|abstract|sealed|partial|readonly|unsafe)\s+)*(class|interface|struct|enum|record)\s+(\w+)(?:<[^>]*>)?(?:\s*:\s*([^{]+?))?\s*(?:\{|$)`)
	// Return type + name + parameter list; constructors match with the
	// class name as the method name.
	csMethodRe = regexp.MustCompile(`^\s*((?:public|private|protected|internal|static|virtual|override|abstract|sealed|async|extern|unsafe|new|partial)\s+)+([\w<>\[\],. ?]+?\s+)?(\w+)\s*\(([^)]*)?`)
	csCallRe   = regexp.MustCompile(`(\w+)\s*\(`)
)

// csCallKeywords are identifiers before '(' that are not calls.
var csCallKeywords = map[string]bool{
	"if": true, "for": true, "foreach": true, "while": true, "switch": true,
	"using": true, "catch": true, "lock": true, "return": true, "new": true,
	"nameof": true, "typeof": true, "sizeof": true, "checked": true,
	"unchecked": true, "when": true, "throw": true, "base": true, "this": true,
}

// csScope is an open brace scope for a type or method.
type csScope struct {
	entityIdx int
	depth     int
	isMethod  bool
	opened    bool
	name      string
}

// Parse implements Backend.
func (b *managedBackend) Parse(ctx context.Context, filePath, language string, content []byte) (*ParseResult, error) {
	result := &ParseResult{FilePath: filePath, Language: language, Success: true}

	lines := strings.Split(string(content), "\n")
	depth := 0
	var scopes []csScope
	var rawCalls []rawCall
	inBlockComment := false

	for lineNo, line := range lines {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		n := lineNo + 1
		code, stillInComment := stripCSComments(line, inBlockComment)
		inBlockComment = stillInComment
		trimmed := strings.TrimSpace(code)
		if trimmed == "" {
			depth += braceDelta(code)
			continue
		}

		if m := csUsingRe.FindStringSubmatch(code); m != nil {
			kind := "using"
			if strings.TrimSpace(m[1]) == "static" {
				kind = "using_static"
			}
			result.Imports = append(result.Imports, Import{Module: m[2], Kind: kind, Line: n})
		} else if m := csTypeRe.FindStringSubmatch(code); m != nil {
			kind := map[string]EntityKind{
				"class":     KindClass,
				"interface": KindInterface,
				"struct":    KindStruct,
				"enum":      KindEnum,
				"record":    KindClass,
			}[m[2]]
			e := Entity{
				Kind:      kind,
				Name:      m[3],
				Signature: trimmed,
				StartLine: n,
				EndLine:   n,
				StartCol:  1 + len(line) - len(strings.TrimLeft(line, " \t")),
				Exported:  strings.Contains(code, "public"),
			}
			e.Extends, e.Implements = csBaseList(kind, m[4])
			result.Entities = append(result.Entities, e)
			scopes = append(scopes, csScope{entityIdx: len(result.Entities) - 1, depth: depth, name: e.Name})
			if e.Exported {
				result.Exports = append(result.Exports, Export{Name: e.Name, Kind: string(kind), Line: n})
			}
		} else if m := csMethodRe.FindStringSubmatch(code); m != nil && insideType(scopes) {
			name := m[3]
			if !csCallKeywords[name] {
				// Go keeps only the last repetition of a capture group, so
				// modifiers are read from the text before the method name.
				prefix := code
				if idx := strings.Index(code, name+"("); idx >= 0 {
					prefix = code[:idx]
				} else if idx := strings.Index(code, name); idx >= 0 {
					prefix = code[:idx]
				}
				e := Entity{
					Kind:      KindMethod,
					Name:      name,
					Signature: strings.TrimRight(trimmed, "{ "),
					Parent:    currentType(scopes),
					StartLine: n,
					EndLine:   n,
					StartCol:  1 + len(line) - len(strings.TrimLeft(line, " \t")),
					Async:     strings.Contains(prefix, "async "),
					Exported:  strings.Contains(prefix, "public "),
				}
				result.Entities = append(result.Entities, e)
				// Bodyless and one-line bodies end on their own line;
				// only multi-line bodies open a scope.
				oneLine := strings.HasSuffix(trimmed, ";") ||
					(strings.Contains(code, "{") && braceDelta(code) == 0)
				if !oneLine {
					scopes = append(scopes, csScope{entityIdx: len(result.Entities) - 1, depth: depth, isMethod: true, name: name})
				}
			}
		} else if method := currentMethod(scopes); method != "" {
			for _, cm := range csCallRe.FindAllStringSubmatch(code, -1) {
				if csCallKeywords[cm[1]] {
					continue
				}
				rawCalls = append(rawCalls, rawCall{callee: cm[1], line: n, async: strings.Contains(code, "await ")})
			}
		}

		depth += braceDelta(code)

		// Mark scopes whose body brace has opened; close the ones whose
		// brace has closed again. A scope that never opened (Allman-style
		// brace on the next line) stays pending.
		for i := range scopes {
			if depth > scopes[i].depth {
				scopes[i].opened = true
			}
		}
		for len(scopes) > 0 {
			top := scopes[len(scopes)-1]
			closed := (top.opened && depth <= top.depth) || depth < top.depth
			if !closed {
				break
			}
			result.Entities[top.entityIdx].EndLine = n
			scopes = scopes[:len(scopes)-1]
		}
	}

	// Any scope still open at EOF ends on the last line.
	for _, sc := range scopes {
		result.Entities[sc.entityIdx].EndLine = len(lines)
	}

	b.attributeCalls(result, rawCalls)
	return result, nil
}

// attributeCalls aggregates raw call sites onto their enclosing methods.
func (b *managedBackend) attributeCalls(result *ParseResult, raws []rawCall) {
	type key struct {
		caller, callee string
		async          bool
	}
	agg := make(map[key]*Call)
	var order []key

	for _, rc := range raws {
		caller := ""
		span := -1
		for _, e := range result.Entities {
			if e.Kind != KindMethod || rc.line < e.StartLine || rc.line > e.EndLine {
				continue
			}
			if span == -1 || e.EndLine-e.StartLine < span {
				caller = e.Name
				span = e.EndLine - e.StartLine
			}
		}
		if caller == "" || caller == rc.callee {
			continue
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
		result.Calls = append(result.Calls, *agg[k])
	}
}

// csBaseList splits a base list into extends and implements: the first
// non-interface-looking entry extends, I-prefixed names implement. C#
// does not distinguish syntactically, so the I-prefix convention is the
// only signal available to a scanner.
func csBaseList(kind EntityKind, list string) (extends, implements []string) {
	if strings.TrimSpace(list) == "" {
		return nil, nil
	}
	first := true
	for _, part := range strings.Split(list, ",") {
		name := strings.TrimSpace(part)
		if idx := strings.IndexAny(name, "<( "); idx > 0 {
			name = name[:idx]
		}
		if name == "" {
			continue
		}
		looksInterface := len(name) > 1 && name[0] == 'I' && name[1] >= 'A' && name[1] <= 'Z'
		if kind == KindInterface || looksInterface || !first {
			implements = append(implements, name)
		} else {
			extends = append(extends, name)
		}
		first = false
	}
	return extends, implements
}

// stripCSComments removes // and /* */ comment content from a line.
func stripCSComments(line string, inBlock bool) (string, bool) {
	var out strings.Builder
	i := 0
	for i < len(line) {
		if inBlock {
			if idx := strings.Index(line[i:], "*/"); idx >= 0 {
				i += idx + 2
				inBlock = false
				continue
			}
			return out.String(), true
		}
		if strings.HasPrefix(line[i:], "//") {
			return out.String(), false
		}
		if strings.HasPrefix(line[i:], "/*") {
			i += 2
			inBlock = true
			continue
		}
		out.WriteByte(line[i])
		i++
	}
	return out.String(), inBlock
}

// braceDelta counts net brace nesting on a line, ignoring braces inside
// string literals.
func braceDelta(code string) int {
	delta := 0
	inString := false
	var quote byte
	for i := 0; i < len(code); i++ {
		ch := code[i]
		if inString {
			if ch == '\\' {
				i++
			} else if ch == quote {
				inString = false
			}
			continue
		}
		switch ch {
		case '"', '\'':
			inString = true
			quote = ch
		case '{':
			delta++
		case '}':
			delta--
		}
	}
	return delta
}

func insideType(scopes []csScope) bool {
	for _, s := range scopes {
		if !s.isMethod {
			return true
		}
	}
	return false
}

func currentType(scopes []csScope) string {
	for i := len(scopes) - 1; i >= 0; i-- {
		if !scopes[i].isMethod {
			return scopes[i].name
		}
	}
	return ""
}

func currentMethod(scopes []csScope) string {
	for i := len(scopes) - 1; i >= 0; i-- {
		if scopes[i].isMethod {
			return scopes[i].name
		}
	}
	return ""
}
