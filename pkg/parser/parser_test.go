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
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRouter(t *testing.T) *Router {
	t.Helper()
	return NewRouter(DefaultLimits, nil)
}

func entityNames(result *ParseResult) map[string]EntityKind {
	names := make(map[string]EntityKind, len(result.Entities))
	for _, e := range result.Entities {
		names[e.Name] = e.Kind
	}
	return names
}

func TestLanguageForPath(t *testing.T) {
	assert.Equal(t, "typescript", LanguageForPath("src/app.ts"))
	assert.Equal(t, "tsx", LanguageForPath("src/App.tsx"))
	assert.Equal(t, "go", LanguageForPath("main.go"))
	assert.Equal(t, "csharp", LanguageForPath("Service.cs"))
	assert.Equal(t, "", LanguageForPath("README.md"))
}

func TestRouterRejectsOversizedFile(t *testing.T) {
	r := NewRouter(Limits{MaxFileSizeBytes: 10, ParseTimeoutMs: 1000}, nil)
	result := r.Parse(context.Background(), "big.go", []byte("package main // well over ten bytes"))

	assert.False(t, result.Success)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0].Message, "size limit")
}

func TestRouterUnsupportedExtension(t *testing.T) {
	r := newTestRouter(t)
	result := r.Parse(context.Background(), "notes.txt", []byte("plain text"))

	assert.False(t, result.Success)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0].Message, "unsupported")
}

func TestGoParser_FunctionsAndTypes(t *testing.T) {
	src := `package svc

import "fmt"

type Store interface {
	Get(id string) (string, error)
}

type memStore struct {
	data map[string]string
}

func NewStore() Store {
	return &memStore{data: make(map[string]string)}
}

func (s *memStore) Get(id string) (string, error) {
	return lookup(s.data, id)
}

func lookup(m map[string]string, id string) (string, error) {
	v, ok := m[id]
	if !ok {
		return "", fmt.Errorf("missing %s", id)
	}
	return v, nil
}
`
	r := newTestRouter(t)
	result := r.Parse(context.Background(), "store.go", []byte(src))
	require.True(t, result.Success)

	names := entityNames(result)
	assert.Equal(t, KindInterface, names["Store"])
	assert.Equal(t, KindStruct, names["memStore"])
	assert.Equal(t, KindFunction, names["NewStore"])
	assert.Equal(t, KindMethod, names["Get"])
	assert.Equal(t, KindFunction, names["lookup"])

	require.Len(t, result.Imports, 1)
	assert.Equal(t, "fmt", result.Imports[0].Module)

	// Get calls lookup; NewStore is exported by case.
	var foundCall bool
	for _, c := range result.Calls {
		if c.Caller == "Get" && c.Callee == "lookup" {
			foundCall = true
		}
	}
	assert.True(t, foundCall, "expected Get -> lookup call edge, got %+v", result.Calls)

	for _, e := range result.Entities {
		if e.Name == "NewStore" {
			assert.True(t, e.Exported)
		}
		if e.Name == "lookup" {
			assert.False(t, e.Exported)
		}
	}
}

func TestTypeScriptParser_EntitiesImportsCalls(t *testing.T) {
	src := `import { Repository } from "./repository";
import axios from "axios";

export interface User {
	id: string;
	name: string;
}

export class UserService extends BaseService implements Repository {
	async fetchUser(id: string): Promise<User> {
		const res = await axios.get("/users/" + id);
		return this.decode(res);
	}

	decode(raw: unknown): User {
		return validate(raw);
	}
}

function validate(raw: unknown): User {
	return raw as User;
}
`
	r := newTestRouter(t)
	result := r.Parse(context.Background(), "user_service.ts", []byte(src))
	require.True(t, result.Success)

	names := entityNames(result)
	assert.Equal(t, KindInterface, names["User"])
	assert.Equal(t, KindClass, names["UserService"])
	assert.Equal(t, KindMethod, names["fetchUser"])
	assert.Equal(t, KindFunction, names["validate"])

	require.Len(t, result.Imports, 2)
	assert.Equal(t, "./repository", result.Imports[0].Module)
	assert.Equal(t, []string{"Repository"}, result.Imports[0].Symbols)
	assert.Equal(t, "axios", result.Imports[1].Module)

	for _, e := range result.Entities {
		switch e.Name {
		case "UserService":
			assert.Equal(t, []string{"BaseService"}, e.Extends)
			assert.Equal(t, []string{"Repository"}, e.Implements)
			assert.True(t, e.Exported)
		case "fetchUser":
			assert.True(t, e.Async)
		}
	}

	var gotDecode, gotValidate bool
	for _, c := range result.Calls {
		if c.Caller == "fetchUser" && c.Callee == "decode" {
			gotDecode = true
		}
		if c.Caller == "decode" && c.Callee == "validate" {
			gotValidate = true
		}
	}
	assert.True(t, gotDecode, "calls: %+v", result.Calls)
	assert.True(t, gotValidate, "calls: %+v", result.Calls)
}

func TestPythonParser_ClassesAndImports(t *testing.T) {
	src := `import os
from typing import Optional

class BaseHandler:
    def handle(self, req):
        return self.render(req)

    def render(self, req):
        return str(req)

def _helper(x):
    return x
`
	r := newTestRouter(t)
	result := r.Parse(context.Background(), "handler.py", []byte(src))
	require.True(t, result.Success)

	names := entityNames(result)
	assert.Equal(t, KindClass, names["BaseHandler"])
	assert.Equal(t, KindFunction, names["handle"])

	require.GreaterOrEqual(t, len(result.Imports), 2)
	assert.Equal(t, "os", result.Imports[0].Module)
	assert.Equal(t, "typing", result.Imports[1].Module)
	assert.Contains(t, result.Imports[1].Symbols, "Optional")

	for _, e := range result.Entities {
		if e.Name == "_helper" {
			assert.False(t, e.Exported)
		}
	}
}

func TestCSharpParser_StructuralSurface(t *testing.T) {
	src := `using System;
using System.Collections.Generic;
using static System.Math;

namespace Acme.Billing
{
    public interface IInvoiceStore
    {
        Invoice Load(string id);
    }

    public class InvoiceService : ServiceBase, IInvoiceStore, IDisposable
    {
        private readonly List<Invoice> cache = new List<Invoice>();

        public Invoice Load(string id)
        {
            var found = Find(id);
            return found;
        }

        private Invoice Find(string id)
        {
            return cache.Find(i => i.Id == id);
        }

        public async Task SaveAsync(Invoice invoice)
        {
            await Persist(invoice);
        }

        public void Dispose() { }
    }
}
`
	r := newTestRouter(t)
	result := r.Parse(context.Background(), "InvoiceService.cs", []byte(src))
	require.True(t, result.Success)

	names := entityNames(result)
	assert.Equal(t, KindInterface, names["IInvoiceStore"])
	assert.Equal(t, KindClass, names["InvoiceService"])
	assert.Equal(t, KindMethod, names["Load"])
	assert.Equal(t, KindMethod, names["SaveAsync"])

	require.Len(t, result.Imports, 3)
	assert.Equal(t, "System", result.Imports[0].Module)
	assert.Equal(t, "using_static", result.Imports[2].Kind)

	for _, e := range result.Entities {
		switch e.Name {
		case "InvoiceService":
			assert.Equal(t, []string{"ServiceBase"}, e.Extends)
			assert.Equal(t, []string{"IInvoiceStore", "IDisposable"}, e.Implements)
			assert.Greater(t, e.EndLine, e.StartLine)
		case "SaveAsync":
			assert.True(t, e.Async)
		case "Load":
			assert.Equal(t, "InvoiceService", e.Parent)
		}
	}

	var loadCallsFind bool
	for _, c := range result.Calls {
		if c.Caller == "Load" && c.Callee == "Find" {
			loadCallsFind = true
		}
	}
	assert.True(t, loadCallsFind, "calls: %+v", result.Calls)
}

func TestCSharpParser_ExpressionBodiedAndComments(t *testing.T) {
	src := `// using System.Fake;
/* public class NotReal { } */
using System.Text;

public class Formatter
{
    public string Upper(string s) => s.ToUpper();
}
`
	r := newTestRouter(t)
	result := r.Parse(context.Background(), "Formatter.cs", []byte(src))
	require.True(t, result.Success)

	require.Len(t, result.Imports, 1)
	assert.Equal(t, "System.Text", result.Imports[0].Module)

	names := entityNames(result)
	assert.Equal(t, KindClass, names["Formatter"])
	assert.Equal(t, KindMethod, names["Upper"])
	_, hasFake := names["NotReal"]
	assert.False(t, hasFake)
}

func TestParserHandlesSyntaxErrors(t *testing.T) {
	src := "package main\n\nfunc broken( {\n"
	r := newTestRouter(t)
	result := r.Parse(context.Background(), "broken.go", []byte(src))

	// Still a result, with the problem reported, never a panic.
	assert.NotNil(t, result)
	if !result.Success {
		assert.NotEmpty(t, result.Errors)
	}
}

func TestSignatureTruncation(t *testing.T) {
	long := "func longOne(" + strings.Repeat("a int, ", 100) + ") {}"
	src := "package main\n\n" + long + "\n"
	r := newTestRouter(t)
	result := r.Parse(context.Background(), "long.go", []byte(src))

	for _, e := range result.Entities {
		assert.LessOrEqual(t, len(e.Signature), 300)
	}
}
