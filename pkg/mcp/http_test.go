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

package mcp

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kraklabs/cks/pkg/session"
)

type httpFixture struct {
	*fixture
	url      string
	client   *http.Client
	sessions *session.Manager
}

func newHTTPFixture(t *testing.T) *httpFixture {
	t.Helper()
	f := newFixture(t)
	logger := slog.New(slog.DiscardHandler)
	sessions := session.NewManager(session.ManagerConfig{MaxSessions: 4}, logger)
	t.Cleanup(sessions.Shutdown)

	srv := httptest.NewServer(NewHTTPHandler(f.server, sessions, logger))
	t.Cleanup(srv.Close)
	return &httpFixture{fixture: f, url: srv.URL, client: srv.Client(), sessions: sessions}
}

func (h *httpFixture) post(t *testing.T, sessionID, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, h.url, bytes.NewReader([]byte(body)))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if sessionID != "" {
		req.Header.Set(sessionHeader, sessionID)
	}
	resp, err := h.client.Do(req)
	require.NoError(t, err)
	return resp
}

func (h *httpFixture) open(t *testing.T) string {
	t.Helper()
	resp := h.post(t, "", `{"jsonrpc":"2.0","id":1,"method":"initialize"}`)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	id := resp.Header.Get(sessionHeader)
	require.NotEmpty(t, id)
	return id
}

func TestHTTPInitializeOpensSession(t *testing.T) {
	h := newHTTPFixture(t)

	resp := h.post(t, "", `{"jsonrpc":"2.0","id":1,"method":"initialize"}`)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get(sessionHeader))
	assert.Equal(t, 1, h.sessions.Count())

	var body jsonRPCResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Nil(t, body.Error)
	assert.NotNil(t, body.Result)
}

func TestHTTPRequiresSession(t *testing.T) {
	h := newHTTPFixture(t)

	resp := h.post(t, "", `{"jsonrpc":"2.0","id":1,"method":"tools/list"}`)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = h.post(t, "bogus", `{"jsonrpc":"2.0","id":1,"method":"tools/list"}`)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHTTPToolsListWithSession(t *testing.T) {
	h := newHTTPFixture(t)
	id := h.open(t)

	resp := h.post(t, id, `{"jsonrpc":"2.0","id":2,"method":"tools/list"}`)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Result struct {
			Tools []tool `json:"tools"`
		} `json:"result"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.NotEmpty(t, body.Result.Tools)
}

func TestHTTPNotificationAccepted(t *testing.T) {
	h := newHTTPFixture(t)
	id := h.open(t)

	resp := h.post(t, id, `{"jsonrpc":"2.0","method":"notifications/initialized"}`)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
}

func TestHTTPParseError(t *testing.T) {
	h := newHTTPFixture(t)

	resp := h.post(t, "", `{not json`)
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	var body jsonRPCResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.NotNil(t, body.Error)
	assert.Equal(t, codeInvalidRequest, body.Error.Code)
}

func TestHTTPDeleteEndsSession(t *testing.T) {
	h := newHTTPFixture(t)
	id := h.open(t)

	req, err := http.NewRequest(http.MethodDelete, h.url, nil)
	require.NoError(t, err)
	req.Header.Set(sessionHeader, id)
	resp, err := h.client.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, 0, h.sessions.Count())

	after := h.post(t, id, `{"jsonrpc":"2.0","id":3,"method":"tools/list"}`)
	defer after.Body.Close()
	assert.Equal(t, http.StatusNotFound, after.StatusCode)
}

func TestHTTPSessionCapacity(t *testing.T) {
	h := newHTTPFixture(t)
	for i := 0; i < 4; i++ {
		h.open(t)
	}

	resp := h.post(t, "", `{"jsonrpc":"2.0","id":1,"method":"initialize"}`)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestHTTPMethodNotAllowed(t *testing.T) {
	h := newHTTPFixture(t)
	req, err := http.NewRequest(http.MethodPut, h.url, strings.NewReader("{}"))
	require.NoError(t, err)
	resp, err := h.client.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestServeStdio(t *testing.T) {
	f := newFixture(t)

	input := strings.Join([]string{
		`{"jsonrpc":"2.0","id":1,"method":"initialize"}`,
		`{"jsonrpc":"2.0","method":"notifications/initialized"}`,
		`{"jsonrpc":"2.0","id":2,"method":"tools/list"}`,
		`not json at all`,
	}, "\n") + "\n"

	var out bytes.Buffer
	require.NoError(t, f.server.ServeStdio(t.Context(), strings.NewReader(input), &out))

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 3)

	var init jsonRPCResponse
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &init))
	assert.Nil(t, init.Error)

	var list jsonRPCResponse
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &list))
	assert.Nil(t, list.Error)

	var parseErr jsonRPCResponse
	require.NoError(t, json.Unmarshal([]byte(lines[2]), &parseErr))
	require.NotNil(t, parseErr.Error)
	assert.Equal(t, codeInvalidRequest, parseErr.Error.Code)
}
