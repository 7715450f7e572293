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
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/kraklabs/cks/pkg/session"
)

const (
	sessionHeader   = "Mcp-Session-Id"
	maxHTTPBody     = 10 * 1024 * 1024
	ssePingInterval = 30 * time.Second
)

// httpSession is one streamable-HTTP client. The events channel feeds
// the client's GET stream; Close unblocks it.
type httpSession struct {
	id     string
	events chan jsonRPCResponse

	once sync.Once
	done chan struct{}
}

func newHTTPSession(id string) *httpSession {
	return &httpSession{
		id:     id,
		events: make(chan jsonRPCResponse, 16),
		done:   make(chan struct{}),
	}
}

func (s *httpSession) Close(ctx context.Context) error {
	s.once.Do(func() { close(s.done) })
	return nil
}

// HTTPHandler serves the MCP streamable HTTP transport on a single
// endpoint: POST carries client messages, GET opens the server push
// stream, DELETE ends the session.
type HTTPHandler struct {
	server   *Server
	sessions *session.Manager
	logger   *slog.Logger
}

func NewHTTPHandler(server *Server, sessions *session.Manager, logger *slog.Logger) *HTTPHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPHandler{server: server, sessions: sessions, logger: logger}
}

func (h *HTTPHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		h.handlePost(w, r)
	case http.MethodGet:
		h.handleGet(w, r)
	case http.MethodDelete:
		h.handleDelete(w, r)
	default:
		w.Header().Set("Allow", "POST, GET, DELETE")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *HTTPHandler) handlePost(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxHTTPBody+1))
	if err != nil {
		http.Error(w, "reading request body", http.StatusBadRequest)
		return
	}
	if len(body) > maxHTTPBody {
		http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
		return
	}

	var req jsonRPCRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, jsonRPCResponse{
			JSONRPC: "2.0",
			Error:   &rpcError{Code: codeInvalidRequest, Message: "Parse error", Data: err.Error()},
		})
		return
	}

	// initialize opens a session; every other message must carry one.
	if req.Method == "initialize" {
		id := session.NewID()
		if err := h.sessions.Add(id, newHTTPSession(id)); err != nil {
			http.Error(w, "too many active sessions", http.StatusServiceUnavailable)
			return
		}
		h.logger.Info("mcp.http.session_opened", "session_id", id)
		w.Header().Set(sessionHeader, id)
		writeJSON(w, http.StatusOK, h.server.HandleRequest(r.Context(), req))
		return
	}

	if _, ok := h.requireSession(w, r); !ok {
		return
	}

	resp := h.server.HandleRequest(r.Context(), req)
	if req.isNotification() || resp.empty() {
		w.WriteHeader(http.StatusAccepted)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleGet opens the server push stream as server-sent events. The
// stream idles on keep-alive comments until the server has something
// to send or the session ends.
func (h *HTTPHandler) handleGet(w http.ResponseWriter, r *http.Request) {
	transport, ok := h.requireSession(w, r)
	if !ok {
		return
	}
	hs, ok := transport.(*httpSession)
	if !ok {
		http.Error(w, "session does not support streaming", http.StatusBadRequest)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ping := time.NewTicker(ssePingInterval)
	defer ping.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-hs.done:
			return
		case resp := <-hs.events:
			data, err := json.Marshal(resp)
			if err != nil {
				h.logger.Warn("mcp.http.encode_failed", "error", err)
				continue
			}
			if _, err := w.Write(append(append([]byte("data: "), data...), '\n', '\n')); err != nil {
				return
			}
			flusher.Flush()
		case <-ping.C:
			if _, err := io.WriteString(w, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func (h *HTTPHandler) handleDelete(w http.ResponseWriter, r *http.Request) {
	id := r.Header.Get(sessionHeader)
	if id == "" {
		http.Error(w, "session required", http.StatusBadRequest)
		return
	}
	if _, ok := h.sessions.Get(id); !ok {
		http.Error(w, "unknown session", http.StatusNotFound)
		return
	}
	h.sessions.Remove(id)
	h.logger.Info("mcp.http.session_closed", "session_id", id)
	w.WriteHeader(http.StatusNoContent)
}

// requireSession resolves the session header, writing the error
// response itself when the session is missing or unknown.
func (h *HTTPHandler) requireSession(w http.ResponseWriter, r *http.Request) (session.Transport, bool) {
	id := r.Header.Get(sessionHeader)
	if id == "" {
		http.Error(w, "session required", http.StatusBadRequest)
		return nil, false
	}
	transport, ok := h.sessions.Get(id)
	if !ok {
		http.Error(w, "unknown session", http.StatusNotFound)
		return nil, false
	}
	return transport, true
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
