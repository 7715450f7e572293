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
	"fmt"
	"log/slog"
	"strings"
	"time"

	stderrors "errors"

	"github.com/kraklabs/cks/internal/errors"
	"github.com/kraklabs/cks/internal/redact"
	"github.com/kraklabs/cks/pkg/graphquery"
	"github.com/kraklabs/cks/pkg/ingestion"
	"github.com/kraklabs/cks/pkg/search"
	"github.com/kraklabs/cks/pkg/session"
)

// Server dispatches MCP requests to the underlying services. It holds
// no business state of its own.
type Server struct {
	search *search.Service
	graph  *graphquery.Service
	ingest *ingestion.Service
	coord  *ingestion.Coordinator
	jobs   *session.Tracker
	logger *slog.Logger

	// updateTimeout bounds async update jobs.
	updateTimeout time.Duration
}

// Config wires the server's collaborators.
type Config struct {
	Search        *search.Service
	Graph         *graphquery.Service
	Ingest        *ingestion.Service
	Coordinator   *ingestion.Coordinator
	Jobs          *session.Tracker
	UpdateTimeout time.Duration
	Logger        *slog.Logger
}

func NewServer(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.UpdateTimeout
	if timeout <= 0 {
		timeout = 30 * time.Minute
	}
	return &Server{
		search:        cfg.Search,
		graph:         cfg.Graph,
		ingest:        cfg.Ingest,
		coord:         cfg.Coordinator,
		jobs:          cfg.Jobs,
		logger:        logger,
		updateTimeout: timeout,
	}
}

// HandleRequest serves one JSON-RPC request. Notifications produce an
// empty response that must not be written.
func (s *Server) HandleRequest(ctx context.Context, req jsonRPCRequest) jsonRPCResponse {
	switch req.Method {
	case "initialize":
		return jsonRPCResponse{
			JSONRPC: "2.0",
			ID:      req.ID,
			Result: initializeResult{
				ProtocolVersion: protocolVersion,
				Capabilities:    capabilities{Tools: map[string]any{"listChanged": false}},
				ServerInfo:      serverInfo{Name: serverName, Version: serverVersion},
			},
		}

	case "notifications/initialized", "notifications/cancelled":
		return jsonRPCResponse{}

	case "ping":
		return jsonRPCResponse{JSONRPC: "2.0", ID: req.ID, Result: map[string]any{}}

	case "tools/list":
		return jsonRPCResponse{
			JSONRPC: "2.0",
			ID:      req.ID,
			Result:  toolsListResult{Tools: toolCatalog()},
		}

	case "tools/call":
		var params toolCallParams
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return jsonRPCResponse{
				JSONRPC: "2.0",
				ID:      req.ID,
				Error:   &rpcError{Code: codeInvalidParams, Message: "Invalid params", Data: err.Error()},
			}
		}
		return jsonRPCResponse{
			JSONRPC: "2.0",
			ID:      req.ID,
			Result:  s.callTool(ctx, params),
		}

	default:
		return jsonRPCResponse{
			JSONRPC: "2.0",
			ID:      req.ID,
			Error:   &rpcError{Code: codeMethodNotFound, Message: "Method not found", Data: req.Method},
		}
	}
}

// callTool dispatches one tool invocation. Service errors become
// isError results, never protocol errors.
func (s *Server) callTool(ctx context.Context, params toolCallParams) *toolResult {
	handler, ok := s.toolHandlers()[params.Name]
	if !ok {
		return errorResult(fmt.Sprintf("Unknown tool: %s", params.Name))
	}
	if params.Arguments == nil {
		params.Arguments = map[string]any{}
	}

	start := time.Now()
	result := handler(ctx, params.Arguments)
	s.logger.Debug("mcp.tool.called",
		"tool", params.Name,
		"is_error", result.IsError,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return result
}

type toolHandler func(ctx context.Context, args map[string]any) *toolResult

func (s *Server) toolHandlers() map[string]toolHandler {
	return map[string]toolHandler{
		"semantic_search":   s.handleSemanticSearch,
		"get_dependencies":  s.handleGetDependencies,
		"get_dependents":    s.handleGetDependents,
		"get_path":          s.handleGetPath,
		"get_architecture":  s.handleGetArchitecture,
		"get_graph_metrics": s.handleGetGraphMetrics,
		"index_repository":  s.handleIndexRepository,
		"update_repository": s.handleUpdateRepository,
		"list_repositories": s.handleListRepositories,
		"remove_repository": s.handleRemoveRepository,
		"get_job_status":    s.handleGetJobStatus,
	}
}

// serviceError turns a service failure into an isError tool result
// with the three-part message shape, secrets redacted.
func serviceError(err error) *toolResult {
	var uerr *errors.UserError
	if stderrors.As(err, &uerr) {
		var b strings.Builder
		b.WriteString(redact.String(uerr.Message))
		if uerr.Cause != "" {
			b.WriteString("\nCause: ")
			b.WriteString(redact.String(uerr.Cause))
		}
		if uerr.Fix != "" {
			b.WriteString("\nFix: ")
			b.WriteString(uerr.Fix)
		}
		return errorResult(b.String())
	}
	return errorResult(redact.String(err.Error()))
}
