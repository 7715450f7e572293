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
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
)

const (
	stdioInitialBuffer = 1024 * 1024
	stdioMaxLine       = 10 * 1024 * 1024
)

// ServeStdio runs the newline-delimited JSON-RPC loop until the input
// closes or the context is cancelled. Nothing but protocol frames may
// be written to out; logs go elsewhere.
func (s *Server) ServeStdio(ctx context.Context, in io.Reader, out io.Writer) error {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, stdioInitialBuffer), stdioMaxLine)

	s.logger.Info("mcp.stdio.started")
	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var req jsonRPCRequest
		if err := json.Unmarshal(line, &req); err != nil {
			resp := jsonRPCResponse{
				JSONRPC: "2.0",
				Error:   &rpcError{Code: codeInvalidRequest, Message: "Parse error", Data: err.Error()},
			}
			if werr := writeFrame(out, resp); werr != nil {
				return werr
			}
			continue
		}

		resp := s.HandleRequest(ctx, req)
		if req.isNotification() || resp.empty() {
			continue
		}
		if err := writeFrame(out, resp); err != nil {
			return err
		}
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reading stdin: %w", err)
	}
	s.logger.Info("mcp.stdio.closed")
	return nil
}

func writeFrame(out io.Writer, resp jsonRPCResponse) error {
	data, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("encoding response: %w", err)
	}
	data = append(data, '\n')
	if _, err := out.Write(data); err != nil {
		return fmt.Errorf("writing response: %w", err)
	}
	return nil
}
