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

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/kraklabs/cks/internal/errors"
	"github.com/kraklabs/cks/pkg/mcp"
	"github.com/kraklabs/cks/pkg/session"
)

// runMCPServer executes the 'mcp' command: JSON-RPC over stdio.
// Stdout carries only protocol frames; logs go to stderr.
func runMCPServer(args []string, globals GlobalFlags) {
	fs := flag.NewFlagSet("mcp", flag.ExitOnError)
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, `Usage: cks mcp

Description:
  Serve the knowledge base over the Model Context Protocol on stdio.
  This is the transport MCP clients spawn as a subprocess; configure
  it as:

    {"command": "cks", "args": ["mcp"]}
`)
	}
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	app := openApp(globals)
	defer func() { _ = app.Close() }()

	jobs := session.NewTracker(session.TrackerConfig{}, app.Logger)
	jobs.Start()
	defer jobs.Stop()

	server := mcp.NewServer(mcp.Config{
		Search:        app.Search,
		Graph:         app.GraphQuery,
		Ingest:        app.Ingest,
		Coordinator:   app.Coordinator,
		Jobs:          jobs,
		UpdateTimeout: time.Duration(app.Config.Server.UpdateTimeoutMinutes) * time.Minute,
		Logger:        app.Logger,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := server.ServeStdio(ctx, os.Stdin, os.Stdout); err != nil && ctx.Err() == nil {
		errors.FatalError(errors.NewInternalError(
			"MCP stdio transport failed",
			"The stdio loop ended with an error",
			"Check stderr logs for details",
			err,
		), globals.JSON)
	}
}
