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
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	flag "github.com/spf13/pflag"

	"github.com/kraklabs/cks/internal/errors"
	"github.com/kraklabs/cks/internal/ui"
	"github.com/kraklabs/cks/pkg/mcp"
	"github.com/kraklabs/cks/pkg/session"
)

// runServe executes the 'serve' command: MCP over streamable HTTP at
// /mcp, Prometheus metrics at /metrics.
func runServe(args []string, globals GlobalFlags) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	host := fs.String("host", "", "Bind address (default from config)")
	port := fs.Int("port", 0, "Port (default from config)")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, `Usage: cks serve [options]

Description:
  Serve the knowledge base over the Model Context Protocol on a
  streamable HTTP endpoint. Sessions are created by the initialize
  request and identified by the Mcp-Session-Id header. Prometheus
  metrics are exposed at /metrics and a liveness probe at /health.

Options:
`)
		fs.PrintDefaults()
		fmt.Fprintf(os.Stderr, `
Examples:
  cks serve
  cks serve --host 0.0.0.0 --port 8181
`)
	}

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	app := openApp(globals)
	defer func() { _ = app.Close() }()
	cfg := app.Config
	logger := app.Logger

	bindHost := cfg.Server.Host
	if *host != "" {
		bindHost = *host
	}
	bindPort := cfg.Server.Port
	if *port != 0 {
		bindPort = *port
	}
	addr := fmt.Sprintf("%s:%d", bindHost, bindPort)

	jobs := session.NewTracker(session.TrackerConfig{}, logger)
	jobs.Start()
	defer jobs.Stop()

	sessions := session.NewManager(session.ManagerConfig{
		MaxSessions: cfg.Server.MaxSessions,
		TTL:         time.Duration(cfg.Server.SessionTTLMinutes) * time.Minute,
	}, logger)
	sessions.Start()
	defer sessions.Shutdown()

	server := mcp.NewServer(mcp.Config{
		Search:        app.Search,
		Graph:         app.GraphQuery,
		Ingest:        app.Ingest,
		Coordinator:   app.Coordinator,
		Jobs:          jobs,
		UpdateTimeout: time.Duration(cfg.Server.UpdateTimeoutMinutes) * time.Minute,
		Logger:        logger,
	})

	mux := http.NewServeMux()
	mux.Handle("/mcp", mcp.NewHTTPHandler(server, sessions, logger))
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	httpServer := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	serveErr := make(chan error, 1)
	go func() { serveErr <- httpServer.ListenAndServe() }()

	if !globals.Quiet {
		ui.Successf("MCP server listening on http://%s/mcp", addr)
		fmt.Printf("  metrics: http://%s/metrics\n", addr)
	}
	logger.Info("serve.started", "addr", addr)

	select {
	case <-ctx.Done():
		logger.Info("serve.shutdown")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	case err := <-serveErr:
		if err != nil && err != http.ErrServerClosed {
			errors.FatalError(errors.NewNetworkError(
				"MCP server failed",
				fmt.Sprintf("Listening on %s failed", addr),
				"Check that the port is free or pick another with --port",
				err,
			), globals.JSON)
		}
	}
}
