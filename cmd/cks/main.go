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

// Package main implements the cks CLI: a personal code knowledge
// server that indexes repositories into a vector store and a code
// knowledge graph, and answers semantic and structural queries over
// MCP.
//
// Usage:
//
//	cks init                      Create the data directory and config
//	cks index <source>            Index a git URL or local folder
//	cks update <repo>             Incrementally re-index a repository
//	cks list [--json]             List indexed repositories
//	cks remove <repo>             Remove a repository and its data
//	cks search <query>            Semantic code search
//	cks graph <subcommand>        Knowledge graph queries
//	cks status                    Backing store health and repo counts
//	cks watch                     Watch configured folders and re-index
//	cks serve                     Serve MCP over streamable HTTP
//	cks mcp                       Serve MCP over stdio
package main

import (
	"fmt"
	"log/slog"
	"os"

	flag "github.com/spf13/pflag"

	"github.com/kraklabs/cks/internal/ui"
)

// Version information (set via ldflags during build)
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// GlobalFlags are parsed before the subcommand and passed everywhere.
type GlobalFlags struct {
	ConfigPath string
	JSON       bool
	Quiet      bool
	NoColor    bool
	Verbose    int
}

func main() {
	globals := GlobalFlags{}
	fs := flag.NewFlagSet("cks", flag.ExitOnError)
	fs.StringVar(&globals.ConfigPath, "config", "", "Path to config.yaml (default: $CKS_DATA_PATH/config.yaml or ~/.cks/config.yaml)")
	fs.BoolVar(&globals.JSON, "json", false, "Emit a single JSON object instead of human-readable output")
	fs.BoolVarP(&globals.Quiet, "quiet", "q", false, "Suppress progress output")
	fs.BoolVar(&globals.NoColor, "no-color", false, "Disable colored output")
	fs.CountVarP(&globals.Verbose, "verbose", "v", "Increase log verbosity (-v info, -vv debug)")
	showVersion := fs.Bool("version", false, "Show version and exit")
	fs.SetInterspersed(false)

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, `cks - code knowledge server

cks indexes git repositories and local folders into a searchable
knowledge base: a Qdrant vector store for semantic search and an
embedded knowledge graph for structural queries. AI assistants reach
it over the Model Context Protocol.

Usage:
  cks <command> [options]

Commands:
  init          Create the data directory and default configuration
  index         Index a git URL or local folder
  update        Incrementally re-index a repository
  list          List indexed repositories
  remove        Remove a repository and all of its data
  search        Semantic code search
  graph         Knowledge graph queries (deps, dependents, path, architecture, metrics)
  status        Backing store health and per-repository counts
  watch         Watch configured folders and re-index on change
  serve         Serve MCP over streamable HTTP (plus /metrics)
  mcp           Serve MCP over stdio

Global Options:
  --config      Path to config.yaml
  --json        Emit a single JSON object on stdout
  -q, --quiet   Suppress progress output
  --no-color    Disable colored output
  -v            Increase log verbosity (repeatable)
  --version     Show version and exit

Examples:
  cks init
  cks index https://github.com/user/repo.git
  cks index ~/code/myproject --name myproject
  cks update myproject
  cks search "http retry with backoff" --repo myproject
  cks graph dependents UserService --repo myproject
  cks serve

Data Storage:
  State lives under ~/.cks (override with CKS_DATA_PATH).

Environment Variables:
  QDRANT_HOST, QDRANT_PORT   Vector store location
  OPENAI_API_KEY             OpenAI embedding credentials
  OLLAMA_HOST                Ollama daemon URL

For detailed command help: cks <command> --help

`)
	}

	if err := fs.Parse(os.Args[1:]); err != nil {
		os.Exit(1)
	}
	if *showVersion {
		fmt.Printf("cks version %s\n", version)
		fmt.Printf("commit: %s\n", commit)
		fmt.Printf("built: %s\n", date)
		return
	}

	// JSON output implies no progress noise on stderr.
	if globals.JSON {
		globals.Quiet = true
	}
	ui.InitColors(globals.NoColor)

	args := fs.Args()
	if len(args) == 0 {
		fs.Usage()
		os.Exit(1)
	}

	command := args[0]
	cmdArgs := args[1:]

	switch command {
	case "init":
		runInit(cmdArgs, globals)
	case "index":
		runIndex(cmdArgs, globals)
	case "update":
		runUpdate(cmdArgs, globals)
	case "list":
		runList(cmdArgs, globals)
	case "remove":
		runRemove(cmdArgs, globals)
	case "search":
		runSearch(cmdArgs, globals)
	case "graph":
		runGraph(cmdArgs, globals)
	case "status":
		runStatus(cmdArgs, globals)
	case "watch":
		runWatch(cmdArgs, globals)
	case "serve":
		runServe(cmdArgs, globals)
	case "mcp":
		runMCPServer(cmdArgs, globals)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", command)
		fs.Usage()
		os.Exit(1)
	}
}

// newLogger builds the CLI logger. Logs always go to stderr so stdout
// stays clean for command output and MCP frames.
func newLogger(globals GlobalFlags) *slog.Logger {
	level := slog.LevelWarn
	switch {
	case globals.Verbose >= 2:
		level = slog.LevelDebug
	case globals.Verbose == 1:
		level = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
