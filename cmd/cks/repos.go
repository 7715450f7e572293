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

	flag "github.com/spf13/pflag"

	"github.com/kraklabs/cks/internal/bootstrap"
	"github.com/kraklabs/cks/internal/config"
	"github.com/kraklabs/cks/internal/errors"
	"github.com/kraklabs/cks/internal/output"
	"github.com/kraklabs/cks/internal/ui"
	"github.com/kraklabs/cks/pkg/ingestion"
)

// newCatalog opens the metadata catalog without the full service stack.
func newCatalog(cfg *config.Config) *ingestion.Catalog {
	return ingestion.NewCatalog(cfg.DataPath)
}

// runList executes the 'list' command.
func runList(args []string, globals GlobalFlags) {
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, `Usage: cks list [options]

Description:
  List indexed repositories with their status and statistics.

Examples:
  cks list
  cks list --json
`)
	}
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	cfg, err := config.Load(globals.ConfigPath)
	if err != nil {
		errors.FatalError(err, globals.JSON)
	}

	// Listing only touches the catalog; no stores needed.
	metas, err := newCatalog(cfg).List()
	if err != nil {
		errors.FatalError(err, globals.JSON)
	}

	if globals.JSON {
		_ = output.JSON(map[string]any{
			"repositories": metas,
			"total":        len(metas),
		})
		return
	}

	if len(metas) == 0 {
		ui.Info("No repositories indexed yet. Run `cks index <url-or-path>` to add one.")
		return
	}

	ui.Header("Indexed Repositories")
	for _, m := range metas {
		source := m.URL
		if m.IsLocal() {
			source = m.SourcePath
		}
		fmt.Printf("%s  %s\n", ui.Label(m.Name), ui.DimText(source))
		fmt.Printf("  status: %s  files: %s  chunks: %s",
			ui.StatusText(m.Status), ui.CountText(m.FileCount), ui.CountText(m.ChunkCount))
		if m.LastIndexedCommitSHA != "" {
			fmt.Printf("  commit: %s", shortSHA(m.LastIndexedCommitSHA))
		}
		fmt.Println()
	}
}

// runRemove executes the 'remove' command.
func runRemove(args []string, globals GlobalFlags) {
	fs := flag.NewFlagSet("remove", flag.ExitOnError)
	yes := fs.Bool("yes", false, "Skip the confirmation prompt")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, `Usage: cks remove <repository> [options]

Description:
  Remove a repository and all of its indexed data: the vector
  collection, its knowledge graph subtree, and any managed clone.
  This cannot be undone.

Options:
`)
		fs.PrintDefaults()
		fmt.Fprintf(os.Stderr, `
Examples:
  cks remove myproject
  cks remove myproject --yes
`)
	}

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
	if fs.NArg() != 1 {
		fs.Usage()
		os.Exit(1)
	}
	repo := fs.Arg(0)

	if !*yes && !globals.JSON {
		fmt.Printf("Remove %s and all of its indexed data? [y/N] ", repo)
		var answer string
		_, _ = fmt.Scanln(&answer)
		if answer != "y" && answer != "Y" {
			ui.Info("Aborted")
			return
		}
	}

	logger := newLogger(globals)
	cfg, err := config.Load(globals.ConfigPath)
	if err != nil {
		errors.FatalError(err, globals.JSON)
	}
	app, err := bootstrap.Open(cfg, logger)
	if err != nil {
		errors.FatalError(err, globals.JSON)
	}
	defer func() { _ = app.Close() }()

	if err := app.Ingest.RemoveRepository(context.Background(), repo); err != nil {
		errors.FatalError(err, globals.JSON)
	}

	if globals.JSON {
		_ = output.JSON(output.Removal{Repository: repo, Removed: true})
		return
	}
	ui.Successf("Removed %s", repo)
}
