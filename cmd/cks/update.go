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

	flag "github.com/spf13/pflag"

	"github.com/kraklabs/cks/internal/bootstrap"
	"github.com/kraklabs/cks/internal/config"
	"github.com/kraklabs/cks/internal/errors"
	"github.com/kraklabs/cks/internal/output"
	"github.com/kraklabs/cks/internal/ui"
	"github.com/kraklabs/cks/pkg/ingestion"
)

// runUpdate executes the 'update' command: incremental re-indexing of
// one repository.
func runUpdate(args []string, globals GlobalFlags) {
	fs := flag.NewFlagSet("update", flag.ExitOnError)
	force := fs.Bool("force", false, "Full re-index instead of a delta")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, `Usage: cks update <repository> [options]

Description:
  Bring a repository's index up to date. Remote repositories are
  pulled and the commit delta is applied; local folders are re-hashed
  and only changed files are re-embedded. Files that disappeared are
  removed from both stores.

Options:
`)
		fs.PrintDefaults()
		fmt.Fprintf(os.Stderr, `
Examples:
  cks update myproject
  cks update myproject --force
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

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	res, err := app.Coordinator.UpdateRepository(ctx, repo, *force)
	if err != nil {
		errors.FatalError(err, globals.JSON)
	}
	app.GraphQuery.InvalidateRepository(repo)

	if globals.JSON {
		_ = output.JSON(res)
		return
	}

	switch res.Status {
	case ingestion.UpdateNoChanges:
		ui.Infof("%s is already up to date", repo)
		return
	case ingestion.UpdateFailed:
		ui.Errorf("Update of %s failed (%d file error(s))", repo, len(res.Errors))
	case ingestion.UpdateWithErrors:
		ui.Warningf("Updated %s with %d file error(s)", repo, len(res.Errors))
	default:
		ui.Successf("Updated %s", repo)
	}
	if res.CommitSHA != "" {
		fmt.Printf("  Commit:  %s %s\n", shortSHA(res.CommitSHA), ui.DimText(res.CommitMessage))
	}
	fmt.Printf("  Files:   +%s ~%s -%s\n",
		ui.CountText(res.Stats.FilesAdded),
		ui.CountText(res.Stats.FilesModified),
		ui.CountText(res.Stats.FilesDeleted))
	fmt.Printf("  Chunks:  %s upserted, %s deleted\n",
		ui.CountText(res.Stats.ChunksUpserted), ui.CountText(res.Stats.ChunksDeleted))
	fmt.Printf("  Duration: %dms\n", res.DurationMs)
	printFileErrors(res.Errors)
}

func shortSHA(sha string) string {
	if len(sha) > 8 {
		return sha[:8]
	}
	return sha
}
