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

	"github.com/schollz/progressbar/v3"
	flag "github.com/spf13/pflag"

	"github.com/kraklabs/cks/internal/bootstrap"
	"github.com/kraklabs/cks/internal/config"
	"github.com/kraklabs/cks/internal/errors"
	"github.com/kraklabs/cks/internal/output"
	"github.com/kraklabs/cks/internal/ui"
	"github.com/kraklabs/cks/pkg/ingestion"
)

// maxErrorsShown caps the per-file error list in human output.
const maxErrorsShown = 5

// runIndex executes the 'index' command: full indexing of a git URL or
// local folder into the vector store and the knowledge graph.
func runIndex(args []string, globals GlobalFlags) {
	fs := flag.NewFlagSet("index", flag.ExitOnError)
	name := fs.String("name", "", "Repository name (default: derived from the source)")
	branch := fs.String("branch", "", "Branch to index (remote sources)")
	force := fs.Bool("force", false, "Purge existing state and re-index from scratch")
	include := fs.StringSlice("include", nil, "Only index these extensions (e.g. .go,.py)")
	exclude := fs.StringSlice("exclude", nil, "Additional exclude glob patterns")
	maxFileSize := fs.Int64("max-file-size", 0, "Skip files larger than this many bytes")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, `Usage: cks index <url-or-path> [options]

Description:
  Clone (or open) the source, scan its files, chunk and embed them
  into the vector store, and extract entities and relationships into
  the knowledge graph. Re-running on an indexed repository requires
  --force; use 'cks update' for incremental re-indexing.

Options:
`)
		fs.PrintDefaults()
		fmt.Fprintf(os.Stderr, `
Examples:
  cks index https://github.com/user/repo.git
  cks index ~/code/myproject --name myproject
  cks index ~/code/myproject --include .go,.md --force
`)
	}

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
	if fs.NArg() != 1 {
		fs.Usage()
		os.Exit(1)
	}
	source := fs.Arg(0)

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

	opts := ingestion.IndexOptions{
		Name:              *name,
		Branch:            *branch,
		Force:             *force,
		IncludeExtensions: orSlice(*include, cfg.Indexing.IncludeExtensions),
		ExcludePatterns:   orSlice(*exclude, cfg.Indexing.ExcludePatterns),
		MaxFileSizeBytes:  orInt64(*maxFileSize, cfg.Indexing.MaxFileSizeBytes),
	}

	progress := NewProgressConfig(globals)
	tracker := newPhaseTracker(progress)
	opts.OnProgress = tracker.update

	res, err := app.Ingest.IndexRepository(ctx, source, opts)
	tracker.finish()
	if err != nil {
		errors.FatalError(err, globals.JSON)
	}

	if globals.JSON {
		_ = output.JSON(res)
		return
	}

	switch res.Status {
	case ingestion.StatusPartial:
		ui.Warningf("Indexed %s with %d file error(s)", res.Repository, len(res.Errors))
	default:
		ui.Successf("Indexed %s", res.Repository)
	}
	fmt.Printf("  Files:      %s scanned, %s indexed\n",
		ui.CountText(res.Stats.FilesScanned), ui.CountText(res.Stats.FilesProcessed))
	fmt.Printf("  Chunks:     %s\n", ui.CountText(res.Stats.ChunksCreated))
	fmt.Printf("  Embeddings: %s\n", ui.CountText(res.Stats.EmbeddingsGenerated))
	fmt.Printf("  Duration:   %dms\n", res.Stats.DurationMs)
	printFileErrors(res.Errors)
}

// phaseTracker renders pipeline progress as one bar per phase.
type phaseTracker struct {
	cfg   ProgressConfig
	bar   *progressbar.ProgressBar
	phase string
}

func newPhaseTracker(cfg ProgressConfig) *phaseTracker {
	return &phaseTracker{cfg: cfg}
}

func (t *phaseTracker) update(p ingestion.Progress) {
	if !t.cfg.Enabled {
		return
	}
	if p.Phase != t.phase {
		t.finish()
		t.phase = p.Phase
		if p.Total > 0 {
			t.bar = NewProgressBar(t.cfg, int64(p.Total), p.Phase)
		} else {
			t.bar = NewSpinner(t.cfg, p.Phase)
		}
	}
	if t.bar == nil {
		return
	}
	if p.Total > 0 {
		t.bar.ChangeMax(p.Total)
		_ = t.bar.Set(p.Current)
	} else {
		_ = t.bar.Add(0)
	}
}

func (t *phaseTracker) finish() {
	if t.bar != nil {
		_ = t.bar.Finish()
		t.bar = nil
	}
}

// printFileErrors lists up to maxErrorsShown per-file failures.
func printFileErrors(errs []ingestion.FileError) {
	if len(errs) == 0 {
		return
	}
	fmt.Println()
	ui.SubHeader("File errors:")
	for i, fe := range errs {
		if i == maxErrorsShown {
			fmt.Printf("  ...and %d more\n", len(errs)-maxErrorsShown)
			break
		}
		fmt.Printf("  %s: %s\n", fe.Path, fe.Error)
	}
}

func orSlice(v, fallback []string) []string {
	if len(v) > 0 {
		return v
	}
	return fallback
}

func orInt64(v, fallback int64) int64 {
	if v > 0 {
		return v
	}
	return fallback
}
