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
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/kraklabs/cks/internal/bootstrap"
	"github.com/kraklabs/cks/internal/errors"
	"github.com/kraklabs/cks/internal/redact"
	"github.com/kraklabs/cks/internal/ui"
	"github.com/kraklabs/cks/pkg/watcher"
)

// How long after the last file event before a repository re-index is
// triggered. The watcher already debounces raw filesystem events; this
// second stage coalesces events across files into one update run.
const updateSettleDelay = 2 * time.Second

// runWatch executes the 'watch' command: watch configured folders and
// incrementally re-index their repositories on change.
func runWatch(args []string, globals GlobalFlags) {
	fs := flag.NewFlagSet("watch", flag.ExitOnError)
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, `Usage: cks watch

Description:
  Watch the folders listed under 'watch:' in the configuration and run
  an incremental update on the owning repository whenever files settle.
  Runs until interrupted.

Configuration example:
  watch:
    - id: myproject
      path: /home/me/src/myproject
      repository: myproject
      debounce_seconds: 2
`)
	}
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	app := openApp(globals)
	defer func() { _ = app.Close() }()
	cfg := app.Config
	logger := app.Logger

	if len(cfg.Watch) == 0 {
		errors.FatalError(errors.NewConfigError(
			"No watch folders configured",
			"the 'watch:' section of the configuration is empty",
			"Add folders under 'watch:' in "+configPathHint(globals),
			nil,
		), globals.JSON)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sched := newUpdateScheduler(ctx, app, logger)
	defer sched.stopAll()

	svc := watcher.NewService(0, logger)
	defer svc.StopAll()

	// folder id -> repository name
	repoFor := make(map[string]string, len(cfg.Watch))

	svc.OnFileEvent(func(ev watcher.FileEvent) {
		repo, ok := repoFor[ev.FolderID]
		if !ok {
			return
		}
		logger.Debug("watch.event", "folder", ev.FolderID, "path", ev.RelPath, "type", ev.Type)
		sched.schedule(repo)
	})
	svc.OnError(func(folderID string, err error) {
		logger.Warn("watch.folder.error", "folder", folderID, "error", redact.Error(err))
		if !globals.Quiet {
			ui.Warningf("watcher %s: %v", folderID, redact.Error(err))
		}
	})

	for _, wf := range cfg.Watch {
		repo := wf.Repository
		if repo == "" {
			repo = wf.ID
		}
		meta, err := app.Catalog.Get(repo)
		if err != nil {
			errors.FatalError(err, globals.JSON)
		}
		if meta == nil {
			errors.FatalError(errors.NewNotFoundError(
				fmt.Sprintf("Repository not found: %s", repo),
				fmt.Sprintf("watch folder %q maps to a repository that has never been indexed", wf.ID),
				fmt.Sprintf("Index it first: cks index %s --name %s", wf.Path, repo),
			), globals.JSON)
		}
		repoFor[wf.ID] = repo

		err = svc.StartWatching(watcher.Folder{
			ID:              wf.ID,
			Path:            wf.Path,
			IncludePatterns: wf.IncludePatterns,
			ExcludePatterns: wf.ExcludePatterns,
			Debounce:        time.Duration(wf.DebounceSeconds) * time.Second,
		})
		if err != nil {
			errors.FatalError(err, globals.JSON)
		}
	}

	if !globals.Quiet {
		ui.Successf("Watching %d folder(s)", len(cfg.Watch))
		for _, st := range svc.Statuses() {
			fmt.Printf("  %s %s -> %s\n", ui.Label(st.ID), ui.DimText(st.Path), repoFor[st.ID])
		}
		fmt.Println(ui.DimText("Press Ctrl-C to stop."))
	}
	logger.Info("watch.started", "folders", len(cfg.Watch))

	<-ctx.Done()
	logger.Info("watch.stopped")
}

// configPathHint names the config file for error messages.
func configPathHint(globals GlobalFlags) string {
	if globals.ConfigPath != "" {
		return globals.ConfigPath
	}
	return "~/.cks/config.yaml"
}

// updateScheduler coalesces file events per repository: each event
// resets that repository's timer, and the update runs once the tree
// has been quiet for updateSettleDelay. At most one update per
// repository runs at a time; events arriving mid-update re-arm the
// timer for a follow-up pass.
type updateScheduler struct {
	ctx    context.Context
	app    *bootstrap.App
	logger *slog.Logger

	mu     sync.Mutex
	timers map[string]*time.Timer
}

func newUpdateScheduler(ctx context.Context, app *bootstrap.App, logger *slog.Logger) *updateScheduler {
	return &updateScheduler{
		ctx:    ctx,
		app:    app,
		logger: logger,
		timers: make(map[string]*time.Timer),
	}
}

func (u *updateScheduler) schedule(repo string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if t, ok := u.timers[repo]; ok {
		t.Reset(updateSettleDelay)
		return
	}
	u.timers[repo] = time.AfterFunc(updateSettleDelay, func() {
		u.mu.Lock()
		delete(u.timers, repo)
		u.mu.Unlock()
		u.run(repo)
	})
}

func (u *updateScheduler) run(repo string) {
	if u.ctx.Err() != nil {
		return
	}
	res, err := u.app.Coordinator.UpdateRepository(u.ctx, repo, false)
	if err != nil {
		u.logger.Warn("watch.update.failed", "repository", repo, "error", redact.Error(err))
		return
	}
	u.app.GraphQuery.InvalidateRepository(repo)
	u.logger.Info("watch.update.completed",
		"repository", repo,
		"status", res.Status,
		"files_added", res.Stats.FilesAdded,
		"files_modified", res.Stats.FilesModified,
		"files_deleted", res.Stats.FilesDeleted,
	)
}

func (u *updateScheduler) stopAll() {
	u.mu.Lock()
	defer u.mu.Unlock()
	for repo, t := range u.timers {
		t.Stop()
		delete(u.timers, repo)
	}
}
