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
	"strings"

	flag "github.com/spf13/pflag"

	"github.com/kraklabs/cks/internal/bootstrap"
	"github.com/kraklabs/cks/internal/config"
	"github.com/kraklabs/cks/internal/errors"
	"github.com/kraklabs/cks/internal/output"
	"github.com/kraklabs/cks/internal/ui"
	"github.com/kraklabs/cks/pkg/search"
)

// runSearch executes the 'search' command.
func runSearch(args []string, globals GlobalFlags) {
	fs := flag.NewFlagSet("search", flag.ExitOnError)
	repo := fs.String("repo", "", "Limit the search to one repository")
	limit := fs.Int("limit", search.DefaultLimit, "Maximum results (1-50)")
	threshold := fs.Float64("threshold", 0, "Minimum similarity score (0-1)")
	pathPrefix := fs.String("path-prefix", "", "Only match files under this path prefix")
	extension := fs.String("extension", "", "Only match files with this extension (e.g. .go)")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, `Usage: cks search <query> [options]

Description:
  Search indexed code by meaning. The query is embedded with the
  configured provider and matched against every chunk; results are
  ranked by cosine similarity across repositories.

Options:
`)
		fs.PrintDefaults()
		fmt.Fprintf(os.Stderr, `
Examples:
  cks search "http retry with backoff"
  cks search "parse config file" --repo myproject --limit 5
  cks search "auth middleware" --extension .go --threshold 0.4
`)
	}

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
	if fs.NArg() == 0 {
		fs.Usage()
		os.Exit(1)
	}
	query := strings.Join(fs.Args(), " ")

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

	res, err := app.Search.Search(context.Background(), search.Options{
		Query:      query,
		Repository: *repo,
		Limit:      *limit,
		Threshold:  float32(*threshold),
		PathPrefix: *pathPrefix,
		Extension:  *extension,
	})
	if err != nil {
		errors.FatalError(err, globals.JSON)
	}

	if globals.JSON {
		_ = output.JSON(res)
		return
	}

	if len(res.Results) == 0 {
		ui.Infof("No matches in %d repositor%s (%dms)",
			len(res.Metadata.RepositoriesSearched),
			pluralY(len(res.Metadata.RepositoriesSearched)),
			res.Metadata.QueryTimeMs)
		return
	}

	for i, m := range res.Results {
		fmt.Printf("%s %s %s\n",
			ui.Label(fmt.Sprintf("%d.", i+1)),
			fmt.Sprintf("%s:%d-%d", m.FilePath, m.StartLine, m.EndLine),
			ui.DimText(fmt.Sprintf("(%s, score %.2f)", m.Repository, m.Score)))
		for _, line := range strings.Split(strings.TrimRight(m.Snippet, "\n"), "\n") {
			fmt.Printf("   %s\n", line)
		}
		fmt.Println()
	}
	fmt.Printf("%d match(es) across %d repositor%s in %dms\n",
		res.Metadata.TotalMatches,
		len(res.Metadata.RepositoriesSearched),
		pluralY(len(res.Metadata.RepositoriesSearched)),
		res.Metadata.QueryTimeMs)
}

func pluralY(n int) string {
	if n == 1 {
		return "y"
	}
	return "ies"
}
