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
	"fmt"
	"os"

	flag "github.com/spf13/pflag"

	"github.com/kraklabs/cks/internal/bootstrap"
	"github.com/kraklabs/cks/internal/config"
	"github.com/kraklabs/cks/internal/errors"
	"github.com/kraklabs/cks/internal/output"
	"github.com/kraklabs/cks/internal/ui"
)

// runInit creates the data directory and writes the default config.
func runInit(args []string, globals GlobalFlags) {
	fs := flag.NewFlagSet("init", flag.ExitOnError)
	dataPath := fs.String("data-path", "", "Data directory (default: $CKS_DATA_PATH or ~/.cks)")
	force := fs.Bool("force", false, "Overwrite an existing configuration")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, `Usage: cks init [options]

Description:
  Create the cks data directory and write the default configuration
  to {data-path}/config.yaml. Existing configuration is preserved
  unless --force is given.

Options:
`)
		fs.PrintDefaults()
		fmt.Fprintf(os.Stderr, `
Examples:
  cks init
  cks init --data-path /data/cks
  cks init --force
`)
	}

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	logger := newLogger(globals)
	cfg, err := bootstrap.InitDataDir(*dataPath, *force, logger)
	if err != nil {
		errors.FatalError(err, globals.JSON)
	}

	if globals.JSON {
		_ = output.JSON(map[string]any{
			"data_path": cfg.DataPath,
			"config":    config.Path(cfg.DataPath),
		})
		return
	}

	ui.Successf("Configuration written to %s", config.Path(cfg.DataPath))
	fmt.Println()
	fmt.Println("Next steps:")
	fmt.Println("  1. Start Qdrant (docker run -p 6334:6334 qdrant/qdrant)")
	fmt.Println("  2. Index a repository:  cks index <url-or-path>")
	fmt.Println("  3. Search it:           cks search \"your query\"")
	fmt.Printf("\nData stored in: %s\n", ui.DimText(cfg.DataPath))
}
