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

// Package bootstrap assembles the knowledge server from configuration.
//
// Every command builds the same stack: the bbolt knowledge graph, the
// Qdrant vector store, the embedding provider, and the ingestion,
// search and graph-query services over them. Open wires them all and
// returns an App whose Close releases the stores in reverse order.
//
//	cfg, err := config.Load("")
//	if err != nil {
//	    return err
//	}
//	app, err := bootstrap.Open(cfg, logger)
//	if err != nil {
//	    return err
//	}
//	defer app.Close()
//
// InitDataDir is the `cks init` half: it creates the data directory
// layout and writes the default config. It is idempotent unless force
// is set, in which case the config is overwritten.
package bootstrap
