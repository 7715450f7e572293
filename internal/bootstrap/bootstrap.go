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

package bootstrap

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/kraklabs/cks/internal/config"
	"github.com/kraklabs/cks/internal/errors"
	"github.com/kraklabs/cks/pkg/embedding"
	"github.com/kraklabs/cks/pkg/graph"
	"github.com/kraklabs/cks/pkg/graphquery"
	"github.com/kraklabs/cks/pkg/ingestion"
	"github.com/kraklabs/cks/pkg/search"
	"github.com/kraklabs/cks/pkg/vectorstore"
)

// App is the assembled knowledge server.
type App struct {
	Config      *config.Config
	Logger      *slog.Logger
	Graph       *graph.Store
	Vectors     vectorstore.Store
	Provider    embedding.Provider
	Catalog     *ingestion.Catalog
	Ingest      *ingestion.Service
	Coordinator *ingestion.Coordinator
	Search      *search.Service
	GraphQuery  *graphquery.Service
}

// Open wires every service from configuration. On failure nothing
// stays open.
func Open(cfg *config.Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}

	if err := ensureDataDir(cfg.DataPath); err != nil {
		return nil, err
	}

	logger.Debug("bootstrap.open",
		"data_path", cfg.DataPath,
		"qdrant_host", cfg.Qdrant.Host,
		"embedding_provider", cfg.Embedding.Provider,
	)

	gs, err := graph.Open(cfg.GraphPath(), logger)
	if err != nil {
		return nil, err
	}

	vectors, err := vectorstore.NewQdrantStore(cfg.QdrantOptions(), logger)
	if err != nil {
		_ = gs.Close()
		return nil, err
	}

	provider, err := embedding.Initialize(cfg.EmbeddingOptions(), logger)
	if err != nil {
		_ = vectors.Close()
		_ = gs.Close()
		return nil, err
	}

	catalog := ingestion.NewCatalog(cfg.DataPath)
	ingest := ingestion.NewService(provider, vectors, graph.NewIngestor(gs, logger), catalog, ingestion.Config{
		FileWorkers: cfg.Indexing.FileWorkers,
	}, logger)
	coordinator := ingestion.NewCoordinator(ingest, logger)
	searchSvc := search.NewService(provider, vectors, catalog, logger)

	graphSvc, err := graphquery.NewService(gs, logger)
	if err != nil {
		_ = vectors.Close()
		_ = gs.Close()
		return nil, err
	}

	return &App{
		Config:      cfg,
		Logger:      logger,
		Graph:       gs,
		Vectors:     vectors,
		Provider:    provider,
		Catalog:     catalog,
		Ingest:      ingest,
		Coordinator: coordinator,
		Search:      searchSvc,
		GraphQuery:  graphSvc,
	}, nil
}

// Close releases the stores in reverse dependency order.
func (a *App) Close() error {
	embedding.Shutdown()
	verr := a.Vectors.Close()
	gerr := a.Graph.Close()
	if verr != nil {
		return verr
	}
	return gerr
}

// InitDataDir creates the data directory layout and writes the default
// config file. It refuses to overwrite an existing config unless force
// is set.
func InitDataDir(dataPath string, force bool, logger *slog.Logger) (*config.Config, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if dataPath == "" {
		var err error
		dataPath, err = config.DefaultDataPath()
		if err != nil {
			return nil, err
		}
	}

	path := config.Path(dataPath)
	if _, err := os.Stat(path); err == nil && !force {
		return nil, errors.NewConflictError(
			"Configuration already exists",
			fmt.Sprintf("A config file is already present at %s", path),
			"Re-run with --force to overwrite it",
		)
	}

	if err := ensureDataDir(dataPath); err != nil {
		return nil, err
	}

	cfg := config.DefaultConfig(dataPath)
	if err := config.Save(cfg, path); err != nil {
		return nil, err
	}

	logger.Info("bootstrap.init", "data_path", dataPath, "config", path)
	return cfg, nil
}

func ensureDataDir(dataPath string) error {
	for _, dir := range []string{dataPath, filepath.Join(dataPath, "repos")} {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return errors.NewConfigError(
				"Cannot create data directory",
				fmt.Sprintf("Failed to create %s", dir),
				"Check directory permissions or set CKS_DATA_PATH to a writable location",
				err,
			)
		}
	}
	return nil
}
