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
	"time"

	flag "github.com/spf13/pflag"

	"github.com/kraklabs/cks/internal/errors"
	"github.com/kraklabs/cks/internal/output"
	"github.com/kraklabs/cks/internal/ui"
	"github.com/kraklabs/cks/pkg/vectorstore"
)

// statusReport is the --json shape of 'cks status'.
type statusReport struct {
	DataPath  string           `json:"data_path"`
	Qdrant    backendStatus    `json:"qdrant"`
	Embedding embeddingStatus  `json:"embedding"`
	Graph     graphStatus      `json:"graph"`
	Repos     []repoStatusLine `json:"repositories"`
}

type backendStatus struct {
	Addr    string `json:"addr"`
	Healthy bool   `json:"healthy"`
}

type embeddingStatus struct {
	Provider   string `json:"provider"`
	Model      string `json:"model"`
	Dimensions int    `json:"dimensions"`
	Healthy    bool   `json:"healthy"`
}

type graphStatus struct {
	Nodes int `json:"nodes"`
	Edges int `json:"edges"`
}

type repoStatusLine struct {
	Name       string `json:"name"`
	Status     string `json:"status"`
	Files      int    `json:"files"`
	Chunks     int    `json:"chunks"`
	Points     uint64 `json:"points"`
	PointsNote string `json:"points_note,omitempty"`
}

// runStatus executes the 'status' command: health of the backing
// stores plus per-repository counts.
func runStatus(args []string, globals GlobalFlags) {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, `Usage: cks status

Description:
  Report the health of the vector store and embedding provider and the
  indexed state of every repository.
`)
	}
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	app := openApp(globals)
	defer func() { _ = app.Close() }()
	cfg := app.Config

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	report := statusReport{
		DataPath: cfg.DataPath,
		Qdrant: backendStatus{
			Addr:    fmt.Sprintf("%s:%d", cfg.Qdrant.Host, cfg.Qdrant.Port),
			Healthy: app.Vectors.HealthCheck(ctx),
		},
		Embedding: embeddingStatus{
			Provider:   app.Provider.ProviderID(),
			Model:      app.Provider.ModelID(),
			Dimensions: app.Provider.Dimensions(),
			Healthy:    app.Provider.HealthCheck(ctx),
		},
		Repos: []repoStatusLine{},
	}

	if m, err := app.GraphQuery.GetMetrics(ctx, ""); err == nil {
		report.Graph = graphStatus{Nodes: m.Nodes, Edges: m.Edges}
	}

	repos, err := app.Catalog.List()
	if err != nil {
		errors.FatalError(err, globals.JSON)
	}
	for _, meta := range repos {
		line := repoStatusLine{
			Name:   meta.Name,
			Status: meta.Status,
			Files:  meta.FileCount,
			Chunks: meta.ChunkCount,
		}
		stats, err := app.Vectors.GetStats(ctx, vectorstore.CollectionName(meta.Name))
		if err != nil {
			line.PointsNote = "unavailable"
		} else {
			line.Points = stats.PointsCount
		}
		report.Repos = append(report.Repos, line)
	}

	if globals.JSON {
		_ = output.JSON(report)
		return
	}

	ui.Header("cks status")
	fmt.Printf("  Data path: %s\n", report.DataPath)
	fmt.Printf("  Qdrant:    %s %s\n", report.Qdrant.Addr, healthText(report.Qdrant.Healthy))
	fmt.Printf("  Embedding: %s/%s (%d dims) %s\n",
		report.Embedding.Provider, report.Embedding.Model,
		report.Embedding.Dimensions, healthText(report.Embedding.Healthy))
	fmt.Printf("  Graph:     %s nodes, %s edges\n",
		ui.CountText(report.Graph.Nodes), ui.CountText(report.Graph.Edges))

	if len(report.Repos) == 0 {
		fmt.Println()
		ui.Info("No repositories indexed yet. Run: cks index <source>")
		return
	}
	fmt.Println()
	ui.SubHeader("Repositories:")
	for _, r := range report.Repos {
		points := fmt.Sprintf("%d points", r.Points)
		if r.PointsNote != "" {
			points = r.PointsNote
		}
		fmt.Printf("  %s %s  %d files, %d chunks, %s\n",
			ui.Label(r.Name), ui.StatusText(r.Status), r.Files, r.Chunks, points)
	}
}

func healthText(ok bool) string {
	if ok {
		return ui.Green.Sprint("ok")
	}
	return ui.Red.Sprint("unreachable")
}
