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
	"github.com/kraklabs/cks/pkg/graphquery"
)

// runGraph dispatches the 'graph' subcommands.
func runGraph(args []string, globals GlobalFlags) {
	usage := func() {
		fmt.Fprintf(os.Stderr, `Usage: cks graph <subcommand> [options]

Subcommands:
  deps <entity>           What an entity depends on
  dependents <entity>     What depends on an entity, with impact analysis
  path <from> <to>        Shortest dependency path between two entities
  architecture            Repository structure summary
  metrics                 Knowledge graph statistics

Examples:
  cks graph deps UserService --repo myproject
  cks graph dependents parseConfig --repo myproject --depth 2
  cks graph path main handleRequest --repo myproject
  cks graph architecture --repo myproject --detail packages
  cks graph metrics --repo myproject
`)
	}

	if len(args) == 0 {
		usage()
		os.Exit(1)
	}
	sub := args[0]
	subArgs := args[1:]

	switch sub {
	case "deps", "dependencies":
		runGraphDeps(subArgs, globals)
	case "dependents":
		runGraphDependents(subArgs, globals)
	case "path":
		runGraphPath(subArgs, globals)
	case "architecture", "arch":
		runGraphArchitecture(subArgs, globals)
	case "metrics":
		runGraphMetrics(subArgs, globals)
	default:
		fmt.Fprintf(os.Stderr, "Unknown graph subcommand: %s\n", sub)
		usage()
		os.Exit(1)
	}
}

// openApp loads config and assembles the service stack, exiting on
// failure.
func openApp(globals GlobalFlags) *bootstrap.App {
	logger := newLogger(globals)
	cfg, err := config.Load(globals.ConfigPath)
	if err != nil {
		errors.FatalError(err, globals.JSON)
	}
	app, err := bootstrap.Open(cfg, logger)
	if err != nil {
		errors.FatalError(err, globals.JSON)
	}
	return app
}

func runGraphDeps(args []string, globals GlobalFlags) {
	fs := flag.NewFlagSet("graph deps", flag.ExitOnError)
	repo := fs.String("repo", "", "Repository to query (required)")
	depth := fs.Int("depth", 3, "Traversal depth (1-5)")
	types := fs.StringSlice("types", nil, "Edge types to follow (calls, imports, inherits, contains)")
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
	if fs.NArg() != 1 || *repo == "" {
		fmt.Fprintln(os.Stderr, "Usage: cks graph deps <entity> --repo <repository> [--depth N] [--types t1,t2]")
		os.Exit(1)
	}

	app := openApp(globals)
	defer func() { _ = app.Close() }()

	res, err := app.GraphQuery.GetDependencies(context.Background(), graphquery.DependenciesInput{
		Entity:            fs.Arg(0),
		Repository:        *repo,
		Depth:             *depth,
		RelationshipTypes: *types,
	})
	if err != nil {
		errors.FatalError(err, globals.JSON)
	}
	if globals.JSON {
		_ = output.JSON(res)
		return
	}

	ui.Header(fmt.Sprintf("Dependencies of %s", res.Entity))
	if len(res.Dependencies) == 0 {
		ui.Info("No dependencies found")
		return
	}
	for _, d := range res.Dependencies {
		fmt.Printf("  %s %s %s %s\n",
			ui.DimText(fmt.Sprintf("d%d", d.Depth)),
			d.RelationshipType,
			ui.Label(d.Name),
			ui.DimText(d.Path))
	}
	fmt.Printf("\n%d dependencies (%dms)\n", res.Total, res.QueryTimeMs)
}

func runGraphDependents(args []string, globals GlobalFlags) {
	fs := flag.NewFlagSet("graph dependents", flag.ExitOnError)
	repo := fs.String("repo", "", "Repository to query (required)")
	depth := fs.Int("depth", 3, "Traversal depth (1-5)")
	crossRepo := fs.Bool("cross-repo", false, "Include dependents from other repositories")
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
	if fs.NArg() != 1 || *repo == "" {
		fmt.Fprintln(os.Stderr, "Usage: cks graph dependents <entity> --repo <repository> [--depth N] [--cross-repo]")
		os.Exit(1)
	}

	app := openApp(globals)
	defer func() { _ = app.Close() }()

	res, err := app.GraphQuery.GetDependents(context.Background(), graphquery.DependentsInput{
		Entity:           fs.Arg(0),
		Repository:       *repo,
		Depth:            *depth,
		IncludeCrossRepo: *crossRepo,
	})
	if err != nil {
		errors.FatalError(err, globals.JSON)
	}
	if globals.JSON {
		_ = output.JSON(res)
		return
	}

	ui.Header(fmt.Sprintf("Dependents of %s", res.Entity))
	for _, d := range res.Dependents {
		fmt.Printf("  %s %s %s %s\n",
			ui.DimText(fmt.Sprintf("d%d", d.Depth)),
			d.RelationshipType,
			ui.Label(d.Name),
			ui.DimText(d.Path))
	}
	fmt.Printf("\nImpact: %d direct, %d transitive, score %.2f (%dms)\n",
		res.ImpactAnalysis.DirectImpactCount,
		res.ImpactAnalysis.TransitiveImpactCount,
		res.ImpactAnalysis.ImpactScore,
		res.QueryTimeMs)
}

func runGraphPath(args []string, globals GlobalFlags) {
	fs := flag.NewFlagSet("graph path", flag.ExitOnError)
	repo := fs.String("repo", "", "Repository to query (required)")
	maxHops := fs.Int("max-hops", 10, "Longest path considered (1-20)")
	types := fs.StringSlice("types", nil, "Edge types to follow")
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
	if fs.NArg() != 2 || *repo == "" {
		fmt.Fprintln(os.Stderr, "Usage: cks graph path <from> <to> --repo <repository> [--max-hops N]")
		os.Exit(1)
	}

	app := openApp(globals)
	defer func() { _ = app.Close() }()

	res, err := app.GraphQuery.GetPath(context.Background(), graphquery.PathInput{
		From:              fs.Arg(0),
		To:                fs.Arg(1),
		Repository:        *repo,
		MaxHops:           *maxHops,
		RelationshipTypes: *types,
	})
	if err != nil {
		errors.FatalError(err, globals.JSON)
	}
	if globals.JSON {
		_ = output.JSON(res)
		return
	}

	if !res.PathExists {
		ui.Infof("No path from %s to %s within %d hops", fs.Arg(0), fs.Arg(1), *maxHops)
		return
	}
	for i, n := range res.Path {
		prefix := "  "
		if i > 0 {
			prefix = "  -> "
		}
		fmt.Printf("%s%s %s %s\n", prefix, ui.Label(n.Name), ui.DimText(n.Type), ui.DimText(n.Path))
	}
	fmt.Printf("\n%d hop(s) (%dms)\n", res.Hops, res.QueryTimeMs)
}

func runGraphArchitecture(args []string, globals GlobalFlags) {
	fs := flag.NewFlagSet("graph architecture", flag.ExitOnError)
	repo := fs.String("repo", "", "Repository to summarize (required)")
	scope := fs.String("scope", "", "Restrict to files under this path prefix")
	detail := fs.String("detail", "", "Detail level: modules, packages, files or entities")
	external := fs.Bool("external", false, "Include external/third-party nodes")
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
	if *repo == "" {
		fmt.Fprintln(os.Stderr, "Usage: cks graph architecture --repo <repository> [--detail level] [--scope prefix]")
		os.Exit(1)
	}

	app := openApp(globals)
	defer func() { _ = app.Close() }()

	res, err := app.GraphQuery.GetArchitecture(context.Background(), graphquery.ArchitectureInput{
		Repository:      *repo,
		Scope:           *scope,
		DetailLevel:     *detail,
		IncludeExternal: *external,
	})
	if err != nil {
		errors.FatalError(err, globals.JSON)
	}
	if globals.JSON {
		_ = output.JSON(res)
		return
	}

	ui.Header(fmt.Sprintf("Architecture of %s (%s)", res.Repository, res.DetailLevel))
	for _, g := range res.Structure {
		fmt.Printf("%s %s\n", ui.Label(g.Name), ui.DimText(g.Kind))
		for _, item := range g.Items {
			fmt.Printf("  %s %s\n", item.Name, ui.DimText(item.Type))
		}
	}
	if len(res.Dependencies) > 0 {
		fmt.Println()
		ui.SubHeader("Dependencies:")
		for _, d := range res.Dependencies {
			marker := ""
			if d.External {
				marker = " (external)"
			}
			fmt.Printf("  %s -> %s x%d%s\n", d.From, d.To, d.Count, marker)
		}
	}
	fmt.Printf("\nFiles: %d  Functions: %d  Classes: %d  Modules: %d (%dms)\n",
		res.Metrics.Files, res.Metrics.Functions, res.Metrics.Classes, res.Metrics.Modules,
		res.QueryTimeMs)
}

func runGraphMetrics(args []string, globals GlobalFlags) {
	fs := flag.NewFlagSet("graph metrics", flag.ExitOnError)
	repo := fs.String("repo", "", "Scope counts to one repository")
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	app := openApp(globals)
	defer func() { _ = app.Close() }()

	res, err := app.GraphQuery.GetMetrics(context.Background(), *repo)
	if err != nil {
		errors.FatalError(err, globals.JSON)
	}
	if globals.JSON {
		_ = output.JSON(res)
		return
	}

	ui.Header("Knowledge Graph Metrics")
	fmt.Printf("  Nodes:     %s\n", ui.CountText(res.Nodes))
	fmt.Printf("  Edges:     %s\n", ui.CountText(res.Edges))
	fmt.Printf("  Files:     %s\n", ui.CountText(res.Files))
	fmt.Printf("  Functions: %s\n", ui.CountText(res.Functions))
	fmt.Printf("  Classes:   %s\n", ui.CountText(res.Classes))
	fmt.Printf("  Modules:   %s\n", ui.CountText(res.Modules))
}
