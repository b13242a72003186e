// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/siilats/CodeGPT/internal/util"
)

func newIndexCommand(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "index",
		Short: "Build and query the retrieval index used by ask --context",
	}

	var watch bool
	build := &cobra.Command{
		Use:   "build <root>",
		Short: "Index every source file under root",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.runIndexBuild(cmd.Context(), cmd.OutOrStdout(), args[0], watch)
		},
	}
	build.Flags().BoolVarP(&watch, "watch", "w", false, "keep running and reindex changed files")

	var limit int
	search := &cobra.Command{
		Use:   "search <query>",
		Short: "Show the best matching chunks",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.runIndexSearch(cmd.Context(), cmd.OutOrStdout(), strings.Join(args, " "), limit)
		},
	}
	search.Flags().IntVarP(&limit, "limit", "n", 5, "maximum results")

	status := &cobra.Command{
		Use:   "status",
		Short: "Show index statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.runIndexStatus(cmd.OutOrStdout())
		},
	}

	cmd.AddCommand(build, search, status)
	return cmd
}

func (a *App) runIndexBuild(ctx context.Context, out io.Writer, root string, watch bool) error {
	idx, err := a.openIndex(true)
	if err != nil {
		return err
	}
	defer idx.Close()

	stats, err := idx.Build(ctx, root)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, RenderStatus("ok"), fmt.Sprintf("indexed %d files into %d chunks", stats.FileCount, stats.ChunkCount))
	fmt.Fprintln(out, RenderField("Root", stats.Root))
	fmt.Fprintln(out, RenderField("Database", a.Config.Embeddings.IndexPath))

	if !watch {
		return nil
	}
	w, err := idx.Watch(ctx)
	if err != nil {
		return err
	}
	defer w.Close()
	fmt.Fprintln(out, DimStyle.Render("watching for changes, press Ctrl+C to stop"))
	<-ctx.Done()
	return nil
}

func (a *App) runIndexSearch(ctx context.Context, out io.Writer, query string, limit int) error {
	idx, err := a.openIndex(false)
	if err != nil {
		return err
	}
	defer idx.Close()

	results, err := idx.Search(ctx, query, limit)
	if err != nil {
		return err
	}
	if len(results) == 0 {
		fmt.Fprintln(out, DimStyle.Render("no matches"))
		return nil
	}
	color := isTerminal(out) && ColorsEnabled()
	for _, r := range results {
		fmt.Fprintln(out, TitleStyle.Render(fmt.Sprintf("%s:%d-%d", r.Path, r.StartLine, r.EndLine)))
		snippet := util.TruncateRunes(r.Content, 400)
		if color {
			snippet = highlightCode(snippet, r.Language)
		}
		fmt.Fprintln(out, snippet)
		fmt.Fprintln(out)
	}
	return nil
}

func (a *App) runIndexStatus(out io.Writer) error {
	idx, err := a.openIndex(false)
	if err != nil {
		return err
	}
	defer idx.Close()

	stats := idx.Stats()
	fmt.Fprintln(out, TitleStyle.Render("Index"))
	fmt.Fprintln(out, RenderField("Root", orDash(stats.Root)))
	fmt.Fprintln(out, RenderField("Files", fmt.Sprint(stats.FileCount)))
	fmt.Fprintln(out, RenderField("Chunks", fmt.Sprint(stats.ChunkCount)))
	last := "-"
	if !stats.LastIndexed.IsZero() {
		last = stats.LastIndexed.Format(time.RFC3339)
	}
	fmt.Fprintln(out, RenderField("Last indexed", last))
	return nil
}
