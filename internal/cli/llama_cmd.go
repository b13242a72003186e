// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/siilats/CodeGPT/internal/llama"
)

func newLlamaCommand(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "llama",
		Short: "Manage the local llama.cpp server",
	}

	var timeout time.Duration
	start := &cobra.Command{
		Use:   "start",
		Short: "Build llama.cpp, launch the server and keep it running until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.runLlamaStart(cmd.Context(), cmd.OutOrStdout(), timeout)
		},
	}
	start.Flags().DurationVar(&timeout, "ready-timeout", 10*time.Minute, "how long to wait for READY")

	status := &cobra.Command{
		Use:   "status",
		Short: "Show the local server configuration and whether it answers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.runLlamaStatus(cmd.Context(), cmd.OutOrStdout())
		},
	}

	cmd.AddCommand(start, status)
	return cmd
}

func (a *App) runLlamaStart(ctx context.Context, out io.Writer, timeout time.Duration) error {
	sup := a.supervisor(out)
	if sup.Probe(ctx) {
		fmt.Fprintln(out, RenderStatus("ok"), "a server is already listening at", sup.BaseURL())
		return nil
	}

	fmt.Fprintln(out, TitleStyle.Render("llama.cpp"))
	fmt.Fprintln(out, RenderField("Source", a.Config.Llama.SourcePath))
	fmt.Fprintln(out, RenderField("Model", a.Config.Llama.ModelPath))
	fmt.Fprintln(out, RenderField("Context size", fmt.Sprint(a.Config.Llama.ContextSize)))

	if err := sup.Start(ctx); err != nil {
		return err
	}
	defer sup.Stop()

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	err := sup.WaitReady(waitCtx)
	cancel()
	if err != nil {
		printLogs(out, sup.Logs())
		return fmt.Errorf("llama.cpp server did not become ready (%s): %w", sup.State(), err)
	}
	fmt.Fprintln(out, RenderField("Endpoint", sup.BaseURL()))
	fmt.Fprintln(out, DimStyle.Render("press Ctrl+C to stop"))

	select {
	case <-ctx.Done():
		return nil
	case <-sup.Done():
		if sup.State() == llama.StateFailed {
			printLogs(out, sup.Logs())
			return sup.Err()
		}
		return nil
	}
}

func (a *App) runLlamaStatus(ctx context.Context, out io.Writer) error {
	sup := a.supervisor(out)
	status := "down"
	if sup.Probe(ctx) {
		status = "up"
	}
	fmt.Fprintln(out, TitleStyle.Render("llama.cpp"))
	fmt.Fprintln(out, RenderField("Server", RenderStatus(status)+" "+sup.BaseURL()))
	fmt.Fprintln(out, RenderField("Source", a.Config.Llama.SourcePath))
	fmt.Fprintln(out, RenderField("Model", orDash(a.Config.Llama.ModelPath)))
	fmt.Fprintln(out, RenderField("Context size", fmt.Sprint(a.Config.Llama.ContextSize)))
	return nil
}

func printLogs(out io.Writer, lines []string) {
	if len(lines) == 0 {
		return
	}
	fmt.Fprintln(out, RenderSeparator(60))
	for _, l := range lines {
		fmt.Fprintln(out, DimStyle.Render(l))
	}
	fmt.Fprintln(out, RenderSeparator(60))
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
