// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/mattn/go-runewidth"
	"github.com/spf13/cobra"

	"github.com/siilats/CodeGPT/internal/storage"
	"github.com/siilats/CodeGPT/internal/util"
)

func newHistoryCommand(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "history",
		Aliases: []string{"conversations"},
		Short:   "List, show and delete saved conversations",
	}

	list := &cobra.Command{
		Use:   "list [query]",
		Short: "List conversations, newest first, optionally filtered by text",
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.runHistoryList(cmd.OutOrStdout(), strings.Join(args, " "))
		},
	}

	var raw bool
	show := &cobra.Command{
		Use:   "show <id>",
		Short: "Print a conversation as Markdown",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.runHistoryShow(cmd.OutOrStdout(), args[0], raw)
		},
	}
	show.Flags().BoolVar(&raw, "raw", false, "print Markdown without rendering")

	del := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a conversation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := app.store()
			if err != nil {
				return err
			}
			if err := store.Delete(args[0]); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), RenderStatus("ok"), "deleted", args[0])
			return nil
		},
	}

	var discardAll bool
	limits := &cobra.Command{
		Use:   "token-limits",
		Short: "Show or set whether every conversation may trim history",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.runTokenLimits(cmd.OutOrStdout(), cmd.Flags().Changed("discard-all"), discardAll)
		},
	}
	limits.Flags().BoolVar(&discardAll, "discard-all", false, "trim history for all conversations instead of failing")

	cmd.AddCommand(list, show, del, limits)
	return cmd
}

func (a *App) runHistoryList(out io.Writer, query string) error {
	store, err := a.store()
	if err != nil {
		return err
	}
	var metas []storage.ConversationMeta
	if query != "" {
		metas, err = store.Search(query)
	} else {
		metas, err = store.List()
	}
	if err != nil {
		return err
	}
	if len(metas) == 0 {
		fmt.Fprintln(out, DimStyle.Render("no conversations"))
		return nil
	}
	for _, m := range metas {
		fmt.Fprintf(out, "%s  %s  %s\n",
			TitleStyle.Render(m.ID),
			DimStyle.Render(fmt.Sprintf("%s, %d turns, %s", m.UpdatedAt.Format("2006-01-02 15:04"), m.TurnCount, orDash(m.Model))),
			runewidth.Truncate(util.SingleLine(m.Summary), 60, "..."))
	}
	return nil
}

func (a *App) runHistoryShow(out io.Writer, id string, raw bool) error {
	store, err := a.store()
	if err != nil {
		return err
	}
	conv, err := store.LoadStored(id)
	if err != nil {
		return err
	}
	w := newReplyWriter(out, raw)
	md := conv.ExportMarkdown()
	w.Delta(md)
	w.Done(md)
	return nil
}

func (a *App) runTokenLimits(out io.Writer, set, discardAll bool) error {
	store, err := a.store()
	if err != nil {
		return err
	}
	state, err := store.LoadState()
	if err != nil {
		return err
	}
	if set {
		state.SetDiscardAllTokenLimits(discardAll)
		if err := store.SaveState(state); err != nil {
			return err
		}
	}
	fmt.Fprintln(out, RenderField("Discard all limits", fmt.Sprint(state.DiscardAllTokenLimits())))
	return nil
}
