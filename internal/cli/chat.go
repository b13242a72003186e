// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/peterh/liner"
	"github.com/spf13/cobra"

	"github.com/siilats/CodeGPT/internal/config"
	"github.com/siilats/CodeGPT/internal/model"
)

func newChatCommand(app *App) *cobra.Command {
	opts := &askOptions{}
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Interactive conversation with line editing and history",
		Long: `Interactive conversation. Slash commands:
  /retry   regenerate the last reply
  /new     start a new conversation
  /id      print the conversation id
  /quit    leave`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.runChat(cmd.Context(), cmd.OutOrStdout(), cmd.ErrOrStderr(), opts)
		},
	}
	opts.register(cmd)
	return cmd
}

// =============================================================================
// INPUT HISTORY
// =============================================================================

// lineReader is the prompt source of the chat loop.
type lineReader interface {
	Prompt(prompt string) (string, error)
	Close() error
}

// chatInput wraps liner with a history file in the config directory.
type chatInput struct {
	line        *liner.State
	historyFile string
}

func newChatInput() *chatInput {
	line := liner.NewLiner()
	line.SetCtrlCAborts(true)
	c := &chatInput{
		line:        line,
		historyFile: filepath.Join(config.ConfigDir(), "chat_history"),
	}
	if f, err := os.Open(c.historyFile); err == nil {
		line.ReadHistory(f)
		f.Close()
	}
	return c
}

func (c *chatInput) Prompt(prompt string) (string, error) {
	input, err := c.line.Prompt(prompt)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(input) != "" {
		c.line.AppendHistory(input)
	}
	return input, nil
}

// Close saves the history with owner-only permissions and restores the
// terminal.
func (c *chatInput) Close() error {
	if err := os.MkdirAll(filepath.Dir(c.historyFile), 0700); err == nil {
		if f, err := os.OpenFile(c.historyFile, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600); err == nil {
			c.line.WriteHistory(f)
			f.Close()
		}
	}
	return c.line.Close()
}

// =============================================================================
// REPL
// =============================================================================

func (a *App) runChat(ctx context.Context, out, errOut io.Writer, opts *askOptions) error {
	input := newChatInput()
	defer input.Close()
	return a.chatLoop(ctx, input, out, errOut, opts)
}

func (a *App) chatLoop(ctx context.Context, input lineReader, out, errOut io.Writer, opts *askOptions) error {
	sess, err := a.newSession(ctx, errOut, opts)
	if err != nil {
		return err
	}
	defer sess.Close()

	fmt.Fprintln(out, TitleStyle.Render("codegpt chat"), DimStyle.Render("model "+sess.model+", /quit to leave"))
	var last model.Turn
	if turns := sess.conv.Turns(); len(turns) > 0 {
		last = turns[len(turns)-1]
	}

	for {
		line, err := input.Prompt("> ")
		if err != nil {
			if errors.Is(err, liner.ErrPromptAborted) || errors.Is(err, io.EOF) {
				fmt.Fprintln(out)
				return nil
			}
			return err
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		turn, retry := model.NewTurn(line), false
		switch line {
		case "/quit", "/exit":
			return nil
		case "/new":
			sess.Reset()
			last = model.Turn{}
			fmt.Fprintln(out, DimStyle.Render("new conversation"))
			continue
		case "/id":
			fmt.Fprintln(out, sess.conv.ID())
			continue
		case "/retry":
			if last.ID == "" {
				fmt.Fprintln(errOut, WarningStyle.Render("nothing to retry"))
				continue
			}
			turn, retry = model.Turn{ID: last.ID, Prompt: last.Prompt}, true
		default:
			if strings.HasPrefix(line, "/") {
				fmt.Fprintln(errOut, WarningStyle.Render("unknown command "+line))
				continue
			}
		}

		done, err := sess.Send(ctx, out, turn, retry)
		if err != nil {
			fmt.Fprintln(errOut, ErrorStyle.Render("Error:"), err)
			if ctx.Err() != nil {
				return nil
			}
			if done.Response == "" {
				continue
			}
		}
		last = done
	}
}
