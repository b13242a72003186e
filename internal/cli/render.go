// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"fmt"
	"io"

	"github.com/charmbracelet/glamour"
)

// =============================================================================
// MARKDOWN RENDERING
// =============================================================================

// renderMarkdown renders content for a terminal of the given width. It
// returns content unchanged when glamour cannot render it.
func renderMarkdown(content string, width int) string {
	r, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(width),
	)
	if err != nil {
		return content
	}
	rendered, err := r.Render(content)
	if err != nil {
		return content
	}
	return rendered
}

// replyWriter prints a reply. On a terminal the reply is buffered and
// rendered as Markdown when complete; otherwise deltas are written as they
// arrive so piped output streams.
type replyWriter struct {
	out      io.Writer
	markdown bool
}

func newReplyWriter(out io.Writer, raw bool) *replyWriter {
	return &replyWriter{out: out, markdown: !raw && isTerminal(out)}
}

// Delta handles one streamed fragment.
func (w *replyWriter) Delta(s string) {
	if !w.markdown {
		fmt.Fprint(w.out, s)
	}
}

// Done finishes the reply.
func (w *replyWriter) Done(full string) {
	if w.markdown {
		width := terminalWidth(w.out)
		if width > 100 {
			width = 100
		}
		fmt.Fprint(w.out, renderMarkdown(full, width-4))
		return
	}
	fmt.Fprintln(w.out)
}
