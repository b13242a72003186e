// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package index

import (
	"bytes"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// Chunk is one window of a source file. Lines are 1-based and inclusive.
type Chunk struct {
	ID        int64
	Path      string
	StartLine int
	EndLine   int
	Content   string
}

// ChunkText splits content into windows of size lines that overlap by
// overlap lines. Text is NFC-normalised and windows holding only whitespace
// are dropped.
func ChunkText(content string, size, overlap int) []Chunk {
	if size <= 0 {
		size = 40
	}
	if overlap < 0 || overlap >= size {
		overlap = 0
	}

	content = norm.NFC.String(strings.ReplaceAll(content, "\r\n", "\n"))
	lines := strings.Split(content, "\n")
	if n := len(lines); n > 0 && lines[n-1] == "" {
		lines = lines[:n-1]
	}

	var chunks []Chunk
	step := size - overlap
	for start := 0; start < len(lines); start += step {
		end := start + size
		if end > len(lines) {
			end = len(lines)
		}
		text := strings.Join(lines[start:end], "\n")
		if strings.TrimSpace(text) != "" {
			chunks = append(chunks, Chunk{StartLine: start + 1, EndLine: end, Content: text})
		}
		if end == len(lines) {
			break
		}
	}
	return chunks
}

// isBinary reports whether data looks like a binary file.
func isBinary(data []byte) bool {
	probe := data
	if len(probe) > 8000 {
		probe = probe[:8000]
	}
	return bytes.IndexByte(probe, 0) >= 0
}

// detectLanguage maps a file extension to a language name.
func detectLanguage(ext string) string {
	switch strings.ToLower(ext) {
	case ".go":
		return "Go"
	case ".js", ".jsx", ".mjs":
		return "JavaScript"
	case ".ts", ".tsx":
		return "TypeScript"
	case ".py":
		return "Python"
	case ".java":
		return "Java"
	case ".kt", ".kts":
		return "Kotlin"
	case ".c", ".h":
		return "C"
	case ".cpp", ".hpp", ".cc":
		return "C++"
	case ".rs":
		return "Rust"
	case ".rb":
		return "Ruby"
	case ".php":
		return "PHP"
	case ".cs":
		return "C#"
	case ".md":
		return "Markdown"
	default:
		return "Text"
	}
}
