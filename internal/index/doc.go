// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package index provides the retrieval index behind contextual search.
//
// Source files under a root are split into overlapping line windows
// ("chunks") and stored in SQLite with an FTS5 table over the chunk text.
// Search ranks chunks with bm25. Chunks may also carry an embedding vector
// so callers can rerank full-text candidates by similarity.
//
// # Key Types
//
//   - Index: SQLite-backed chunk store
//   - Chunk: one window of a source file
//   - Result: a ranked search hit
//   - Watcher: fsnotify watcher that reindexes changed files
//
// # Usage
//
//	idx, err := index.Open(index.DefaultConfig(dbPath), log)
//	stats, err := idx.Build(ctx, "/path/to/project")
//	results, err := idx.Search(ctx, "parse config file", 5)
//
// Keep the index fresh while a session runs:
//
//	w, err := idx.Watch(ctx)
//	defer w.Close()
package index
