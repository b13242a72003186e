// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package embeddings builds prompts enriched with code retrieved from the
// local index.
//
// The Builder never fails: a missing index, an empty result set or any
// retrieval error produces the prompt template with an empty context
// section, so a caller can always send the result.
//
// When reranking is enabled, full-text candidates are reordered by cosine
// similarity between the question and each chunk, using vectors from an
// Embedder (OpenAI embeddings by default). Chunk vectors are cached in the
// index after the first lookup.
package embeddings
