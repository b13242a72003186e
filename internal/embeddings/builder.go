// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package embeddings

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/siilats/CodeGPT/internal/index"
	"github.com/siilats/CodeGPT/internal/logging"
	"github.com/siilats/CodeGPT/internal/metrics"
	"github.com/siilats/CodeGPT/internal/util"
)

// PromptTemplate wraps the retrieved context and the question.
const PromptTemplate = `Use the following pieces of context to answer the question at the end. If you don't know the answer, just say that you don't know, don't try to make up an answer.

Context:
%s

Question: %s
Helpful Answer:`

// Searcher is the part of the index the builder needs.
type Searcher interface {
	Search(ctx context.Context, query string, limit int) ([]index.Result, error)
	StoreEmbedding(ctx context.Context, chunkID int64, vec []float32) error
}

// Embedder turns texts into vectors, one per input, in order.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// Config tunes retrieval.
type Config struct {
	TopK            int
	MaxSnippetChars int
	Rerank          bool
}

// Builder implements completion.ContextBuilder.
type Builder struct {
	searcher Searcher
	embedder Embedder
	cfg      Config
	log      *logging.Logger
	metrics  *metrics.Metrics
}

// NewBuilder creates a builder. searcher and embedder may be nil.
func NewBuilder(searcher Searcher, embedder Embedder, cfg Config, log *logging.Logger, m *metrics.Metrics) *Builder {
	if cfg.TopK <= 0 {
		cfg.TopK = 5
	}
	if log == nil {
		log = logging.Nop()
	}
	return &Builder{
		searcher: searcher,
		embedder: embedder,
		cfg:      cfg,
		log:      log.Named("embeddings"),
		metrics:  m,
	}
}

// BuildPromptWithContext returns prompt wrapped in PromptTemplate with the
// best matching snippets as context.
func (b *Builder) BuildPromptWithContext(ctx context.Context, prompt string) string {
	results, outcome := b.retrieve(ctx, prompt)
	b.metrics.ContextLookup(outcome)
	b.log.Debug("context lookup", "outcome", outcome, "snippets", len(results))
	return fmt.Sprintf(PromptTemplate, b.formatContext(results), prompt)
}

func (b *Builder) retrieve(ctx context.Context, prompt string) ([]index.Result, string) {
	if b.searcher == nil {
		return nil, "no_index"
	}

	limit := b.cfg.TopK
	if b.cfg.Rerank && b.embedder != nil {
		limit *= 3
	}
	results, err := b.searcher.Search(ctx, prompt, limit)
	switch {
	case errors.Is(err, index.ErrNotIndexed):
		return nil, "no_index"
	case err != nil:
		b.log.Warn("context search failed", "error", err)
		return nil, "error"
	case len(results) == 0:
		return nil, "empty"
	}

	if b.cfg.Rerank && b.embedder != nil {
		reranked, err := b.rerank(ctx, prompt, results)
		if err != nil {
			b.log.Warn("rerank failed, using full-text order", "error", err)
		} else {
			results = reranked
		}
	}
	if len(results) > b.cfg.TopK {
		results = results[:b.cfg.TopK]
	}
	return results, "hit"
}

// rerank orders results by similarity to prompt, embedding chunks that have
// no stored vector yet.
func (b *Builder) rerank(ctx context.Context, prompt string, results []index.Result) ([]index.Result, error) {
	texts := []string{prompt}
	var missing []int
	for i, r := range results {
		if len(r.Embedding) == 0 {
			missing = append(missing, i)
			texts = append(texts, r.Content)
		}
	}

	vecs, err := b.embedder.Embed(ctx, texts)
	if err != nil {
		return nil, err
	}
	if len(vecs) != len(texts) {
		return nil, fmt.Errorf("embedder returned %d vectors for %d inputs", len(vecs), len(texts))
	}

	out := make([]index.Result, len(results))
	copy(out, results)
	for j, i := range missing {
		out[i].Embedding = vecs[j+1]
		if err := b.searcher.StoreEmbedding(ctx, out[i].ID, out[i].Embedding); err != nil {
			b.log.Debug("failed to cache embedding", "chunk", out[i].ID, "error", err)
		}
	}

	query := vecs[0]
	sims := make([]float64, len(out))
	for i := range out {
		sims[i] = cosine(query, out[i].Embedding)
	}
	order := make([]int, len(out))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, c int) bool { return sims[order[a]] > sims[order[c]] })

	sorted := make([]index.Result, len(out))
	for i, o := range order {
		sorted[i] = out[o]
	}
	return sorted, nil
}

func (b *Builder) formatContext(results []index.Result) string {
	if len(results) == 0 {
		return ""
	}
	parts := make([]string, 0, len(results))
	for _, r := range results {
		content := r.Content
		if b.cfg.MaxSnippetChars > 0 {
			content = util.TruncateRunes(content, b.cfg.MaxSnippetChars)
		}
		parts = append(parts, fmt.Sprintf("%s:%d-%d\n%s", r.Path, r.StartLine, r.EndLine, content))
	}
	return strings.Join(parts, "\n\n")
}

// cosine returns the cosine similarity of a and b, or 0 when undefined.
func cosine(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
