// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package embeddings

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/siilats/CodeGPT/internal/index"
	"github.com/siilats/CodeGPT/internal/metrics"
)

type fakeSearcher struct {
	results []index.Result
	err     error
	stored  map[int64][]float32
	limit   int
}

func (f *fakeSearcher) Search(_ context.Context, _ string, limit int) ([]index.Result, error) {
	f.limit = limit
	if f.err != nil {
		return nil, f.err
	}
	if len(f.results) > limit {
		return f.results[:limit], nil
	}
	return f.results, nil
}

func (f *fakeSearcher) StoreEmbedding(_ context.Context, id int64, vec []float32) error {
	if f.stored == nil {
		f.stored = map[int64][]float32{}
	}
	f.stored[id] = vec
	return nil
}

// keywordEmbedder scores a text by whether it mentions "socket".
type keywordEmbedder struct {
	calls int
	err   error
}

func (k *keywordEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	k.calls++
	if k.err != nil {
		return nil, k.err
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		if strings.Contains(t, "socket") {
			out[i] = []float32{1, 0}
		} else {
			out[i] = []float32{0, 1}
		}
	}
	return out, nil
}

func result(id int64, path, content string) index.Result {
	return index.Result{Chunk: index.Chunk{ID: id, Path: path, StartLine: 1, EndLine: 3, Content: content}}
}

func emptyPrompt(question string) string {
	return fmt.Sprintf(PromptTemplate, "", question)
}

func TestBuildPromptWithContext_NoIndex(t *testing.T) {
	m := metrics.New()
	b := NewBuilder(nil, nil, Config{TopK: 3}, nil, m)

	out := b.BuildPromptWithContext(context.Background(), "how do I open a socket?")
	assert.Equal(t, emptyPrompt("how do I open a socket?"), out)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ContextLookups().WithLabelValues("no_index")))
}

func TestBuildPromptWithContext_FailuresYieldEmptyContext(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		outcome string
	}{
		{"not indexed", index.ErrNotIndexed, "no_index"},
		{"wrapped not indexed", fmt.Errorf("open: %w", index.ErrNotIndexed), "no_index"},
		{"database error", errors.New("disk I/O error"), "error"},
		{"no results", nil, "empty"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := metrics.New()
			b := NewBuilder(&fakeSearcher{err: tt.err}, nil, Config{TopK: 3}, nil, m)

			out := b.BuildPromptWithContext(context.Background(), "q")
			assert.Equal(t, emptyPrompt("q"), out)
			assert.Equal(t, 1.0, testutil.ToFloat64(m.ContextLookups().WithLabelValues(tt.outcome)))
		})
	}
}

func TestBuildPromptWithContext_Hit(t *testing.T) {
	s := &fakeSearcher{results: []index.Result{
		result(1, "net/dial.go", "func Dial() {}"),
		result(2, "net/listen.go", "func Listen() {}"),
		result(3, "net/extra.go", "func Extra() {}"),
	}}
	b := NewBuilder(s, nil, Config{TopK: 2, MaxSnippetChars: 10}, nil, nil)

	out := b.BuildPromptWithContext(context.Background(), "dial")
	assert.Equal(t, 2, s.limit)
	assert.Contains(t, out, "net/dial.go:1-3\nfunc Di...")
	assert.Contains(t, out, "net/listen.go:1-3")
	assert.NotContains(t, out, "extra.go")
	assert.True(t, strings.HasSuffix(out, "Question: dial\nHelpful Answer:"))
}

func TestBuildPromptWithContext_Rerank(t *testing.T) {
	s := &fakeSearcher{results: []index.Result{
		result(1, "a.go", "func parse() {}"),
		result(2, "b.go", "func openSocket() // socket"),
		{Chunk: index.Chunk{ID: 3, Path: "c.go", Content: "cached"}, Embedding: []float32{0.9, 0.1}},
	}}
	emb := &keywordEmbedder{}
	b := NewBuilder(s, emb, Config{TopK: 2, Rerank: true}, nil, nil)

	out := b.BuildPromptWithContext(context.Background(), "open a socket")
	assert.Equal(t, 6, s.limit, "rerank widens the candidate pool")
	assert.Equal(t, 1, emb.calls)

	iB := strings.Index(out, "b.go")
	iC := strings.Index(out, "c.go")
	require.True(t, iB >= 0 && iC >= 0, out)
	assert.Less(t, iB, iC)
	assert.NotContains(t, out, "a.go")

	assert.Contains(t, s.stored, int64(1))
	assert.Contains(t, s.stored, int64(2))
	assert.NotContains(t, s.stored, int64(3), "cached vectors are reused")
}

func TestBuildPromptWithContext_RerankFailureFallsBack(t *testing.T) {
	s := &fakeSearcher{results: []index.Result{
		result(1, "a.go", "first"),
		result(2, "b.go", "second"),
	}}
	b := NewBuilder(s, &keywordEmbedder{err: errors.New("rate limited")}, Config{TopK: 1, Rerank: true}, nil, nil)

	out := b.BuildPromptWithContext(context.Background(), "q")
	assert.Contains(t, out, "a.go")
	assert.NotContains(t, out, "b.go")
}

func TestCosine(t *testing.T) {
	assert.InDelta(t, 1.0, cosine([]float32{1, 2}, []float32{2, 4}), 1e-9)
	assert.InDelta(t, 0.0, cosine([]float32{1, 0}, []float32{0, 1}), 1e-9)
	assert.Equal(t, 0.0, cosine([]float32{1}, []float32{1, 2}))
	assert.Equal(t, 0.0, cosine([]float32{0, 0}, []float32{1, 2}))
}

func TestBuilder_WithRealIndex(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "tokens.go"),
		[]byte("package tokens\n\n// CountTokens counts BPE tokens.\nfunc CountTokens(s string) int { return 0 }\n"), 0644))

	idx, err := index.Open(index.DefaultConfig(filepath.Join(t.TempDir(), "index.db")), nil)
	require.NoError(t, err)
	defer idx.Close()
	_, err = idx.Build(context.Background(), root)
	require.NoError(t, err)

	b := NewBuilder(idx, nil, Config{TopK: 3}, nil, nil)
	out := b.BuildPromptWithContext(context.Background(), "where are tokens counted?")
	assert.Contains(t, out, "tokens.go:1-4")
	assert.Contains(t, out, "CountTokens")
}

func TestOpenAIEmbedder(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/embeddings", r.URL.Path)
		var req struct {
			Input []string `json:"input"`
			Model string   `json:"model"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "text-embedding-ada-002", req.Model)

		data := make([]map[string]any, len(req.Input))
		for i := range req.Input {
			// reversed order to check index mapping
			j := len(req.Input) - 1 - i
			data[i] = map[string]any{"object": "embedding", "index": j, "embedding": []float32{float32(j), 1}}
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"object": "list", "data": data, "model": req.Model})
	}))
	defer srv.Close()

	cfg := openai.DefaultConfig("sk-test")
	cfg.BaseURL = srv.URL + "/v1"
	e := NewOpenAIEmbedder(openai.NewClientWithConfig(cfg), "")

	vecs, err := e.Embed(context.Background(), []string{"a", "b", "c"})
	require.NoError(t, err)
	assert.Equal(t, [][]float32{{0, 1}, {1, 1}, {2, 1}}, vecs)
}
