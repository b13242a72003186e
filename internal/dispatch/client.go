// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package dispatch

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"
)

type pathOverrideKey struct{}

// withOverriddenPath makes requests issued under ctx use path instead of the
// endpoint path go-openai chose.
func withOverriddenPath(ctx context.Context, path string) context.Context {
	if path == "" {
		return ctx
	}
	return context.WithValue(ctx, pathOverrideKey{}, path)
}

// pathOverrideDoer rewrites the request path when the context carries one.
type pathOverrideDoer struct {
	next openai.HTTPDoer
}

func (d pathOverrideDoer) Do(req *http.Request) (*http.Response, error) {
	if path, ok := req.Context().Value(pathOverrideKey{}).(string); ok && path != "" {
		clone := req.Clone(req.Context())
		if i := strings.IndexByte(path, '?'); i >= 0 {
			clone.URL.RawQuery = path[i+1:]
			path = path[:i]
		}
		if !strings.HasPrefix(path, "/") {
			path = "/" + path
		}
		clone.URL.Path = path
		clone.URL.RawPath = ""
		req = clone
	}
	return d.next.Do(req)
}

// NewOpenAIClient creates a go-openai client for baseURL that honours
// per-request path overrides.
func NewOpenAIClient(apiKey, baseURL string) *openai.Client {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = strings.TrimRight(baseURL, "/")
	}
	cfg.HTTPClient = pathOverrideDoer{next: &http.Client{Timeout: 5 * time.Minute}}
	return openai.NewClientWithConfig(cfg)
}
