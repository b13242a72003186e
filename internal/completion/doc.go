// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package completion assembles backend-specific completion requests from a
// conversation and a new turn.
//
// Two request shapes exist. ChatRequest carries role-tagged messages for
// providers sharing the OpenAI chat schema and is kept inside the model's
// context window by the trim-or-fail policy. AlternateRequest carries a flat
// prompt/response history for the provider that manages its own budget.
//
// # Budget Policy
//
// The request fits when the sum of message tokens plus MaxOutputTokens is at
// most the model's MaxContextTokens. Unknown models skip the check. When the
// request does not fit and neither the conversation nor the global discard
// flag is set, BuildChatRequest fails with ErrTotalUsageExceeded. Otherwise
// history is dropped oldest first, never touching index 0, until it fits.
//
// # Usage
//
//	p := completion.NewProvider(conv, completion.Deps{
//	    Settings:   cfg,
//	    State:      state,
//	    Registry:   model.DefaultRegistry(),
//	    Counters:   tokens.Default(),
//	    Embeddings: builder,
//	})
//	req, err := p.BuildChatRequest(ctx, "gpt-4", turn, completion.ChatOptions{})
//	if errors.Is(err, completion.ErrTotalUsageExceeded) {
//	    // ask the user to enable "discard token limit"
//	}
package completion
