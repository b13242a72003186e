// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package model contains the data structures for conversations, wire
// messages and the model registry.
//
// # Key Types
//
//   - Turn: one user prompt and (eventually) its assistant response
//   - Conversation: ordered turns plus the per-conversation discard flag
//   - ConversationsState: process-wide discard override
//   - Message: role-tagged wire message (system, user, assistant)
//   - Registry: model code -> ModelDescriptor (max context tokens)
//
// # Usage
//
//	conv := model.NewConversation()
//	conv.AddTurn(model.Turn{ID: "t1", Prompt: "hi", Response: "hello"})
//
//	desc, err := model.DefaultRegistry().FindByCode("gpt-4")
//	if errors.Is(err, model.ErrModelNotFound) {
//	    // custom or local model, no budget known
//	}
package model
