// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package storage persists conversations and the process-wide conversation
// state.
//
// # Key Types
//
//   - ConversationStore: JSON file per conversation plus state.json
//   - StoredConversation: serializable form of a model.Conversation
//   - ConversationMeta: lightweight metadata for listing
//
// # Usage
//
//	store, err := storage.NewConversationStoreWithDir(cfg.Conversations.Dir)
//	id, err := store.Save(conv)
//	conv, err := store.Load(id)
//
// The global discard flag survives restarts through SaveState/LoadState:
//
//	state, err := store.LoadState()
//	state.SetDiscardAllTokenLimits(true)
//	err = store.SaveState(state)
//
// All writes are atomic (temp file, fsync, rename).
package storage
