// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package dispatch sends assembled completion requests to a backend and
// records the finished turn.
//
// Chat requests stream through go-openai, either to the remote provider or
// to the supervised local llama.cpp server, which must be READY first.
// Alternate requests go to an AlternateCompleter. After a reply completes
// the turn is written into the conversation and the conversation is saved.
package dispatch
