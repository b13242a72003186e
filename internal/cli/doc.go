// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package cli implements the codegpt command line.
//
// # Commands
//
//   - ask: send one turn of a conversation and print the reply
//   - llama: build, launch and probe the local llama.cpp server
//   - index: build and query the retrieval index used by --context
//   - history: list, show and delete saved conversations
//   - config: show or initialise the configuration file
//
// Replies are rendered as Markdown with glamour when stdout is a terminal
// and streamed verbatim otherwise.
package cli
