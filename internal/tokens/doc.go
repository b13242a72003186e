// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package tokens counts chat message tokens with tiktoken encodings.
//
// Encoders are built lazily, once per encoding family, and cached for the
// life of the process. BPE ranks are loaded from the embedded offline
// loader, so counting never touches the network.
//
//	enc := tokens.Default().ForModel("gpt-4")
//	n := enc.CountMessageTokens(model.UserMessage("hi"))
package tokens
