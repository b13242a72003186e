// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package util provides small helpers shared by the storage, config and
// logging layers.
//
//   - AtomicWriteFile: crash-safe file writes (temp file, fsync, rename)
//   - TruncateRunes: UTF-8 safe truncation with ellipsis for previews and logs
//   - SingleLine: collapse newlines for one-line summaries
package util
