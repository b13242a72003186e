// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package config loads and validates the assistant configuration.
//
// Configuration is read from ~/.codegpt/config.toml, filled with defaults,
// overridden from the environment (a .env file in the working directory is
// honoured) and validated. The completion pipeline never reads Config
// directly: it receives the read-only snapshot returned by
// Config.CompletionSettings.
//
// # Environment Overrides
//
//   - OPENAI_API_KEY: openai.api_key
//   - CODEGPT_OPENAI_BASE_URL: openai.base_url
//   - CODEGPT_MODEL: completion.model
//   - CODEGPT_MAX_OUTPUT_TOKENS: completion.max_output_tokens
//   - CODEGPT_LLAMA_SOURCE_PATH: llama.source_path
//   - CODEGPT_LLAMA_MODEL_PATH: llama.model_path
//   - CODEGPT_INDEX_PATH: embeddings.index_path
//   - CODEGPT_DISCARD_TOKEN_LIMITS: conversations.discard_all_token_limits
//   - CODEGPT_LOG_MODE: logging.mode
package config
