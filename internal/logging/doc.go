// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package logging wraps a sugared zap logger with key/value helpers.
//
// Components take a *Logger and log structured pairs:
//
//	log := logging.MustNew("dev")
//	log.Info("request built", "model", "gpt-4", "messages", 5)
//
// Values under secret-looking keys (api_key, token, authorization) are
// replaced with "[REDACTED]" before they reach the encoder.
package logging
