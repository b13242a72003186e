// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"fmt"
	"net/url"
	"strings"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidateErrors is a collection of validation errors.
type ValidateErrors []ValidationError

func (e ValidateErrors) Error() string {
	if len(e) == 0 {
		return "no validation errors"
	}
	msgs := make([]string, 0, len(e))
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// Validate checks every field and returns all problems at once.
func (c *Config) Validate() error {
	var errs ValidateErrors

	if strings.TrimSpace(c.Completion.Model) == "" {
		errs = append(errs, ValidationError{"completion.model", "must not be empty"})
	}
	if c.Completion.MaxOutputTokens <= 0 {
		errs = append(errs, ValidationError{"completion.max_output_tokens",
			fmt.Sprintf("must be positive, got %d", c.Completion.MaxOutputTokens)})
	}
	if c.Completion.Temperature < 0 || c.Completion.Temperature > 2 {
		errs = append(errs, ValidationError{"completion.temperature",
			fmt.Sprintf("must be between 0 and 2, got %g", c.Completion.Temperature)})
	}
	if c.Backend.RateLimitRPS < 0 {
		errs = append(errs, ValidationError{"backend.rate_limit_rps", "must not be negative"})
	}
	if c.Backend.UseAlternate && c.Backend.UseLocal {
		errs = append(errs, ValidationError{"backend", "use_alternate and use_local are mutually exclusive"})
	}
	if c.OpenAI.BaseURL != "" {
		if u, err := url.Parse(c.OpenAI.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, ValidationError{"openai.base_url",
				fmt.Sprintf("invalid URL %q", c.OpenAI.BaseURL)})
		}
	}
	if c.Llama.ContextSize <= 0 {
		errs = append(errs, ValidationError{"llama.context_size", "must be positive"})
	}
	if c.Llama.Port <= 0 || c.Llama.Port > 65535 {
		errs = append(errs, ValidationError{"llama.port", fmt.Sprintf("invalid port %d", c.Llama.Port)})
	}
	if c.Embeddings.TopK < 0 {
		errs = append(errs, ValidationError{"embeddings.top_k", "must not be negative"})
	}
	if c.Embeddings.MaxSnippetChars < 0 {
		errs = append(errs, ValidationError{"embeddings.max_snippet_chars", "must not be negative"})
	}
	switch strings.ToLower(c.Logging.Mode) {
	case "dev", "development", "prod", "production":
	default:
		errs = append(errs, ValidationError{"logging.mode",
			fmt.Sprintf("invalid mode %q, must be dev or prod", c.Logging.Mode)})
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}
