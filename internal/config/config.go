// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"

	"github.com/siilats/CodeGPT/internal/completion"
	"github.com/siilats/CodeGPT/internal/util"
)

// =============================================================================
// CONFIG STRUCTURES
// =============================================================================

// Config represents the complete assistant configuration.
type Config struct {
	Completion    CompletionConfig    `toml:"completion"`
	Backend       BackendConfig       `toml:"backend"`
	OpenAI        OpenAIConfig        `toml:"openai"`
	Llama         LlamaConfig         `toml:"llama"`
	Embeddings    EmbeddingsConfig    `toml:"embeddings"`
	Conversations ConversationsConfig `toml:"conversations"`
	Logging       LoggingConfig       `toml:"logging"`
}

// CompletionConfig holds the chat request parameters.
type CompletionConfig struct {
	// Model is the default chat model code.
	Model string `toml:"model"`
	// SystemPrompt replaces the built-in system prompt when non-empty.
	SystemPrompt string `toml:"system_prompt"`
	// MaxOutputTokens is requested from the backend and reserved in the budget.
	MaxOutputTokens int `toml:"max_output_tokens"`
	// Temperature in [0, 2].
	Temperature float64 `toml:"temperature"`
}

// BackendConfig selects which backend receives requests.
type BackendConfig struct {
	// UseAlternate routes turns to the flat-history backend.
	UseAlternate bool `toml:"use_alternate"`
	// UseLargerModel asks the alternate backend for its larger model.
	UseLargerModel bool `toml:"use_larger_model"`
	// UseLocal routes chat requests to the supervised local server.
	UseLocal bool `toml:"use_local"`
	// RateLimitRPS caps outgoing requests per second (0 = unlimited).
	RateLimitRPS float64 `toml:"rate_limit_rps"`
}

// OpenAIConfig holds the remote chat provider connection.
type OpenAIConfig struct {
	APIKey  string `toml:"api_key"`
	BaseURL string `toml:"base_url"`
}

// LlamaConfig configures the local server supervisor.
type LlamaConfig struct {
	// SourcePath is the llama.cpp checkout that is built with make.
	SourcePath string `toml:"source_path"`
	// ModelPath is the model file passed to the server with -m.
	ModelPath string `toml:"model_path"`
	// ContextSize is passed with -c.
	ContextSize int `toml:"context_size"`
	// Port the server listens on.
	Port int `toml:"port"`
}

// EmbeddingsConfig configures retrieval for contextual search.
type EmbeddingsConfig struct {
	// IndexPath is the SQLite index built by `codegpt index build`.
	IndexPath string `toml:"index_path"`
	// TopK is the number of snippets embedded into the prompt.
	TopK int `toml:"top_k"`
	// MaxSnippetChars caps each snippet.
	MaxSnippetChars int `toml:"max_snippet_chars"`
	// Rerank orders full-text candidates by embedding similarity.
	Rerank bool `toml:"rerank"`
	// EmbeddingModel is used when Rerank is set.
	EmbeddingModel string `toml:"embedding_model"`
}

// ConversationsConfig configures conversation persistence.
type ConversationsConfig struct {
	Dir                   string `toml:"dir"`
	DiscardAllTokenLimits bool   `toml:"discard_all_token_limits"`
}

// LoggingConfig selects the zap encoder.
type LoggingConfig struct {
	// Mode is "dev" or "prod".
	Mode string `toml:"mode"`
}

// =============================================================================
// DEFAULTS
// =============================================================================

// Default returns the built-in configuration.
func Default() *Config {
	base := baseDir()
	return &Config{
		Completion: CompletionConfig{
			Model:           "gpt-3.5-turbo",
			MaxOutputTokens: 1000,
			Temperature:     0.1,
		},
		Backend: BackendConfig{
			RateLimitRPS: 2,
		},
		OpenAI: OpenAIConfig{
			BaseURL: "https://api.openai.com/v1",
		},
		Llama: LlamaConfig{
			SourcePath:  filepath.Join(base, "llama.cpp"),
			ContextSize: 2048,
			Port:        8080,
		},
		Embeddings: EmbeddingsConfig{
			IndexPath:       filepath.Join(base, "index.db"),
			TopK:            5,
			MaxSnippetChars: 1500,
			EmbeddingModel:  "text-embedding-ada-002",
		},
		Conversations: ConversationsConfig{
			Dir: filepath.Join(base, "conversations"),
		},
		Logging: LoggingConfig{
			Mode: "dev",
		},
	}
}

func baseDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".codegpt"
	}
	return filepath.Join(home, ".codegpt")
}

// ConfigDir returns ~/.codegpt.
func ConfigDir() string {
	return baseDir()
}

// ConfigPath returns ~/.codegpt/config.toml.
func ConfigPath() string {
	return filepath.Join(baseDir(), "config.toml")
}

// =============================================================================
// LOAD FUNCTIONS
// =============================================================================

// Load reads the default config file if present. A missing file yields the
// defaults; a malformed file is an error.
func Load() (*Config, error) {
	return LoadFile(ConfigPath())
}

// LoadFile is Load for an explicit path.
func LoadFile(path string) (*Config, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		cfg := Default()
		if err := LoadDotEnv(); err != nil {
			return nil, err
		}
		cfg.ApplyEnvOverrides()
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("invalid config: %w", err)
		}
		return cfg, nil
	}
	return LoadFromPath(path)
}

// LoadFromPath loads, overrides and validates the TOML file at path.
func LoadFromPath(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("failed to decode TOML config %s: %w", path, err)
	}
	cfg.fillDefaults()

	if err := LoadDotEnv(); err != nil {
		return nil, err
	}
	cfg.ApplyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// LoadDotEnv loads the given .env files (default ".env") into the process
// environment without overriding variables that are already set. Missing
// files are ignored.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	var present []string
	for _, f := range files {
		if _, err := os.Stat(f); err == nil {
			present = append(present, f)
		}
	}
	if len(present) == 0 {
		return nil
	}
	if err := godotenv.Load(present...); err != nil {
		return fmt.Errorf("failed to load env file: %w", err)
	}
	return nil
}

// fillDefaults restores defaults for fields a partial file left zero.
func (c *Config) fillDefaults() {
	d := Default()
	if c.Completion.Model == "" {
		c.Completion.Model = d.Completion.Model
	}
	if c.Completion.MaxOutputTokens == 0 {
		c.Completion.MaxOutputTokens = d.Completion.MaxOutputTokens
	}
	if c.OpenAI.BaseURL == "" {
		c.OpenAI.BaseURL = d.OpenAI.BaseURL
	}
	if c.Llama.SourcePath == "" {
		c.Llama.SourcePath = d.Llama.SourcePath
	}
	if c.Llama.ContextSize == 0 {
		c.Llama.ContextSize = d.Llama.ContextSize
	}
	if c.Llama.Port == 0 {
		c.Llama.Port = d.Llama.Port
	}
	if c.Embeddings.IndexPath == "" {
		c.Embeddings.IndexPath = d.Embeddings.IndexPath
	}
	if c.Embeddings.MaxSnippetChars == 0 {
		c.Embeddings.MaxSnippetChars = d.Embeddings.MaxSnippetChars
	}
	if c.Embeddings.EmbeddingModel == "" {
		c.Embeddings.EmbeddingModel = d.Embeddings.EmbeddingModel
	}
	if c.Conversations.Dir == "" {
		c.Conversations.Dir = d.Conversations.Dir
	}
	if c.Logging.Mode == "" {
		c.Logging.Mode = d.Logging.Mode
	}
}

// ApplyEnvOverrides applies CODEGPT_* and OPENAI_API_KEY variables.
func (c *Config) ApplyEnvOverrides() {
	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		c.OpenAI.APIKey = v
	}
	if v := os.Getenv("CODEGPT_OPENAI_BASE_URL"); v != "" {
		c.OpenAI.BaseURL = v
	}
	if v := os.Getenv("CODEGPT_MODEL"); v != "" {
		c.Completion.Model = v
	}
	if v := os.Getenv("CODEGPT_MAX_OUTPUT_TOKENS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Completion.MaxOutputTokens = n
		}
	}
	if v := os.Getenv("CODEGPT_LLAMA_SOURCE_PATH"); v != "" {
		c.Llama.SourcePath = v
	}
	if v := os.Getenv("CODEGPT_LLAMA_MODEL_PATH"); v != "" {
		c.Llama.ModelPath = v
	}
	if v := os.Getenv("CODEGPT_INDEX_PATH"); v != "" {
		c.Embeddings.IndexPath = v
	}
	if v := os.Getenv("CODEGPT_DISCARD_TOKEN_LIMITS"); v != "" {
		c.Conversations.DiscardAllTokenLimits = v == "1" || strings.EqualFold(v, "true")
	}
	if v := os.Getenv("CODEGPT_LOG_MODE"); v != "" {
		c.Logging.Mode = v
	}
}

// =============================================================================
// SAVE FUNCTIONS
// =============================================================================

// Save writes cfg to the default path.
func Save(cfg *Config) error {
	return SaveTOML(cfg, ConfigPath())
}

// SaveTOML encodes cfg and writes it atomically with owner-only permissions,
// since the file may hold an API key.
func SaveTOML(cfg *Config, path string) error {
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := util.AtomicWriteFileWithDir(path, buf.Bytes(), 0600, 0700); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// =============================================================================
// SNAPSHOTS
// =============================================================================

// CompletionSettings returns the read-only settings the request assembler
// consumes. The returned value is a copy; later config edits do not affect it.
func (c *Config) CompletionSettings() completion.Settings {
	return completion.Settings{
		SystemPrompt:        c.Completion.SystemPrompt,
		MaxOutputTokens:     c.Completion.MaxOutputTokens,
		Temperature:         c.Completion.Temperature,
		UseAlternateBackend: c.Backend.UseAlternate,
		UseLargerModel:      c.Backend.UseLargerModel,
	}
}

// String renders the config as TOML with the API key masked.
func (c *Config) String() string {
	clone := *c
	if clone.OpenAI.APIKey != "" {
		clone.OpenAI.APIKey = util.TruncateRunes(clone.OpenAI.APIKey, 3) + "****"
	}
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(&clone); err != nil {
		return fmt.Sprintf("<config: %v>", err)
	}
	return buf.String()
}
