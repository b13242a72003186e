// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package completion

import (
	"github.com/sashabaranov/go-openai"

	"github.com/siilats/CodeGPT/internal/model"
)

// Backend identifies the wire shape a request is built for.
type Backend string

const (
	BackendChat      Backend = "chat"
	BackendAlternate Backend = "alternate"
)

// Request is either a *ChatRequest or an *AlternateRequest.
type Request interface {
	Backend() Backend
	isRequest()
}

// =============================================================================
// CHAT REQUEST
// =============================================================================

// ChatRequest is the request for providers sharing the OpenAI chat schema.
type ChatRequest struct {
	Model           string          `json:"model"`
	Messages        []model.Message `json:"messages"`
	MaxOutputTokens int             `json:"max_tokens"`
	Temperature     float64         `json:"temperature"`

	// OverriddenPath replaces the endpoint path (e.g. a self-hosted gateway)
	// when non-empty.
	OverriddenPath string `json:"-"`
}

func (*ChatRequest) Backend() Backend { return BackendChat }
func (*ChatRequest) isRequest()       {}

// OpenAI converts the request to the go-openai wire type.
func (r *ChatRequest) OpenAI() openai.ChatCompletionRequest {
	msgs := make([]openai.ChatCompletionMessage, len(r.Messages))
	for i, m := range r.Messages {
		msgs[i] = openai.ChatCompletionMessage{Role: string(m.Role), Content: m.Content}
	}
	return openai.ChatCompletionRequest{
		Model:       r.Model,
		Messages:    msgs,
		MaxTokens:   r.MaxOutputTokens,
		Temperature: float32(r.Temperature),
	}
}

// =============================================================================
// ALTERNATE REQUEST
// =============================================================================

// HistoryPair is one prior exchange for the alternate backend.
type HistoryPair struct {
	UserText      string `json:"question"`
	AssistantText string `json:"answer"`
}

// AlternateRequest is the flat-history request of the alternate backend.
type AlternateRequest struct {
	Prompt         string        `json:"prompt"`
	History        []HistoryPair `json:"chat_history"`
	UseLargerModel bool          `json:"use_larger_model"`
}

func (*AlternateRequest) Backend() Backend { return BackendAlternate }
func (*AlternateRequest) isRequest()       {}
