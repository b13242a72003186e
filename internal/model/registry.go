// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package model

import (
	"errors"
	"sort"
	"sync"
)

// ErrModelNotFound is returned by FindByCode for codes the registry does not
// know. It is an expected outcome (custom or local models), not a failure.
var ErrModelNotFound = errors.New("model not found")

// =============================================================================
// MODEL DESCRIPTOR
// =============================================================================

// ModelDescriptor describes the limits of a chat model.
type ModelDescriptor struct {
	// Code is the identifier sent to the backend, e.g. "gpt-4".
	Code string `json:"code"`

	// Name is the human-readable display name.
	Name string `json:"name"`

	// Provider is "OpenAI", "Azure" or "Local".
	Provider string `json:"provider"`

	// MaxContextTokens is the input plus output token window.
	MaxContextTokens int `json:"max_context_tokens"`
}

// =============================================================================
// MODEL REGISTRY
// =============================================================================

// Registry maps model codes to descriptors. Safe for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	models map[string]ModelDescriptor
}

// NewRegistry creates a registry holding descs.
func NewRegistry(descs ...ModelDescriptor) *Registry {
	r := &Registry{models: make(map[string]ModelDescriptor, len(descs))}
	for _, d := range descs {
		r.models[d.Code] = d
	}
	return r
}

// DefaultModels are the chat models the assistant ships with.
var DefaultModels = []ModelDescriptor{
	{Code: "gpt-3.5-turbo", Name: "GPT-3.5 (4k)", Provider: "OpenAI", MaxContextTokens: 4097},
	{Code: "gpt-3.5-turbo-16k", Name: "GPT-3.5 (16k)", Provider: "OpenAI", MaxContextTokens: 16384},
	{Code: "gpt-3.5-turbo-1106", Name: "GPT-3.5 Turbo (16k)", Provider: "OpenAI", MaxContextTokens: 16385},
	{Code: "gpt-4", Name: "GPT-4 (8k)", Provider: "OpenAI", MaxContextTokens: 8192},
	{Code: "gpt-4-32k", Name: "GPT-4 (32k)", Provider: "OpenAI", MaxContextTokens: 32768},
	{Code: "gpt-4-1106-preview", Name: "GPT-4 Turbo (128k)", Provider: "OpenAI", MaxContextTokens: 128000},
	{Code: "gpt-4-0125-preview", Name: "GPT-4 Turbo (128k)", Provider: "OpenAI", MaxContextTokens: 128000},
	{Code: "gpt-4-vision-preview", Name: "GPT-4 Vision (128k)", Provider: "OpenAI", MaxContextTokens: 128000},
}

// DefaultRegistry returns a registry preloaded with DefaultModels.
func DefaultRegistry() *Registry {
	return NewRegistry(DefaultModels...)
}

// FindByCode looks up a model by its code.
func (r *Registry) FindByCode(code string) (ModelDescriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.models[code]
	if !ok {
		return ModelDescriptor{}, ErrModelNotFound
	}
	return d, nil
}

// Register adds or replaces a descriptor. Used for the local server, whose
// window is only known once its context size is configured.
func (r *Registry) Register(d ModelDescriptor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.models[d.Code] = d
}

// All returns every descriptor sorted by code.
func (r *Registry) All() []ModelDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ModelDescriptor, 0, len(r.models))
	for _, d := range r.models {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out
}
