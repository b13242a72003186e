// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package completion

import (
	"context"
	"errors"

	"github.com/siilats/CodeGPT/internal/logging"
	"github.com/siilats/CodeGPT/internal/metrics"
	"github.com/siilats/CodeGPT/internal/model"
	"github.com/siilats/CodeGPT/internal/tokens"
)

// =============================================================================
// COLLABORATORS
// =============================================================================

// Settings is the read-only configuration snapshot used for one request.
type Settings struct {
	SystemPrompt        string
	MaxOutputTokens     int
	Temperature         float64
	UseAlternateBackend bool
	UseLargerModel      bool
}

// SettingsView yields a settings snapshot.
type SettingsView interface {
	CompletionSettings() Settings
}

// ConversationView yields a snapshot of the running conversation.
type ConversationView interface {
	Snapshot() model.ConversationSnapshot
}

// StateView exposes the global discard override.
type StateView interface {
	DiscardAllTokenLimits() bool
}

// ModelRegistry resolves model limits. Unknown codes return
// model.ErrModelNotFound.
type ModelRegistry interface {
	FindByCode(code string) (model.ModelDescriptor, error)
}

// CounterSource returns the token counter for a model code.
type CounterSource interface {
	CounterFor(code string) tokens.Counter
}

// ContextBuilder turns a prompt into a prompt with retrieved context. It
// must always return a usable prompt.
type ContextBuilder interface {
	BuildPromptWithContext(ctx context.Context, prompt string) string
}

// Deps are the shared collaborators of a Provider.
type Deps struct {
	Settings   SettingsView
	State      StateView
	Registry   ModelRegistry
	Counters   CounterSource
	Embeddings ContextBuilder
	Log        *logging.Logger
	Metrics    *metrics.Metrics
}

// =============================================================================
// PROVIDER
// =============================================================================

// ChatOptions are the per-call switches of BuildChatRequest.
type ChatOptions struct {
	// IsRetry regenerates the turn with the same ID: that turn and every
	// later turn are left out of the history.
	IsRetry bool

	// UseContextualSearch replaces system prompt and history with a single
	// user message built by the context builder.
	UseContextualSearch bool

	// OverriddenPath is copied into the request when non-empty.
	OverriddenPath string
}

// Option configures a Provider.
type Option func(*Provider)

// WithPairTrim drops a user message together with the assistant reply that
// follows it, so trimming never leaves an orphaned reply.
func WithPairTrim() Option {
	return func(p *Provider) { p.pairTrim = true }
}

// Provider builds completion requests for one conversation.
type Provider struct {
	conv     ConversationView
	deps     Deps
	log      *logging.Logger
	pairTrim bool
}

// NewProvider creates a provider for conv.
func NewProvider(conv ConversationView, deps Deps, opts ...Option) *Provider {
	log := deps.Log
	if log == nil {
		log = logging.Nop()
	}
	p := &Provider{
		conv: conv,
		deps: deps,
		log:  log.Named("completion"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Build picks the request shape from the active backend setting.
func (p *Provider) Build(ctx context.Context, modelCode string, turn model.Turn, opts ChatOptions) (Request, error) {
	if p.deps.Settings.CompletionSettings().UseAlternateBackend {
		return p.BuildAlternateRequest(turn), nil
	}
	return p.BuildChatRequest(ctx, modelCode, turn, opts)
}

// BuildAlternateRequest maps every prior turn, in order and untrimmed, to a
// history pair.
func (p *Provider) BuildAlternateRequest(turn model.Turn) *AlternateRequest {
	settings := p.deps.Settings.CompletionSettings()
	snap := p.conv.Snapshot()

	history := make([]HistoryPair, 0, len(snap.Turns))
	for _, prev := range snap.Turns {
		history = append(history, HistoryPair{UserText: prev.Prompt, AssistantText: prev.Response})
	}

	p.deps.Metrics.RequestBuilt(string(BackendAlternate))
	return &AlternateRequest{
		Prompt:         turn.Prompt,
		History:        history,
		UseLargerModel: settings.UseLargerModel,
	}
}

// BuildChatRequest assembles the messages for turn and fits them into the
// context window of modelCode. The only error it returns wraps
// ErrTotalUsageExceeded.
func (p *Provider) BuildChatRequest(ctx context.Context, modelCode string, turn model.Turn, opts ChatOptions) (*ChatRequest, error) {
	settings := p.deps.Settings.CompletionSettings()
	snap := p.conv.Snapshot()

	messages := p.buildMessages(ctx, settings, snap, turn, opts)

	if !settings.UseAlternateBackend {
		fitted, err := p.fit(ctx, modelCode, settings, snap, messages)
		if err != nil {
			return nil, err
		}
		messages = fitted
	}

	p.deps.Metrics.RequestBuilt(string(BackendChat))
	return &ChatRequest{
		Model:           modelCode,
		Messages:        messages,
		MaxOutputTokens: settings.MaxOutputTokens,
		Temperature:     settings.Temperature,
		OverriddenPath:  opts.OverriddenPath,
	}, nil
}

func (p *Provider) buildMessages(ctx context.Context, settings Settings, snap model.ConversationSnapshot, turn model.Turn, opts ChatOptions) []model.Message {
	if opts.UseContextualSearch && p.deps.Embeddings != nil {
		prompt := p.deps.Embeddings.BuildPromptWithContext(ctx, turn.Prompt)
		p.log.Debug("retrieved context", "prompt_chars", len(prompt))
		return []model.Message{model.UserMessage(prompt)}
	}

	messages := make([]model.Message, 0, 2*len(snap.Turns)+2)
	messages = append(messages, model.SystemMessage(systemPrompt(settings.SystemPrompt)))
	for _, prev := range snap.Turns {
		if opts.IsRetry && prev.ID == turn.ID {
			break
		}
		messages = append(messages, model.UserMessage(prev.Prompt), model.AssistantMessage(prev.Response))
	}
	return append(messages, model.UserMessage(turn.Prompt))
}

// fit applies the budget check and, when permitted, the trim walk.
func (p *Provider) fit(ctx context.Context, modelCode string, settings Settings, snap model.ConversationSnapshot, messages []model.Message) ([]model.Message, error) {
	desc, err := p.deps.Registry.FindByCode(modelCode)
	if errors.Is(err, model.ErrModelNotFound) {
		p.log.Debug("unknown model, skipping budget check", "model", modelCode)
		return messages, nil
	}
	if err != nil {
		p.log.Warn("model lookup failed, skipping budget check", "model", modelCode, "error", err)
		return messages, nil
	}

	counter := p.deps.Counters.CounterFor(modelCode)
	counts, err := tokens.CountAll(ctx, counter, messages)
	if err != nil {
		// Only a cancelled context gets here; count serially instead.
		counts = make([]int, len(messages))
		for i, m := range messages {
			counts[i] = counter.CountMessageTokens(m)
		}
	}

	totalUsage := tokens.Sum(counts) + settings.MaxOutputTokens
	if totalUsage <= desc.MaxContextTokens {
		return messages, nil
	}

	discard := snap.DiscardTokenLimit || (p.deps.State != nil && p.deps.State.DiscardAllTokenLimits())
	if !discard {
		p.deps.Metrics.UsageExceeded()
		return nil, &UsageExceededError{Model: modelCode, TotalUsage: totalUsage, MaxTokens: desc.MaxContextTokens}
	}

	kept, remaining := trimMessages(messages, counts, totalUsage, desc.MaxContextTokens, p.pairTrim)
	dropped := len(messages) - len(kept)
	p.deps.Metrics.MessagesTrimmed(dropped)
	p.log.Info("trimmed history to fit context window",
		"model", modelCode, "dropped", dropped, "total_usage", remaining, "max_tokens", desc.MaxContextTokens)
	if len(kept) > 0 && kept[len(kept)-1].Role != model.RoleUser {
		p.log.Warn("trimming removed the final user message", "model", modelCode)
	}
	return kept, nil
}

// trimMessages walks forward from index 1, dropping messages while the total
// exceeds max. Index 0 is never dropped. Survivors keep their relative order.
// The result is not re-checked: if dropping everything is not enough, what
// is left is returned as is.
func trimMessages(messages []model.Message, counts []int, total, max int, pairs bool) ([]model.Message, int) {
	removed := make([]bool, len(messages))
	for i := 1; i < len(messages); i++ {
		if total <= max {
			break
		}
		if removed[i] {
			continue
		}
		removed[i] = true
		total -= counts[i]

		if pairs && messages[i].Role == model.RoleUser && i+1 < len(messages) &&
			messages[i+1].Role == model.RoleAssistant {
			removed[i+1] = true
			total -= counts[i+1]
		}
	}

	kept := make([]model.Message, 0, len(messages))
	for i, m := range messages {
		if !removed[i] {
			kept = append(kept, m)
		}
	}
	return kept, total
}
