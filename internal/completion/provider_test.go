// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package completion

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/siilats/CodeGPT/internal/model"
	"github.com/siilats/CodeGPT/internal/tokens"
)

// =============================================================================
// FAKES
// =============================================================================

type fakeSettings struct{ s Settings }

func (f fakeSettings) CompletionSettings() Settings { return f.s }

type fakeState struct{ discard bool }

func (f fakeState) DiscardAllTokenLimits() bool { return f.discard }

// tableCounter returns a fixed count per message content, or 1 if unlisted.
type tableCounter map[string]int

func (c tableCounter) CountMessageTokens(m model.Message) int {
	if n, ok := c[m.Content]; ok {
		return n
	}
	return 1
}

type fixedCounters struct{ c tokens.Counter }

func (f fixedCounters) CounterFor(string) tokens.Counter { return f.c }

type fakeEmbeddings struct {
	calls int
}

func (f *fakeEmbeddings) BuildPromptWithContext(_ context.Context, prompt string) string {
	f.calls++
	return "Context:\n\nfunc main() {}\n\nQuestion: " + prompt
}

type failingRegistry struct{}

func (failingRegistry) FindByCode(string) (model.ModelDescriptor, error) {
	return model.ModelDescriptor{}, errors.New("registry offline")
}

func newConv(turns ...model.Turn) *model.Conversation {
	c := model.NewConversation()
	for _, t := range turns {
		c.AddTurn(t)
	}
	return c
}

func turn(id, prompt, response string) model.Turn {
	return model.Turn{ID: id, Prompt: prompt, Response: response}
}

// s2Fixture is the trim-one scenario: 550 tokens against a 500 window.
func s2Fixture(discardConv, discardAll bool, opts ...Option) (*Provider, model.Turn) {
	conv := newConv(turn("t1", "u100", "a150"), turn("t2", "u80", "a40"))
	conv.SetDiscardTokenLimit(discardConv)

	counter := tableCounter{"sys": 50, "u100": 100, "a150": 150, "u80": 80, "a40": 40, "u30": 30}
	p := NewProvider(conv, Deps{
		Settings: fakeSettings{Settings{SystemPrompt: "sys", MaxOutputTokens: 100, Temperature: 0.1}},
		State:    fakeState{discard: discardAll},
		Registry: model.NewRegistry(model.ModelDescriptor{Code: "m500", MaxContextTokens: 500}),
		Counters: fixedCounters{counter},
	}, opts...)
	return p, model.Turn{ID: "t3", Prompt: "u30"}
}

func contents(msgs []model.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Content
	}
	return out
}

// =============================================================================
// SCENARIOS
// =============================================================================

func TestBuildChatRequest_TinyFit(t *testing.T) {
	p := NewProvider(newConv(), Deps{
		Settings: fakeSettings{Settings{MaxOutputTokens: 100, Temperature: 0.1}},
		State:    fakeState{},
		Registry: model.NewRegistry(model.ModelDescriptor{Code: "m1000", MaxContextTokens: 1000}),
		Counters: fixedCounters{tableCounter{DefaultSystemPrompt: 200, "hi": 2}},
	})

	req, err := p.BuildChatRequest(context.Background(), "m1000", model.NewTurn("hi"), ChatOptions{})
	require.NoError(t, err)
	require.Len(t, req.Messages, 2)
	assert.Equal(t, model.SystemMessage(DefaultSystemPrompt), req.Messages[0])
	assert.Equal(t, model.UserMessage("hi"), req.Messages[1])
	assert.Equal(t, "m1000", req.Model)
	assert.Equal(t, 100, req.MaxOutputTokens)
	assert.InDelta(t, 0.1, req.Temperature, 1e-9)
	assert.Empty(t, req.OverriddenPath)
}

func TestBuildChatRequest_TrimOne(t *testing.T) {
	p, newTurn := s2Fixture(true, false)

	req, err := p.BuildChatRequest(context.Background(), "m500", newTurn, ChatOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{"sys", "a150", "u80", "a40", "u30"}, contents(req.Messages))
}

func TestBuildChatRequest_TrimWithGlobalDiscard(t *testing.T) {
	p, newTurn := s2Fixture(false, true)

	req, err := p.BuildChatRequest(context.Background(), "m500", newTurn, ChatOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{"sys", "a150", "u80", "a40", "u30"}, contents(req.Messages))
}

func TestBuildChatRequest_PairTrim(t *testing.T) {
	p, newTurn := s2Fixture(true, false, WithPairTrim())

	req, err := p.BuildChatRequest(context.Background(), "m500", newTurn, ChatOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{"sys", "u80", "a40", "u30"}, contents(req.Messages))
}

func TestBuildChatRequest_ExceededWithoutFlag(t *testing.T) {
	p, newTurn := s2Fixture(false, false)

	req, err := p.BuildChatRequest(context.Background(), "m500", newTurn, ChatOptions{})
	require.Error(t, err)
	assert.Nil(t, req)
	assert.ErrorIs(t, err, ErrTotalUsageExceeded)

	var usage *UsageExceededError
	require.ErrorAs(t, err, &usage)
	assert.Equal(t, 550, usage.TotalUsage)
	assert.Equal(t, 500, usage.MaxTokens)
	assert.Equal(t, "m500", usage.Model)
}

func TestBuildChatRequest_UnknownModel(t *testing.T) {
	conv := newConv(turn("t1", "u100", "a150"), turn("t2", "u80", "a40"))
	p := NewProvider(conv, Deps{
		Settings: fakeSettings{Settings{SystemPrompt: "sys", MaxOutputTokens: 100}},
		State:    fakeState{},
		Registry: model.NewRegistry(),
		Counters: fixedCounters{tableCounter{"u100": 1_000_000}},
	})

	req, err := p.BuildChatRequest(context.Background(), "custom-x", model.NewTurn("u30"), ChatOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{"sys", "u100", "a150", "u80", "a40", "u30"}, contents(req.Messages))
}

func TestBuildChatRequest_RegistryFailureSkipsBudget(t *testing.T) {
	p := NewProvider(newConv(), Deps{
		Settings: fakeSettings{Settings{MaxOutputTokens: 100}},
		Registry: failingRegistry{},
		Counters: fixedCounters{tableCounter{"big": 1_000_000}},
	})

	req, err := p.BuildChatRequest(context.Background(), "gpt-4", model.NewTurn("big"), ChatOptions{})
	require.NoError(t, err)
	assert.Len(t, req.Messages, 2)
}

func TestBuildChatRequest_Retry(t *testing.T) {
	conv := newConv(
		turn("T1", "p1", "r1"),
		turn("T2", "p2", "r2"),
		turn("T3", "p3", "r3"),
	)
	p := NewProvider(conv, Deps{
		Settings: fakeSettings{Settings{SystemPrompt: "sys", MaxOutputTokens: 10}},
		State:    fakeState{},
		Registry: model.DefaultRegistry(),
		Counters: fixedCounters{tableCounter{}},
	})

	req, err := p.BuildChatRequest(context.Background(), "gpt-4", turn("T2", "p2", ""), ChatOptions{IsRetry: true})
	require.NoError(t, err)
	assert.Equal(t, []string{"sys", "p1", "r1", "p2"}, contents(req.Messages))
}

// =============================================================================
// PROPERTIES
// =============================================================================

func TestBuildChatRequest_AlternatesAndEndsWithUser(t *testing.T) {
	conv := newConv(turn("a", "p1", "r1"), turn("b", "p2", "r2"), turn("c", "p3", "r3"))
	p := NewProvider(conv, Deps{
		Settings: fakeSettings{Settings{MaxOutputTokens: 10}},
		State:    fakeState{},
		Registry: model.DefaultRegistry(),
		Counters: fixedCounters{tableCounter{}},
	})

	req, err := p.BuildChatRequest(context.Background(), "gpt-4", model.NewTurn("p4"), ChatOptions{})
	require.NoError(t, err)
	require.Len(t, req.Messages, 8)

	assert.Equal(t, model.RoleSystem, req.Messages[0].Role)
	for i, m := range req.Messages[1:] {
		want := model.RoleUser
		if i%2 == 1 {
			want = model.RoleAssistant
		}
		assert.Equal(t, want, m.Role, "message %d", i+1)
	}
	assert.Equal(t, model.RoleUser, req.Messages[len(req.Messages)-1].Role)
}

func TestBuildChatRequest_RetryOfUnknownTurnKeepsHistory(t *testing.T) {
	conv := newConv(turn("a", "p1", "r1"))
	p := NewProvider(conv, Deps{
		Settings: fakeSettings{Settings{SystemPrompt: "sys"}},
		Registry: model.NewRegistry(),
		Counters: fixedCounters{tableCounter{}},
	})

	req, err := p.BuildChatRequest(context.Background(), "x", turn("zz", "p2", ""), ChatOptions{IsRetry: true})
	require.NoError(t, err)
	assert.Equal(t, []string{"sys", "p1", "r1", "p2"}, contents(req.Messages))
}

func TestBuildChatRequest_ContextualSearch(t *testing.T) {
	emb := &fakeEmbeddings{}
	conv := newConv(turn("a", "p1", "r1"))
	p := NewProvider(conv, Deps{
		Settings:   fakeSettings{Settings{SystemPrompt: "sys", MaxOutputTokens: 10}},
		State:      fakeState{},
		Registry:   model.DefaultRegistry(),
		Counters:   fixedCounters{tableCounter{}},
		Embeddings: emb,
	})

	req, err := p.BuildChatRequest(context.Background(), "gpt-4", model.NewTurn("where is main?"), ChatOptions{UseContextualSearch: true})
	require.NoError(t, err)
	require.Len(t, req.Messages, 1)
	assert.Equal(t, model.RoleUser, req.Messages[0].Role)
	assert.Contains(t, req.Messages[0].Content, "where is main?")
	assert.Equal(t, 1, emb.calls)
}

func TestBuildChatRequest_OverriddenPath(t *testing.T) {
	p := NewProvider(newConv(), Deps{
		Settings: fakeSettings{Settings{}},
		Registry: model.NewRegistry(),
		Counters: fixedCounters{tableCounter{}},
	})

	req, err := p.BuildChatRequest(context.Background(), "x", model.NewTurn("hi"), ChatOptions{OverriddenPath: "/v2/chat"})
	require.NoError(t, err)
	assert.Equal(t, "/v2/chat", req.OverriddenPath)
}

func TestBuildChatRequest_AlternateBackendSkipsBudget(t *testing.T) {
	p, newTurn := s2Fixture(false, false)
	p.deps.Settings = fakeSettings{Settings{SystemPrompt: "sys", MaxOutputTokens: 100, UseAlternateBackend: true}}

	req, err := p.BuildChatRequest(context.Background(), "m500", newTurn, ChatOptions{})
	require.NoError(t, err)
	assert.Len(t, req.Messages, 6)
}

func TestBuildChatRequest_BudgetHoldsAfterTrim(t *testing.T) {
	conv := newConv(
		turn("1", "p1", "r1"),
		turn("2", "p2", "r2"),
		turn("3", "p3", "r3"),
	)
	conv.SetDiscardTokenLimit(true)
	counter := tableCounter{"sys": 10, "p1": 40, "r1": 40, "p2": 40, "r2": 40, "p3": 40, "r3": 40, "p4": 10}
	p := NewProvider(conv, Deps{
		Settings: fakeSettings{Settings{SystemPrompt: "sys", MaxOutputTokens: 50}},
		State:    fakeState{},
		Registry: model.NewRegistry(model.ModelDescriptor{Code: "m", MaxContextTokens: 200}),
		Counters: fixedCounters{counter},
	})

	req, err := p.BuildChatRequest(context.Background(), "m", model.NewTurn("p4"), ChatOptions{})
	require.NoError(t, err)

	total := 50
	for _, m := range req.Messages {
		total += counter.CountMessageTokens(m)
	}
	assert.LessOrEqual(t, total, 200)
	assert.Equal(t, "sys", req.Messages[0].Content)
	assert.Equal(t, []string{"sys", "r2", "p3", "r3", "p4"}, contents(req.Messages))
}

func TestBuildChatRequest_InsufficientTrimReturnsRemainder(t *testing.T) {
	conv := newConv(turn("1", "p1", "r1"))
	conv.SetDiscardTokenLimit(true)
	p := NewProvider(conv, Deps{
		Settings: fakeSettings{Settings{SystemPrompt: "sys", MaxOutputTokens: 10}},
		Registry: model.NewRegistry(model.ModelDescriptor{Code: "m", MaxContextTokens: 100}),
		Counters: fixedCounters{tableCounter{"sys": 500}},
	})

	req, err := p.BuildChatRequest(context.Background(), "m", model.NewTurn("p2"), ChatOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{"sys"}, contents(req.Messages))
}

// =============================================================================
// ALTERNATE BACKEND
// =============================================================================

func TestBuildAlternateRequest(t *testing.T) {
	conv := newConv(turn("1", "p1", "r1"), turn("2", "p2", "r2"))
	p := NewProvider(conv, Deps{
		Settings: fakeSettings{Settings{UseAlternateBackend: true, UseLargerModel: true}},
	})

	req := p.BuildAlternateRequest(model.NewTurn("p3"))
	assert.Equal(t, "p3", req.Prompt)
	assert.True(t, req.UseLargerModel)
	assert.Equal(t, []HistoryPair{
		{UserText: "p1", AssistantText: "r1"},
		{UserText: "p2", AssistantText: "r2"},
	}, req.History)
	assert.Equal(t, BackendAlternate, req.Backend())
}

func TestBuild_SelectsBackend(t *testing.T) {
	conv := newConv()
	settings := &fakeSettings{}
	p := NewProvider(conv, Deps{
		Settings: settings,
		Registry: model.NewRegistry(),
		Counters: fixedCounters{tableCounter{}},
	})

	req, err := p.Build(context.Background(), "gpt-4", model.NewTurn("hi"), ChatOptions{})
	require.NoError(t, err)
	assert.IsType(t, &ChatRequest{}, req)

	settings.s.UseAlternateBackend = true
	req, err = p.Build(context.Background(), "gpt-4", model.NewTurn("hi"), ChatOptions{})
	require.NoError(t, err)
	assert.IsType(t, &AlternateRequest{}, req)
}

func TestChatRequest_OpenAI(t *testing.T) {
	req := &ChatRequest{
		Model:           "gpt-4",
		Messages:        []model.Message{model.SystemMessage("s"), model.UserMessage("u")},
		MaxOutputTokens: 42,
		Temperature:     0.5,
	}
	out := req.OpenAI()
	assert.Equal(t, "gpt-4", out.Model)
	assert.Equal(t, 42, out.MaxTokens)
	assert.InDelta(t, 0.5, out.Temperature, 1e-6)
	require.Len(t, out.Messages, 2)
	assert.Equal(t, "system", out.Messages[0].Role)
	assert.Equal(t, "u", out.Messages[1].Content)
}
