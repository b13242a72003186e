// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package model

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// REGISTRY TESTS
// =============================================================================

func TestRegistry_FindByCode(t *testing.T) {
	r := DefaultRegistry()

	d, err := r.FindByCode("gpt-4")
	require.NoError(t, err)
	assert.Equal(t, 8192, d.MaxContextTokens)

	_, err = r.FindByCode("custom-x")
	assert.True(t, errors.Is(err, ErrModelNotFound))
}

func TestRegistry_DefaultModelsHaveWindows(t *testing.T) {
	for _, d := range DefaultModels {
		t.Run(d.Code, func(t *testing.T) {
			assert.NotEmpty(t, d.Name)
			assert.Positive(t, d.MaxContextTokens)
		})
	}
}

func TestRegistry_Register(t *testing.T) {
	r := NewRegistry()
	r.Register(ModelDescriptor{Code: "local-llama", Provider: "Local", MaxContextTokens: 2048})

	d, err := r.FindByCode("local-llama")
	require.NoError(t, err)
	assert.Equal(t, 2048, d.MaxContextTokens)
	assert.Len(t, r.All(), 1)
}

// =============================================================================
// CONVERSATION TESTS
// =============================================================================

func TestConversation_AddTurnPreservesOrder(t *testing.T) {
	c := NewConversation()
	c.AddTurn(Turn{ID: "1", Prompt: "a"})
	c.AddTurn(Turn{ID: "2", Prompt: "b"})
	c.AddTurn(Turn{ID: "3", Prompt: "c"})

	turns := c.Turns()
	require.Len(t, turns, 3)
	assert.Equal(t, []string{"1", "2", "3"}, []string{turns[0].ID, turns[1].ID, turns[2].ID})
}

func TestConversation_AddTurnReplacesRetried(t *testing.T) {
	c := NewConversation()
	c.AddTurn(Turn{ID: "1", Prompt: "a", Response: "old"})
	c.AddTurn(Turn{ID: "2", Prompt: "b", Response: "x"})
	c.AddTurn(Turn{ID: "1", Prompt: "a", Response: "new"})

	turns := c.Turns()
	require.Len(t, turns, 2)
	assert.Equal(t, "new", turns[0].Response)
}

func TestConversation_TruncateAfter(t *testing.T) {
	c := NewConversation()
	for _, id := range []string{"1", "2", "3"} {
		c.AddTurn(Turn{ID: id})
	}

	assert.True(t, c.TruncateAfter("2"))
	assert.Equal(t, 2, c.Len())
	assert.False(t, c.TruncateAfter("missing"))
}

func TestConversation_SnapshotIsIsolated(t *testing.T) {
	c := NewConversation()
	c.AddTurn(Turn{ID: "1", Prompt: "a"})
	snap := c.Snapshot()

	c.AddTurn(Turn{ID: "2", Prompt: "b"})
	c.SetDiscardTokenLimit(true)

	assert.Len(t, snap.Turns, 1)
	assert.False(t, snap.DiscardTokenLimit)
}

func TestConversation_RestoreRoundTrip(t *testing.T) {
	c := NewConversation()
	c.AddTurn(Turn{ID: "1", Prompt: "a", Response: "b"})
	c.SetDiscardTokenLimit(true)

	restored := RestoreConversation(c.Snapshot())
	assert.Equal(t, c.ID(), restored.ID())
	assert.Equal(t, c.Turns(), restored.Turns())
	assert.True(t, restored.DiscardTokenLimit())
}

func TestConversation_ConcurrentAccess(t *testing.T) {
	c := NewConversation()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			c.AddTurn(NewTurn("p"))
		}()
		go func() {
			defer wg.Done()
			_ = c.Snapshot()
		}()
	}
	wg.Wait()
	assert.Equal(t, 20, c.Len())
}

func TestNewTurn(t *testing.T) {
	a, b := NewTurn("x"), NewTurn("x")
	assert.NotEqual(t, a.ID, b.ID)
	assert.Empty(t, a.Response)
	assert.Equal(t, "done", a.WithResponse("done").Response)
}

func TestConversationsState(t *testing.T) {
	var s ConversationsState
	assert.False(t, s.DiscardAllTokenLimits())
	s.SetDiscardAllTokenLimits(true)
	assert.True(t, s.DiscardAllTokenLimits())
	assert.True(t, NewConversationsState(true).DiscardAllTokenLimits())
}

func TestRole_Valid(t *testing.T) {
	assert.True(t, RoleSystem.Valid())
	assert.True(t, UserMessage("x").Role.Valid())
	assert.False(t, Role("tool").Valid())
}
