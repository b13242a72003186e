// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package model

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// TURN TYPE
// =============================================================================

// Turn is one user prompt and the assistant response to it. Response is
// empty while the completion is still in flight.
type Turn struct {
	ID       string `json:"id"`
	Prompt   string `json:"prompt"`
	Response string `json:"response"`
}

// NewTurn creates a turn with a generated ID and no response.
func NewTurn(prompt string) Turn {
	return Turn{ID: uuid.NewString(), Prompt: prompt}
}

// WithResponse returns a copy of t carrying response.
func (t Turn) WithResponse(response string) Turn {
	t.Response = response
	return t
}

// =============================================================================
// CONVERSATION TYPE
// =============================================================================

// Conversation is an ordered history of turns. It is shared between the
// dispatch layer (which appends) and the request assembler (which reads a
// snapshot), so all access goes through the mutex.
type Conversation struct {
	mu                sync.RWMutex
	id                string
	model             string
	turns             []Turn
	discardTokenLimit bool
	createdAt         time.Time
	updatedAt         time.Time
}

// ConversationSnapshot is an immutable copy of a conversation taken at one
// point in time.
type ConversationSnapshot struct {
	ID                string
	Model             string
	Turns             []Turn
	DiscardTokenLimit bool
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// NewConversation creates an empty conversation with a generated ID.
func NewConversation() *Conversation {
	now := time.Now()
	return &Conversation{
		id:        uuid.NewString(),
		turns:     make([]Turn, 0),
		createdAt: now,
		updatedAt: now,
	}
}

// RestoreConversation rebuilds a conversation from persisted fields.
func RestoreConversation(s ConversationSnapshot) *Conversation {
	turns := make([]Turn, len(s.Turns))
	copy(turns, s.Turns)
	id := s.ID
	if id == "" {
		id = uuid.NewString()
	}
	return &Conversation{
		id:                id,
		model:             s.Model,
		turns:             turns,
		discardTokenLimit: s.DiscardTokenLimit,
		createdAt:         s.CreatedAt,
		updatedAt:         s.UpdatedAt,
	}
}

// ID returns the conversation identifier.
func (c *Conversation) ID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.id
}

// Model returns the model the conversation was last used with.
func (c *Conversation) Model() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.model
}

// SetModel records the model used for the conversation.
func (c *Conversation) SetModel(code string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.model = code
	c.updatedAt = time.Now()
}

// Turns returns a copy of the turns in insertion order.
func (c *Conversation) Turns() []Turn {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Turn, len(c.turns))
	copy(out, c.turns)
	return out
}

// DiscardTokenLimit reports whether history may be trimmed silently.
func (c *Conversation) DiscardTokenLimit() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.discardTokenLimit
}

// SetDiscardTokenLimit toggles silent history trimming for this conversation.
func (c *Conversation) SetDiscardTokenLimit(discard bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.discardTokenLimit = discard
	c.updatedAt = time.Now()
}

// AddTurn appends t, or replaces the existing turn with the same ID in place
// (a retried turn keeps its position).
func (c *Conversation) AddTurn(t Turn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.updatedAt = time.Now()
	for i := range c.turns {
		if c.turns[i].ID == t.ID {
			c.turns[i] = t
			return
		}
	}
	c.turns = append(c.turns, t)
}

// TruncateAfter drops every turn that follows the turn with id. It reports
// false when no such turn exists.
func (c *Conversation) TruncateAfter(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.turns {
		if c.turns[i].ID == id {
			c.turns = c.turns[:i+1]
			c.updatedAt = time.Now()
			return true
		}
	}
	return false
}

// Len returns the number of turns.
func (c *Conversation) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.turns)
}

// Snapshot copies the conversation for read-only use.
func (c *Conversation) Snapshot() ConversationSnapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	turns := make([]Turn, len(c.turns))
	copy(turns, c.turns)
	return ConversationSnapshot{
		ID:                c.id,
		Model:             c.model,
		Turns:             turns,
		DiscardTokenLimit: c.discardTokenLimit,
		CreatedAt:         c.createdAt,
		UpdatedAt:         c.updatedAt,
	}
}

// =============================================================================
// CONVERSATIONS STATE
// =============================================================================

// ConversationsState holds process-wide conversation flags. The zero value
// is ready to use.
type ConversationsState struct {
	discardAllTokenLimits atomic.Bool
}

// NewConversationsState returns state initialised with discardAll.
func NewConversationsState(discardAll bool) *ConversationsState {
	s := &ConversationsState{}
	s.discardAllTokenLimits.Store(discardAll)
	return s
}

// DiscardAllTokenLimits reports the global override of the per-conversation
// discard flag.
func (s *ConversationsState) DiscardAllTokenLimits() bool {
	return s.discardAllTokenLimits.Load()
}

// SetDiscardAllTokenLimits changes the global override.
func (s *ConversationsState) SetDiscardAllTokenLimits(discard bool) {
	s.discardAllTokenLimits.Store(discard)
}
