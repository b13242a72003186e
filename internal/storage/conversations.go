// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/siilats/CodeGPT/internal/logging"
	"github.com/siilats/CodeGPT/internal/model"
	"github.com/siilats/CodeGPT/internal/util"
)

// =============================================================================
// STORED CONVERSATION TYPE
// =============================================================================

// StoredConversation represents a persisted conversation.
type StoredConversation struct {
	ID                string       `json:"id"`
	Summary           string       `json:"summary"`
	Model             string       `json:"model,omitempty"`
	DiscardTokenLimit bool         `json:"discard_token_limit"`
	CreatedAt         time.Time    `json:"created_at"`
	UpdatedAt         time.Time    `json:"updated_at"`
	Turns             []model.Turn `json:"turns"`
}

// ConversationMeta contains metadata for listing conversations.
type ConversationMeta struct {
	ID        string    `json:"id"`
	Summary   string    `json:"summary"`
	Model     string    `json:"model"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	TurnCount int       `json:"turn_count"`
	Preview   string    `json:"preview"`
}

// FromConversation converts a live conversation into its stored form.
func FromConversation(conv *model.Conversation) *StoredConversation {
	snap := conv.Snapshot()
	return &StoredConversation{
		ID:                snap.ID,
		Model:             snap.Model,
		DiscardTokenLimit: snap.DiscardTokenLimit,
		CreatedAt:         snap.CreatedAt,
		UpdatedAt:         snap.UpdatedAt,
		Turns:             snap.Turns,
	}
}

// Conversation rebuilds the live conversation.
func (c *StoredConversation) Conversation() *model.Conversation {
	return model.RestoreConversation(model.ConversationSnapshot{
		ID:                c.ID,
		Model:             c.Model,
		Turns:             c.Turns,
		DiscardTokenLimit: c.DiscardTokenLimit,
		CreatedAt:         c.CreatedAt,
		UpdatedAt:         c.UpdatedAt,
	})
}

// Preview returns the first prompt, truncated.
func (c *StoredConversation) Preview() string {
	for _, t := range c.Turns {
		if t.Prompt != "" {
			return util.TruncateRunes(util.SingleLine(t.Prompt), 80)
		}
	}
	return ""
}

// =============================================================================
// CONVERSATION STORE
// =============================================================================

const stateFile = "state.json"

// ConversationStore handles conversation persistence.
type ConversationStore struct {
	// BaseDir holds one <id>.json per conversation and state.json.
	BaseDir string

	// MaxConversations limits stored conversations (0 = unlimited).
	MaxConversations int

	log *logging.Logger
	mu  sync.Mutex
}

// NewConversationStore creates a store under ~/.codegpt/conversations.
func NewConversationStore(log *logging.Logger) (*ConversationStore, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, err
	}
	s, err := NewConversationStoreWithDir(filepath.Join(homeDir, ".codegpt", "conversations"))
	if err != nil {
		return nil, err
	}
	s.SetLogger(log)
	return s, nil
}

// NewConversationStoreWithDir creates a store with a custom directory.
func NewConversationStoreWithDir(baseDir string) (*ConversationStore, error) {
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, err
	}
	return &ConversationStore{
		BaseDir:          baseDir,
		MaxConversations: 100,
		log:              logging.Nop(),
	}, nil
}

// SetLogger replaces the store's logger.
func (s *ConversationStore) SetLogger(log *logging.Logger) {
	if log != nil {
		s.log = log.Named("storage")
	}
}

// =============================================================================
// SAVE OPERATIONS
// =============================================================================

// Save persists conv and returns its ID.
func (s *ConversationStore) Save(conv *model.Conversation) (string, error) {
	return s.SaveStored(FromConversation(conv))
}

// SaveStored persists an already converted conversation.
func (s *ConversationStore) SaveStored(conv *StoredConversation) (string, error) {
	if conv.ID == "" {
		return "", errors.New("conversation has no id")
	}
	if strings.ContainsAny(conv.ID, `/\`) || conv.ID+".json" == stateFile {
		return "", fmt.Errorf("invalid conversation id %q", conv.ID)
	}
	if conv.Summary == "" {
		conv.Summary = summarize(conv)
	}
	conv.UpdatedAt = time.Now()
	if conv.CreatedAt.IsZero() {
		conv.CreatedAt = conv.UpdatedAt
	}

	data, err := json.MarshalIndent(conv, "", "  ")
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := util.AtomicWriteFile(s.filePath(conv.ID), data, 0644); err != nil {
		return "", err
	}
	s.log.Debug("conversation saved", "id", conv.ID, "turns", len(conv.Turns))

	if s.MaxConversations > 0 {
		s.enforceLimit()
	}
	return conv.ID, nil
}

func summarize(conv *StoredConversation) string {
	for _, t := range conv.Turns {
		if t.Prompt != "" {
			return util.TruncateRunes(util.SingleLine(t.Prompt), 50)
		}
	}
	return "New conversation"
}

// enforceLimit removes the oldest conversations beyond MaxConversations.
// Callers hold s.mu.
func (s *ConversationStore) enforceLimit() {
	metas, err := s.list()
	if err != nil || len(metas) <= s.MaxConversations {
		return
	}
	// list is newest first
	for _, m := range metas[s.MaxConversations:] {
		if err := os.Remove(s.filePath(m.ID)); err != nil && !os.IsNotExist(err) {
			s.log.Warn("failed to prune conversation", "id", m.ID, "error", err)
		}
	}
}

// =============================================================================
// LOAD OPERATIONS
// =============================================================================

// Load retrieves a conversation by ID.
func (s *ConversationStore) Load(id string) (*model.Conversation, error) {
	stored, err := s.LoadStored(id)
	if err != nil {
		return nil, err
	}
	return stored.Conversation(), nil
}

// LoadStored retrieves the stored form of a conversation.
func (s *ConversationStore) LoadStored(id string) (*StoredConversation, error) {
	data, err := os.ReadFile(s.filePath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrConversationNotFound
		}
		return nil, err
	}

	var conv StoredConversation
	if err := json.Unmarshal(data, &conv); err != nil {
		return nil, fmt.Errorf("corrupt conversation %s: %w", id, err)
	}
	return &conv, nil
}

// LoadLatest returns the most recently updated conversation.
func (s *ConversationStore) LoadLatest() (*model.Conversation, error) {
	metas, err := s.List()
	if err != nil {
		return nil, err
	}
	if len(metas) == 0 {
		return nil, ErrConversationNotFound
	}
	return s.Load(metas[0].ID)
}

// =============================================================================
// LIST OPERATIONS
// =============================================================================

// List returns all saved conversations, most recent first.
func (s *ConversationStore) List() ([]ConversationMeta, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.list()
}

func (s *ConversationStore) list() ([]ConversationMeta, error) {
	entries, err := os.ReadDir(s.BaseDir)
	if err != nil {
		if os.IsNotExist(err) {
			return []ConversationMeta{}, nil
		}
		return nil, err
	}

	metas := make([]ConversationMeta, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || name == stateFile || !strings.HasSuffix(name, ".json") {
			continue
		}
		conv, err := s.LoadStored(strings.TrimSuffix(name, ".json"))
		if err != nil {
			s.log.Warn("skipping unreadable conversation", "file", name, "error", err)
			continue
		}
		metas = append(metas, ConversationMeta{
			ID:        conv.ID,
			Summary:   conv.Summary,
			Model:     conv.Model,
			CreatedAt: conv.CreatedAt,
			UpdatedAt: conv.UpdatedAt,
			TurnCount: len(conv.Turns),
			Preview:   conv.Preview(),
		})
	}

	sort.Slice(metas, func(i, j int) bool {
		return metas[i].UpdatedAt.After(metas[j].UpdatedAt)
	})
	return metas, nil
}

// Search finds conversations whose summary or any turn contains query
// (case-insensitive).
func (s *ConversationStore) Search(query string) ([]ConversationMeta, error) {
	all, err := s.List()
	if err != nil || query == "" {
		return all, err
	}

	query = strings.ToLower(query)
	var results []ConversationMeta
	for _, meta := range all {
		if strings.Contains(strings.ToLower(meta.Summary), query) {
			results = append(results, meta)
			continue
		}
		conv, err := s.LoadStored(meta.ID)
		if err != nil {
			continue
		}
		for _, t := range conv.Turns {
			if strings.Contains(strings.ToLower(t.Prompt), query) ||
				strings.Contains(strings.ToLower(t.Response), query) {
				results = append(results, meta)
				break
			}
		}
	}
	return results, nil
}

// =============================================================================
// DELETE OPERATIONS
// =============================================================================

// Delete removes a conversation by ID.
func (s *ConversationStore) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(s.filePath(id)); err != nil {
		if os.IsNotExist(err) {
			return ErrConversationNotFound
		}
		return err
	}
	return nil
}

// =============================================================================
// CONVERSATIONS STATE
// =============================================================================

type storedState struct {
	DiscardAllTokenLimits bool `json:"discard_all_token_limits"`
}

// LoadState reads state.json. A missing file yields the zero state.
func (s *ConversationStore) LoadState() (*model.ConversationsState, error) {
	data, err := os.ReadFile(filepath.Join(s.BaseDir, stateFile))
	if err != nil {
		if os.IsNotExist(err) {
			return model.NewConversationsState(false), nil
		}
		return nil, err
	}
	var st storedState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("corrupt conversations state: %w", err)
	}
	return model.NewConversationsState(st.DiscardAllTokenLimits), nil
}

// SaveState writes state.json.
func (s *ConversationStore) SaveState(state *model.ConversationsState) error {
	data, err := json.MarshalIndent(storedState{
		DiscardAllTokenLimits: state.DiscardAllTokenLimits(),
	}, "", "  ")
	if err != nil {
		return err
	}
	return util.AtomicWriteFile(filepath.Join(s.BaseDir, stateFile), data, 0644)
}

// =============================================================================
// EXPORT
// =============================================================================

// ExportMarkdown renders the conversation as Markdown.
func (c *StoredConversation) ExportMarkdown() string {
	var sb strings.Builder
	sb.WriteString("# " + c.Summary + "\n\n")
	sb.WriteString("Created: " + c.CreatedAt.Format(time.RFC3339) + "\n\n")
	sb.WriteString("---\n\n")
	for _, t := range c.Turns {
		sb.WriteString("**User**:\n\n")
		sb.WriteString(t.Prompt)
		sb.WriteString("\n\n**Assistant**:\n\n")
		sb.WriteString(t.Response)
		sb.WriteString("\n\n---\n\n")
	}
	return sb.String()
}

// =============================================================================
// HELPERS AND ERRORS
// =============================================================================

func (s *ConversationStore) filePath(id string) string {
	return filepath.Join(s.BaseDir, id+".json")
}

// ErrConversationNotFound is returned when a conversation doesn't exist.
var ErrConversationNotFound = errors.New("conversation not found")
