// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package tokens

import (
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"
	tiktoken_loader "github.com/pkoukk/tiktoken-go-loader"

	"github.com/siilats/CodeGPT/internal/logging"
	"github.com/siilats/CodeGPT/internal/model"
)

// Encoding families.
const (
	FamilyCL100K = "cl100k_base"
	FamilyP50K   = "p50k_base"
	FamilyR50K   = "r50k_base"
)

// MessageOverhead is the per-message framing cost of the chat format
// (<|start|>{role}\n{content}<|end|>).
const MessageOverhead = 3

// Counter counts the tokens of one message.
type Counter interface {
	CountMessageTokens(msg model.Message) int
}

func init() {
	tiktoken.SetBpeLoader(tiktoken_loader.NewOfflineLoader())
}

// =============================================================================
// MANAGER
// =============================================================================

// Manager owns the per-family encoder cache.
type Manager struct {
	log *logging.Logger

	mu       sync.Mutex
	families map[string]*familyEncoder
}

type familyEncoder struct {
	once sync.Once
	tke  *tiktoken.Tiktoken
	err  error
}

var (
	defaultManager     *Manager
	defaultManagerOnce sync.Once
)

// Default returns the process-wide manager.
func Default() *Manager {
	defaultManagerOnce.Do(func() {
		defaultManager = NewManager(logging.Nop())
	})
	return defaultManager
}

// NewManager creates an empty encoder cache.
func NewManager(log *logging.Logger) *Manager {
	if log == nil {
		log = logging.Nop()
	}
	return &Manager{
		log:      log.Named("tokens"),
		families: make(map[string]*familyEncoder),
	}
}

// ForModel returns the encoder for the family used by model code.
func (m *Manager) ForModel(code string) *Encoder {
	return m.ForFamily(FamilyForModel(code))
}

// ForFamily returns the encoder for an encoding family.
func (m *Manager) ForFamily(family string) *Encoder {
	return &Encoder{family: family, manager: m}
}

// family returns the cached tiktoken for family, constructing it on first
// use. Construction happens outside m.mu.
func (m *Manager) family(family string) (*tiktoken.Tiktoken, error) {
	m.mu.Lock()
	fe, ok := m.families[family]
	if !ok {
		fe = &familyEncoder{}
		m.families[family] = fe
	}
	m.mu.Unlock()

	fe.once.Do(func() {
		fe.tke, fe.err = tiktoken.GetEncoding(family)
		if fe.err != nil {
			m.log.Warn("encoding unavailable, estimating tokens", "family", family, "error", fe.err)
		}
	})
	return fe.tke, fe.err
}

// FamilyForModel maps a model code to its encoding family. Unknown codes
// (custom and local models) use cl100k_base.
func FamilyForModel(code string) string {
	switch {
	case strings.HasPrefix(code, "gpt-4"), strings.HasPrefix(code, "gpt-3.5"),
		strings.HasPrefix(code, "text-embedding-"):
		return FamilyCL100K
	case strings.HasPrefix(code, "text-davinci-"), strings.HasPrefix(code, "code-"):
		return FamilyP50K
	case code == "davinci", code == "curie", code == "babbage", code == "ada":
		return FamilyR50K
	default:
		return FamilyCL100K
	}
}

// =============================================================================
// ENCODER
// =============================================================================

// Encoder counts tokens under one encoding family. Safe for concurrent use.
type Encoder struct {
	family  string
	manager *Manager
}

// Family returns the encoding family name.
func (e *Encoder) Family() string {
	return e.family
}

// CountTokens returns the number of tokens in text.
func (e *Encoder) CountTokens(text string) int {
	if text == "" {
		return 0
	}
	tke, err := e.manager.family(e.family)
	if err != nil {
		return estimate(text)
	}
	return len(tke.Encode(text, nil, nil))
}

// CountMessageTokens returns the tokens a message occupies in a chat
// request: framing overhead plus role and content.
func (e *Encoder) CountMessageTokens(msg model.Message) int {
	return MessageOverhead + e.CountTokens(string(msg.Role)) + e.CountTokens(msg.Content)
}

// estimate is the fallback when no encoding could be loaded: roughly four
// characters per token, rounded up.
func estimate(text string) int {
	return (utf8.RuneCountInString(text) + 3) / 4
}

// CounterFor returns the counter for model code. It satisfies the
// completion package's counter source.
func (m *Manager) CounterFor(code string) Counter {
	return m.ForModel(code)
}
