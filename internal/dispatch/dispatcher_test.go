// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/siilats/CodeGPT/internal/completion"
	"github.com/siilats/CodeGPT/internal/model"
)

// =============================================================================
// FAKES
// =============================================================================

type fakeBuilder struct {
	req   completion.Request
	err   error
	calls int
}

func (b *fakeBuilder) Build(ctx context.Context, modelCode string, turn model.Turn, opts completion.ChatOptions) (completion.Request, error) {
	b.calls++
	return b.req, b.err
}

type fakeReadiness struct {
	err   error
	calls int
}

func (r *fakeReadiness) WaitReady(ctx context.Context) error {
	r.calls++
	return r.err
}

type blockingReadiness struct{}

func (blockingReadiness) WaitReady(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}

type fakeAlternate struct {
	got   *completion.AlternateRequest
	reply string
}

func (a *fakeAlternate) Complete(ctx context.Context, req *completion.AlternateRequest, onDelta func(string)) (string, error) {
	a.got = req
	if onDelta != nil {
		onDelta(a.reply)
	}
	return a.reply, nil
}

type fakeStore struct {
	saved []model.ConversationSnapshot
	err   error
}

func (s *fakeStore) Save(conv *model.Conversation) (string, error) {
	s.saved = append(s.saved, conv.Snapshot())
	return conv.ID(), s.err
}

// chatServer streams deltas as server-sent events and records request paths
// and bodies.
type chatServer struct {
	*httptest.Server
	mu     sync.Mutex
	paths  []string
	bodies []map[string]any
}

func newChatServer(t *testing.T, deltas ...string) *chatServer {
	t.Helper()
	cs := &chatServer{}
	cs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		cs.mu.Lock()
		cs.paths = append(cs.paths, r.URL.Path)
		cs.bodies = append(cs.bodies, body)
		cs.mu.Unlock()

		w.Header().Set("Content-Type", "text/event-stream")
		for _, d := range deltas {
			chunk := map[string]any{
				"id":      "chatcmpl-1",
				"object":  "chat.completion.chunk",
				"created": 1,
				"model":   "gpt-3.5-turbo",
				"choices": []map[string]any{{"index": 0, "delta": map[string]any{"content": d}}},
			}
			data, _ := json.Marshal(chunk)
			fmt.Fprintf(w, "data: %s\n\n", data)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	t.Cleanup(cs.Close)
	return cs
}

func (cs *chatServer) requests() ([]string, []map[string]any) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return append([]string(nil), cs.paths...), append([]map[string]any(nil), cs.bodies...)
}

func chatRequest() *completion.ChatRequest {
	return &completion.ChatRequest{
		Model: "gpt-3.5-turbo",
		Messages: []model.Message{
			model.SystemMessage("sys"),
			model.UserMessage("hello"),
		},
		MaxOutputTokens: 64,
		Temperature:     0.1,
	}
}

// =============================================================================
// TESTS
// =============================================================================

func TestSend_StreamsAndRecordsTurn(t *testing.T) {
	srv := newChatServer(t, "Hel", "lo", "!")
	store := &fakeStore{}
	d := New(Config{}, Deps{Remote: NewOpenAIClient("sk-test", srv.URL+"/v1"), Store: store})

	conv := model.NewConversation()
	turn := model.NewTurn("hello")

	var deltas []string
	done, err := d.Send(context.Background(), Request{
		Conversation: conv,
		Builder:      &fakeBuilder{req: chatRequest()},
		Model:        "gpt-3.5-turbo",
		Turn:         turn,
		OnDelta:      func(s string) { deltas = append(deltas, s) },
	})
	require.NoError(t, err)

	assert.Equal(t, "Hello!", done.Response)
	assert.Equal(t, turn.ID, done.ID)
	assert.Equal(t, []string{"Hel", "lo", "!"}, deltas)
	require.Equal(t, 1, conv.Len())
	assert.Equal(t, "Hello!", conv.Turns()[0].Response)
	assert.Equal(t, "gpt-3.5-turbo", conv.Model())
	require.Len(t, store.saved, 1)
	assert.Len(t, store.saved[0].Turns, 1)

	paths, bodies := srv.requests()
	require.Len(t, paths, 1)
	assert.Equal(t, "/v1/chat/completions", paths[0])
	assert.Equal(t, true, bodies[0]["stream"])
	assert.Equal(t, float64(64), bodies[0]["max_tokens"])
	msgs, ok := bodies[0]["messages"].([]any)
	require.True(t, ok)
	assert.Len(t, msgs, 2)
}

func TestSend_OverriddenPath(t *testing.T) {
	srv := newChatServer(t, "ok")
	d := New(Config{}, Deps{Remote: NewOpenAIClient("sk-test", srv.URL+"/v1")})

	req := chatRequest()
	req.OverriddenPath = "/gateway/chat"
	_, err := d.Send(context.Background(), Request{
		Conversation: model.NewConversation(),
		Builder:      &fakeBuilder{req: req},
		Turn:         model.NewTurn("hello"),
	})
	require.NoError(t, err)

	paths, _ := srv.requests()
	require.Len(t, paths, 1)
	assert.Equal(t, "/gateway/chat", paths[0])
}

func TestSend_RetryReplacesTurnAndDropsLater(t *testing.T) {
	srv := newChatServer(t, "second try")
	d := New(Config{}, Deps{Remote: NewOpenAIClient("sk-test", srv.URL+"/v1")})

	conv := model.NewConversation()
	first := model.NewTurn("p1").WithResponse("r1")
	retried := model.NewTurn("p2").WithResponse("r2")
	later := model.NewTurn("p3").WithResponse("r3")
	conv.AddTurn(first)
	conv.AddTurn(retried)
	conv.AddTurn(later)

	done, err := d.Send(context.Background(), Request{
		Conversation: conv,
		Builder:      &fakeBuilder{req: chatRequest()},
		Turn:         model.Turn{ID: retried.ID, Prompt: retried.Prompt},
		Options:      completion.ChatOptions{IsRetry: true},
	})
	require.NoError(t, err)
	assert.Equal(t, "second try", done.Response)

	turns := conv.Turns()
	require.Len(t, turns, 2)
	assert.Equal(t, first, turns[0])
	assert.Equal(t, retried.ID, turns[1].ID)
	assert.Equal(t, "second try", turns[1].Response)
}

func TestSend_LocalWaitsForReady(t *testing.T) {
	srv := newChatServer(t, "local")
	ready := &fakeReadiness{}
	d := New(Config{UseLocal: true}, Deps{
		Local: NewOpenAIClient("", srv.URL+"/v1"),
		Llama: ready,
	})

	done, err := d.Send(context.Background(), Request{
		Conversation: model.NewConversation(),
		Builder:      &fakeBuilder{req: chatRequest()},
		Turn:         model.NewTurn("hello"),
	})
	require.NoError(t, err)
	assert.Equal(t, "local", done.Response)
	assert.Equal(t, 1, ready.calls)
}

func TestSend_LocalNotReady(t *testing.T) {
	failure := errors.New("build failed")
	d := New(Config{UseLocal: true}, Deps{Llama: &fakeReadiness{err: failure}})

	conv := model.NewConversation()
	_, err := d.Send(context.Background(), Request{
		Conversation: conv,
		Builder:      &fakeBuilder{req: chatRequest()},
		Turn:         model.NewTurn("hello"),
	})
	require.ErrorIs(t, err, ErrServerNotReady)
	assert.Contains(t, err.Error(), "build failed")
	assert.Zero(t, conv.Len())
}

func TestSend_LocalReadyTimeout(t *testing.T) {
	d := New(Config{UseLocal: true, ReadyTimeout: 20 * time.Millisecond}, Deps{Llama: blockingReadiness{}})

	_, err := d.Send(context.Background(), Request{
		Conversation: model.NewConversation(),
		Builder:      &fakeBuilder{req: chatRequest()},
		Turn:         model.NewTurn("hello"),
	})
	require.ErrorIs(t, err, ErrServerNotReady)
}

func TestSend_LocalWithoutSupervisor(t *testing.T) {
	d := New(Config{UseLocal: true}, Deps{})

	_, err := d.Send(context.Background(), Request{
		Conversation: model.NewConversation(),
		Builder:      &fakeBuilder{req: chatRequest()},
		Turn:         model.NewTurn("hello"),
	})
	require.ErrorIs(t, err, ErrServerNotReady)
}

func TestSend_BuildErrorLeavesConversation(t *testing.T) {
	store := &fakeStore{}
	d := New(Config{}, Deps{Store: store})
	exceeded := &completion.UsageExceededError{Model: "gpt-4", TotalUsage: 9000, MaxTokens: 8192}

	conv := model.NewConversation()
	_, err := d.Send(context.Background(), Request{
		Conversation: conv,
		Builder:      &fakeBuilder{err: exceeded},
		Turn:         model.NewTurn("hello"),
	})
	require.ErrorIs(t, err, completion.ErrTotalUsageExceeded)
	assert.Zero(t, conv.Len())
	assert.Empty(t, store.saved)
}

func TestSend_Alternate(t *testing.T) {
	alt := &fakeAlternate{reply: "flat answer"}
	d := New(Config{}, Deps{Alternate: alt})

	req := &completion.AlternateRequest{
		Prompt:         "hello",
		History:        []completion.HistoryPair{{UserText: "a", AssistantText: "b"}},
		UseLargerModel: true,
	}
	var streamed strings.Builder
	done, err := d.Send(context.Background(), Request{
		Conversation: model.NewConversation(),
		Builder:      &fakeBuilder{req: req},
		Turn:         model.NewTurn("hello"),
		OnDelta:      func(s string) { streamed.WriteString(s) },
	})
	require.NoError(t, err)
	assert.Equal(t, "flat answer", done.Response)
	assert.Equal(t, "flat answer", streamed.String())
	assert.Same(t, req, alt.got)
}

func TestSend_NoAlternateBackend(t *testing.T) {
	d := New(Config{}, Deps{})

	_, err := d.Send(context.Background(), Request{
		Conversation: model.NewConversation(),
		Builder:      &fakeBuilder{req: &completion.AlternateRequest{Prompt: "hello"}},
		Turn:         model.NewTurn("hello"),
	})
	require.ErrorIs(t, err, ErrNoAlternateBackend)
}

func TestSend_NoChatBackend(t *testing.T) {
	d := New(Config{}, Deps{})

	_, err := d.Send(context.Background(), Request{
		Conversation: model.NewConversation(),
		Builder:      &fakeBuilder{req: chatRequest()},
		Turn:         model.NewTurn("hello"),
	})
	require.ErrorIs(t, err, ErrNoChatBackend)
}

func TestSend_EmptyResponse(t *testing.T) {
	srv := newChatServer(t)
	d := New(Config{}, Deps{Remote: NewOpenAIClient("sk-test", srv.URL+"/v1")})

	conv := model.NewConversation()
	_, err := d.Send(context.Background(), Request{
		Conversation: conv,
		Builder:      &fakeBuilder{req: chatRequest()},
		Turn:         model.NewTurn("hello"),
	})
	require.ErrorIs(t, err, ErrEmptyResponse)
	assert.Zero(t, conv.Len())
}

func TestSend_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"error":{"message":"bad key","type":"invalid_request_error"}}`)
	}))
	defer srv.Close()
	d := New(Config{}, Deps{Remote: NewOpenAIClient("sk-bad", srv.URL+"/v1")})

	_, err := d.Send(context.Background(), Request{
		Conversation: model.NewConversation(),
		Builder:      &fakeBuilder{req: chatRequest()},
		Turn:         model.NewTurn("hello"),
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "chat completion")
}

func TestSend_SaveFailureReturnsTurn(t *testing.T) {
	alt := &fakeAlternate{reply: "answer"}
	store := &fakeStore{err: errors.New("disk full")}
	d := New(Config{}, Deps{Alternate: alt, Store: store})

	conv := model.NewConversation()
	done, err := d.Send(context.Background(), Request{
		Conversation: conv,
		Builder:      &fakeBuilder{req: &completion.AlternateRequest{Prompt: "hello"}},
		Turn:         model.NewTurn("hello"),
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	assert.Equal(t, "answer", done.Response)
	assert.Equal(t, 1, conv.Len())
}

func TestSend_RateLimitHonoursContext(t *testing.T) {
	alt := &fakeAlternate{reply: "answer"}
	d := New(Config{RateLimitRPS: 0.001}, Deps{Alternate: alt})
	builder := &fakeBuilder{req: &completion.AlternateRequest{Prompt: "hello"}}

	_, err := d.Send(context.Background(), Request{
		Conversation: model.NewConversation(), Builder: builder, Turn: model.NewTurn("one"),
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = d.Send(ctx, Request{
		Conversation: model.NewConversation(), Builder: builder, Turn: model.NewTurn("two"),
	})
	require.Error(t, err)
	assert.Equal(t, 1, builder.calls)
}
