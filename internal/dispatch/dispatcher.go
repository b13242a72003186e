// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package dispatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"

	"github.com/siilats/CodeGPT/internal/completion"
	"github.com/siilats/CodeGPT/internal/logging"
	"github.com/siilats/CodeGPT/internal/model"
)

// =============================================================================
// ERRORS
// =============================================================================

var (
	ErrServerNotReady     = errors.New("local server is not ready")
	ErrNoAlternateBackend = errors.New("no alternate backend configured")
	ErrNoChatBackend      = errors.New("no chat backend configured")
	ErrEmptyResponse      = errors.New("backend returned an empty response")
)

// =============================================================================
// COLLABORATORS
// =============================================================================

// ChatStreamer opens a streaming chat completion. *openai.Client satisfies it.
type ChatStreamer interface {
	CreateChatCompletionStream(ctx context.Context, req openai.ChatCompletionRequest) (*openai.ChatCompletionStream, error)
}

// AlternateCompleter answers flat-history requests. onDelta may be nil.
type AlternateCompleter interface {
	Complete(ctx context.Context, req *completion.AlternateRequest, onDelta func(string)) (string, error)
}

// Readiness is the view of the local server supervisor dispatch needs.
type Readiness interface {
	WaitReady(ctx context.Context) error
}

// ConversationSaver persists a conversation.
type ConversationSaver interface {
	Save(conv *model.Conversation) (string, error)
}

// RequestBuilder builds the backend request for a turn.
type RequestBuilder interface {
	Build(ctx context.Context, modelCode string, turn model.Turn, opts completion.ChatOptions) (completion.Request, error)
}

// =============================================================================
// DISPATCHER
// =============================================================================

// Config selects the chat backend and pacing.
type Config struct {
	// UseLocal sends chat requests to the local server.
	UseLocal bool
	// RateLimitRPS caps requests per second; 0 disables pacing.
	RateLimitRPS float64
	// ReadyTimeout bounds the wait for the local server. 0 waits as long as
	// the request context allows.
	ReadyTimeout time.Duration
}

// Deps are the backends and stores a Dispatcher uses. Any may be nil when
// the corresponding path is unused.
type Deps struct {
	Remote    ChatStreamer
	Local     ChatStreamer
	Llama     Readiness
	Alternate AlternateCompleter
	Store     ConversationSaver
	Log       *logging.Logger
}

// Dispatcher sends requests and records the results.
type Dispatcher struct {
	cfg     Config
	deps    Deps
	log     *logging.Logger
	limiter *rate.Limiter
}

// New creates a dispatcher.
func New(cfg Config, deps Deps) *Dispatcher {
	log := deps.Log
	if log == nil {
		log = logging.Nop()
	}
	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.RateLimitRPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimitRPS), 1)
	}
	return &Dispatcher{cfg: cfg, deps: deps, log: log.Named("dispatch"), limiter: limiter}
}

// Request is one turn to send.
type Request struct {
	Conversation *model.Conversation
	Builder      RequestBuilder
	Model        string
	Turn         model.Turn
	Options      completion.ChatOptions

	// OnDelta receives streamed text as it arrives.
	OnDelta func(string)
}

// Send builds and sends req, then writes the completed turn into the
// conversation and saves it. A save failure is returned together with the
// completed turn.
func (d *Dispatcher) Send(ctx context.Context, req Request) (model.Turn, error) {
	if err := d.limiter.Wait(ctx); err != nil {
		return req.Turn, err
	}

	built, err := req.Builder.Build(ctx, req.Model, req.Turn, req.Options)
	if err != nil {
		return req.Turn, err
	}

	start := time.Now()
	var response string
	switch r := built.(type) {
	case *completion.ChatRequest:
		response, err = d.sendChat(ctx, r, req.OnDelta)
	case *completion.AlternateRequest:
		response, err = d.sendAlternate(ctx, r, req.OnDelta)
	default:
		err = fmt.Errorf("unsupported request type %T", built)
	}
	if err != nil {
		return req.Turn, err
	}
	if strings.TrimSpace(response) == "" {
		return req.Turn, ErrEmptyResponse
	}

	done := req.Turn.WithResponse(response)
	if req.Options.IsRetry {
		req.Conversation.TruncateAfter(done.ID)
	}
	req.Conversation.AddTurn(done)
	if req.Model != "" {
		req.Conversation.SetModel(req.Model)
	}
	d.log.Info("completion finished",
		"backend", string(built.Backend()), "model", req.Model,
		"chars", len(response), "duration", time.Since(start).String())

	if d.deps.Store != nil {
		if _, err := d.deps.Store.Save(req.Conversation); err != nil {
			d.log.Error("failed to save conversation", "id", req.Conversation.ID(), "error", err)
			return done, fmt.Errorf("save conversation: %w", err)
		}
	}
	return done, nil
}

func (d *Dispatcher) sendChat(ctx context.Context, req *completion.ChatRequest, onDelta func(string)) (string, error) {
	client := d.deps.Remote
	if d.cfg.UseLocal {
		if err := d.waitLocal(ctx); err != nil {
			return "", err
		}
		client = d.deps.Local
	}
	if client == nil {
		return "", ErrNoChatBackend
	}

	wire := req.OpenAI()
	wire.Stream = true
	stream, err := client.CreateChatCompletionStream(withOverriddenPath(ctx, req.OverriddenPath), wire)
	if err != nil {
		return "", fmt.Errorf("chat completion: %w", err)
	}
	defer stream.Close()

	var sb strings.Builder
	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return sb.String(), fmt.Errorf("chat completion stream: %w", err)
		}
		if len(resp.Choices) == 0 {
			continue
		}
		delta := resp.Choices[0].Delta.Content
		if delta == "" {
			continue
		}
		sb.WriteString(delta)
		if onDelta != nil {
			onDelta(delta)
		}
	}
	return sb.String(), nil
}

func (d *Dispatcher) waitLocal(ctx context.Context) error {
	if d.deps.Llama == nil {
		return ErrServerNotReady
	}
	if d.cfg.ReadyTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.cfg.ReadyTimeout)
		defer cancel()
	}
	if err := d.deps.Llama.WaitReady(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrServerNotReady, err)
	}
	return nil
}

func (d *Dispatcher) sendAlternate(ctx context.Context, req *completion.AlternateRequest, onDelta func(string)) (string, error) {
	if d.deps.Alternate == nil {
		return "", ErrNoAlternateBackend
	}
	return d.deps.Alternate.Complete(ctx, req, onDelta)
}
