// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/siilats/CodeGPT/internal/completion"
	"github.com/siilats/CodeGPT/internal/dispatch"
	"github.com/siilats/CodeGPT/internal/embeddings"
	"github.com/siilats/CodeGPT/internal/model"
	"github.com/siilats/CodeGPT/internal/storage"
	"github.com/siilats/CodeGPT/internal/tokens"
)

type askOptions struct {
	model          string
	conversation   string
	retry          string
	useContext     bool
	discard        bool
	local          bool
	pairTrim       bool
	raw            bool
	overriddenPath string
	readyTimeout   time.Duration
}

func (o *askOptions) register(cmd *cobra.Command) {
	f := cmd.Flags()
	f.StringVarP(&o.model, "model", "m", "", "model code (default from config)")
	f.StringVarP(&o.conversation, "conversation", "c", "", "continue a saved conversation")
	f.BoolVar(&o.useContext, "context", false, "answer from retrieved index snippets instead of the history")
	f.BoolVar(&o.discard, "discard-token-limit", false, "trim history instead of failing when over the context window")
	f.BoolVar(&o.local, "local", false, "use the local llama.cpp server")
	f.BoolVar(&o.pairTrim, "pair-trim", false, "trim user/assistant pairs together")
	f.BoolVar(&o.raw, "raw", false, "print replies without Markdown rendering")
	f.StringVar(&o.overriddenPath, "path", "", "override the chat completions endpoint path")
	f.DurationVar(&o.readyTimeout, "ready-timeout", 10*time.Minute, "how long to wait for the local server")
}

func newAskCommand(app *App) *cobra.Command {
	opts := &askOptions{}
	cmd := &cobra.Command{
		Use:   "ask [prompt]",
		Short: "Send one turn and print the reply",
		Example: `  codegpt ask "Explain this stack trace"
  codegpt ask --conversation 3f2a... "And the second frame?"
  codegpt ask --conversation 3f2a... --retry 9c1e...
  codegpt ask --context "Where is the config loaded?"`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.runAsk(cmd.Context(), cmd.OutOrStdout(), cmd.ErrOrStderr(), strings.Join(args, " "), opts)
		},
	}
	opts.register(cmd)
	cmd.Flags().StringVar(&opts.retry, "retry", "", "regenerate the reply of this turn id")
	return cmd
}

func (a *App) runAsk(ctx context.Context, out, errOut io.Writer, prompt string, opts *askOptions) error {
	sess, err := a.newSession(ctx, errOut, opts)
	if err != nil {
		return err
	}
	defer sess.Close()

	turn, err := selectTurn(sess.conv, prompt, opts)
	if err != nil {
		return err
	}
	done, err := sess.Send(ctx, out, turn, opts.retry != "")
	if err != nil {
		return err
	}
	fmt.Fprintln(errOut, DimStyle.Render(fmt.Sprintf("conversation %s  turn %s  model %s", sess.conv.ID(), done.ID, sess.model)))
	return nil
}

// selectTurn returns the turn to send: the stored turn for a retry, or a new
// turn carrying prompt.
func selectTurn(conv *model.Conversation, prompt string, opts *askOptions) (model.Turn, error) {
	if opts.retry == "" {
		if strings.TrimSpace(prompt) == "" {
			return model.Turn{}, errors.New("a prompt is required")
		}
		return model.NewTurn(prompt), nil
	}
	if opts.conversation == "" {
		return model.Turn{}, errors.New("--retry requires --conversation")
	}
	return findTurn(conv, opts.retry)
}

func findTurn(conv *model.Conversation, id string) (model.Turn, error) {
	for _, t := range conv.Turns() {
		if t.ID == id {
			return model.Turn{ID: t.ID, Prompt: t.Prompt}, nil
		}
	}
	return model.Turn{}, fmt.Errorf("turn %s not found in conversation %s", id, conv.ID())
}

// =============================================================================
// SESSION
// =============================================================================

// session is the wired pipeline for one conversation: request assembly,
// dispatch and persistence.
type session struct {
	app        *App
	opts       *askOptions
	store      *storage.ConversationStore
	state      *model.ConversationsState
	conv       *model.Conversation
	model      string
	registry   *model.Registry
	counters   *tokens.Manager
	ctxBuilder completion.ContextBuilder
	dispatcher *dispatch.Dispatcher
	closers    []func()
}

// alreadyReady stands in for the supervisor when a server is already up.
type alreadyReady struct{}

func (alreadyReady) WaitReady(context.Context) error { return nil }

func (a *App) newSession(ctx context.Context, errOut io.Writer, opts *askOptions) (*session, error) {
	cfg := a.Config
	if opts.local {
		cfg.Backend.UseLocal = true
		cfg.Backend.UseAlternate = false
	}

	store, err := a.store()
	if err != nil {
		return nil, err
	}
	state, err := store.LoadState()
	if err != nil {
		return nil, err
	}
	if cfg.Conversations.DiscardAllTokenLimits {
		state.SetDiscardAllTokenLimits(true)
	}

	s := &session{
		app:      a,
		opts:     opts,
		store:    store,
		state:    state,
		conv:     model.NewConversation(),
		registry: a.registry(),
		counters: tokens.NewManager(a.Log),
	}
	if opts.conversation != "" {
		if s.conv, err = store.Load(opts.conversation); err != nil {
			return nil, err
		}
	}
	if opts.discard {
		s.conv.SetDiscardTokenLimit(true)
	}
	s.model = a.modelFor(s.conv, opts)

	if opts.useContext {
		builder, closeIndex := a.contextBuilder()
		s.ctxBuilder = builder
		s.closers = append(s.closers, closeIndex)
	}

	deps := dispatch.Deps{
		Remote: dispatch.NewOpenAIClient(cfg.OpenAI.APIKey, cfg.OpenAI.BaseURL),
		Store:  store,
		Log:    a.Log,
	}
	if cfg.Backend.UseLocal {
		sup := a.supervisor(errOut)
		deps.Local = dispatch.NewOpenAIClient("", sup.BaseURL())
		if sup.Probe(ctx) {
			deps.Llama = alreadyReady{}
		} else {
			fmt.Fprintln(errOut, DimStyle.Render("starting llama.cpp server..."))
			if err := sup.Start(ctx); err != nil {
				s.Close()
				return nil, err
			}
			s.closers = append(s.closers, func() { sup.Stop() })
			deps.Llama = sup
		}
	}
	s.dispatcher = dispatch.New(dispatch.Config{
		UseLocal:     cfg.Backend.UseLocal,
		RateLimitRPS: cfg.Backend.RateLimitRPS,
		ReadyTimeout: opts.readyTimeout,
	}, deps)
	return s, nil
}

// Send dispatches turn and prints the reply to out.
func (s *session) Send(ctx context.Context, out io.Writer, turn model.Turn, retry bool) (model.Turn, error) {
	var popts []completion.Option
	if s.opts.pairTrim {
		popts = append(popts, completion.WithPairTrim())
	}
	provider := completion.NewProvider(s.conv, completion.Deps{
		Settings:   s.app.Config,
		State:      s.state,
		Registry:   s.registry,
		Counters:   s.counters,
		Embeddings: s.ctxBuilder,
		Log:        s.app.Log,
		Metrics:    s.app.Metrics,
	}, popts...)

	reply := newReplyWriter(out, s.opts.raw)
	done, err := s.dispatcher.Send(ctx, dispatch.Request{
		Conversation: s.conv,
		Builder:      provider,
		Model:        s.model,
		Turn:         turn,
		Options: completion.ChatOptions{
			IsRetry:             retry,
			UseContextualSearch: s.opts.useContext,
			OverriddenPath:      s.opts.overriddenPath,
		},
		OnDelta: reply.Delta,
	})
	if done.Response != "" {
		reply.Done(done.Response)
	}
	if errors.Is(err, completion.ErrTotalUsageExceeded) {
		return done, fmt.Errorf("%w\nhint: pass --discard-token-limit to trim older messages", err)
	}
	return done, err
}

// Reset starts a fresh conversation.
func (s *session) Reset() {
	s.conv = model.NewConversation()
	if s.opts.discard {
		s.conv.SetDiscardTokenLimit(true)
	}
}

// Close releases the index and stops a server this session started.
func (s *session) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
	s.closers = nil
}

// modelFor picks the model: flag, then local server, then the model the
// conversation was using, then the configured default.
func (a *App) modelFor(conv *model.Conversation, opts *askOptions) string {
	switch {
	case opts.model != "":
		return opts.model
	case a.Config.Backend.UseLocal:
		return LocalModelCode
	case conv.Model() != "" && conv.Model() != LocalModelCode:
		return conv.Model()
	default:
		return a.Config.Completion.Model
	}
}

// contextBuilder wires the index and, with reranking enabled, the OpenAI
// embedder. A missing index still yields a builder; it returns the template
// with an empty context.
func (a *App) contextBuilder() (*embeddings.Builder, func()) {
	cfg := a.Config.Embeddings
	closeIndex := func() {}

	var searcher embeddings.Searcher
	idx, err := a.openIndex(false)
	if err != nil {
		a.Log.Warn("retrieval index unavailable", "path", cfg.IndexPath, "error", err)
	} else {
		searcher = idx
		closeIndex = func() { idx.Close() }
	}

	var embedder embeddings.Embedder
	if cfg.Rerank && a.Config.OpenAI.APIKey != "" {
		client := dispatch.NewOpenAIClient(a.Config.OpenAI.APIKey, a.Config.OpenAI.BaseURL)
		embedder = embeddings.NewOpenAIEmbedder(client, cfg.EmbeddingModel)
	}

	builder := embeddings.NewBuilder(searcher, embedder, embeddings.Config{
		TopK:            cfg.TopK,
		MaxSnippetChars: cfg.MaxSnippetChars,
		Rerank:          cfg.Rerank,
	}, a.Log, a.Metrics)
	return builder, closeIndex
}
