// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap/zapcore"

	"github.com/siilats/CodeGPT/internal/config"
	"github.com/siilats/CodeGPT/internal/index"
	"github.com/siilats/CodeGPT/internal/llama"
	"github.com/siilats/CodeGPT/internal/logging"
	"github.com/siilats/CodeGPT/internal/metrics"
	"github.com/siilats/CodeGPT/internal/model"
	"github.com/siilats/CodeGPT/internal/storage"
)

// Version information (set at build time).
var (
	Version   = "dev"
	GitCommit = "unknown"
)

// LocalModelCode is the model code used for the local llama.cpp server.
const LocalModelCode = "local"

// =============================================================================
// APPLICATION
// =============================================================================

// App holds what every command shares. It is populated by the root
// command's PersistentPreRunE.
type App struct {
	configPath string
	verbose    bool

	Config  *config.Config
	Log     *logging.Logger
	Metrics *metrics.Metrics
}

// NewRootCommand builds the command tree.
func NewRootCommand() *cobra.Command {
	app := &App{}
	root := &cobra.Command{
		Use:           "codegpt",
		Short:         "Conversational completions against OpenAI or a local llama.cpp server",
		Version:       fmt.Sprintf("%s (%s)", Version, GitCommit),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return app.load()
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if app.Log != nil {
				app.Log.Sync()
			}
		},
	}
	root.PersistentFlags().StringVar(&app.configPath, "config", "", "config file (default ~/.codegpt/config.toml)")
	root.PersistentFlags().BoolVarP(&app.verbose, "verbose", "v", false, "log debug output to stderr")

	root.AddCommand(
		newAskCommand(app),
		newChatCommand(app),
		newLlamaCommand(app),
		newIndexCommand(app),
		newHistoryCommand(app),
		newConfigCommand(app),
	)
	return root
}

// Execute runs the CLI and returns the process exit code.
func Execute() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := NewRootCommand()
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, ErrorStyle.Render("Error:"), err)
		return 1
	}
	return 0
}

func (a *App) load() error {
	path := a.configPath
	if path == "" {
		path = config.ConfigPath()
	}
	cfg, err := config.LoadFile(path)
	if err != nil {
		return err
	}
	a.Config = cfg

	level := zapcore.WarnLevel
	if a.verbose {
		level = zapcore.DebugLevel
	}
	log, err := logging.NewLevel(cfg.Logging.Mode, level)
	if err != nil {
		return err
	}
	a.Log = log
	a.Metrics = metrics.New()
	return nil
}

// =============================================================================
// SHARED CONSTRUCTORS
// =============================================================================

func (a *App) store() (*storage.ConversationStore, error) {
	s, err := storage.NewConversationStoreWithDir(a.Config.Conversations.Dir)
	if err != nil {
		return nil, err
	}
	s.SetLogger(a.Log)
	return s, nil
}

// registry returns the default models plus the local server, whose window is
// its configured context size.
func (a *App) registry() *model.Registry {
	reg := model.DefaultRegistry()
	reg.Register(model.ModelDescriptor{
		Code:             LocalModelCode,
		Name:             "llama.cpp server",
		Provider:         "Local",
		MaxContextTokens: a.Config.Llama.ContextSize,
	})
	return reg
}

func (a *App) supervisor(out io.Writer) *llama.Supervisor {
	return llama.New(llama.Config{
		SourcePath:  a.Config.Llama.SourcePath,
		ModelPath:   a.Config.Llama.ModelPath,
		ContextSize: a.Config.Llama.ContextSize,
		Port:        a.Config.Llama.Port,
	},
		llama.WithLogger(a.Log),
		llama.WithMetrics(a.Metrics),
		llama.WithOnReady(func() {
			fmt.Fprintln(out, RenderStatus("ready"), "llama.cpp server listening")
		}),
	)
}

// openIndex opens the retrieval index. With create false a missing database
// yields index.ErrNotIndexed instead of an empty new one.
func (a *App) openIndex(create bool) (*index.Index, error) {
	path := a.Config.Embeddings.IndexPath
	if !create {
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			return nil, index.ErrNotIndexed
		}
	}
	return index.Open(index.DefaultConfig(path), a.Log)
}
