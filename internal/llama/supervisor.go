// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package llama

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/siilats/CodeGPT/internal/logging"
	"github.com/siilats/CodeGPT/internal/metrics"
)

// ReadyMessage is the server log message that marks readiness.
const ReadyMessage = "HTTP server listening"

// DefaultContextSize is passed with -c when none is configured.
const DefaultContextSize = 2048

// DefaultPort is the llama.cpp server's own default port.
const DefaultPort = 8080

// =============================================================================
// CONFIGURATION
// =============================================================================

// Config describes the llama.cpp checkout and model.
type Config struct {
	SourcePath  string
	ModelPath   string
	ContextSize int
	Port        int

	// LogLines is how many output lines Logs retains.
	LogLines int
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithRunner replaces the process runner.
func WithRunner(r Runner) Option {
	return func(s *Supervisor) { s.runner = r }
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(s *Supervisor) {
		if l != nil {
			s.log = l.Named("llama")
		}
	}
}

// WithMetrics records state transitions.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Supervisor) { s.metrics = m }
}

// WithOnReady registers a callback run at most once per start cycle, on the
// goroutine that observed the ready line.
func WithOnReady(fn func()) Option {
	return func(s *Supervisor) { s.onReady = fn }
}

// =============================================================================
// SUPERVISOR
// =============================================================================

// Supervisor builds, launches and watches the local server.
type Supervisor struct {
	cfg     Config
	runner  Runner
	log     *logging.Logger
	metrics *metrics.Metrics
	onReady func()
	logs    *lineRing

	state atomic.Int32

	mu        sync.Mutex
	gen       uint64
	proc      Process
	ready     chan struct{}
	readyOnce *sync.Once
	done      chan struct{}
	doneOnce  *sync.Once
	err       error
}

// New creates an idle supervisor.
func New(cfg Config, opts ...Option) *Supervisor {
	if cfg.ContextSize <= 0 {
		cfg.ContextSize = DefaultContextSize
	}
	if cfg.Port <= 0 {
		cfg.Port = DefaultPort
	}
	s := &Supervisor{
		cfg:    cfg,
		runner: ExecRunner{},
		log:    logging.Nop(),
		logs:   newLineRing(cfg.LogLines),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// State returns the current state.
func (s *Supervisor) State() State {
	return State(s.state.Load())
}

// BaseURL is the OpenAI-compatible endpoint root of the running server.
func (s *Supervisor) BaseURL() string {
	return fmt.Sprintf("http://127.0.0.1:%d/v1", s.cfg.Port)
}

// Ready returns a channel closed when the current start cycle reaches READY.
// It is nil before the first Start.
func (s *Supervisor) Ready() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ready
}

// Done returns a channel closed when the current cycle fails or is stopped.
// It is nil before the first Start.
func (s *Supervisor) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

// Err returns the failure of the last cycle, if any.
func (s *Supervisor) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Logs returns the most recent build and server output lines.
func (s *Supervisor) Logs() []string {
	return s.logs.snapshot()
}

// Start begins a build and launch cycle and returns once the build process
// has been spawned. A spawn failure is returned and leaves the supervisor
// FAILED. Use WaitReady or Ready to learn the outcome.
func (s *Supervisor) Start(ctx context.Context) error {
	if s.cfg.SourcePath == "" {
		return ErrMissingSourcePath
	}
	if s.cfg.ModelPath == "" {
		return ErrMissingModelPath
	}

	s.mu.Lock()
	switch s.State() {
	case StateBuilding, StateLaunching, StateReady:
		s.mu.Unlock()
		return ErrAlreadyRunning
	}
	s.gen++
	gen := s.gen
	s.ready = make(chan struct{})
	s.readyOnce = &sync.Once{}
	s.done = make(chan struct{})
	s.doneOnce = &sync.Once{}
	s.err = nil
	s.proc = nil
	s.logs.reset()
	s.setState(StateBuilding)

	s.log.Info("building llama.cpp", "dir", s.cfg.SourcePath)
	build, err := s.runner.Start(ctx, s.buildCommand())
	if err != nil {
		perr := &ProcessError{Stage: "build", Kind: ErrSpawnFailed, ExitCode: -1, Cause: err}
		s.failLocked(perr)
		s.mu.Unlock()
		return perr
	}
	s.proc = build
	s.mu.Unlock()

	go s.run(ctx, gen, build)
	return nil
}

// WaitReady blocks until the server is READY, the cycle fails or is
// stopped, or ctx ends.
func (s *Supervisor) WaitReady(ctx context.Context) error {
	s.mu.Lock()
	ready, done := s.ready, s.done
	s.mu.Unlock()
	if ready == nil {
		return ErrNotStarted
	}

	select {
	case <-ready:
		return nil
	case <-done:
		select {
		case <-ready:
			if s.State() == StateReady {
				return nil
			}
		default:
		}
		if err := s.Err(); err != nil {
			return err
		}
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop kills the running process group, if any, and returns to IDLE.
func (s *Supervisor) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.gen++
	var err error
	if s.proc != nil {
		err = s.proc.Kill()
		s.proc = nil
	}
	if s.doneOnce != nil {
		s.doneOnce.Do(func() { close(s.done) })
	}
	if s.State() != StateIdle {
		s.log.Info("llama server stopped")
	}
	s.setState(StateIdle)
	return err
}

// =============================================================================
// LIFECYCLE
// =============================================================================

func (s *Supervisor) run(ctx context.Context, gen uint64, build Process) {
	if err := s.drain(build, "make", nil); err != nil {
		s.fail(gen, &ProcessError{Stage: "build", Kind: ErrBuildFailed, ExitCode: exitCode(err), Cause: err})
		return
	}

	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return
	}
	s.setState(StateLaunching)
	s.log.Info("starting llama server", "model", s.cfg.ModelPath, "context", s.cfg.ContextSize)
	server, err := s.runner.Start(ctx, s.serverCommand())
	if err != nil {
		s.failLocked(&ProcessError{Stage: "server", Kind: ErrSpawnFailed, ExitCode: -1, Cause: err})
		s.mu.Unlock()
		return
	}
	s.proc = server
	s.mu.Unlock()

	waitErr := s.drain(server, "server", func(line string) { s.inspect(gen, line) })

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != gen {
		return
	}
	s.proc = nil
	kind := ErrExitedBeforeReady
	if s.State() == StateReady {
		kind = ErrServerExited
	}
	s.failLocked(&ProcessError{Stage: "server", Kind: kind, ExitCode: exitCode(waitErr), Cause: waitErr})
}

// drain copies stdout and stderr into the log ring until both close, then
// waits for the process. onStdout sees each stdout line; stderr is never
// inspected.
func (s *Supervisor) drain(p Process, name string, onStdout func(string)) error {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		s.scan(p.Stdout(), name, onStdout)
	}()
	go func() {
		defer wg.Done()
		s.scan(p.Stderr(), name+" stderr", nil)
	}()
	wg.Wait()
	return p.Wait()
}

func (s *Supervisor) scan(r io.Reader, source string, fn func(string)) {
	if r == nil {
		return
	}
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Text()
		s.logs.add(line)
		s.log.Debug(line, "source", source)
		if fn != nil {
			fn(line)
		}
	}
	if err := sc.Err(); err != nil {
		s.log.Debug("output read ended", "source", source, "error", err)
		// Keep the pipe drained so the child never blocks on a full buffer.
		_, _ = io.Copy(io.Discard, r)
	}
}

// serverLine is the subset of the server's JSON log format we read.
type serverLine struct {
	Message string `json:"message"`
}

// inspect marks the cycle READY on the first ready line. Lines that are not
// JSON are ignored.
func (s *Supervisor) inspect(gen uint64, line string) {
	var msg serverLine
	if err := json.Unmarshal([]byte(line), &msg); err != nil || msg.Message != ReadyMessage {
		return
	}

	s.mu.Lock()
	if s.gen != gen || s.State() != StateLaunching {
		s.mu.Unlock()
		return
	}
	s.setState(StateReady)
	once, ready := s.readyOnce, s.ready
	s.mu.Unlock()

	once.Do(func() {
		close(ready)
		s.log.Info("llama server ready", "url", s.BaseURL())
		if s.onReady != nil {
			s.onReady()
		}
	})
}

func (s *Supervisor) fail(gen uint64, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != gen {
		return
	}
	s.proc = nil
	s.failLocked(err)
}

// failLocked records err and moves to FAILED. Callers hold s.mu.
func (s *Supervisor) failLocked(err error) {
	s.err = err
	s.setState(StateFailed)
	s.doneOnce.Do(func() { close(s.done) })
	s.log.Error("llama server failed", "error", err)
}

func (s *Supervisor) setState(st State) {
	s.state.Store(int32(st))
	s.metrics.SupervisorState(int(st))
}

// =============================================================================
// COMMANDS
// =============================================================================

func (s *Supervisor) buildCommand() Command {
	return Command{
		Name: "make",
		Args: []string{"-j"},
		Dir:  s.cfg.SourcePath,
		Env:  utf8Env(),
	}
}

func (s *Supervisor) serverCommand() Command {
	args := []string{"-m", s.cfg.ModelPath, "-c", strconv.Itoa(s.cfg.ContextSize)}
	if s.cfg.Port != DefaultPort {
		args = append(args, "--port", strconv.Itoa(s.cfg.Port))
	}
	return Command{
		Name: "./server",
		Args: args,
		Dir:  s.cfg.SourcePath,
		Env:  utf8Env(),
	}
}

// utf8Env is the parent environment with a UTF-8 locale forced.
func utf8Env() []string {
	return append(os.Environ(), "LANG=C.UTF-8", "LC_ALL=C.UTF-8")
}
