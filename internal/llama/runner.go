// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package llama

import (
	"context"
	"io"
	"os/exec"
)

// Command is a process to launch.
type Command struct {
	Name string
	Args []string
	Dir  string
	Env  []string
}

// Process is a running child. Stdout and Stderr must be drained before
// Wait is called.
type Process interface {
	Stdout() io.Reader
	Stderr() io.Reader
	Wait() error
	Kill() error
}

// Runner starts processes.
type Runner interface {
	Start(ctx context.Context, cmd Command) (Process, error)
}

// ExecRunner starts real OS processes in their own process group.
type ExecRunner struct{}

// Start implements Runner. The process outlives ctx; use Kill to end it.
func (ExecRunner) Start(_ context.Context, c Command) (Process, error) {
	cmd := exec.Command(c.Name, c.Args...)
	cmd.Dir = c.Dir
	cmd.Env = c.Env
	setProcessGroup(cmd)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return &execProcess{cmd: cmd, stdout: stdout, stderr: stderr}, nil
}

type execProcess struct {
	cmd    *exec.Cmd
	stdout io.Reader
	stderr io.Reader
}

func (p *execProcess) Stdout() io.Reader { return p.stdout }
func (p *execProcess) Stderr() io.Reader { return p.stderr }
func (p *execProcess) Wait() error       { return p.cmd.Wait() }
func (p *execProcess) Kill() error       { return killProcessGroup(p.cmd) }
