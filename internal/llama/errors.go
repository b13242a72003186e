// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package llama

import (
	"errors"
	"fmt"
)

// Sentinel errors for easy checking.
var (
	ErrSpawnFailed       = errors.New("failed to spawn process")
	ErrBuildFailed       = errors.New("llama.cpp build failed")
	ErrExitedBeforeReady = errors.New("server exited before it was ready")
	ErrServerExited      = errors.New("server exited")
	ErrAlreadyRunning    = errors.New("supervisor already running")
	ErrNotStarted        = errors.New("supervisor not started")
	ErrStopped           = errors.New("supervisor stopped")
	ErrMissingModelPath  = errors.New("llama model path is not configured")
	ErrMissingSourcePath = errors.New("llama source path is not configured")
)

// ProcessError describes a failed build or server process.
type ProcessError struct {
	// Stage is "build" or "server".
	Stage string
	// Kind is one of the sentinel errors above.
	Kind error
	// ExitCode is the process exit status, or -1 if it never ran or was
	// killed by a signal.
	ExitCode int
	Cause    error
}

func (e *ProcessError) Error() string {
	msg := fmt.Sprintf("%s: %v", e.Stage, e.Kind)
	if e.ExitCode >= 0 {
		msg += fmt.Sprintf(" (exit code %d)", e.ExitCode)
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

// Unwrap exposes both Kind and Cause to errors.Is and errors.As.
func (e *ProcessError) Unwrap() []error {
	errs := make([]error, 0, 2)
	if e.Kind != nil {
		errs = append(errs, e.Kind)
	}
	if e.Cause != nil {
		errs = append(errs, e.Cause)
	}
	return errs
}

// exitCode extracts the exit status from a Wait error.
func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var coder interface{ ExitCode() int }
	if errors.As(err, &coder) {
		return coder.ExitCode()
	}
	return -1
}
