// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package llama supervises a local llama.cpp inference server.
//
// A start cycle builds the server with `make -j` in the source checkout,
// launches `./server -m <model> -c <context>` and watches its stdout for the
// JSON log line whose message is "HTTP server listening". States move
// IDLE -> BUILDING -> LAUNCHING -> READY, or to FAILED when the build exits
// non-zero, a process cannot be spawned, or the server exits before it is
// ready. Stop returns to IDLE from any state.
//
// # Usage
//
//	sup := llama.New(llama.Config{SourcePath: src, ModelPath: model},
//	    llama.WithLogger(log), llama.WithOnReady(func() { log.Info("ready") }))
//	if err := sup.Start(ctx); err != nil {
//	    return err
//	}
//	if err := sup.WaitReady(ctx); err != nil {
//	    fmt.Println(strings.Join(sup.Logs(), "\n"))
//	    return err
//	}
//	defer sup.Stop()
//
// State, Ready and WaitReady are safe to call from any goroutine.
package llama
