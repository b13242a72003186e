// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package llama

// State is the supervisor lifecycle state.
type State int32

const (
	StateIdle State = iota
	StateBuilding
	StateLaunching
	StateReady
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateBuilding:
		return "BUILDING"
	case StateLaunching:
		return "LAUNCHING"
	case StateReady:
		return "READY"
	case StateFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}
