// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetrics_Counters(t *testing.T) {
	m := New()

	m.RequestBuilt("chat")
	m.RequestBuilt("chat")
	m.RequestBuilt("alternate")
	m.MessagesTrimmed(3)
	m.MessagesTrimmed(0)
	m.UsageExceeded()
	m.ContextLookup("hit")
	m.SupervisorState(3)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.requestsBuilt.WithLabelValues("chat")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.requestsBuilt.WithLabelValues("alternate")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.messagesTrimmed))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.usageExceeded))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.contextLookups.WithLabelValues("hit")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.supervisorState))
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RequestBuilt("chat")
		m.MessagesTrimmed(1)
		m.UsageExceeded()
		m.ContextLookup("error")
		m.SupervisorState(4)
	})
}
