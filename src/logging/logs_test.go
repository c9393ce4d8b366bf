// Copyright (c) 2026 Khaled Abbas
//
// This source code is licensed under the Business Source License 1.1.
//
// Change Date: 4 years after the first public release of this version.
// Change License: MIT
//
// On the Change Date, this version of the code automatically converts
// to the MIT License. Prior to that date, use is subject to the
// Additional Use Grant. See the LICENSE file for details.

package logging

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAgentStats_ConcurrentUpdates(t *testing.T) {
	stats := NewAgentStats("agent-1")

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			stats.UpdateStats(StatsDelta{Turns: 1, FollowUps: 1})
			stats.UpdateStats(StatsDelta{ConversionsSucceeded: 1, FollowUps: -1})
		}()
	}
	wg.Wait()

	got := stats.GetStats()
	assert.Equal(t, "agent-1", got.ID)
	assert.Equal(t, uint64(50), got.TurnsProcessed)
	assert.Equal(t, uint64(50), got.ConversionsSucceeded)
	assert.Zero(t, got.FollowUpsInFlight)
	assert.NotEmpty(t, got.Uptime)
}

func TestIncrementCounter_UnknownNameIsIgnored(t *testing.T) {
	assert.NotPanics(t, func() {
		IncrementCounter(context.Background(), "does_not_exist", 1)
	})
}

func TestInitializeAgentCounters(t *testing.T) {
	require.NoError(t, InitializeAgentCounters())
	_, ok := counters.Load(MetricWebhooksFailed)
	assert.True(t, ok)
	assert.NotPanics(t, func() {
		IncrementCounter(context.Background(), MetricTurns, 1)
	})
}
