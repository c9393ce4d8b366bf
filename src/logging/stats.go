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
	"sync"
	"time"
)

// StatusResponse for JSON output
type StatusResponse struct {
	ID                   string    `json:"id"`
	StartTime            time.Time `json:"start_time"`
	Uptime               string    `json:"uptime"`
	TurnsProcessed       uint64    `json:"turns_processed"`
	TurnsFailed          uint64    `json:"turns_failed"`
	ConversionsSucceeded uint64    `json:"conversions_succeeded"`
	ConversionsFailed    uint64    `json:"conversions_failed"`
	WebhooksDelivered    uint64    `json:"webhooks_delivered"`
	WebhooksFailed       uint64    `json:"webhooks_failed"`
	FollowUpsInFlight    int64     `json:"follow_ups_in_flight"`
}

// StatsDelta is one increment applied to AgentStats.
type StatsDelta struct {
	Turns                uint64
	TurnsFailed          uint64
	ConversionsSucceeded uint64
	ConversionsFailed    uint64
	WebhooksDelivered    uint64
	WebhooksFailed       uint64
	FollowUps            int64 // +1 when a follow-up starts, -1 when it ends
}

// AgentStats tracks the process-local counters reported by /status.
type AgentStats struct {
	mu             sync.RWMutex
	statusResponse StatusResponse
}

func NewAgentStats(id string) *AgentStats {
	return &AgentStats{
		statusResponse: StatusResponse{
			ID:        id,
			StartTime: time.Now(),
		},
	}
}

// UpdateStats applies a delta
func (s *AgentStats) UpdateStats(d StatsDelta) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statusResponse.TurnsProcessed += d.Turns
	s.statusResponse.TurnsFailed += d.TurnsFailed
	s.statusResponse.ConversionsSucceeded += d.ConversionsSucceeded
	s.statusResponse.ConversionsFailed += d.ConversionsFailed
	s.statusResponse.WebhooksDelivered += d.WebhooksDelivered
	s.statusResponse.WebhooksFailed += d.WebhooksFailed
	s.statusResponse.FollowUpsInFlight += d.FollowUps
}

// GetStats returns the current statistics as a response struct
func (s *AgentStats) GetStats() StatusResponse {
	s.mu.RLock()
	defer s.mu.RUnlock()

	resp := s.statusResponse
	resp.Uptime = time.Since(s.statusResponse.StartTime).Truncate(time.Second).String()
	return resp
}
