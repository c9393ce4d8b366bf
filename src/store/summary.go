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

package store

import (
	"time"

	"docagent/src/model"
)

// Summary holds aggregate counts across the matched tasks.
type Summary struct {
	Total         int `json:"total"`
	Submitted     int `json:"submitted"`
	Working       int `json:"working"`
	InputRequired int `json:"input_required"`
	Completed     int `json:"completed"`
	Failed        int `json:"failed"`
	Turns         int `json:"turns"` // user messages across all matched tasks
}

// TaskStatus is the per-task line of a summary. It omits history content.
type TaskStatus struct {
	ID            string          `json:"id"`
	ContextID     string          `json:"context_id"`
	State         model.TaskState `json:"state"`
	Pending       string          `json:"pending,omitempty"`
	LastError     string          `json:"last_error,omitempty"`
	HistoryLength int             `json:"history_length"`
	IdleSeconds   int             `json:"idle_seconds"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// Summarize returns counts and per-task statuses in insertion order.
//   - If ids is non-empty, only tasks with those ids are included.
//   - If state is non-empty, only tasks in that state are included.
//   - Both filters combine with AND.
//
// Each task is copied under its own data lock, so the result may mix
// tasks observed at slightly different instants.
func (s *TaskStore) Summarize(ids []string, state model.TaskState) (Summary, []TaskStatus) {
	s.mu.RLock()
	entries := make([]*entry, 0, len(s.order))
	for _, id := range s.order {
		entries = append(entries, s.tasks[id])
	}
	s.mu.RUnlock()

	idSet := make(map[string]bool, len(ids))
	for _, id := range ids {
		idSet[id] = true
	}

	var summary Summary
	statuses := []TaskStatus{}
	now := s.now()

	for _, e := range entries {
		e.mu.RLock()
		t := e.task
		if (len(idSet) > 0 && !idSet[t.ID]) || (state != "" && t.State != state) {
			e.mu.RUnlock()
			continue
		}
		summary.Total++
		switch t.State {
		case model.TaskSubmitted:
			summary.Submitted++
		case model.TaskWorking:
			summary.Working++
		case model.TaskInputRequired:
			summary.InputRequired++
		case model.TaskCompleted:
			summary.Completed++
		case model.TaskFailed:
			summary.Failed++
		}
		for _, m := range t.History {
			if m.Role == model.RoleUser {
				summary.Turns++
			}
		}
		statuses = append(statuses, TaskStatus{
			ID:            t.ID,
			ContextID:     t.ContextID,
			State:         t.State,
			Pending:       model.PendingKind(t.Pending),
			LastError:     t.LastError,
			HistoryLength: len(t.History),
			IdleSeconds:   int(now.Sub(t.UpdatedAt).Seconds()),
			UpdatedAt:     t.UpdatedAt,
		})
		e.mu.RUnlock()
	}
	return summary, statuses
}
