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

package rpc

import (
	"net/http"
	"time"

	"docagent/src/model"
	"docagent/src/store"
)

// TaskView is the read-only shape of a task served to pollers.
type TaskView struct {
	ID        string          `json:"id"`
	ContextID string          `json:"contextId"`
	State     model.TaskState `json:"state"`
	Pending   string          `json:"pending,omitempty"`
	LastError string          `json:"lastError,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
	UpdatedAt time.Time       `json:"updatedAt"`
	History   []model.Message `json:"history"`
}

func NewTaskView(t model.Task) TaskView {
	return TaskView{
		ID:        t.ID,
		ContextID: t.ContextID,
		State:     t.State,
		Pending:   model.PendingKind(t.Pending),
		LastError: t.LastError,
		CreatedAt: t.CreatedAt,
		UpdatedAt: t.UpdatedAt,
		History:   t.History,
	}
}

// TaskHandler serves GET /tasks/{id}. The snapshot may predate a follow-up
// that is still running.
func TaskHandler(s *store.TaskStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		task, ok := s.Get(r.PathValue("id"))
		if !ok {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "task not found"})
			return
		}
		writeJSON(w, http.StatusOK, NewTaskView(task))
	}
}
