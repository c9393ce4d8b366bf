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

// Package mcptools exposes read-only task inspection over MCP so operators
// and coding agents can watch conversations without touching them.
package mcptools

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"docagent/src/model"
	"docagent/src/store"
)

// CheckTasksArgs is the input for the check_tasks tool.
type CheckTasksArgs struct {
	TaskIDs []string `json:"task_ids,omitempty" jsonschema:"Filter to specific task IDs. Empty returns all."`
	State   string   `json:"state,omitempty" jsonschema:"Filter by state: submitted, working, input-required, completed or failed"`
}

// CheckTasksOutput is a compact summary plus per-task status lines.
type CheckTasksOutput struct {
	Summary store.Summary `json:"summary"`
	Tasks   []TaskLine    `json:"tasks"`
}

type TaskLine struct {
	ID            string `json:"id"`
	ContextID     string `json:"context_id"`
	State         string `json:"state"`
	Pending       string `json:"pending,omitempty"`
	LastError     string `json:"last_error,omitempty"`
	HistoryLength int    `json:"history_length"`
	IdleSeconds   int    `json:"idle_seconds"`
}

type GetTaskArgs struct {
	TaskID string `json:"task_id" jsonschema:"Task ID to fetch"`
}

type GetTaskOutput struct {
	ID        string         `json:"id"`
	ContextID string         `json:"context_id"`
	State     string         `json:"state"`
	Pending   string         `json:"pending,omitempty"`
	LastError string         `json:"last_error,omitempty"`
	CreatedAt string         `json:"created_at"`
	UpdatedAt string         `json:"updated_at"`
	History   []HistoryEntry `json:"history"`
}

// HistoryEntry is one message reduced to its text and file locations.
type HistoryEntry struct {
	Role      string   `json:"role"`
	MessageID string   `json:"message_id"`
	Text      string   `json:"text,omitempty"`
	Files     []string `json:"files,omitempty"`
}

var validStates = map[model.TaskState]bool{
	model.TaskSubmitted:     true,
	model.TaskWorking:       true,
	model.TaskInputRequired: true,
	model.TaskCompleted:     true,
	model.TaskFailed:        true,
}

// NewServer builds the MCP server over s.
func NewServer(s *store.TaskStore, version string) *mcp.Server {
	server := mcp.NewServer(&mcp.Implementation{Name: "docagent", Version: version}, nil)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "check_tasks",
		Description: "Summarize conversation tasks: counts per state and one status line per task. Filter by task ids or state.",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args CheckTasksArgs) (*mcp.CallToolResult, CheckTasksOutput, error) {
		state := model.TaskState(args.State)
		if state != "" && !validStates[state] {
			return nil, CheckTasksOutput{}, fmt.Errorf("unknown state %q", args.State)
		}
		summary, statuses := s.Summarize(args.TaskIDs, state)
		out := CheckTasksOutput{Summary: summary, Tasks: make([]TaskLine, 0, len(statuses))}
		for _, st := range statuses {
			out.Tasks = append(out.Tasks, TaskLine{
				ID:            st.ID,
				ContextID:     st.ContextID,
				State:         string(st.State),
				Pending:       st.Pending,
				LastError:     st.LastError,
				HistoryLength: st.HistoryLength,
				IdleSeconds:   st.IdleSeconds,
			})
		}
		return nil, out, nil
	})

	mcp.AddTool(server, &mcp.Tool{
		Name:        "get_task",
		Description: "Fetch one task with its full message history. The snapshot may lag a render that is still running.",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args GetTaskArgs) (*mcp.CallToolResult, GetTaskOutput, error) {
		t, ok := s.Get(args.TaskID)
		if !ok {
			return nil, GetTaskOutput{}, fmt.Errorf("task %q not found", args.TaskID)
		}
		return nil, taskOutput(t), nil
	})

	return server
}

func taskOutput(t model.Task) GetTaskOutput {
	out := GetTaskOutput{
		ID:        t.ID,
		ContextID: t.ContextID,
		State:     string(t.State),
		Pending:   model.PendingKind(t.Pending),
		LastError: t.LastError,
		CreatedAt: t.CreatedAt.Format(time.RFC3339Nano),
		UpdatedAt: t.UpdatedAt.Format(time.RFC3339Nano),
		History:   make([]HistoryEntry, 0, len(t.History)),
	}
	for _, m := range t.History {
		entry := HistoryEntry{Role: string(m.Role), MessageID: m.MessageID, Text: m.Text()}
		for _, p := range m.Parts {
			if p.File != nil && p.File.URI != "" {
				entry.Files = append(entry.Files, p.File.URI)
			}
		}
		out.History = append(out.History, entry)
	}
	return out
}

// Handler serves the MCP server over streamable HTTP.
func Handler(server *mcp.Server) http.Handler {
	return mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server { return server }, nil)
}
