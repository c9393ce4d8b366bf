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

package mcptools

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docagent/src/model"
	"docagent/src/store"
)

func connect(t *testing.T, s *store.TaskStore) *mcp.ClientSession {
	t.Helper()
	ctx := context.Background()
	serverTransport, clientTransport := mcp.NewInMemoryTransports()

	ss, err := NewServer(s, "test").Connect(ctx, serverTransport, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ss.Close() })

	client := mcp.NewClient(&mcp.Implementation{Name: "test-client", Version: "v0.0.1"}, nil)
	cs, err := client.Connect(ctx, clientTransport, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = cs.Close() })
	return cs
}

func decode[T any](t *testing.T, res *mcp.CallToolResult) T {
	t.Helper()
	require.False(t, res.IsError, "tool returned an error: %+v", res.Content)
	raw, err := json.Marshal(res.StructuredContent)
	require.NoError(t, err)
	var out T
	require.NoError(t, json.Unmarshal(raw, &out))
	return out
}

func seed(t *testing.T) (*store.TaskStore, model.Task, model.Task) {
	t.Helper()
	s := store.New()
	a, err := s.Create("ctx-a")
	require.NoError(t, err)
	b, err := s.Create("ctx-b")
	require.NoError(t, err)

	lease, err := s.Acquire(context.Background(), a.ID)
	require.NoError(t, err)
	require.NoError(t, lease.Mutate(func(tk *model.Task, now time.Time) error {
		tk.Append(model.Message{Role: model.RoleUser, Parts: []model.Part{model.TextPart("hello")}, MessageID: "u1"}, now)
		if err := tk.Transition(model.TaskWorking, now); err != nil {
			return err
		}
		tk.Append(model.NewAgentMessage("a1",
			model.TextPart("Your PDF is ready."),
			model.FilePart(model.FileRef{Name: "document.pdf", MimeType: "application/pdf", URI: "http://agent.test/documents/abc"}),
		), now)
		return tk.Transition(model.TaskCompleted, now)
	}))
	lease.Release()
	return s, a, b
}

func TestCheckTasks(t *testing.T) {
	s, a, b := seed(t)
	cs := connect(t, s)

	res, err := cs.CallTool(context.Background(), &mcp.CallToolParams{Name: "check_tasks", Arguments: map[string]any{}})
	require.NoError(t, err)
	out := decode[CheckTasksOutput](t, res)
	assert.Equal(t, 2, out.Summary.Total)
	assert.Equal(t, 1, out.Summary.Completed)
	assert.Equal(t, 1, out.Summary.Submitted)
	assert.Equal(t, 1, out.Summary.Turns)
	require.Len(t, out.Tasks, 2)
	assert.Equal(t, a.ID, out.Tasks[0].ID)
	assert.Equal(t, b.ID, out.Tasks[1].ID)

	res, err = cs.CallTool(context.Background(), &mcp.CallToolParams{Name: "check_tasks", Arguments: map[string]any{"state": "completed"}})
	require.NoError(t, err)
	out = decode[CheckTasksOutput](t, res)
	require.Len(t, out.Tasks, 1)
	assert.Equal(t, 2, out.Tasks[0].HistoryLength)

	res, err = cs.CallTool(context.Background(), &mcp.CallToolParams{Name: "check_tasks", Arguments: map[string]any{"task_ids": []string{b.ID}}})
	require.NoError(t, err)
	out = decode[CheckTasksOutput](t, res)
	require.Len(t, out.Tasks, 1)
	assert.Equal(t, "submitted", out.Tasks[0].State)
}

func TestCheckTasks_UnknownState(t *testing.T) {
	s, _, _ := seed(t)
	cs := connect(t, s)

	res, err := cs.CallTool(context.Background(), &mcp.CallToolParams{Name: "check_tasks", Arguments: map[string]any{"state": "sleeping"}})
	if err == nil {
		assert.True(t, res.IsError)
	}
}

func TestGetTask(t *testing.T) {
	s, a, _ := seed(t)
	cs := connect(t, s)

	res, err := cs.CallTool(context.Background(), &mcp.CallToolParams{Name: "get_task", Arguments: map[string]any{"task_id": a.ID}})
	require.NoError(t, err)
	out := decode[GetTaskOutput](t, res)
	assert.Equal(t, "completed", out.State)
	assert.Equal(t, "ctx-a", out.ContextID)
	require.Len(t, out.History, 2)
	assert.Equal(t, "hello", out.History[0].Text)
	assert.Equal(t, []string{"http://agent.test/documents/abc"}, out.History[1].Files)
}

func TestGetTask_Missing(t *testing.T) {
	s, _, _ := seed(t)
	cs := connect(t, s)

	res, err := cs.CallTool(context.Background(), &mcp.CallToolParams{Name: "get_task", Arguments: map[string]any{"task_id": "nope"}})
	if err == nil {
		assert.True(t, res.IsError)
	}
}
