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

package model

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func TestTransition_SubmittedMustPassThroughWorking(t *testing.T) {
	task := NewTask("t1", "c1", t0)

	err := task.Transition(TaskCompleted, t0)
	require.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, TaskSubmitted, task.State)

	require.NoError(t, task.Transition(TaskWorking, t0))
	require.NoError(t, task.Transition(TaskCompleted, t0.Add(time.Second)))
	assert.Equal(t, t0.Add(time.Second), task.UpdatedAt)
}

func TestTransition_TerminalStatesReenterWorking(t *testing.T) {
	for _, end := range []TaskState{TaskCompleted, TaskFailed, TaskInputRequired} {
		task := NewTask("t1", "c1", t0)
		require.NoError(t, task.Transition(TaskWorking, t0))
		require.NoError(t, task.Transition(end, t0))
		assert.True(t, task.State.Terminal())

		assert.ErrorIs(t, task.Transition(TaskCompleted, t0), ErrInvalidTransition, "from %s", end)
		assert.NoError(t, task.Transition(TaskWorking, t0), "from %s", end)
	}
}

func TestFail_RecordsAndClearsLastError(t *testing.T) {
	task := NewTask("t1", "c1", t0)
	require.NoError(t, task.Transition(TaskWorking, t0))
	require.NoError(t, task.Fail("renderer down", t0))
	assert.Equal(t, "renderer down", task.LastError)

	require.NoError(t, task.Transition(TaskWorking, t0))
	assert.Empty(t, task.LastError)
}

func TestAppend_StampsIDs(t *testing.T) {
	task := NewTask("t1", "c1", t0)
	task.Append(Message{Role: RoleUser, Parts: []Part{TextPart("hi")}, MessageID: "m1"}, t0)

	require.Len(t, task.History, 1)
	assert.Equal(t, "t1", task.History[0].TaskID)
	assert.Equal(t, "c1", task.History[0].ContextID)
}

func TestClone_IsDeep(t *testing.T) {
	task := NewTask("t1", "c1", t0)
	task.Append(NewAgentMessage("m1", FilePart(FileRef{Name: "a.pdf", URI: "u1"})), t0)
	task.Webhook = &WebhookConfig{URL: "http://hook", Authentication: &WebhookAuth{Credentials: "k"}}

	c := task.Clone()
	c.History[0].Parts[0].File.URI = "changed"
	c.Webhook.Authentication.Credentials = "changed"
	c.History = append(c.History, Message{})

	assert.Equal(t, "u1", task.History[0].Parts[0].File.URI)
	assert.Equal(t, "k", task.Webhook.Credentials())
	assert.Len(t, task.History, 1)
}

func TestPendingKind(t *testing.T) {
	assert.Equal(t, "", PendingKind(nil))
	assert.Equal(t, "chat", PendingKind(ChatInput{Text: "x"}))
	assert.Equal(t, "render", PendingKind(RenderInput{Text: "x"}))
	assert.Equal(t, "awaiting_content", PendingKind(AwaitingContent{}))

	task := NewTask("t1", "c1", t0)
	assert.False(t, task.AwaitingContent())
	task.Pending = AwaitingContent{}
	assert.True(t, task.AwaitingContent())
}

func TestMessageText_SkipsFileAndBlankParts(t *testing.T) {
	m := Message{Parts: []Part{
		FilePart(FileRef{Name: "x"}),
		TextPart("   "),
		TextPart("hello"),
	}}
	assert.Equal(t, "hello", m.Text())
}

func TestResponse_NullIDWhenMissing(t *testing.T) {
	data, err := json.Marshal(NewError(nil, CodeInvalidRequest, "bad"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"jsonrpc":"2.0","id":null,"error":{"code":-32600,"message":"bad"}}`, string(data))
}
