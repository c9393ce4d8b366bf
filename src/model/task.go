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
	"errors"
	"fmt"
	"time"
)

type TaskState string

const (
	TaskSubmitted     TaskState = "submitted"
	TaskWorking       TaskState = "working"
	TaskInputRequired TaskState = "input-required"
	TaskCompleted     TaskState = "completed"
	TaskFailed        TaskState = "failed"
)

// Terminal reports whether the state ends a turn.
func (s TaskState) Terminal() bool {
	switch s {
	case TaskInputRequired, TaskCompleted, TaskFailed:
		return true
	}
	return false
}

var ErrInvalidTransition = errors.New("invalid task state transition")

// allowed lists the legal successors of each state. A turn always enters
// working before it may end, and every terminal state re-enters working when
// the next turn arrives.
var allowed = map[TaskState][]TaskState{
	TaskSubmitted:     {TaskWorking},
	TaskWorking:       {TaskCompleted, TaskFailed, TaskInputRequired},
	TaskInputRequired: {TaskWorking},
	TaskCompleted:     {TaskWorking},
	TaskFailed:        {TaskWorking},
}

// CanTransition reports whether from -> to is part of the task automaton.
func CanTransition(from, to TaskState) bool {
	for _, s := range allowed[from] {
		if s == to {
			return true
		}
	}
	return false
}

// PendingInput describes what the next processing step acts on. It is a
// closed set: ChatInput, RenderInput or AwaitingContent.
type PendingInput interface {
	pendingKind() string
}

// ChatInput is a plain conversational turn.
type ChatInput struct {
	Text string
}

// RenderInput is text queued for document rendering.
type RenderInput struct {
	Text string
}

// AwaitingContent marks a conversation where the agent asked for the
// content to convert and has not received it yet.
type AwaitingContent struct{}

func (ChatInput) pendingKind() string       { return "chat" }
func (RenderInput) pendingKind() string     { return "render" }
func (AwaitingContent) pendingKind() string { return "awaiting_content" }

// PendingKind returns the wire name of a pending input, or "" for nil.
func PendingKind(p PendingInput) string {
	if p == nil {
		return ""
	}
	return p.pendingKind()
}

// Task is the server side record of one conversation.
//
// Lifecycle: submitted -> working -> completed | failed | input-required
//
//	completed | failed | input-required -> working (next turn)
type Task struct {
	ID        string         `json:"id"`
	ContextID string         `json:"contextId"`
	State     TaskState      `json:"state"`
	CreatedAt time.Time      `json:"createdAt"`
	UpdatedAt time.Time      `json:"updatedAt"`
	History   []Message      `json:"history"`
	Pending   PendingInput   `json:"-"`
	LastError string         `json:"lastError,omitempty"`
	Webhook   *WebhookConfig `json:"-"` // credentials never leave the process
}

// NewTask returns a task in the submitted state.
func NewTask(id, contextID string, now time.Time) *Task {
	return &Task{
		ID:        id,
		ContextID: contextID,
		State:     TaskSubmitted,
		CreatedAt: now,
		UpdatedAt: now,
		History:   []Message{},
	}
}

// Transition moves the task to a new state, refusing moves outside the
// automaton. lastError is cleared on every move except into failed.
func (t *Task) Transition(to TaskState, now time.Time) error {
	if !CanTransition(t.State, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, t.State, to)
	}
	t.State = to
	if to != TaskFailed {
		t.LastError = ""
	}
	t.UpdatedAt = now
	return nil
}

// Fail moves a working task to failed and records the reason.
func (t *Task) Fail(reason string, now time.Time) error {
	if err := t.Transition(TaskFailed, now); err != nil {
		return err
	}
	t.LastError = reason
	return nil
}

// Append adds one message to the history, stamping the task ids on it.
func (t *Task) Append(msg Message, now time.Time) {
	msg.TaskID = t.ID
	msg.ContextID = t.ContextID
	t.History = append(t.History, msg)
	t.UpdatedAt = now
}

// AwaitingContent reports whether the previous turn asked for content.
func (t *Task) AwaitingContent() bool {
	_, ok := t.Pending.(AwaitingContent)
	return ok
}

// Clone returns a deep copy that shares nothing mutable with t.
func (t *Task) Clone() Task {
	c := *t
	c.History = make([]Message, len(t.History))
	for i, m := range t.History {
		c.History[i] = m.Clone()
	}
	if t.Webhook != nil {
		w := t.Webhook.Clone()
		c.Webhook = &w
	}
	return c
}
