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

package processor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"docagent/src/logging"
	"docagent/src/model"
	"docagent/src/store"
)

// Renderer turns text into a durable, fetchable document.
type Renderer interface {
	Render(ctx context.Context, text string) (model.FileRef, error)
}

// Notifier delivers a result to a caller-registered webhook.
type Notifier interface {
	Notify(ctx context.Context, cfg model.WebhookConfig, payload model.Response) error
}

// Turn is one inbound user message addressed to an existing task.
type Turn struct {
	RequestID json.RawMessage
	TaskID    string
	Message   model.Message
	Webhook   *model.WebhookConfig
}

// Outcome is the immediate response to a turn. Result is either a
// model.MessageResult or a model.TaskResult.
type Outcome struct {
	Result   any
	State    model.TaskState
	FollowUp bool
}

// Orchestrator is the single writer of task state. Every turn runs under the
// task's turn lease; when a turn needs background work the lease is handed
// to a detached follow-up, which releases it once its mutation is done.
type Orchestrator struct {
	store      *store.TaskStore
	dispatcher *Dispatcher
	renderer   Renderer
	notifier   Notifier
	phrases    PhraseSource
	stats      *logging.AgentStats
	newID      func() string

	followUps  sync.WaitGroup
	deliveries outbox
}

type Option func(*Orchestrator)

// WithMessageIDs overrides the generator for agent message ids.
func WithMessageIDs(gen func() string) Option {
	return func(o *Orchestrator) { o.newID = gen }
}

// WithStats reports counters to an AgentStats.
func WithStats(stats *logging.AgentStats) Option {
	return func(o *Orchestrator) { o.stats = stats }
}

func NewOrchestrator(s *store.TaskStore, d *Dispatcher, r Renderer, n Notifier, p PhraseSource, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:      s,
		dispatcher: d,
		renderer:   r,
		notifier:   n,
		phrases:    p,
		newID:      uuid.NewString,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.stats == nil {
		o.stats = logging.NewAgentStats("")
	}
	return o
}

// HandleTurn runs one turn and returns its immediate response. Collaborator
// failures become failed turns, not errors; an error means the turn could
// not start (unknown task, or ctx ended while waiting for an earlier turn).
func (o *Orchestrator) HandleTurn(ctx context.Context, turn Turn) (Outcome, error) {
	ctx, span := logging.StartSpan(ctx, "orchestrator.turn", attribute.String("task.id", turn.TaskID))
	defer span.End()

	lease, err := o.store.Acquire(ctx, turn.TaskID)
	if err != nil {
		return Outcome{}, err
	}
	handedOff := false
	defer func() {
		if !handedOff {
			lease.Release()
		}
	}()

	prior := lease.Task()
	userMessage := turn.Message
	userMessage.Kind = "message"
	userMessage.Role = model.RoleUser

	err = lease.Mutate(func(t *model.Task, now time.Time) error {
		if t.State != model.TaskSubmitted && !t.State.Terminal() {
			// an earlier turn died before settling; close it out
			if err := t.Fail("previous turn was interrupted", now); err != nil {
				return err
			}
		}
		if turn.Webhook != nil {
			w := turn.Webhook.Clone()
			t.Webhook = &w
		}
		t.Append(userMessage, now)
		return t.Transition(model.TaskWorking, now)
	})
	if err != nil {
		return Outcome{}, fmt.Errorf("start turn on task %s: %w", turn.TaskID, err)
	}
	o.stats.UpdateStats(logging.StatsDelta{Turns: 1})
	logging.IncrementCounter(ctx, logging.MetricTurns, 1)

	text := userMessage.Text()
	decision, err := o.dispatcher.Decide(ctx, prior, text)
	if err != nil {
		return o.failTurn(ctx, lease, err), nil
	}
	span.SetAttributes(attribute.String("dispatch.kind", decision.Kind.String()))

	reply := model.NewAgentMessage(o.newID(), model.TextPart(decision.Reply))

	switch {
	case decision.NeedsContent:
		settled, err := o.appendReply(lease, reply, model.AwaitingContent{}, "")
		if err != nil {
			return o.failTurn(ctx, lease, err), nil
		}
		handedOff = true
		o.spawn(ctx, "follow_up.input_required", lease, newFollowUp(turn, settled, reply, ""), o.requireInput)
		return Outcome{Result: o.messageResult(settled, reply), State: model.TaskWorking, FollowUp: true}, nil

	case decision.Kind == ConvertNow:
		settled, err := o.appendReply(lease, reply, model.RenderInput{Text: text}, "")
		if err != nil {
			return o.failTurn(ctx, lease, err), nil
		}
		handedOff = true
		o.spawn(ctx, "follow_up.render", lease, newFollowUp(turn, settled, reply, text), o.convert)
		return Outcome{Result: o.taskResult(settled, model.TaskWorking, &reply, nil), State: model.TaskWorking, FollowUp: true}, nil

	default:
		var pending model.PendingInput = model.ChatInput{Text: text}
		if decision.Kind == AwaitingContent {
			pending = model.AwaitingContent{}
		}
		settled, err := o.appendReply(lease, reply, pending, model.TaskCompleted)
		if err != nil {
			return o.failTurn(ctx, lease, err), nil
		}
		return Outcome{Result: o.messageResult(settled, reply), State: model.TaskCompleted}, nil
	}
}

// Wait blocks until every detached follow-up has finished or ctx ends.
func (o *Orchestrator) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		o.followUps.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// appendReply records the agent reply and the next pending input. An empty
// end state leaves the task working for a follow-up to settle.
func (o *Orchestrator) appendReply(lease *store.Lease, reply model.Message, pending model.PendingInput, end model.TaskState) (model.Task, error) {
	var settled model.Task
	err := lease.Mutate(func(t *model.Task, now time.Time) error {
		if end != "" {
			if err := t.Transition(end, now); err != nil {
				return err
			}
		}
		t.Append(reply, now)
		t.Pending = pending
		settled = t.Clone()
		return nil
	})
	return settled, err
}

// failTurn closes a turn whose synchronous part failed. The caller still
// gets a well-formed chat reply explaining the failure.
func (o *Orchestrator) failTurn(ctx context.Context, lease *store.Lease, cause error) Outcome {
	logging.LogContext(ctx, slog.LevelError, "turn failed", "task_id", lease.TaskID(), "error", cause)
	o.stats.UpdateStats(logging.StatsDelta{TurnsFailed: 1})
	logging.IncrementCounter(ctx, logging.MetricTurnsFailed, 1)

	reason := cause.Error()
	msg := model.NewAgentMessage(o.newID(), model.TextPart(fmt.Sprintf(o.phrases.Phrases().InternalError, reason)))

	var settled model.Task
	err := lease.Mutate(func(t *model.Task, now time.Time) error {
		t.Append(msg, now)
		if t.State == model.TaskWorking {
			if err := t.Fail(reason, now); err != nil {
				return err
			}
		}
		settled = t.Clone()
		return nil
	})
	if err != nil {
		logging.LogContext(ctx, slog.LevelError, "could not record failed turn", "task_id", lease.TaskID(), "error", err)
		settled = lease.Task()
	}
	return Outcome{Result: o.messageResult(settled, msg), State: model.TaskFailed}
}

func (o *Orchestrator) messageResult(t model.Task, msg model.Message) model.MessageResult {
	msg.TaskID = t.ID
	msg.ContextID = t.ContextID
	return model.MessageResult{
		Message: msg,
		Status:  model.TaskStatus{State: t.State, Timestamp: t.UpdatedAt},
	}
}

func (o *Orchestrator) taskResult(t model.Task, state model.TaskState, msg *model.Message, artifacts []model.Artifact) model.TaskResult {
	if msg != nil {
		m := msg.Clone()
		m.TaskID = t.ID
		m.ContextID = t.ContextID
		msg = &m
	}
	if artifacts == nil {
		artifacts = []model.Artifact{}
	}
	return model.TaskResult{
		Kind:      "task",
		ID:        t.ID,
		ContextID: t.ContextID,
		Status:    model.TaskStatus{State: state, Message: msg, Timestamp: o.store.Now()},
		Artifacts: artifacts,
	}
}
