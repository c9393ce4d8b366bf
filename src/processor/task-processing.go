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

	"go.opentelemetry.io/otel/attribute"

	"docagent/src/logging"
	"docagent/src/model"
	"docagent/src/store"
)

const documentArtifactName = "document.pdf"

// followUp is the copy of a turn's inputs handed to its detached
// continuation. It shares nothing with the request that spawned it.
type followUp struct {
	requestID json.RawMessage
	taskID    string
	contextID string
	text      string
	reply     model.Message
	webhook   *model.WebhookConfig
}

func newFollowUp(turn Turn, settled model.Task, reply model.Message, text string) followUp {
	return followUp{
		requestID: append(json.RawMessage(nil), turn.RequestID...),
		taskID:    settled.ID,
		contextID: settled.ContextID,
		text:      text,
		reply:     reply.Clone(),
		webhook:   settled.Webhook,
	}
}

type followUpFunc func(ctx context.Context, lease *store.Lease, job followUp) model.TaskResult

// outbox keeps a task's webhook deliveries in turn order. A slot is taken
// while the turn lease is still held; the delivery itself waits for the
// slot before it.
type outbox struct {
	mu    sync.Mutex
	tails map[string]chan struct{}
}

// reserve returns the channel closed when the previous delivery for taskID
// is done (nil if there is none) and the channel this delivery closes.
func (b *outbox) reserve(taskID string) (prev <-chan struct{}, done chan struct{}) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.tails == nil {
		b.tails = make(map[string]chan struct{})
	}
	if tail, ok := b.tails[taskID]; ok {
		prev = tail
	}
	done = make(chan struct{})
	b.tails[taskID] = done
	return prev, done
}

func (b *outbox) finish(taskID string, done chan struct{}) {
	b.mu.Lock()
	if b.tails[taskID] == done {
		delete(b.tails, taskID)
	}
	b.mu.Unlock()
	close(done)
}

// spawn runs fn detached from the request. The lease is owned by the
// follow-up from here on and released once fn has settled the task, before
// the webhook goes out.
func (o *Orchestrator) spawn(parent context.Context, name string, lease *store.Lease, job followUp, fn followUpFunc) {
	ctx := context.WithoutCancel(parent)
	o.followUps.Add(1)
	o.stats.UpdateStats(logging.StatsDelta{FollowUps: 1})

	var prev <-chan struct{}
	var slot chan struct{}
	if job.webhook != nil {
		prev, slot = o.deliveries.reserve(job.taskID)
	}

	go func() {
		defer o.followUps.Done()
		defer o.stats.UpdateStats(logging.StatsDelta{FollowUps: -1})

		ctx, span := logging.StartSpan(ctx, name, attribute.String("task.id", job.taskID))
		defer span.End()

		result := o.settle(ctx, lease, job, fn)
		lease.Release()
		span.SetAttributes(attribute.String("task.state", string(result.Status.State)))

		if slot != nil {
			defer o.deliveries.finish(job.taskID, slot)
			if prev != nil {
				<-prev
			}
			o.deliver(ctx, *job.webhook, model.NewResult(job.requestID, result))
		}
	}()
}

func (o *Orchestrator) settle(ctx context.Context, lease *store.Lease, job followUp, fn followUpFunc) (result model.TaskResult) {
	defer func() {
		if r := recover(); r != nil {
			logging.LogContext(ctx, slog.LevelError, "follow-up panicked", "task_id", job.taskID, "panic", r)
			reason := fmt.Sprint(r)
			result = o.settleFailed(ctx, lease, fmt.Sprintf(o.phrases.Phrases().InternalError, reason), reason)
		}
	}()
	return fn(ctx, lease, job)
}

// convert renders the queued text and settles the task completed or failed.
func (o *Orchestrator) convert(ctx context.Context, lease *store.Lease, job followUp) model.TaskResult {
	phrases := o.phrases.Phrases()

	start := time.Now()
	ref, err := o.renderer.Render(ctx, job.text)
	logging.UpdateSpanValue(ctx, "render.seconds", time.Since(start).Seconds())
	if err != nil {
		logging.LogContext(ctx, slog.LevelError, "render failed", "task_id", job.taskID, "error", err)
		o.stats.UpdateStats(logging.StatsDelta{ConversionsFailed: 1})
		logging.IncrementCounter(ctx, logging.MetricConversionsFailed, 1)
		return o.settleFailed(ctx, lease, fmt.Sprintf(phrases.DocumentFailed, err.Error()), err.Error())
	}

	msg := model.NewAgentMessage(o.newID(), model.TextPart(phrases.DocumentReady), model.FilePart(ref))
	var settled model.Task
	err = lease.Mutate(func(t *model.Task, now time.Time) error {
		if err := t.Transition(model.TaskCompleted, now); err != nil {
			return err
		}
		t.Append(msg, now)
		t.Pending = nil
		settled = t.Clone()
		return nil
	})
	if err != nil {
		return o.settleFailed(ctx, lease, fmt.Sprintf(phrases.InternalError, err.Error()), err.Error())
	}

	o.stats.UpdateStats(logging.StatsDelta{ConversionsSucceeded: 1})
	logging.IncrementCounter(ctx, logging.MetricConversionsSucceeded, 1)
	logging.LogContext(ctx, slog.LevelInfo, "document rendered", "task_id", job.taskID, "uri", ref.URI)

	artifact := model.Artifact{
		ArtifactID: o.newID(),
		Name:       documentArtifactName,
		Parts:      []model.Part{model.TextPart(phrases.DocumentReady), model.FilePart(ref)},
	}
	return o.taskResult(settled, model.TaskCompleted, &msg, []model.Artifact{artifact})
}

// requireInput moves a task whose reply asked for content to input-required.
func (o *Orchestrator) requireInput(ctx context.Context, lease *store.Lease, job followUp) model.TaskResult {
	var settled model.Task
	err := lease.Mutate(func(t *model.Task, now time.Time) error {
		if err := t.Transition(model.TaskInputRequired, now); err != nil {
			return err
		}
		settled = t.Clone()
		return nil
	})
	if err != nil {
		return o.settleFailed(ctx, lease, fmt.Sprintf(o.phrases.Phrases().InternalError, err.Error()), err.Error())
	}
	return o.taskResult(settled, model.TaskInputRequired, &job.reply, nil)
}

// settleFailed appends text as an agent message and fails the task if it is
// still working. It never leaves the task in working.
func (o *Orchestrator) settleFailed(ctx context.Context, lease *store.Lease, text, reason string) model.TaskResult {
	o.stats.UpdateStats(logging.StatsDelta{TurnsFailed: 1})
	logging.IncrementCounter(ctx, logging.MetricTurnsFailed, 1)

	msg := model.NewAgentMessage(o.newID(), model.TextPart(text))
	var settled model.Task
	err := lease.Mutate(func(t *model.Task, now time.Time) error {
		t.Append(msg, now)
		t.Pending = nil
		if t.State == model.TaskWorking {
			if err := t.Fail(reason, now); err != nil {
				return err
			}
		}
		settled = t.Clone()
		return nil
	})
	if err != nil {
		logging.LogContext(ctx, slog.LevelError, "could not record failed follow-up", "task_id", lease.TaskID(), "error", err)
		settled = lease.Task()
	}
	return o.taskResult(settled, model.TaskFailed, &msg, nil)
}

// deliver makes the single webhook attempt. Failures are logged and counted,
// never retried.
func (o *Orchestrator) deliver(ctx context.Context, cfg model.WebhookConfig, payload model.Response) {
	if o.notifier == nil {
		return
	}
	if err := o.notify(ctx, cfg, payload); err != nil {
		logging.LogContext(ctx, slog.LevelWarn, "webhook delivery failed", "url", cfg.URL, "error", err)
		o.stats.UpdateStats(logging.StatsDelta{WebhooksFailed: 1})
		logging.IncrementCounter(ctx, logging.MetricWebhooksFailed, 1)
		return
	}
	o.stats.UpdateStats(logging.StatsDelta{WebhooksDelivered: 1})
	logging.IncrementCounter(ctx, logging.MetricWebhooksDelivered, 1)
}

func (o *Orchestrator) notify(ctx context.Context, cfg model.WebhookConfig, payload model.Response) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("notifier panicked: %v", r)
		}
	}()
	return o.notifier.Notify(ctx, cfg, payload)
}
