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
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"go.opentelemetry.io/otel/attribute"

	"docagent/src/logging"
	"docagent/src/model"
)

// Classifier labels a message as chat or a conversion request.
type Classifier interface {
	Classify(ctx context.Context, text string) (model.Intent, error)
}

// Responder produces the agent's conversational reply. The reply may embed
// the need-content marker.
type Responder interface {
	Respond(ctx context.Context, text string, seed model.ConversationSeed) (string, error)
}

// Phrases are the agent-authored texts the dispatcher and orchestrator need.
type Phrases struct {
	// Marker is the token a responder embeds when it needs the content to
	// convert.
	Marker string
	// ConversionAck acknowledges a classifier-detected conversion request.
	ConversionAck string
	// ContentRequest replaces a reply that was nothing but the marker.
	ContentRequest string
	// LargeContentInstruction asks the responder to acknowledge pasted
	// content. %s receives a snippet of it.
	LargeContentInstruction string
	DocumentReady           string
	// DocumentFailed and InternalError receive the error text via %s.
	DocumentFailed string
	InternalError  string
}

// PhraseSource returns the phrases in effect right now.
type PhraseSource interface {
	Phrases() Phrases
}

var ErrResponder = errors.New("responder failed")

type DecisionKind int

const (
	// Conversational produces a chat reply only.
	Conversational DecisionKind = iota
	// ConvertNow renders the message itself as a document.
	ConvertNow
	// AwaitingContent is a conversational turn on a task whose previous
	// reply asked for content that has not arrived yet.
	AwaitingContent
)

func (k DecisionKind) String() string {
	switch k {
	case ConvertNow:
		return "convert_now"
	case AwaitingContent:
		return "awaiting_content"
	}
	return "conversational"
}

// Decision is the outcome of dispatching one turn.
type Decision struct {
	Kind DecisionKind
	// Reply is the visible agent text with the marker removed.
	Reply string
	// NeedsContent is set when the reply carried the marker. It overrides
	// Kind: the turn moves toward input-required and nothing is rendered.
	NeedsContent bool
	// Reason records which tier decided: "size", "classifier" or "chat".
	Reason string
}

const snippetRunes = 100

// Dispatcher applies the three-tier dispatch policy:
//
//  1. a message of at least threshold characters converts, whatever the
//     classifier would say;
//  2. otherwise the classifier decides between conversion and chat;
//  3. a reply carrying the marker is stripped and flagged NeedsContent,
//     whichever way 1 and 2 went.
type Dispatcher struct {
	classifier    Classifier
	responder     Responder
	phrases       PhraseSource
	threshold     int
	historyWindow int
}

type DispatcherOptions struct {
	// Threshold is the message length, in characters, at which conversion
	// is automatic.
	Threshold int
	// HistoryWindow caps the number of prior messages passed to the
	// responder. Zero passes none.
	HistoryWindow int
}

func NewDispatcher(classifier Classifier, responder Responder, phrases PhraseSource, opts DispatcherOptions) *Dispatcher {
	return &Dispatcher{
		classifier:    classifier,
		responder:     responder,
		phrases:       phrases,
		threshold:     opts.Threshold,
		historyWindow: opts.HistoryWindow,
	}
}

// Decide dispatches text for a task. prior is the task as it was before
// this turn's user message was appended. Only a responder failure is
// returned as an error; classifier failures fall back to chat.
func (d *Dispatcher) Decide(ctx context.Context, prior model.Task, text string) (Decision, error) {
	ctx, span := logging.StartSpan(ctx, "dispatcher.decide")
	defer span.End()

	phrases := d.phrases.Phrases()
	awaiting := prior.AwaitingContent()
	var decision Decision

	switch {
	case utf8.RuneCountInString(text) >= d.threshold:
		decision = Decision{Kind: ConvertNow, Reason: "size"}
		instruction := fmt.Sprintf(phrases.LargeContentInstruction, snippet(text, snippetRunes))
		reply, err := d.responder.Respond(ctx, instruction, d.seed(prior, awaiting))
		if err != nil {
			return decision, fmt.Errorf("%w: %w", ErrResponder, err)
		}
		decision.Reply = reply

	case d.classify(ctx, text) == model.IntentConvert:
		decision = Decision{Kind: ConvertNow, Reason: "classifier", Reply: phrases.ConversionAck}

	default:
		decision = Decision{Kind: Conversational, Reason: "chat"}
		if awaiting {
			decision.Kind = AwaitingContent
		}
		reply, err := d.responder.Respond(ctx, text, d.seed(prior, awaiting))
		if err != nil {
			return decision, fmt.Errorf("%w: %w", ErrResponder, err)
		}
		decision.Reply = reply
	}

	if phrases.Marker != "" && strings.Contains(decision.Reply, phrases.Marker) {
		decision.Reply = strings.TrimSpace(strings.ReplaceAll(decision.Reply, phrases.Marker, ""))
		decision.NeedsContent = true
		if decision.Reply == "" {
			decision.Reply = phrases.ContentRequest
		}
	}

	span.SetAttributes(
		attribute.String("dispatch.kind", decision.Kind.String()),
		attribute.String("dispatch.reason", decision.Reason),
		attribute.Bool("dispatch.needs_content", decision.NeedsContent),
	)
	return decision, nil
}

func (d *Dispatcher) classify(ctx context.Context, text string) model.Intent {
	intent, err := d.classifier.Classify(ctx, text)
	if err != nil {
		logging.LogContext(ctx, slog.LevelWarn, "classifier failed, treating message as chat", "error", err)
		return model.IntentChat
	}
	return intent
}

func (d *Dispatcher) seed(prior model.Task, awaiting bool) model.ConversationSeed {
	seed := model.ConversationSeed{AwaitingContent: awaiting}
	if d.historyWindow <= 0 || len(prior.History) == 0 {
		return seed
	}
	start := len(prior.History) - d.historyWindow
	if start < 0 {
		start = 0
	}
	seed.History = prior.History[start:]
	return seed
}

// snippet returns the first n characters of s, with an ellipsis when cut.
func snippet(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n]) + "..."
}
