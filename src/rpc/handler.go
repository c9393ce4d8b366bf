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

// Package rpc is the JSON-RPC entry point of the agent. It validates the
// envelope, resolves the conversation's task and hands the turn to the
// orchestrator; it never mutates a task itself.
package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"docagent/src/logging"
	"docagent/src/model"
	"docagent/src/processor"
	"docagent/src/store"
)

const defaultMaxBodyBytes = 4 << 20

// TurnHandler runs one turn; *processor.Orchestrator implements it.
type TurnHandler interface {
	HandleTurn(ctx context.Context, turn processor.Turn) (processor.Outcome, error)
}

type Options struct {
	// AdoptUnknownContexts creates a task for a contextId the store has
	// never seen instead of rejecting it.
	AdoptUnknownContexts bool
	MaxBodyBytes         int64
}

type Handler struct {
	store *store.TaskStore
	turns TurnHandler
	opts  Options
}

func NewHandler(s *store.TaskStore, turns TurnHandler, opts Options) *Handler {
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = defaultMaxBodyBytes
	}
	return &Handler{store: s, turns: turns, opts: opts}
}

// rpcError is an envelope failure with its HTTP status.
type rpcError struct {
	status  int
	code    int
	message string
}

func (e *rpcError) Error() string { return e.message }

func envelopeError(status, code int, message string) *rpcError {
	return &rpcError{status: status, code: code, message: message}
}

var (
	errMethodNotAllowed = envelopeError(http.StatusMethodNotAllowed, model.CodeMethodNotFound, "Method not found")
	errParse            = envelopeError(http.StatusBadRequest, model.CodeParseError, "Parse error")
	errVersion          = envelopeError(http.StatusBadRequest, model.CodeInvalidRequest, "Invalid JSON-RPC version. Must be 2.0.")
	errUnknownMethod    = envelopeError(http.StatusBadRequest, model.CodeMethodNotFound, "Method not found")
	errParams           = envelopeError(http.StatusBadRequest, model.CodeInvalidParams, "Invalid params.")
	errParts            = envelopeError(http.StatusBadRequest, model.CodeInvalidParams, "Missing or invalid 'message.parts'.")
	errText             = envelopeError(http.StatusBadRequest, model.CodeInvalidParams, "Missing or invalid text content in message parts.")
	errWebhookURL       = envelopeError(http.StatusBadRequest, model.CodeInvalidParams, "Invalid 'pushNotificationConfig.url'.")
	errContextLost      = envelopeError(http.StatusNotFound, model.CodeContextLost, "Conversation context not found. Please start a new conversation.")
	errInternal         = envelopeError(http.StatusInternalServerError, model.CodeInternalError, "Internal error")
)

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, nil, errMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.opts.MaxBodyBytes))
	if err != nil {
		writeError(w, nil, envelopeError(http.StatusRequestEntityTooLarge, model.CodeInvalidRequest, "Request body too large"))
		return
	}
	var req model.Request
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, nil, errParse)
		return
	}
	if len(bytes.TrimSpace(req.ID)) == 0 {
		req.ID = nil
	}

	if req.JSONRPC != model.JSONRPCVersion {
		writeError(w, req.ID, errVersion)
		return
	}
	if req.Method != model.MethodMessageSend {
		writeError(w, req.ID, errUnknownMethod)
		return
	}

	result, rerr := h.messageSend(r.Context(), req)
	if rerr != nil {
		writeError(w, req.ID, rerr)
		return
	}
	writeJSON(w, http.StatusOK, model.NewResult(req.ID, result))
}

func (h *Handler) messageSend(ctx context.Context, req model.Request) (any, *rpcError) {
	var params model.MessageSendParams
	if len(req.Params) == 0 || json.Unmarshal(req.Params, &params) != nil {
		return nil, errParams
	}
	msg := params.Message
	if msg == nil || len(msg.Parts) == 0 {
		return nil, errParts
	}
	if msg.Text() == "" {
		return nil, errText
	}

	var webhook *model.WebhookConfig
	if params.Configuration != nil && params.Configuration.PushNotificationConfig != nil {
		webhook = params.Configuration.PushNotificationConfig
		if !validWebhookURL(webhook.URL) {
			return nil, errWebhookURL
		}
	}

	task, created, err := h.store.Resolve(msg.ContextID, h.opts.AdoptUnknownContexts)
	if errors.Is(err, store.ErrContextNotFound) {
		logging.LogContext(ctx, slog.LevelWarn, "unknown context", "context_id", msg.ContextID)
		return nil, errContextLost
	}
	if err != nil {
		logging.LogContext(ctx, slog.LevelError, "resolve context failed", "error", err)
		return nil, errInternal
	}
	trace.SpanFromContext(ctx).SetAttributes(
		attribute.String("task.id", task.ID),
		attribute.String("context.id", task.ContextID),
		attribute.Bool("task.created", created),
	)

	user := model.Message{
		Kind:      "message",
		Role:      model.RoleUser,
		Parts:     msg.Parts,
		MessageID: msg.MessageID,
	}
	if user.MessageID == "" {
		user.MessageID = uuid.NewString()
	}

	outcome, err := h.turns.HandleTurn(ctx, processor.Turn{
		RequestID: req.ID,
		TaskID:    task.ID,
		Message:   user,
		Webhook:   webhook,
	})
	switch {
	case errors.Is(err, store.ErrTaskNotFound):
		return nil, errContextLost
	case err != nil:
		logging.LogContext(ctx, slog.LevelError, "turn did not start", "task_id", task.ID, "error", err)
		return nil, errInternal
	}
	return outcome.Result, nil
}

func validWebhookURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

func writeError(w http.ResponseWriter, id json.RawMessage, e *rpcError) {
	writeJSON(w, e.status, model.NewError(id, e.code, e.message))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
