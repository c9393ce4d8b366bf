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

// Package llm implements the classifier and responder on a local Ollama
// model.
package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ollama/ollama/api"
	"go.opentelemetry.io/otel/attribute"

	"docagent/src/logging"
	"docagent/src/model"
)

var ErrEmptyReply = errors.New("model returned an empty reply")

type chatClient interface {
	Chat(ctx context.Context, req *api.ChatRequest, fn api.ChatResponseFunc) error
}

type AgentOptions struct {
	Model               string
	ClassifierMaxTokens int
	ResponderMaxTokens  int
}

// OllamaAgent is both processor.Classifier and processor.Responder.
type OllamaAgent struct {
	client  chatClient
	prompts *PromptSet
	opts    AgentOptions
}

// NewOllamaAgent wraps client, normally an *api.Client from
// api.ClientFromEnvironment.
func NewOllamaAgent(client chatClient, prompts *PromptSet, opts AgentOptions) *OllamaAgent {
	return &OllamaAgent{client: client, prompts: prompts, opts: opts}
}

// Classify asks the model for the intent of text. Anything other than a
// clear conversion label is chat.
func (a *OllamaAgent) Classify(ctx context.Context, text string) (model.Intent, error) {
	ctx, span := logging.StartSpan(ctx, "llm.classify")
	defer span.End()

	prompt := fmt.Sprintf(a.prompts.Current().Classifier, text)
	out, err := a.chat(ctx, []api.Message{{Role: "user", Content: prompt}}, a.opts.ClassifierMaxTokens)
	if err != nil {
		return model.IntentChat, err
	}
	intent := model.IntentChat
	if strings.Contains(strings.ToLower(out), string(model.IntentConvert)) {
		intent = model.IntentConvert
	}
	span.SetAttributes(attribute.String("llm.intent", string(intent)))
	return intent, nil
}

// Respond produces the persona's reply to text, with the seed's history as
// prior turns.
func (a *OllamaAgent) Respond(ctx context.Context, text string, seed model.ConversationSeed) (string, error) {
	ctx, span := logging.StartSpan(ctx, "llm.respond", attribute.Int("llm.history", len(seed.History)))
	defer span.End()

	p := a.prompts.Current()
	messages := []api.Message{
		{Role: "system", Content: p.Persona},
		{Role: "assistant", Content: p.Greeting},
	}
	for _, m := range seed.History {
		content := m.Text()
		if content == "" {
			continue
		}
		role := "user"
		if m.Role == model.RoleAgent {
			role = "assistant"
		}
		messages = append(messages, api.Message{Role: role, Content: content})
	}
	if seed.AwaitingContent && p.AwaitingContentNote != "" {
		messages = append(messages, api.Message{Role: "system", Content: p.AwaitingContentNote})
	}
	messages = append(messages, api.Message{Role: "user", Content: text})

	return a.chat(ctx, messages, a.opts.ResponderMaxTokens)
}

func (a *OllamaAgent) chat(ctx context.Context, messages []api.Message, maxTokens int) (string, error) {
	stream := false
	req := &api.ChatRequest{
		Model:    a.opts.Model,
		Messages: messages,
		Stream:   &stream,
	}
	if maxTokens > 0 {
		req.Options = map[string]any{"num_predict": maxTokens}
	}

	var out strings.Builder
	err := a.client.Chat(ctx, req, func(resp api.ChatResponse) error {
		out.WriteString(resp.Message.Content)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("ollama chat (%s): %w", a.opts.Model, err)
	}
	reply := strings.TrimSpace(out.String())
	if reply == "" {
		return "", ErrEmptyReply
	}
	return reply, nil
}
