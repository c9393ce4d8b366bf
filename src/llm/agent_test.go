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

package llm

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ollama/ollama/api"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docagent/src/model"
)

type fakeChat struct {
	replies  []string
	err      error
	requests []*api.ChatRequest
}

func (f *fakeChat) Chat(_ context.Context, req *api.ChatRequest, fn api.ChatResponseFunc) error {
	f.requests = append(f.requests, req)
	if f.err != nil {
		return f.err
	}
	for _, r := range f.replies {
		if err := fn(api.ChatResponse{Message: api.Message{Role: "assistant", Content: r}}); err != nil {
			return err
		}
	}
	return nil
}

func newAgent(t *testing.T, client *fakeChat) *OllamaAgent {
	t.Helper()
	prompts, err := NewPromptSet("")
	require.NoError(t, err)
	return NewOllamaAgent(client, prompts, AgentOptions{Model: "llama3.2", ClassifierMaxTokens: 50, ResponderMaxTokens: 300})
}

func TestClassify(t *testing.T) {
	cases := []struct {
		reply string
		want  model.Intent
	}{
		{"pdf_conversion", model.IntentConvert},
		{"  PDF_CONVERSION\n", model.IntentConvert},
		{"chat", model.IntentChat},
		{"I think this is a greeting", model.IntentChat},
	}
	for _, tc := range cases {
		client := &fakeChat{replies: []string{tc.reply}}
		got, err := newAgent(t, client).Classify(context.Background(), "Make a PDF of these notes.")
		require.NoError(t, err)
		assert.Equal(t, tc.want, got, "reply %q", tc.reply)

		require.Len(t, client.requests, 1)
		req := client.requests[0]
		assert.Equal(t, "llama3.2", req.Model)
		require.NotNil(t, req.Stream)
		assert.False(t, *req.Stream)
		assert.Equal(t, 50, req.Options["num_predict"])
		assert.Contains(t, req.Messages[0].Content, `User input: "Make a PDF of these notes."`)
	}
}

func TestClassify_Error(t *testing.T) {
	client := &fakeChat{err: errors.New("connection refused")}
	_, err := newAgent(t, client).Classify(context.Background(), "hi")
	assert.Error(t, err)
}

func TestRespond_BuildsConversation(t *testing.T) {
	client := &fakeChat{replies: []string{"Hello", " there!"}}
	seed := model.ConversationSeed{
		History: []model.Message{
			{Role: model.RoleUser, Parts: []model.Part{model.TextPart("hi")}},
			{Role: model.RoleAgent, Parts: []model.Part{model.TextPart("hello!")}},
			{Role: model.RoleAgent, Parts: []model.Part{model.FilePart(model.FileRef{URI: "x"})}},
		},
		AwaitingContent: true,
	}
	reply, err := newAgent(t, client).Respond(context.Background(), "what now?", seed)
	require.NoError(t, err)
	assert.Equal(t, "Hello there!", reply)

	msgs := client.requests[0].Messages
	roles := make([]string, len(msgs))
	for i, m := range msgs {
		roles[i] = m.Role
	}
	assert.Equal(t, []string{"system", "assistant", "user", "assistant", "system", "user"}, roles)
	assert.Equal(t, "what now?", msgs[len(msgs)-1].Content)
	assert.Equal(t, 300, client.requests[0].Options["num_predict"])
}

func TestRespond_EmptyReply(t *testing.T) {
	client := &fakeChat{replies: []string{"   "}}
	_, err := newAgent(t, client).Respond(context.Background(), "hi", model.ConversationSeed{})
	assert.ErrorIs(t, err, ErrEmptyReply)
}

func TestDefaultPromptsAreValid(t *testing.T) {
	require.NoError(t, DefaultPrompts().Validate())
	assert.Contains(t, DefaultPrompts().Persona, DefaultPrompts().Marker)
}

func TestPromptsValidate_RequiresContentRequest(t *testing.T) {
	p := DefaultPrompts()
	p.ContentRequest = " "
	assert.ErrorContains(t, p.Validate(), "content_request")
}

func TestPhrases_CarryContentRequest(t *testing.T) {
	set, err := NewPromptSet("")
	require.NoError(t, err)
	assert.Equal(t, DefaultPrompts().ContentRequest, set.Phrases().ContentRequest)
}

func TestLoadPrompts_OverlaysDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prompts.yaml")
	require.NoError(t, os.WriteFile(path, []byte("marker: \"<<NEED>>\"\nconversion_ack: \"Converting!\"\n"), 0o600))

	p, err := LoadPrompts(path)
	require.NoError(t, err)
	assert.Equal(t, "<<NEED>>", p.Marker)
	assert.Equal(t, "Converting!", p.ConversionAck)
	assert.Equal(t, DefaultPrompts().DocumentReady, p.DocumentReady)
}

func TestLoadPrompts_RejectsBadTemplate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prompts.yaml")
	require.NoError(t, os.WriteFile(path, []byte("document_failed: \"no verb here\"\n"), 0o600))

	_, err := LoadPrompts(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "document_failed")
}

func TestPromptSet_PhrasesAndReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prompts.yaml")
	require.NoError(t, os.WriteFile(path, []byte("marker: \"[A]\"\n"), 0o600))

	set, err := NewPromptSet(path)
	require.NoError(t, err)
	assert.Equal(t, "[A]", set.Phrases().Marker)

	require.NoError(t, os.WriteFile(path, []byte("marker: \"[B]\"\n"), 0o600))
	require.NoError(t, set.Reload())
	assert.Equal(t, "[B]", set.Phrases().Marker)

	// a broken file keeps the previous prompts
	require.NoError(t, os.WriteFile(path, []byte("marker: [unterminated\n"), 0o600))
	assert.Error(t, set.Reload())
	assert.Equal(t, "[B]", set.Phrases().Marker)
}

func TestPromptSet_WatchReloadsOnWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prompts.yaml")
	require.NoError(t, os.WriteFile(path, []byte("marker: \"[A]\"\n"), 0o600))
	set, err := NewPromptSet(path)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- set.Watch(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	require.Eventually(t, func() bool {
		// rewrite until the watcher is registered and picks it up
		_ = os.WriteFile(path, []byte("marker: \"[C]\"\n"), 0o600)
		return set.Current().Marker == "[C]"
	}, 5*time.Second, 50*time.Millisecond)
}

func TestNewPromptSet_MissingFile(t *testing.T) {
	_, err := NewPromptSet(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "read prompts"))
}
