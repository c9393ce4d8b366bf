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

package notifier

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docagent/src/model"
)

func samplePayload() model.Response {
	return model.NewResult(json.RawMessage(`7`), model.TaskResult{
		Kind:      "task",
		ID:        "task-1",
		ContextID: "ctx-1",
		Status:    model.TaskStatus{State: model.TaskCompleted},
		Artifacts: []model.Artifact{},
	})
}

func TestNotify_PostsEnvelopeWithHeaders(t *testing.T) {
	var got struct {
		header http.Header
		body   []byte
		method string
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got.header = r.Header.Clone()
		got.method = r.Method
		got.body, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	cfg := model.WebhookConfig{
		URL:            srv.URL,
		Token:          "secret-token",
		Authentication: &model.WebhookAuth{Schemes: []string{"TelexApiKey"}, Credentials: "api-key"},
	}
	err := New().Notify(context.Background(), cfg, samplePayload())
	require.NoError(t, err)

	assert.Equal(t, http.MethodPost, got.method)
	assert.Equal(t, "application/json", got.header.Get("Content-Type"))
	assert.Equal(t, "api-key", got.header.Get("X-TELEX-API-KEY"))
	assert.Equal(t, "Bearer secret-token", got.header.Get("Authorization"))

	var envelope map[string]any
	require.NoError(t, json.Unmarshal(got.body, &envelope))
	assert.Equal(t, "2.0", envelope["jsonrpc"])
	assert.EqualValues(t, 7, envelope["id"])
	result := envelope["result"].(map[string]any)
	assert.Equal(t, "task", result["kind"])
	assert.Equal(t, "completed", result["status"].(map[string]any)["state"])
}

func TestNotify_CustomCredentialHeaderAndNoToken(t *testing.T) {
	var header http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header = r.Header.Clone()
	}))
	defer srv.Close()

	cfg := model.WebhookConfig{URL: srv.URL, Authentication: &model.WebhookAuth{Credentials: "k"}}
	err := New(WithCredentialHeader("X-Api-Key")).Notify(context.Background(), cfg, samplePayload())
	require.NoError(t, err)
	assert.Equal(t, "k", header.Get("X-Api-Key"))
	assert.Empty(t, header.Get("X-TELEX-API-KEY"))
	assert.Empty(t, header.Get("Authorization"))
}

func TestNotify_NonSuccessStatusIsError(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	err := New().Notify(context.Background(), model.WebhookConfig{URL: srv.URL}, samplePayload())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "500")
	assert.Equal(t, 1, calls, "delivery is never retried")
}

func TestNotify_TimesOut(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	start := time.Now()
	err := New(WithTimeout(50*time.Millisecond)).Notify(context.Background(), model.WebhookConfig{URL: srv.URL}, samplePayload())
	require.Error(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestNotify_MissingURL(t *testing.T) {
	err := New().Notify(context.Background(), model.WebhookConfig{}, samplePayload())
	assert.Error(t, err)
}
