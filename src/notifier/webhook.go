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

// Package notifier delivers asynchronous turn results to caller webhooks.
//
// Delivery is at most once: one POST, bounded by a timeout, never retried.
// A caller that needs every result must poll the task instead.
package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/attribute"

	"docagent/src/logging"
	"docagent/src/model"
)

const (
	DefaultTimeout          = 15 * time.Second
	DefaultCredentialHeader = "X-TELEX-API-KEY"
)

// Webhook posts JSON-RPC envelopes to webhook URLs.
type Webhook struct {
	client           *http.Client
	timeout          time.Duration
	credentialHeader string
}

type Option func(*Webhook)

func WithTimeout(d time.Duration) Option {
	return func(w *Webhook) { w.timeout = d }
}

// WithCredentialHeader sets the header that carries the webhook's API key.
func WithCredentialHeader(name string) Option {
	return func(w *Webhook) { w.credentialHeader = name }
}

func New(opts ...Option) *Webhook {
	w := &Webhook{
		client:           &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)},
		timeout:          DefaultTimeout,
		credentialHeader: DefaultCredentialHeader,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Notify makes the single delivery attempt. Any non-2xx status is an error.
func (w *Webhook) Notify(ctx context.Context, cfg model.WebhookConfig, payload model.Response) error {
	if cfg.URL == "" {
		return fmt.Errorf("webhook has no url")
	}
	ctx, span := logging.StartSpan(ctx, "webhook.notify", attribute.String("webhook.url", cfg.URL))
	defer span.End()

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode webhook payload: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if key := cfg.Credentials(); key != "" && w.credentialHeader != "" {
		req.Header.Set(w.credentialHeader, key)
	}
	if cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+cfg.Token)
	}

	start := time.Now()
	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook responded %s", resp.Status)
	}
	logging.LogContext(ctx, slog.LevelInfo, "webhook delivered",
		"url", cfg.URL, "status", resp.StatusCode, "elapsed", time.Since(start).String())
	return nil
}
