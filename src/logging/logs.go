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

package logging

import (
	"context"
	"log/slog"
	"sync"

	"go.opentelemetry.io/contrib/bridges/otelslog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "go.opentelemetry.io/otel/docagent/agent"

var (
	meter  = otel.Meter(instrumentationName)
	logger = otelslog.NewLogger(instrumentationName)
	tracer = otel.Tracer(instrumentationName)

	counters sync.Map // name -> metric.Float64Counter
)

// Metric names used across the agent.
const (
	MetricTurns                = "agent_turns_total"
	MetricTurnsFailed          = "agent_turns_failed"
	MetricConversionsSucceeded = "agent_conversions_succeeded"
	MetricConversionsFailed    = "agent_conversions_failed"
	MetricWebhooksDelivered    = "agent_webhooks_delivered"
	MetricWebhooksFailed       = "agent_webhooks_failed"
)

func Log(content string, level slog.Level) {
	logger.Log(context.Background(), level, content)
}

// LogContext logs with the span in ctx attached, plus key/value args.
func LogContext(ctx context.Context, level slog.Level, msg string, args ...any) {
	logger.Log(ctx, level, msg, args...)
}

func InitializeFloatCounter(name, description, unit string) (metric.Float64Counter, error) {
	counter, err := meter.Float64Counter(name,
		metric.WithDescription(description),
		metric.WithUnit(unit))
	if err != nil {
		Log("Failed to create metric: "+err.Error(), slog.LevelError)
		return nil, err
	}
	counters.Store(name, counter)
	return counter, nil
}

// InitializeAgentCounters registers every counter the agent increments.
func InitializeAgentCounters() error {
	defs := []struct{ name, description, unit string }{
		{MetricTurns, "Total number of turns handled by the agent", "Turn"},
		{MetricTurnsFailed, "Number of turns that ended failed", "Turn"},
		{MetricConversionsSucceeded, "Number of documents rendered", "Document"},
		{MetricConversionsFailed, "Number of failed document renders", "Document"},
		{MetricWebhooksDelivered, "Number of webhook notifications delivered", "Notification"},
		{MetricWebhooksFailed, "Number of webhook notifications that failed", "Notification"},
	}
	for _, d := range defs {
		if _, err := InitializeFloatCounter(d.name, d.description, d.unit); err != nil {
			return err
		}
	}
	return nil
}

// IncrementCounter adds value to a registered counter. Unknown names are
// ignored so callers never fail on telemetry.
func IncrementCounter(ctx context.Context, name string, value float64, attrs ...attribute.KeyValue) {
	c, ok := counters.Load(name)
	if !ok {
		return
	}
	c.(metric.Float64Counter).Add(ctx, value, metric.WithAttributes(attrs...))
}

func UpdateSpanValue(ctx context.Context, key string, value float64) {
	span := trace.SpanFromContext(ctx)
	span.SetAttributes(attribute.Float64(key, value))
}

// StartSpan opens a span on the agent tracer.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}
