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

// Package rendering turns conversation text into fetchable PDF documents.
package rendering

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"docagent/src/documents"
	"docagent/src/logging"
	"docagent/src/model"
)

const (
	DocumentName = "document.pdf"
	PDFMimeType  = "application/pdf"
)

var ErrRenderFailed = errors.New("render failed")

// Publisher converts text and stores the result, returning a location the
// caller can fetch. It is the orchestrator's renderer.
type Publisher struct {
	converter Converter
	store     documents.Store
	baseURL   string
}

// NewPublisher serves documents under baseURL + "/documents/{id}".
func NewPublisher(converter Converter, store documents.Store, baseURL string) *Publisher {
	return &Publisher{
		converter: converter,
		store:     store,
		baseURL:   strings.TrimRight(baseURL, "/"),
	}
}

func (p *Publisher) Render(ctx context.Context, text string) (model.FileRef, error) {
	ctx, span := logging.StartSpan(ctx, "rendering.publish", attribute.Int("render.input_chars", len(text)))
	defer span.End()

	start := time.Now()
	data, err := p.converter.Convert(ctx, text)
	if err != nil {
		if errors.Is(err, ErrRenderFailed) {
			return model.FileRef{}, err
		}
		return model.FileRef{}, fmt.Errorf("%w: %w", ErrRenderFailed, err)
	}
	doc, err := p.store.Put(ctx, documents.Document{Name: DocumentName, MimeType: PDFMimeType, Data: data})
	if err != nil {
		return model.FileRef{}, fmt.Errorf("%w: %w", ErrRenderFailed, err)
	}

	span.SetAttributes(attribute.Int("render.output_bytes", len(data)), attribute.String("document.id", doc.ID))
	logging.LogContext(ctx, slog.LevelInfo, "document published",
		"document_id", doc.ID, "bytes", len(data), "elapsed", time.Since(start).String())

	return model.FileRef{
		Name:     DocumentName,
		MimeType: PDFMimeType,
		URI:      p.baseURL + "/documents/" + doc.ID,
	}, nil
}
