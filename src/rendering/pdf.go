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

package rendering

import (
	"bytes"
	"context"
	"fmt"
	"strconv"

	"github.com/go-pdf/fpdf"
)

const (
	pageMargin  = 20.0
	bodySize    = 11.0
	lineHeight  = 6.0
	indentStep  = 7.0
	codeSize    = 9.5
	codeLineGap = 4.5
)

var headingSizes = map[int]float64{1: 20, 2: 16, 3: 14}

// Converter turns text into PDF bytes.
type Converter interface {
	Convert(ctx context.Context, text string) ([]byte, error)
}

// PDFConverter renders in process with fpdf core fonts.
type PDFConverter struct {
	Title  string
	Author string
}

func (c PDFConverter) Convert(ctx context.Context, input string) ([]byte, error) {
	blocks := Layout(input)
	if len(blocks) == 0 {
		return nil, fmt.Errorf("%w: nothing to render", ErrRenderFailed)
	}

	pdf := fpdf.New("P", "mm", "A4", "")
	pdf.SetMargins(pageMargin, pageMargin, pageMargin)
	pdf.SetAutoPageBreak(true, pageMargin)
	if c.Title != "" {
		pdf.SetTitle(c.Title, true)
	}
	if c.Author != "" {
		pdf.SetAuthor(c.Author, true)
	}
	pdf.AliasNbPages("")
	pdf.SetFooterFunc(func() {
		pdf.SetY(-12)
		pdf.SetFont("Helvetica", "I", 8)
		pdf.CellFormat(0, 6, strconv.Itoa(pdf.PageNo())+" / {nb}", "", 0, "C", false, 0, "")
	})
	pdf.AddPage()
	tr := pdf.UnicodeTranslatorFromDescriptor("")

	for i, b := range blocks {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if i > 0 {
			pdf.Ln(2)
		}
		switch b.Kind {
		case BlockHeading:
			size, ok := headingSizes[b.Level]
			if !ok {
				size = 12
			}
			pdf.SetFont("Helvetica", "B", size)
			pdf.Write(size*0.5, tr(b.Text()))
			pdf.Ln(size*0.5 + 1)

		case BlockBullet, BlockOrdered:
			indent := pageMargin + indentStep*float64(b.Level)
			marker := "•"
			if b.Kind == BlockOrdered {
				marker = strconv.Itoa(b.Number) + "."
			}
			pdf.SetFont("Helvetica", "", bodySize)
			pdf.SetX(indent - indentStep + 1)
			pdf.Write(lineHeight, tr(marker))
			pdf.SetLeftMargin(indent)
			pdf.SetX(indent)
			writeSpans(pdf, tr, b.Spans)
			pdf.SetLeftMargin(pageMargin)
			pdf.Ln(lineHeight)

		case BlockCode:
			pdf.SetFont("Courier", "", codeSize)
			pdf.SetFillColor(244, 244, 244)
			pdf.MultiCell(0, codeLineGap, tr(b.Text()), "", "L", true)

		default:
			writeSpans(pdf, tr, b.Spans)
			pdf.Ln(lineHeight)
		}
	}

	if err := pdf.Error(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRenderFailed, err)
	}
	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRenderFailed, err)
	}
	return buf.Bytes(), nil
}

func writeSpans(pdf *fpdf.Fpdf, tr func(string) string, spans []Span) {
	for _, s := range spans {
		family, style := "Helvetica", ""
		if s.Code {
			family = "Courier"
		}
		if s.Bold {
			style += "B"
		}
		if s.Italic {
			style += "I"
		}
		pdf.SetFont(family, style, bodySize)
		pdf.Write(lineHeight, tr(s.Text))
	}
}
