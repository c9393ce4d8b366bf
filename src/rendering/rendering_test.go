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
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docagent/src/documents"
)

func TestLayout_ParagraphsSplitOnBlankLines(t *testing.T) {
	blocks := Layout("First paragraph\nstill first.\n\nSecond paragraph.")
	require.Len(t, blocks, 2)
	assert.Equal(t, BlockParagraph, blocks[0].Kind)
	assert.Equal(t, "First paragraph still first.", blocks[0].Text())
	assert.Equal(t, "Second paragraph.", blocks[1].Text())
}

func TestLayout_BulletsAndBold(t *testing.T) {
	blocks := Layout("Notes:\n\n* one **important** point\n- another point\n")
	require.Len(t, blocks, 3)

	assert.Equal(t, BlockParagraph, blocks[0].Kind)
	assert.Equal(t, BlockBullet, blocks[1].Kind)
	assert.Equal(t, 1, blocks[1].Level)
	assert.Equal(t, "one important point", blocks[1].Text())
	require.Len(t, blocks[1].Spans, 3)
	assert.False(t, blocks[1].Spans[0].Bold)
	assert.True(t, blocks[1].Spans[1].Bold)
	assert.Equal(t, "important", blocks[1].Spans[1].Text)

	// a different bullet character starts a new list at the same depth
	assert.Equal(t, BlockBullet, blocks[2].Kind)
	assert.Equal(t, "another point", blocks[2].Text())
}

func TestLayout_OrderedAndNested(t *testing.T) {
	blocks := Layout("3. three\n4. four\n   - nested\n")
	require.Len(t, blocks, 3)
	assert.Equal(t, BlockOrdered, blocks[0].Kind)
	assert.Equal(t, 3, blocks[0].Number)
	assert.Equal(t, 4, blocks[1].Number)
	assert.Equal(t, BlockBullet, blocks[2].Kind)
	assert.Equal(t, 2, blocks[2].Level)
	assert.Equal(t, "nested", blocks[2].Text())
}

func TestLayout_HeadingsAndCode(t *testing.T) {
	blocks := Layout("# Title\n\nUse `go test` here.\n\n```\nfunc main() {}\n```\n")
	require.Len(t, blocks, 3)
	assert.Equal(t, BlockHeading, blocks[0].Kind)
	assert.Equal(t, 1, blocks[0].Level)
	assert.Equal(t, "Title", blocks[0].Text())

	require.Len(t, blocks[1].Spans, 3)
	assert.True(t, blocks[1].Spans[1].Code)
	assert.Equal(t, "go test", blocks[1].Spans[1].Text)

	assert.Equal(t, BlockCode, blocks[2].Kind)
	assert.Equal(t, "func main() {}", blocks[2].Text())
}

func TestLayout_Empty(t *testing.T) {
	assert.Empty(t, Layout("   \n\n"))
}

func TestPDFConverter_ProducesPDF(t *testing.T) {
	text := "# Report\n\nBlockchain is a **distributed** ledger.\n\n* café\n* naïve\n\n1. first\n2. second\n\n```\ncode\n```"
	data, err := PDFConverter{Title: "Report"}.Convert(context.Background(), text)
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(data, []byte("%PDF-")))
	assert.True(t, bytes.Contains(data, []byte("%%EOF")))
}

func TestPDFConverter_LongTextPaginates(t *testing.T) {
	short, err := PDFConverter{}.Convert(context.Background(), "A short paragraph.")
	require.NoError(t, err)
	long, err := PDFConverter{}.Convert(context.Background(), strings.Repeat("A long paragraph of prose that keeps going.\n\n", 400))
	require.NoError(t, err)
	assert.Greater(t, len(long), len(short))
}

func TestPDFConverter_EmptyInput(t *testing.T) {
	_, err := PDFConverter{}.Convert(context.Background(), "  ")
	assert.ErrorIs(t, err, ErrRenderFailed)
}

type stubConverter struct {
	data []byte
	err  error
}

func (s stubConverter) Convert(context.Context, string) ([]byte, error) { return s.data, s.err }

func TestPublisher_StoresAndReturnsLocation(t *testing.T) {
	store := documents.NewMemoryStore()
	p := NewPublisher(stubConverter{data: []byte("%PDF-1.3 x")}, store, "https://agent.example.com/")

	ref, err := p.Render(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, "document.pdf", ref.Name)
	assert.Equal(t, "application/pdf", ref.MimeType)
	id := documents.ContentID([]byte("%PDF-1.3 x"))
	assert.Equal(t, "https://agent.example.com/documents/"+id, ref.URI)

	doc, err := store.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, []byte("%PDF-1.3 x"), doc.Data)
}

func TestPublisher_WrapsConverterErrors(t *testing.T) {
	p := NewPublisher(stubConverter{err: errors.New("pandoc exited 43")}, documents.NewMemoryStore(), "")
	_, err := p.Render(context.Background(), "hello")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRenderFailed)
	assert.Contains(t, err.Error(), "pandoc exited 43")
}
