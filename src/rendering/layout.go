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
	"strings"
	"sync"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/text"
)

type BlockKind int

const (
	BlockParagraph BlockKind = iota
	BlockHeading
	BlockBullet
	BlockOrdered
	BlockCode
)

// Span is a run of text with one style.
type Span struct {
	Text   string
	Bold   bool
	Italic bool
	Code   bool
}

// Block is one vertical unit of a document.
type Block struct {
	Kind BlockKind
	// Level is the heading level, or the nesting depth of a list item
	// starting at 1.
	Level int
	// Number is the ordinal of an ordered list item.
	Number int
	Spans  []Span
}

// Text returns the block's spans joined without styling.
func (b Block) Text() string {
	var sb strings.Builder
	for _, s := range b.Spans {
		sb.WriteString(s.Text)
	}
	return sb.String()
}

var (
	parserOnce sync.Once
	parser     goldmark.Markdown
)

func markdownParser() goldmark.Markdown {
	parserOnce.Do(func() {
		parser = goldmark.New(goldmark.WithExtensions(extension.Strikethrough, extension.Linkify))
	})
	return parser
}

// Layout splits text into blocks. Plain prose is treated as markdown, so
// blank lines separate paragraphs, "* " and "- " start bullets and
// **text** is bold.
func Layout(input string) []Block {
	if strings.TrimSpace(input) == "" {
		return nil
	}
	source := []byte(input)
	doc := markdownParser().Parser().Parse(text.NewReader(source))

	l := &layouter{source: source}
	_ = ast.Walk(doc, l.walk)
	l.flush()
	return l.blocks
}

type list struct {
	ordered bool
	next    int
}

type layouter struct {
	source []byte
	blocks []Block

	current *Block
	item    *Block // list item waiting for its first paragraph
	lists   []list

	bold, italic int
}

func (l *layouter) walk(node ast.Node, entering bool) (ast.WalkStatus, error) {
	switch n := node.(type) {
	case *ast.Heading:
		if entering {
			l.start(Block{Kind: BlockHeading, Level: n.Level})
		} else {
			l.flush()
		}

	case *ast.Paragraph, *ast.TextBlock:
		if entering {
			if l.item != nil {
				l.current, l.item = l.item, nil
			} else {
				l.start(Block{Kind: BlockParagraph})
			}
		} else {
			l.flush()
		}

	case *ast.List:
		if entering {
			l.flush()
			l.lists = append(l.lists, list{ordered: n.IsOrdered(), next: n.Start})
		} else {
			l.lists = l.lists[:len(l.lists)-1]
		}

	case *ast.ListItem:
		if entering {
			l.flush()
			top := &l.lists[len(l.lists)-1]
			b := &Block{Kind: BlockBullet, Level: len(l.lists)}
			if top.ordered {
				b.Kind = BlockOrdered
				b.Number = top.next
				top.next++
			}
			l.item = b
		} else {
			l.item = nil
			l.flush()
		}

	case *ast.FencedCodeBlock, *ast.CodeBlock:
		if entering {
			l.flush()
			var sb strings.Builder
			lines := n.Lines()
			for i := 0; i < lines.Len(); i++ {
				seg := lines.At(i)
				sb.Write(seg.Value(l.source))
			}
			code := strings.TrimRight(sb.String(), "\n")
			if code != "" {
				l.blocks = append(l.blocks, Block{Kind: BlockCode, Spans: []Span{{Text: code, Code: true}}})
			}
			return ast.WalkSkipChildren, nil
		}

	case *ast.HTMLBlock, *ast.ThematicBreak:
		return ast.WalkSkipChildren, nil

	case *ast.Text:
		if entering {
			l.write(string(n.Segment.Value(l.source)), false)
			if n.SoftLineBreak() {
				l.write(" ", false)
			}
			if n.HardLineBreak() {
				l.write("\n", false)
			}
		}

	case *ast.String:
		if entering {
			l.write(string(n.Value), false)
		}

	case *ast.Emphasis:
		delta := 1
		if !entering {
			delta = -1
		}
		if n.Level >= 2 {
			l.bold += delta
		} else {
			l.italic += delta
		}

	case *ast.CodeSpan:
		if entering {
			var sb strings.Builder
			for c := n.FirstChild(); c != nil; c = c.NextSibling() {
				switch t := c.(type) {
				case *ast.Text:
					sb.Write(t.Segment.Value(l.source))
				case *ast.String:
					sb.Write(t.Value)
				}
			}
			l.write(sb.String(), true)
			return ast.WalkSkipChildren, nil
		}

	case *ast.AutoLink:
		if entering {
			l.write(string(n.URL(l.source)), false)
			return ast.WalkSkipChildren, nil
		}

	case *ast.RawHTML:
		return ast.WalkSkipChildren, nil
	}
	return ast.WalkContinue, nil
}

func (l *layouter) start(b Block) {
	l.flush()
	l.current = &b
}

func (l *layouter) flush() {
	if l.current == nil {
		return
	}
	b := *l.current
	l.current = nil
	if strings.TrimSpace(b.Text()) == "" {
		return
	}
	l.blocks = append(l.blocks, b)
}

// write appends text to the current block, merging it into the last span
// when the style matches.
func (l *layouter) write(s string, code bool) {
	if s == "" {
		return
	}
	if l.current == nil {
		if l.item != nil {
			l.current, l.item = l.item, nil
		} else {
			l.current = &Block{Kind: BlockParagraph}
		}
	}
	span := Span{Text: s, Bold: l.bold > 0, Italic: l.italic > 0, Code: code}
	spans := l.current.Spans
	if n := len(spans); n > 0 {
		last := &spans[n-1]
		if last.Bold == span.Bold && last.Italic == span.Italic && last.Code == span.Code {
			last.Text += s
			return
		}
	}
	l.current.Spans = append(spans, span)
}
