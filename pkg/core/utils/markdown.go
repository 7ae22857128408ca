package utils

import (
	"bytes"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

// LastHeading returns the text of the last line starting with "#", with inline markup
// removed, or "". A missing space after the marker still counts; setext underlines do not.
func LastHeading(md string) string {
	lines := strings.Split(md, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if !strings.HasPrefix(line, "#") {
			continue
		}
		body := strings.TrimSpace(strings.TrimLeft(line, "#"))
		if body == "" {
			continue
		}
		return strings.TrimSpace(PlainText(body))
	}
	return ""
}

// PlainText flattens a markdown document to its visible text, one block per line.
func PlainText(md string) string {
	source := []byte(md)
	doc := goldmark.DefaultParser().Parse(text.NewReader(source))

	var b strings.Builder
	for n := doc.FirstChild(); n != nil; n = n.NextSibling() {
		var line string
		if n.Kind() == ast.KindHTMLBlock || n.Kind() == ast.KindFencedCodeBlock || n.Kind() == ast.KindCodeBlock {
			line = blockLines(n, source)
		} else {
			line = nodeText(n, source)
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		b.WriteString(line)
		b.WriteByte('\n')
	}
	return b.String()
}

func nodeText(n ast.Node, source []byte) string {
	var buf bytes.Buffer
	_ = ast.Walk(n, func(c ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		switch t := c.(type) {
		case *ast.Text:
			buf.Write(t.Segment.Value(source))
			if t.SoftLineBreak() || t.HardLineBreak() {
				buf.WriteByte('\n')
			}
		case *ast.String:
			buf.Write(t.Value)
		case *ast.CodeSpan:
			for ch := t.FirstChild(); ch != nil; ch = ch.NextSibling() {
				if tx, ok := ch.(*ast.Text); ok {
					buf.Write(tx.Segment.Value(source))
				}
			}
			return ast.WalkSkipChildren, nil
		}
		if c.Type() == ast.TypeBlock && c != n && buf.Len() > 0 {
			buf.WriteByte('\n')
		}
		return ast.WalkContinue, nil
	})
	return buf.String()
}

func blockLines(n ast.Node, source []byte) string {
	var buf bytes.Buffer
	lines := n.Lines()
	for i := 0; i < lines.Len(); i++ {
		seg := lines.At(i)
		buf.Write(seg.Value(source))
	}
	return buf.String()
}
