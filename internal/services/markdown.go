package services

import (
	"bytes"
	"fmt"
	"html/template"

	"github.com/yuin/goldmark"
	highlighting "github.com/yuin/goldmark-highlighting"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/renderer/html"
)

// Markdown renders message content to HTML. Raw HTML in the source is escaped.
type Markdown struct {
	md goldmark.Markdown
}

// NewMarkdown creates a renderer with GitHub flavored markdown and code highlighting in the given
// chroma style.
func NewMarkdown(style string) Markdown {
	if style == "" {
		style = "monokai"
	}
	return Markdown{
		md: goldmark.New(
			goldmark.WithExtensions(
				extension.GFM,
				highlighting.NewHighlighting(highlighting.WithStyle(style)),
			),
			goldmark.WithRendererOptions(html.WithHardWraps()),
		),
	}
}

// Render converts src to HTML.
func (m Markdown) Render(src string) (template.HTML, error) {
	var buf bytes.Buffer
	if err := m.md.Convert([]byte(src), &buf); err != nil {
		return "", fmt.Errorf("failed to render markdown: %w", err)
	}
	// goldmark escapes raw HTML unless html.WithUnsafe is set.
	return template.HTML(buf.String()), nil
}
