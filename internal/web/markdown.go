package web

import (
	"bytes"
	"html/template"
	"sync"

	"github.com/microcosm-cc/bluemonday"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/renderer/html"
)

var (
	markdownOnce   sync.Once
	markdownParser goldmark.Markdown
	markdownPolicy *bluemonday.Policy
)

// renderMarkdown converts turn content to sanitized HTML. Raw HTML in the
// source never reaches the page unsanitized.
func renderMarkdown(content string) template.HTML {
	markdownOnce.Do(func() {
		markdownParser = goldmark.New(
			goldmark.WithExtensions(extension.GFM),
			goldmark.WithRendererOptions(html.WithHardWraps()),
		)
		markdownPolicy = bluemonday.UGCPolicy()
		markdownPolicy.AllowAttrs("class").Matching(bluemonday.SpaceSeparatedTokens).OnElements("code")
	})

	var buf bytes.Buffer
	if err := markdownParser.Convert([]byte(content), &buf); err != nil {
		return template.HTML(template.HTMLEscapeString(content))
	}
	return template.HTML(markdownPolicy.SanitizeBytes(buf.Bytes()))
}
