package chatbot

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/glamour"
)

// Terminal rendering styles
const (
	StylePlain = "notty"
	StyleDark  = "dark"
	StyleLight = "light"
)

const defaultWrap = 80

// markdownRenderer formats turn content for a terminal
type markdownRenderer struct {
	renderer *glamour.TermRenderer
}

func newMarkdownRenderer(style string, width int) (*markdownRenderer, error) {
	if style == "" {
		style = StylePlain
	}
	if width <= 0 {
		width = defaultWrap
	}
	r, err := glamour.NewTermRenderer(
		glamour.WithStandardStyle(style),
		glamour.WithWordWrap(width),
		glamour.WithEmoji(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create markdown renderer: %w", err)
	}
	return &markdownRenderer{renderer: r}, nil
}

// Render returns content styled for the terminal, or content unchanged when
// it cannot be rendered.
func (m *markdownRenderer) Render(content string) string {
	if m == nil || strings.TrimSpace(content) == "" {
		return content
	}
	out, err := m.renderer.Render(content)
	if err != nil {
		return content
	}
	return strings.TrimLeft(strings.TrimRight(out, " \n"), "\n")
}
