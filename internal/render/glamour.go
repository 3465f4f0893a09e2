package render

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/glamour"
)

// TermRenderer renders Markdown to ANSI-styled terminal markup via glamour.
type TermRenderer struct {
	r *glamour.TermRenderer
}

// NewTermRenderer creates a terminal Markdown renderer word-wrapped at
// width columns.
func NewTermRenderer(width int) (*TermRenderer, error) {
	if width <= 0 {
		width = 80
	}
	r, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(width),
	)
	if err != nil {
		return nil, fmt.Errorf("glamour renderer: %w", err)
	}
	return &TermRenderer{r: r}, nil
}

// Markdown renders text as Markdown. Glamour can panic on hostile partial
// input, so recover to the plain fallback.
func (t *TermRenderer) Markdown(text string) (out string, err error) {
	defer func() {
		if r := recover(); r != nil {
			out = t.Plain(text)
			err = nil
		}
	}()
	out, err = t.r.Render(text)
	if err != nil {
		return "", err
	}
	return strings.TrimRight(out, "\n"), nil
}

// Plain returns the text unformatted with line breaks preserved.
func (t *TermRenderer) Plain(text string) string {
	return text
}
