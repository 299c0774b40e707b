// Package render turns a conversation into transcript lines and HTML.
package render

import (
	"bytes"
	"fmt"
	"html/template"

	"github.com/ghassan-labs/askdb/internal/domain"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
)

// LatestAnchor is the element id of the most recent turn.
const LatestAnchor = "latest"

const userLabel = "You"

// Renderer formats turns with a fixed assistant label. It is safe for
// concurrent use.
type Renderer struct {
	assistant string
	md        goldmark.Markdown
}

// New creates a renderer that labels agent turns with assistant.
func New(assistant string) *Renderer {
	if assistant == "" {
		assistant = "Ghassan"
	}
	return &Renderer{
		assistant: assistant,
		// Raw HTML in user or agent text is dropped by goldmark's default
		// renderer; only markdown is honoured.
		md: goldmark.New(goldmark.WithExtensions(extension.Table, extension.Strikethrough)),
	}
}

// Assistant returns the agent label.
func (r *Renderer) Assistant() string {
	return r.assistant
}

// Line formats a single turn.
func (r *Renderer) Line(t domain.Turn) string {
	label := userLabel
	if t.Speaker == domain.SpeakerAgent {
		label = r.assistant
	}
	return fmt.Sprintf("**%s:** %s", label, t.Text)
}

// Lines formats each turn in order.
func (r *Renderer) Lines(turns []domain.Turn) []string {
	lines := make([]string, len(turns))
	for i, t := range turns {
		lines[i] = r.Line(t)
	}
	return lines
}

// Render converts the conversation to HTML, one block per turn. The last
// block carries the LatestAnchor id.
func (r *Renderer) Render(turns []domain.Turn) (template.HTML, error) {
	var out bytes.Buffer
	for i, t := range turns {
		classes := "turn turn-" + string(t.Speaker)
		if t.Failed {
			classes += " turn-failed"
		}
		out.WriteString(`<div class="`)
		out.WriteString(classes)
		out.WriteString(`"`)
		if i == len(turns)-1 {
			out.WriteString(` id="` + LatestAnchor + `"`)
		}
		out.WriteString(">\n")
		if err := r.md.Convert([]byte(r.Line(t)), &out); err != nil {
			return "", fmt.Errorf("render turn %d: %w", i, err)
		}
		out.WriteString("</div>\n")
	}
	return template.HTML(out.String()), nil //nolint:gosec // goldmark output with raw HTML disabled
}
