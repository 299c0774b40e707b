package render

import (
	"strings"
	"testing"

	"github.com/ghassan-labs/askdb/internal/domain"
)

func sampleTurns() []domain.Turn {
	failed := domain.NewTurn(domain.SpeakerAgent, "Sorry, I couldn't answer that.")
	failed.Failed = true
	return []domain.Turn{
		domain.NewTurn(domain.SpeakerUser, "How many taxpayers have a payment shortfall?"),
		domain.NewTurn(domain.SpeakerAgent, "There are **2** taxpayers."),
		domain.NewTurn(domain.SpeakerUser, "And by region?"),
		failed,
	}
}

func TestLines(t *testing.T) {
	t.Parallel()

	r := New("Ghassan")
	lines := r.Lines(sampleTurns())
	want := []string{
		"**You:** How many taxpayers have a payment shortfall?",
		"**Ghassan:** There are **2** taxpayers.",
		"**You:** And by region?",
		"**Ghassan:** Sorry, I couldn't answer that.",
	}
	if len(lines) != len(want) {
		t.Fatalf("got %d lines, want %d", len(lines), len(want))
	}
	for i := range want {
		if lines[i] != want[i] {
			t.Errorf("line %d = %q, want %q", i, lines[i], want[i])
		}
	}
}

func TestRenderIsDeterministic(t *testing.T) {
	t.Parallel()

	r := New("")
	turns := sampleTurns()
	first, err := r.Render(turns)
	if err != nil {
		t.Fatalf("Render failed: %v", err)
	}
	second, err := r.Render(turns)
	if err != nil {
		t.Fatalf("Render failed: %v", err)
	}
	if first != second {
		t.Fatalf("renders differ:\n%s\n---\n%s", first, second)
	}
}

func TestRenderMarksLatestAndFailed(t *testing.T) {
	t.Parallel()

	html, err := New("Ghassan").Render(sampleTurns())
	if err != nil {
		t.Fatal(err)
	}
	s := string(html)

	if strings.Count(s, `id="latest"`) != 1 {
		t.Fatalf("expected exactly one latest anchor:\n%s", s)
	}
	if !strings.Contains(s, `<div class="turn turn-agent turn-failed" id="latest">`) {
		t.Errorf("last turn should be marked failed and latest:\n%s", s)
	}
	if !strings.Contains(s, "<strong>You:</strong>") || !strings.Contains(s, "<strong>2</strong>") {
		t.Errorf("markdown not rendered:\n%s", s)
	}
	if strings.Index(s, "payment shortfall") > strings.Index(s, "by region") {
		t.Error("turns out of order")
	}
}

func TestRenderDropsRawHTML(t *testing.T) {
	t.Parallel()

	turns := []domain.Turn{domain.NewTurn(domain.SpeakerUser, `<script>alert("x")</script> hi`)}
	html, err := New("Ghassan").Render(turns)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(html), "<script>") {
		t.Fatalf("raw HTML passed through: %s", html)
	}
}

func TestRenderEmpty(t *testing.T) {
	t.Parallel()

	html, err := New("Ghassan").Render(nil)
	if err != nil {
		t.Fatal(err)
	}
	if html != "" {
		t.Errorf("expected empty output, got %q", html)
	}
}
