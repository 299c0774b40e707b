package chat

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ghassan-labs/askdb/internal/agent"
	"github.com/ghassan-labs/askdb/internal/datadict"
	"github.com/ghassan-labs/askdb/internal/domain"
)

type fakeAgent struct {
	mu      sync.Mutex
	prompts []string
	output  string
	err     error
	block   chan struct{}
	started chan struct{}
}

func (f *fakeAgent) Invoke(ctx context.Context, req agent.Request) (*agent.Result, error) {
	f.mu.Lock()
	f.prompts = append(f.prompts, req.Prompt)
	f.mu.Unlock()

	if f.started != nil {
		close(f.started)
	}
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	return &agent.Result{Output: f.output, Queries: []string{"SELECT 1"}}, nil
}

func (f *fakeAgent) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.prompts)
}

func newTestController(t *testing.T, a agent.Agent, cfg Config) *Controller {
	t.Helper()
	c, err := NewController(a, cfg, nil, nil)
	if err != nil {
		t.Fatalf("NewController failed: %v", err)
	}
	return c
}

func TestSubmitAppendsUserThenAgent(t *testing.T) {
	t.Parallel()

	fa := &fakeAgent{output: "Two taxpayers."}
	c := newTestController(t, fa, Config{})
	sess := domain.NewSession("anon_1", "default")

	out, err := c.Submit(context.Background(), sess, "How many taxpayers have a payment shortfall?")
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if out.Failed() {
		t.Fatalf("unexpected failure: %v", out.Err)
	}

	turns := sess.Turns()
	if len(turns) != 2 {
		t.Fatalf("expected 2 turns, got %d", len(turns))
	}
	if turns[0].Speaker != domain.SpeakerUser || turns[0].Text != "How many taxpayers have a payment shortfall?" {
		t.Errorf("first turn = %+v", turns[0])
	}
	if turns[1].Speaker != domain.SpeakerAgent || turns[1].Text != "Two taxpayers." {
		t.Errorf("second turn = %+v", turns[1])
	}
	if sess.Input() != "" {
		t.Errorf("input buffer = %q, want empty", sess.Input())
	}
	if len(out.Queries) != 1 {
		t.Errorf("Queries = %v", out.Queries)
	}
}

func TestSubmitPromptContainsDictionaryThenInput(t *testing.T) {
	t.Parallel()

	fa := &fakeAgent{output: "ok"}
	c := newTestController(t, fa, Config{})
	input := "How many taxpayers have a payment shortfall?"

	if _, err := c.Submit(context.Background(), domain.NewSession("u", "s"), input); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	prompt := fa.prompts[0]
	dictAt := strings.Index(prompt, datadict.Default)
	inputAt := strings.LastIndex(prompt, input)
	if dictAt < 0 || inputAt < 0 || dictAt >= inputAt {
		t.Fatalf("dictionary (%d) must precede input (%d) in prompt %q", dictAt, inputAt, prompt)
	}
}

func TestSubmitEmptyInputIsNoop(t *testing.T) {
	t.Parallel()

	fa := &fakeAgent{output: "ok"}
	c := newTestController(t, fa, Config{})
	sess := domain.NewSession("u", "s")

	for _, in := range []string{"", "   ", "\n\t"} {
		if _, err := c.Submit(context.Background(), sess, in); !errors.Is(err, ErrEmptyInput) {
			t.Errorf("Submit(%q) err = %v, want ErrEmptyInput", in, err)
		}
	}
	if fa.calls() != 0 {
		t.Errorf("agent invoked %d times", fa.calls())
	}
	if sess.Len() != 0 {
		t.Errorf("conversation mutated: %d turns", sess.Len())
	}
}

func TestSubmitAgentFailureAppendsSyntheticReply(t *testing.T) {
	t.Parallel()

	fa := &fakeAgent{err: errors.New("upstream 500")}
	c := newTestController(t, fa, Config{})
	sess := domain.NewSession("u", "s")

	if _, err := c.Submit(context.Background(), sess, "first"); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	before := sess.Len()

	out, err := c.Submit(context.Background(), sess, "second")
	if err != nil {
		t.Fatalf("Submit returned error: %v", err)
	}
	if !out.Failed() {
		t.Fatal("expected failed outcome")
	}
	if got := sess.Len() - before; got != 2 {
		t.Fatalf("conversation grew by %d, want 2", got)
	}

	turns := sess.Turns()
	last := turns[len(turns)-1]
	if !last.Failed || last.Speaker != domain.SpeakerAgent {
		t.Errorf("last turn = %+v, want failed agent turn", last)
	}
	if !strings.HasPrefix(last.Text, FailureReply) || !strings.Contains(last.Text, "upstream 500") {
		t.Errorf("failure text = %q", last.Text)
	}
	if turns[len(turns)-2].Text != "second" {
		t.Errorf("user turn = %+v", turns[len(turns)-2])
	}
	if sess.Input() != "" {
		t.Errorf("input buffer = %q, want empty", sess.Input())
	}
}

func TestSubmitEmptyAgentOutputIsFailure(t *testing.T) {
	t.Parallel()

	c := newTestController(t, &fakeAgent{output: "  "}, Config{})
	sess := domain.NewSession("u", "s")

	out, err := c.Submit(context.Background(), sess, "q")
	if err != nil {
		t.Fatal(err)
	}
	if !errors.Is(out.Err, agent.ErrEmptyResponse) {
		t.Errorf("Err = %v, want ErrEmptyResponse", out.Err)
	}
	if sess.Len() != 2 {
		t.Errorf("len = %d, want 2", sess.Len())
	}
}

func TestSubmitTimeout(t *testing.T) {
	t.Parallel()

	fa := &fakeAgent{block: make(chan struct{})}
	c := newTestController(t, fa, Config{Timeout: 20 * time.Millisecond})
	sess := domain.NewSession("u", "s")

	out, err := c.Submit(context.Background(), sess, "slow question")
	if err != nil {
		t.Fatal(err)
	}
	if !errors.Is(out.Err, context.DeadlineExceeded) {
		t.Errorf("Err = %v, want deadline exceeded", out.Err)
	}
	if sess.Len() != 2 {
		t.Errorf("len = %d, want 2", sess.Len())
	}
}

func TestSubmitIgnoresCallerCancellation(t *testing.T) {
	t.Parallel()

	fa := &fakeAgent{output: "done", block: make(chan struct{}), started: make(chan struct{})}
	c := newTestController(t, fa, Config{Timeout: 5 * time.Second})
	sess := domain.NewSession("u", "s")

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-fa.started
		cancel()
		time.Sleep(10 * time.Millisecond)
		close(fa.block)
	}()

	out, err := c.Submit(ctx, sess, "q")
	if err != nil {
		t.Fatal(err)
	}
	if out.Failed() {
		t.Fatalf("agent call should survive caller cancellation, got %v", out.Err)
	}
}

func TestSubmitRejectsConcurrentExchange(t *testing.T) {
	t.Parallel()

	fa := &fakeAgent{output: "ok", block: make(chan struct{}), started: make(chan struct{})}
	c := newTestController(t, fa, Config{Timeout: 5 * time.Second})
	sess := domain.NewSession("u", "s")

	done := make(chan error, 1)
	go func() {
		_, err := c.Submit(context.Background(), sess, "first")
		done <- err
	}()
	<-fa.started

	if _, err := c.Submit(context.Background(), sess, "second"); !errors.Is(err, ErrTurnInFlight) {
		t.Errorf("err = %v, want ErrTurnInFlight", err)
	}

	close(fa.block)
	if err := <-done; err != nil {
		t.Fatalf("first Submit failed: %v", err)
	}
	if sess.Len() != 2 {
		t.Errorf("len = %d, want 2", sess.Len())
	}
}

func TestSubmitWithoutCredentialNeverInvokesAgent(t *testing.T) {
	t.Parallel()

	missing := errors.New("OPENAI_API_KEY is not set")
	c := newTestController(t, nil, Config{UnavailableErr: missing})
	sess := domain.NewSession("u", "s")

	for _, in := range []string{"How many taxpayers?", "anything"} {
		_, err := c.Submit(context.Background(), sess, in)
		if !errors.Is(err, ErrAgentUnavailable) || !errors.Is(err, missing) {
			t.Errorf("err = %v, want ErrAgentUnavailable wrapping the cause", err)
		}
	}
	if c.Available() {
		t.Error("controller should report unavailable")
	}
	if sess.Len() != 0 {
		t.Errorf("conversation mutated: %d turns", sess.Len())
	}
}

func TestNewControllerRequiresAgent(t *testing.T) {
	t.Parallel()

	if _, err := NewController(nil, Config{}, nil, nil); err == nil {
		t.Fatal("expected error without agent or unavailable reason")
	}
}
