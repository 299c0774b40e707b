package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/ghassan-labs/askdb/internal/store"
	openai "github.com/sashabaranov/go-openai"
)

type fakeDB struct {
	mu      sync.Mutex
	queries []string
}

func (f *fakeDB) Ping(context.Context) error { return nil }
func (f *fakeDB) Close() error               { return nil }

func (f *fakeDB) ListTables(context.Context) ([]string, error) {
	return []string{"taxpayers"}, nil
}

func (f *fakeDB) TableInfo(_ context.Context, tables ...string) (string, error) {
	for _, t := range tables {
		if t != "taxpayers" {
			return "", fmt.Errorf("%w: %q", store.ErrUnknownTable, t)
		}
	}
	return "CREATE TABLE taxpayers (un_id INTEGER, payment_short_ind INTEGER)", nil
}

func (f *fakeDB) Columns(context.Context) (map[string][]string, error) {
	return map[string][]string{"taxpayers": {"un_id", "payment_short_ind"}}, nil
}

func (f *fakeDB) Query(_ context.Context, q string) (*store.QueryResult, error) {
	f.mu.Lock()
	f.queries = append(f.queries, q)
	f.mu.Unlock()
	if strings.HasPrefix(strings.ToUpper(q), "DELETE") {
		return nil, store.ErrNotReadOnly
	}
	return &store.QueryResult{Columns: []string{"count"}, Rows: [][]string{{"2"}}}, nil
}

// scriptedCompleter replays canned assistant messages and records requests.
type scriptedCompleter struct {
	replies  []openai.ChatCompletionMessage
	requests []openai.ChatCompletionRequest
	err      error
}

func (s *scriptedCompleter) CreateChatCompletion(_ context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	s.requests = append(s.requests, req)
	if s.err != nil {
		return openai.ChatCompletionResponse{}, s.err
	}
	if len(s.replies) == 0 {
		return openai.ChatCompletionResponse{}, nil
	}
	msg := s.replies[0]
	s.replies = s.replies[1:]
	return openai.ChatCompletionResponse{
		Choices: []openai.ChatCompletionChoice{{Message: msg}},
	}, nil
}

func toolCall(id, name, args string) openai.ChatCompletionMessage {
	return openai.ChatCompletionMessage{
		Role: openai.ChatMessageRoleAssistant,
		ToolCalls: []openai.ToolCall{{
			ID:       id,
			Type:     openai.ToolTypeFunction,
			Function: openai.FunctionCall{Name: name, Arguments: args},
		}},
	}
}

func answer(text string) openai.ChatCompletionMessage {
	return openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: text}
}

func TestInvokeRunsToolLoop(t *testing.T) {
	t.Parallel()

	db := &fakeDB{}
	completer := &scriptedCompleter{replies: []openai.ChatCompletionMessage{
		toolCall("call_1", toolListTables, `{}`),
		toolCall("call_2", toolSchema, `{"table_names":"taxpayers"}`),
		toolCall("call_3", toolQuery, `{"query":"SELECT COUNT(*) FROM taxpayers WHERE payment_short_ind = 1"}`),
		answer("  Two taxpayers have a payment shortfall.  "),
	}}

	a, err := NewSQLAgent(completer, db, Config{Model: "test-model", MaxIterations: 5, TopK: 7}, nil)
	if err != nil {
		t.Fatalf("NewSQLAgent failed: %v", err)
	}

	res, err := a.Invoke(context.Background(), Request{Prompt: "How many taxpayers have a payment shortfall?"})
	if err != nil {
		t.Fatalf("Invoke failed: %v", err)
	}
	if res.Output != "Two taxpayers have a payment shortfall." {
		t.Errorf("Output = %q", res.Output)
	}
	if len(res.Queries) != 1 || !strings.Contains(res.Queries[0], "payment_short_ind = 1") {
		t.Errorf("Queries = %v", res.Queries)
	}
	if got := strings.Join(res.ToolsUsed, ","); got != "sql_db_list_tables,sql_db_schema,sql_db_query" {
		t.Errorf("ToolsUsed = %s", got)
	}

	if len(completer.requests) != 4 {
		t.Fatalf("expected 4 completion requests, got %d", len(completer.requests))
	}
	first := completer.requests[0]
	if first.Model != "test-model" {
		t.Errorf("Model = %q", first.Model)
	}
	if !strings.Contains(first.Messages[0].Content, "at most 7 results") {
		t.Errorf("system prompt should carry top-k: %q", first.Messages[0].Content)
	}
	if first.Messages[1].Content != "How many taxpayers have a payment shortfall?" {
		t.Errorf("user message = %q", first.Messages[1].Content)
	}

	last := completer.requests[3].Messages
	toolMsg := last[len(last)-1]
	if toolMsg.Role != openai.ChatMessageRoleTool || toolMsg.ToolCallID != "call_3" {
		t.Errorf("last message should be the query tool result, got %+v", toolMsg)
	}
	if !strings.Contains(toolMsg.Content, "count\n2") {
		t.Errorf("tool result = %q", toolMsg.Content)
	}
}

func TestInvokeReportsToolErrorsToModel(t *testing.T) {
	t.Parallel()

	completer := &scriptedCompleter{replies: []openai.ChatCompletionMessage{
		toolCall("c1", toolQuery, `{"query":"DELETE FROM taxpayers"}`),
		toolCall("c2", toolSchema, `{"table_names":"ghosts"}`),
		toolCall("c3", "drop_everything", `{}`),
		answer("I don't know"),
	}}
	a, err := NewSQLAgent(completer, &fakeDB{}, DefaultConfig(), nil)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := a.Invoke(context.Background(), Request{Prompt: "delete everything"}); err != nil {
		t.Fatalf("Invoke failed: %v", err)
	}

	msgs := completer.requests[3].Messages
	var toolOutputs []string
	for _, m := range msgs {
		if m.Role == openai.ChatMessageRoleTool {
			toolOutputs = append(toolOutputs, m.Content)
		}
	}
	if len(toolOutputs) != 3 {
		t.Fatalf("expected 3 tool outputs, got %d", len(toolOutputs))
	}
	for _, out := range toolOutputs {
		if !strings.HasPrefix(out, "Error: ") {
			t.Errorf("expected error tool output, got %q", out)
		}
	}
}

func TestInvokeIterationLimit(t *testing.T) {
	t.Parallel()

	var replies []openai.ChatCompletionMessage
	for i := 0; i < 5; i++ {
		replies = append(replies, toolCall(fmt.Sprintf("c%d", i), toolListTables, `{}`))
	}
	a, err := NewSQLAgent(&scriptedCompleter{replies: replies}, &fakeDB{}, Config{MaxIterations: 3}, nil)
	if err != nil {
		t.Fatal(err)
	}

	_, err = a.Invoke(context.Background(), Request{Prompt: "loop"})
	if !errors.Is(err, ErrIterationLimit) {
		t.Fatalf("err = %v, want ErrIterationLimit", err)
	}
}

func TestInvokeEmptyAndUpstreamErrors(t *testing.T) {
	t.Parallel()

	a, err := NewSQLAgent(&scriptedCompleter{}, &fakeDB{}, DefaultConfig(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := a.Invoke(context.Background(), Request{Prompt: "q"}); !errors.Is(err, ErrEmptyResponse) {
		t.Errorf("err = %v, want ErrEmptyResponse", err)
	}

	upstream := errors.New("quota exceeded")
	a, err = NewSQLAgent(&scriptedCompleter{err: upstream}, &fakeDB{}, DefaultConfig(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := a.Invoke(context.Background(), Request{Prompt: "q"}); !errors.Is(err, upstream) {
		t.Errorf("err = %v, want wrapped upstream error", err)
	}

	if _, err := a.Invoke(context.Background(), Request{Prompt: "   "}); err == nil {
		t.Error("expected error for empty prompt")
	}
}

func TestNewSQLAgentRequiresDependencies(t *testing.T) {
	t.Parallel()

	if _, err := NewSQLAgent(nil, &fakeDB{}, DefaultConfig(), nil); err == nil {
		t.Error("expected error for nil client")
	}
	if _, err := NewSQLAgent(&scriptedCompleter{}, nil, DefaultConfig(), nil); err == nil {
		t.Error("expected error for nil database")
	}
}

func TestInvokeOverHTTP(t *testing.T) {
	t.Parallel()

	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			http.NotFound(w, r)
			return
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("Authorization = %q", got)
		}
		body, _ := io.ReadAll(r.Body)
		var req map[string]any
		if err := json.Unmarshal(body, &req); err != nil {
			t.Errorf("bad request body: %v", err)
		}
		calls++

		w.Header().Set("Content-Type", "application/json")
		if calls == 1 {
			fmt.Fprint(w, `{"id":"1","object":"chat.completion","choices":[{"index":0,"finish_reason":"tool_calls","message":{"role":"assistant","tool_calls":[{"id":"call_1","type":"function","function":{"name":"sql_db_query","arguments":"{\"query\":\"SELECT COUNT(*) FROM taxpayers\"}"}}]}}]}`)
			return
		}
		fmt.Fprint(w, `{"id":"2","object":"chat.completion","choices":[{"index":0,"finish_reason":"stop","message":{"role":"assistant","content":"There are 2."}}]}`)
	}))
	defer srv.Close()

	a, err := NewSQLAgent(NewOpenAIClient("test-key", srv.URL+"/"), &fakeDB{}, DefaultConfig(), nil)
	if err != nil {
		t.Fatal(err)
	}
	res, err := a.Invoke(context.Background(), Request{Prompt: "How many?"})
	if err != nil {
		t.Fatalf("Invoke failed: %v", err)
	}
	if res.Output != "There are 2." {
		t.Errorf("Output = %q", res.Output)
	}
	if calls != 2 {
		t.Errorf("expected 2 HTTP calls, got %d", calls)
	}
}
