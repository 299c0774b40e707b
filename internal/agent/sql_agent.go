package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ghassan-labs/askdb/internal/store"
	openai "github.com/sashabaranov/go-openai"
)

const (
	toolListTables = "sql_db_list_tables"
	toolSchema     = "sql_db_schema"
	toolQuery      = "sql_db_query"
)

// ChatCompleter is the part of the OpenAI client the agent needs.
type ChatCompleter interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// NewOpenAIClient creates an OpenAI chat client. An empty baseURL uses the
// public API endpoint.
func NewOpenAIClient(apiKey, baseURL string) *openai.Client {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = strings.TrimRight(baseURL, "/")
	}
	return openai.NewClientWithConfig(cfg)
}

// SQLAgent answers questions by letting the model call database tools in a
// loop until it produces a final answer.
type SQLAgent struct {
	client ChatCompleter
	db     store.Database
	cfg    Config
	tools  []openai.Tool
	logger *slog.Logger
}

// Ensure SQLAgent implements Agent.
var _ Agent = (*SQLAgent)(nil)

// NewSQLAgent creates an agent over db using client for completions.
func NewSQLAgent(client ChatCompleter, db store.Database, cfg Config, logger *slog.Logger) (*SQLAgent, error) {
	if client == nil {
		return nil, fmt.Errorf("chat client is required")
	}
	if db == nil {
		return nil, fmt.Errorf("database is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.Model == "" {
		cfg.Model = def.Model
	}
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = def.MaxIterations
	}
	if cfg.TopK <= 0 {
		cfg.TopK = def.TopK
	}

	return &SQLAgent{
		client: client,
		db:     db,
		cfg:    cfg,
		tools:  toolDefinitions(),
		logger: logger,
	}, nil
}

// Invoke runs the tool-calling loop for one prompt.
func (a *SQLAgent) Invoke(ctx context.Context, req Request) (*Result, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return nil, fmt.Errorf("prompt is required")
	}

	messages := []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleSystem, Content: systemPrompt(a.cfg.TopK)},
		{Role: openai.ChatMessageRoleUser, Content: req.Prompt},
	}
	result := &Result{}

	for iteration := 1; iteration <= a.cfg.MaxIterations; iteration++ {
		resp, err := a.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
			Model:    a.cfg.Model,
			Messages: messages,
			Tools:    a.tools,
		})
		if err != nil {
			return nil, fmt.Errorf("chat completion: %w", err)
		}
		if len(resp.Choices) == 0 {
			return nil, ErrEmptyResponse
		}

		msg := resp.Choices[0].Message
		messages = append(messages, msg)

		if len(msg.ToolCalls) == 0 {
			output := strings.TrimSpace(msg.Content)
			if output == "" {
				return nil, ErrEmptyResponse
			}
			result.Output = output
			a.logger.Debug("Agent finished",
				"iterations", iteration,
				"queries", len(result.Queries),
			)
			return result, nil
		}

		for _, call := range msg.ToolCalls {
			content := a.runTool(ctx, call, result)
			messages = append(messages, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				Content:    content,
				Name:       call.Function.Name,
				ToolCallID: call.ID,
			})
		}
	}

	return nil, fmt.Errorf("%w (%d)", ErrIterationLimit, a.cfg.MaxIterations)
}

// runTool executes one tool call. Failures are reported back to the model as
// tool output so it can correct the call.
func (a *SQLAgent) runTool(ctx context.Context, call openai.ToolCall, result *Result) string {
	name := call.Function.Name
	result.ToolsUsed = append(result.ToolsUsed, name)
	a.logger.Debug("Agent tool call", "tool", name, "arguments", call.Function.Arguments)

	switch name {
	case toolListTables:
		tables, err := a.db.ListTables(ctx)
		if err != nil {
			return toolError(err)
		}
		return strings.Join(tables, ", ")

	case toolSchema:
		var args struct {
			TableNames string `json:"table_names"`
		}
		if err := json.Unmarshal([]byte(call.Function.Arguments), &args); err != nil {
			return toolError(fmt.Errorf("invalid arguments: %w", err))
		}
		info, err := a.db.TableInfo(ctx, splitTables(args.TableNames)...)
		if err != nil {
			return toolError(err)
		}
		return info

	case toolQuery:
		var args struct {
			Query string `json:"query"`
		}
		if err := json.Unmarshal([]byte(call.Function.Arguments), &args); err != nil {
			return toolError(fmt.Errorf("invalid arguments: %w", err))
		}
		result.Queries = append(result.Queries, args.Query)
		res, err := a.db.Query(ctx, args.Query)
		if err != nil {
			return toolError(err)
		}
		if len(res.Rows) == 0 {
			return "Query returned no rows."
		}
		return res.String()

	default:
		return toolError(fmt.Errorf("unknown tool %q", name))
	}
}

func toolError(err error) string {
	return "Error: " + err.Error()
}

func splitTables(s string) []string {
	var out []string
	for _, t := range strings.Split(s, ",") {
		if t = strings.TrimSpace(t); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func toolDefinitions() []openai.Tool {
	return []openai.Tool{
		{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        toolListTables,
				Description: "List the tables in the database. Call this first to see what can be queried.",
				Parameters:  json.RawMessage(`{"type":"object","properties":{}}`),
			},
		},
		{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        toolSchema,
				Description: "Get the schema and sample rows for the given tables. Confirm the tables exist with " + toolListTables + " first.",
				Parameters:  json.RawMessage(`{"type":"object","properties":{"table_names":{"type":"string","description":"Comma-separated list of tables, for example: table1, table2"}},"required":["table_names"]}`),
			},
		},
		{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        toolQuery,
				Description: "Run one read-only SQLite SELECT statement and get the result. If the query is wrong an error is returned; rewrite it and try again.",
				Parameters:  json.RawMessage(`{"type":"object","properties":{"query":{"type":"string","description":"A detailed and correct SQLite SELECT query"}},"required":["query"]}`),
			},
		},
	}
}

func systemPrompt(topK int) string {
	return fmt.Sprintf(`You are an agent designed to interact with a SQLite database.
Given an input question, create a syntactically correct SQLite query to run, then look at the results of the query and return the answer.
Unless the user asks for a specific number of examples, always limit your query to at most %d results.
Order the results by a relevant column to return the most interesting examples.
Only select the columns needed to answer the question.
Only use the information returned by the tools to construct your final answer.
Start by listing the tables, then look at the schema of the most relevant ones.
If a query fails, rewrite it and try again.
Never write INSERT, UPDATE, DELETE, DROP or any other statement that changes the database.
If the question is not related to the database, answer "I don't know".`, topK)
}
