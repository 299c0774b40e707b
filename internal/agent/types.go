// Package agent implements the natural-language-to-SQL query agent.
package agent

import (
	"context"
	"errors"
)

var (
	// ErrEmptyResponse is returned when the model produces no answer.
	ErrEmptyResponse = errors.New("model returned an empty response")
	// ErrIterationLimit is returned when the tool loop does not converge.
	ErrIterationLimit = errors.New("agent stopped after reaching the iteration limit")
)

// Agent answers a natural-language prompt using the database.
type Agent interface {
	// Invoke runs the agent to completion. It blocks until an answer or an
	// error is available.
	Invoke(ctx context.Context, req Request) (*Result, error)
}

// Request is the input to one agent invocation.
type Request struct {
	Prompt string `json:"prompt"`
}

// Result is a successful agent answer.
type Result struct {
	Output    string   `json:"output"`
	Queries   []string `json:"queries,omitempty"`
	ToolsUsed []string `json:"tools_used,omitempty"`
}

// Config holds agent configuration.
type Config struct {
	Model         string
	MaxIterations int
	TopK          int
}

// DefaultConfig returns default agent configuration.
func DefaultConfig() Config {
	return Config{
		Model:         "gpt-4o-mini",
		MaxIterations: 10,
		TopK:          10,
	}
}
