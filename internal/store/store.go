// Package store provides read-only access to the relational database the
// query agent answers questions about.
package store

import (
	"context"
	"errors"
)

var (
	// ErrNotReadOnly is returned when a statement could modify the database.
	ErrNotReadOnly = errors.New("only a single SELECT statement is allowed")
	// ErrUnknownTable is returned when a requested table does not exist.
	ErrUnknownTable = errors.New("unknown table")
)

// Database is the handle the query agent works against. Implementations must
// never create, migrate or modify the underlying data.
type Database interface {
	// Ping verifies database connectivity.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error

	// ListTables returns user table names in alphabetical order.
	ListTables(ctx context.Context) ([]string, error)

	// TableInfo returns the CREATE statement and a few sample rows for each table.
	TableInfo(ctx context.Context, tables ...string) (string, error)

	// Columns returns column names keyed by table.
	Columns(ctx context.Context) (map[string][]string, error)

	// Query runs one read-only statement and returns the rows as text.
	Query(ctx context.Context, query string) (*QueryResult, error)
}

// QueryResult is the outcome of a read-only query.
type QueryResult struct {
	Columns   []string
	Rows      [][]string
	Truncated bool
}
