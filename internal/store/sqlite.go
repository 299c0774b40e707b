package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/ghassan-labs/askdb/internal/shared"
	_ "modernc.org/sqlite"
)

const (
	defaultMaxRows     = 100
	sampleRowsPerTable = 3
	maxCellLength      = 200
)

var (
	readOnlyPrefix = regexp.MustCompile(`(?is)^\s*(select|with)\b`)
	writeKeywords  = regexp.MustCompile(`(?i)\b(insert|update|delete|drop|alter|create|attach|detach|vacuum|reindex|pragma)\b`)
)

// SQLiteStore implements Database on a pre-existing SQLite file opened read-only.
type SQLiteStore struct {
	db      *sql.DB
	path    string
	maxRows int
}

// Open opens an existing SQLite database read-only. The file is never created.
func Open(dbPath string) (*SQLiteStore, error) {
	abs, err := filepath.Abs(dbPath)
	if err != nil {
		return nil, fmt.Errorf("resolve database path: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("stat database: %w", err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("database path %s is a directory", abs)
	}

	dsn := (&url.URL{
		Scheme:   "file",
		Path:     abs,
		RawQuery: "mode=ro&_pragma=busy_timeout(5000)&_pragma=query_only(1)",
	}).String()
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Single connection for the lifetime of the process.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &SQLiteStore{db: db, path: abs, maxRows: defaultMaxRows}, nil
}

// Path returns the absolute database file path.
func (s *SQLiteStore) Path() string {
	return s.path
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// ListTables returns user table names in alphabetical order.
func (s *SQLiteStore) ListTables(ctx context.Context) ([]string, error) {
	query := `
		SELECT name FROM sqlite_master
		WHERE type = 'table' AND name NOT LIKE 'sqlite_%'
		ORDER BY name`

	var tables []string
	err := withBusyRetry(ctx, "list tables", func() error {
		tables = tables[:0]
		rows, err := s.db.QueryContext(ctx, query)
		if err != nil {
			return fmt.Errorf("query tables: %w", err)
		}
		defer closeRows(rows)

		for rows.Next() {
			var name string
			if err := rows.Scan(&name); err != nil {
				return fmt.Errorf("scan table name: %w", err)
			}
			tables = append(tables, name)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return tables, nil
}

// TableInfo returns the CREATE statement followed by sample rows for each
// requested table. With no tables, all tables are described.
func (s *SQLiteStore) TableInfo(ctx context.Context, tables ...string) (string, error) {
	known, err := s.ListTables(ctx)
	if err != nil {
		return "", err
	}
	if len(tables) == 0 {
		tables = known
	}

	var b strings.Builder
	for i, table := range tables {
		table = strings.TrimSpace(table)
		if !contains(known, table) {
			return "", fmt.Errorf("%w: %q", ErrUnknownTable, table)
		}

		var createSQL string
		row := s.db.QueryRowContext(ctx, `SELECT sql FROM sqlite_master WHERE type = 'table' AND name = ?`, table)
		if err := row.Scan(&createSQL); err != nil {
			return "", fmt.Errorf("read schema for %s: %w", table, err)
		}

		sample, err := s.query(ctx, fmt.Sprintf("SELECT * FROM %s LIMIT %d", quoteIdent(table), sampleRowsPerTable), sampleRowsPerTable)
		if err != nil {
			return "", fmt.Errorf("sample rows for %s: %w", table, err)
		}

		if i > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(strings.TrimSpace(createSQL))
		fmt.Fprintf(&b, "\n\n/*\n%d rows from %s table:\n%s*/", len(sample.Rows), table, sample.String())
	}
	return b.String(), nil
}

// Columns returns column names keyed by table.
func (s *SQLiteStore) Columns(ctx context.Context) (map[string][]string, error) {
	tables, err := s.ListTables(ctx)
	if err != nil {
		return nil, err
	}

	out := make(map[string][]string, len(tables))
	for _, table := range tables {
		rows, err := s.db.QueryContext(ctx, fmt.Sprintf("SELECT name FROM pragma_table_info(%s)", quoteLiteral(table)))
		if err != nil {
			return nil, fmt.Errorf("table info for %s: %w", table, err)
		}
		var cols []string
		for rows.Next() {
			var name string
			if err := rows.Scan(&name); err != nil {
				closeRows(rows)
				return nil, fmt.Errorf("scan column for %s: %w", table, err)
			}
			cols = append(cols, name)
		}
		if err := rows.Err(); err != nil {
			closeRows(rows)
			return nil, fmt.Errorf("iterate columns for %s: %w", table, err)
		}
		closeRows(rows)
		out[table] = cols
	}
	return out, nil
}

// Query runs one read-only statement and returns at most maxRows rows.
func (s *SQLiteStore) Query(ctx context.Context, query string) (*QueryResult, error) {
	if err := checkReadOnly(query); err != nil {
		return nil, err
	}

	var result *QueryResult
	err := withBusyRetry(ctx, "query", func() error {
		var err error
		result, err = s.query(ctx, query, s.maxRows)
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *SQLiteStore) query(ctx context.Context, query string, limit int) (*QueryResult, error) {
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("execute query: %w", err)
	}
	defer closeRows(rows)

	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("read columns: %w", err)
	}

	result := &QueryResult{Columns: cols}
	values := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range values {
		ptrs[i] = &values[i]
	}

	for rows.Next() {
		if len(result.Rows) >= limit {
			result.Truncated = true
			break
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		row := make([]string, len(cols))
		for i, v := range values {
			row[i] = formatValue(v)
		}
		result.Rows = append(result.Rows, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return result, nil
}

// String renders the result as a pipe-separated table with a header line.
func (r *QueryResult) String() string {
	if r == nil {
		return ""
	}
	var b strings.Builder
	b.WriteString(strings.Join(r.Columns, " | "))
	b.WriteByte('\n')
	for _, row := range r.Rows {
		b.WriteString(strings.Join(row, " | "))
		b.WriteByte('\n')
	}
	if r.Truncated {
		fmt.Fprintf(&b, "... (truncated after %d rows)\n", len(r.Rows))
	}
	return b.String()
}

// checkReadOnly accepts a single SELECT or WITH statement.
func checkReadOnly(query string) error {
	q := strings.TrimSpace(query)
	q = strings.TrimSuffix(q, ";")
	if q == "" || strings.Contains(q, ";") {
		return ErrNotReadOnly
	}
	if !readOnlyPrefix.MatchString(q) {
		return ErrNotReadOnly
	}
	if writeKeywords.MatchString(stripStringLiterals(q)) {
		return ErrNotReadOnly
	}
	return nil
}

func stripStringLiterals(q string) string {
	var b strings.Builder
	inString := false
	for _, r := range q {
		if r == '\'' {
			inString = !inString
			continue
		}
		if !inString {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func formatValue(v any) string {
	var s string
	switch val := v.(type) {
	case nil:
		return "NULL"
	case []byte:
		s = string(val)
	case time.Time:
		s = val.Format(time.RFC3339)
	default:
		s = fmt.Sprint(val)
	}
	return shared.Truncate(s, maxCellLength)
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func quoteLiteral(s string) string {
	return `'` + strings.ReplaceAll(s, `'`, `''`) + `'`
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

func closeRows(rows *sql.Rows) {
	if err := rows.Close(); err != nil {
		slog.Warn("failed to close rows", "error", err)
	}
}

// withBusyRetry retries fn with exponential backoff on SQLITE_BUSY or
// "database is locked" errors.
func withBusyRetry(ctx context.Context, op string, fn func() error) error {
	maxRetries := 3
	baseDelay := 50 * time.Millisecond

	var err error
	for i := 0; i < maxRetries; i++ {
		err = fn()
		if err == nil {
			return nil
		}
		if !shared.IsSQLiteConflictError(err) || i == maxRetries-1 {
			break
		}

		delay := baseDelay * time.Duration(1<<i) // 50ms, 100ms, 200ms
		slog.Debug("Database busy, retrying", "op", op, "attempt", i+1, "delay", delay)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}
