// Package session is the storage session the greeting worker talks to. The
// SQL implementation wraps a database/sql handle; callers run each operation
// from their own goroutine when they must not block.
package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// Row is a single result row keyed by column name.
type Row map[string]string

// String returns the named column, or "" when absent.
func (r Row) String(column string) string {
	return r[column]
}

// Session is the durable key-row store used by the greeting worker.
type Session interface {
	CreateTableIfNotExists(ctx context.Context, ddl string) error
	ReadOne(ctx context.Context, query string, key string) (Row, bool, error)
	Write(ctx context.Context, query string, args ...string) error
}

var ErrNotDDL = errors.New("statement is not a CREATE TABLE IF NOT EXISTS")

// SQL implements Session over a database/sql connection pool.
type SQL struct {
	DB *sql.DB
}

func NewSQL(db *sql.DB) *SQL {
	return &SQL{DB: db}
}

func (s *SQL) CreateTableIfNotExists(ctx context.Context, ddl string) error {
	if !isCreateIfNotExists(ddl) {
		return ErrNotDDL
	}
	if _, err := s.DB.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("create table: %w", err)
	}
	return nil
}

func (s *SQL) ReadOne(ctx context.Context, query string, key string) (Row, bool, error) {
	rows, err := s.DB.QueryContext(ctx, query, key)
	if err != nil {
		return nil, false, fmt.Errorf("read: %w", err)
	}
	defer rows.Close()
	if !rows.Next() {
		return nil, false, rows.Err()
	}
	cols, err := rows.Columns()
	if err != nil {
		return nil, false, err
	}
	values := make([]sql.NullString, len(cols))
	dest := make([]any, len(cols))
	for i := range values {
		dest[i] = &values[i]
	}
	if err := rows.Scan(dest...); err != nil {
		return nil, false, fmt.Errorf("scan: %w", err)
	}
	row := make(Row, len(cols))
	for i, c := range cols {
		if values[i].Valid {
			row[c] = values[i].String
		}
	}
	return row, true, rows.Err()
}

func (s *SQL) Write(ctx context.Context, query string, args ...string) error {
	params := make([]any, len(args))
	for i, a := range args {
		params[i] = a
	}
	if _, err := s.DB.ExecContext(ctx, query, params...); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	return nil
}

func isCreateIfNotExists(ddl string) bool {
	const prefix = "CREATE TABLE IF NOT EXISTS"
	ddl = strings.TrimSpace(ddl)
	return len(ddl) > len(prefix) && strings.EqualFold(ddl[:len(prefix)], prefix)
}
