// Package pgx implements the relational capability contract on PostgreSQL.
package pgx

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"

	pgxv5 "github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/loomkg/loom/pkg/store"
)

type pgxIConn interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, optionsAndArgs ...any) (pgxv5.Rows, error)
	QueryRow(ctx context.Context, sql string, optionsAndArgs ...any) pgxv5.Row
}

var identPattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// RelationalStore implements store.Relational on a pgx connection or pool.
// It advertises multi-user support: tenants share one physical database and
// are isolated by namespaced table names.
type RelationalStore struct {
	conn   pgxIConn
	dbLock sync.Mutex
}

// NewRelationalStore wraps an existing pgx connection or pool.
func NewRelationalStore(conn pgxIConn) *RelationalStore {
	return &RelationalStore{conn: conn}
}

func (s *RelationalStore) Capabilities() store.Capabilities {
	return store.Capabilities{MultiUser: true}
}

func quoteIdent(name string) (string, error) {
	if !identPattern.MatchString(name) {
		return "", fmt.Errorf("invalid identifier %q", name)
	}
	return `"` + name + `"`, nil
}

// CreateDatabase is a no-op for the shared-database deployment shape; tenant
// isolation happens through table namespacing instead.
func (s *RelationalStore) CreateDatabase(ctx context.Context, name string) error {
	return nil
}

func (s *RelationalStore) CreateTable(ctx context.Context, table string, columns []store.Column) error {
	ident, err := quoteIdent(table)
	if err != nil {
		return err
	}

	defs := make([]string, 0, len(columns))
	hasID := false
	for _, col := range columns {
		colIdent, err := quoteIdent(col.Name)
		if err != nil {
			return err
		}
		def := colIdent + " " + col.Type
		if col.Name == "id" {
			def += " PRIMARY KEY"
			hasID = true
		}
		defs = append(defs, def)
	}
	if !hasID {
		return fmt.Errorf("table %q needs an id column", table)
	}

	s.dbLock.Lock()
	defer s.dbLock.Unlock()
	_, err = s.conn.Exec(ctx, fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", ident, strings.Join(defs, ", ")))
	if err != nil {
		return fmt.Errorf("failed to create table %q: %w", table, err)
	}
	return nil
}

func (s *RelationalStore) AddRows(ctx context.Context, table string, rows []store.Row) error {
	if len(rows) == 0 {
		return nil
	}
	ident, err := quoteIdent(table)
	if err != nil {
		return err
	}

	s.dbLock.Lock()
	defer s.dbLock.Unlock()
	for _, row := range rows {
		cols := sortedColumns(row)
		idents := make([]string, 0, len(cols))
		placeholders := make([]string, 0, len(cols))
		args := make([]any, 0, len(cols))
		for i, col := range cols {
			colIdent, err := quoteIdent(col)
			if err != nil {
				return err
			}
			idents = append(idents, colIdent)
			placeholders = append(placeholders, fmt.Sprintf("$%d", i+1))
			args = append(args, row[col])
		}
		query := fmt.Sprintf(
			"INSERT INTO %s (%s) VALUES (%s)",
			ident, strings.Join(idents, ", "), strings.Join(placeholders, ", "),
		)
		if _, err := s.conn.Exec(ctx, query, args...); err != nil {
			return fmt.Errorf("failed to insert into %q: %w", table, err)
		}
	}
	return nil
}

func (s *RelationalStore) GetRow(ctx context.Context, table string, id string) (store.Row, error) {
	ident, err := quoteIdent(table)
	if err != nil {
		return nil, err
	}

	rows, err := s.conn.Query(ctx, fmt.Sprintf("SELECT * FROM %s WHERE id = $1", ident), id)
	if err != nil {
		return nil, fmt.Errorf("failed to query %q: %w", table, err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, store.ErrRowNotFound
	}
	return scanRow(rows)
}

func (s *RelationalStore) QueryRows(ctx context.Context, table string, filter store.Row) ([]store.Row, error) {
	ident, err := quoteIdent(table)
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf("SELECT * FROM %s", ident)
	var args []any
	if len(filter) > 0 {
		cols := sortedColumns(filter)
		conds := make([]string, 0, len(cols))
		for i, col := range cols {
			colIdent, err := quoteIdent(col)
			if err != nil {
				return nil, err
			}
			conds = append(conds, fmt.Sprintf("%s = $%d", colIdent, i+1))
			args = append(args, filter[col])
		}
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY id"

	rows, err := s.conn.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query %q: %w", table, err)
	}
	defer rows.Close()

	var out []store.Row
	for rows.Next() {
		row, err := scanRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func (s *RelationalStore) UpdateRow(ctx context.Context, table string, id string, values store.Row) error {
	if len(values) == 0 {
		return nil
	}
	ident, err := quoteIdent(table)
	if err != nil {
		return err
	}

	cols := sortedColumns(values)
	sets := make([]string, 0, len(cols))
	args := make([]any, 0, len(cols)+1)
	for i, col := range cols {
		colIdent, err := quoteIdent(col)
		if err != nil {
			return err
		}
		sets = append(sets, fmt.Sprintf("%s = $%d", colIdent, i+1))
		args = append(args, values[col])
	}
	args = append(args, id)

	s.dbLock.Lock()
	defer s.dbLock.Unlock()
	tag, err := s.conn.Exec(ctx,
		fmt.Sprintf("UPDATE %s SET %s WHERE id = $%d", ident, strings.Join(sets, ", "), len(cols)+1),
		args...,
	)
	if err != nil {
		return fmt.Errorf("failed to update %q: %w", table, err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrRowNotFound
	}
	return nil
}

func (s *RelationalStore) DeleteRow(ctx context.Context, table string, id string) error {
	ident, err := quoteIdent(table)
	if err != nil {
		return err
	}

	s.dbLock.Lock()
	defer s.dbLock.Unlock()
	if _, err := s.conn.Exec(ctx, fmt.Sprintf("DELETE FROM %s WHERE id = $1", ident), id); err != nil {
		return fmt.Errorf("failed to delete from %q: %w", table, err)
	}
	return nil
}

func sortedColumns(row store.Row) []string {
	cols := make([]string, 0, len(row))
	for col := range row {
		cols = append(cols, col)
	}
	sort.Strings(cols)
	return cols
}

func scanRow(rows pgxv5.Rows) (store.Row, error) {
	values, err := rows.Values()
	if err != nil {
		return nil, err
	}
	out := make(store.Row, len(values))
	for i, desc := range rows.FieldDescriptions() {
		out[desc.Name] = values[i]
	}
	return out, nil
}
