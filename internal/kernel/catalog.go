package kernel

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"
)

// Table is the catalog's view of a table: its name and cardinality.
type Table struct {
	Name     string `json:"name"`
	RowCount int64  `json:"row_count"`
}

// Catalog resolves table metadata for the planner.
type Catalog interface {
	Ready(ctx context.Context) error
	Table(ctx context.Context, name string) (Table, error)
}

// SQLCatalog keeps table metadata in the catalog_table table.
type SQLCatalog struct {
	db *sql.DB
}

func NewSQLCatalog(db *sql.DB) *SQLCatalog {
	return &SQLCatalog{db: db}
}

// Sync upserts every configured table in one transaction.
func (c *SQLCatalog) Sync(ctx context.Context, tables map[string]int64) error {
	names := make([]string, 0, len(tables))
	for name := range tables {
		names = append(names, name)
	}
	sort.Strings(names)

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin catalog sync: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC().Format(time.RFC3339Nano)
	for _, name := range names {
		if err := upsert(ctx, tx, name, tables[name], now); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit catalog sync: %w", err)
	}
	return nil
}

// Upsert creates or updates a single table entry.
func (c *SQLCatalog) Upsert(ctx context.Context, name string, rows int64) error {
	return upsert(ctx, c.db, name, rows, time.Now().UTC().Format(time.RFC3339Nano))
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func upsert(ctx context.Context, db execer, name string, rows int64, now string) error {
	if !identRe.MatchString(name) {
		return fmt.Errorf("invalid table name %q", name)
	}
	if rows < 0 {
		return fmt.Errorf("table %s: row_count must be >= 0", name)
	}
	_, err := db.ExecContext(ctx, `
INSERT INTO catalog_table(name, row_count, updated_at)
VALUES(?, ?, ?)
ON CONFLICT(name) DO UPDATE SET row_count = excluded.row_count, updated_at = excluded.updated_at;
`, name, rows, now)
	if err != nil {
		return fmt.Errorf("upsert catalog table %s: %w", name, err)
	}
	return nil
}

// Ready fails when the catalog holds no tables.
func (c *SQLCatalog) Ready(ctx context.Context) error {
	var n int
	if err := c.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM catalog_table;`).Scan(&n); err != nil {
		return &Error{Op: "catalog", Err: err}
	}
	if n == 0 {
		return errorf("catalog", "catalog is empty")
	}
	return nil
}

func (c *SQLCatalog) Table(ctx context.Context, name string) (Table, error) {
	var t Table
	err := c.db.QueryRowContext(ctx, `SELECT name, row_count FROM catalog_table WHERE name = ?;`, name).
		Scan(&t.Name, &t.RowCount)
	if errors.Is(err, sql.ErrNoRows) {
		return Table{}, &Error{Op: "catalog", Err: fmt.Errorf("%w: %s", ErrTableNotFound, name)}
	}
	if err != nil {
		return Table{}, &Error{Op: "catalog", Err: err}
	}
	return t, nil
}

// List returns all tables ordered by name.
func (c *SQLCatalog) List(ctx context.Context) ([]Table, error) {
	rows, err := c.db.QueryContext(ctx, `SELECT name, row_count FROM catalog_table ORDER BY name;`)
	if err != nil {
		return nil, fmt.Errorf("list catalog: %w", err)
	}
	defer rows.Close()

	var out []Table
	for rows.Next() {
		var t Table
		if err := rows.Scan(&t.Name, &t.RowCount); err != nil {
			return nil, fmt.Errorf("scan catalog row: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
