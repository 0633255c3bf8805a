// Package result holds the result handle returned to a query's submitter and
// the outcome value delivered on the asynchronous result channel.
package result

import (
	"fmt"
	"sync"
)

// Set is a materialized, read-only query result with a forward cursor.
type Set struct {
	Columns []string

	mu     sync.Mutex
	rows   [][]any
	cursor int
}

// NewSet builds a result set from column names and rows.
func NewSet(columns []string, rows [][]any) *Set {
	return &Set{Columns: columns, rows: rows}
}

// Scalar builds a single-row, single-column result.
func Scalar(column string, v any) *Set {
	return NewSet([]string{column}, [][]any{{v}})
}

// RowCount returns the number of rows in the set.
func (s *Set) RowCount() int {
	if s == nil {
		return 0
	}
	return len(s.rows)
}

// NextRow returns the next row and advances the cursor.
func (s *Set) NextRow() ([]any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cursor >= len(s.rows) {
		return nil, false
	}
	row := s.rows[s.cursor]
	s.cursor++
	return row, true
}

// Rows returns a copy of all rows regardless of cursor position.
func (s *Set) Rows() [][]any {
	out := make([][]any, len(s.rows))
	copy(out, s.rows)
	return out
}

// Int64 returns the value at (row, col) as an int64.
func (s *Set) Int64(row, col int) (int64, error) {
	if row < 0 || row >= len(s.rows) {
		return 0, fmt.Errorf("row %d out of range", row)
	}
	if col < 0 || col >= len(s.rows[row]) {
		return 0, fmt.Errorf("column %d out of range", col)
	}
	switch v := s.rows[row][col].(type) {
	case int64:
		return v, nil
	case int:
		return int64(v), nil
	default:
		return 0, fmt.Errorf("value at (%d,%d) is %T, not int64", row, col, v)
	}
}

// Outcome is what the result channel delivers: exactly one of Result or Err is set.
type Outcome struct {
	EntryID string
	Result  *Set
	Err     error
}
