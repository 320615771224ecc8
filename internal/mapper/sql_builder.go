package mapper

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/Guizzs26/go-outbox-relay/internal/models"
)

var identifierPattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]{0,62}$`)

// SQLBuilder translates outbox filters into PostgreSQL statements with positional arguments
type SQLBuilder struct {
	table string
}

// NewSQLBuilder initializes a builder bound to one outbox table
func NewSQLBuilder(table string) (*SQLBuilder, error) {
	if !identifierPattern.MatchString(table) {
		return nil, fmt.Errorf("invalid outbox table name %q", table)
	}
	return &SQLBuilder{table: table}, nil
}

func (b *SQLBuilder) Table() string {
	return b.table
}

type whereClause struct {
	conds []string
	args  []any
}

// add appends a condition; every "?" in cond is bound to the next positional argument
func (w *whereClause) add(cond string, args ...any) {
	for _, a := range args {
		w.args = append(w.args, a)
		cond = strings.Replace(cond, "?", fmt.Sprintf("$%d", len(w.args)), 1)
	}
	w.conds = append(w.conds, cond)
}

func (w *whereClause) next(arg any) string {
	w.args = append(w.args, arg)
	return fmt.Sprintf("$%d", len(w.args))
}

// BuildFetchPending generates the SELECT used to drain the outbox oldest-first
func (b *SQLBuilder) BuildFetchPending(columns []string, f models.FetchFilters, p models.Pagination) (string, []any, error) {
	if len(columns) == 0 {
		return "", nil, fmt.Errorf("no columns requested from %s", b.table)
	}
	if p.Limit <= 0 {
		return "", nil, fmt.Errorf("pagination limit must be positive, got %d", p.Limit)
	}
	if p.Offset < 0 {
		return "", nil, fmt.Errorf("pagination offset must not be negative, got %d", p.Offset)
	}

	w := &whereClause{}
	w.conds = append(w.conds, "processed = false")

	types := make([]string, 0, len(f.EventTypes))
	for _, t := range f.EventTypes {
		if t = strings.TrimSpace(t); t != "" {
			types = append(types, t)
		}
	}
	if len(types) > 0 {
		w.add("event_type = ANY(?)", types)
	}
	if f.AggregateType != "" {
		w.add("aggregate_type = ?", f.AggregateType)
	}
	if f.AggregateID != "" {
		w.add("aggregate_id = ?", f.AggregateID)
	}
	if f.MaxAttempts > 0 {
		w.add("attempts < ?", f.MaxAttempts)
	}

	limit := w.next(p.Limit)
	offset := w.next(p.Offset)

	query := fmt.Sprintf(
		"SELECT %s FROM %s WHERE %s ORDER BY occurred_on ASC, id ASC LIMIT %s OFFSET %s",
		strings.Join(columns, ", "),
		b.table,
		strings.Join(w.conds, " AND "),
		limit,
		offset,
	)

	return query, w.args, nil
}
