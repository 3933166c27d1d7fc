package sqlite

import (
	"encoding/json"
	"fmt"
	"strings"
)

// whereBuilder accumulates "col = ?"-style clauses and their bound args,
// matching the teacher's buildCustomToolWhere/buildChannelInstanceWhere
// pattern: build the clause list and arg list in parallel, join with AND.
type whereBuilder struct {
	clauses []string
	args    []any
}

func (w *whereBuilder) eq(col string, val any) {
	w.clauses = append(w.clauses, col+" = ?")
	w.args = append(w.args, val)
}

func (w *whereBuilder) gte(col string, val any) {
	w.clauses = append(w.clauses, col+" >= ?")
	w.args = append(w.args, val)
}

func (w *whereBuilder) lte(col string, val any) {
	w.clauses = append(w.clauses, col+" <= ?")
	w.args = append(w.args, val)
}

func (w *whereBuilder) lt(col string, val any) {
	w.clauses = append(w.clauses, col+" < ?")
	w.args = append(w.args, val)
}

func (w *whereBuilder) gt(col string, val any) {
	w.clauses = append(w.clauses, col+" > ?")
	w.args = append(w.args, val)
}

func (w *whereBuilder) build() (string, []any) {
	if len(w.clauses) == 0 {
		return "", nil
	}
	return "WHERE " + strings.Join(w.clauses, " AND "), w.args
}

func marshalJSON(v any) string {
	if v == nil {
		return "null"
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "null"
	}
	return string(b)
}

func unmarshalInto(raw string, v any) error {
	if raw == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		return fmt.Errorf("unmarshal stored json: %w", err)
	}
	return nil
}
