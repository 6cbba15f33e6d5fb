package query

import (
	"fmt"
	"strings"
)

var sqlOps = map[Op]string{
	OpEq:   "=",
	OpNe:   "<>",
	OpLt:   "<",
	OpLe:   "<=",
	OpGt:   ">",
	OpGe:   ">=",
	OpLike: "LIKE",
}

// QuoteIdent quotes a column identifier for Postgres.
func QuoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// Where renders predicates as a conjunction using positional placeholders
// starting at $startArg. It returns an empty string when there is nothing to add.
func Where(preds []Predicate, startArg int) (string, []any) {
	if len(preds) == 0 {
		return "", nil
	}
	if startArg < 1 {
		startArg = 1
	}
	parts := make([]string, 0, len(preds))
	args := make([]any, 0, len(preds))
	next := startArg
	for _, p := range preds {
		col := QuoteIdent(p.Field.Column)
		if p.Op == OpIn {
			if len(p.Values) == 0 {
				continue
			}
			holders := make([]string, 0, len(p.Values))
			for _, v := range p.Values {
				holders = append(holders, fmt.Sprintf("$%d", next))
				args = append(args, v)
				next++
			}
			parts = append(parts, fmt.Sprintf("%s IN (%s)", col, strings.Join(holders, ", ")))
			continue
		}
		op, ok := sqlOps[p.Op]
		if !ok {
			continue
		}
		parts = append(parts, fmt.Sprintf("%s %s $%d", col, op, next))
		args = append(args, p.Value)
		next++
	}
	return strings.Join(parts, " AND "), args
}

// OrderBy renders orderings followed by fallback. fallback must end on a
// unique column so tied rows split across pages the same way every time.
func OrderBy(orders []Ordering, fallback string) string {
	if len(orders) == 0 {
		return fallback
	}
	parts := make([]string, 0, len(orders)+1)
	for _, o := range orders {
		dir := "ASC"
		if o.Desc {
			dir = "DESC"
		}
		parts = append(parts, QuoteIdent(o.Field.Column)+" "+dir)
	}
	if fallback != "" {
		parts = append(parts, fallback)
	}
	return strings.Join(parts, ", ")
}

// Window is a parsed listing request handed to a store.
type Window struct {
	Predicates []Predicate
	Orderings  []Ordering
	Limit      int
	Offset     int
}
