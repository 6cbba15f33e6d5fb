// Package query parses the filter and sort grammar used by collection endpoints.
//
// Filters are semicolon separated clauses of the form field,op,value[,value...].
// Anything that cannot be understood is dropped instead of rejected, so a
// malformed filter degrades to no filter.
package query

import "strings"

// Op is a filter operator.
type Op string

const (
	OpEq   Op = "eq"
	OpNe   Op = "ne"
	OpLt   Op = "lt"
	OpLe   Op = "le"
	OpGt   Op = "gt"
	OpGe   Op = "ge"
	OpIn   Op = "in"
	OpLike Op = "like"
)

var validOps = map[Op]struct{}{
	OpEq: {}, OpNe: {}, OpLt: {}, OpLe: {}, OpGt: {}, OpGe: {}, OpIn: {}, OpLike: {},
}

// Predicate is one parsed filter clause. Values is used by OpIn, Value by the rest.
type Predicate struct {
	Field  Field
	Op     Op
	Value  any
	Values []any
}

// Ordering is one parsed sort clause.
type Ordering struct {
	Field Field
	Desc  bool
}

// ParseFilter parses a filter expression against schema.
func ParseFilter(filter string, schema Schema) []Predicate {
	if strings.TrimSpace(filter) == "" {
		return nil
	}
	var out []Predicate
	for _, clause := range strings.Split(filter, ";") {
		tokens := strings.Split(clause, ",")
		if len(tokens) < 3 {
			continue
		}
		op := Op(strings.TrimSpace(tokens[1]))
		if len(tokens) > 3 && op != OpIn {
			continue
		}
		if _, ok := validOps[op]; !ok {
			continue
		}
		field, ok := schema.Lookup(strings.TrimSpace(tokens[0]))
		if !ok {
			continue
		}
		pred, ok := buildPredicate(field, op, tokens[2:])
		if !ok {
			continue
		}
		out = append(out, pred)
	}
	return out
}

func buildPredicate(field Field, op Op, raw []string) (Predicate, bool) {
	pred := Predicate{Field: field, Op: op}
	if op == OpIn {
		values := make([]any, 0, len(raw))
		for _, token := range raw {
			v, ok := field.Coerce(token)
			if !ok {
				return Predicate{}, false
			}
			values = append(values, v)
		}
		pred.Values = values
		return pred, true
	}
	if op == OpLike {
		if field.Kind != KindString {
			return Predicate{}, false
		}
		pred.Value = raw[0]
		return pred, true
	}
	v, ok := field.Coerce(raw[0])
	if !ok {
		return Predicate{}, false
	}
	if field.Kind == KindBool && op != OpEq && op != OpNe {
		return Predicate{}, false
	}
	pred.Value = v
	return pred, true
}

// ParseSort parses a sort expression against schema.
func ParseSort(sortSpec string, schema Schema) []Ordering {
	if strings.TrimSpace(sortSpec) == "" {
		return nil
	}
	var out []Ordering
	for _, clause := range strings.Split(sortSpec, ";") {
		tokens := strings.Split(clause, ",")
		field, ok := schema.Lookup(strings.TrimSpace(tokens[0]))
		if !ok {
			continue
		}
		desc := len(tokens) == 2 && strings.TrimSpace(tokens[1]) == "desc"
		out = append(out, Ordering{Field: field, Desc: desc})
	}
	return out
}
