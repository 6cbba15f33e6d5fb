package query

import (
	"regexp"
	"strings"
	"time"
)

// Matches evaluates the predicate against a value with SQL null semantics:
// a nil value never matches.
func (p Predicate) Matches(value any) bool {
	if value == nil {
		return false
	}
	switch p.Op {
	case OpIn:
		for _, v := range p.Values {
			if c, ok := Compare(value, v); ok && c == 0 {
				return true
			}
		}
		return false
	case OpLike:
		s, ok := value.(string)
		pattern, pok := p.Value.(string)
		if !ok || !pok {
			return false
		}
		return likeRegexp(pattern).MatchString(s)
	}
	c, ok := Compare(value, p.Value)
	if !ok {
		return false
	}
	switch p.Op {
	case OpEq:
		return c == 0
	case OpNe:
		return c != 0
	case OpLt:
		return c < 0
	case OpLe:
		return c <= 0
	case OpGt:
		return c > 0
	case OpGe:
		return c >= 0
	}
	return false
}

// MatchAll reports whether every predicate matches the value returned by get.
func MatchAll(preds []Predicate, get func(name string) any) bool {
	for _, p := range preds {
		if !p.Matches(get(p.Field.Name)) {
			return false
		}
	}
	return true
}

// Compare orders two scalar values of compatible types.
func Compare(a, b any) (int, bool) {
	if af, ok := asFloat(a); ok {
		bf, ok := asFloat(b)
		if !ok {
			return 0, false
		}
		switch {
		case af < bf:
			return -1, true
		case af > bf:
			return 1, true
		}
		return 0, true
	}
	switch av := a.(type) {
	case string:
		bv, ok := b.(string)
		if !ok {
			return 0, false
		}
		return strings.Compare(av, bv), true
	case bool:
		bv, ok := b.(bool)
		if !ok {
			return 0, false
		}
		switch {
		case av == bv:
			return 0, true
		case !av:
			return -1, true
		}
		return 1, true
	case time.Time:
		bv, ok := b.(time.Time)
		if !ok {
			return 0, false
		}
		return av.Compare(bv), true
	}
	return 0, false
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	}
	return 0, false
}

func likeRegexp(pattern string) *regexp.Regexp {
	var b strings.Builder
	b.WriteString("^")
	for _, r := range pattern {
		switch r {
		case '%':
			b.WriteString(".*")
		case '_':
			b.WriteString(".")
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	b.WriteString("$")
	return regexp.MustCompile(b.String())
}
