package query

import (
	"sort"
	"strconv"
	"strings"
	"time"
)

// Kind is the value type of a filterable attribute.
type Kind int

const (
	KindString Kind = iota
	KindFloat
	KindInt
	KindBool
	KindTime
)

// Field describes one filterable/sortable attribute of a resource.
type Field struct {
	Name   string
	Column string
	Kind   Kind
}

// Schema is the attribute set a grammar is resolved against.
type Schema struct {
	fields map[string]Field
	names  []string
}

// NewSchema builds a schema. Column defaults to Name.
func NewSchema(fields ...Field) Schema {
	s := Schema{fields: make(map[string]Field, len(fields))}
	for _, f := range fields {
		if f.Name == "" {
			continue
		}
		if f.Column == "" {
			f.Column = f.Name
		}
		if _, ok := s.fields[f.Name]; !ok {
			s.names = append(s.names, f.Name)
		}
		s.fields[f.Name] = f
	}
	return s
}

// Lookup returns the field by its public name.
func (s Schema) Lookup(name string) (Field, bool) {
	if s.fields == nil {
		return Field{}, false
	}
	f, ok := s.fields[name]
	return f, ok
}

// Names returns field names in declaration order.
func (s Schema) Names() []string {
	out := make([]string, len(s.names))
	copy(out, s.names)
	return out
}

// Fields returns fields in declaration order.
func (s Schema) Fields() []Field {
	out := make([]Field, 0, len(s.names))
	for _, name := range s.names {
		out = append(out, s.fields[name])
	}
	return out
}

// Len returns the number of fields.
func (s Schema) Len() int {
	return len(s.names)
}

// SortedNames is Names in lexical order.
func (s Schema) SortedNames() []string {
	out := s.Names()
	sort.Strings(out)
	return out
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04",
	"2006-01-02",
}

// ParseTime accepts RFC3339 and the common naive layouts, naive values are UTC.
func ParseTime(value string) (time.Time, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, false
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

// Coerce converts a raw token to the field's kind.
func (f Field) Coerce(raw string) (any, bool) {
	raw = strings.TrimSpace(raw)
	switch f.Kind {
	case KindFloat:
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, false
		}
		return v, true
	case KindInt:
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, false
		}
		return v, true
	case KindBool:
		v, err := strconv.ParseBool(raw)
		if err != nil {
			return nil, false
		}
		return v, true
	case KindTime:
		return ParseTime(raw)
	default:
		return raw, true
	}
}
