// Package collection turns a filtered, sorted and paginated query into the
// {data, meta} envelope shared by every listing route.
package collection

import (
	"context"

	"airquality-cloud/internal/auth"
	"airquality-cloud/internal/query"
)

// Window is the parsed query handed to a source.
type Window = query.Window

// Source adapts a store listing to the assembler.
type Source[T any] struct {
	Schema query.Schema
	Count  func(ctx context.Context, preds []query.Predicate) (int, error)
	Fetch  func(ctx context.Context, w Window) ([]T, error)
	// Render serializes an item with every field.
	Render func(item T) map[string]any
	// Visible is the per item redaction set; nil keeps every field.
	Visible func(item T) map[string]struct{}
	URL     func(item T) string
}

// Assemble applies the grammar, counts before windowing, fetches the page
// and renders items either expanded and redacted or as resource URLs.
func Assemble[T any](ctx context.Context, src Source[T], p Params) (Envelope, error) {
	p = p.clamp()
	preds := query.ParseFilter(p.Filter, src.Schema)
	orders := query.ParseSort(p.Sort, src.Schema)

	total, err := src.Count(ctx, preds)
	if err != nil {
		return Envelope{}, err
	}
	env := Envelope{Data: []any{}, Meta: meta(p, total)}
	if p.Page > env.Meta.Pages || total == 0 {
		return env, nil
	}

	items, err := src.Fetch(ctx, Window{
		Predicates: preds,
		Orderings:  orders,
		Limit:      p.PerPage,
		Offset:     (p.Page - 1) * p.PerPage,
	})
	if err != nil {
		return Envelope{}, err
	}
	for _, item := range items {
		if !p.Expand {
			env.Data = append(env.Data, src.URL(item))
			continue
		}
		fields := src.Render(item)
		if src.Visible != nil {
			fields = auth.Redact(fields, src.Visible(item))
		}
		env.Data = append(env.Data, fields)
	}
	return env, nil
}
