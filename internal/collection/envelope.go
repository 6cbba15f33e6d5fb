package collection

import (
	"encoding/json"
	"net/url"
	"strconv"
)

// Meta is the pagination block of an envelope.
type Meta struct {
	Page     int
	PerPage  int
	Total    int
	Pages    int
	PrevURL  string
	NextURL  string
	FirstURL string
	LastURL  string
}

// MarshalJSON emits prev_url/next_url only when the page exists and
// prev_page/next_page as null otherwise.
func (m Meta) MarshalJSON() ([]byte, error) {
	out := map[string]any{
		"page":      m.Page,
		"per_page":  m.PerPage,
		"total":     m.Total,
		"pages":     m.Pages,
		"first_url": m.FirstURL,
		"last_url":  m.LastURL,
	}
	if m.PrevURL != "" {
		out["prev_url"] = m.PrevURL
	} else {
		out["prev_page"] = nil
	}
	if m.NextURL != "" {
		out["next_url"] = m.NextURL
	} else {
		out["next_page"] = nil
	}
	return json.Marshal(out)
}

// Envelope is the {data, meta} wrapper of every collection response.
type Envelope struct {
	Data []any `json:"data"`
	Meta Meta  `json:"meta"`
}

// Empty returns an envelope with no items, used for families without storage.
func Empty(p Params) Envelope {
	p = p.clamp()
	return Envelope{Data: []any{}, Meta: meta(p, 0)}
}

func meta(p Params, total int) Meta {
	pages := 1
	if total > 0 {
		pages = (total + p.PerPage - 1) / p.PerPage
	}
	m := Meta{
		Page:     p.Page,
		PerPage:  p.PerPage,
		Total:    total,
		Pages:    pages,
		FirstURL: pageURL(p, 1),
		LastURL:  pageURL(p, pages),
	}
	if p.Page > 1 && p.Page-1 <= pages {
		m.PrevURL = pageURL(p, p.Page-1)
	}
	if p.Page < pages {
		m.NextURL = pageURL(p, p.Page+1)
	}
	return m
}

func pageURL(p Params, page int) string {
	q := url.Values{}
	q.Set("page", strconv.Itoa(page))
	q.Set("per_page", strconv.Itoa(p.PerPage))
	q.Set("expand", strconv.FormatBool(p.Expand))
	if p.Filter != "" {
		q.Set("filter", p.Filter)
	}
	if p.Sort != "" {
		q.Set("sort", p.Sort)
	}
	return p.Link + "?" + q.Encode()
}
