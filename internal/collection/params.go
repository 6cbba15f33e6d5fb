package collection

import (
	"net/http"
	"strconv"
	"strings"
)

// Params carries the collection query string of one request.
type Params struct {
	Filter     string
	Sort       string
	Page       int
	PerPage    int
	Expand     bool
	MaxPerPage int
	// Link is the absolute URL of the collection without a query string.
	Link string
}

// ParseParams reads filter, sort, page, per_page and expand. Unparsable
// numbers fall back to defaults; Assemble clamps the result.
func ParseParams(r *http.Request, baseURL string, defaultPerPage, maxPerPage int) Params {
	q := r.URL.Query()
	p := Params{
		Filter:     q.Get("filter"),
		Sort:       q.Get("sort"),
		Page:       1,
		PerPage:    defaultPerPage,
		Expand:     true,
		MaxPerPage: maxPerPage,
		Link:       strings.TrimRight(baseURL, "/") + r.URL.Path,
	}
	if v, err := strconv.Atoi(q.Get("page")); err == nil {
		p.Page = v
	}
	if v, err := strconv.Atoi(q.Get("per_page")); err == nil {
		p.PerPage = v
	}
	if raw := q.Get("expand"); raw != "" {
		if v, err := strconv.ParseBool(raw); err == nil {
			p.Expand = v
		}
	}
	return p
}

func (p Params) clamp() Params {
	if p.MaxPerPage < 1 {
		p.MaxPerPage = 1
	}
	if p.PerPage < 1 {
		p.PerPage = 1
	}
	if p.PerPage > p.MaxPerPage {
		p.PerPage = p.MaxPerPage
	}
	if p.Page < 1 {
		p.Page = 1
	}
	return p
}
