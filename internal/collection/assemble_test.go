package collection

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"sort"
	"strconv"
	"testing"

	"airquality-cloud/internal/query"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type row struct {
	ID   int64
	City string
	SO2  float64
}

func (r row) get(name string) any {
	switch name {
	case "id":
		return r.ID
	case "city":
		return r.City
	case "so2":
		return r.SO2
	}
	return nil
}

var rowSchema = query.NewSchema(
	query.Field{Name: "id", Kind: query.KindInt},
	query.Field{Name: "city", Kind: query.KindString},
	query.Field{Name: "so2", Kind: query.KindFloat},
)

func sliceSource(rows []row) Source[row] {
	filter := func(preds []query.Predicate) []row {
		var out []row
		for _, r := range rows {
			if query.MatchAll(preds, r.get) {
				out = append(out, r)
			}
		}
		return out
	}
	return Source[row]{
		Schema: rowSchema,
		Count: func(_ context.Context, preds []query.Predicate) (int, error) {
			return len(filter(preds)), nil
		},
		Fetch: func(_ context.Context, w Window) ([]row, error) {
			out := filter(w.Predicates)
			sort.SliceStable(out, func(i, j int) bool {
				for _, o := range w.Orderings {
					c, _ := query.Compare(out[i].get(o.Field.Name), out[j].get(o.Field.Name))
					if c != 0 {
						return (c < 0) != o.Desc
					}
				}
				return false
			})
			if w.Offset >= len(out) {
				return nil, nil
			}
			end := w.Offset + w.Limit
			if end > len(out) {
				end = len(out)
			}
			return out[w.Offset:end], nil
		},
		Render: func(r row) map[string]any {
			return map[string]any{"id": r.ID, "city": r.City, "so2": r.SO2}
		},
		Visible: func(row) map[string]struct{} {
			return map[string]struct{}{"id": {}, "city": {}}
		},
		URL: func(r row) string { return "http://api/rows/" + strconv.FormatInt(r.ID, 10) },
	}
}

func params(t *testing.T, rawQuery string) Params {
	t.Helper()
	req := httptest.NewRequest("GET", "/rows/?"+rawQuery, nil)
	return ParseParams(req, "http://api", 50, 100)
}

func TestAssembleSecondPageOfTwo(t *testing.T) {
	src := sliceSource([]row{{ID: 1, City: "Delhi"}, {ID: 2, City: "Austin"}})
	env, err := Assemble(context.Background(), src, params(t, "page=2&per_page=1"))
	require.NoError(t, err)

	assert.Len(t, env.Data, 1)
	assert.Equal(t, 2, env.Meta.Pages)
	assert.NotEmpty(t, env.Meta.PrevURL)
	assert.Empty(t, env.Meta.NextURL)

	raw, err := json.Marshal(env)
	require.NoError(t, err)
	var decoded map[string]map[string]any
	require.NoError(t, json.Unmarshal(raw, &decoded))
	meta := decoded["meta"]
	assert.Contains(t, meta, "prev_url")
	assert.NotContains(t, meta, "prev_page")
	assert.Contains(t, meta, "next_page")
	assert.Nil(t, meta["next_page"])
	assert.NotContains(t, meta, "next_url")
}

func TestAssembleFirstPageHasNoPrev(t *testing.T) {
	src := sliceSource([]row{{ID: 1}, {ID: 2}, {ID: 3}})
	env, err := Assemble(context.Background(), src, params(t, "per_page=2&filter=id,gt,0%3Bcity,eq,"))
	require.NoError(t, err)
	assert.Empty(t, env.Meta.PrevURL)
	assert.Contains(t, env.Meta.NextURL, "page=2")
	assert.Contains(t, env.Meta.FirstURL, "filter=")
	assert.Equal(t, 2, env.Meta.Pages)
}

func TestAssemblePageBeyondRange(t *testing.T) {
	src := sliceSource([]row{{ID: 1}, {ID: 2}})
	env, err := Assemble(context.Background(), src, params(t, "page=9&per_page=1"))
	require.NoError(t, err)
	assert.Empty(t, env.Data)
	assert.NotNil(t, env.Data)
	assert.Equal(t, 2, env.Meta.Total)
}

func TestAssembleEmptyHasOnePage(t *testing.T) {
	env, err := Assemble(context.Background(), sliceSource(nil), params(t, ""))
	require.NoError(t, err)
	assert.Equal(t, 1, env.Meta.Pages)
	assert.Equal(t, 0, env.Meta.Total)
}

func TestAssembleClampsPerPage(t *testing.T) {
	src := sliceSource([]row{{ID: 1}, {ID: 2}})
	env, err := Assemble(context.Background(), src, params(t, "per_page=100000&page=-3"))
	require.NoError(t, err)
	assert.Equal(t, 100, env.Meta.PerPage)
	assert.Equal(t, 1, env.Meta.Page)

	env, err = Assemble(context.Background(), src, params(t, "per_page=0"))
	require.NoError(t, err)
	assert.Equal(t, 1, env.Meta.PerPage)
	assert.Equal(t, 2, env.Meta.Pages)
}

func TestAssembleFilterSortAndRedaction(t *testing.T) {
	src := sliceSource([]row{
		{ID: 1, City: "Delhi", SO2: 3},
		{ID: 2, City: "Delhi", SO2: 9},
		{ID: 3, City: "Austin", SO2: 5},
	})
	env, err := Assemble(context.Background(), src, params(t, "filter=city,eq,Delhi&sort=so2,desc"))
	require.NoError(t, err)
	require.Len(t, env.Data, 2)
	first := env.Data[0].(map[string]any)
	assert.Equal(t, int64(2), first["id"])
	assert.NotContains(t, first, "so2")

	malformed, err := Assemble(context.Background(), src, params(t, "filter=city,eq"))
	require.NoError(t, err)
	assert.Equal(t, 3, malformed.Meta.Total)
}

func TestAssembleWithoutExpandEmitsURLs(t *testing.T) {
	src := sliceSource([]row{{ID: 7}})
	env, err := Assemble(context.Background(), src, params(t, "expand=false"))
	require.NoError(t, err)
	assert.Equal(t, []any{"http://api/rows/7"}, env.Data)
	assert.Contains(t, env.Meta.FirstURL, "expand=false")
}
