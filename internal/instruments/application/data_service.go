package application

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"time"

	"airquality-cloud/internal/auth"
	"airquality-cloud/internal/collection"
	"airquality-cloud/internal/export"
	instruments "airquality-cloud/internal/instruments/domain"
	"airquality-cloud/internal/instruments/registry"
	"airquality-cloud/internal/query"
)

// DataService handles observation reads and flag updates.
type DataService struct {
	store   Store
	clock   Clock
	baseURL string
}

// NewDataService constructs the service.
func NewDataService(store Store, clock Clock, baseURL string) (*DataService, error) {
	if store == nil {
		return nil, errors.New("data service: nil store")
	}
	if clock == nil {
		clock = SystemClock{}
	}
	return &DataService{store: store, clock: clock, baseURL: baseURL}, nil
}

// List assembles the observation collection of an instrument. The research
// listing requires the view-research-data capability.
func (s *DataService) List(ctx context.Context, p *auth.Principal, sn string, params collection.Params, research bool) (collection.Envelope, error) {
	if research && !auth.CanResearch(p) {
		return collection.Envelope{}, auth.ErrForbidden
	}
	inst, err := visibleInstrument(ctx, s.store, p, sn)
	if err != nil {
		return collection.Envelope{}, err
	}
	fam := registry.MustLookup(inst.Family)
	if !fam.HasTable() {
		return collection.Empty(params), nil
	}
	visible := visibleObservationColumns(p, fam)
	repo := s.store.Observations()
	return collection.Assemble(ctx, collection.Source[instruments.Observation]{
		Schema: fam.Schema(),
		Count: func(ctx context.Context, preds []query.Predicate) (int, error) {
			return repo.Count(ctx, fam, inst.SN, preds)
		},
		Fetch: func(ctx context.Context, w collection.Window) ([]instruments.Observation, error) {
			return repo.List(ctx, fam, inst.SN, w)
		},
		Render: func(obs instruments.Observation) map[string]any {
			return fam.Serialize(obs, *inst, s.baseURL)
		},
		Visible: func(instruments.Observation) map[string]struct{} { return visible },
		URL: func(obs instruments.Observation) string {
			return fmt.Sprintf("%s/device/%s/data/%d", s.baseURL, inst.SN, obs.ID)
		},
	}, params)
}

// Render serializes an observation redacted for the principal.
func (s *DataService) Render(p *auth.Principal, inst instruments.Instrument, obs instruments.Observation) map[string]any {
	fam := registry.MustLookup(inst.Family)
	return auth.Redact(fam.Serialize(obs, inst, s.baseURL), visibleObservationColumns(p, fam))
}

// Get returns one redacted observation.
func (s *DataService) Get(ctx context.Context, p *auth.Principal, sn string, id int64) (map[string]any, error) {
	inst, fam, err := s.tableInstrument(ctx, p, sn)
	if err != nil {
		return nil, err
	}
	obs, err := s.store.Observations().Get(ctx, fam, inst.SN, id)
	if err != nil {
		return nil, err
	}
	if obs == nil {
		return nil, fmt.Errorf("%w: observation %d", instruments.ErrNotFound, id)
	}
	return auth.Redact(fam.Serialize(*obs, *inst, s.baseURL), visibleObservationColumns(p, fam)), nil
}

// Latest returns the most recent observation, or an empty map when there is none.
func (s *DataService) Latest(ctx context.Context, p *auth.Principal, sn string) (map[string]any, error) {
	inst, err := visibleInstrument(ctx, s.store, p, sn)
	if err != nil {
		return nil, err
	}
	fam := registry.MustLookup(inst.Family)
	if !fam.HasTable() {
		return map[string]any{}, nil
	}
	obs, err := s.store.Observations().Latest(ctx, fam, inst.SN)
	if err != nil {
		return nil, err
	}
	if obs == nil {
		return map[string]any{}, nil
	}
	return auth.Redact(fam.Serialize(*obs, *inst, s.baseURL), visibleObservationColumns(p, fam)), nil
}

// SetFlag updates the quality flag, the only mutable observation field.
func (s *DataService) SetFlag(ctx context.Context, p *auth.Principal, sn string, id int64, body map[string]any) (map[string]any, error) {
	flag, err := registry.PatchFlag(body)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	err = s.store.WithinTx(ctx, func(ctx context.Context, tx Repositories) error {
		inst, err := visibleInstrument(ctx, tx, p, sn)
		if err != nil {
			return err
		}
		if !auth.CanIngest(p, inst.SN) {
			return auth.ErrForbidden
		}
		fam := registry.MustLookup(inst.Family)
		if !fam.HasTable() {
			return fmt.Errorf("%w: observation %d", instruments.ErrNotFound, id)
		}
		obs, err := tx.Observations().Get(ctx, fam, inst.SN, id)
		if err != nil {
			return err
		}
		if obs == nil {
			return fmt.Errorf("%w: observation %d", instruments.ErrNotFound, id)
		}
		if err := tx.Observations().SetFlag(ctx, fam, inst.SN, id, flag); err != nil {
			return err
		}
		obs.Values = obs.Values.Clone()
		obs.Values["flag"] = flag
		out = auth.Redact(fam.Serialize(*obs, *inst, s.baseURL), visibleObservationColumns(p, fam))
		return nil
	})
	return out, err
}

// Table projects a range into the viewer's columns for CSV, XLSX and PDF downloads.
func (s *DataService) Table(ctx context.Context, p *auth.Principal, sn string, start, end time.Time) (export.Table, error) {
	if end.Before(start) {
		return export.Table{}, fmt.Errorf("%w: end must not be before start", instruments.ErrValidation)
	}
	inst, fam, err := s.tableInstrument(ctx, p, sn)
	if err != nil {
		return export.Table{}, err
	}
	obs, err := s.store.Observations().Range(ctx, fam, inst.SN, start, end)
	if err != nil {
		return export.Table{}, err
	}
	return export.BuildTable(fam, *inst, obs, visibleObservationColumns(p, fam)), nil
}

// Plot is the chart projection of a recent span.
type Plot struct {
	Meta PlotMeta         `json:"meta"`
	Data []map[string]any `json:"data"`
}

// PlotMeta describes the plotted series.
type PlotMeta struct {
	Title  string   `json:"title"`
	XLabel string   `json:"xlabel"`
	Keys   []string `json:"keys"`
	Units  []string `json:"units"`
}

var spanPattern = regexp.MustCompile(`^(\d+)(min|h|d|w|m)$`)

// maxSpan bounds plot spans to roughly a century.
const maxSpan = 100 * 365 * 24 * time.Hour

// ParseSpan reads spans such as 30min, 6h, 1d, 2w and 1m (30 days).
func ParseSpan(span string) (time.Duration, error) {
	if span == "" {
		span = "1d"
	}
	m := spanPattern.FindStringSubmatch(span)
	if m == nil {
		return 0, fmt.Errorf("%w: invalid span %q", instruments.ErrValidation, span)
	}
	unit := map[string]time.Duration{
		"min": time.Minute,
		"h":   time.Hour,
		"d":   24 * time.Hour,
		"w":   7 * 24 * time.Hour,
		"m":   30 * 24 * time.Hour,
	}[m[2]]
	n, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil || n < 1 || n > int64(maxSpan/unit) {
		return 0, fmt.Errorf("%w: invalid span %q", instruments.ErrValidation, span)
	}
	return time.Duration(n) * unit, nil
}

// Plot returns the plot series of the span ending now, limited to visible columns.
func (s *DataService) Plot(ctx context.Context, p *auth.Principal, sn, span string) (*Plot, error) {
	d, err := ParseSpan(span)
	if err != nil {
		return nil, err
	}
	inst, err := visibleInstrument(ctx, s.store, p, sn)
	if err != nil {
		return nil, err
	}
	fam := registry.MustLookup(inst.Family)
	plot := &Plot{
		Meta: PlotMeta{Title: inst.SN, XLabel: "timestamp", Keys: []string{}, Units: []string{}},
		Data: []map[string]any{},
	}
	if !fam.HasTable() {
		return plot, nil
	}
	visible := visibleObservationColumns(p, fam)
	var series []registry.Series
	for _, sr := range fam.Plot(auth.CanResearch(p)) {
		if _, ok := visible[sr.Column]; ok {
			series = append(series, sr)
			plot.Meta.Keys = append(plot.Meta.Keys, sr.Label)
			plot.Meta.Units = append(plot.Meta.Units, sr.Unit)
		}
	}
	now := s.clock.Now()
	obs, err := s.store.Observations().Range(ctx, fam, inst.SN, now.Add(-d), now.Add(time.Second))
	if err != nil {
		return nil, err
	}
	for _, o := range obs {
		point := map[string]any{"timestamp": o.Timestamp.UTC().Format(time.RFC3339)}
		for _, sr := range series {
			point[sr.Label] = o.Values[sr.Column]
		}
		plot.Data = append(plot.Data, point)
	}
	return plot, nil
}

func (s *DataService) tableInstrument(ctx context.Context, p *auth.Principal, sn string) (*instruments.Instrument, *registry.Family, error) {
	inst, err := visibleInstrument(ctx, s.store, p, sn)
	if err != nil {
		return nil, nil, err
	}
	fam := registry.MustLookup(inst.Family)
	if !fam.HasTable() {
		return nil, nil, fmt.Errorf("%w: %s instruments store no data", instruments.ErrNotFound, inst.Family)
	}
	return inst, fam, nil
}

func visibleObservationColumns(p *auth.Principal, fam *registry.Family) map[string]struct{} {
	return auth.VisibleColumns(p, fam)
}
