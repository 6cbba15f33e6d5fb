// Package registry holds the per-family sensor definitions: stored columns,
// public and private column sets, wire decoders, calibration slots, plot keys
// and map projections. Every family is one table entry; callers dispatch on
// instruments.Family instead of on concrete types.
package registry

import (
	"errors"
	"fmt"
	"sort"
	"time"

	instruments "airquality-cloud/internal/instruments/domain"
	"airquality-cloud/internal/query"
)

// Column is one stored measurement column of a family.
type Column struct {
	Name string
	Kind query.Kind
	// Public columns are visible to every viewer.
	Public bool
	// System columns are written by the server, never by clients.
	System bool
}

// SlotSpec binds a calibration slot to its input features and output column.
type SlotSpec struct {
	Slot        instruments.Slot
	Features    []string
	Target      string
	ModelColumn string
}

// Series is one plottable key.
type Series struct {
	Label  string
	Column string
	Unit   string
}

// Family describes one sensor family.
type Family struct {
	Name  instruments.Family
	Table string
	// Columns excludes the identity columns id, timestamp and instr_sn.
	Columns  []Column
	Required []string
	Aliases  map[string]string
	Slots    []SlotSpec

	PublicPlot  []Series
	PrivatePlot []Series

	// Webhook decodes a delimited telemetry string; nil when the family has none.
	Webhook func(data string) (instruments.Record, time.Time, error)
	// Project extracts the map value of a pollutant from the latest record.
	Project func(inst instruments.Instrument, rec instruments.Record, pollutant string) (float64, string, bool)

	schema  query.Schema
	public  map[string]struct{}
	private map[string]struct{}
}

// BaseColumns are serialized for every family and visible to every viewer.
var BaseColumns = []string{"id", "timestamp", "timestamp_local", "instr_sn", "url", "instrument"}

// ErrNoTable is returned for families that store no observations.
var ErrNoTable = errors.New("registry: family has no observation table")

var families = map[instruments.Family]*Family{}

func register(f *Family) {
	fields := []query.Field{
		{Name: "id", Kind: query.KindInt},
		{Name: "timestamp", Kind: query.KindTime},
		{Name: "instr_sn", Kind: query.KindString},
	}
	f.public = make(map[string]struct{})
	f.private = make(map[string]struct{})
	for _, name := range BaseColumns {
		f.public[name] = struct{}{}
		f.private[name] = struct{}{}
	}
	for _, col := range f.Columns {
		fields = append(fields, query.Field{Name: col.Name, Kind: col.Kind})
		f.private[col.Name] = struct{}{}
		if col.Public {
			f.public[col.Name] = struct{}{}
		}
	}
	f.schema = query.NewSchema(fields...)
	families[f.Name] = f
}

// Lookup returns the family definition.
func Lookup(name instruments.Family) (*Family, bool) {
	f, ok := families[name]
	return f, ok
}

// MustLookup returns the family definition, falling back to orphan.
func MustLookup(name instruments.Family) *Family {
	if f, ok := families[name]; ok {
		return f
	}
	return families[instruments.FamilyOrphan]
}

// All returns every registered family ordered by name.
func All() []*Family {
	out := make([]*Family, 0, len(families))
	for _, f := range families {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// HasTable reports whether the family stores observations.
func (f *Family) HasTable() bool {
	return f.Table != ""
}

// Schema is the filterable attribute set of the family's observations.
func (f *Family) Schema() query.Schema {
	return f.schema
}

// PublicColumns returns a copy of the columns every viewer may see.
func (f *Family) PublicColumns() map[string]struct{} {
	return copySet(f.public)
}

// PrivateColumns returns a copy of the research column set. It is a superset of PublicColumns.
func (f *Family) PrivateColumns() map[string]struct{} {
	return copySet(f.private)
}

// StoredColumns returns the measured column names in declaration order.
func (f *Family) StoredColumns() []string {
	out := make([]string, 0, len(f.Columns))
	for _, col := range f.Columns {
		out = append(out, col.Name)
	}
	return out
}

// Column returns a stored column definition.
func (f *Family) Column(name string) (Column, bool) {
	for _, col := range f.Columns {
		if col.Name == name {
			return col, true
		}
	}
	return Column{}, false
}

// Plot returns the plot keys for a viewer.
func (f *Family) Plot(research bool) []Series {
	if research && len(f.PrivatePlot) > 0 {
		return f.PrivatePlot
	}
	return f.PublicPlot
}

// Serialize renders an observation with every column. Redaction happens in the caller.
func (f *Family) Serialize(obs instruments.Observation, inst instruments.Instrument, baseURL string) map[string]any {
	out := make(map[string]any, len(f.Columns)+len(BaseColumns))
	for _, col := range f.Columns {
		v, ok := obs.Values[col.Name]
		if !ok {
			out[col.Name] = nil
			continue
		}
		if t, isTime := v.(time.Time); isTime {
			v = t.UTC().Format(time.RFC3339)
		}
		out[col.Name] = v
	}
	out["id"] = obs.ID
	out["timestamp"] = obs.Timestamp.UTC().Format(time.RFC3339)
	out["timestamp_local"] = LocalTimestamp(obs.Timestamp, inst)
	out["instr_sn"] = obs.SN
	out["instrument"] = fmt.Sprintf("%s/device/%s", baseURL, inst.SN)
	out["url"] = fmt.Sprintf("%s/device/%s/data/%d", baseURL, inst.SN, obs.ID)
	return out
}

// LocalTimestamp formats ts in the instrument zone, nil without a timezone.
func LocalTimestamp(ts time.Time, inst instruments.Instrument) any {
	loc := inst.Zone()
	if loc == nil {
		return nil
	}
	return ts.In(loc).Format(time.RFC3339)
}

func copySet(in map[string]struct{}) map[string]struct{} {
	out := make(map[string]struct{}, len(in))
	for k := range in {
		out[k] = struct{}{}
	}
	return out
}

// InstrumentSchema is the filterable attribute set of instruments.
var InstrumentSchema = query.NewSchema(
	query.Field{Name: "sn", Kind: query.KindString},
	query.Field{Name: "discriminator", Kind: query.KindString},
	query.Field{Name: "location", Kind: query.KindString},
	query.Field{Name: "city", Kind: query.KindString},
	query.Field{Name: "country", Kind: query.KindString},
	query.Field{Name: "timezone", Kind: query.KindString},
	query.Field{Name: "model", Kind: query.KindString},
	query.Field{Name: "latitude", Kind: query.KindString},
	query.Field{Name: "longitude", Kind: query.KindString},
	query.Field{Name: "outdoors", Kind: query.KindBool},
	query.Field{Name: "private", Kind: query.KindBool},
	query.Field{Name: "active", Kind: query.KindBool},
	query.Field{Name: "last_updated", Kind: query.KindTime},
)

// CalibrationSchema is the filterable attribute set of calibration models.
var CalibrationSchema = query.NewSchema(
	query.Field{Name: "id", Kind: query.KindInt},
	query.Field{Name: "filename", Kind: query.KindString},
	query.Field{Name: "label", Kind: query.KindString},
	query.Field{Name: "rmse", Kind: query.KindFloat},
	query.Field{Name: "mae", Kind: query.KindFloat},
	query.Field{Name: "r2", Kind: query.KindFloat},
	query.Field{Name: "created", Column: "created_at", Kind: query.KindTime},
)

// EventLogSchema is the filterable attribute set of device event logs.
var EventLogSchema = query.NewSchema(
	query.Field{Name: "id", Kind: query.KindInt},
	query.Field{Name: "instr_sn", Kind: query.KindString},
	query.Field{Name: "opened", Kind: query.KindTime},
	query.Field{Name: "closed", Kind: query.KindTime},
	query.Field{Name: "level", Kind: query.KindString},
	query.Field{Name: "addressed", Kind: query.KindBool},
	query.Field{Name: "message", Kind: query.KindString},
)
