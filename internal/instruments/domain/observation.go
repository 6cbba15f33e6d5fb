package instruments

import "time"

// Record is a flat attribute map of one observation's measured columns.
// Values are float64, int64, string, time.Time or nil.
type Record map[string]any

// Clone returns a shallow copy.
func (r Record) Clone() Record {
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Float returns a numeric column, nil when absent or null.
func (r Record) Float(name string) *float64 {
	switch v := r[name].(type) {
	case float64:
		return &v
	case int64:
		f := float64(v)
		return &f
	}
	return nil
}

// Int returns an integer column, nil when absent or null.
func (r Record) Int(name string) *int64 {
	switch v := r[name].(type) {
	case int64:
		return &v
	case float64:
		i := int64(v)
		return &i
	}
	return nil
}

// Observation is one timestamped measurement row of a family.
type Observation struct {
	ID        int64
	Family    Family
	SN        string
	Timestamp time.Time
	Values    Record
}

// Get resolves a column including the identity columns.
func (o Observation) Get(name string) any {
	switch name {
	case "id":
		return o.ID
	case "timestamp":
		return o.Timestamp
	case "instr_sn":
		return o.SN
	}
	return o.Values[name]
}
