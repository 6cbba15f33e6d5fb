package registry

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	instruments "airquality-cloud/internal/instruments/domain"
	"airquality-cloud/internal/query"
)

// SafeFloat coerces raw to a float scaled by multiplier. It returns nil when
// raw is not numeric or is NaN.
func SafeFloat(raw any, multiplier float64) any {
	var v float64
	switch n := raw.(type) {
	case float64:
		v = n
	case float32:
		v = float64(n)
	case int:
		v = float64(n)
	case int64:
		v = float64(n)
	case json.Number:
		f, err := n.Float64()
		if err != nil {
			return nil
		}
		v = f
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return nil
		}
		v = f
	default:
		return nil
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return v * multiplier
}

// SafeInt coerces raw to an int64, nil when it is not an integer.
func SafeInt(raw any) any {
	switch n := raw.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case bool:
		if n {
			return int64(1)
		}
		return int64(0)
	case float64:
		if math.IsNaN(n) || math.IsInf(n, 0) || n != math.Trunc(n) {
			return nil
		}
		return int64(n)
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return nil
		}
		return i
	case string:
		i, err := strconv.ParseInt(strings.TrimSpace(n), 10, 64)
		if err != nil {
			return nil
		}
		return i
	}
	return nil
}

// ParseTimestamp accepts RFC3339, naive ISO layouts and unix seconds.
func ParseTimestamp(raw any) (time.Time, bool) {
	switch v := raw.(type) {
	case time.Time:
		return v.UTC(), !v.IsZero()
	case string:
		return query.ParseTime(strings.TrimSpace(v))
	case float64:
		if v <= 0 {
			return time.Time{}, false
		}
		return time.Unix(int64(v), 0).UTC(), true
	case json.Number:
		i, err := v.Int64()
		if err != nil || i <= 0 {
			return time.Time{}, false
		}
		return time.Unix(i, 0).UTC(), true
	}
	return time.Time{}, false
}

// DecodeJSON maps a structured body onto the family's columns. Bad optional
// values become null, aliases are resolved and system columns are dropped.
// timestamp, instr_sn and the family's required columns must be present.
func (f *Family) DecodeJSON(body map[string]any) (string, time.Time, instruments.Record, error) {
	if !f.HasTable() {
		return "", time.Time{}, nil, fmt.Errorf("%w: %s instruments do not accept data", instruments.ErrValidation, f.Name)
	}
	sn, _ := body["instr_sn"].(string)
	if strings.TrimSpace(sn) == "" {
		return "", time.Time{}, nil, fmt.Errorf("%w: instr_sn is required", instruments.ErrValidation)
	}
	ts, ok := ParseTimestamp(body["timestamp"])
	if !ok {
		return "", time.Time{}, nil, fmt.Errorf("%w: timestamp is required", instruments.ErrValidation)
	}
	rec := make(instruments.Record)
	for key, value := range body {
		name := key
		if alias, ok := f.Aliases[key]; ok {
			name = alias
		}
		col, ok := f.Column(name)
		if !ok || col.System {
			continue
		}
		rec[name] = coerce(col.Kind, value)
	}
	for _, name := range f.Required {
		if rec[name] == nil {
			return "", time.Time{}, nil, fmt.Errorf("%w: %s is required", instruments.ErrValidation, name)
		}
	}
	return sn, ts, rec, nil
}

// DecodeWebhook decodes the family's delimited telemetry string.
func (f *Family) DecodeWebhook(data string) (time.Time, instruments.Record, error) {
	if f.Webhook == nil {
		return time.Time{}, nil, fmt.Errorf("%w: %s instruments have no webhook format", instruments.ErrValidation, f.Name)
	}
	rec, ts, err := f.Webhook(data)
	if err != nil {
		return time.Time{}, nil, err
	}
	return ts, rec, nil
}

// PatchFlag validates a quality flag update, the only mutable observation field.
func PatchFlag(body map[string]any) (int64, error) {
	for key := range body {
		if key != "flag" {
			return 0, fmt.Errorf("%w: only flag may be updated", instruments.ErrValidation)
		}
	}
	flag, ok := SafeInt(body["flag"]).(int64)
	if !ok {
		return 0, fmt.Errorf("%w: flag must be an integer", instruments.ErrValidation)
	}
	return flag, nil
}

func coerce(kind query.Kind, value any) any {
	switch kind {
	case query.KindFloat:
		return SafeFloat(value, 1)
	case query.KindInt:
		return SafeInt(value)
	case query.KindTime:
		if ts, ok := ParseTimestamp(value); ok {
			return ts
		}
		return nil
	case query.KindBool:
		if b, ok := value.(bool); ok {
			return b
		}
		return nil
	default:
		switch v := value.(type) {
		case nil:
			return nil
		case string:
			return v
		default:
			return fmt.Sprint(v)
		}
	}
}

func splitWebhook(data string, want int) ([]string, time.Time, error) {
	tokens := strings.Split(data, ",")
	if len(tokens) < want {
		return nil, time.Time{}, fmt.Errorf("%w: expected at least %d fields, got %d", instruments.ErrValidation, want, len(tokens))
	}
	ts, ok := ParseTimestamp(tokens[0])
	if !ok {
		return nil, time.Time{}, fmt.Errorf("%w: timestamp is required", instruments.ErrValidation)
	}
	return tokens, ts, nil
}

func optionalFlag(tokens []string, idx int, rec instruments.Record) {
	if idx < len(tokens) {
		rec["flag"] = SafeInt(tokens[idx])
	}
}
