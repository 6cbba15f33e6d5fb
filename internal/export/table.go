// Package export projects observation ranges into flat tables and renders
// them as CSV, XLSX and PDF documents.
package export

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"time"

	instruments "airquality-cloud/internal/instruments/domain"
	"airquality-cloud/internal/instruments/registry"
)

const (
	timestampLayout = "2006-01-02T15:04:05Z"
	localLayout     = "2006-01-02T15:04:05"
)

// Table is a column projected, timezone localized observation range.
type Table struct {
	Title   string
	Columns []string
	Rows    [][]any
}

// BuildTable keeps the visible stored columns of the family in declaration
// order after timestamp and timestamp_local.
func BuildTable(fam *registry.Family, inst instruments.Instrument, obs []instruments.Observation, visible map[string]struct{}) Table {
	cols := []string{"timestamp", "timestamp_local"}
	for _, name := range fam.StoredColumns() {
		if _, ok := visible[name]; ok {
			cols = append(cols, name)
		}
	}
	loc := inst.Zone()
	rows := make([][]any, 0, len(obs))
	for _, o := range obs {
		row := make([]any, 0, len(cols))
		row = append(row, o.Timestamp.UTC().Format(timestampLayout))
		if loc != nil {
			row = append(row, o.Timestamp.In(loc).Format(localLayout))
		} else {
			row = append(row, "")
		}
		for _, name := range cols[2:] {
			row = append(row, o.Values[name])
		}
		rows = append(rows, row)
	}
	return Table{Title: inst.SN, Columns: cols, Rows: rows}
}

// WriteCSV streams the table with a header row.
func WriteCSV(w io.Writer, t Table) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(t.Columns); err != nil {
		return err
	}
	record := make([]string, len(t.Columns))
	for _, row := range t.Rows {
		for i, v := range row {
			record[i] = cell(v)
		}
		if err := cw.Write(record); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func cell(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case int64:
		return strconv.FormatInt(x, 10)
	case bool:
		return strconv.FormatBool(x)
	case time.Time:
		return x.UTC().Format(timestampLayout)
	default:
		return fmt.Sprint(x)
	}
}
