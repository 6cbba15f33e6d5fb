package instruments

import (
	"fmt"
	"time"
)

// ExportProvenance tracks one generated export object, keyed by (Bucket, Key).
type ExportProvenance struct {
	ID           int64
	Bucket       string
	Key          string
	Date         time.Time
	LengthDays   int
	Private      bool
	LastModified time.Time
	SizeMB       float64
	Downloads    int
	InstrumentID *int64
}

// ObjectKey builds the deterministic export key for a range.
func ObjectKey(sn string, start, end time.Time, developer bool) string {
	key := fmt.Sprintf("%s/DATA_%s", sn, start.UTC().Format("20060102"))
	if RangeDays(start, end) > 1 {
		key += "_" + end.UTC().Format("20060102")
	}
	if developer {
		key += "_DEVELOPER"
	}
	return key + ".csv"
}

// RangeDays counts whole days between start and end.
func RangeDays(start, end time.Time) int {
	return int(end.Sub(start).Hours() / 24)
}

// Fields renders the provenance record for API responses.
func (p ExportProvenance) Fields() map[string]any {
	return map[string]any{
		"bucket_name":   p.Bucket,
		"key":           p.Key,
		"date":          p.Date.UTC().Format("2006-01-02"),
		"length":        p.LengthDays,
		"private":       p.Private,
		"last_modified": formatTime(p.LastModified),
		"size_mb":       p.SizeMB,
		"downloads":     p.Downloads,
	}
}
