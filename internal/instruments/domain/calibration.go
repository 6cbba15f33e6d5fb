package instruments

import (
	"fmt"
	"strings"
	"time"
)

// CalibrationModel references an externally trained regressor artifact.
type CalibrationModel struct {
	ID           int64
	Filename     string
	Label        string
	Description  string
	RMSE         *float64
	MAE          *float64
	R2           *float64
	InstrumentID *int64
	CreatedAt    time.Time
	LastUpdated  time.Time
}

// Validate checks model invariants.
func (m CalibrationModel) Validate() error {
	if strings.TrimSpace(m.Filename) == "" {
		return fmt.Errorf("%w: filename is required", ErrValidation)
	}
	if strings.TrimSpace(m.Label) == "" {
		return fmt.Errorf("%w: label is required", ErrValidation)
	}
	return nil
}

// Fields renders the model for API responses.
func (m CalibrationModel) Fields() map[string]any {
	return map[string]any{
		"id":            m.ID,
		"filename":      m.Filename,
		"label":         m.Label,
		"description":   m.Description,
		"rmse":          m.RMSE,
		"mae":           m.MAE,
		"r2":            m.R2,
		"instrument_id": m.InstrumentID,
		"created":       formatTime(m.CreatedAt),
		"last_updated":  formatTime(m.LastUpdated),
	}
}

func formatTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC().Format(time.RFC3339)
}
