package registry

import (
	"errors"
	"fmt"

	instruments "airquality-cloud/internal/instruments/domain"
)

// Predictor is a loaded calibration model.
type Predictor interface {
	Predict(features []float64) (float64, error)
}

// FeatureSelector is implemented by predictors that declare their own inputs.
type FeatureSelector interface {
	Features() []string
}

// AssignedModel is a calibration model currently attached to a slot.
type AssignedModel struct {
	ID        int64
	Predictor Predictor
}

// SlotError reports a failed evaluation of one slot.
type SlotError struct {
	Slot    instruments.Slot
	ModelID int64
	Err     error
}

func (e *SlotError) Error() string {
	return fmt.Sprintf("slot %s model %d: %v", e.Slot, e.ModelID, e.Err)
}

func (e *SlotError) Unwrap() error {
	return e.Err
}

// ErrNoPredictor is returned for slots whose model could not be loaded.
var ErrNoPredictor = errors.New("registry: model has no usable predictor")

// Evaluate applies the assigned models to rec. The returned record is always
// usable: failing slots are skipped and reported through the joined error.
// The id of every model that produced a value is stamped onto the record.
func (f *Family) Evaluate(rec instruments.Record, models map[instruments.Slot]AssignedModel) (instruments.Record, error) {
	if len(models) == 0 || len(f.Slots) == 0 {
		return rec, nil
	}
	out := rec.Clone()
	var errs []error
	for _, spec := range f.Slots {
		model, ok := models[spec.Slot]
		if !ok {
			continue
		}
		if model.Predictor == nil {
			errs = append(errs, &SlotError{Slot: spec.Slot, ModelID: model.ID, Err: ErrNoPredictor})
			continue
		}
		names := spec.Features
		if sel, ok := model.Predictor.(FeatureSelector); ok && len(sel.Features()) > 0 {
			names = sel.Features()
		}
		features, err := featureVector(rec, names)
		if err != nil {
			errs = append(errs, &SlotError{Slot: spec.Slot, ModelID: model.ID, Err: err})
			continue
		}
		value, err := safePredict(model.Predictor, features)
		if err != nil {
			errs = append(errs, &SlotError{Slot: spec.Slot, ModelID: model.ID, Err: err})
			continue
		}
		out[spec.Target] = value
		out[spec.ModelColumn] = model.ID
	}
	return out, errors.Join(errs...)
}

func featureVector(rec instruments.Record, names []string) ([]float64, error) {
	out := make([]float64, 0, len(names))
	for _, name := range names {
		v := rec.Float(name)
		if v == nil {
			return nil, fmt.Errorf("missing feature %s", name)
		}
		out = append(out, *v)
	}
	return out, nil
}

func safePredict(p Predictor, features []float64) (value float64, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("predict panic: %v", r)
		}
	}()
	return p.Predict(features)
}
