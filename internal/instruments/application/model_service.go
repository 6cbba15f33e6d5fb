package application

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"airquality-cloud/internal/auth"
	"airquality-cloud/internal/collection"
	instruments "airquality-cloud/internal/instruments/domain"
	"airquality-cloud/internal/instruments/registry"
	"airquality-cloud/internal/storage"
)

// ModelService manages calibration model descriptors.
type ModelService struct {
	store   Store
	loader  ModelLoader
	policy  storage.UploadPolicy
	clock   Clock
	baseURL string
}

// NewModelService constructs the service. A nil loader skips artifact checks.
func NewModelService(store Store, loader ModelLoader, policy storage.UploadPolicy, clock Clock, baseURL string) (*ModelService, error) {
	if store == nil {
		return nil, errors.New("model service: nil store")
	}
	if clock == nil {
		clock = SystemClock{}
	}
	return &ModelService{store: store, loader: loader, policy: policy, clock: clock, baseURL: baseURL}, nil
}

// URL returns the canonical resource URL of a model.
func (s *ModelService) URL(m instruments.CalibrationModel) string {
	return fmt.Sprintf("%s/models/%d", s.baseURL, m.ID)
}

func (s *ModelService) render(m instruments.CalibrationModel) map[string]any {
	fields := m.Fields()
	fields["url"] = s.URL(m)
	return fields
}

// List assembles the model collection.
func (s *ModelService) List(ctx context.Context, p *auth.Principal, params collection.Params) (collection.Envelope, error) {
	if p.IsAnonymous() {
		return collection.Envelope{}, auth.ErrUnauthorized
	}
	repo := s.store.Models()
	return collection.Assemble(ctx, collection.Source[instruments.CalibrationModel]{
		Schema: registry.CalibrationSchema,
		Count:  repo.Count,
		Fetch: func(ctx context.Context, w collection.Window) ([]instruments.CalibrationModel, error) {
			return repo.List(ctx, w)
		},
		Render: s.render,
		URL:    s.URL,
	}, params)
}

// Get returns one model.
func (s *ModelService) Get(ctx context.Context, p *auth.Principal, id int64) (map[string]any, error) {
	if p.IsAnonymous() {
		return nil, auth.ErrUnauthorized
	}
	m, err := s.store.Models().Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if m == nil {
		return nil, fmt.Errorf("%w: model %d", instruments.ErrNotFound, id)
	}
	return s.render(*m), nil
}

// Create registers an artifact. The filename must pass the upload policy and,
// when a loader is configured, load as a predictor.
func (s *ModelService) Create(ctx context.Context, p *auth.Principal, attrs map[string]any) (map[string]any, error) {
	if !auth.CanAdminister(p) {
		return nil, auth.ErrForbidden
	}
	raw, _ := attrs["filename"].(string)
	filename := storage.SecureFilename(raw)
	if filename == "" || !s.policy.Allowed(filename) {
		return nil, fmt.Errorf("%w: filename %q is not an allowed artifact", instruments.ErrValidation, raw)
	}
	now := s.clock.Now()
	m := &instruments.CalibrationModel{
		Filename:    filename,
		Label:       stringAttr(attrs, "label"),
		Description: stringAttr(attrs, "description"),
		RMSE:        floatAttr(attrs, "rmse"),
		MAE:         floatAttr(attrs, "mae"),
		R2:          floatAttr(attrs, "r2"),
		CreatedAt:   now,
		LastUpdated: now,
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	if sn := stringAttr(attrs, "instr_sn"); sn != "" {
		inst, err := s.store.Instruments().Get(ctx, sn)
		if err != nil {
			return nil, err
		}
		if inst == nil {
			return nil, fmt.Errorf("%w: instrument %s", instruments.ErrNotFound, sn)
		}
		id := inst.ID
		m.InstrumentID = &id
	}
	if s.loader != nil {
		if _, err := s.loader.Load(filename); err != nil {
			return nil, fmt.Errorf("%w: artifact %s: %v", instruments.ErrValidation, filename, err)
		}
	}
	err := s.store.WithinTx(ctx, func(ctx context.Context, tx Repositories) error {
		return tx.Models().Create(ctx, m)
	})
	if err != nil {
		return nil, err
	}
	return s.render(*m), nil
}

// Delete removes a model. Instrument slots pointing at it are cleared while
// observations keep the model id they were evaluated with.
func (s *ModelService) Delete(ctx context.Context, p *auth.Principal, id int64) error {
	if !auth.CanAdminister(p) {
		return auth.ErrForbidden
	}
	return s.store.WithinTx(ctx, func(ctx context.Context, tx Repositories) error {
		m, err := tx.Models().Get(ctx, id)
		if err != nil {
			return err
		}
		if m == nil {
			return fmt.Errorf("%w: model %d", instruments.ErrNotFound, id)
		}
		return tx.Models().Delete(ctx, id)
	})
}

func stringAttr(attrs map[string]any, key string) string {
	v, _ := attrs[key].(string)
	return strings.TrimSpace(v)
}

func floatAttr(attrs map[string]any, key string) *float64 {
	v, ok := registry.SafeFloat(attrs[key], 1).(float64)
	if !ok {
		return nil
	}
	return &v
}
