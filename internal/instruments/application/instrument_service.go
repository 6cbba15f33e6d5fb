package application

import (
	"context"
	"errors"
	"fmt"

	"airquality-cloud/internal/auth"
	"airquality-cloud/internal/collection"
	instruments "airquality-cloud/internal/instruments/domain"
	"airquality-cloud/internal/instruments/registry"
	"airquality-cloud/internal/query"
)

// Created is the result of an instrument creation. Token is shown once.
type Created struct {
	Instrument instruments.Instrument
	Token      string
}

// InstrumentService handles instrument use cases.
type InstrumentService struct {
	store   Store
	clock   Clock
	baseURL string
}

// NewInstrumentService constructs the service.
func NewInstrumentService(store Store, clock Clock, baseURL string) (*InstrumentService, error) {
	if store == nil {
		return nil, errors.New("instrument service: nil store")
	}
	if clock == nil {
		clock = SystemClock{}
	}
	return &InstrumentService{store: store, clock: clock, baseURL: baseURL}, nil
}

// URL returns the canonical resource URL of an instrument.
func (s *InstrumentService) URL(inst instruments.Instrument) string {
	return fmt.Sprintf("%s/device/%s", s.baseURL, inst.SN)
}

// Render serializes an instrument redacted for the principal.
func (s *InstrumentService) Render(p *auth.Principal, inst instruments.Instrument) map[string]any {
	fields := inst.Fields()
	fields["url"] = s.URL(inst)
	return auth.Redact(fields, auth.InstrumentColumns(p, inst))
}

// List assembles the instrument collection visible to the principal.
func (s *InstrumentService) List(ctx context.Context, p *auth.Principal, params collection.Params) (collection.Envelope, error) {
	scope := auth.Scope(p)
	repo := s.store.Instruments()
	return collection.Assemble(ctx, collection.Source[instruments.Instrument]{
		Schema: registry.InstrumentSchema,
		Count: func(ctx context.Context, preds []query.Predicate) (int, error) {
			return repo.Count(ctx, scope, preds)
		},
		Fetch: func(ctx context.Context, w collection.Window) ([]instruments.Instrument, error) {
			return repo.List(ctx, scope, w)
		},
		Render: func(inst instruments.Instrument) map[string]any {
			fields := inst.Fields()
			fields["url"] = s.URL(inst)
			return fields
		},
		Visible: func(inst instruments.Instrument) map[string]struct{} {
			return auth.InstrumentColumns(p, inst)
		},
		URL: s.URL,
	}, params)
}

// Get loads a visible instrument.
func (s *InstrumentService) Get(ctx context.Context, p *auth.Principal, sn string) (*instruments.Instrument, error) {
	return visibleInstrument(ctx, s.store, p, sn)
}

// Create registers an instrument owned by the caller and issues its device credential.
func (s *InstrumentService) Create(ctx context.Context, p *auth.Principal, attrs map[string]any) (*Created, error) {
	if p.IsDevice() || !auth.CanWrite(p) {
		return nil, auth.ErrForbidden
	}
	inst, err := instruments.NewInstrument(attrs)
	if err != nil {
		return nil, err
	}
	if p.UserID != nil {
		owner := *p.UserID
		inst.OwnerID = &owner
	}
	now := s.clock.Now()
	inst.CreatedAt = now

	key, err := instruments.NewCredentialKey()
	if err != nil {
		return nil, err
	}
	err = s.store.WithinTx(ctx, func(ctx context.Context, tx Repositories) error {
		if err := tx.Instruments().Create(ctx, inst); err != nil {
			return err
		}
		return tx.Credentials().Create(ctx, &instruments.Credential{Key: key, InstrumentSN: inst.SN, CreatedAt: now})
	})
	if err != nil {
		return nil, err
	}
	return &Created{Instrument: *inst, Token: key}, nil
}

// Update applies a partial update. sn and discriminator are never changed.
func (s *InstrumentService) Update(ctx context.Context, p *auth.Principal, sn string, attrs map[string]any) (*instruments.Instrument, error) {
	if p.IsDevice() || !auth.CanWrite(p) {
		return nil, auth.ErrForbidden
	}
	delete(attrs, "sn")
	delete(attrs, "discriminator")

	var updated *instruments.Instrument
	err := s.store.WithinTx(ctx, func(ctx context.Context, tx Repositories) error {
		inst, err := visibleInstrument(ctx, tx, p, sn)
		if err != nil {
			return err
		}
		if err := inst.Apply(attrs); err != nil {
			return err
		}
		if err := tx.Instruments().Update(ctx, inst); err != nil {
			return err
		}
		updated = inst
		return nil
	})
	return updated, err
}

// Delete removes an instrument and everything it owns.
func (s *InstrumentService) Delete(ctx context.Context, p *auth.Principal, sn string) error {
	if !auth.CanDrop(p) {
		return auth.ErrForbidden
	}
	return s.store.WithinTx(ctx, func(ctx context.Context, tx Repositories) error {
		inst, err := tx.Instruments().Get(ctx, sn)
		if err != nil {
			return err
		}
		if inst == nil {
			return fmt.Errorf("%w: instrument %s", instruments.ErrNotFound, sn)
		}
		return tx.Instruments().Delete(ctx, sn)
	})
}

// RotateCredential replaces the device credential and returns the new token.
func (s *InstrumentService) RotateCredential(ctx context.Context, p *auth.Principal, sn string) (string, error) {
	key, err := instruments.NewCredentialKey()
	if err != nil {
		return "", err
	}
	err = s.store.WithinTx(ctx, func(ctx context.Context, tx Repositories) error {
		inst, err := tx.Instruments().Get(ctx, sn)
		if err != nil {
			return err
		}
		if inst == nil {
			return fmt.Errorf("%w: instrument %s", instruments.ErrNotFound, sn)
		}
		if !auth.CanManage(p, *inst) {
			return auth.ErrForbidden
		}
		if err := tx.Credentials().DeleteForInstrument(ctx, sn); err != nil {
			return err
		}
		return tx.Credentials().Create(ctx, &instruments.Credential{Key: key, InstrumentSN: sn, CreatedAt: s.clock.Now()})
	})
	if err != nil {
		return "", err
	}
	return key, nil
}

// AssignModel points a calibration slot at a model, or clears it when modelID is nil.
func (s *InstrumentService) AssignModel(ctx context.Context, p *auth.Principal, sn string, slot instruments.Slot, modelID *int64) (*instruments.Instrument, error) {
	if !auth.CanAdminister(p) {
		return nil, auth.ErrForbidden
	}
	var out *instruments.Instrument
	err := s.store.WithinTx(ctx, func(ctx context.Context, tx Repositories) error {
		inst, err := tx.Instruments().Get(ctx, sn)
		if err != nil {
			return err
		}
		if inst == nil {
			return fmt.Errorf("%w: instrument %s", instruments.ErrNotFound, sn)
		}
		if !hasSlot(registry.MustLookup(inst.Family), slot) {
			return fmt.Errorf("%w: %s instruments have no %s slot", instruments.ErrValidation, inst.Family, slot)
		}
		if modelID != nil {
			model, err := tx.Models().Get(ctx, *modelID)
			if err != nil {
				return err
			}
			if model == nil {
				return fmt.Errorf("%w: model %d", instruments.ErrNotFound, *modelID)
			}
		}
		if err := tx.Instruments().AssignModel(ctx, sn, slot, modelID); err != nil {
			return err
		}
		out, err = tx.Instruments().Get(ctx, sn)
		return err
	})
	return out, err
}

func hasSlot(fam *registry.Family, slot instruments.Slot) bool {
	for _, spec := range fam.Slots {
		if spec.Slot == slot {
			return true
		}
	}
	return false
}

// visibleInstrument returns ErrNotFound for unknown instruments and
// auth.ErrForbidden for instruments the principal may not see.
func visibleInstrument(ctx context.Context, repos Repositories, p *auth.Principal, sn string) (*instruments.Instrument, error) {
	inst, err := repos.Instruments().Get(ctx, sn)
	if err != nil {
		return nil, err
	}
	if inst == nil {
		return nil, fmt.Errorf("%w: instrument %s", instruments.ErrNotFound, sn)
	}
	if !auth.CanView(p, *inst) {
		return nil, auth.ErrForbidden
	}
	return inst, nil
}
